package notify

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftmarket/go-market-sync/domain"
)

func TestNotifier_PublishReachesSubscribers(t *testing.T) {
	n := NewNotifier(nil, nil)

	var received atomic.Int32
	n.Subscribe(func(notification Notification) {
		assert.Equal(t, domain.EventMinted, notification.EventType)
		received.Add(1)
	})
	n.Subscribe(func(_ Notification) { received.Add(1) })

	n.Publish(domain.EventMinted, map[string]string{"asset_id": "1"})

	require.Eventually(t, func() bool { return received.Load() == 2 }, time.Second, time.Millisecond)
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(nil, nil)

	var received atomic.Int32
	id := n.Subscribe(func(_ Notification) { received.Add(1) })
	n.Unsubscribe(id)

	n.Publish(domain.EventMinted, nil)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())
}

func TestNotifier_PanickingSubscriberIsIsolated(t *testing.T) {
	n := NewNotifier(nil, nil)

	var received atomic.Int32
	n.Subscribe(func(_ Notification) { panic("presentation bug") })
	n.Subscribe(func(_ Notification) { received.Add(1) })

	n.Publish(domain.EventTransferred, nil)

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, time.Millisecond)
}

func TestNotifier_UpdateCounters(t *testing.T) {
	n := NewNotifier(nil, nil)

	n.Publish(domain.EventMinted, nil)
	n.Publish(domain.EventTransferred, nil)
	n.Publish(domain.EventListingCreated, nil)
	n.Publish(domain.EventSaleCompleted, nil)

	assert.Equal(t, uint64(3), n.GalleryUpdates())
	assert.Equal(t, uint64(2), n.MarketplaceUpdates())
}
