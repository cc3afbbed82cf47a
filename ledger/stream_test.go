package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftmarket/go-market-sync/domain"
)

type fakeAPI struct {
	mu        sync.Mutex
	height    uint64
	heightErr error
	events    map[uint64][]domain.RawEvent
	rangeErr  error
}

func (f *fakeAPI) BlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, f.heightErr
}

func (f *fakeAPI) RawEvents(_ context.Context, fromBlock, toBlock uint64, _ string) ([]domain.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	var out []domain.RawEvent
	for block := fromBlock; block <= toBlock; block++ {
		out = append(out, f.events[block]...)
	}
	return out, nil
}

func (f *fakeAPI) advance(height uint64, events ...domain.RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[uint64][]domain.RawEvent)
	}
	f.events[height] = events
	f.height = height
}

func TestStream_DeliversEventsPastSubscriptionPoint(t *testing.T) {
	api := &fakeAPI{}
	api.advance(10, domain.RawEvent{TransactionID: "tx-before", BlockHeight: 10})

	stream := NewStream(api, 5*time.Millisecond, nil)
	sub, err := stream.Subscribe(context.Background(), "minted")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	api.advance(11, domain.RawEvent{TransactionID: "tx-after", BlockHeight: 11})

	select {
	case raw := <-sub.Events():
		assert.Equal(t, "tx-after", raw.TransactionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestStream_SubscribeFailsWhenHeadUnavailable(t *testing.T) {
	api := &fakeAPI{heightErr: errors.New("access node down")}
	stream := NewStream(api, 5*time.Millisecond, nil)

	_, err := stream.Subscribe(context.Background(), "minted")
	require.Error(t, err)
}

func TestStream_PollingErrorSurfacesOnErr(t *testing.T) {
	api := &fakeAPI{}
	api.advance(10)

	stream := NewStream(api, 5*time.Millisecond, nil)
	sub, err := stream.Subscribe(context.Background(), "minted")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	api.mu.Lock()
	api.height = 11
	api.rangeErr = errors.New("access node down")
	api.mu.Unlock()

	select {
	case err := <-sub.Err():
		assert.Contains(t, err.Error(), "access node down")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}
