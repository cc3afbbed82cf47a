package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftmarket/go-market-sync/domain"
)

func waitDrained(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.events) == 0 && !q.draining
	}, time.Second, time.Millisecond)
}

func TestQueue_StrictFIFOOrdering(t *testing.T) {
	q := NewQueue(nil, nil)

	var mu sync.Mutex
	var order []string
	var inFlight atomic.Int32

	q.AddProcessor(domain.EventMinted, func(_ context.Context, ev domain.CanonicalEvent) error {
		// the next event must not start before this one returns
		assert.Equal(t, int32(1), inFlight.Add(1))
		defer inFlight.Add(-1)

		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, ev.TransactionID)
		mu.Unlock()
		return nil
	})

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("tx-%d", i)
		want = append(want, id)
		q.Enqueue(domain.CanonicalEvent{Type: domain.EventMinted, TransactionID: id})
	}

	waitDrained(t, q)
	assert.Equal(t, want, order)
}

func TestQueue_ProcessorErrorDoesNotStopDrain(t *testing.T) {
	q := NewQueue(nil, nil)

	var processed []string
	q.AddProcessor(domain.EventMinted, func(_ context.Context, ev domain.CanonicalEvent) error {
		processed = append(processed, ev.TransactionID)
		if ev.TransactionID == "tx-1" {
			return errors.New("handler exploded")
		}
		return nil
	})

	q.Enqueue(domain.CanonicalEvent{Type: domain.EventMinted, TransactionID: "tx-1"})
	q.Enqueue(domain.CanonicalEvent{Type: domain.EventMinted, TransactionID: "tx-2"})

	waitDrained(t, q)
	assert.Equal(t, []string{"tx-1", "tx-2"}, processed)
}

func TestQueue_UnregisteredTypeIsTolerated(t *testing.T) {
	q := NewQueue(nil, nil)

	var processed atomic.Int32
	q.AddProcessor(domain.EventMinted, func(_ context.Context, _ domain.CanonicalEvent) error {
		processed.Add(1)
		return nil
	})

	q.Enqueue(domain.CanonicalEvent{Type: domain.EventTransferred, TransactionID: "tx-1"})
	q.Enqueue(domain.CanonicalEvent{Type: domain.EventMinted, TransactionID: "tx-2"})

	waitDrained(t, q)
	assert.Equal(t, int32(1), processed.Load())
}

func TestQueue_LastRegistrationWins(t *testing.T) {
	q := NewQueue(nil, nil)

	var first, second atomic.Int32
	q.AddProcessor(domain.EventMinted, func(_ context.Context, _ domain.CanonicalEvent) error {
		first.Add(1)
		return nil
	})
	q.AddProcessor(domain.EventMinted, func(_ context.Context, _ domain.CanonicalEvent) error {
		second.Add(1)
		return nil
	})

	q.Enqueue(domain.CanonicalEvent{Type: domain.EventMinted, TransactionID: "tx-1"})

	waitDrained(t, q)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestQueue_RemoveProcessor(t *testing.T) {
	q := NewQueue(nil, nil)

	var processed atomic.Int32
	q.AddProcessor(domain.EventMinted, func(_ context.Context, _ domain.CanonicalEvent) error {
		processed.Add(1)
		return nil
	})
	q.RemoveProcessor(domain.EventMinted)

	q.Enqueue(domain.CanonicalEvent{Type: domain.EventMinted, TransactionID: "tx-1"})

	waitDrained(t, q)
	assert.Equal(t, int32(0), processed.Load())
}
