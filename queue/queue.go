package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nftmarket/go-market-sync/domain"
)

// Processor handles one dequeued event. Exactly one processor is active
// per event type; the last registration wins.
type Processor func(ctx context.Context, event domain.CanonicalEvent) error

// Observer receives queue measurements. Satisfied by metrics.Metrics.
type Observer interface {
	SetQueueDepth(depth int)
	EventProcessed(eventType string, seconds float64)
	EventFailed(eventType string, seconds float64)
}

// Queue is the single-consumer FIFO between the ledger listener and the
// event handlers. Enqueue starts a drain if none is running; the drain
// hands events to their processor strictly in arrival order and does not
// start the next event until the current processor has returned. A
// failing processor never stops the drain.
type Queue struct {
	logger   *zap.SugaredLogger
	observer Observer

	mu         sync.Mutex
	events     []domain.CanonicalEvent
	processors map[domain.EventType]Processor
	draining   bool
}

func NewQueue(logger *zap.SugaredLogger, observer Observer) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Queue{
		logger:     logger,
		observer:   observer,
		processors: make(map[domain.EventType]Processor),
	}
}

func (q *Queue) AddProcessor(eventType domain.EventType, processor Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[eventType] = processor
}

func (q *Queue) RemoveProcessor(eventType domain.EventType) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processors, eventType)
}

// Enqueue appends the event and starts draining if the queue was idle.
func (q *Queue) Enqueue(event domain.CanonicalEvent) {
	q.mu.Lock()
	q.events = append(q.events, event)
	depth := len(q.events)
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.SetQueueDepth(depth)
	}
	if start {
		go q.drain()
	}
}

// Depth returns the number of events waiting to be processed.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.events) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		event := q.events[0]
		q.events = q.events[1:]
		depth := len(q.events)
		processor := q.processors[event.Type]
		q.mu.Unlock()

		if q.observer != nil {
			q.observer.SetQueueDepth(depth)
		}

		if processor == nil {
			q.logger.Warnw("no processor registered for event type",
				"type", event.Type, "transaction_id", event.TransactionID)
			continue
		}

		start := time.Now()
		err := processor(context.Background(), event)
		elapsed := time.Since(start)

		if err != nil {
			q.logger.Errorw("event processing failed",
				"type", event.Type,
				"transaction_id", event.TransactionID,
				"block_height", event.BlockHeight,
				"duration", elapsed,
				"queue_depth", depth,
				"status", "failure",
				"error", err)
			if q.observer != nil {
				q.observer.EventFailed(string(event.Type), elapsed.Seconds())
			}
			continue
		}

		q.logger.Infow("event processed",
			"type", event.Type,
			"transaction_id", event.TransactionID,
			"duration", elapsed,
			"queue_depth", depth,
			"status", "success")
		if q.observer != nil {
			q.observer.EventProcessed(string(event.Type), elapsed.Seconds())
		}
	}
}
