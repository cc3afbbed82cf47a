package handlers

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nftmarket/go-market-sync/domain"
)

// Handler processes one canonical event. Handlers must be idempotent:
// when several handlers run for the same event and one fails, the side
// effects of the others are not rolled back and the event may be
// replayed by the catch-up loop.
type Handler func(ctx context.Context, event domain.CanonicalEvent) error

// Registry maps event types to their ordered handler lists and invokes
// them per dispatched event.
type Registry struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[domain.EventType][]Handler
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[domain.EventType][]Handler),
	}
}

// Register appends a handler to the type's list. Multiple handlers per
// type are allowed and independent.
func (r *Registry) Register(eventType domain.EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// ProcessEvent runs all handlers registered for the event's type
// concurrently and waits for all of them. An event type without
// handlers is tolerated with a warning. If any handler fails the
// aggregate error is returned after every handler has finished.
func (r *Registry) ProcessEvent(ctx context.Context, event domain.CanonicalEvent) error {
	r.mu.RLock()
	handlers := make([]Handler, len(r.handlers[event.Type]))
	copy(handlers, r.handlers[event.Type])
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Warnw("no handlers registered for event type",
			"type", event.Type, "transaction_id", event.TransactionID)
		return nil
	}

	var g errgroup.Group
	for _, handler := range handlers {
		handler := handler
		g.Go(func() error {
			return handler(ctx, event)
		})
	}
	return g.Wait()
}
