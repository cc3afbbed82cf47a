package listener

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nftmarket/go-market-sync/domain"
)

// Subscription is one live named event stream from the ledger provider.
type Subscription interface {
	Events() <-chan domain.RawEvent
	Err() <-chan error
	Unsubscribe()
}

// LedgerStream opens named event stream subscriptions against the
// ledger access node.
type LedgerStream interface {
	Subscribe(ctx context.Context, eventName string) (Subscription, error)
}

// Sink receives normalized events. Satisfied by queue.Queue.
type Sink interface {
	Enqueue(event domain.CanonicalEvent)
}

// EventNames maps event categories to the fully-qualified stream names
// of the deployed marketplace contracts.
type EventNames struct {
	Minted         string
	Transferred    string
	SaleCompleted  string
	ListingCreated string
	ListingRemoved string
}

type Config struct {
	Names                EventNames
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// Listener subscribes to one stream per event category, normalizes raw
// provider payloads into canonical events, pushes them into the queue
// and fans out synchronously to registered callbacks. Dropped
// subscriptions are re-established with exponential backoff; once the
// attempt cap is exceeded the stream stops and the failure is surfaced
// on Failures.
type Listener struct {
	stream LedgerStream
	sink   Sink
	cfg    Config
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	callbacks []func(domain.CanonicalEvent)

	failures chan error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewListener(stream LedgerStream, sink Sink, cfg Config, logger *zap.SugaredLogger) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	return &Listener{
		stream:   stream,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		failures: make(chan error, 8),
	}
}

// OnEvent registers a synchronous callback invoked for every normalized
// event, independently of the queue. Used by presentation-facing hooks.
func (l *Listener) OnEvent(callback func(domain.CanonicalEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

// Failures delivers hard subscription failures, i.e. streams that
// exhausted their reconnection attempts and need to be re-established
// by the caller.
func (l *Listener) Failures() <-chan error {
	return l.failures
}

func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	streams := []struct {
		name      string
		eventType domain.EventType
	}{
		{l.cfg.Names.Minted, domain.EventMinted},
		{l.cfg.Names.Transferred, domain.EventTransferred},
		{l.cfg.Names.SaleCompleted, domain.EventSaleCompleted},
		{l.cfg.Names.ListingCreated, domain.EventListingCreated},
		{l.cfg.Names.ListingRemoved, domain.EventListingRemoved},
	}
	for _, s := range streams {
		if s.name == "" {
			continue
		}
		l.wg.Add(1)
		go func(name string, eventType domain.EventType) {
			defer l.wg.Done()
			l.run(ctx, name, eventType)
		}(s.name, s.eventType)
	}
}

func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// backoff returns the delay before retry attempt+1 after the given
// number of consecutive failures: base * 2^(attempt-1).
func backoff(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

func (l *Listener) run(ctx context.Context, name string, eventType domain.EventType) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := l.stream.Subscribe(ctx, name)
		if err != nil {
			attempts++
			if attempts >= l.cfg.MaxReconnectAttempts {
				l.logger.Errorw("subscription failed permanently",
					"stream", name, "attempts", attempts, "error", err)
				l.failures <- errors.Wrapf(err, "subscribing to [%s] after %d attempts", name, attempts)
				return
			}
			delay := backoff(l.cfg.ReconnectBaseDelay, attempts)
			l.logger.Warnw("subscription attempt failed, retrying",
				"stream", name, "attempt", attempts, "delay", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempts = 0
		l.logger.Infow("subscribed to event stream", "stream", name)

		err = l.consume(ctx, sub, eventType)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		l.logger.Warnw("subscription dropped", "stream", name, "error", err)
		attempts++
		if attempts >= l.cfg.MaxReconnectAttempts {
			l.logger.Errorw("subscription failed permanently",
				"stream", name, "attempts", attempts, "error", err)
			l.failures <- errors.Wrapf(err, "stream [%s] dropped after %d attempts", name, attempts)
			return
		}
		if !sleepCtx(ctx, backoff(l.cfg.ReconnectBaseDelay, attempts)) {
			return
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub Subscription, eventType domain.EventType) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case raw, ok := <-sub.Events():
			if !ok {
				return errors.New("event channel closed")
			}
			event := domain.Decode(eventType, raw)
			l.sink.Enqueue(event)
			l.fanOut(event)
		}
	}
}

func (l *Listener) fanOut(event domain.CanonicalEvent) {
	l.mu.RLock()
	callbacks := make([]func(domain.CanonicalEvent), len(l.callbacks))
	copy(callbacks, l.callbacks)
	l.mu.RUnlock()

	for _, callback := range callbacks {
		callback(event)
	}
}

func sleepCtx(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
