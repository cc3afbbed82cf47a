// Package ledger provides the concrete event stream the listener
// subscribes to. The deployment has no push channel from the ledger
// access node, so a subscription is a per-stream polling loop over the
// marketplace events endpoint, starting at the block height observed
// when the subscription was opened.
package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nftmarket/go-market-sync/domain"
	"github.com/nftmarket/go-market-sync/listener"
)

// API is the provider surface the stream polls. Satisfied by
// marketplace.Client.
type API interface {
	BlockHeight(ctx context.Context) (uint64, error)
	RawEvents(ctx context.Context, fromBlock, toBlock uint64, eventType string) ([]domain.RawEvent, error)
}

type Stream struct {
	api          API
	pollInterval time.Duration
	logger       *zap.SugaredLogger
}

func NewStream(api API, pollInterval time.Duration, logger *zap.SugaredLogger) *Stream {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Stream{api: api, pollInterval: pollInterval, logger: logger}
}

// Subscribe opens a named stream at the current head. The returned
// subscription delivers every matching event of later blocks in order
// and reports the first polling error on Err, after which the listener
// re-subscribes.
func (s *Stream) Subscribe(ctx context.Context, eventName string) (listener.Subscription, error) {
	height, err := s.api.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		events: make(chan domain.RawEvent, 64),
		errs:   make(chan error, 1),
		cancel: cancel,
	}
	go sub.poll(subCtx, s, eventName, height)
	return sub, nil
}

type subscription struct {
	events chan domain.RawEvent
	errs   chan error
	cancel context.CancelFunc
}

func (s *subscription) Events() <-chan domain.RawEvent { return s.events }
func (s *subscription) Err() <-chan error              { return s.errs }
func (s *subscription) Unsubscribe()                   { s.cancel() }

func (s *subscription) poll(ctx context.Context, stream *Stream, eventName string, lastBlock uint64) {
	ticker := time.NewTicker(stream.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		height, err := stream.api.BlockHeight(ctx)
		if err != nil {
			s.fail(err)
			return
		}
		if height <= lastBlock {
			continue
		}

		raws, err := stream.api.RawEvents(ctx, lastBlock+1, height, eventName)
		if err != nil {
			s.fail(err)
			return
		}
		for _, raw := range raws {
			select {
			case <-ctx.Done():
				return
			case s.events <- raw:
			}
		}
		lastBlock = height
	}
}

func (s *subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
