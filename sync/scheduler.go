// Package sync runs the background loops that keep the cache tiers
// coherent with the ledger when the live event stream misses something:
// event catch-up, stale owner refresh, marketplace refresh and expired
// entry cleanup. Every loop persists a checkpoint so a restart resumes
// where the previous run left off.
package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nftmarket/go-market-sync/db"
	"github.com/nftmarket/go-market-sync/domain"
)

const (
	LoopCatchUp            = "event-catch-up"
	LoopOwnerRefresh       = "owner-refresh"
	LoopMarketplaceRefresh = "marketplace-refresh"
	LoopCleanup            = "cache-cleanup"
)

// Store is the persistent tier surface the scheduler needs. Satisfied
// by db.Store.
type Store interface {
	GetSyncStatus(syncType, target string) (domain.SyncStatusRecord, error)
	PutSyncStatus(record domain.SyncStatusRecord) error
	UnprocessedTransactions(maxAttempts, limit int) ([]domain.TransactionLogRecord, error)
	IncrementProcessingAttempts(transactionID string) (int, error)
	ExpiredOwners(limit int) ([]domain.OwnerRecord, error)
	PutListings(listings []domain.ListingRecord) error
	CleanupExpired() (int, error)
}

// API is the marketplace provider surface used for catch-up and
// refresh. Satisfied by marketplace.Client.
type API interface {
	BlockHeight(ctx context.Context) (uint64, error)
	EventsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]domain.CanonicalEvent, error)
	Listings(ctx context.Context) ([]domain.ListingRecord, error)
}

// Processor replays caught-up events through the same handler path the
// live queue uses. Satisfied by handlers.Registry.
type Processor interface {
	ProcessEvent(ctx context.Context, event domain.CanonicalEvent) error
}

// OwnerRefresher re-fetches an owner's collection through the hybrid
// cache. RefreshOwner claims the per-owner sync-in-progress guard
// itself; a refresh already in flight collapses into a no-op.
// Satisfied by hybrid.Cache.
type OwnerRefresher interface {
	RefreshOwner(ctx context.Context, address string) ([]domain.AssetRecord, error)
}

// MemoryCache is the part of the memory tier the scheduler invalidates
// after a marketplace refresh. Satisfied by memcache.Cache.
type MemoryCache interface {
	InvalidateListings()
}

// Observer receives loop level telemetry. A nil observer disables it.
type Observer interface {
	LoopError(loop string)
	SetLastProcessedBlock(height uint64)
}

type Config struct {
	CatchUpInterval            time.Duration
	OwnerRefreshInterval       time.Duration
	MarketplaceRefreshInterval time.Duration
	CleanupInterval            time.Duration
	MaxBlocksPerCatchUp        uint64
	OwnerBatchSize             int
	RetryBatchSize             int
}

func (c *Config) applyDefaults() {
	if c.CatchUpInterval <= 0 {
		c.CatchUpInterval = 30 * time.Second
	}
	if c.OwnerRefreshInterval <= 0 {
		c.OwnerRefreshInterval = 5 * time.Minute
	}
	if c.MarketplaceRefreshInterval <= 0 {
		c.MarketplaceRefreshInterval = 2 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.MaxBlocksPerCatchUp == 0 {
		c.MaxBlocksPerCatchUp = 1000
	}
	if c.OwnerBatchSize <= 0 {
		c.OwnerBatchSize = 20
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = 50
	}
}

// Scheduler owns the four background loops. Loops are independent: a
// failing iteration of one loop never affects the others, the error is
// logged, counted and recorded on the loop's checkpoint.
type Scheduler struct {
	store     Store
	api       API
	processor Processor
	refresher OwnerRefresher
	memCache  MemoryCache
	observer  Observer
	logger    *zap.SugaredLogger
	cfg       Config

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

func NewScheduler(store Store, api API, processor Processor, refresher OwnerRefresher, memCache MemoryCache, observer Observer, logger *zap.SugaredLogger, cfg Config) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		store:     store,
		api:       api,
		processor: processor,
		refresher: refresher,
		memCache:  memCache,
		observer:  observer,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches all loops. Each loop runs once immediately and then on
// its own ticker until Stop is called.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.runLoop(ctx, LoopCatchUp, s.cfg.CatchUpInterval, s.catchUp)
	s.runLoop(ctx, LoopOwnerRefresh, s.cfg.OwnerRefreshInterval, s.refreshOwners)
	s.runLoop(ctx, LoopMarketplaceRefresh, s.cfg.MarketplaceRefreshInterval, s.refreshMarketplace)
	s.runLoop(ctx, LoopCleanup, s.cfg.CleanupInterval, s.cleanup)
}

// Stop cancels the loops and waits for in-flight iterations to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.runOnce(ctx, name, interval, fn)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx, name, interval, fn)
			}
		}
	}()
}

func (s *Scheduler) runOnce(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	err := fn(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Errorw("sync loop iteration failed", "loop", name, "error", err)
		if s.observer != nil {
			s.observer.LoopError(name)
		}
	}
	s.checkpoint(name, interval, err)
}

// checkpoint records the iteration outcome on the loop's persisted
// status record.
func (s *Scheduler) checkpoint(name string, interval time.Duration, iterationErr error) {
	status, err := s.store.GetSyncStatus(name, "")
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logger.Errorw("reading sync checkpoint failed", "loop", name, "error", err)
		return
	}
	status.SyncType = name

	now := time.Now().UTC()
	status.LastSyncAt = now
	status.NextSyncAt = now.Add(interval)
	if iterationErr != nil {
		status.ErrorCount++
		status.LastError = iterationErr.Error()
	} else {
		status.LastError = ""
	}

	if err := s.store.PutSyncStatus(status); err != nil {
		s.logger.Errorw("writing sync checkpoint failed", "loop", name, "error", err)
	}
}

// catchUp fetches the blocks the live stream missed since the last
// checkpoint and replays their events through the handler registry,
// then retries transaction log records that previously failed.
func (s *Scheduler) catchUp(ctx context.Context) error {
	status, err := s.store.GetSyncStatus(LoopCatchUp, "")
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return errors.Wrap(err, "reading catch-up checkpoint")
	}

	height, err := s.api.BlockHeight(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching block height")
	}

	if height > status.LastSyncBlock {
		from := status.LastSyncBlock + 1
		if status.LastSyncBlock == 0 {
			// first run starts at the current head, history is the
			// marketplace's job
			from = height
		}
		to := height
		if to-from >= s.cfg.MaxBlocksPerCatchUp {
			to = from + s.cfg.MaxBlocksPerCatchUp - 1
		}

		events, err := s.api.EventsInRange(ctx, from, to)
		if err != nil {
			return errors.Wrapf(err, "fetching events for blocks %d-%d", from, to)
		}
		for _, event := range events {
			if err := s.processor.ProcessEvent(ctx, event); err != nil {
				s.logger.Errorw("replaying missed event failed",
					"transaction_id", event.TransactionID, "type", event.Type, "error", err)
			}
		}

		status.SyncType = LoopCatchUp
		status.LastSyncBlock = to
		if err := s.store.PutSyncStatus(status); err != nil {
			return errors.Wrap(err, "writing catch-up checkpoint")
		}
		if s.observer != nil {
			s.observer.SetLastProcessedBlock(to)
		}
		if len(events) > 0 {
			s.logger.Infow("caught up missed events",
				"from_block", from, "to_block", to, "events", len(events))
		}
	}

	return s.retryUnprocessed(ctx)
}

// retryUnprocessed re-fetches and replays transactions that failed
// processing fewer than the attempt cap times. Records at the cap are
// left alone for inspection.
func (s *Scheduler) retryUnprocessed(ctx context.Context) error {
	records, err := s.store.UnprocessedTransactions(domain.MaxProcessingAttempts, s.cfg.RetryBatchSize)
	if err != nil {
		return errors.Wrap(err, "listing unprocessed transactions")
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		events, err := s.api.EventsInRange(ctx, record.BlockHeight, record.BlockHeight)
		if err != nil {
			s.logger.Errorw("re-fetching events for retry failed",
				"transaction_id", record.TransactionID, "block_height", record.BlockHeight, "error", err)
			continue
		}

		found := false
		for _, event := range events {
			if event.TransactionID != record.TransactionID {
				continue
			}
			found = true
			if err := s.processor.ProcessEvent(ctx, event); err != nil {
				s.logger.Errorw("retrying transaction failed",
					"transaction_id", record.TransactionID, "error", err)
			}
			break
		}
		if !found {
			attempts, err := s.store.IncrementProcessingAttempts(record.TransactionID)
			if err != nil {
				s.logger.Errorw("incrementing processing attempts failed",
					"transaction_id", record.TransactionID, "error", err)
				continue
			}
			s.logger.Warnw("transaction no longer present in block",
				"transaction_id", record.TransactionID,
				"block_height", record.BlockHeight, "attempts", attempts)
		}
	}
	return nil
}

// refreshOwners refreshes a bounded batch of owners whose cached
// collections have expired. ExpiredOwners skips addresses with a
// refresh already in flight; the refresher holds the per-owner guard
// for the duration of each refresh.
func (s *Scheduler) refreshOwners(ctx context.Context) error {
	owners, err := s.store.ExpiredOwners(s.cfg.OwnerBatchSize)
	if err != nil {
		return errors.Wrap(err, "listing expired owners")
	}

	var failures int
	for _, owner := range owners {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := s.refresher.RefreshOwner(ctx, owner.Address); err != nil {
			failures++
			s.logger.Errorw("refreshing owner failed", "address", owner.Address, "error", err)
		}
	}

	if failures > 0 {
		return fmt.Errorf("refreshing %d of %d owners failed", failures, len(owners))
	}
	return nil
}

// refreshMarketplace replaces the persisted listings snapshot with the
// provider's current view and drops the memory tier copy so the next
// read sees it.
func (s *Scheduler) refreshMarketplace(ctx context.Context) error {
	listings, err := s.api.Listings(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching marketplace listings")
	}
	if err := s.store.PutListings(listings); err != nil {
		return errors.Wrap(err, "storing marketplace listings")
	}
	s.memCache.InvalidateListings()
	s.logger.Debugw("marketplace listings refreshed", "listings", len(listings))
	return nil
}

// cleanup hard-deletes cache entries that are already past expiry.
func (s *Scheduler) cleanup(context.Context) error {
	deleted, err := s.store.CleanupExpired()
	if err != nil {
		return errors.Wrap(err, "cleaning up expired entries")
	}
	if deleted > 0 {
		s.logger.Infow("cleaned up expired cache entries", "deleted", deleted)
	}
	return nil
}
