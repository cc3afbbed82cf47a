package handlers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nftmarket/go-market-sync/domain"
)

// Store is the persistent tier surface the handlers write to.
// Satisfied by db.Store.
type Store interface {
	UpsertTransactionLog(record domain.TransactionLogRecord) error
	MarkTransactionProcessed(transactionID string) error
	IncrementProcessingAttempts(transactionID string) (int, error)
	PutAsset(asset domain.AssetRecord) error
	SetAssetListing(assetID string, isListed bool, price, currency string) error
}

// CacheInvalidator dispatches the per-event invalidation recipe across
// both cache tiers. Satisfied by hybrid.Cache.
type CacheInvalidator interface {
	InvalidateByEvent(event domain.CanonicalEvent) error
}

// Notifier publishes fire-and-forget update signals to the
// presentation layer. Satisfied by notify.Notifier.
type Notifier interface {
	Publish(eventType domain.EventType, data any)
}

// Service holds the concrete domain handlers for mint, transfer, sale
// and listing events. Each handler validates its payload, writes the
// transaction log first (so a replay is always safe), applies the cache
// updates and finally publishes a best-effort notification.
type Service struct {
	store    Store
	cache    CacheInvalidator
	notifier Notifier
	logger   *zap.SugaredLogger
}

func NewService(store Store, cache CacheInvalidator, notifier Notifier, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, cache: cache, notifier: notifier, logger: logger}
}

// RegisterAll wires the concrete handlers into the registry.
func (s *Service) RegisterAll(registry *Registry) {
	registry.Register(domain.EventMinted, s.HandleMint)
	registry.Register(domain.EventTransferred, s.HandleTransfer)
	registry.Register(domain.EventSaleCompleted, s.HandleSale)
	registry.Register(domain.EventListingCreated, s.HandleListingCreated)
	registry.Register(domain.EventListingRemoved, s.HandleListingRemoved)
}

func (s *Service) HandleMint(_ context.Context, event domain.CanonicalEvent) error {
	d := event.Mint
	if d == nil || d.AssetID == "" || d.Owner == "" {
		s.logger.Warnw("mint event missing required fields",
			"transaction_id", event.TransactionID)
		return nil
	}

	if err := s.logTransaction(event); err != nil {
		return err
	}

	err := s.store.PutAsset(domain.AssetRecord{
		AssetID: d.AssetID,
		Owner:   d.Owner,
		Creator: d.Creator,
		Metadata: domain.AssetMetadata{
			Name:        d.Name,
			Description: d.Description,
			ImageURL:    d.ImageURL,
		},
		MintedAt:    event.Timestamp,
		BlockHeight: event.BlockHeight,
	})
	if err != nil {
		return s.fail(event, errors.Wrap(err, "caching minted asset"))
	}
	if err := s.cache.InvalidateByEvent(event); err != nil {
		return s.fail(event, err)
	}
	return s.finish(event)
}

func (s *Service) HandleTransfer(_ context.Context, event domain.CanonicalEvent) error {
	d := event.Transfer
	if d == nil || d.AssetID == "" || d.From == "" || d.To == "" {
		s.logger.Warnw("transfer event missing required fields",
			"transaction_id", event.TransactionID)
		return nil
	}

	if err := s.logTransaction(event); err != nil {
		return err
	}
	if err := s.cache.InvalidateByEvent(event); err != nil {
		return s.fail(event, err)
	}
	return s.finish(event)
}

func (s *Service) HandleSale(_ context.Context, event domain.CanonicalEvent) error {
	d := event.Sale
	if d == nil || d.AssetID == "" || d.Seller == "" || d.Buyer == "" {
		s.logger.Warnw("sale event missing required fields",
			"transaction_id", event.TransactionID)
		return nil
	}

	if err := s.logTransaction(event); err != nil {
		return err
	}
	if err := s.store.SetAssetListing(d.AssetID, false, "", ""); err != nil {
		return s.fail(event, errors.Wrap(err, "clearing listing state"))
	}
	if err := s.cache.InvalidateByEvent(event); err != nil {
		return s.fail(event, err)
	}
	return s.finish(event)
}

func (s *Service) HandleListingCreated(_ context.Context, event domain.CanonicalEvent) error {
	d := event.Listing
	if d == nil || d.AssetID == "" || d.Seller == "" {
		s.logger.Warnw("listing event missing required fields",
			"transaction_id", event.TransactionID)
		return nil
	}

	if err := s.logTransaction(event); err != nil {
		return err
	}
	if err := s.store.SetAssetListing(d.AssetID, true, d.Price, d.Currency); err != nil {
		return s.fail(event, errors.Wrap(err, "setting listing state"))
	}
	if err := s.cache.InvalidateByEvent(event); err != nil {
		return s.fail(event, err)
	}
	return s.finish(event)
}

func (s *Service) HandleListingRemoved(_ context.Context, event domain.CanonicalEvent) error {
	d := event.Listing
	if d == nil || d.AssetID == "" {
		s.logger.Warnw("listing event missing required fields",
			"transaction_id", event.TransactionID)
		return nil
	}

	if err := s.logTransaction(event); err != nil {
		return err
	}
	if err := s.store.SetAssetListing(d.AssetID, false, "", ""); err != nil {
		return s.fail(event, errors.Wrap(err, "clearing listing state"))
	}
	if err := s.cache.InvalidateByEvent(event); err != nil {
		return s.fail(event, err)
	}
	return s.finish(event)
}

// logTransaction records the observed transaction before any cache
// mutation. A re-delivered transaction id upserts instead of
// duplicating.
func (s *Service) logTransaction(event domain.CanonicalEvent) error {
	err := s.store.UpsertTransactionLog(domain.TransactionLogRecord{
		TransactionID:     event.TransactionID,
		BlockHeight:       event.BlockHeight,
		EventType:         event.Type,
		InvolvedAddresses: event.InvolvedAddresses(),
	})
	return errors.Wrap(err, "writing transaction log")
}

func (s *Service) fail(event domain.CanonicalEvent, cause error) error {
	if _, err := s.store.IncrementProcessingAttempts(event.TransactionID); err != nil {
		s.logger.Errorw("incrementing processing attempts failed",
			"transaction_id", event.TransactionID, "error", err)
	}
	return cause
}

func (s *Service) finish(event domain.CanonicalEvent) error {
	if err := s.store.MarkTransactionProcessed(event.TransactionID); err != nil {
		return s.fail(event, errors.Wrap(err, "marking transaction processed"))
	}
	// notification is best effort and must never fail the handler
	s.notifier.Publish(event.Type, event)
	return nil
}
