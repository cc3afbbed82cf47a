package hybrid

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nftmarket/go-market-sync/db"
	"github.com/nftmarket/go-market-sync/domain"
)

// Store is the persistent cache tier surface the coordinator drives.
// Satisfied by db.Store.
type Store interface {
	GetAsset(assetID string) (domain.AssetRecord, error)
	PutAsset(asset domain.AssetRecord) error
	PutAssets(assets []domain.AssetRecord) error
	GetAssetsByOwner(address string) ([]domain.AssetRecord, error)
	InvalidateAsset(assetID string) error
	GetOwner(address string) (domain.OwnerRecord, error)
	PutOwner(owner domain.OwnerRecord) error
	InvalidateOwner(address string) error
	SetOwnerSyncInProgress(address string) (bool, error)
	ClearOwnerSyncInProgress(address string) error
	GetListings() ([]domain.ListingRecord, error)
	PutListings(listings []domain.ListingRecord) error
	InvalidateListings() error
}

// MemoryCache is the in-process tier. Satisfied by memcache.Cache.
type MemoryCache interface {
	Listings() ([]domain.ListingRecord, bool)
	SetListings(listings []domain.ListingRecord)
	OwnerAssets(address string) ([]domain.AssetRecord, bool)
	SetOwnerAssets(address string, assets []domain.AssetRecord)
	InvalidateOwner(address string)
	InvalidateListings()
}

// Source is the external source of truth behind both tiers. Satisfied
// by marketplace.Client.
type Source interface {
	Asset(ctx context.Context, assetID string) (domain.AssetRecord, error)
	UserAssets(ctx context.Context, address string) ([]domain.AssetRecord, error)
	Listings(ctx context.Context) ([]domain.ListingRecord, error)
}

type Config struct {
	BatchSize       int
	WarmConcurrency int
}

// Cache is the coordinator all readers go through. Reads check the
// memory tier, then the persistent tier, then the source of truth;
// write-through updates the persistent tier first and only touches the
// memory tier after the durable write succeeded, so memory is never
// fresher than the tier other processes trust.
type Cache struct {
	store  Store
	mem    MemoryCache
	source Source
	cfg    Config
	logger *zap.SugaredLogger
}

func NewCache(store Store, mem MemoryCache, source Source, cfg Config, logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 5
	}
	return &Cache{store: store, mem: mem, source: source, cfg: cfg, logger: logger}
}

// GetAsset returns the asset from the persistent tier, falling back to
// the source of truth on a miss and writing the result through.
func (c *Cache) GetAsset(ctx context.Context, assetID string) (domain.AssetRecord, error) {
	asset, err := c.store.GetAsset(assetID)
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return domain.AssetRecord{}, errors.Wrap(err, "reading cached asset")
	}

	asset, err = c.source.Asset(ctx, assetID)
	if err != nil {
		return domain.AssetRecord{}, errors.Wrapf(err, "fetching asset [%s]", assetID)
	}
	if err := c.store.PutAsset(asset); err != nil {
		return domain.AssetRecord{}, errors.Wrap(err, "caching asset")
	}
	return asset, nil
}

// OwnerAssets returns the collection of an address: memory tier first,
// then the persistent tier while the owner entry is fresh, then the
// source of truth.
func (c *Cache) OwnerAssets(ctx context.Context, address string) ([]domain.AssetRecord, error) {
	if assets, ok := c.mem.OwnerAssets(address); ok {
		return assets, nil
	}

	if _, err := c.store.GetOwner(address); err == nil {
		assets, err := c.store.GetAssetsByOwner(address)
		if err != nil {
			return nil, errors.Wrap(err, "reading cached owner assets")
		}
		c.mem.SetOwnerAssets(address, assets)
		return assets, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, errors.Wrap(err, "reading cached owner")
	}

	assets, err := c.RefreshOwner(ctx, address)
	if err != nil {
		return nil, err
	}
	c.mem.SetOwnerAssets(address, assets)
	return assets, nil
}

// RefreshOwner re-derives an address's collection from the source of
// truth and writes it through the persistent tier. The per-owner
// sync-in-progress guard is claimed for the duration of the refresh;
// when another refresh already holds it, this one collapses into a
// no-op serving whatever the durable tier has.
func (c *Cache) RefreshOwner(ctx context.Context, address string) ([]domain.AssetRecord, error) {
	claimed, err := c.store.SetOwnerSyncInProgress(address)
	if err != nil {
		return nil, errors.Wrapf(err, "claiming refresh of [%s]", address)
	}
	if !claimed {
		assets, err := c.store.GetAssetsByOwner(address)
		return assets, errors.Wrap(err, "reading cached owner assets")
	}
	defer c.releaseOwner(address)

	assets, err := c.source.UserAssets(ctx, address)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching assets of [%s]", address)
	}
	if err := c.store.PutAssets(assets); err != nil {
		return nil, errors.Wrap(err, "caching owner assets")
	}

	owner := domain.OwnerRecord{Address: address}
	for _, asset := range assets {
		owner.OwnedAssetIDs = append(owner.OwnedAssetIDs, asset.AssetID)
		if asset.Creator == address {
			owner.CreatedAssetIDs = append(owner.CreatedAssetIDs, asset.AssetID)
		}
	}
	if err := c.store.PutOwner(owner); err != nil {
		return nil, errors.Wrap(err, "caching owner")
	}
	return assets, nil
}

func (c *Cache) releaseOwner(address string) {
	if err := c.store.ClearOwnerSyncInProgress(address); err != nil {
		c.logger.Errorw("releasing owner refresh guard failed", "address", address, "error", err)
	}
}

// MarketplaceListings returns the current listings snapshot: memory
// tier, then persistent tier, then the source of truth.
func (c *Cache) MarketplaceListings(ctx context.Context) ([]domain.ListingRecord, error) {
	if listings, ok := c.mem.Listings(); ok {
		return listings, nil
	}

	listings, err := c.store.GetListings()
	if err == nil {
		c.mem.SetListings(listings)
		return listings, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, errors.Wrap(err, "reading cached listings")
	}

	listings, err = c.source.Listings(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetching listings")
	}
	if err := c.store.PutListings(listings); err != nil {
		return nil, errors.Wrap(err, "caching listings")
	}
	c.mem.SetListings(listings)
	return listings, nil
}

// InvalidateByEvent applies the deterministic invalidation recipe for a
// dispatched event across both tiers.
func (c *Cache) InvalidateByEvent(event domain.CanonicalEvent) error {
	switch event.Type {
	case domain.EventMinted:
		if event.Mint == nil || event.Mint.Owner == "" {
			return nil
		}
		return c.invalidateOwner(event.Mint.Owner)

	case domain.EventTransferred:
		d := event.Transfer
		if d == nil || d.AssetID == "" {
			return nil
		}
		if err := c.store.InvalidateAsset(d.AssetID); err != nil {
			return errors.Wrap(err, "invalidating asset")
		}
		if err := c.invalidateOwner(d.From); err != nil {
			return err
		}
		// a self-transfer touches one owner entry, not two
		if d.To != d.From {
			return c.invalidateOwner(d.To)
		}
		return nil

	case domain.EventSaleCompleted:
		if event.Sale == nil {
			return nil
		}
		return c.invalidateMarketplace(event.Sale.AssetID)

	case domain.EventListingCreated, domain.EventListingRemoved:
		if event.Listing == nil {
			return nil
		}
		return c.invalidateMarketplace(event.Listing.AssetID)
	}
	return nil
}

func (c *Cache) invalidateOwner(address string) error {
	if address == "" {
		return nil
	}
	if err := c.store.InvalidateOwner(address); err != nil {
		return errors.Wrapf(err, "invalidating owner [%s]", address)
	}
	c.mem.InvalidateOwner(address)
	return nil
}

func (c *Cache) invalidateMarketplace(assetID string) error {
	// both tiers: the durable snapshot must not repopulate the memory
	// tier after a listing change
	if err := c.store.InvalidateListings(); err != nil {
		return errors.Wrap(err, "invalidating listings")
	}
	c.mem.InvalidateListings()
	if assetID == "" {
		return nil
	}
	return errors.Wrap(c.store.InvalidateAsset(assetID), "invalidating asset")
}

// BatchCacheAssets writes assets through the persistent tier in fixed
// size batches.
func (c *Cache) BatchCacheAssets(assets []domain.AssetRecord) error {
	for start := 0; start < len(assets); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(assets) {
			end = len(assets)
		}
		if err := c.store.PutAssets(assets[start:end]); err != nil {
			return errors.Wrap(err, "caching asset batch")
		}
	}
	return nil
}

// WarmCache pre-populates both tiers for a set of addresses with a
// bounded number of concurrent upstream fetches.
func (c *Cache) WarmCache(ctx context.Context, addresses []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.WarmConcurrency)

	for _, address := range addresses {
		address := address
		g.Go(func() error {
			assets, err := c.RefreshOwner(ctx, address)
			if err != nil {
				return err
			}
			c.mem.SetOwnerAssets(address, assets)
			return nil
		})
	}
	return g.Wait()
}
