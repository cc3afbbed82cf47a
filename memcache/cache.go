package memcache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/nftmarket/go-market-sync/domain"
)

const listingsKey = "marketplace-listings"

// Cache is the in-process memory tier for hot, frequently repeated read
// paths: the marketplace listings snapshot and per-owner asset
// collections. Entries expire by TTL (checked lazily on read) and the
// owner cache is capacity-bounded, evicting the oldest entry when full.
type Cache struct {
	listings    *ttlcache.Cache[string, []domain.ListingRecord]
	ownerAssets *ttlcache.Cache[string, []domain.AssetRecord]
}

func New(ttl time.Duration, capacity uint64) *Cache {
	return &Cache{
		listings: ttlcache.New[string, []domain.ListingRecord](
			ttlcache.WithTTL[string, []domain.ListingRecord](ttl),
			ttlcache.WithDisableTouchOnHit[string, []domain.ListingRecord](),
		),
		ownerAssets: ttlcache.New[string, []domain.AssetRecord](
			ttlcache.WithTTL[string, []domain.AssetRecord](ttl),
			ttlcache.WithCapacity[string, []domain.AssetRecord](capacity),
			ttlcache.WithDisableTouchOnHit[string, []domain.AssetRecord](),
		),
	}
}

func (c *Cache) Listings() ([]domain.ListingRecord, bool) {
	item := c.listings.Get(listingsKey)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *Cache) SetListings(listings []domain.ListingRecord) {
	c.listings.Set(listingsKey, listings, ttlcache.DefaultTTL)
}

func (c *Cache) OwnerAssets(address string) ([]domain.AssetRecord, bool) {
	item := c.ownerAssets.Get(address)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *Cache) SetOwnerAssets(address string, assets []domain.AssetRecord) {
	c.ownerAssets.Set(address, assets, ttlcache.DefaultTTL)
}

func (c *Cache) InvalidateOwner(address string) {
	c.ownerAssets.Delete(address)
}

func (c *Cache) InvalidateListings() {
	c.listings.Delete(listingsKey)
}

func (c *Cache) InvalidateAll() {
	c.listings.DeleteAll()
	c.ownerAssets.DeleteAll()
}
