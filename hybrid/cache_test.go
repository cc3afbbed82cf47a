package hybrid

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftmarket/go-market-sync/db"
	"github.com/nftmarket/go-market-sync/domain"
)

type fakeStore struct {
	mu            sync.Mutex
	assets        map[string]domain.AssetRecord
	owners        map[string]domain.OwnerRecord
	listings      []domain.ListingRecord
	listingsFresh bool

	invalidatedAssets   []string
	invalidatedOwners   []string
	listingsInvalidated int
	putBatches          int
	failPuts            bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assets: make(map[string]domain.AssetRecord),
		owners: make(map[string]domain.OwnerRecord),
	}
}

func (f *fakeStore) GetAsset(id string) (domain.AssetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	asset, ok := f.assets[id]
	if !ok {
		return domain.AssetRecord{}, db.ErrNotFound
	}
	return asset, nil
}

func (f *fakeStore) PutAsset(asset domain.AssetRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts {
		return errors.New("disk full")
	}
	f.assets[asset.AssetID] = asset
	return nil
}

func (f *fakeStore) PutAssets(assets []domain.AssetRecord) error {
	f.mu.Lock()
	f.putBatches++
	fail := f.failPuts
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	for _, asset := range assets {
		f.mu.Lock()
		f.assets[asset.AssetID] = asset
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeStore) GetAssetsByOwner(address string) ([]domain.AssetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AssetRecord
	for _, asset := range f.assets {
		if asset.Owner == address {
			out = append(out, asset)
		}
	}
	return out, nil
}

func (f *fakeStore) InvalidateAsset(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidatedAssets = append(f.invalidatedAssets, id)
	return nil
}

func (f *fakeStore) GetOwner(address string) (domain.OwnerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[address]
	if !ok {
		return domain.OwnerRecord{}, db.ErrNotFound
	}
	return owner, nil
}

func (f *fakeStore) PutOwner(owner domain.OwnerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts {
		return errors.New("disk full")
	}
	// the stored claim survives upserts, like the pebble store
	owner.SyncInProgress = f.owners[owner.Address].SyncInProgress
	f.owners[owner.Address] = owner
	return nil
}

func (f *fakeStore) InvalidateOwner(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidatedOwners = append(f.invalidatedOwners, address)
	return nil
}

func (f *fakeStore) SetOwnerSyncInProgress(address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner := f.owners[address]
	if owner.SyncInProgress {
		return false, nil
	}
	owner.Address = address
	owner.SyncInProgress = true
	f.owners[address] = owner
	return true, nil
}

func (f *fakeStore) ClearOwnerSyncInProgress(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner := f.owners[address]
	owner.SyncInProgress = false
	f.owners[address] = owner
	return nil
}

func (f *fakeStore) syncInProgress(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[address].SyncInProgress
}

func (f *fakeStore) GetListings() ([]domain.ListingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.listingsFresh {
		return nil, db.ErrNotFound
	}
	return f.listings, nil
}

func (f *fakeStore) PutListings(listings []domain.ListingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts {
		return errors.New("disk full")
	}
	f.listings = listings
	f.listingsFresh = true
	return nil
}

func (f *fakeStore) InvalidateListings() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listingsFresh = false
	f.listingsInvalidated++
	return nil
}

type fakeMem struct {
	mu                  sync.Mutex
	listings            []domain.ListingRecord
	hasListings         bool
	ownerAssets         map[string][]domain.AssetRecord
	listingsInvalidated int
	ownersInvalidated   []string
}

func newFakeMem() *fakeMem {
	return &fakeMem{ownerAssets: make(map[string][]domain.AssetRecord)}
}

func (f *fakeMem) Listings() ([]domain.ListingRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listings, f.hasListings
}

func (f *fakeMem) SetListings(listings []domain.ListingRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings = listings
	f.hasListings = true
}

func (f *fakeMem) OwnerAssets(address string) ([]domain.AssetRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	assets, ok := f.ownerAssets[address]
	return assets, ok
}

func (f *fakeMem) SetOwnerAssets(address string, assets []domain.AssetRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownerAssets[address] = assets
}

func (f *fakeMem) InvalidateOwner(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ownerAssets, address)
	f.ownersInvalidated = append(f.ownersInvalidated, address)
}

func (f *fakeMem) InvalidateListings() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasListings = false
	f.listingsInvalidated++
}

type fakeSource struct {
	assetCalls    atomic.Int32
	userCalls     atomic.Int32
	listingCalls  atomic.Int32
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
	fetchDuration time.Duration
	listings      []domain.ListingRecord
	userErr       error
}

func (f *fakeSource) Asset(_ context.Context, id string) (domain.AssetRecord, error) {
	f.assetCalls.Add(1)
	return domain.AssetRecord{AssetID: id, Owner: "0xaaa"}, nil
}

func (f *fakeSource) UserAssets(_ context.Context, address string) ([]domain.AssetRecord, error) {
	f.userCalls.Add(1)
	if f.userErr != nil {
		return nil, f.userErr
	}
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if current <= peak || f.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}
	if f.fetchDuration > 0 {
		time.Sleep(f.fetchDuration)
	}
	return []domain.AssetRecord{{AssetID: "1", Owner: address, Creator: address}}, nil
}

func (f *fakeSource) Listings(_ context.Context) ([]domain.ListingRecord, error) {
	f.listingCalls.Add(1)
	if f.listings != nil {
		return f.listings, nil
	}
	return []domain.ListingRecord{{ListingID: "l-1", AssetID: "1"}}, nil
}

func newTestCache(store *fakeStore, mem *fakeMem, source *fakeSource) *Cache {
	return NewCache(store, mem, source, Config{BatchSize: 2, WarmConcurrency: 2}, nil)
}

func TestCache_GetAssetReadThrough(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	asset, err := cache.GetAsset(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "7", asset.AssetID)
	assert.Equal(t, int32(1), source.assetCalls.Load())

	// second read is served from the persistent tier
	_, err = cache.GetAsset(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.assetCalls.Load())
}

func TestCache_GetAssetFailedDurableWritePropagates(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	store.failPuts = true
	cache := newTestCache(store, mem, source)

	_, err := cache.GetAsset(context.Background(), "7")
	assert.Error(t, err)
}

func TestCache_OwnerAssetsMemoryFastPath(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	mem.SetOwnerAssets("0xaaa", []domain.AssetRecord{{AssetID: "9"}})
	cache := newTestCache(store, mem, source)

	assets, err := cache.OwnerAssets(context.Background(), "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, "9", assets[0].AssetID)
	assert.Equal(t, int32(0), source.userCalls.Load())
}

func TestCache_OwnerAssetsReadThroughWritesBothTiers(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	assets, err := cache.OwnerAssets(context.Background(), "0xaaa")
	require.NoError(t, err)
	require.Len(t, assets, 1)

	// durable tier holds the asset and the owner entry
	_, err = store.GetAsset("1")
	assert.NoError(t, err)
	owner, err := store.GetOwner("0xaaa")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, owner.OwnedAssetIDs)
	assert.Equal(t, []string{"1"}, owner.CreatedAssetIDs)

	// memory tier was populated after the durable write
	_, ok := mem.OwnerAssets("0xaaa")
	assert.True(t, ok)
}

func TestCache_FailedDurableWriteBlocksMemoryWrite(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	store.failPuts = true
	cache := newTestCache(store, mem, source)

	_, err := cache.OwnerAssets(context.Background(), "0xaaa")
	require.Error(t, err)

	_, ok := mem.OwnerAssets("0xaaa")
	assert.False(t, ok)
}

func TestCache_MarketplaceListingsReadThrough(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	listings, err := cache.MarketplaceListings(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, int32(1), source.listingCalls.Load())

	// now served from memory
	_, err = cache.MarketplaceListings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.listingCalls.Load())
}

func TestCache_InvalidateByEvent_Mint(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	err := cache.InvalidateByEvent(domain.CanonicalEvent{
		Type: domain.EventMinted,
		Mint: &domain.MintData{AssetID: "1", Owner: "0xaaa"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"0xaaa"}, store.invalidatedOwners)
	assert.Equal(t, []string{"0xaaa"}, mem.ownersInvalidated)
	assert.Empty(t, store.invalidatedAssets)
}

func TestCache_InvalidateByEvent_Transfer(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	err := cache.InvalidateByEvent(domain.CanonicalEvent{
		Type:     domain.EventTransferred,
		Transfer: &domain.TransferData{AssetID: "7", From: "0xaaa", To: "0xbbb"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"7"}, store.invalidatedAssets)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, store.invalidatedOwners)
}

func TestCache_InvalidateByEvent_SelfTransfer(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	err := cache.InvalidateByEvent(domain.CanonicalEvent{
		Type:     domain.EventTransferred,
		Transfer: &domain.TransferData{AssetID: "7", From: "0xaaa", To: "0xaaa"},
	})
	require.NoError(t, err)

	// the single owner entry is invalidated exactly once
	assert.Equal(t, []string{"0xaaa"}, store.invalidatedOwners)
}

func TestCache_InvalidateByEvent_Listing(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	err := cache.InvalidateByEvent(domain.CanonicalEvent{
		Type:    domain.EventListingCreated,
		Listing: &domain.ListingData{AssetID: "7", Seller: "0xaaa"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, mem.listingsInvalidated)
	assert.Equal(t, 1, store.listingsInvalidated)
	assert.Equal(t, []string{"7"}, store.invalidatedAssets)
}

func TestCache_ListingEventDropsDurableSnapshot(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	// a snapshot cached before the listing event
	require.NoError(t, store.PutListings([]domain.ListingRecord{{ListingID: "l-old", AssetID: "1"}}))
	source.listings = []domain.ListingRecord{
		{ListingID: "l-old", AssetID: "1"},
		{ListingID: "l-new", AssetID: "2"},
	}

	err := cache.InvalidateByEvent(domain.CanonicalEvent{
		Type:    domain.EventListingCreated,
		Listing: &domain.ListingData{ListingID: "l-new", AssetID: "2", Seller: "0xaaa"},
	})
	require.NoError(t, err)

	// the read must bypass the stale durable snapshot and reach the source
	listings, err := cache.MarketplaceListings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.listingCalls.Load())

	ids := make([]string, 0, len(listings))
	for _, listing := range listings {
		ids = append(ids, listing.ListingID)
	}
	assert.Contains(t, ids, "l-new")
}

func TestCache_RefreshOwnerHoldsAndReleasesGuard(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	_, err := cache.RefreshOwner(context.Background(), "0xaaa")
	require.NoError(t, err)

	assert.Equal(t, int32(1), source.userCalls.Load())
	assert.False(t, store.syncInProgress("0xaaa"))
}

func TestCache_RefreshOwnerSkipsWhenGuardHeldElsewhere(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	require.NoError(t, store.PutAsset(domain.AssetRecord{AssetID: "5", Owner: "0xaaa"}))
	claimed, err := store.SetOwnerSyncInProgress("0xaaa")
	require.NoError(t, err)
	require.True(t, claimed)

	// a concurrent refresh collapses into a no-op and serves stored data
	assets, err := cache.RefreshOwner(context.Background(), "0xaaa")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, int32(0), source.userCalls.Load())

	// the in-flight refresh still holds its claim
	assert.True(t, store.syncInProgress("0xaaa"))
}

func TestCache_RefreshOwnerFailureReleasesGuard(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	source.userErr = errors.New("provider down")
	cache := newTestCache(store, mem, source)

	_, err := cache.RefreshOwner(context.Background(), "0xaaa")
	require.Error(t, err)

	assert.False(t, store.syncInProgress("0xaaa"))
}

func TestCache_BatchCacheAssetsBoundsBatchSize(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	cache := newTestCache(store, mem, source)

	assets := []domain.AssetRecord{
		{AssetID: "1"}, {AssetID: "2"}, {AssetID: "3"}, {AssetID: "4"}, {AssetID: "5"},
	}
	require.NoError(t, cache.BatchCacheAssets(assets))

	assert.Equal(t, 3, store.putBatches)
	assert.Len(t, store.assets, 5)
}

func TestCache_WarmCacheBoundsConcurrency(t *testing.T) {
	store, mem, source := newFakeStore(), newFakeMem(), &fakeSource{}
	source.fetchDuration = 5 * time.Millisecond
	cache := newTestCache(store, mem, source)

	addresses := []string{"0x1", "0x2", "0x3", "0x4", "0x5", "0x6"}
	require.NoError(t, cache.WarmCache(context.Background(), addresses))

	assert.Equal(t, int32(6), source.userCalls.Load())
	assert.LessOrEqual(t, source.maxInFlight.Load(), int32(2))
}
