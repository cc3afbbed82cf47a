package db

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/nftmarket/go-market-sync/domain"
)

var ErrNotFound = errors.New("store resource not found")

// Collection prefixes. Every document key is the single-byte collection
// prefix followed by the record's natural key.
const (
	assetPrefix        byte = 0x01
	ownerPrefix        byte = 0x02
	txLogPrefix        byte = 0x03
	listingPrefix      byte = 0x04
	syncStatusPrefix   byte = 0x05
	listingsMetaPrefix byte = 0x06
)

// Store is the persistent cache tier: a pebble-backed document store for
// assets, owners, marketplace listings, the transaction log and sync
// checkpoints. Asset and owner entries carry an expiry; an expired entry
// is reported as a miss but kept on disk until CleanupExpired purges it.
type Store struct {
	db  *pebble.DB
	ttl time.Duration

	// serializes read-modify-write operations on single documents
	// (sync-in-progress flags, attempt counters)
	mu sync.Mutex
}

func NewStore(storeDir string, cacheTTL time.Duration) (*Store, error) {
	pdb, err := pebble.Open(filepath.Join(storeDir, "market-sync-cache"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble db")
	}
	return &Store{db: pdb, ttl: cacheTTL}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(prefix byte, id string) []byte {
	return append([]byte{prefix}, []byte(id)...)
}

func prefixBounds(prefix byte) (lower, upper []byte) {
	return []byte{prefix}, []byte{prefix + 1}
}

func (s *Store) put(k []byte, document any) error {
	data, err := json.Marshal(document)
	if err != nil {
		return errors.Wrap(err, "encoding document")
	}
	if err := s.db.Set(k, data, pebble.Sync); err != nil {
		return errors.Wrapf(err, "setting key [%x]", k)
	}
	return nil
}

func (s *Store) get(k []byte, document any) error {
	value, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "getting key [%x]", k)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, document); err != nil {
		return errors.Wrap(err, "decoding document")
	}
	return nil
}

// Assets

// PutAsset upserts the asset entry with a fresh TTL window from now.
func (s *Store) PutAsset(asset domain.AssetRecord) error {
	now := time.Now().UTC()
	asset.LastUpdated = now
	asset.ExpiresAt = now.Add(s.ttl)
	return s.put(key(assetPrefix, asset.AssetID), &asset)
}

// PutAssets upserts a batch of asset entries in one write.
func (s *Store) PutAssets(assets []domain.AssetRecord) error {
	now := time.Now().UTC()
	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range assets {
		assets[i].LastUpdated = now
		assets[i].ExpiresAt = now.Add(s.ttl)
		data, err := json.Marshal(&assets[i])
		if err != nil {
			return errors.Wrap(err, "encoding asset")
		}
		if err := batch.Set(key(assetPrefix, assets[i].AssetID), data, nil); err != nil {
			return errors.Wrapf(err, "batching asset [%s]", assets[i].AssetID)
		}
	}
	return errors.Wrap(batch.Commit(pebble.Sync), "committing asset batch")
}

// GetAsset returns the asset entry only while it is fresh; an expired or
// absent entry is a miss.
func (s *Store) GetAsset(assetID string) (domain.AssetRecord, error) {
	var asset domain.AssetRecord
	if err := s.get(key(assetPrefix, assetID), &asset); err != nil {
		return domain.AssetRecord{}, err
	}
	if asset.Freshness(time.Now().UTC()) == domain.Expired {
		return domain.AssetRecord{}, ErrNotFound
	}
	return asset, nil
}

// GetAssetsByOwner returns the non-expired asset entries owned by the
// given address.
func (s *Store) GetAssetsByOwner(address string) ([]domain.AssetRecord, error) {
	now := time.Now().UTC()
	assets := make([]domain.AssetRecord, 0)
	err := s.iterate(assetPrefix, func(value []byte) error {
		var asset domain.AssetRecord
		if err := json.Unmarshal(value, &asset); err != nil {
			return errors.Wrap(err, "decoding asset")
		}
		if asset.Owner == address && asset.Freshness(now) == domain.Fresh {
			assets = append(assets, asset)
		}
		return nil
	})
	return assets, err
}

// InvalidateAsset soft-expires the asset entry so the next read misses
// and refetches. Invalidating an unknown asset is a no-op.
func (s *Store) InvalidateAsset(assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var asset domain.AssetRecord
	err := s.get(key(assetPrefix, assetID), &asset)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	asset.ExpiresAt = time.Now().UTC()
	return s.put(key(assetPrefix, assetID), &asset)
}

// SetAssetListing updates the listing info of a cached asset without
// touching its expiry. Unknown assets are ignored; they will carry the
// listing state after the next read-through.
func (s *Store) SetAssetListing(assetID string, isListed bool, price, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var asset domain.AssetRecord
	err := s.get(key(assetPrefix, assetID), &asset)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	asset.IsListed = isListed
	asset.Price = price
	asset.Currency = currency
	asset.LastUpdated = time.Now().UTC()
	return s.put(key(assetPrefix, assetID), &asset)
}

// Owners

// PutOwner upserts the owner entry with a fresh TTL window. The
// sync-in-progress flag is owned by SetOwnerSyncInProgress and
// ClearOwnerSyncInProgress; an upsert keeps whatever claim is stored so
// it never releases a refresh it does not hold.
func (s *Store) PutOwner(owner domain.OwnerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	owner.LastSync = now
	owner.ExpiresAt = now.Add(s.ttl)
	owner.SyncInProgress = false

	var existing domain.OwnerRecord
	err := s.get(key(ownerPrefix, owner.Address), &existing)
	if err == nil {
		owner.SyncInProgress = existing.SyncInProgress
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.put(key(ownerPrefix, owner.Address), &owner)
}

// GetOwner returns the owner entry only while it is fresh.
func (s *Store) GetOwner(address string) (domain.OwnerRecord, error) {
	var owner domain.OwnerRecord
	if err := s.get(key(ownerPrefix, address), &owner); err != nil {
		return domain.OwnerRecord{}, err
	}
	if owner.Freshness(time.Now().UTC()) == domain.Expired {
		return domain.OwnerRecord{}, ErrNotFound
	}
	return owner, nil
}

// InvalidateOwner soft-expires the owner entry.
func (s *Store) InvalidateOwner(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner domain.OwnerRecord
	err := s.get(key(ownerPrefix, address), &owner)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owner.ExpiresAt = time.Now().UTC()
	return s.put(key(ownerPrefix, address), &owner)
}

// SetOwnerSyncInProgress tries to claim the refresh guard for an
// address. It returns false when another refresh is already in flight,
// collapsing overlapping refresh attempts into one.
func (s *Store) SetOwnerSyncInProgress(address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner domain.OwnerRecord
	err := s.get(key(ownerPrefix, address), &owner)
	if errors.Is(err, ErrNotFound) {
		owner = domain.OwnerRecord{Address: address}
	} else if err != nil {
		return false, err
	}
	if owner.SyncInProgress {
		return false, nil
	}
	owner.SyncInProgress = true
	if err := s.put(key(ownerPrefix, address), &owner); err != nil {
		return false, err
	}
	return true, nil
}

// ClearOwnerSyncInProgress releases the refresh guard. It must be called
// after every refresh attempt, successful or not.
func (s *Store) ClearOwnerSyncInProgress(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner domain.OwnerRecord
	err := s.get(key(ownerPrefix, address), &owner)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owner.SyncInProgress = false
	return s.put(key(ownerPrefix, address), &owner)
}

// ExpiredOwners returns up to limit owner entries whose expiry has
// passed and that are not currently being refreshed.
func (s *Store) ExpiredOwners(limit int) ([]domain.OwnerRecord, error) {
	now := time.Now().UTC()
	owners := make([]domain.OwnerRecord, 0)
	err := s.iterate(ownerPrefix, func(value []byte) error {
		if len(owners) >= limit {
			return errStopIteration
		}
		var owner domain.OwnerRecord
		if err := json.Unmarshal(value, &owner); err != nil {
			return errors.Wrap(err, "decoding owner")
		}
		if owner.Freshness(now) == domain.Expired && !owner.SyncInProgress {
			owners = append(owners, owner)
		}
		return nil
	})
	return owners, err
}

// Transaction log

// UpsertTransactionLog inserts the record keyed by transaction id. A
// re-delivery of an already observed transaction keeps the existing
// processing state instead of resetting it.
func (s *Store) UpsertTransactionLog(record domain.TransactionLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var existing domain.TransactionLogRecord
	err := s.get(key(txLogPrefix, record.TransactionID), &existing)
	if err == nil {
		existing.UpdatedAt = now
		existing.BlockHeight = record.BlockHeight
		return s.put(key(txLogPrefix, record.TransactionID), &existing)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	record.Processed = false
	record.ProcessingAttempts = 0
	record.CreatedAt = now
	record.UpdatedAt = now
	return s.put(key(txLogPrefix, record.TransactionID), &record)
}

func (s *Store) GetTransactionLog(transactionID string) (domain.TransactionLogRecord, error) {
	var record domain.TransactionLogRecord
	err := s.get(key(txLogPrefix, transactionID), &record)
	return record, err
}

func (s *Store) MarkTransactionProcessed(transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record domain.TransactionLogRecord
	if err := s.get(key(txLogPrefix, transactionID), &record); err != nil {
		return err
	}
	record.Processed = true
	record.UpdatedAt = time.Now().UTC()
	return s.put(key(txLogPrefix, transactionID), &record)
}

// IncrementProcessingAttempts bumps the attempt counter after a handler
// failure and returns the new count.
func (s *Store) IncrementProcessingAttempts(transactionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record domain.TransactionLogRecord
	if err := s.get(key(txLogPrefix, transactionID), &record); err != nil {
		return 0, err
	}
	record.ProcessingAttempts++
	record.UpdatedAt = time.Now().UTC()
	if err := s.put(key(txLogPrefix, transactionID), &record); err != nil {
		return 0, err
	}
	return record.ProcessingAttempts, nil
}

// UnprocessedTransactions returns up to limit records that are still
// unprocessed and have not exhausted their attempts.
func (s *Store) UnprocessedTransactions(maxAttempts, limit int) ([]domain.TransactionLogRecord, error) {
	records := make([]domain.TransactionLogRecord, 0)
	err := s.iterate(txLogPrefix, func(value []byte) error {
		if len(records) >= limit {
			return errStopIteration
		}
		var record domain.TransactionLogRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return errors.Wrap(err, "decoding transaction log record")
		}
		if !record.Processed && record.ProcessingAttempts < maxAttempts {
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

// Marketplace listings

// listingsMeta carries the expiry of the listings collection as a
// whole; individual listing rows have no per-record TTL.
type listingsMeta struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func listingsMetaKey() []byte {
	return []byte{listingsMetaPrefix}
}

// PutListings replaces the marketplace listings collection with the
// given snapshot in a single batch and opens a fresh TTL window for it.
func (s *Store) PutListings(listings []domain.ListingRecord) error {
	lower, upper := prefixBounds(listingPrefix)
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(lower, upper, nil); err != nil {
		return errors.Wrap(err, "clearing listings")
	}
	for i := range listings {
		data, err := json.Marshal(&listings[i])
		if err != nil {
			return errors.Wrap(err, "encoding listing")
		}
		if err := batch.Set(key(listingPrefix, listings[i].ListingID), data, nil); err != nil {
			return errors.Wrapf(err, "batching listing [%s]", listings[i].ListingID)
		}
	}
	meta, err := json.Marshal(&listingsMeta{ExpiresAt: time.Now().UTC().Add(s.ttl)})
	if err != nil {
		return errors.Wrap(err, "encoding listings meta")
	}
	if err := batch.Set(listingsMetaKey(), meta, nil); err != nil {
		return errors.Wrap(err, "batching listings meta")
	}
	return errors.Wrap(batch.Commit(pebble.Sync), "committing listings")
}

// GetListings returns the listings snapshot only while it is fresh; a
// missing or soft-expired snapshot is a miss.
func (s *Store) GetListings() ([]domain.ListingRecord, error) {
	var meta listingsMeta
	if err := s.get(listingsMetaKey(), &meta); err != nil {
		return nil, err
	}
	if !meta.ExpiresAt.After(time.Now().UTC()) {
		return nil, ErrNotFound
	}

	listings := make([]domain.ListingRecord, 0)
	err := s.iterate(listingPrefix, func(value []byte) error {
		var listing domain.ListingRecord
		if err := json.Unmarshal(value, &listing); err != nil {
			return errors.Wrap(err, "decoding listing")
		}
		listings = append(listings, listing)
		return nil
	})
	return listings, err
}

// InvalidateListings soft-expires the listings snapshot so the next
// read falls through to the source. The rows stay on disk until the
// next PutListings replaces them.
func (s *Store) InvalidateListings() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta listingsMeta
	err := s.get(listingsMetaKey(), &meta)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	meta.ExpiresAt = time.Now().UTC()
	return s.put(listingsMetaKey(), &meta)
}

// Sync status

func syncStatusKey(syncType, target string) []byte {
	return key(syncStatusPrefix, syncType+":"+target)
}

func (s *Store) GetSyncStatus(syncType, target string) (domain.SyncStatusRecord, error) {
	var record domain.SyncStatusRecord
	err := s.get(syncStatusKey(syncType, target), &record)
	return record, err
}

func (s *Store) PutSyncStatus(record domain.SyncStatusRecord) error {
	return s.put(syncStatusKey(record.SyncType, record.Target), &record)
}

// SyncStatuses returns every persisted loop checkpoint.
func (s *Store) SyncStatuses() ([]domain.SyncStatusRecord, error) {
	var records []domain.SyncStatusRecord
	err := s.iterate(syncStatusPrefix, func(value []byte) error {
		var record domain.SyncStatusRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return errors.Wrap(err, "decoding sync status")
		}
		records = append(records, record)
		return nil
	})
	return records, err
}

// Cleanup

// CleanupExpired hard-deletes asset and owner entries whose expiry has
// already passed. Entries still fresh at call time are never touched.
func (s *Store) CleanupExpired() (int, error) {
	now := time.Now().UTC()
	deleted := 0

	for _, prefix := range []byte{assetPrefix, ownerPrefix} {
		var staleKeys [][]byte
		err := s.iterateKeys(prefix, func(k, value []byte) error {
			var entry struct {
				ExpiresAt time.Time `json:"expires_at"`
			}
			if err := json.Unmarshal(value, &entry); err != nil {
				return errors.Wrap(err, "decoding expiry")
			}
			if !entry.ExpiresAt.After(now) {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		for _, k := range staleKeys {
			if err := s.db.Delete(k, pebble.Sync); err != nil {
				return deleted, errors.Wrapf(err, "deleting key [%x]", k)
			}
			deleted++
		}
	}
	return deleted, nil
}

// iteration helpers

var errStopIteration = errors.New("stop iteration")

func (s *Store) iterate(prefix byte, fn func(value []byte) error) error {
	return s.iterateKeys(prefix, func(_, value []byte) error {
		return fn(value)
	})
}

func (s *Store) iterateKeys(prefix byte, fn func(k, value []byte) error) error {
	lower, upper := prefixBounds(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return errors.Wrap(err, "reading iterator value")
		}
		if err := fn(iter.Key(), value); err != nil {
			if errors.Is(err, errStopIteration) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}
