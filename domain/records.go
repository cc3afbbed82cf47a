package domain

import "time"

// Freshness is the explicit cache entry state derived from the expiry
// timestamp, so call sites do not compare timestamps themselves.
type Freshness int

const (
	Fresh Freshness = iota
	Expired
)

func freshness(expiresAt, now time.Time) Freshness {
	if expiresAt.After(now) {
		return Fresh
	}
	return Expired
}

type AssetMetadata struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	ImageURL    string            `json:"image_url"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// AssetRecord is the persistent cache tier entry for a single asset.
type AssetRecord struct {
	AssetID     string        `json:"asset_id"`
	Owner       string        `json:"owner"`
	Creator     string        `json:"creator"`
	Metadata    AssetMetadata `json:"metadata"`
	MintedAt    time.Time     `json:"minted_at"`
	BlockHeight uint64        `json:"block_height"`
	LastUpdated time.Time     `json:"last_updated"`
	ExpiresAt   time.Time     `json:"expires_at"`
	IsListed    bool          `json:"is_listed"`
	Price       string        `json:"price,omitempty"`
	Currency    string        `json:"currency,omitempty"`
}

func (a *AssetRecord) Freshness(now time.Time) Freshness {
	return freshness(a.ExpiresAt, now)
}

// OwnerRecord is the persistent cache tier entry for an account and its
// collection. SyncInProgress guards against overlapping refreshes of the
// same address.
type OwnerRecord struct {
	Address         string    `json:"address"`
	Username        string    `json:"username,omitempty"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	OwnedAssetIDs   []string  `json:"owned_asset_ids"`
	CreatedAssetIDs []string  `json:"created_asset_ids"`
	LastSync        time.Time `json:"last_sync"`
	ExpiresAt       time.Time `json:"expires_at"`
	SyncInProgress  bool      `json:"sync_in_progress"`
}

func (o *OwnerRecord) Freshness(now time.Time) Freshness {
	return freshness(o.ExpiresAt, now)
}

// ListingRecord is one marketplace listing in the persistent marketplace
// cache collection.
type ListingRecord struct {
	ListingID string    `json:"listing_id"`
	AssetID   string    `json:"asset_id"`
	Seller    string    `json:"seller"`
	Price     string    `json:"price"`
	Currency  string    `json:"currency"`
	ListedAt  time.Time `json:"listed_at"`
}

// TransactionLogRecord tracks the processing state of one observed
// ledger transaction. Records that keep failing are abandoned after
// MaxProcessingAttempts and left for inspection.
type TransactionLogRecord struct {
	TransactionID      string    `json:"transaction_id"`
	BlockHeight        uint64    `json:"block_height"`
	EventType          EventType `json:"event_type"`
	InvolvedAddresses  []string  `json:"involved_addresses"`
	Processed          bool      `json:"processed"`
	ProcessingAttempts int       `json:"processing_attempts"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MaxProcessingAttempts caps automatic retries of a failed transaction.
const MaxProcessingAttempts = 3

// SyncStatusRecord is the persisted checkpoint for one background sync
// loop (or one loop target), so a restart resumes instead of replaying.
type SyncStatusRecord struct {
	SyncType       string    `json:"sync_type"`
	Target         string    `json:"target"`
	LastSyncBlock  uint64    `json:"last_sync_block"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	SyncInProgress bool      `json:"sync_in_progress"`
	ErrorCount     int       `json:"error_count"`
	LastError      string    `json:"last_error,omitempty"`
	NextSyncAt     time.Time `json:"next_sync_at"`
}
