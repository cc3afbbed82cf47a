package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventMinted         EventType = "minted"
	EventTransferred    EventType = "transferred"
	EventSaleCompleted  EventType = "sale-completed"
	EventListingCreated EventType = "listing-created"
	EventListingRemoved EventType = "listing-removed"
)

// RawEvent is the provider-shaped event as delivered by the ledger
// subscription or the marketplace events endpoint, before normalization.
// Payload fields may arrive either as plain JSON values or wrapped in a
// `{"value": ...}` envelope.
type RawEvent struct {
	TransactionID string
	BlockHeight   uint64
	EventIndex    int
	Fields        map[string]json.RawMessage
}

// CanonicalEvent is the normalized event shape the rest of the pipeline
// operates on. Exactly one of the typed payloads is set for a decodable
// event; RawData always carries the original fields so that a partially
// decodable event is never dropped.
type CanonicalEvent struct {
	Type          EventType
	TransactionID string
	BlockHeight   uint64
	EventIndex    int
	Timestamp     time.Time

	Mint     *MintData
	Transfer *TransferData
	Sale     *SaleData
	Listing  *ListingData

	RawData map[string]json.RawMessage
}

type MintData struct {
	AssetID     string
	Owner       string
	Creator     string
	Name        string
	Description string
	ImageURL    string
}

type TransferData struct {
	AssetID string
	From    string
	To      string
}

type SaleData struct {
	AssetID  string
	Seller   string
	Buyer    string
	Price    string
	Currency string
}

type ListingData struct {
	ListingID string
	AssetID   string
	Seller    string
	Price     string
	Currency  string
}

// InvolvedAddresses returns the account addresses touched by the event,
// used for the transaction log.
func (e *CanonicalEvent) InvolvedAddresses() []string {
	switch e.Type {
	case EventMinted:
		if e.Mint != nil {
			return dedupe(e.Mint.Owner, e.Mint.Creator)
		}
	case EventTransferred:
		if e.Transfer != nil {
			return dedupe(e.Transfer.From, e.Transfer.To)
		}
	case EventSaleCompleted:
		if e.Sale != nil {
			return dedupe(e.Sale.Seller, e.Sale.Buyer)
		}
	case EventListingCreated, EventListingRemoved:
		if e.Listing != nil {
			return dedupe(e.Listing.Seller)
		}
	}
	return nil
}

func dedupe(addresses ...string) []string {
	var out []string
	for _, a := range addresses {
		if a == "" {
			continue
		}
		duplicate := false
		for _, existing := range out {
			if existing == a {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, a)
		}
	}
	return out
}
