package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Decode normalizes a raw provider event into a CanonicalEvent. Field
// values are accepted both as plain JSON values and wrapped in a
// `{"value": ...}` envelope. Decoding is best effort: missing or
// malformed fields leave the typed payload fields empty, they never
// drop the event. The original fields are kept in RawData.
func Decode(eventType EventType, raw RawEvent) CanonicalEvent {
	ev := CanonicalEvent{
		Type:          eventType,
		TransactionID: raw.TransactionID,
		BlockHeight:   raw.BlockHeight,
		EventIndex:    raw.EventIndex,
		Timestamp:     time.Now().UTC(),
		RawData:       raw.Fields,
	}
	if ev.BlockHeight == 0 {
		ev.BlockHeight = uintField(raw.Fields, "block_height", "blockHeight")
	}

	switch eventType {
	case EventMinted:
		ev.Mint = &MintData{
			AssetID:     stringField(raw.Fields, "id", "asset_id", "assetId"),
			Owner:       stringField(raw.Fields, "owner", "recipient", "to"),
			Creator:     stringField(raw.Fields, "creator", "minter"),
			Name:        stringField(raw.Fields, "name"),
			Description: stringField(raw.Fields, "description"),
			ImageURL:    stringField(raw.Fields, "image", "image_url", "imageUrl"),
		}
	case EventTransferred:
		ev.Transfer = &TransferData{
			AssetID: stringField(raw.Fields, "id", "asset_id", "assetId"),
			From:    stringField(raw.Fields, "from", "sender"),
			To:      stringField(raw.Fields, "to", "recipient"),
		}
	case EventSaleCompleted:
		ev.Sale = &SaleData{
			AssetID:  stringField(raw.Fields, "id", "asset_id", "assetId"),
			Seller:   stringField(raw.Fields, "seller", "from"),
			Buyer:    stringField(raw.Fields, "buyer", "to"),
			Price:    stringField(raw.Fields, "price", "amount"),
			Currency: stringField(raw.Fields, "currency", "payment_token"),
		}
	case EventListingCreated, EventListingRemoved:
		ev.Listing = &ListingData{
			ListingID: stringField(raw.Fields, "listing_id", "listingId"),
			AssetID:   stringField(raw.Fields, "id", "asset_id", "assetId"),
			Seller:    stringField(raw.Fields, "seller", "owner"),
			Price:     stringField(raw.Fields, "price", "amount"),
			Currency:  stringField(raw.Fields, "currency", "payment_token"),
		}
	}

	return ev
}

// unwrap strips a `{"value": ...}` envelope if present and returns the
// inner raw value, otherwise the input unchanged.
func unwrap(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil || envelope.Value == nil {
		return raw
	}
	return envelope.Value
}

// stringField returns the first present field under any of the given
// names as a string. Numeric values are formatted, everything else
// yields an empty string.
func stringField(fields map[string]json.RawMessage, names ...string) string {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		value := unwrap(raw)

		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(value, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// uintField parses the first present field under any of the given names
// as an unsigned integer, accepting both JSON numbers and numeric
// strings.
func uintField(fields map[string]json.RawMessage, names ...string) uint64 {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		value := unwrap(raw)

		var n uint64
		if err := json.Unmarshal(value, &n); err == nil {
			return n
		}
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			if parsed, err := strconv.ParseUint(s, 10, 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}
