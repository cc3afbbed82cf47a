package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nftmarket/go-market-sync/domain"
)

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// Client wraps the external marketplace HTTP API with a fixed request
// timeout, bounded retries and exponential backoff. Only rate-limited,
// server and network failures are retried; a rate-limit retry honors
// the provider's retry_after hint over the computed delay.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	maxAttempts int
	baseDelay   time.Duration
	logger      *zap.SugaredLogger
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		logger:      logger,
	}
}

type MintRequest struct {
	Recipient   string `json:"recipient"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
}

type TransferRequest struct {
	AssetID string `json:"asset_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type ListRequest struct {
	AssetID  string `json:"asset_id"`
	Seller   string `json:"seller"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

type BuyRequest struct {
	ListingID string `json:"listing_id"`
	Buyer     string `json:"buyer"`
}

// TxResult is the marketplace response to a state-changing call.
type TxResult struct {
	TransactionID string `json:"transaction_id"`
	BlockHeight   uint64 `json:"block_height"`
}

func (c *Client) MintAsset(ctx context.Context, req MintRequest) (TxResult, error) {
	var result TxResult
	err := c.do(ctx, http.MethodPost, "/assets/mint", req, &result)
	return result, err
}

func (c *Client) TransferAsset(ctx context.Context, req TransferRequest) (TxResult, error) {
	var result TxResult
	err := c.do(ctx, http.MethodPost, "/assets/transfer", req, &result)
	return result, err
}

func (c *Client) ListAsset(ctx context.Context, req ListRequest) (TxResult, error) {
	var result TxResult
	err := c.do(ctx, http.MethodPost, "/marketplace/list", req, &result)
	return result, err
}

func (c *Client) BuyAsset(ctx context.Context, req BuyRequest) (TxResult, error) {
	var result TxResult
	err := c.do(ctx, http.MethodPost, "/marketplace/buy", req, &result)
	return result, err
}

func (c *Client) Asset(ctx context.Context, assetID string) (domain.AssetRecord, error) {
	var dto assetDTO
	if err := c.do(ctx, http.MethodGet, "/assets/"+url.PathEscape(assetID), nil, &dto); err != nil {
		return domain.AssetRecord{}, err
	}
	return dto.toDomain(), nil
}

func (c *Client) UserAssets(ctx context.Context, address string) ([]domain.AssetRecord, error) {
	var response struct {
		Assets []assetDTO `json:"assets"`
	}
	path := "/users/" + url.PathEscape(address) + "/assets"
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	assets := make([]domain.AssetRecord, 0, len(response.Assets))
	for _, dto := range response.Assets {
		assets = append(assets, dto.toDomain())
	}
	return assets, nil
}

func (c *Client) Listings(ctx context.Context) ([]domain.ListingRecord, error) {
	var response struct {
		Listings []listingDTO `json:"listings"`
	}
	if err := c.do(ctx, http.MethodGet, "/marketplace/listings", nil, &response); err != nil {
		return nil, err
	}
	listings := make([]domain.ListingRecord, 0, len(response.Listings))
	for _, dto := range response.Listings {
		listings = append(listings, dto.toDomain())
	}
	return listings, nil
}

// EventsInRange fetches the ledger events observed by the marketplace
// service in the given block range, used by the catch-up loop to replay
// anything the live subscription missed.
func (c *Client) EventsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]domain.CanonicalEvent, error) {
	var response struct {
		Events []eventDTO `json:"events"`
	}
	path := fmt.Sprintf("/events?from_block=%d&to_block=%d", fromBlock, toBlock)
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	events := make([]domain.CanonicalEvent, 0, len(response.Events))
	for _, dto := range response.Events {
		eventType, ok := eventTypeFromWire(dto.Type)
		if !ok {
			c.logger.Warnw("skipping event of unknown type", "type", dto.Type, "transaction_id", dto.TransactionID)
			continue
		}
		events = append(events, domain.Decode(eventType, domain.RawEvent{
			TransactionID: dto.TransactionID,
			BlockHeight:   dto.BlockHeight,
			EventIndex:    dto.EventIndex,
			Fields:        dto.Data,
		}))
	}
	return events, nil
}

// RawEvents fetches undecoded events of a single type in the given
// block range, used by the polling ledger stream.
func (c *Client) RawEvents(ctx context.Context, fromBlock, toBlock uint64, eventType string) ([]domain.RawEvent, error) {
	var response struct {
		Events []eventDTO `json:"events"`
	}
	path := fmt.Sprintf("/events?from_block=%d&to_block=%d&type=%s", fromBlock, toBlock, url.QueryEscape(eventType))
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	events := make([]domain.RawEvent, 0, len(response.Events))
	for _, dto := range response.Events {
		events = append(events, domain.RawEvent{
			TransactionID: dto.TransactionID,
			BlockHeight:   dto.BlockHeight,
			EventIndex:    dto.EventIndex,
			Fields:        dto.Data,
		})
	}
	return events, nil
}

func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	var response struct {
		Height uint64 `json:"height"`
	}
	if err := c.do(ctx, http.MethodGet, "/blocks/latest", nil, &response); err != nil {
		return 0, err
	}
	return response.Height, nil
}

type assetDTO struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Creator     string            `json:"creator"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	ImageURL    string            `json:"image_url"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MintedAt    time.Time         `json:"minted_at"`
	BlockHeight uint64            `json:"block_height"`
	IsListed    bool              `json:"is_listed"`
	Price       string            `json:"price,omitempty"`
	Currency    string            `json:"currency,omitempty"`
}

func (d *assetDTO) toDomain() domain.AssetRecord {
	return domain.AssetRecord{
		AssetID: d.ID,
		Owner:   d.Owner,
		Creator: d.Creator,
		Metadata: domain.AssetMetadata{
			Name:        d.Name,
			Description: d.Description,
			ImageURL:    d.ImageURL,
			Attributes:  d.Attributes,
		},
		MintedAt:    d.MintedAt,
		BlockHeight: d.BlockHeight,
		IsListed:    d.IsListed,
		Price:       d.Price,
		Currency:    d.Currency,
	}
}

type listingDTO struct {
	ListingID string    `json:"listing_id"`
	AssetID   string    `json:"asset_id"`
	Seller    string    `json:"seller"`
	Price     string    `json:"price"`
	Currency  string    `json:"currency"`
	ListedAt  time.Time `json:"listed_at"`
}

func (d *listingDTO) toDomain() domain.ListingRecord {
	return domain.ListingRecord(*d)
}

type eventDTO struct {
	Type          string                     `json:"type"`
	TransactionID string                     `json:"transaction_id"`
	BlockHeight   uint64                     `json:"block_height"`
	EventIndex    int                        `json:"event_index"`
	Data          map[string]json.RawMessage `json:"data"`
}

func eventTypeFromWire(wire string) (domain.EventType, bool) {
	switch wire {
	case "mint", "minted":
		return domain.EventMinted, true
	case "transfer", "transferred":
		return domain.EventTransferred, true
	case "sale", "sale_completed":
		return domain.EventSaleCompleted, true
	case "listing_created":
		return domain.EventListingCreated, true
	case "listing_removed":
		return domain.EventListingRemoved, true
	}
	return "", false
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	for attempt := 1; ; attempt++ {
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt >= c.maxAttempts {
			return err
		}

		delay := c.baseDelay << (attempt - 1)
		if apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}
		c.logger.Warnw("marketplace request failed, retrying",
			"method", method, "path", path, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Kind: KindNetworkError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decoding response body")
		}
		return nil
	}

	return c.errorFromResponse(resp)
}

func (c *Client) errorFromResponse(resp *http.Response) *APIError {
	apiErr := &APIError{
		Kind:   classify(resp.StatusCode),
		Status: resp.StatusCode,
	}

	var body struct {
		Message    string  `json:"message"`
		Details    string  `json:"details"`
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Message
		apiErr.Details = body.Details
		if body.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(body.RetryAfter * float64(time.Second))
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	if apiErr.RetryAfter == 0 {
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
				apiErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	}
	return apiErr
}
