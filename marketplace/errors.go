package marketplace

import (
	"fmt"
	"net/http"
	"time"
)

// Kind is the closed error taxonomy for marketplace API failures.
type Kind string

const (
	KindInvalidRequest Kind = "invalid-request"
	KindAuth           Kind = "auth"
	KindNotFound       Kind = "not-found"
	KindRateLimited    Kind = "rate-limited"
	KindServerError    Kind = "server-error"
	KindNetworkError   Kind = "network-error"
)

// APIError is a classified marketplace API failure. RetryAfter carries
// the provider-supplied backoff hint on rate-limit responses, when
// present.
type APIError struct {
	Kind       Kind
	Status     int
	Message    string
	Details    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("marketplace api: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("marketplace api: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure class is worth another attempt.
// Client errors other than rate limiting fail immediately.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServerError, KindNetworkError:
		return true
	}
	return false
}

func classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindInvalidRequest
	}
}
