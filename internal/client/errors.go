package client

import (
	"errors"
	"fmt"

	"github.com/resilient-proxy-client/internal/breaker"
	"github.com/resilient-proxy-client/internal/proxy"
)

// Typed failures surfaced to callers. Transient outcomes (429, 5xx,
// connection and timeout errors) are always retried locally first and never
// escape on their own; callers only ever see one of these.
var (
	// ErrCircuitOpen short-circuits a request before any network call while
	// the breaker is open.
	ErrCircuitOpen = breaker.ErrOpen

	// ErrPoolExhausted means no non-blacklisted proxy was available.
	ErrPoolExhausted = proxy.ErrPoolExhausted

	// ErrProviderFetch means the proxy list could not be loaded and no cache
	// existed.
	ErrProviderFetch = proxy.ErrProviderFetch
)

// RetriesExhaustedError is the terminal error once every attempt of a logical
// request has failed. It carries the attempt count and the last underlying
// status or error.
type RetriesExhaustedError struct {
	Attempts   int
	LastStatus int
	LastErr    error
}

func (e *RetriesExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: last status %d", e.Attempts, e.LastStatus)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetriesExhausted reports whether err is a RetriesExhaustedError.
func IsRetriesExhausted(err error) bool {
	var e *RetriesExhaustedError
	return errors.As(err, &e)
}
