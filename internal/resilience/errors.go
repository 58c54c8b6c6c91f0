// Package resilience defines the pipeline's error taxonomy and the mapping
// from error categories to HTTP response codes.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ConfigError marks a missing credential or setting for a required provider.
// No meaningful work is possible, so the whole invocation fails fast.
type ConfigError struct {
	Provider string
	Msg      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Provider, e.Msg)
}

// NewConfigError creates a ConfigError for a provider.
func NewConfigError(provider, msg string) *ConfigError {
	return &ConfigError{Provider: provider, Msg: msg}
}

// SoftUnavailableError marks a missing credential for an optional provider.
// Callers degrade gracefully: log, return empty results, continue.
type SoftUnavailableError struct {
	Provider string
}

func (e *SoftUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable (no credential)", e.Provider)
}

// UpstreamHTTPError is a non-2xx response from an external API, with the
// upstream status and body surfaced for diagnosis. Neither client retries
// it past its own backoff budget; the orchestrator catches it and fails
// only the current entity.
type UpstreamHTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamHTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.StatusCode, body)
}

// QuotaExhausted reports whether the upstream rejected the call for credit
// or quota reasons.
func (e *UpstreamHTTPError) QuotaExhausted() bool {
	return e.StatusCode == http.StatusPaymentRequired
}

// RateLimited reports whether the upstream signalled a rate limit.
func (e *UpstreamHTTPError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ParseError marks model output that was not valid or extractable JSON. It
// is a soft failure of one extraction step, not of the entity.
type ParseError struct {
	Context string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s: model output is not extractable JSON", e.Context)
}

// PersistError wraps a datastore write failure. It surfaces as an
// entity-level failure; prior entities in the batch stay persisted.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	if e.Op != "" {
		return "persist: " + e.Op + ": " + e.Err.Error()
	}
	return "persist: " + e.Err.Error()
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// BadRequestError marks a malformed invocation (unknown action, bad body).
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string {
	return e.Msg
}

// HTTPStatusFor maps an error to the response code the API contract
// promises: 400 for bad requests, 402 for provider quota exhaustion, 429
// for upstream rate limits, 500 for everything else.
func HTTPStatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var bad *BadRequestError
	if errors.As(err, &bad) {
		return http.StatusBadRequest
	}

	var up *UpstreamHTTPError
	if errors.As(err, &up) {
		switch {
		case up.QuotaExhausted():
			return http.StatusPaymentRequired
		case up.RateLimited():
			return http.StatusTooManyRequests
		}
	}

	return http.StatusInternalServerError
}

// IsTransient returns true if the error looks like a transient network
// failure worth retrying inside a provider client (never at the
// orchestrator level).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true for server-side statuses that provider
// clients may retry with backoff.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
