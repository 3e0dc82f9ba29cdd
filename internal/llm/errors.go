package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/validai/validai-engine/pkg/models"
)

// ErrEmptyResponse is returned when a provider answered 200 but the response
// carried no usable content.
var ErrEmptyResponse = errors.New("provider returned an empty response")

// ProviderError is a failed provider call with enough context to classify it.
// Code carries the provider's own error identifier when one was present
// (e.g. Gemini's "RESOURCE_EXHAUSTED" status string).
type ProviderError struct {
	Provider   models.Provider
	StatusCode int
	Code       string
	Message    string
	// RetryCount is how many retries were spent before giving up. Set by the
	// retry layer, zero on errors that never entered it.
	RetryCount int
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%d %s)", e.Provider, e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Provider, e.Message, e.StatusCode)
}

// transientGeminiCodes are the status strings Gemini returns for failures
// that are worth retrying.
var transientGeminiCodes = map[string]bool{
	"RESOURCE_EXHAUSTED": true,
	"UNAVAILABLE":        true,
	"DEADLINE_EXCEEDED":  true,
}

// IsTransient reports whether err is worth retrying: provider overload and
// rate limiting (429, 503, 529), recognized transient provider codes, and
// network-level timeouts or connection resets. Auth failures, bad requests,
// and anything else unrecognized are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.StatusCode {
		case 429, 503, 529:
			return true
		}
		return transientGeminiCodes[pe.Code]
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || strings.Contains(err.Error(), "connection reset") {
		return true
	}
	return false
}

// IsRateLimit reports whether err signals provider rate limiting
// specifically, as opposed to other transient failures. The engine halves
// its concurrency on these.
func IsRateLimit(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == 429 || pe.StatusCode == 529 || pe.Code == "RESOURCE_EXHAUSTED"
}

// ErrorType labels err for the operation_results.error_type column.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case IsRateLimit(err):
		return "rate_limit"
	case IsTransient(err):
		return "transient"
	case errors.Is(err, ErrEmptyResponse):
		return "empty_response"
	default:
		return "provider_error"
	}
}
