package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorReason categorizes a provider failure for retry decisions and
// operator-facing diagnostics.
type ErrorReason string

const (
	// ReasonRateLimit indicates throttling (HTTP 429).
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonAuth indicates authentication or authorization failure (401, 403).
	ReasonAuth ErrorReason = "auth"

	// ReasonBilling indicates payment or quota exhaustion (402).
	ReasonBilling ErrorReason = "billing"

	// ReasonTimeout indicates the request or its context deadline expired.
	ReasonTimeout ErrorReason = "timeout"

	// ReasonServerError indicates a provider-side failure (5xx).
	ReasonServerError ErrorReason = "server_error"

	// ReasonInvalidRequest indicates a malformed request (400).
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonModelUnavailable indicates the requested model does not exist
	// or is not accessible to the key.
	ReasonModelUnavailable ErrorReason = "model_unavailable"

	// ReasonContentFilter indicates the provider's safety system blocked
	// the request or response.
	ReasonContentFilter ErrorReason = "content_filter"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown ErrorReason = "unknown"
)

// IsRetryable reports whether a request failing for this reason may succeed
// on retry without changes.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured failure from an LLM provider. It preserves
// the HTTP status, provider error code and request ID where available so
// operators can correlate failures with provider-side logs.
type ProviderError struct {
	// Reason categorizes the failure; see ErrorReason.
	Reason ErrorReason

	// Provider names the backend ("anthropic", "openai", "gemini").
	Provider string

	// Model is the model identifier the request targeted.
	Model string

	// Status is the HTTP status code when one was observed.
	Status int

	// Code is the provider-specific error code, if reported.
	Code string

	// Message is the human-readable description.
	Message string

	// RequestID is the provider's request identifier for support escalation.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// newProviderError wraps cause with provider context and a classification
// derived from its message.
func newProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classifyError(cause)
	}
	return e
}

// withStatus records the HTTP status and reclassifies from it; status codes
// are more reliable than message sniffing.
func (e *ProviderError) withStatus(status int) *ProviderError {
	if status != 0 {
		e.Status = status
		e.Reason = classifyStatus(status)
	}
	return e
}

// withRequestID records the provider request identifier.
func (e *ProviderError) withRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err looks transient. Unwrapped errors are
// classified from their message.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Reason.IsRetryable()
	}
	return classifyError(err).IsRetryable()
}

// classifyError derives an ErrorReason from an error's message. Used when
// the SDK did not surface a status code.
func classifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth
	case strings.Contains(msg, "billing"),
		strings.Contains(msg, "payment"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "402"):
		return ReasonBilling
	case strings.Contains(msg, "content_filter"),
		strings.Contains(msg, "content policy"),
		strings.Contains(msg, "safety"),
		strings.Contains(msg, "blocked"):
		return ReasonContentFilter
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "model_not_found"),
		strings.Contains(msg, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "529"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyStatus derives an ErrorReason from an HTTP status code.
func classifyStatus(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
