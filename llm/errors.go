// ABOUTME: Error hierarchy for LLM provider calls.
// ABOUTME: Structured provider, network and configuration errors that know whether they are retryable.

package llm

import (
	"encoding/json"
	"errors"
)

// SDKError is the base error type for all errors in this package.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns false for the base SDKError. Subtypes override this.
func (e *SDKError) IsRetryable() bool {
	return false
}

// ProviderError represents an error returned by an LLM provider's API.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
	Raw        json.RawMessage
}

func (e *ProviderError) Error() string     { return e.SDKError.Error() }
func (e *ProviderError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// As lets errors.As match SDKError from a ProviderError.
func (e *ProviderError) As(target any) bool {
	switch t := target.(type) {
	case **SDKError:
		*t = &e.SDKError
		return true
	default:
		return false
	}
}

// providerAs is shared by the ProviderError subtypes.
func providerAs(pe *ProviderError, target any) bool {
	switch t := target.(type) {
	case **ProviderError:
		*t = pe
		return true
	case **SDKError:
		*t = &pe.SDKError
		return true
	default:
		return false
	}
}

// AuthenticationError represents a 401 or 403 response. Not retryable.
type AuthenticationError struct {
	ProviderError
}

func (e *AuthenticationError) Error() string      { return e.ProviderError.Error() }
func (e *AuthenticationError) Unwrap() error      { return e.ProviderError.Unwrap() }
func (e *AuthenticationError) IsRetryable() bool  { return false }
func (e *AuthenticationError) As(target any) bool { return providerAs(&e.ProviderError, target) }

// NotFoundError represents a 404 response, usually an unknown model. Not retryable.
type NotFoundError struct {
	ProviderError
}

func (e *NotFoundError) Error() string      { return e.ProviderError.Error() }
func (e *NotFoundError) Unwrap() error      { return e.ProviderError.Unwrap() }
func (e *NotFoundError) IsRetryable() bool  { return false }
func (e *NotFoundError) As(target any) bool { return providerAs(&e.ProviderError, target) }

// InvalidRequestError represents a 400 or 422 response. Not retryable.
type InvalidRequestError struct {
	ProviderError
}

func (e *InvalidRequestError) Error() string      { return e.ProviderError.Error() }
func (e *InvalidRequestError) Unwrap() error      { return e.ProviderError.Unwrap() }
func (e *InvalidRequestError) IsRetryable() bool  { return false }
func (e *InvalidRequestError) As(target any) bool { return providerAs(&e.ProviderError, target) }

// RateLimitError represents a 429 response. Retryable.
type RateLimitError struct {
	ProviderError
}

func (e *RateLimitError) Error() string      { return e.ProviderError.Error() }
func (e *RateLimitError) Unwrap() error      { return e.ProviderError.Unwrap() }
func (e *RateLimitError) IsRetryable() bool  { return true }
func (e *RateLimitError) As(target any) bool { return providerAs(&e.ProviderError, target) }

// ServerError represents a 5xx response. Retryable.
type ServerError struct {
	ProviderError
}

func (e *ServerError) Error() string      { return e.ProviderError.Error() }
func (e *ServerError) Unwrap() error      { return e.ProviderError.Unwrap() }
func (e *ServerError) IsRetryable() bool  { return true }
func (e *ServerError) As(target any) bool { return providerAs(&e.ProviderError, target) }

// RequestTimeoutError represents a 408 or a client-side timeout. Retryable.
type RequestTimeoutError struct {
	SDKError
}

func (e *RequestTimeoutError) Error() string     { return e.SDKError.Error() }
func (e *RequestTimeoutError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *RequestTimeoutError) IsRetryable() bool { return true }

// NetworkError represents a transport failure (DNS, connection refused). Retryable.
type NetworkError struct {
	SDKError
}

func (e *NetworkError) Error() string     { return e.SDKError.Error() }
func (e *NetworkError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *NetworkError) IsRetryable() bool { return true }

// NoObjectGeneratedError means the provider answered without usable content. Not retryable.
type NoObjectGeneratedError struct {
	SDKError
}

func (e *NoObjectGeneratedError) Error() string     { return e.SDKError.Error() }
func (e *NoObjectGeneratedError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *NoObjectGeneratedError) IsRetryable() bool { return false }

// ConfigurationError represents a setup problem such as a missing API key. Not retryable.
type ConfigurationError struct {
	SDKError
}

func (e *ConfigurationError) Error() string     { return e.SDKError.Error() }
func (e *ConfigurationError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *ConfigurationError) IsRetryable() bool { return false }

// IsRetryable reports whether err, or any error it wraps, declares itself retryable.
func IsRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
// Unknown status codes become a retryable ProviderError.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, raw json.RawMessage, retryAfter *float64) error {
	base := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch {
	case statusCode == 400 || statusCode == 422:
		return &InvalidRequestError{ProviderError: base}
	case statusCode == 401 || statusCode == 403:
		return &AuthenticationError{ProviderError: base}
	case statusCode == 404:
		return &NotFoundError{ProviderError: base}
	case statusCode == 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case statusCode == 429:
		base.Retryable = true
		return &RateLimitError{ProviderError: base}
	case statusCode >= 500 && statusCode <= 599:
		base.Retryable = true
		return &ServerError{ProviderError: base}
	default:
		base.Retryable = true
		return &base
	}
}
