// Package errors provides the proxy's error taxonomy: typed errors that
// carry an HTTP status and an Anthropic-shaped error code, so handlers
// can turn any failure into a correctly-classified API response.
package errors

import (
	"encoding/json"
	"fmt"
)

// ProxyError is the base error class every typed proxy error embeds.
type ProxyError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *ProxyError) Error() string {
	return e.Message
}

// ToJSON converts the error to JSON for API responses
func (e *ProxyError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"name":      "ProxyError",
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler
func (e *ProxyError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// AuthFailedError represents a rejected or expired upstream credential.
type AuthFailedError struct {
	*ProxyError
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewAuthFailedError creates a new AuthFailedError.
func NewAuthFailedError(message, accountEmail string) *AuthFailedError {
	if message == "" {
		message = "Authentication failed"
	}
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &AuthFailedError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "AUTH_FAILED",
			Retryable: false,
			Metadata:  metadata,
		},
		AccountEmail: accountEmail,
	}
}

// InvalidRequestError represents a malformed or unsupported client request.
type InvalidRequestError struct {
	*ProxyError
}

// NewInvalidRequestError creates a new InvalidRequestError.
func NewInvalidRequestError(message string) *InvalidRequestError {
	if message == "" {
		message = "Invalid request"
	}
	return &InvalidRequestError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "INVALID_REQUEST",
			Retryable: false,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// ModelNotFoundError represents a request for a model the proxy doesn't
// recognize or serve.
type ModelNotFoundError struct {
	*ProxyError
	RequestedModel string `json:"requestedModel,omitempty"`
}

// NewModelNotFoundError creates a new ModelNotFoundError for requestedModel.
func NewModelNotFoundError(requestedModel string) *ModelNotFoundError {
	return &ModelNotFoundError{
		ProxyError: &ProxyError{
			Message:   fmt.Sprintf("Unknown model: %s. Use /v1/models to see available models.", requestedModel),
			Code:      "MODEL_NOT_FOUND",
			Retryable: false,
			Metadata: map[string]interface{}{
				"requestedModel": requestedModel,
			},
		},
		RequestedModel: requestedModel,
	}
}

// NoEligibleAccountError represents the case where no configured account
// can currently serve a request (all disabled, invalid, or rate-limited).
type NoEligibleAccountError struct {
	*ProxyError
	AllRateLimited bool `json:"allRateLimited"`
}

// NewNoEligibleAccountError creates a new NoEligibleAccountError.
func NewNoEligibleAccountError(message string, allRateLimited bool) *NoEligibleAccountError {
	if message == "" {
		message = "No eligible account available"
	}
	return &NoEligibleAccountError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "NO_ELIGIBLE_ACCOUNT",
			Retryable: allRateLimited,
			Metadata: map[string]interface{}{
				"allRateLimited": allRateLimited,
			},
		},
		AllRateLimited: allRateLimited,
	}
}

// UpstreamTimeoutError represents an upstream call that exceeded its deadline.
type UpstreamTimeoutError struct {
	*ProxyError
}

// NewUpstreamTimeoutError creates a new UpstreamTimeoutError.
func NewUpstreamTimeoutError(message string) *UpstreamTimeoutError {
	if message == "" {
		message = "Upstream request timed out"
	}
	return &UpstreamTimeoutError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "UPSTREAM_TIMEOUT",
			Retryable: true,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// UpstreamErrorError represents a non-timeout failure returned by the
// upstream API that isn't better classified as rate-limit or auth.
type UpstreamErrorError struct {
	*ProxyError
	StatusCode int `json:"statusCode,omitempty"`
}

// NewUpstreamErrorError creates a new UpstreamErrorError.
func NewUpstreamErrorError(message string, statusCode int) *UpstreamErrorError {
	if message == "" {
		message = "Upstream request failed"
	}
	return &UpstreamErrorError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "UPSTREAM_ERROR",
			Retryable: statusCode >= 500,
			Metadata: map[string]interface{}{
				"statusCode": statusCode,
			},
		},
		StatusCode: statusCode,
	}
}

// InternalError represents an unexpected failure internal to the proxy
// itself, not attributable to the client or the upstream.
type InternalError struct {
	*ProxyError
}

// NewInternalError creates a new InternalError.
func NewInternalError(message string) *InternalError {
	if message == "" {
		message = "Internal server error"
	}
	return &InternalError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "INTERNAL_ERROR",
			Retryable: false,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// FormatAPIError formats an error for API response
func FormatAPIError(err error) map[string]interface{} {
	if af, ok := err.(*AuthFailedError); ok {
		return af.ToJSON()
	}
	if ir, ok := err.(*InvalidRequestError); ok {
		return ir.ToJSON()
	}
	if mn, ok := err.(*ModelNotFoundError); ok {
		return mn.ToJSON()
	}
	if ne, ok := err.(*NoEligibleAccountError); ok {
		return ne.ToJSON()
	}
	if ut, ok := err.(*UpstreamTimeoutError); ok {
		return ut.ToJSON()
	}
	if ue, ok := err.(*UpstreamErrorError); ok {
		return ue.ToJSON()
	}
	if ie, ok := err.(*InternalError); ok {
		return ie.ToJSON()
	}
	if ae, ok := err.(*ProxyError); ok {
		return ae.ToJSON()
	}

	// Generic error
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": err.Error(),
		},
	}
}

// HTTPStatusFromError returns the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	switch err.(type) {
	case *AuthFailedError:
		return 401
	case *InvalidRequestError:
		return 400
	case *ModelNotFoundError:
		return 404
	case *NoEligibleAccountError:
		return 503
	case *UpstreamTimeoutError:
		return 504
	case *UpstreamErrorError:
		return 502
	case *InternalError:
		return 500
	default:
		return 500
	}
}
