package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusFromError(t *testing.T) {
	require.Equal(t, 401, HTTPStatusFromError(NewAuthFailedError("bad token", "a@example.com")))
	require.Equal(t, 400, HTTPStatusFromError(NewInvalidRequestError("missing field")))
	require.Equal(t, 404, HTTPStatusFromError(NewModelNotFoundError("gpt-5")))
	require.Equal(t, 504, HTTPStatusFromError(NewUpstreamTimeoutError("")))
	require.Equal(t, 500, HTTPStatusFromError(NewInternalError("")))
}

func TestHTTPStatusFromError_NoEligibleAccount(t *testing.T) {
	require.Equal(t, 503, HTTPStatusFromError(NewNoEligibleAccountError("all busy", true)))
	require.Equal(t, 503, HTTPStatusFromError(NewNoEligibleAccountError("all disabled", false)))
}

func TestHTTPStatusFromError_UpstreamError(t *testing.T) {
	require.Equal(t, 502, HTTPStatusFromError(NewUpstreamErrorError("teapot", 418)))
	require.Equal(t, 502, HTTPStatusFromError(NewUpstreamErrorError("unknown", 0)))
}

func TestModelNotFoundError_Message(t *testing.T) {
	err := NewModelNotFoundError("claude-9000")
	require.Contains(t, err.Error(), "claude-9000")
	require.Equal(t, "claude-9000", err.RequestedModel)
}

func TestFormatAPIError_TypedVsGeneric(t *testing.T) {
	typed := FormatAPIError(NewModelNotFoundError("x"))
	require.Equal(t, "MODEL_NOT_FOUND", typed["code"])

	generic := FormatAPIError(errors.New("boom"))
	errBody, ok := generic["error"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "internal_error", errBody["type"])
	require.Equal(t, "boom", errBody["message"])
}
