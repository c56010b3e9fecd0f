// Package handlers provides HTTP request handlers for the server.
// This file handles the main /v1/messages endpoint.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lbjlaq/antigravity-proxy-core/internal/account"
	"github.com/lbjlaq/antigravity-proxy-core/internal/cloudcode"
	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	apierrors "github.com/lbjlaq/antigravity-proxy-core/internal/errors"
	"github.com/lbjlaq/antigravity-proxy-core/internal/server/sse"
	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/anthropic"
)

// MessagesHandler handles the /v1/messages endpoint
type MessagesHandler struct {
	accountManager  *account.Manager
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
}

// NewMessagesHandler creates a new MessagesHandler
func NewMessagesHandler(
	accountManager *account.Manager,
	cloudCodeClient *cloudcode.Client,
	cfg *config.Config,
	fallbackEnabled bool,
) *MessagesHandler {
	return &MessagesHandler{
		accountManager:  accountManager,
		cloudCodeClient: cloudCodeClient,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// Messages handles POST /v1/messages - Anthropic Messages API compatible
func (h *MessagesHandler) Messages(c *gin.Context) {
	ctx := c.Request.Context()

	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "invalid_request_error",
				"message": "Invalid request body: " + err.Error(),
			},
		})
		return
	}

	requestedModel := req.Model
	if requestedModel == "" {
		requestedModel = "claude-3-5-sonnet-20241022"
	}

	if entry, ok := h.cfg.ResolveModel(requestedModel); ok && entry.InternalID != "" && entry.InternalID != requestedModel {
		utils.Info("[Server] Mapping model %s -> %s", requestedModel, entry.InternalID)
		requestedModel = entry.InternalID
	}

	req.Model = requestedModel

	// Validate the model ID against the account pool before committing to it.
	// An Acquire/token failure here isn't a verdict on the model itself, so
	// it's logged and the request proceeds to the normal send path, which
	// will surface the underlying account problem on its own.
	lease, _, err := h.accountManager.Acquire(ctx, "", "")
	if err == nil && lease.Account != nil {
		token, tokenErr := h.accountManager.GetTokenForAccount(ctx, lease.Account)
		if tokenErr == nil {
			projectID := ""
			if lease.Account.Subscription != nil {
				projectID = lease.Account.Subscription.ProjectID
			}
			if !cloudcode.IsValidModel(ctx, req.Model, token, projectID) {
				modelErr := apierrors.NewModelNotFoundError(req.Model)
				h.sendError(c, apierrors.HTTPStatusFromError(modelErr), "not_found_error", modelErr.Error())
				return
			}
		} else {
			utils.Debug("[API] Skipped model validation for %s: token fetch failed: %v", req.Model, tokenErr)
		}
	} else if err != nil {
		utils.Debug("[API] Skipped model validation for %s: account acquire failed: %v", req.Model, err)
	}

	// Optimistic retry: if every account is rate-limited for this model, reset state
	if h.accountManager.IsAllRateLimited(req.Model) {
		utils.Warn("[Server] All accounts rate-limited for %s. Resetting state for optimistic retry.", req.Model)
		h.accountManager.ResetAllRateLimits(ctx)
	}

	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be an array")
		return
	}

	// Filter out probe/"count" requests
	if len(req.Messages) == 1 && len(req.Messages[0].Content) == 1 {
		if req.Messages[0].Content[0].Type == "text" && req.Messages[0].Content[0].Text == "count" {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)

	if utils.IsDebug() {
		utils.Debug("[API] Message structure:")
		for i, msg := range req.Messages {
			types := make([]string, 0, len(msg.Content))
			for _, block := range msg.Content {
				types = append(types, block.Type)
			}
			utils.Debug("  [%d] %s: %s", i, msg.Role, strings.Join(types, ", "))
		}
	}

	if req.Stream {
		h.handleStreamingResponse(c, &req)
	} else {
		h.handleNonStreamingResponse(c, &req)
	}
}

// handleStreamingResponse handles streaming SSE responses
func (h *MessagesHandler) handleStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.cloudCodeClient.SendMessageStream(ctx, req, h.fallbackEnabled)

	// Buffer the first event so we can still send a proper error status if
	// the very first thing back from upstream is a failure.
	var firstEvent *cloudcode.SSEEvent
	var firstErr error

	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = cloudcode.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		utils.Error("[API] Initial stream error: %v", firstErr)
		errorType, statusCode, errorMessage := h.handleAPIError(firstErr)
		c.JSON(statusCode, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    errorType,
				"message": errorMessage,
			},
		})
		return
	}

	sseWriter, err := sse.NewWriter(c.Writer)
	if err != nil {
		utils.Error("[API] Failed to create SSE writer: %v", err)
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	sseWriter.SetHeaders()
	c.Writer.Flush()

	if firstEvent != nil {
		if err := sseWriter.WriteEvent(firstEvent.Type, firstEvent); err != nil {
			utils.Error("[API] Error writing first SSE event: %v", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := sseWriter.WriteEvent(event.Type, event); err != nil {
				utils.Error("[API] Error writing SSE event: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				errorType, _, errorMessage := parseError(err)
				sseWriter.WriteError(errorType, errorMessage)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleNonStreamingResponse handles non-streaming responses
func (h *MessagesHandler) handleNonStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	response, err := h.cloudCodeClient.SendMessage(ctx, req, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, errorMessage := h.handleAPIError(err)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	c.JSON(http.StatusOK, response)
}

// handleAPIError classifies err and, for auth failures, drops cached tokens
// so the next attempt is forced to refresh.
func (h *MessagesHandler) handleAPIError(err error) (string, int, string) {
	errorType, statusCode, errorMessage := parseError(err)

	if errorType == "authentication_error" {
		utils.Warn("[API] Token might be expired, attempting refresh...")
		h.accountManager.ClearTokenCache()
		errorMessage = "Token was expired and has been refreshed. Please retry your request."
	}

	utils.Warn("[API] Returning error response: %d %s - %s", statusCode, errorType, errorMessage)
	return errorType, statusCode, errorMessage
}

// sendError sends an error JSON response
func (h *MessagesHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}

// CountTokens handles POST /v1/messages/count_tokens
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "not_implemented",
			"message": "Token counting is not implemented. Use /v1/messages with max_tokens or configure your client to skip token counting.",
		},
	})
}

// parseError classifies err into an Anthropic-shaped error type, HTTP
// status, and user-facing message.
func parseError(err error) (string, int, string) {
	errorType := "api_error"
	statusCode := 500
	msg := err.Error()
	errorMessage := msg

	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "UNAUTHENTICATED"):
		errorType = "authentication_error"
		statusCode = 401
		errorMessage = "Authentication failed. Check that the upstream account credentials are still valid."

	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "QUOTA_EXHAUSTED"):
		errorType = "invalid_request_error"
		statusCode = 400

		model := "the model"
		if idx := strings.Index(msg, "Rate limited on "); idx >= 0 {
			if end := strings.Index(msg[idx:], "."); end > 0 {
				model = msg[idx+len("Rate limited on "):idx+end]
			}
		}

		if idx := strings.Index(msg, "quota will reset after "); idx >= 0 {
			rest := msg[idx+len("quota will reset after "):]
			if end := strings.IndexAny(rest, ".,"); end > 0 {
				errorMessage = "You have exhausted your capacity on " + model + ". Quota will reset after " + rest[:end] + "."
			} else {
				errorMessage = "You have exhausted your capacity on " + model + ". Please wait for your quota to reset."
			}
		} else {
			errorMessage = "You have exhausted your capacity on " + model + ". Please wait for your quota to reset."
		}

	case strings.Contains(msg, "invalid_request_error") || strings.Contains(msg, "INVALID_ARGUMENT"):
		errorType = "invalid_request_error"
		statusCode = 400
		if idx := strings.Index(msg, `"message":"`); idx >= 0 {
			rest := msg[idx+len(`"message":"`):]
			if end := strings.Index(rest, `"`); end > 0 {
				errorMessage = rest[:end]
			}
		}

	case strings.Contains(msg, "All endpoints failed"):
		errorType = "api_error"
		statusCode = 503
		errorMessage = "Unable to reach the upstream API. Check network connectivity and endpoint configuration."

	case strings.Contains(msg, "PERMISSION_DENIED"):
		errorType = "permission_error"
		statusCode = 403
	}

	return errorType, statusCode, errorMessage
}

// RefreshTokenHandler handles POST /refresh-token
type RefreshTokenHandler struct {
	accountManager *account.Manager
}

// NewRefreshTokenHandler creates a new RefreshTokenHandler
func NewRefreshTokenHandler(accountManager *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{
		accountManager: accountManager,
	}
}

// RefreshToken handles POST /refresh-token
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	h.accountManager.ClearTokenCache()

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token caches cleared and refreshed",
	})
}

// SerializeRequest converts a request to JSON for logging
func SerializeRequest(req *anthropic.MessagesRequest) string {
	data, err := json.Marshal(req)
	if err != nil {
		return "{}"
	}
	return string(data)
}
