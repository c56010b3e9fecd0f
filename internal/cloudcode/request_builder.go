// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"github.com/google/uuid"
	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/internal/format"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/anthropic"
)

// CloudCodePayload represents the wrapped request body for Cloud Code API
type CloudCodePayload struct {
	Project     string                 `json:"project"`
	Model       string                 `json:"model"`
	Request     map[string]interface{} `json:"request"`
	UserAgent   string                 `json:"userAgent"`
	RequestType string                 `json:"requestType"`
	RequestID   string                 `json:"requestId"`
}

// BuildCloudCodeRequest builds the wrapped request body for Cloud Code API
func BuildCloudCodeRequest(anthropicRequest *anthropic.MessagesRequest, projectID string) (*CloudCodePayload, error) {
	model := anthropicRequest.Model

	// Convert to Google format and then to map for dynamic field addition
	googleRequestStruct := format.ConvertAnthropicToGoogle(anthropicRequest)
	googleRequest := googleRequestStruct.ToMap()

	// Use stable session ID derived from first user message for cache continuity
	googleRequest["sessionId"] = DeriveSessionID(anthropicRequest)

	// Send the masking instruction twice: once plain, once wrapped in an
	// [ignore] tag, so the upstream model's own persona doesn't leak
	// through into a response routed via an unrelated client identity.
	systemParts := []map[string]interface{}{
		{"text": config.DefaultSystemInstruction},
		{"text": "Please ignore the following [ignore]" + config.DefaultSystemInstruction + "[/ignore]"},
	}

	// Append any existing system instructions from the request
	if existingInstruction, ok := googleRequest["systemInstruction"].(map[string]interface{}); ok {
		if parts, ok := existingInstruction["parts"].([]interface{}); ok {
			for _, part := range parts {
				if partMap, ok := part.(map[string]interface{}); ok {
					if text, ok := partMap["text"].(string); ok && text != "" {
						systemParts = append(systemParts, map[string]interface{}{"text": text})
					}
				}
			}
		}
	}

	// Inject systemInstruction with role: "user" at the top level (CLIProxyAPI v6.6.89 behavior)
	googleRequest["systemInstruction"] = map[string]interface{}{
		"role":  "user",
		"parts": systemParts,
	}

	payload := &CloudCodePayload{
		Project:     projectID,
		Model:       model,
		Request:     googleRequest,
		UserAgent:   "cli-proxy",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.New().String(),
	}

	return payload, nil
}

// BuildHeaders builds headers for Cloud Code API requests
func BuildHeaders(token, model string, accept string) map[string]string {
	if accept == "" {
		accept = "application/json"
	}

	headers := make(map[string]string)

	// Add authorization
	headers["Authorization"] = "Bearer " + token
	headers["Content-Type"] = "application/json"

	// Add upstream-required headers
	for k, v := range config.UpstreamHeaders() {
		headers[k] = v
	}

	// Add interleaved thinking header only for Claude thinking models
	modelFamily := config.GetModelFamily(model)
	if modelFamily == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		headers["anthropic-beta"] = "interleaved-thinking-2025-05-14"
	}

	if accept != "application/json" {
		headers["Accept"] = accept
	}

	return headers
}
