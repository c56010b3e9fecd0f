// Package format provides conversion between Anthropic and Google
// Generative AI formats.
package format

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/anthropic"
)

// GoogleResponse represents a response from Google Generative AI. The
// upstream sometimes wraps candidates in a Response envelope and
// sometimes returns them at the top level; ConvertGoogleToAnthropic
// handles both.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner represents the inner response object.
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate represents a response candidate.
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent represents the content of a candidate.
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart represents a part in the response.
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall represents a function call in the response.
type ResponseFuncCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// UsageMetadata represents token usage metadata.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// GoogleResponseFromMap creates a GoogleResponse from a generic map, the
// shape the non-streaming client decodes upstream JSON into.
func GoogleResponseFromMap(data map[string]interface{}) *GoogleResponse {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return &GoogleResponse{}
	}
	var response GoogleResponse
	if err := json.Unmarshal(jsonData, &response); err != nil {
		return &GoogleResponse{}
	}
	return &response
}

// ConvertGoogleToAnthropic converts a Google Generative AI response into
// Anthropic Messages API format.
func ConvertGoogleToAnthropic(googleResponse *GoogleResponse, model string) *anthropic.MessagesResponse {
	var candidates []Candidate
	var usageMetadata *UsageMetadata

	if googleResponse.Response != nil {
		candidates = googleResponse.Response.Candidates
		usageMetadata = googleResponse.Response.UsageMetadata
	} else {
		candidates = googleResponse.Candidates
		usageMetadata = googleResponse.UsageMetadata
	}

	var firstCandidate Candidate
	if len(candidates) > 0 {
		firstCandidate = candidates[0]
	}

	var parts []ResponsePart
	if firstCandidate.Content != nil {
		parts = firstCandidate.Content.Parts
	}

	anthropicContent := make([]anthropic.ContentBlock, 0)
	hasToolCalls := false

	cache := GetGlobalSignatureCache()

	for _, part := range parts {
		switch {
		case part.Text != "" && part.Thought:
			signature := part.ThoughtSignature
			if signature != "" && len(signature) >= config.MinSignatureLength {
				modelFamily := config.GetModelFamily(model)
				cache.CacheThinkingSignature(signature, string(modelFamily))
			}
			anthropicContent = append(anthropicContent, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: signature,
			})
		case part.Text != "":
			anthropicContent = append(anthropicContent, anthropic.ContentBlock{
				Type: "text",
				Text: part.Text,
			})
		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = "toolu_" + generateRandomHex(12)
			}

			var inputJSON json.RawMessage
			if part.FunctionCall.Args != nil {
				inputJSON, _ = json.Marshal(part.FunctionCall.Args)
			} else {
				inputJSON = json.RawMessage("{}")
			}

			toolUseBlock := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: inputJSON,
			}

			// Gemini 3+ attaches the thought signature at the part level
			// for tool calls rather than on a sibling thinking block.
			if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
				toolUseBlock.ThoughtSignature = part.ThoughtSignature
				cache.CacheSignature(toolID, part.ThoughtSignature)
			}

			anthropicContent = append(anthropicContent, toolUseBlock)
			hasToolCalls = true
		case part.InlineData != nil:
			anthropicContent = append(anthropicContent, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	finishReason := firstCandidate.FinishReason
	stopReason := "end_turn"
	switch {
	case finishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	case finishReason == "TOOL_USE" || hasToolCalls:
		stopReason = "tool_use"
	}

	// The upstream's promptTokenCount is the total including cached
	// content, but Anthropic's input_tokens excludes cached tokens, so
	// the cached count is subtracted back out.
	var promptTokens, cachedTokens, outputTokens int
	if usageMetadata != nil {
		promptTokens = usageMetadata.PromptTokenCount
		cachedTokens = usageMetadata.CachedContentTokenCount
		outputTokens = usageMetadata.CandidatesTokenCount
	}

	if len(anthropicContent) == 0 {
		anthropicContent = append(anthropicContent, anthropic.ContentBlock{
			Type: "text",
			Text: "",
		})
	}

	return &anthropic.MessagesResponse{
		ID:           "msg_" + generateRandomHex(16),
		Type:         "message",
		Role:         "assistant",
		Content:      anthropicContent,
		Model:        model,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage: &anthropic.Usage{
			InputTokens:              promptTokens - cachedTokens,
			OutputTokens:             outputTokens,
			CacheReadInputTokens:     cachedTokens,
			CacheCreationInputTokens: 0,
		},
	}
}

func generateRandomHex(byteLength int) string {
	bytes := make([]byte, byteLength)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
