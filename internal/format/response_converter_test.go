package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvertGoogleToAnthropic_FunctionCallBecomesToolUse(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{
			{
				Content: &CandidateContent{
					Parts: []ResponsePart{
						{FunctionCall: &ResponseFuncCall{
							ID:   "call_1",
							Name: "read_file",
							Args: map[string]interface{}{"path": "/tmp/x.txt"},
						}},
					},
				},
				FinishReason: "STOP",
			},
		},
	}

	result := ConvertGoogleToAnthropic(resp, "claude-4.5-sonnet")
	require.Len(t, result.Content, 1)
	require.Equal(t, "tool_use", result.Content[0].Type)
	require.Equal(t, "call_1", result.Content[0].ID)
	require.Equal(t, "read_file", result.Content[0].Name)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Content[0].Input, &args))
	require.Equal(t, "/tmp/x.txt", args["path"])
	require.Equal(t, "tool_use", result.StopReason)
}

func TestConvertGoogleToAnthropic_WrappedResponseEnvelope(t *testing.T) {
	resp := &GoogleResponse{
		Response: &GoogleResponseInner{
			Candidates: []Candidate{
				{Content: &CandidateContent{Parts: []ResponsePart{{Text: "hello"}}}, FinishReason: "STOP"},
			},
			UsageMetadata: &UsageMetadata{PromptTokenCount: 100, CachedContentTokenCount: 20, CandidatesTokenCount: 5},
		},
	}

	result := ConvertGoogleToAnthropic(resp, "gemini-3-pro")
	require.Len(t, result.Content, 1)
	require.Equal(t, "text", result.Content[0].Type)
	require.Equal(t, "hello", result.Content[0].Text)
	require.Equal(t, 80, result.Usage.InputTokens)
	require.Equal(t, 20, result.Usage.CacheReadInputTokens)
	require.Equal(t, 5, result.Usage.OutputTokens)
}

func TestConvertGoogleToAnthropic_ThoughtPartBecomesThinkingBlock(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{
			{Content: &CandidateContent{Parts: []ResponsePart{
				{Text: "reasoning...", Thought: true, ThoughtSignature: "0123456789012345678901234567890123456789012345678901234567890123"},
			}}, FinishReason: "STOP"},
		},
	}

	result := ConvertGoogleToAnthropic(resp, "claude-4.5-sonnet-thinking")
	require.Len(t, result.Content, 1)
	require.Equal(t, "thinking", result.Content[0].Type)
	require.Equal(t, "reasoning...", result.Content[0].Thinking)
	require.NotEmpty(t, result.Content[0].Signature)
}

func TestConvertGoogleToAnthropic_EmptyPartsYieldsSingleBlankTextBlock(t *testing.T) {
	resp := &GoogleResponse{Candidates: []Candidate{{FinishReason: "STOP"}}}
	result := ConvertGoogleToAnthropic(resp, "claude-4.5-sonnet")
	require.Len(t, result.Content, 1)
	require.Equal(t, "text", result.Content[0].Type)
	require.Equal(t, "", result.Content[0].Text)
}

func TestGoogleResponseFromMap_RoundTrip(t *testing.T) {
	data := map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{
				"content":      map[string]interface{}{"parts": []interface{}{map[string]interface{}{"text": "hi"}}},
				"finishReason": "STOP",
			},
		},
	}

	resp := GoogleResponseFromMap(data)
	require.Len(t, resp.Candidates, 1)
	require.Equal(t, "hi", resp.Candidates[0].Content.Parts[0].Text)
}
