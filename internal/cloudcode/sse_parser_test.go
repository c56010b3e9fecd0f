package cloudcode

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseThinkingSSEResponse_FunctionCallProducesValidToolUse(t *testing.T) {
	stream := `data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"call_1","name":"read_file","args":{"path":"/tmp/x.txt"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}

`
	resp, err := ParseThinkingSSEResponse(strings.NewReader(stream), "claude-4.5-sonnet")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Content, 1)

	block := resp.Content[0]
	require.Equal(t, "tool_use", block.Type)
	require.Equal(t, "read_file", block.Name)
	require.NotEmpty(t, block.Input)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(block.Input, &args))
	require.Equal(t, "/tmp/x.txt", args["path"])
}

func TestParseThinkingSSEResponse_AccumulatesThinkingAndTextSeparately(t *testing.T) {
	stream := `data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"reasoning part 1"}]}}]}}

data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":" part 2","thoughtSignature":"sig-xyz"}]}}]}}

data: {"response":{"candidates":[{"content":{"parts":[{"text":"final answer"}]},"finishReason":"STOP"}]}}

`
	resp, err := ParseThinkingSSEResponse(strings.NewReader(stream), "gemini-3-pro")
	require.NoError(t, err)
	require.Len(t, resp.Content, 2)
	require.Equal(t, "thinking", resp.Content[0].Type)
	require.Equal(t, "reasoning part 1 part 2", resp.Content[0].Thinking)
	require.Equal(t, "sig-xyz", resp.Content[0].Signature)
	require.Equal(t, "text", resp.Content[1].Type)
	require.Equal(t, "final answer", resp.Content[1].Text)
}

func TestParseThinkingSSEResponse_SkipsMalformedLines(t *testing.T) {
	stream := `data: {not valid json}

data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}}

`
	resp, err := ParseThinkingSSEResponse(strings.NewReader(stream), "claude-4.5-sonnet")
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "ok", resp.Content[0].Text)
}
