package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelo-labs/relaygate/internal/pkg/openai"
)

func TestConvertOpenAIToClaudeBasics(t *testing.T) {
	var req openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model":"claude-sonnet-4-5",
		"messages":[
			{"role":"system","content":"be brief"},
			{"role":"developer","content":"answer in english"},
			{"role":"user","content":"hello"},
			{"role":"assistant","content":"hi"},
			{"role":"user","content":[{"type":"text","text":"follow up"}]}
		],
		"max_tokens":256,
		"temperature":0.5,
		"user":"u-42"
	}`), &req))

	out, err := ConvertOpenAIToClaude(&req)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.Equal(t, 256, out.MaxTokens)
	require.NotNil(t, out.Temperature)
	assert.InDelta(t, 0.5, *out.Temperature, 1e-9)
	require.NotNil(t, out.Metadata)
	assert.Equal(t, "u-42", out.Metadata.UserID)

	// system/developer 消息合并进 system 字段
	var system string
	require.NoError(t, json.Unmarshal(out.System, &system))
	assert.Equal(t, "be brief\nanswer in english", system)

	require.Len(t, out.Messages, 3)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "assistant", out.Messages[1].Role)
	assert.Equal(t, "user", out.Messages[2].Role)

	var followUp string
	require.NoError(t, json.Unmarshal(out.Messages[2].Content, &followUp))
	assert.Equal(t, "follow up", followUp)
}

func TestConvertOpenAIToClaudeToolRoundTrip(t *testing.T) {
	var req openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model":"m",
		"messages":[
			{"role":"user","content":"weather?"},
			{"role":"assistant","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"tokyo\"}"}}
			]},
			{"role":"tool","tool_call_id":"call_1","content":"sunny"}
		],
		"tools":[{"type":"function","function":{"name":"get_weather","description":"d","parameters":{"type":"object"}}}]
	}`), &req))

	out, err := ConvertOpenAIToClaude(&req)
	require.NoError(t, err)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "get_weather", out.Tools[0].Name)

	require.Len(t, out.Messages, 3)

	// assistant tool_calls → tool_use 块
	var assistantBlocks []map[string]any
	require.NoError(t, json.Unmarshal(out.Messages[1].Content, &assistantBlocks))
	require.Len(t, assistantBlocks, 1)
	assert.Equal(t, "tool_use", assistantBlocks[0]["type"])
	assert.Equal(t, "call_1", assistantBlocks[0]["id"])

	// tool 消息 → user 角色的 tool_result 块
	assert.Equal(t, "user", out.Messages[2].Role)
	var toolBlocks []map[string]any
	require.NoError(t, json.Unmarshal(out.Messages[2].Content, &toolBlocks))
	require.Len(t, toolBlocks, 1)
	assert.Equal(t, "tool_result", toolBlocks[0]["type"])
	assert.Equal(t, "call_1", toolBlocks[0]["tool_use_id"])
}

func TestConvertOpenAIToClaudeDefaultMaxTokens(t *testing.T) {
	req := &openai.ChatCompletionRequest{Model: "m", Messages: []openai.ChatMessage{{Role: "user", Content: json.RawMessage(`"q"`)}}}
	out, err := ConvertOpenAIToClaude(req)
	require.NoError(t, err)
	assert.Equal(t, 4096, out.MaxTokens)
}

func TestOpenAIResponsesEndpoint(t *testing.T) {
	assert.Equal(t, "https://api.openai.com/v1/responses", openaiResponsesEndpoint(""))
	assert.Equal(t, "https://alt.example.com/v1/responses", openaiResponsesEndpoint("https://alt.example.com"))
	assert.Equal(t, "https://alt.example.com/v1/responses", openaiResponsesEndpoint("https://alt.example.com/v1"))
	assert.Equal(t, "https://alt.example.com/api/responses", openaiResponsesEndpoint("https://alt.example.com/api/responses/"))
}
