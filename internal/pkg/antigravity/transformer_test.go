package antigravity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapModel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "claude-sonnet-4-5"},
		{"claude-sonnet-4-5", "claude-sonnet-4-5"},
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4-5"},
		{"claude-opus-4-5", "claude-opus-4-5-thinking"},
		{"claude-opus-4-5-20251101", "claude-opus-4-5-thinking"},
		{"claude-haiku-4-5", "gemini-2.5-flash"},
		{"claude-3-5-sonnet-20241022", "claude-sonnet-4-5"},
		{"claude-opus-4", "gemini-3-pro-high"},
		{"claude-haiku-4", "claude-haiku-4.5"},
		{"claude-3-haiku-20240307", "gemini-2.5-flash"},
		{"gemini-3-pro-preview", "gemini-3-pro-preview"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapModel(tt.in), "model %q", tt.in)
	}
}

func mustTransform(t *testing.T, req *ClaudeRequest) V1InternalRequest {
	t.Helper()
	raw, err := TransformClaudeToGemini(req, "proj-1", MapModel(req.Model))
	require.NoError(t, err)
	var v1 V1InternalRequest
	require.NoError(t, json.Unmarshal(raw, &v1))
	return v1
}

func TestTransformBasicTextMessage(t *testing.T) {
	v1 := mustTransform(t, &ClaudeRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 64,
		Messages: []ClaudeMessage{
			{Role: "user", Content: json.RawMessage(`"ping"`)},
		},
	})

	assert.Equal(t, "claude-sonnet-4-5", v1.Model)
	assert.Equal(t, "antigravity", v1.UserAgent)
	assert.Equal(t, "proj-1", v1.Project)
	require.Len(t, v1.Request.Contents, 1)
	assert.Equal(t, "user", v1.Request.Contents[0].Role)
	require.Len(t, v1.Request.Contents[0].Parts, 1)
	assert.Equal(t, "ping", v1.Request.Contents[0].Parts[0].Text)
	require.NotNil(t, v1.Request.ToolConfig)
	assert.Equal(t, "VALIDATED", v1.Request.ToolConfig.FunctionCallingConfig.Mode)
}

func TestTransformGenerationConfigDefaults(t *testing.T) {
	v1 := mustTransform(t, &ClaudeRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1000,
		Messages:  []ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	})

	gc := v1.Request.GenerationConfig
	require.NotNil(t, gc)
	require.NotNil(t, gc.Temperature)
	assert.InDelta(t, 0.4, *gc.Temperature, 1e-9)
	require.NotNil(t, gc.TopP)
	assert.InDelta(t, 1.0, *gc.TopP, 1e-9)
	require.NotNil(t, gc.TopK)
	assert.Equal(t, 40, *gc.TopK)
	assert.Equal(t, 1, gc.CandidateCount)
	assert.Equal(t, 1000, gc.MaxOutputTokens)
	assert.Equal(t, DefaultStopSequences, gc.StopSequences)
	assert.Nil(t, gc.ThinkingConfig)
}

func TestTransformThinkingBudgetClamp(t *testing.T) {
	v1 := mustTransform(t, &ClaudeRequest{
		Model:     "claude-opus-4-5",
		MaxTokens: 1024,
		Thinking:  &ClaudeThinking{Type: "enabled", BudgetTokens: 4096},
		Messages:  []ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	})

	tc := v1.Request.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	assert.True(t, tc.IncludeThoughts)
	assert.Equal(t, 1023, tc.ThinkingBudget)
}

func TestTransformReorganizesToolPairs(t *testing.T) {
	assistantContent, _ := json.Marshal([]ContentBlock{
		{Type: "text", Text: "let me check"},
		{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"SF"}`)},
	})
	userContent, _ := json.Marshal([]ContentBlock{
		{Type: "tool_result", ToolUseID: "toolu_1", Content: json.RawMessage(`"sunny"`)},
		{Type: "text", Text: "thanks, continue"},
	})

	v1 := mustTransform(t, &ClaudeRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages: []ClaudeMessage{
			{Role: "user", Content: json.RawMessage(`"weather?"`)},
			{Role: "assistant", Content: assistantContent},
			{Role: "user", Content: userContent},
		},
	})

	contents := v1.Request.Contents
	// 摊平后每条消息只有一个 part
	for i, c := range contents {
		assert.Len(t, c.Parts, 1, "message %d", i)
	}

	// functionCall 之后必须紧跟配对的 functionResponse
	for i, c := range contents {
		if fc := c.Parts[0].FunctionCall; fc != nil {
			require.Less(t, i+1, len(contents), "functionCall must not be last")
			fr := contents[i+1].Parts[0].FunctionResponse
			require.NotNil(t, fr)
			assert.Equal(t, fc.ID, fr.ID)
			assert.Equal(t, "user", contents[i+1].Role)
			assert.Equal(t, "get_weather", fr.Name)
			assert.Equal(t, "sunny", fr.Response["output"])
		}
	}
}

func TestTransformSystemInstruction(t *testing.T) {
	t.Run("string system", func(t *testing.T) {
		v1 := mustTransform(t, &ClaudeRequest{
			Model:    "claude-sonnet-4-5",
			System:   json.RawMessage(`"you are terse"`),
			Messages: []ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		})
		require.NotNil(t, v1.Request.SystemInstruction)
		assert.Equal(t, "user", v1.Request.SystemInstruction.Role)
		assert.Equal(t, "you are terse", v1.Request.SystemInstruction.Parts[0].Text)
	})

	t.Run("block array system collapses to one part", func(t *testing.T) {
		v1 := mustTransform(t, &ClaudeRequest{
			Model:    "claude-sonnet-4-5",
			System:   json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`),
			Messages: []ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		})
		require.NotNil(t, v1.Request.SystemInstruction)
		require.Len(t, v1.Request.SystemInstruction.Parts, 1)
		assert.Equal(t, "a\n\nb", v1.Request.SystemInstruction.Parts[0].Text)
	})
}

func TestTransformDropsUnsignedThinking(t *testing.T) {
	content, _ := json.Marshal([]ContentBlock{
		{Type: "thinking", Thinking: "hmm"},
		{Type: "thinking", Thinking: "signed", Signature: "sig-1"},
		{Type: "text", Text: "answer"},
	})
	v1 := mustTransform(t, &ClaudeRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []ClaudeMessage{{Role: "assistant", Content: content}},
	})

	var thoughts, texts int
	for _, c := range v1.Request.Contents {
		p := c.Parts[0]
		if p.Thought {
			thoughts++
			assert.Equal(t, "sig-1", p.ThoughtSignature)
		} else if p.Text != "" {
			texts++
		}
	}
	assert.Equal(t, 1, thoughts)
	assert.Equal(t, 1, texts)
}

func TestParseToolResultContent(t *testing.T) {
	assert.Equal(t, "Command executed successfully.", parseToolResultContent(nil, false))
	assert.Equal(t, "Tool execution failed with no output.", parseToolResultContent(nil, true))
	assert.Equal(t, "ok", parseToolResultContent(json.RawMessage(`"ok"`), false))
	assert.Equal(t, "a\nb", parseToolResultContent(json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`), false))
}
