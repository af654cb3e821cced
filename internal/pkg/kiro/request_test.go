package kiro

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
)

func textMsg(role, text string) openai.ChatMessage {
	raw, _ := json.Marshal(text)
	return openai.ChatMessage{Role: role, Content: raw}
}

func TestNormalizeOpenAIMessagesSystemConcat(t *testing.T) {
	system, msgs := NormalizeOpenAIMessages([]openai.ChatMessage{
		textMsg("system", "rule one"),
		textMsg("system", "rule two"),
		textMsg("user", "hi"),
	})

	assert.Equal(t, "rule one\nrule two", system)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
}

func TestNormalizeOpenAIMessagesToolConversion(t *testing.T) {
	args := `{"city":"SF"}`
	_, msgs := NormalizeOpenAIMessages([]openai.ChatMessage{
		textMsg("user", "weather?"),
		{Role: "assistant", ToolCalls: []openai.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: openai.ToolCallFunction{Name: "get_weather", Arguments: args},
		}}},
		{Role: "tool", ToolCallID: "call_1", Content: json.RawMessage(`"sunny"`)},
	})

	require.Len(t, msgs, 3)
	require.Len(t, msgs[1].ToolUses, 1)
	assert.Equal(t, "call_1", msgs[1].ToolUses[0].ToolUseID)
	assert.Equal(t, "get_weather", msgs[1].ToolUses[0].Name)

	require.Len(t, msgs[2].ToolResults, 1)
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolResults[0].ToolUseID)
	assert.Equal(t, "sunny", msgs[2].ToolResults[0].Content[0].Text)
}

func TestNormalizeOpenAIMessagesMergesAdjacentRoles(t *testing.T) {
	_, msgs := NormalizeOpenAIMessages([]openai.ChatMessage{
		textMsg("user", "a"),
		textMsg("user", "b"),
		textMsg("assistant", "c"),
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, "a\nb", msgs[0].Content)
}

func TestBuildConversationStateBasic(t *testing.T) {
	req := BuildConversationState("sys", []Message{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}, nil, "model-x", "arn:aws:profile/1")

	cs := req.ConversationState
	assert.Equal(t, "MANUAL", cs.ChatTriggerType)
	assert.NotEmpty(t, cs.ConversationID)
	assert.Equal(t, "arn:aws:profile/1", req.ProfileArn)

	require.NotNil(t, cs.CurrentMessage.UserInputMessage)
	assert.Equal(t, "q2", cs.CurrentMessage.UserInputMessage.Content)
	assert.Equal(t, "model-x", cs.CurrentMessage.UserInputMessage.ModelID)

	require.Len(t, cs.History, 2)
	// system 拼进首条 user
	assert.Equal(t, "sys\n\nq1", cs.History[0].UserInputMessage.Content)
	assert.Equal(t, "a1", cs.History[1].AssistantResponseMessage.Content)
}

func TestBuildConversationStateDiscardsBraceArtifact(t *testing.T) {
	req := BuildConversationState("", []Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "{"},
	}, nil, "m", "")

	require.NotNil(t, req.ConversationState.CurrentMessage.UserInputMessage)
	assert.Equal(t, "q", req.ConversationState.CurrentMessage.UserInputMessage.Content)
	assert.Empty(t, req.ConversationState.History)
}

func TestBuildConversationStateSyntheticContinue(t *testing.T) {
	// history 以 user 收尾时插入合成 assistant
	req := BuildConversationState("", []Message{
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
	}, nil, "m", "")

	cs := req.ConversationState
	require.Len(t, cs.History, 2)
	require.NotNil(t, cs.History[1].AssistantResponseMessage)
	assert.Equal(t, "Continue", cs.History[1].AssistantResponseMessage.Content)
	assert.Equal(t, "second", cs.CurrentMessage.UserInputMessage.Content)
}

func TestBuildConversationStateAssistantLast(t *testing.T) {
	// 最后一条是 assistant（非伪迹）：挪进 history，currentMessage 用 Continue 占位
	req := BuildConversationState("", []Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "partial answer"},
	}, nil, "m", "")

	cs := req.ConversationState
	require.NotNil(t, cs.CurrentMessage.UserInputMessage)
	assert.Equal(t, "Continue", cs.CurrentMessage.UserInputMessage.Content)
	require.Len(t, cs.History, 2)
	assert.Equal(t, "partial answer", cs.History[1].AssistantResponseMessage.Content)
}

func TestConvertOpenAITools(t *testing.T) {
	tools := ConvertOpenAITools([]openai.Tool{
		{Type: "function", Function: openai.ToolFunction{Name: "f1", Description: "d1"}},
		{Type: "function", Function: openai.ToolFunction{Name: ""}},
		{Type: "web_search", Function: openai.ToolFunction{Name: "ignored"}},
	})

	require.Len(t, tools, 1)
	assert.Equal(t, "f1", tools[0].ToolSpecification.Name)
	assert.NotNil(t, tools[0].ToolSpecification.InputSchema.JSON)
}

func TestNormalizeClaudeMessagesCachePoint(t *testing.T) {
	system, msgs := NormalizeClaudeMessages(&antigravity.ClaudeRequest{
		System: json.RawMessage(`"sys"`),
		Messages: []antigravity.ClaudeMessage{
			{Role: "user", Content: json.RawMessage(
				`[{"type":"text","text":"hello","cache_control":{"type":"ephemeral"}}]`)},
			{Role: "assistant", Content: json.RawMessage(`"hi"`)},
			{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"next"}]`)},
		},
	})

	assert.Equal(t, "sys", system)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].CachePoint)
	assert.False(t, msgs[1].CachePoint)
	assert.False(t, msgs[2].CachePoint)
}

func TestBuildConversationStateEmitsCachePoint(t *testing.T) {
	req := BuildConversationState("sys", []Message{
		{Role: "user", Content: "q1", CachePoint: true},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}, nil, "m", "")

	cs := req.ConversationState
	require.Len(t, cs.History, 2)
	first := cs.History[0].UserInputMessage
	require.NotNil(t, first)
	require.NotNil(t, first.CachePoint)
	assert.Equal(t, "default", first.CachePoint.Type)
	assert.Nil(t, cs.CurrentMessage.UserInputMessage.CachePoint)

	// 序列化后字段名必须是 cachePoint
	raw, err := json.Marshal(first)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cachePoint":{"type":"default"}`)
}

func TestHasSystemCacheAnchor(t *testing.T) {
	assert.True(t, HasSystemCacheAnchor([]Message{
		{Role: "user", Content: "q", CachePoint: true},
		{Role: "assistant", Content: "a"},
	}))
	// 锚点必须落在首条 user 上
	assert.False(t, HasSystemCacheAnchor([]Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "a"},
		{Role: "user", Content: "q2", CachePoint: true},
	}))
	assert.False(t, HasSystemCacheAnchor(nil))
}

func TestMachineID(t *testing.T) {
	// 回退链：uuid ?? profileArn ?? clientId ?? 固定值
	withUUID := MachineID("u-1", "arn", "cid")
	withArn := MachineID("", "arn", "cid")
	withCid := MachineID("", "", "cid")
	fallback := MachineID("", "", "")

	for _, id := range []string{withUUID, withArn, withCid, fallback} {
		assert.Len(t, id, 64)
	}
	assert.NotEqual(t, withUUID, withArn)
	assert.NotEqual(t, withArn, withCid)
	// 同输入可复现
	assert.Equal(t, fallback, MachineID("", "", ""))
}
