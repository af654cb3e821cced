package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
)

func stickyKeyFromJSON(t *testing.T, body []byte) string {
	t.Helper()
	var req antigravity.ClaudeRequest
	require.NoError(t, json.Unmarshal(body, &req))
	return BuildAnthropicStickyKey(&req, "")
}

func TestStickyKeyDiffersByThreadID(t *testing.T) {
	// 首条 prompt/system/tools 完全相同的两个会话不能共用一个 key
	body := []byte(`{"metadata":{"user_id":"u1"},"system":"s","messages":[{"role":"user","content":"q"}]}`)
	var req antigravity.ClaudeRequest
	require.NoError(t, json.Unmarshal(body, &req))

	t1 := BuildAnthropicStickyKey(&req, "thread-1")
	t2 := BuildAnthropicStickyKey(&req, "thread-2")
	none := BuildAnthropicStickyKey(&req, "")
	assert.NotEqual(t, t1, t2)
	assert.NotEqual(t, t1, none)
	// 同一会话可复现
	assert.Equal(t, t1, BuildAnthropicStickyKey(&req, "thread-1"))
}

func TestStickyKeyToolOrderInvariant(t *testing.T) {
	k1 := stickyKeyFromJSON(t, []byte(`{"messages":[{"role":"user","content":"q"}],
		"tools":[{"name":"alpha"},{"name":"beta"}]}`))
	k2 := stickyKeyFromJSON(t, []byte(`{"messages":[{"role":"user","content":"q"}],
		"tools":[{"name":"beta"},{"name":"alpha"}]}`))
	assert.Equal(t, k1, k2, "tool declaration order must not change the key")
}

func TestStickyKeyDiffersByUser(t *testing.T) {
	k1 := stickyKeyFromJSON(t, []byte(`{"metadata":{"user_id":"u1"},"messages":[{"role":"user","content":"q"}]}`))
	k2 := stickyKeyFromJSON(t, []byte(`{"metadata":{"user_id":"u2"},"messages":[{"role":"user","content":"q"}]}`))
	assert.NotEqual(t, k1, k2)
}

func TestStickyKeyUsesEarliestUserText(t *testing.T) {
	// 追加后续轮次不改变 key：种子取最早的 user 文本
	base := stickyKeyFromJSON(t, []byte(`{"messages":[
		{"role":"user","content":"first question"}
	]}`))
	longer := stickyKeyFromJSON(t, []byte(`{"messages":[
		{"role":"user","content":"first question"},
		{"role":"assistant","content":"answer"},
		{"role":"user","content":"follow up"}
	]}`))
	assert.Equal(t, base, longer)
}

func TestStickyKeyBlockContent(t *testing.T) {
	str := stickyKeyFromJSON(t, []byte(`{"messages":[{"role":"user","content":"hello"}]}`))
	blocks := stickyKeyFromJSON(t, []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}]}`))
	assert.Equal(t, str, blocks, "string and block content with same text must agree")
}

func TestShortDigestFixedWidth(t *testing.T) {
	for _, in := range []string{"a", "some conversation key", "另一个"} {
		d := ShortDigest(in)
		assert.Len(t, d, 12)
	}
	assert.Equal(t, "-", ShortDigest(""))
	assert.Equal(t, ShortDigest("x"), ShortDigest("x"))
	assert.NotEqual(t, ShortDigest("x"), ShortDigest("y"))
}
