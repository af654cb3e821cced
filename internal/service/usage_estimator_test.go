package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTokenizer(t *testing.T) {
	assert.Equal(t, 0, DefaultTokenizer(""))
	assert.Equal(t, 1, DefaultTokenizer("hi"))        // 非空下限 1
	assert.Equal(t, 3, DefaultTokenizer("hello world!!")) // 13 ascii / 4
	assert.Equal(t, 2, DefaultTokenizer("你好"))       // CJK 按字计
}

func TestEstimateAnthropicInputBasics(t *testing.T) {
	e := NewUsageEstimator(nil)

	body := []byte(`{
		"system": "you are helpful",
		"messages": [
			{"role": "user", "content": "what is the weather in tokyo today"},
			{"role": "assistant", "content": [{"type": "text", "text": "let me check"}]}
		]
	}`)
	n := e.EstimateAnthropicInput(body)
	assert.Greater(t, n, 5)
}

func TestEstimateAnthropicInputImageCost(t *testing.T) {
	e := NewUsageEstimator(nil)

	withImage := []byte(`{"messages":[{"role":"user","content":[
		{"type":"text","text":"look"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aaaa"}}
	]}]}`)
	textOnly := []byte(`{"messages":[{"role":"user","content":[
		{"type":"text","text":"look"}
	]}]}`)

	assert.Equal(t, e.EstimateAnthropicInput(textOnly)+300, e.EstimateAnthropicInput(withImage))
}

func TestEstimateAnthropicInputFloorOne(t *testing.T) {
	e := NewUsageEstimator(nil)
	assert.Equal(t, 1, e.EstimateAnthropicInput([]byte(`{}`)))
	assert.Equal(t, 1, e.EstimateAnthropicInput([]byte(`{"messages":[]}`)))
}

func TestEstimateAnthropicInputToolUse(t *testing.T) {
	e := NewUsageEstimator(nil)
	body := []byte(`{"messages":[{"role":"assistant","content":[
		{"type":"tool_use","id":"t1","name":"search","input":{"query":"golang streaming json parser"}}
	]}]}`)
	assert.Greater(t, e.EstimateAnthropicInput(body), 3)
}

func TestEstimateAnthropicInputGeminiContents(t *testing.T) {
	e := NewUsageEstimator(nil)
	body := []byte(`{"contents":[{"role":"user","parts":[
		{"text":"summarize the following document please"},
		{"inlineData":{"mimeType":"image/png","data":"aaaa"}}
	]}]}`)
	assert.Greater(t, e.EstimateAnthropicInput(body), 300)
}

func TestNormalizeUsageTotals(t *testing.T) {
	p, c, total := NormalizeUsageTotals(10, 20, 30)
	assert.Equal(t, [3]int{10, 20, 30}, [3]int{p, c, total})

	// total 权威，completion 反推
	p, c, total = NormalizeUsageTotals(10, 25, 30)
	assert.Equal(t, 10, p)
	assert.Equal(t, 20, c)
	assert.Equal(t, 30, total)
	assert.Equal(t, total, p+c)

	// prompt 超出 total 时收缩
	p, c, total = NormalizeUsageTotals(40, 5, 30)
	assert.Equal(t, total, p+c)

	// total 缺失不做约束
	p, c, _ = NormalizeUsageTotals(10, 25, 0)
	assert.Equal(t, 10, p)
	assert.Equal(t, 25, c)
}

func TestGuessFirstUserText(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"assistant","content":"earlier reply"},
		{"role":"user","content":[{"type":"text","text":"  the actual question  "}]}
	]}`)
	assert.Equal(t, "the actual question", GuessFirstUserText(body))

	assert.Empty(t, GuessFirstUserText([]byte(`{"messages":[]}`)))
}

func TestCustomTokenizerInjected(t *testing.T) {
	e := NewUsageEstimator(func(string) int { return 7 })
	assert.Equal(t, 7, e.CountText("anything"))
}
