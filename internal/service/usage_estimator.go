package service

import (
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Tokenizer 外部分词器；默认实现用粗粒度字符估算
type Tokenizer func(text string) int

// DefaultTokenizer 约 4 字符/token 的经验估算，CJK 按字计
func DefaultTokenizer(text string) int {
	if text == "" {
		return 0
	}
	ascii := 0
	wide := 0
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			wide++
		}
	}
	n := ascii/4 + wide
	if n == 0 && utf8.RuneCountInString(text) > 0 {
		n = 1
	}
	return n
}

const imageTokenCost = 300

// UsageEstimator 用量估算器（C7）；上游缺失 usage 时兜底
type UsageEstimator struct {
	tokenize Tokenizer
}

func NewUsageEstimator(tokenize Tokenizer) *UsageEstimator {
	if tokenize == nil {
		tokenize = DefaultTokenizer
	}
	return &UsageEstimator{tokenize: tokenize}
}

// CountText 直接分词
func (e *UsageEstimator) CountText(text string) int {
	return e.tokenize(text)
}

// EstimateAnthropicInput 估算请求体 input tokens：
// 遍历 system/systems/messages/contents 里所有文本态字段，
// 图像按固定 300 token 计，下限 1。
func (e *UsageEstimator) EstimateAnthropicInput(body []byte) int {
	total := 0

	root := gjson.ParseBytes(body)

	// system 字符串或块数组
	if sys := root.Get("system"); sys.Exists() {
		total += e.countValue(sys)
	}
	if systems := root.Get("systems"); systems.IsArray() {
		systems.ForEach(func(_, v gjson.Result) bool {
			total += e.countValue(v)
			return true
		})
	}

	for _, listPath := range []string{"messages", "contents"} {
		list := root.Get(listPath)
		if !list.IsArray() {
			continue
		}
		list.ForEach(func(_, msg gjson.Result) bool {
			if content := msg.Get("content"); content.Exists() {
				total += e.countValue(content)
			}
			if parts := msg.Get("parts"); parts.IsArray() {
				parts.ForEach(func(_, p gjson.Result) bool {
					total += e.countValue(p)
					return true
				})
			}
			return true
		})
	}

	if total < 1 {
		total = 1
	}
	return total
}

// countValue 统计任意 content 值：字符串直接计；
// 对象取 text/thinking/input；数组逐项递归
func (e *UsageEstimator) countValue(v gjson.Result) int {
	switch {
	case v.Type == gjson.String:
		return e.tokenize(v.String())

	case v.IsArray():
		total := 0
		v.ForEach(func(_, item gjson.Result) bool {
			total += e.countValue(item)
			return true
		})
		return total

	case v.IsObject():
		total := 0
		if t := v.Get("type"); t.String() == "image" {
			return imageTokenCost
		}
		if inline := v.Get("inlineData"); inline.Exists() {
			return imageTokenCost
		}
		for _, field := range []string{"text", "thinking"} {
			if f := v.Get(field); f.Type == gjson.String {
				total += e.tokenize(f.String())
			}
		}
		// tool_use input 序列化后计入
		if input := v.Get("input"); input.Exists() && input.Type != gjson.Null {
			total += e.tokenize(input.Raw)
		}
		if args := v.Get("functionCall.args"); args.Exists() {
			total += e.tokenize(args.Raw)
		}
		if content := v.Get("content"); content.Exists() {
			total += e.countValue(content)
		}
		return total
	}
	return 0
}

// NormalizeUsageTotals 校核 P5：prompt+completion 应等于 total；
// total 缺失（0）时不做约束
func NormalizeUsageTotals(prompt, completion, total int) (int, int, int) {
	if total > 0 && prompt+completion != total {
		// 上游给的 total 权威，completion 反推
		if prompt <= total {
			completion = total - prompt
		} else {
			prompt = total
			completion = 0
		}
	}
	return prompt, completion, total
}

// GuessFirstUserText 取首条 user 文本（日志与估算兜底用）
func GuessFirstUserText(body []byte) string {
	root := gjson.ParseBytes(body)
	var found string
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		content := msg.Get("content")
		if content.Type == gjson.String {
			found = content.String()
			return false
		}
		content.ForEach(func(_, b gjson.Result) bool {
			if b.Get("type").String() == "text" {
				found = b.Get("text").String()
				return false
			}
			return true
		})
		return found == ""
	})
	return strings.TrimSpace(found)
}
