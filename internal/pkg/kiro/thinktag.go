package kiro

import "strings"

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// Segment think-tag 切分结果；Thinking 为 true 时 Text 来自标签内部
type Segment struct {
	Thinking bool
	Text     string
}

// ThinkTagSplitter 从纯文本流里切出 <think>…</think> 内容。
// 标签可能被任意切断在 chunk 边界上：若累积文本的尾部是
// <think> 或 </think> 的真前缀，则扣留尾部并拼到下一个 chunk。
type ThinkTagSplitter struct {
	pending  string
	thinking bool
}

func NewThinkTagSplitter() *ThinkTagSplitter {
	return &ThinkTagSplitter{}
}

// Feed 喂入一段文本，返回已经确定归属的片段
func (s *ThinkTagSplitter) Feed(chunk string) []Segment {
	data := s.pending + chunk
	s.pending = ""

	var segs []Segment
	emit := func(thinking bool, text string) {
		if text == "" {
			return
		}
		// 与上一片段同类时合并
		if n := len(segs); n > 0 && segs[n-1].Thinking == thinking {
			segs[n-1].Text += text
			return
		}
		segs = append(segs, Segment{Thinking: thinking, Text: text})
	}

	for data != "" {
		tag := thinkOpenTag
		if s.thinking {
			tag = thinkCloseTag
		}

		idx := strings.Index(data, tag)
		if idx >= 0 {
			emit(s.thinking, data[:idx])
			data = data[idx+len(tag):]
			s.thinking = !s.thinking
			continue
		}

		// 尾部可能是被切断的标签：扣留最长的真前缀
		hold := longestTagPrefixSuffix(data, tag)
		emit(s.thinking, data[:len(data)-hold])
		s.pending = data[len(data)-hold:]
		break
	}
	return segs
}

// Flush 流结束时清空扣留的尾部（未闭合的半截标签按普通文本处理）
func (s *ThinkTagSplitter) Flush() []Segment {
	if s.pending == "" {
		return nil
	}
	seg := Segment{Thinking: s.thinking, Text: s.pending}
	s.pending = ""
	return []Segment{seg}
}

// longestTagPrefixSuffix 返回 data 尾部与 tag 真前缀重叠的最大长度
func longestTagPrefixSuffix(data, tag string) int {
	max := len(tag) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(data, tag[:n]) {
			return n
		}
	}
	return 0
}
