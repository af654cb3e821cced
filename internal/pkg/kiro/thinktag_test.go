package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect 合并相邻同类片段，便于与整体喂入的结果比较
func collect(segs []Segment, more ...[]Segment) []Segment {
	var all []Segment
	for _, s := range append([][]Segment{segs}, more...) {
		for _, seg := range s {
			if n := len(all); n > 0 && all[n-1].Thinking == seg.Thinking {
				all[n-1].Text += seg.Text
				continue
			}
			all = append(all, seg)
		}
	}
	return all
}

func TestThinkTagSplitterWhole(t *testing.T) {
	s := NewThinkTagSplitter()
	segs := collect(s.Feed("Hello <think>reasoning</think> world"), s.Flush())
	require.Equal(t, []Segment{
		{Thinking: false, Text: "Hello "},
		{Thinking: true, Text: "reasoning"},
		{Thinking: false, Text: " world"},
	}, segs)
}

func TestThinkTagSplitterChunked(t *testing.T) {
	// 标签切断在 chunk 边界上
	s := NewThinkTagSplitter()
	segs := collect(
		s.Feed("Hel"),
		s.Feed("lo <th"),
		s.Feed("ink>reasoning</think> wo"),
		s.Feed("rld"),
		s.Flush(),
	)
	require.Equal(t, []Segment{
		{Thinking: false, Text: "Hello "},
		{Thinking: true, Text: "reasoning"},
		{Thinking: false, Text: " world"},
	}, segs)
}

func TestThinkTagSplitterAnyPartition(t *testing.T) {
	input := "a<think>bb</think>c<think>d</think>"
	want := []Segment{
		{Thinking: false, Text: "a"},
		{Thinking: true, Text: "bb"},
		{Thinking: false, Text: "c"},
		{Thinking: true, Text: "d"},
	}

	// 所有单切点划分都应与整体喂入等价
	for cut := 1; cut < len(input); cut++ {
		s := NewThinkTagSplitter()
		segs := collect(s.Feed(input[:cut]), s.Feed(input[cut:]), s.Flush())
		assert.Equal(t, want, segs, "cut at %d", cut)
	}

	// 逐字节喂入
	s := NewThinkTagSplitter()
	var parts [][]Segment
	for i := 0; i < len(input); i++ {
		parts = append(parts, s.Feed(input[i:i+1]))
	}
	parts = append(parts, s.Flush())
	segs := collect(parts[0], parts[1:]...)
	assert.Equal(t, want, segs)
}

func TestThinkTagSplitterUnclosedTagIsText(t *testing.T) {
	s := NewThinkTagSplitter()
	segs := collect(s.Feed("plain <thi"), s.Flush())
	require.Equal(t, []Segment{{Thinking: false, Text: "plain <thi"}}, segs)
}

func TestThinkTagSplitterNoTags(t *testing.T) {
	s := NewThinkTagSplitter()
	segs := collect(s.Feed("just text"), s.Flush())
	require.Equal(t, []Segment{{Thinking: false, Text: "just text"}}, segs)
}
