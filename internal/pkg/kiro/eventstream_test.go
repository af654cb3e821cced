package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(p *EventStreamParser, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, p.Feed([]byte(c))...)
	}
	return events
}

func TestEventStreamParserText(t *testing.T) {
	p := NewEventStreamParser()
	// 二进制信封混入 JSON payload
	events := feedAll(p, "\x00\x00\x01\x23:event-type{\"content\":\"Hello\"}garbage{\"content\":\" world\"}")

	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, " world", events[1].Text)
}

func TestEventStreamParserDedup(t *testing.T) {
	p := NewEventStreamParser()
	events := feedAll(p, `{"content":"dup"}{"content":"dup"}{"content":"next"}`)

	require.Len(t, events, 2)
	assert.Equal(t, "dup", events[0].Text)
	assert.Equal(t, "next", events[1].Text)
}

func TestEventStreamParserSplitAcrossChunks(t *testing.T) {
	p := NewEventStreamParser()
	events := feedAll(p,
		`xx{"content":"par`,
		`tial text"}yy`,
	)
	require.Len(t, events, 1)
	assert.Equal(t, "partial text", events[0].Text)
}

func TestEventStreamParserToolLifecycle(t *testing.T) {
	p := NewEventStreamParser()
	events := feedAll(p,
		`{"name":"get_weather","toolUseId":"t1","input":""}`,
		`{"input":"{\"city\":"}`,
		`{"input":"\"SF\"}"}`,
		`{"stop":true}`,
	)

	require.Len(t, events, 4)
	assert.Equal(t, EventToolOpen, events[0].Type)
	assert.Equal(t, "get_weather", events[0].ToolName)
	assert.Equal(t, "t1", events[0].ToolUseID)
	assert.Equal(t, EventToolInput, events[1].Type)
	assert.Equal(t, `{"city":`, events[1].ToolInput)
	assert.Equal(t, EventToolInput, events[2].Type)
	assert.Equal(t, EventToolStop, events[3].Type)
}

func TestEventStreamParserSingleFrameTool(t *testing.T) {
	p := NewEventStreamParser()
	events := feedAll(p, `{"name":"ping","toolUseId":"t9","input":"{}","stop":true}`)

	require.Len(t, events, 2)
	assert.Equal(t, EventToolOpen, events[0].Type)
	assert.Equal(t, "{}", events[0].ToolInput)
	assert.Equal(t, EventToolStop, events[1].Type)
}

func TestEventStreamParserCreditsAndContext(t *testing.T) {
	p := NewEventStreamParser()
	events := feedAll(p,
		`{"unit":"CREDIT","usage":0.35}`,
		`{"contextUsagePercentage":12.5}`,
	)

	require.Len(t, events, 2)
	assert.Equal(t, EventCredits, events[0].Type)
	assert.InDelta(t, 0.35, events[0].Credits, 1e-9)
	assert.Equal(t, "CREDIT", events[0].Unit)
	assert.Equal(t, EventContextPct, events[1].Type)
	assert.InDelta(t, 12.5, events[1].ContextUsagePercentage, 1e-9)
}

func TestEventStreamParserIgnoresFollowup(t *testing.T) {
	p := NewEventStreamParser()
	events := feedAll(p, `{"followupPrompt":{"content":"more?"}}{"content":"real"}`)

	require.Len(t, events, 1)
	assert.Equal(t, "real", events[0].Text)
}

func TestEventStreamParserBracesInsideStrings(t *testing.T) {
	p := NewEventStreamParser()
	events := feedAll(p, `{"content":"a { b } c \" }"}`)

	require.Len(t, events, 1)
	assert.Equal(t, `a { b } c " }`, events[0].Text)
}
