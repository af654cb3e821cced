package kiro

import (
	"encoding/json"
	"strings"
)

// EventType 事件流解析结果分类
type EventType int

const (
	EventText EventType = iota
	EventToolOpen
	EventToolInput
	EventToolStop
	EventCredits
	EventContextPct
)

// Event AWS event-stream 帧解析出的业务事件
type Event struct {
	Type EventType

	Text string

	ToolUseID string
	ToolName  string
	ToolInput string

	Credits float64
	Unit    string

	ContextUsagePercentage float64
}

// eventPrefixes AWS event-stream 二进制帧里内嵌 JSON 的已知前缀。
// 帧头是二进制信封，这里直接在字节流上扫描 JSON 前缀提取 payload。
var eventPrefixes = []string{
	`{"content":`,
	`{"name":`,
	`{"followupPrompt":`,
	`{"input":`,
	`{"stop":`,
	`{"unit":`,
	`{"contextUsagePercentage":`,
}

// EventStreamParser 增量解析器；Feed 喂入原始字节，返回完整事件
type EventStreamParser struct {
	buf      strings.Builder
	lastText string
	toolOpen bool
}

func NewEventStreamParser() *EventStreamParser {
	return &EventStreamParser{}
}

type rawEvent struct {
	Content                *string         `json:"content"`
	Name                   string          `json:"name"`
	ToolUseID              string          `json:"toolUseId"`
	Input                  *string         `json:"input"`
	Stop                   *bool           `json:"stop"`
	Unit                   string          `json:"unit"`
	Usage                  *float64        `json:"usage"`
	ContextUsagePercentage *float64        `json:"contextUsagePercentage"`
	FollowupPrompt         json.RawMessage `json:"followupPrompt"`
}

// Feed 追加上游字节并返回本次解析出的事件
func (p *EventStreamParser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)
	data := p.buf.String()

	var events []Event
	offset := 0
	for {
		start, ok := findEarliestPrefix(data[offset:])
		if !ok {
			break
		}
		start += offset

		obj, end, complete := extractBalancedObject(data[start:])
		if !complete {
			// 帧未到齐，保留从 start 开始的尾部等待下一个 chunk
			offset = start
			break
		}

		events = append(events, p.classify(obj)...)
		offset = start + end
	}

	p.buf.Reset()
	p.buf.WriteString(data[offset:])
	return events
}

func (p *EventStreamParser) classify(objJSON string) []Event {
	var raw rawEvent
	if err := json.Unmarshal([]byte(objJSON), &raw); err != nil {
		return nil
	}

	switch {
	case raw.FollowupPrompt != nil:
		return nil

	case raw.Content != nil:
		text := *raw.Content
		// 上游偶发重复推送同一 delta，与上一条完全一致时丢弃
		if text == "" || text == p.lastText {
			return nil
		}
		p.lastText = text
		return []Event{{Type: EventText, Text: text}}

	case raw.Name != "" && raw.ToolUseID != "":
		ev := Event{Type: EventToolOpen, ToolUseID: raw.ToolUseID, ToolName: raw.Name}
		if raw.Input != nil {
			ev.ToolInput = *raw.Input
		}
		p.toolOpen = true
		if raw.Stop != nil && *raw.Stop {
			// 单帧完成的工具调用：open 后紧跟 stop
			p.toolOpen = false
			return []Event{ev, {Type: EventToolStop}}
		}
		return []Event{ev}

	case raw.Input != nil:
		if !p.toolOpen {
			return nil
		}
		return []Event{{Type: EventToolInput, ToolInput: *raw.Input}}

	case raw.Stop != nil:
		if !p.toolOpen {
			return nil
		}
		p.toolOpen = false
		return []Event{{Type: EventToolStop}}

	case raw.Unit != "" && raw.Usage != nil:
		return []Event{{Type: EventCredits, Unit: raw.Unit, Credits: *raw.Usage}}

	case raw.ContextUsagePercentage != nil:
		return []Event{{Type: EventContextPct, ContextUsagePercentage: *raw.ContextUsagePercentage}}
	}
	return nil
}

// findEarliestPrefix 返回 data 中最早出现的已知前缀位置
func findEarliestPrefix(data string) (int, bool) {
	best := -1
	for _, prefix := range eventPrefixes {
		if idx := strings.Index(data, prefix); idx >= 0 {
			if best < 0 || idx < best {
				best = idx
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// extractBalancedObject 从 `{` 开始提取配平的 JSON 对象，
// 跟踪字符串与转义，返回对象文本和消费的字节数
func extractBalancedObject(data string) (string, int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return data[:i+1], i + 1, true
			}
		}
	}
	return "", 0, false
}
