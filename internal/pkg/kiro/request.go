package kiro

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
)

const (
	chatTriggerManual = "MANUAL"
	originAIEditor    = "AI_EDITOR"
)

// NormalizeOpenAIMessages 将 OpenAI chat 消息归一化：
// system 拼接进首条 user；tool 消息转为携带 tool_result 的 user 消息；
// assistant tool_calls 展开为 tool_use；相邻同角色合并。
func NormalizeOpenAIMessages(messages []openai.ChatMessage) (system string, normalized []Message) {
	var systems []string
	var out []Message

	for _, msg := range messages {
		switch msg.Role {
		case "system", "developer":
			if text := msg.ContentText(); text != "" {
				systems = append(systems, text)
			}

		case "tool":
			out = append(out, Message{
				Role: "user",
				ToolResults: []ToolResult{{
					ToolUseID: msg.ToolCallID,
					Content:   []ToolResultContent{{Text: msg.ContentText()}},
					Status:    "success",
				}},
			})

		case "assistant":
			m := Message{Role: "assistant", Content: msg.ContentText()}
			for _, tc := range msg.ToolCalls {
				m.ToolUses = append(m.ToolUses, ToolUse{
					ToolUseID: tc.ID,
					Name:      tc.Function.Name,
					Input:     json.RawMessage(tc.Function.Arguments),
				})
			}
			out = append(out, m)

		case "user":
			out = append(out, Message{Role: "user", Content: msg.ContentText()})
		}
	}

	return strings.Join(systems, "\n"), mergeAdjacent(out)
}

// mergeAdjacent 合并相邻同角色消息，保持 user/assistant 交替
func mergeAdjacent(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			last := &out[len(out)-1]
			if m.Content != "" {
				if last.Content != "" {
					last.Content += "\n" + m.Content
				} else {
					last.Content = m.Content
				}
			}
			last.ToolUses = append(last.ToolUses, m.ToolUses...)
			last.ToolResults = append(last.ToolResults, m.ToolResults...)
			last.Images = append(last.Images, m.Images...)
			last.CachePoint = last.CachePoint || m.CachePoint
			continue
		}
		out = append(out, m)
	}
	return out
}

// BuildConversationState 组装 CodeWhisperer conversationState。
// system 直接拼接进首条 user 内容；最后一条消息作为 currentMessage。
func BuildConversationState(system string, messages []Message, tools []CWTool, modelID, profileArn string) *GenerateAssistantResponseRequest {
	messages = normalizeHistory(messages)

	if system != "" && len(messages) > 0 {
		for i := range messages {
			if messages[i].Role == "user" {
				if messages[i].Content != "" {
					messages[i].Content = system + "\n\n" + messages[i].Content
				} else {
					messages[i].Content = system
				}
				break
			}
		}
	}

	var history []HistoryEntry
	var current HistoryEntry
	for i, m := range messages {
		entry := toHistoryEntry(m, modelID, nil)
		if i == len(messages)-1 {
			current = toHistoryEntry(m, modelID, tools)
			break
		}
		history = append(history, entry)
	}

	// currentMessage 必须是 userInputMessage；若最后一条是 assistant，
	// 补一个空 user 消息承载
	if current.UserInputMessage == nil {
		history = append(history, current)
		current = HistoryEntry{UserInputMessage: &UserInputMessage{
			Content: "Continue",
			ModelID: modelID,
			Origin:  originAIEditor,
			UserInputMessageContext: &UserInputMessageContext{
				Tools: tools,
			},
		}}
	}

	return &GenerateAssistantResponseRequest{
		ConversationState: ConversationState{
			ChatTriggerType: chatTriggerManual,
			ConversationID:  uuid.New().String(),
			CurrentMessage:  current,
			History:         history,
		},
		ProfileArn: profileArn,
	}
}

// normalizeHistory 处理截断伪迹与交替约束：
// 末尾 assistant 的字面 `{` 丢弃；history 以 user 收尾时插入合成 "Continue"
func normalizeHistory(messages []Message) []Message {
	if n := len(messages); n > 0 {
		last := messages[n-1]
		if last.Role == "assistant" && strings.TrimSpace(last.Content) == "{" && len(last.ToolUses) == 0 {
			messages = messages[:n-1]
		}
	}

	// 除 currentMessage 外的 history 若以 user 收尾，补 assistant "Continue"
	if n := len(messages); n >= 2 && messages[n-1].Role == "user" && messages[n-2].Role == "user" {
		tail := messages[n-1]
		messages = append(messages[:n-1],
			Message{Role: "assistant", Content: "Continue"},
			tail,
		)
	}
	return messages
}

func toHistoryEntry(m Message, modelID string, tools []CWTool) HistoryEntry {
	if m.Role == "assistant" {
		return HistoryEntry{AssistantResponseMessage: &AssistantResponseMessage{
			Content:  m.Content,
			ToolUses: m.ToolUses,
		}}
	}

	uim := &UserInputMessage{
		Content: m.Content,
		ModelID: modelID,
		Origin:  originAIEditor,
		Images:  m.Images,
	}
	if m.CachePoint {
		uim.CachePoint = &CachePoint{Type: "default"}
	}
	if len(tools) > 0 || len(m.ToolResults) > 0 {
		uim.UserInputMessageContext = &UserInputMessageContext{
			Tools:       tools,
			ToolResults: m.ToolResults,
		}
	}
	return HistoryEntry{UserInputMessage: uim}
}

// ConvertOpenAITools 转换 OpenAI function tools 为 CodeWhisperer 工具声明
func ConvertOpenAITools(tools []openai.Tool) []CWTool {
	var out []CWTool
	for _, t := range tools {
		if t.Type != "function" || strings.TrimSpace(t.Function.Name) == "" {
			continue
		}
		params := t.Function.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, CWTool{ToolSpecification: ToolSpecification{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: ToolInputSchema{JSON: params},
		}})
	}
	return out
}

// NormalizeClaudeMessages 将 Anthropic messages 归一化为 Kiro 消息序列
func NormalizeClaudeMessages(req *antigravity.ClaudeRequest) (system string, normalized []Message) {
	if len(req.System) > 0 {
		var s string
		if err := json.Unmarshal(req.System, &s); err == nil {
			system = s
		} else {
			var blocks []antigravity.ContentBlock
			if err := json.Unmarshal(req.System, &blocks); err == nil {
				var texts []string
				for _, b := range blocks {
					if b.Type == "text" && b.Text != "" {
						texts = append(texts, b.Text)
					}
				}
				system = strings.Join(texts, "\n")
			}
		}
	}

	var out []Message
	for _, msg := range req.Messages {
		m := Message{Role: msg.Role}

		var text string
		if err := json.Unmarshal(msg.Content, &text); err == nil {
			m.Content = text
			out = append(out, m)
			continue
		}

		var blocks []antigravity.ContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			if b.CacheControl != nil {
				m.CachePoint = true
			}
			switch b.Type {
			case "text":
				if m.Content != "" {
					m.Content += "\n"
				}
				m.Content += b.Text
			case "image":
				if b.Source != nil && b.Source.Type == "base64" {
					format := strings.TrimPrefix(b.Source.MediaType, "image/")
					m.Images = append(m.Images, ImageBlock{
						Format: format,
						Source: ImageSource{Bytes: b.Source.Data},
					})
				}
			case "tool_use":
				m.ToolUses = append(m.ToolUses, ToolUse{
					ToolUseID: b.ID,
					Name:      b.Name,
					Input:     b.Input,
				})
			case "tool_result":
				status := "success"
				if b.IsError {
					status = "error"
				}
				m.ToolResults = append(m.ToolResults, ToolResult{
					ToolUseID: b.ToolUseID,
					Content:   []ToolResultContent{{Text: toolResultText(b.Content)}},
					Status:    status,
				})
			}
		}
		out = append(out, m)
	}
	return system, mergeAdjacent(out)
}

func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []antigravity.ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(content)
}

// HasSystemCacheAnchor 首条 user 消息是否携带缓存标记。
// system 前缀拼接在首条 user 内容里，该消息上的 cachePoint 即系统提示词的缓存锚点。
func HasSystemCacheAnchor(messages []Message) bool {
	for _, m := range messages {
		if m.Role == "user" {
			return m.CachePoint
		}
	}
	return false
}

// ConvertClaudeTools 转换 Anthropic 工具声明；cache_control 映射为 cachePoint
func ConvertClaudeTools(tools []antigravity.ClaudeTool) []CWTool {
	var out []CWTool
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		cw := CWTool{ToolSpecification: ToolSpecification{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: ToolInputSchema{JSON: params},
		}}
		if t.CacheControl != nil {
			cw.CachePoint = &CachePoint{Type: "default"}
		}
		out = append(out, cw)
	}
	return out
}
