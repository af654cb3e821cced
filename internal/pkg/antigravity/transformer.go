// Package antigravity 实现 Anthropic messages → Gemini v1internal 的纯转换。
// 包内函数不做任何 I/O，转发层负责签发请求。
package antigravity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStopSequences 上游约定的停止序列
var DefaultStopSequences = []string{
	"<|user|>",
	"<|bot|>",
	"<|context_request|>",
	"<|endoftext|>",
	"<|end_of_turn|>",
}

// DummyThoughtSignature 用于跳过 Gemini thought_signature 校验
const DummyThoughtSignature = "skip_thought_signature_validator"

var (
	sessionRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
	sessionRandMu sync.Mutex
)

// TransformClaudeToGemini 将 Claude 请求转换为 v1internal Gemini 请求体
func TransformClaudeToGemini(claudeReq *ClaudeRequest, projectID, mappedModel string) ([]byte, error) {
	isThinkingEnabled := claudeReq.Thinking != nil && claudeReq.Thinking.Type == "enabled"

	toolIDToName := make(map[string]string)
	contents, err := buildContents(claudeReq.Messages, toolIDToName)
	if err != nil {
		return nil, fmt.Errorf("build contents: %w", err)
	}

	// 重组 pass：parts 摊平为一条消息一个 part，
	// functionCall 之后紧跟携带对应 functionResponse 的 user 消息
	contents = reorganizeContents(contents)

	innerRequest := GeminiRequest{
		Contents: contents,
		ToolConfig: &GeminiToolConfig{
			FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "VALIDATED"},
		},
		SessionID: stableSessionID(contents),
	}
	if si := buildSystemInstruction(claudeReq.System); si != nil {
		innerRequest.SystemInstruction = si
	}
	innerRequest.GenerationConfig = buildGenerationConfig(claudeReq, isThinkingEnabled)
	if tools := buildTools(claudeReq.Tools); len(tools) > 0 {
		innerRequest.Tools = tools
	}
	if claudeReq.Metadata != nil && claudeReq.Metadata.UserID != "" {
		innerRequest.SessionID = claudeReq.Metadata.UserID
	}

	v1Req := V1InternalRequest{
		Project:     projectID,
		RequestID:   "agent-" + uuid.New().String(),
		UserAgent:   "antigravity",
		RequestType: "agent",
		Model:       mappedModel,
		Request:     innerRequest,
	}
	return json.Marshal(v1Req)
}

// stableSessionID 基于首条 user 消息文本生成稳定 session ID，便于上游命中缓存
func stableSessionID(contents []GeminiContent) string {
	for _, content := range contents {
		if content.Role == "user" && len(content.Parts) > 0 {
			if text := content.Parts[0].Text; text != "" {
				h := sha256.Sum256([]byte(text))
				n := int64(binary.BigEndian.Uint64(h[:8])) & 0x7FFFFFFFFFFFFFFF
				return "-" + strconv.FormatInt(n, 10)
			}
		}
	}
	sessionRandMu.Lock()
	n := sessionRand.Int63n(9_000_000_000_000_000_000)
	sessionRandMu.Unlock()
	return "-" + strconv.FormatInt(n, 10)
}

func buildContents(messages []ClaudeMessage, toolIDToName map[string]string) ([]GeminiContent, error) {
	var contents []GeminiContent
	for i, msg := range messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		parts, err := buildParts(msg.Content, toolIDToName)
		if err != nil {
			return nil, fmt.Errorf("build parts for message %d: %w", i, err)
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, GeminiContent{Role: role, Parts: parts})
	}
	return contents, nil
}

func buildParts(content json.RawMessage, toolIDToName map[string]string) ([]GeminiPart, error) {
	var parts []GeminiPart

	var textContent string
	if err := json.Unmarshal(content, &textContent); err == nil {
		if strings.TrimSpace(textContent) != "" {
			parts = append(parts, GeminiPart{Text: textContent})
		}
		return parts, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, fmt.Errorf("parse content blocks: %w", err)
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" {
				parts = append(parts, GeminiPart{Text: block.Text})
			}

		case "thinking", "redacted_thinking":
			// 无 signature 的 thinking 块上游会拒绝，丢弃
			if block.Signature == "" {
				continue
			}
			parts = append(parts, GeminiPart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})

		case "image":
			if block.Source != nil && block.Source.Type == "base64" {
				parts = append(parts, GeminiPart{
					InlineData: &GeminiInlineData{
						MimeType: block.Source.MediaType,
						Data:     block.Source.Data,
					},
				})
			}

		case "tool_use":
			if block.ID != "" && block.Name != "" {
				toolIDToName[block.ID] = block.Name
			}
			parts = append(parts, GeminiPart{
				FunctionCall: &GeminiFunctionCall{
					ID:   block.ID,
					Name: block.Name,
					Args: block.Input,
				},
			})

		case "tool_result":
			funcName := block.Name
			if funcName == "" {
				if name, ok := toolIDToName[block.ToolUseID]; ok {
					funcName = name
				} else {
					funcName = block.ToolUseID
				}
			}
			parts = append(parts, GeminiPart{
				FunctionResponse: &GeminiFunctionResponse{
					ID:   block.ToolUseID,
					Name: funcName,
					Response: map[string]any{
						"output": parseToolResultContent(block.Content, block.IsError),
					},
				},
			})
		}
	}
	return parts, nil
}

func parseToolResultContent(content json.RawMessage, isError bool) string {
	fallback := func() string {
		if isError {
			return "Tool execution failed with no output."
		}
		return "Command executed successfully."
	}

	if len(content) == 0 {
		return fallback()
	}

	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		if strings.TrimSpace(str) == "" {
			return fallback()
		}
		return str
	}

	// 数组形式：拼接所有 text 块
	var arr []map[string]any
	if err := json.Unmarshal(content, &arr); err == nil {
		var texts []string
		for _, item := range arr {
			if text, ok := item["text"].(string); ok {
				texts = append(texts, text)
			}
		}
		joined := strings.Join(texts, "\n")
		if strings.TrimSpace(joined) == "" {
			return fallback()
		}
		return joined
	}

	return string(content)
}

// reorganizeContents 摊平 parts 并重排 functionCall/functionResponse 配对。
// 上游要求每个 functionCall（model 角色）之后必须立即出现携带对应
// functionResponse 的 user 消息，按 id 匹配。
func reorganizeContents(contents []GeminiContent) []GeminiContent {
	// 先摊平：一条消息一个 part
	var flat []GeminiContent
	for _, c := range contents {
		for _, p := range c.Parts {
			flat = append(flat, GeminiContent{Role: c.Role, Parts: []GeminiPart{p}})
		}
	}

	// 收集 functionResponse，按 id 索引
	responses := make(map[string]GeminiContent)
	var rest []GeminiContent
	for _, c := range flat {
		if fr := c.Parts[0].FunctionResponse; fr != nil && fr.ID != "" {
			responses[fr.ID] = GeminiContent{Role: "user", Parts: c.Parts}
			continue
		}
		rest = append(rest, c)
	}

	// functionCall 后插入配对的 functionResponse
	var out []GeminiContent
	for _, c := range rest {
		out = append(out, c)
		if fc := c.Parts[0].FunctionCall; fc != nil && fc.ID != "" {
			if resp, ok := responses[fc.ID]; ok {
				out = append(out, resp)
				delete(responses, fc.ID)
			}
		}
	}
	return out
}

// buildSystemInstruction 将 system（字符串或块数组）收敛为单条 user 指令
func buildSystemInstruction(system json.RawMessage) *GeminiContent {
	if len(system) == 0 {
		return nil
	}

	var text string
	var str string
	if err := json.Unmarshal(system, &str); err == nil {
		text = str
	} else {
		var blocks []ContentBlock
		if err := json.Unmarshal(system, &blocks); err == nil {
			var texts []string
			for _, b := range blocks {
				if b.Type == "text" && b.Text != "" {
					texts = append(texts, b.Text)
				}
			}
			text = strings.Join(texts, "\n\n")
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return &GeminiContent{
		Role:  "user",
		Parts: []GeminiPart{{Text: text}},
	}
}

func buildGenerationConfig(req *ClaudeRequest, thinkingEnabled bool) *GeminiGenerationConfig {
	temperature := 0.4
	topP := 1.0
	topK := 40
	config := &GeminiGenerationConfig{
		Temperature:    &temperature,
		TopP:           &topP,
		TopK:           &topK,
		CandidateCount: 1,
		StopSequences:  DefaultStopSequences,
	}

	if req.Temperature != nil {
		config.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = req.MaxTokens
	}

	if thinkingEnabled && req.Thinking != nil {
		tc := &GeminiThinkingConfig{IncludeThoughts: true}
		if req.Thinking.BudgetTokens > 0 {
			budget := req.Thinking.BudgetTokens
			// budget 不允许达到 maxTokens，夹到 maxTokens-1
			if req.MaxTokens > 0 && budget >= req.MaxTokens {
				budget = req.MaxTokens - 1
			}
			tc.ThinkingBudget = budget
		}
		config.ThinkingConfig = tc
	}

	return config
}

func buildTools(tools []ClaudeTool) []GeminiToolDeclaration {
	if len(tools) == 0 {
		return nil
	}
	var funcDecls []GeminiFunctionDecl
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			continue
		}
		params := tool.InputSchema
		if params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		funcDecls = append(funcDecls, GeminiFunctionDecl{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	if len(funcDecls) == 0 {
		return nil
	}
	return []GeminiToolDeclaration{{FunctionDeclarations: funcDecls}}
}
