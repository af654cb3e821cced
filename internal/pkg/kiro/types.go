// Package kiro 实现 CodeWhisperer 上游的请求构建、事件流解析与额度折算。
package kiro

import "encoding/json"

// GenerateAssistantResponseRequest CodeWhisperer 请求体
type GenerateAssistantResponseRequest struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type ConversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  HistoryEntry   `json:"currentMessage"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry userInputMessage 与 assistantResponseMessage 二选一
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId,omitempty"`
	Origin                  string                   `json:"origin,omitempty"`
	Images                  []ImageBlock             `json:"images,omitempty"`
	// CachePoint 消息级 cache_control 标记
	CachePoint              *CachePoint              `json:"cachePoint,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type UserInputMessageContext struct {
	Tools       []CWTool     `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

type ImageBlock struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes string `json:"bytes"`
}

type CWTool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
	// CachePoint 对应 Anthropic cache_control 标记
	CachePoint *CachePoint `json:"cachePoint,omitempty"`
}

type CachePoint struct {
	Type string `json:"type"`
}

type ToolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

type ToolInputSchema struct {
	JSON map[string]any `json:"json"`
}

type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status,omitempty"`
}

type ToolResultContent struct {
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// Message 构建 conversationState 前的归一化消息（OpenAI/Anthropic 两个入口共用）
type Message struct {
	Role        string // user / assistant
	Content     string
	ToolUses    []ToolUse
	ToolResults []ToolResult
	Images      []ImageBlock
	// CachePoint 消息内容块携带过 cache_control
	CachePoint bool
}
