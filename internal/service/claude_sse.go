package service

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// SSEWriter 下游 SSE 写入器；每次写入后立即 flush
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteEvent 输出 "event: X\ndata: {json}\n\n"
func (s *SSEWriter) WriteEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WriteRaw 透传一行原始数据
func (s *SSEWriter) WriteRaw(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, line); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// blockKind 当前打开的内容块类型
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// ClaudeSSEEmitter Anthropic SSE 发射状态机。
// 不变量：至多一个块处于打开状态；每个 content_block_start
// 在下一个 start 或 message_stop 前恰好配一个 content_block_stop。
type ClaudeSSEEmitter struct {
	w     *SSEWriter
	model string

	messageSent  bool
	blockIndex   int
	current      blockKind
	sawToolUse   bool
	finishReason string

	inputTokens  int
	outputTokens int

	finished bool
}

func NewClaudeSSEEmitter(w *SSEWriter, model string) *ClaudeSSEEmitter {
	return &ClaudeSSEEmitter{w: w, model: model}
}

// Start 发送 message_start；幂等
func (e *ClaudeSSEEmitter) Start(inputTokens int) error {
	if e.messageSent {
		return nil
	}
	e.messageSent = true
	e.inputTokens = inputTokens
	return e.w.WriteEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            "msg_" + uuid.New().String(),
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  inputTokens,
				"output_tokens": 0,
			},
		},
	})
}

// EmitText 文本增量；必要时先切块
func (e *ClaudeSSEEmitter) EmitText(delta string) error {
	if delta == "" {
		return nil
	}
	if err := e.openBlock(blockText, nil); err != nil {
		return err
	}
	return e.w.WriteEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": delta},
	})
}

// EmitThinking thinking 增量；signature 仅在开块时带上
func (e *ClaudeSSEEmitter) EmitThinking(delta, signature string) error {
	start := map[string]any{"type": "thinking", "thinking": ""}
	if signature != "" {
		start["signature"] = signature
	}
	if err := e.openBlock(blockThinking, start); err != nil {
		return err
	}
	if delta == "" {
		return nil
	}
	return e.w.WriteEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": map[string]any{"type": "thinking_delta", "thinking": delta},
	})
}

// EmitSignature thinking 块收到迟到的 signature
func (e *ClaudeSSEEmitter) EmitSignature(signature string) error {
	if e.current != blockThinking || signature == "" {
		return nil
	}
	return e.w.WriteEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": map[string]any{"type": "signature_delta", "signature": signature},
	})
}

// OpenTool 打开 tool_use 块
func (e *ClaudeSSEEmitter) OpenTool(id, name string) error {
	e.sawToolUse = true
	return e.openBlock(blockToolUse, map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  name,
		"input": map[string]any{},
	})
}

// EmitToolInput tool 入参 JSON 片段
func (e *ClaudeSSEEmitter) EmitToolInput(partialJSON string) error {
	if e.current != blockToolUse || partialJSON == "" {
		return nil
	}
	return e.w.WriteEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partialJSON},
	})
}

// CloseBlock 关闭当前块；无块打开时为 no-op
func (e *ClaudeSSEEmitter) CloseBlock() error {
	if e.current == blockNone {
		return nil
	}
	err := e.w.WriteEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.blockIndex,
	})
	e.current = blockNone
	e.blockIndex++
	return err
}

// openBlock 切换到目标块类型；同类块复用，异类块先 stop 再 start
func (e *ClaudeSSEEmitter) openBlock(kind blockKind, contentBlock map[string]any) error {
	if e.current == kind {
		return nil
	}
	if err := e.CloseBlock(); err != nil {
		return err
	}
	if contentBlock == nil {
		contentBlock = map[string]any{"type": "text", "text": ""}
	}
	if err := e.w.WriteEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.blockIndex,
		"content_block": contentBlock,
	}); err != nil {
		return err
	}
	e.current = kind
	return nil
}

// SetFinishReason 记录上游 finishReason（MAX_TOKENS 等）
func (e *ClaudeSSEEmitter) SetFinishReason(reason string) { e.finishReason = reason }

// SetOutputTokens 记录输出 token 数
func (e *ClaudeSSEEmitter) SetOutputTokens(n int) { e.outputTokens = n }

// AddOutputTokens 累加输出 token 数
func (e *ClaudeSSEEmitter) AddOutputTokens(n int) { e.outputTokens += n }

// StopReason 按优先级决定 stop_reason：tool_use > max_tokens > end_turn
func (e *ClaudeSSEEmitter) StopReason() string {
	switch {
	case e.sawToolUse:
		return "tool_use"
	case e.finishReason == "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// Finish 关闭残留块并发送 message_delta/message_stop；幂等
func (e *ClaudeSSEEmitter) Finish() error {
	if e.finished {
		return nil
	}
	e.finished = true

	if err := e.CloseBlock(); err != nil {
		return err
	}
	if err := e.w.WriteEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   e.StopReason(),
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"input_tokens":  e.inputTokens,
			"output_tokens": e.outputTokens,
		},
	}); err != nil {
		return err
	}
	return e.w.WriteEvent("message_stop", map[string]any{"type": "message_stop"})
}

// Abort 客户端断开时兜底：只维护状态机不变量，不再关心写入错误
func (e *ClaudeSSEEmitter) Abort() {
	if e.finished {
		return
	}
	_ = e.Finish()
}

// Started message_start 是否已发出
func (e *ClaudeSSEEmitter) Started() bool { return e.messageSent }
