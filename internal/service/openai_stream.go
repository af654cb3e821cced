package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zelo-labs/relaygate/internal/pkg/openai"
)

// OpenAIChunkEmitter 把内部增量转换成 chat.completion.chunk 流。
// 首个有效增量前会补发携带 role 的起始 chunk。
type OpenAIChunkEmitter struct {
	w     *SSEWriter
	id    string
	model string

	created  int64
	roleSent bool
	finished bool

	sawToolCall  bool
	nextToolIdx  int
	currentTool  int
	inToolCall   bool
	outputTokens int
	inputTokens  int
}

func NewOpenAIChunkEmitter(w *SSEWriter, model string) *OpenAIChunkEmitter {
	return &OpenAIChunkEmitter{
		w:           w,
		id:          "chatcmpl-" + uuid.New().String(),
		model:       model,
		created:     time.Now().Unix(),
		currentTool: -1,
	}
}

func (e *OpenAIChunkEmitter) chunk(delta openai.ChunkDelta, finishReason *string, usage *openai.Usage) error {
	c := openai.ChatCompletionChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openai.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return e.w.WriteRaw(fmt.Sprintf("data: %s\n\n", payload))
}

// ensureRole 首个增量前补发 role chunk
func (e *OpenAIChunkEmitter) ensureRole() error {
	if e.roleSent {
		return nil
	}
	e.roleSent = true
	role := "assistant"
	return e.chunk(openai.ChunkDelta{Role: role}, nil, nil)
}

// EmitText 文本增量
func (e *OpenAIChunkEmitter) EmitText(delta string) error {
	if delta == "" {
		return nil
	}
	if err := e.ensureRole(); err != nil {
		return err
	}
	e.inToolCall = false
	return e.chunk(openai.ChunkDelta{Content: delta}, nil, nil)
}

// EmitReasoning thinking 增量走 reasoning_content 扩展字段
func (e *OpenAIChunkEmitter) EmitReasoning(delta string) error {
	if delta == "" {
		return nil
	}
	if err := e.ensureRole(); err != nil {
		return err
	}
	return e.chunk(openai.ChunkDelta{ReasoningContent: delta}, nil, nil)
}

// OpenToolCall 新的 tool call；index 在本次响应内自增
func (e *OpenAIChunkEmitter) OpenToolCall(id, name string) error {
	if err := e.ensureRole(); err != nil {
		return err
	}
	e.sawToolCall = true
	e.inToolCall = true
	idx := e.nextToolIdx
	e.nextToolIdx++
	e.currentTool = idx
	return e.chunk(openai.ChunkDelta{
		ToolCalls: []openai.ToolCall{{
			Index: &idx,
			ID:    id,
			Type:  "function",
			Function: openai.ToolCallFunction{
				Name:      name,
				Arguments: "",
			},
		}},
	}, nil, nil)
}

// EmitToolArguments tool 入参 JSON 片段
func (e *OpenAIChunkEmitter) EmitToolArguments(partialJSON string) error {
	if !e.inToolCall || partialJSON == "" {
		return nil
	}
	idx := e.currentTool
	return e.chunk(openai.ChunkDelta{
		ToolCalls: []openai.ToolCall{{
			Index: &idx,
			Type:  "function",
			Function: openai.ToolCallFunction{
				Arguments: partialJSON,
			},
		}},
	}, nil, nil)
}

// SetUsage 终止 chunk 携带的 usage
func (e *OpenAIChunkEmitter) SetUsage(input, output int) {
	e.inputTokens = input
	e.outputTokens = output
}

// Finish 发送终止 chunk 与 [DONE]；幂等
func (e *OpenAIChunkEmitter) Finish() error {
	if e.finished {
		return nil
	}
	e.finished = true

	if err := e.ensureRole(); err != nil {
		return err
	}
	reason := "stop"
	if e.sawToolCall {
		reason = "tool_calls"
	}
	usage := &openai.Usage{
		PromptTokens:     e.inputTokens,
		CompletionTokens: e.outputTokens,
		TotalTokens:      e.inputTokens + e.outputTokens,
	}
	if err := e.chunk(openai.ChunkDelta{}, &reason, usage); err != nil {
		return err
	}
	return e.w.WriteRaw("data: [DONE]\n\n")
}

// Started role chunk 是否已发出
func (e *OpenAIChunkEmitter) Started() bool { return e.roleSent }
