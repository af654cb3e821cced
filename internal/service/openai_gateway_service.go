package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
	"github.com/zelo-labs/relaygate/internal/pkg/httpclient"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
)

// ConvertOpenAIToClaude chat completions 请求转 Anthropic messages。
// system/developer 消息并入 system 字段，tool 消息转 tool_result 块。
func ConvertOpenAIToClaude(req *openai.ChatCompletionRequest) (*antigravity.ClaudeRequest, error) {
	out := &antigravity.ClaudeRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if req.TopP != nil {
		out.TopP = req.TopP
	}
	if req.User != "" {
		out.Metadata = &antigravity.ClaudeMetadata{UserID: req.User}
	}

	var systems []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if text := m.ContentText(); text != "" {
				systems = append(systems, text)
			}

		case "tool":
			block := []antigravity.ContentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   json.RawMessage(fmt.Sprintf("%q", m.ContentText())),
			}}
			raw, err := json.Marshal(block)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, antigravity.ClaudeMessage{Role: "user", Content: raw})

		case "assistant":
			var blocks []antigravity.ContentBlock
			if text := m.ContentText(); text != "" {
				blocks = append(blocks, antigravity.ContentBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage("{}")
				if tc.Function.Arguments != "" {
					input = json.RawMessage(tc.Function.Arguments)
				}
				blocks = append(blocks, antigravity.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			raw, err := json.Marshal(blocks)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, antigravity.ClaudeMessage{Role: "assistant", Content: raw})

		default: // user
			raw, err := json.Marshal(m.ContentText())
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, antigravity.ClaudeMessage{Role: "user", Content: raw})
		}
	}

	if len(systems) > 0 {
		raw, err := json.Marshal(strings.Join(systems, "\n"))
		if err != nil {
			return nil, err
		}
		out.System = raw
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, antigravity.ClaudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out, nil
}

// ForwardClaudeForOpenAI Claude 上游，OpenAI 方言出口
func (s *GatewayService) ForwardClaudeForOpenAI(ctx context.Context, c *gin.Context, account *Account, token string, claudeReq *antigravity.ClaudeRequest, stream bool) (*ForwardResult, error) {
	// 上游始终走流式，便于统一翻译
	upstream := *claudeReq
	upstream.Stream = true
	body, err := json.Marshal(&upstream)
	if err != nil {
		return nil, err
	}

	url := claudeAPIURL
	if base := account.BaseURL(); base != "" {
		url = strings.TrimSuffix(base, "/") + "/v1/messages?beta=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("anthropic-version", anthropicVersion)
	applyStainlessHeaders(req.Header)

	client := httpclient.GetClient(httpclient.Options{
		IdleConnTimeout:    httpclient.IdleTimeoutAnthropic,
		InsecureSkipVerify: config.SkipTLSValidate(),
		NodeTLSFingerprint: true,
	})
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readErrorResult(resp)
	}
	if stream {
		return s.claudeSSEToOpenAIStream(c, resp, claudeReq.Model)
	}
	return s.claudeSSEToOpenAIJSON(c, resp, claudeReq.Model)
}

// ForwardAntigravityForOpenAI Antigravity 上游，OpenAI 方言出口
func (s *GatewayService) ForwardAntigravityForOpenAI(ctx context.Context, c *gin.Context, account *Account, token string, claudeReq *antigravity.ClaudeRequest, stream bool) (*ForwardResult, error) {
	mappedModel := antigravity.MapModel(account.MapModel(claudeReq.Model))
	projectID := antigravityProjectID(account)

	upstreamBody, err := antigravity.TransformClaudeToGemini(claudeReq, projectID, mappedModel)
	if err != nil {
		return nil, err
	}

	urls := []string{s.cfg.Antigravity.UpstreamURL}
	if s.cfg.Antigravity.FallbackURL != "" {
		urls = append(urls, s.cfg.Antigravity.FallbackURL)
	}

	var resp *http.Response
	var lastErr error
	for _, base := range urls {
		url := strings.TrimSuffix(base, "/") + "/v1internal:streamGenerateContent?alt=sse"
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(upstreamBody))
		if rerr != nil {
			return nil, rerr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", "antigravity")

		client := httpclient.GetClient(httpclient.Options{
			IdleConnTimeout:    httpclient.IdleTimeoutAnthropic,
			InsecureSkipVerify: config.SkipTLSValidate(),
		})
		resp, lastErr = client.Do(req)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readErrorResult(resp)
	}
	if stream {
		return s.geminiSSEToOpenAIStream(c, resp, claudeReq.Model)
	}
	return s.geminiSSEToOpenAIJSON(c, resp, claudeReq.Model)
}

// claudeSSEToOpenAIStream Anthropic SSE 事件流翻译为 chat.completion.chunk
func (s *GatewayService) claudeSSEToOpenAIStream(c *gin.Context, resp *http.Response, model string) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)

	res := &ForwardResult{StatusCode: http.StatusOK, Header: resp.Header, Started: true}
	emitter := NewOpenAIChunkEmitter(NewSSEWriter(c.Writer), model)

	err := s.scanUpstreamLines(c.Request.Context(), resp.Body, func(line string) error {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || strings.TrimSpace(data) == "" {
			return nil
		}
		return translateClaudeSSEEvent(emitter, &res.Usage, data)
	})
	if err != nil {
		return res, err
	}
	emitter.SetUsage(res.Usage.InputTokens, res.Usage.OutputTokens)
	return res, emitter.Finish()
}

// translateClaudeSSEEvent 单个 Anthropic SSE data 载荷 → OpenAI 增量
func translateClaudeSSEEvent(emitter *OpenAIChunkEmitter, usage *UsageTotals, data string) error {
	root := gjson.Parse(data)
	switch root.Get("type").String() {
	case "message_start":
		mergeAnthropicSSEUsage(usage, data)
		return nil
	case "message_delta":
		mergeAnthropicSSEUsage(usage, data)
		return nil
	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			return emitter.OpenToolCall(block.Get("id").String(), block.Get("name").String())
		}
		return nil
	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return emitter.EmitText(delta.Get("text").String())
		case "thinking_delta":
			return emitter.EmitReasoning(delta.Get("thinking").String())
		case "input_json_delta":
			return emitter.EmitToolArguments(delta.Get("partial_json").String())
		}
		return nil
	}
	return nil
}

// claudeSSEToOpenAIJSON 聚合 Anthropic SSE 为单个 chat.completion
func (s *GatewayService) claudeSSEToOpenAIJSON(c *gin.Context, resp *http.Response, model string) (*ForwardResult, error) {
	res := &ForwardResult{StatusCode: http.StatusOK, Header: resp.Header, Started: true}

	var text strings.Builder
	var toolCalls []openai.ToolCall
	toolArgs := map[string]*strings.Builder{}
	currentTool := ""

	err := s.scanUpstreamLines(c.Request.Context(), resp.Body, func(line string) error {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || strings.TrimSpace(data) == "" {
			return nil
		}
		root := gjson.Parse(data)
		switch root.Get("type").String() {
		case "message_start", "message_delta":
			mergeAnthropicSSEUsage(&res.Usage, data)
		case "content_block_start":
			block := root.Get("content_block")
			if block.Get("type").String() == "tool_use" {
				id := block.Get("id").String()
				idx := len(toolCalls)
				toolCalls = append(toolCalls, openai.ToolCall{
					Index:    &idx,
					ID:       id,
					Type:     "function",
					Function: openai.ToolCallFunction{Name: block.Get("name").String()},
				})
				toolArgs[id] = &strings.Builder{}
				currentTool = id
			}
		case "content_block_delta":
			delta := root.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				text.WriteString(delta.Get("text").String())
			case "input_json_delta":
				if b, ok := toolArgs[currentTool]; ok {
					b.WriteString(delta.Get("partial_json").String())
				}
			}
		}
		return nil
	})
	if err != nil {
		return &ForwardResult{StatusCode: http.StatusBadGateway, Header: resp.Header}, err
	}

	finish := "stop"
	for i := range toolCalls {
		finish = "tool_calls"
		if b, ok := toolArgs[toolCalls[i].ID]; ok && b.Len() > 0 {
			toolCalls[i].Function.Arguments = b.String()
		} else {
			toolCalls[i].Function.Arguments = "{}"
		}
	}

	c.JSON(http.StatusOK, openai.ChatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index: 0,
			Message: &openai.ResponseMessage{
				Role:      "assistant",
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: &finish,
		}},
		Usage: &openai.Usage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	})
	return res, nil
}

// geminiSSEToOpenAIStream Gemini SSE 增量 → chat.completion.chunk
func (s *GatewayService) geminiSSEToOpenAIStream(c *gin.Context, resp *http.Response, model string) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)

	res := &ForwardResult{StatusCode: http.StatusOK, Header: resp.Header, Started: true}
	emitter := NewOpenAIChunkEmitter(NewSSEWriter(c.Writer), model)

	err := s.scanUpstreamLines(c.Request.Context(), resp.Body, func(line string) error {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || strings.TrimSpace(data) == "" {
			return nil
		}
		var chunk antigravity.GeminiResponse
		if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
			return nil
		}
		return s.emitGeminiChunkOpenAI(emitter, &chunk, res)
	})
	if err != nil {
		return res, err
	}
	emitter.SetUsage(res.Usage.InputTokens, res.Usage.OutputTokens)
	return res, emitter.Finish()
}

func (s *GatewayService) emitGeminiChunkOpenAI(emitter *OpenAIChunkEmitter, chunk *antigravity.GeminiResponse, res *ForwardResult) error {
	candidates, usage := chunk.Unwrap()
	if usage != nil {
		res.Usage.InputTokens = usage.PromptTokenCount
		res.Usage.OutputTokens = usage.CandidatesTokenCount + usage.ThoughtsTokenCount
		res.Usage.CacheReadTokens = usage.CachedContentTokenCount
	}
	for _, cand := range candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				id := part.FunctionCall.ID
				if id == "" {
					id = "call_" + uuid.New().String()
				}
				if err := emitter.OpenToolCall(id, part.FunctionCall.Name); err != nil {
					return err
				}
				args := "{}"
				if len(part.FunctionCall.Args) > 0 {
					args = string(part.FunctionCall.Args)
				}
				if err := emitter.EmitToolArguments(args); err != nil {
					return err
				}
			case part.Thought:
				if !s.cfg.Antigravity.ReturnThoughts {
					continue
				}
				if err := emitter.EmitReasoning(part.Text); err != nil {
					return err
				}
			case part.Text != "":
				if err := emitter.EmitText(part.Text); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// geminiSSEToOpenAIJSON 聚合 Gemini 流为单个 chat.completion
func (s *GatewayService) geminiSSEToOpenAIJSON(c *gin.Context, resp *http.Response, model string) (*ForwardResult, error) {
	res := &ForwardResult{StatusCode: http.StatusOK, Header: resp.Header, Started: true}

	var text strings.Builder
	var toolCalls []openai.ToolCall

	err := s.scanUpstreamLines(c.Request.Context(), resp.Body, func(line string) error {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || strings.TrimSpace(data) == "" {
			return nil
		}
		var chunk antigravity.GeminiResponse
		if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
			return nil
		}
		candidates, usage := chunk.Unwrap()
		if usage != nil {
			res.Usage.InputTokens = usage.PromptTokenCount
			res.Usage.OutputTokens = usage.CandidatesTokenCount + usage.ThoughtsTokenCount
		}
		for _, cand := range candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.New().String()
					}
					args := "{}"
					if len(part.FunctionCall.Args) > 0 {
						args = string(part.FunctionCall.Args)
					}
					idx := len(toolCalls)
					toolCalls = append(toolCalls, openai.ToolCall{
						Index:    &idx,
						ID:       id,
						Type:     "function",
						Function: openai.ToolCallFunction{Name: part.FunctionCall.Name, Arguments: args},
					})
				case part.Thought:
					// 非流式出口不回传 thinking
				case part.Text != "":
					text.WriteString(part.Text)
				}
			}
		}
		return nil
	})
	if err != nil {
		return &ForwardResult{StatusCode: http.StatusBadGateway, Header: resp.Header}, err
	}

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	c.JSON(http.StatusOK, openai.ChatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index: 0,
			Message: &openai.ResponseMessage{
				Role:      "assistant",
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: &finish,
		}},
		Usage: &openai.Usage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	})
	return res, nil
}
