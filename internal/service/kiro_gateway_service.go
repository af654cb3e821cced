package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
	"github.com/zelo-labs/relaygate/internal/pkg/ctxkey"
	"github.com/zelo-labs/relaygate/internal/pkg/httpclient"
	"github.com/zelo-labs/relaygate/internal/pkg/kiro"
	"github.com/zelo-labs/relaygate/internal/pkg/logger"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
)

// KiroGatewayService CodeWhisperer 通道。上游永远以 AWS event-stream
// 返回，非流式请求在网关侧聚合后再回写。
type KiroGatewayService struct {
	cfg       *config.Config
	gw        *GatewayService
	estimator *UsageEstimator
}

func NewKiroGatewayService(cfg *config.Config, gw *GatewayService, estimator *UsageEstimator) *KiroGatewayService {
	return &KiroGatewayService{cfg: cfg, gw: gw, estimator: estimator}
}

// Gateway 暴露底层调度引擎（handler 层组装 Dispatch 用）
func (s *KiroGatewayService) Gateway() *GatewayService { return s.gw }

func kiroUpstreamURL(cred *KiroCredential) string {
	region := cred.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region)
}

// send 构建请求并发送；非 2xx 直接交回调度循环
func (s *KiroGatewayService) send(ctx context.Context, account *Account, token string, reqBody *kiro.GenerateAssistantResponseRequest) (*http.Response, error) {
	cred, ok := account.Credential.(*KiroCredential)
	if !ok {
		return nil, fmt.Errorf("account %d is not a kiro account", account.ID)
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroUpstreamURL(cred), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	machineID := kiro.MachineID(cred.MachineUUID, cred.ProfileArn, cred.ClientID)
	kiro.ApplyHeaders(req.Header, token, machineID)

	client := httpclient.GetClient(httpclient.Options{
		IdleConnTimeout:    httpclient.IdleTimeoutKiro,
		InsecureSkipVerify: config.SkipTLSValidate(),
	})
	return client.Do(req)
}

// kiroStreamState 单次响应的聚合状态
type kiroStreamState struct {
	credits    float64
	contextPct float64
	model      string
	// cacheAnchored 请求里有系统提示词缓存锚点（首条 user 消息带 cachePoint）。
	// 无锚点时额度差额不能记作 cache 命中。
	cacheAnchored bool

	// 非流式聚合
	text     strings.Builder
	thinking strings.Builder
	toolUses []kiro.ToolUse
	toolArgs map[string]*strings.Builder
	openTool string
}

func newKiroStreamState(model string) *kiroStreamState {
	return &kiroStreamState{model: model, cacheAnchored: true, toolArgs: map[string]*strings.Builder{}}
}

// usage 综合信用折算与文本估算得出最终用量
func (st *kiroStreamState) usage(estimator *UsageEstimator) UsageTotals {
	rec := kiro.ReconstructTokens(st.model, st.contextPct, st.credits)
	out := estimator.CountText(st.text.String()) + estimator.CountText(st.thinking.String())
	if out < 1 {
		out = 1
	}
	in := rec.InputTokens
	cacheRead := rec.CacheReadTokens
	if !st.cacheAnchored && cacheRead > 0 {
		in += cacheRead
		cacheRead = 0
	}
	if in < 1 {
		in = 1
	}
	return UsageTotals{
		InputTokens:       in,
		OutputTokens:      out,
		CacheReadTokens:   cacheRead,
		CacheCreateTokens: rec.CacheCreateTokens,
	}
}

// ForwardOpenAI OpenAI chat completions → CodeWhisperer
func (s *KiroGatewayService) ForwardOpenAI(ctx context.Context, c *gin.Context, account *Account, token string, chatReq *openai.ChatCompletionRequest) (*ForwardResult, error) {
	system, normalized := kiro.NormalizeOpenAIMessages(chatReq.Messages)
	tools := kiro.ConvertOpenAITools(chatReq.Tools)
	profileArn := kiroProfileArn(account)
	modelID := account.MapModel(chatReq.Model)
	state := kiro.BuildConversationState(system, normalized, tools, modelID, profileArn)

	resp, err := s.send(ctx, account, token, state)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readErrorResult(resp)
	}
	if chatReq.Stream {
		return s.streamToOpenAI(c, resp, chatReq.Model)
	}
	return s.aggregateToOpenAI(c, resp, chatReq.Model)
}

// ForwardClaude Anthropic messages → CodeWhisperer
func (s *KiroGatewayService) ForwardClaude(ctx context.Context, c *gin.Context, account *Account, token string, claudeReq *antigravity.ClaudeRequest) (*ForwardResult, error) {
	system, normalized := kiro.NormalizeClaudeMessages(claudeReq)
	tools := kiro.ConvertClaudeTools(claudeReq.Tools)
	anchored := kiro.HasSystemCacheAnchor(normalized)
	profileArn := kiroProfileArn(account)
	modelID := account.MapModel(claudeReq.Model)
	state := kiro.BuildConversationState(system, normalized, tools, modelID, profileArn)

	resp, err := s.send(ctx, account, token, state)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readErrorResult(resp)
	}
	if claudeReq.Stream {
		return s.streamToClaude(c, resp, claudeReq.Model, anchored)
	}
	return s.aggregateToClaude(c, resp, claudeReq.Model, anchored)
}

func kiroProfileArn(account *Account) string {
	if cred, ok := account.Credential.(*KiroCredential); ok {
		return cred.ProfileArn
	}
	return ""
}

// readEventStream 按块读上游 event-stream，带数据间隔超时
func (s *KiroGatewayService) readEventStream(ctx context.Context, body io.Reader, handle func(events []kiro.Event) error) error {
	parser := kiro.NewEventStreamParser()
	interval := time.Duration(s.cfg.Gateway.StreamDataIntervalTimeout) * time.Second

	type chunkOrErr struct {
		data []byte
		err  error
	}
	chunks := make(chan chunkOrErr, 16)

	go func() {
		defer close(chunks)
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- chunkOrErr{data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case chunks <- chunkOrErr{err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	var timer *time.Timer
	var timeout <-chan time.Time
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("upstream stream stalled for %s", interval)
		case item, ok := <-chunks:
			if !ok {
				return nil
			}
			if item.err != nil {
				return item.err
			}
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
			}
			if events := parser.Feed(item.data); len(events) > 0 {
				if err := handle(events); err != nil {
					return err
				}
			}
		}
	}
}

// thinkingEnabled 请求链路是否要求解析 <think> 标签
func thinkingEnabled(ctx context.Context) bool {
	v, _ := ctx.Value(ctxkey.ThinkingEnabled).(bool)
	return v
}

// streamToOpenAI event-stream → chat.completion.chunk 流
func (s *KiroGatewayService) streamToOpenAI(c *gin.Context, resp *http.Response, model string) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)

	res := &ForwardResult{StatusCode: http.StatusOK, Header: resp.Header, Started: true}
	emitter := NewOpenAIChunkEmitter(NewSSEWriter(c.Writer), model)
	st := newKiroStreamState(model)

	ctx := c.Request.Context()
	var splitter *kiro.ThinkTagSplitter
	if thinkingEnabled(ctx) {
		splitter = kiro.NewThinkTagSplitter()
	}

	emitSegment := func(seg kiro.Segment) error {
		if seg.Thinking {
			st.thinking.WriteString(seg.Text)
			return emitter.EmitReasoning(seg.Text)
		}
		st.text.WriteString(seg.Text)
		return emitter.EmitText(seg.Text)
	}

	err := s.readEventStream(ctx, resp.Body, func(events []kiro.Event) error {
		for _, ev := range events {
			switch ev.Type {
			case kiro.EventText:
				if splitter != nil {
					for _, seg := range splitter.Feed(ev.Text) {
						if serr := emitSegment(seg); serr != nil {
							return serr
						}
					}
				} else if serr := emitSegment(kiro.Segment{Text: ev.Text}); serr != nil {
					return serr
				}
			case kiro.EventToolOpen:
				if splitter != nil {
					for _, seg := range splitter.Flush() {
						if serr := emitSegment(seg); serr != nil {
							return serr
						}
					}
				}
				if serr := emitter.OpenToolCall(ev.ToolUseID, ev.ToolName); serr != nil {
					return serr
				}
			case kiro.EventToolInput:
				if serr := emitter.EmitToolArguments(ev.ToolInput); serr != nil {
					return serr
				}
			case kiro.EventToolStop:
				// OpenAI chunk 流无显式收束事件
			case kiro.EventCredits:
				st.credits += ev.Credits
			case kiro.EventContextPct:
				st.contextPct = ev.ContextUsagePercentage
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if splitter != nil {
		for _, seg := range splitter.Flush() {
			if serr := emitSegment(seg); serr != nil {
				return res, serr
			}
		}
	}

	res.Usage = st.usage(s.estimator)
	emitter.SetUsage(res.Usage.InputTokens, res.Usage.OutputTokens)
	return res, emitter.Finish()
}

// streamToClaude event-stream → Anthropic SSE
func (s *KiroGatewayService) streamToClaude(c *gin.Context, resp *http.Response, model string, anchored bool) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)

	res := &ForwardResult{StatusCode: http.StatusOK, Header: resp.Header, Started: true}
	emitter := NewClaudeSSEEmitter(NewSSEWriter(c.Writer), model)
	st := newKiroStreamState(model)
	st.cacheAnchored = anchored

	ctx := c.Request.Context()
	if err := emitter.Start(0); err != nil {
		return res, err
	}
	var splitter *kiro.ThinkTagSplitter
	if thinkingEnabled(ctx) {
		splitter = kiro.NewThinkTagSplitter()
	}

	emitSegment := func(seg kiro.Segment) error {
		if seg.Thinking {
			st.thinking.WriteString(seg.Text)
			return emitter.EmitThinking(seg.Text, "")
		}
		st.text.WriteString(seg.Text)
		return emitter.EmitText(seg.Text)
	}

	err := s.readEventStream(ctx, resp.Body, func(events []kiro.Event) error {
		for _, ev := range events {
			switch ev.Type {
			case kiro.EventText:
				if splitter != nil {
					for _, seg := range splitter.Feed(ev.Text) {
						if serr := emitSegment(seg); serr != nil {
							return serr
						}
					}
				} else if serr := emitSegment(kiro.Segment{Text: ev.Text}); serr != nil {
					return serr
				}
			case kiro.EventToolOpen:
				if splitter != nil {
					for _, seg := range splitter.Flush() {
						if serr := emitSegment(seg); serr != nil {
							return serr
						}
					}
				}
				id := ev.ToolUseID
				if id == "" {
					id = "toolu_" + uuid.New().String()
				}
				if serr := emitter.OpenTool(id, ev.ToolName); serr != nil {
					return serr
				}
			case kiro.EventToolInput:
				if serr := emitter.EmitToolInput(ev.ToolInput); serr != nil {
					return serr
				}
			case kiro.EventToolStop:
				if serr := emitter.CloseBlock(); serr != nil {
					return serr
				}
			case kiro.EventCredits:
				st.credits += ev.Credits
			case kiro.EventContextPct:
				st.contextPct = ev.ContextUsagePercentage
			}
		}
		return nil
	})
	if err != nil {
		emitter.Abort()
		return res, err
	}
	if splitter != nil {
		for _, seg := range splitter.Flush() {
			if serr := emitSegment(seg); serr != nil {
				return res, serr
			}
		}
	}

	res.Usage = st.usage(s.estimator)
	emitter.AddOutputTokens(res.Usage.OutputTokens)
	return res, emitter.Finish()
}

// collect 聚合整个 event-stream（非流式出口共用）
func (s *KiroGatewayService) collect(ctx context.Context, body io.Reader, st *kiroStreamState) error {
	var splitter *kiro.ThinkTagSplitter
	if thinkingEnabled(ctx) {
		splitter = kiro.NewThinkTagSplitter()
	}

	absorb := func(seg kiro.Segment) {
		if seg.Thinking {
			st.thinking.WriteString(seg.Text)
		} else {
			st.text.WriteString(seg.Text)
		}
	}

	err := s.readEventStream(ctx, body, func(events []kiro.Event) error {
		for _, ev := range events {
			switch ev.Type {
			case kiro.EventText:
				if splitter != nil {
					for _, seg := range splitter.Feed(ev.Text) {
						absorb(seg)
					}
				} else {
					absorb(kiro.Segment{Text: ev.Text})
				}
			case kiro.EventToolOpen:
				id := ev.ToolUseID
				if id == "" {
					id = "toolu_" + uuid.New().String()
				}
				st.openTool = id
				st.toolUses = append(st.toolUses, kiro.ToolUse{ToolUseID: id, Name: ev.ToolName})
				st.toolArgs[id] = &strings.Builder{}
			case kiro.EventToolInput:
				if b, ok := st.toolArgs[st.openTool]; ok {
					b.WriteString(ev.ToolInput)
				}
			case kiro.EventToolStop:
				st.openTool = ""
			case kiro.EventCredits:
				st.credits += ev.Credits
			case kiro.EventContextPct:
				st.contextPct = ev.ContextUsagePercentage
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if splitter != nil {
		for _, seg := range splitter.Flush() {
			absorb(seg)
		}
	}
	// 补齐每个 tool 的入参
	for i := range st.toolUses {
		if b, ok := st.toolArgs[st.toolUses[i].ToolUseID]; ok && b.Len() > 0 {
			st.toolUses[i].Input = json.RawMessage(b.String())
		}
	}
	return nil
}

// aggregateToOpenAI 聚合成单个 chat.completion
func (s *KiroGatewayService) aggregateToOpenAI(c *gin.Context, resp *http.Response, model string) (*ForwardResult, error) {
	st := newKiroStreamState(model)
	if err := s.collect(c.Request.Context(), resp.Body, st); err != nil {
		logger.LegacyPrintf("Kiro-Forward", "aggregate failed: %v", err)
		return &ForwardResult{StatusCode: http.StatusBadGateway, Header: resp.Header}, err
	}

	res := &ForwardResult{StatusCode: http.StatusOK, Header: resp.Header, Started: true}
	res.Usage = st.usage(s.estimator)

	finish := "stop"
	var toolCalls []openai.ToolCall
	for i, tu := range st.toolUses {
		idx := i
		args := "{}"
		if len(tu.Input) > 0 {
			args = string(tu.Input)
		}
		toolCalls = append(toolCalls, openai.ToolCall{
			Index: &idx,
			ID:    tu.ToolUseID,
			Type:  "function",
			Function: openai.ToolCallFunction{
				Name:      tu.Name,
				Arguments: args,
			},
		})
	}
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
				Content:   st.text.String(),
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

// aggregateToClaude 聚合成单个 Anthropic message
func (s *KiroGatewayService) aggregateToClaude(c *gin.Context, resp *http.Response, model string, anchored bool) (*ForwardResult, error) {
	st := newKiroStreamState(model)
	st.cacheAnchored = anchored
	if err := s.collect(c.Request.Context(), resp.Body, st); err != nil {
		logger.LegacyPrintf("Kiro-Forward", "aggregate failed: %v", err)
		return &ForwardResult{StatusCode: http.StatusBadGateway, Header: resp.Header}, err
	}

	res := &ForwardResult{StatusCode: http.StatusOK, Header: resp.Header, Started: true}
	res.Usage = st.usage(s.estimator)

	var content []map[string]any
	if st.thinking.Len() > 0 {
		content = append(content, map[string]any{"type": "thinking", "thinking": st.thinking.String()})
	}
	if st.text.Len() > 0 {
		content = append(content, map[string]any{"type": "text", "text": st.text.String()})
	}
	stopReason := "end_turn"
	for _, tu := range st.toolUses {
		stopReason = "tool_use"
		input := json.RawMessage("{}")
		if len(tu.Input) > 0 {
			input = tu.Input
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tu.ToolUseID,
			"name":  tu.Name,
			"input": input,
		})
	}
	if content == nil {
		content = []map[string]any{}
	}

	c.JSON(http.StatusOK, gin.H{
		"id":            "msg_" + uuid.New().String(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": gin.H{
			"input_tokens":            res.Usage.InputTokens,
			"output_tokens":           res.Usage.OutputTokens,
			"cache_read_input_tokens": res.Usage.CacheReadTokens,
		},
	})
	return res, nil
}

// MaxAttempts Kiro 通道的重试上限
func (s *KiroGatewayService) MaxAttempts() int { return domain.MaxAttemptsKiro }
