package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
	"github.com/zelo-labs/relaygate/internal/pkg/httpclient"
	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

const (
	claudeAPIURL            = "https://api.anthropic.com/v1/messages?beta=true"
	claudeAPICountTokensURL = "https://api.anthropic.com/v1/messages/count_tokens?beta=true"
	factoryAPIURL           = "https://app.factory.ai/api/llm/a/v1/messages"

	anthropicVersion = "2023-06-01"
	// OAuth 账号必须携带的 beta 集合
	anthropicBetaOAuth = "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
)

// applyStainlessHeaders 非 CLI 客户端补齐 Claude Code 指纹头
func applyStainlessHeaders(h http.Header) {
	h.Set("User-Agent", "claude-cli/1.0.83 (external, cli)")
	h.Set("x-app", "cli")
	h.Set("anthropic-beta", anthropicBetaOAuth)
	h.Set("x-stainless-lang", "js")
	h.Set("x-stainless-package-version", "0.55.1")
	h.Set("x-stainless-os", stainlessOS())
	h.Set("x-stainless-arch", stainlessArch())
	h.Set("x-stainless-runtime", "node")
	h.Set("x-stainless-runtime-version", "v20.18.1")
	h.Set("x-stainless-retry-count", "0")
	h.Set("x-stainless-timeout", "600")
}

func stainlessOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "MacOS"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}

func stainlessArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x64"
	case "arm64":
		return "arm64"
	}
	return runtime.GOARCH
}

// streamHeaders 下游流式响应头
func streamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// ForwardClaude Anthropic 官方 OAuth 通道：请求体透传
func (s *GatewayService) ForwardClaude(ctx context.Context, c *gin.Context, account *Account, token string, body []byte, stream, isCLI bool) (*ForwardResult, error) {
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
	if isCLI {
		// CLI 客户端自带指纹头，仅保证 oauth beta 存在
		if ua := c.GetHeader("User-Agent"); ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		beta := c.GetHeader("anthropic-beta")
		if !strings.Contains(beta, "oauth-2025-04-20") {
			if beta != "" {
				beta = "oauth-2025-04-20," + beta
			} else {
				beta = anthropicBetaOAuth
			}
		}
		req.Header.Set("anthropic-beta", beta)
	} else {
		applyStainlessHeaders(req.Header)
	}

	// 官方端点按 TLS 指纹识别客户端，伪装的请求头必须配套 Node 握手
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
		return s.relayAnthropicSSE(c, resp)
	}
	return s.relayAnthropicJSON(c, resp)
}

// ForwardFactory Factory 通道：Anthropic 请求体透传，Factory 专属指纹头
func (s *GatewayService) ForwardFactory(ctx context.Context, c *gin.Context, account *Account, token string, body []byte, stream bool) (*ForwardResult, error) {
	url := factoryAPIURL
	if base := account.BaseURL(); base != "" {
		url = strings.TrimSuffix(base, "/") + "/api/llm/a/v1/messages"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("x-factory-client", "cli")
	req.Header.Set("x-session-id", uuid.New().String())
	req.Header.Set("x-assistant-message-id", uuid.New().String())
	req.Header.Set("referer", "https://app.factory.ai/")

	client := httpclient.GetClient(httpclient.Options{
		IdleConnTimeout:    httpclient.IdleTimeoutAnthropic,
		InsecureSkipVerify: config.SkipTLSValidate(),
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
		return s.relayAnthropicSSE(c, resp)
	}
	return s.relayAnthropicJSON(c, resp)
}

// readErrorResult 非 2xx：读响应体交给调度循环分类，不写下游
func readErrorResult(resp *http.Response) (*ForwardResult, error) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// relayAnthropicJSON 非流式：缓冲上游 JSON，原样回写并抽取 usage
func (s *GatewayService) relayAnthropicJSON(c *gin.Context, resp *http.Response) (*ForwardResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ForwardResult{StatusCode: resp.StatusCode, Header: resp.Header}, err
	}
	res := &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Started:    true,
		Usage:      extractAnthropicUsage(body),
	}
	c.Data(resp.StatusCode, "application/json; charset=utf-8", body)
	return res, nil
}

// extractAnthropicUsage 从 Anthropic message JSON 抽取用量
func extractAnthropicUsage(body []byte) UsageTotals {
	u := gjson.GetBytes(body, "usage")
	return UsageTotals{
		InputTokens:       int(u.Get("input_tokens").Int()),
		OutputTokens:      int(u.Get("output_tokens").Int()),
		CacheReadTokens:   int(u.Get("cache_read_input_tokens").Int()),
		CacheCreateTokens: int(u.Get("cache_creation_input_tokens").Int()),
	}
}

// relayAnthropicSSE 流式透传：逐行转发上游 SSE，空行维持事件边界；
// 顺带从 message_start/message_delta 抽取 usage。
func (s *GatewayService) relayAnthropicSSE(c *gin.Context, resp *http.Response) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(resp.StatusCode)

	res := &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Started:    true,
	}
	sw := NewSSEWriter(c.Writer)

	err := s.scanUpstreamLines(c.Request.Context(), resp.Body, func(line string) error {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			mergeAnthropicSSEUsage(&res.Usage, data)
		}
		return sw.WriteRaw(line + "\n")
	})
	return res, err
}

// mergeAnthropicSSEUsage message_start 带 input，message_delta 带 output
func mergeAnthropicSSEUsage(u *UsageTotals, data string) {
	root := gjson.Parse(data)
	var usage gjson.Result
	switch root.Get("type").String() {
	case "message_start":
		usage = root.Get("message.usage")
	case "message_delta":
		usage = root.Get("usage")
	default:
		return
	}
	if v := usage.Get("input_tokens"); v.Exists() {
		u.InputTokens = int(v.Int())
	}
	if v := usage.Get("output_tokens"); v.Exists() {
		u.OutputTokens = int(v.Int())
	}
	if v := usage.Get("cache_read_input_tokens"); v.Exists() {
		u.CacheReadTokens = int(v.Int())
	}
	if v := usage.Get("cache_creation_input_tokens"); v.Exists() {
		u.CacheCreateTokens = int(v.Int())
	}
}

// scanUpstreamLines 扫描上游行流。reader goroutine 读行送 channel，
// 主循环带数据间隔超时；ctx 取消立即停写。
func (s *GatewayService) scanUpstreamLines(ctx context.Context, body io.Reader, handle func(line string) error) error {
	interval := time.Duration(s.cfg.Gateway.StreamDataIntervalTimeout) * time.Second

	type lineOrErr struct {
		line string
		err  error
	}
	lines := make(chan lineOrErr, 16)

	go func() {
		defer close(lines)
		buf := getRelayScanBuf()
		defer putRelayScanBuf(buf)

		scanner := bufio.NewScanner(body)
		scanner.Buffer(buf[:], 40*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- lineOrErr{line: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- lineOrErr{err: err}:
			case <-ctx.Done():
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
		case item, ok := <-lines:
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
			if err := handle(item.line); err != nil {
				return err
			}
		}
	}
}

// ForwardAntigravity Antigravity 通道：Claude 请求转 Gemini v1internal，
// 响应再还原为 Anthropic 方言。
func (s *GatewayService) ForwardAntigravity(ctx context.Context, c *gin.Context, account *Account, token string, claudeReq *antigravity.ClaudeRequest, stream bool) (*ForwardResult, error) {
	mappedModel := antigravity.MapModel(account.MapModel(claudeReq.Model))
	projectID := antigravityProjectID(account)

	upstreamBody, err := antigravity.TransformClaudeToGemini(claudeReq, projectID, mappedModel)
	if err != nil {
		return nil, err
	}

	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	urls := []string{s.cfg.Antigravity.UpstreamURL}
	if s.cfg.Antigravity.FallbackURL != "" {
		urls = append(urls, s.cfg.Antigravity.FallbackURL)
	}

	var resp *http.Response
	var lastErr error
	for _, base := range urls {
		url := strings.TrimSuffix(base, "/") + "/v1internal:" + action
		if stream {
			url += "?alt=sse"
		}
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
		logger.LegacyPrintf("Antigravity-Forward", "upstream %s unreachable: %v", base, lastErr)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readErrorResult(resp)
	}
	if stream {
		return s.antigravityStreamToClaude(c, resp, claudeReq.Model)
	}
	return s.antigravityJSONToClaude(c, resp, claudeReq.Model)
}

func antigravityProjectID(account *Account) string {
	if cred, ok := account.Credential.(*GeminiCredential); ok {
		return cred.ProjectID
	}
	return ""
}

// antigravityStreamToClaude 上游 SSE(GeminiResponse) → Anthropic SSE
func (s *GatewayService) antigravityStreamToClaude(c *gin.Context, resp *http.Response, originalModel string) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)

	res := &ForwardResult{
		StatusCode: http.StatusOK,
		Header:     resp.Header,
		Started:    true,
	}

	emitter := NewClaudeSSEEmitter(NewSSEWriter(c.Writer), originalModel)
	if err := emitter.Start(0); err != nil {
		return res, err
	}

	err := s.scanUpstreamLines(c.Request.Context(), resp.Body, func(line string) error {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || strings.TrimSpace(data) == "" {
			return nil
		}
		var chunk antigravity.GeminiResponse
		if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
			// 无法解析的行跳过，流继续
			return nil
		}
		return s.emitGeminiChunk(emitter, &chunk, res)
	})
	if err != nil {
		emitter.Abort()
		return res, err
	}
	return res, emitter.Finish()
}

// emitGeminiChunk 把一个 Gemini 增量翻译成 Anthropic SSE 事件
func (s *GatewayService) emitGeminiChunk(emitter *ClaudeSSEEmitter, chunk *antigravity.GeminiResponse, res *ForwardResult) error {
	candidates, usage := chunk.Unwrap()
	if usage != nil {
		res.Usage.InputTokens = usage.PromptTokenCount
		res.Usage.OutputTokens = usage.CandidatesTokenCount + usage.ThoughtsTokenCount
		res.Usage.CacheReadTokens = usage.CachedContentTokenCount
		emitter.SetOutputTokens(res.Usage.OutputTokens)
	}
	for _, cand := range candidates {
		if cand.FinishReason != "" {
			emitter.SetFinishReason(cand.FinishReason)
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				id := part.FunctionCall.ID
				if id == "" {
					id = "toolu_" + uuid.New().String()
				}
				if err := emitter.OpenTool(id, part.FunctionCall.Name); err != nil {
					return err
				}
				args := "{}"
				if len(part.FunctionCall.Args) > 0 {
					args = string(part.FunctionCall.Args)
				}
				if err := emitter.EmitToolInput(args); err != nil {
					return err
				}
				if err := emitter.CloseBlock(); err != nil {
					return err
				}
			case part.Thought:
				if !s.cfg.Antigravity.ReturnThoughts {
					continue
				}
				if err := emitter.EmitThinking(part.Text, part.ThoughtSignature); err != nil {
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

// antigravityJSONToClaude 非流式：unwrap 后拼装 Anthropic message
func (s *GatewayService) antigravityJSONToClaude(c *gin.Context, resp *http.Response, originalModel string) (*ForwardResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ForwardResult{StatusCode: resp.StatusCode, Header: resp.Header}, err
	}
	var upstream antigravity.GeminiResponse
	if err := json.Unmarshal(body, &upstream); err != nil {
		return &ForwardResult{
			StatusCode: http.StatusBadGateway,
			Header:     resp.Header,
			Body:       body,
		}, nil
	}
	candidates, usage := upstream.Unwrap()

	var content []map[string]any
	sawToolUse := false
	finishReason := ""
	for _, cand := range candidates {
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				sawToolUse = true
				id := part.FunctionCall.ID
				if id == "" {
					id = "toolu_" + uuid.New().String()
				}
				input := json.RawMessage("{}")
				if len(part.FunctionCall.Args) > 0 {
					input = part.FunctionCall.Args
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    id,
					"name":  part.FunctionCall.Name,
					"input": input,
				})
			case part.Thought:
				if !s.cfg.Antigravity.ReturnThoughts {
					continue
				}
				block := map[string]any{"type": "thinking", "thinking": part.Text}
				if part.ThoughtSignature != "" {
					block["signature"] = part.ThoughtSignature
				}
				content = append(content, block)
			case part.Text != "":
				content = append(content, map[string]any{"type": "text", "text": part.Text})
			}
		}
	}

	stopReason := "end_turn"
	switch {
	case sawToolUse:
		stopReason = "tool_use"
	case finishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	}

	res := &ForwardResult{
		StatusCode: http.StatusOK,
		Header:     resp.Header,
		Started:    true,
	}
	usageOut := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if usage != nil {
		res.Usage.InputTokens = usage.PromptTokenCount
		res.Usage.OutputTokens = usage.CandidatesTokenCount + usage.ThoughtsTokenCount
		res.Usage.CacheReadTokens = usage.CachedContentTokenCount
		usageOut["input_tokens"] = res.Usage.InputTokens
		usageOut["output_tokens"] = res.Usage.OutputTokens
	}
	if content == nil {
		content = []map[string]any{}
	}

	c.JSON(http.StatusOK, gin.H{
		"id":            "msg_" + uuid.New().String(),
		"type":          "message",
		"role":          "assistant",
		"model":         originalModel,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage":         usageOut,
	})
	return res, nil
}
