package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
	"github.com/zelo-labs/relaygate/internal/pkg/ctxkey"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
	"github.com/zelo-labs/relaygate/internal/service"
)

// KiroHandler CodeWhisperer 通道入口
type KiroHandler struct {
	cfg  *config.Config
	kiro *service.KiroGatewayService
	logs *service.RequestLogSink
}

func NewKiroHandler(cfg *config.Config, kiro *service.KiroGatewayService, logs *service.RequestLogSink) *KiroHandler {
	return &KiroHandler{cfg: cfg, kiro: kiro, logs: logs}
}

// Messages Anthropic 方言入口
// POST /kiro/v1/messages
func (h *KiroHandler) Messages(c *gin.Context) {
	body, ok := readRequestBody(c)
	if !ok {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "request body is empty or unreadable")
		return
	}

	var req antigravity.ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}
	if req.Model == "" {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	ctx := context.WithValue(c.Request.Context(), ctxkey.Model, req.Model)
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		ctx = context.WithValue(ctx, ctxkey.ThinkingEnabled, true)
	}
	c.Request = c.Request.WithContext(ctx)

	entry := h.logs.Begin(req.Model, domain.PlatformKiro, req.Stream)
	attachFirstByteWriter(c, entry)

	h.kiro.Gateway().Dispatch(c, service.DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformKiro},
		MaxAttempts: h.kiro.MaxAttempts(),
		StickyKey:   service.BuildAnthropicStickyKey(&req, threadIDHeader(c)),
		Entry:       entry,
		LogPrefix:   "Kiro-Forward",
	}, func(ctx context.Context, account *service.Account, token string) (*service.ForwardResult, error) {
		return h.kiro.ForwardClaude(ctx, c, account, token, &req)
	})
}

// ChatCompletions OpenAI 方言入口
// POST /kiro/v1/chat/completions
func (h *KiroHandler) ChatCompletions(c *gin.Context) {
	body, ok := readRequestBody(c)
	if !ok {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "request body is empty or unreadable")
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}
	if req.Model == "" {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	// OpenAI 方言没有 thinking 开关，上游仍可能输出 <think> 标签，默认解析
	ctx := context.WithValue(c.Request.Context(), ctxkey.Model, req.Model)
	ctx = context.WithValue(ctx, ctxkey.ThinkingEnabled, true)
	c.Request = c.Request.WithContext(ctx)

	entry := h.logs.Begin(req.Model, domain.PlatformKiro, req.Stream)
	attachFirstByteWriter(c, entry)

	h.kiro.Gateway().Dispatch(c, service.DispatchOptions{
		Dialect:     domain.DialectOpenAI,
		Providers:   []string{domain.PlatformKiro},
		MaxAttempts: h.kiro.MaxAttempts(),
		StickyKey:   req.PromptCacheKey,
		Entry:       entry,
		LogPrefix:   "Kiro-Forward",
	}, func(ctx context.Context, account *service.Account, token string) (*service.ForwardResult, error) {
		return h.kiro.ForwardOpenAI(ctx, c, account, token, &req)
	})
}
