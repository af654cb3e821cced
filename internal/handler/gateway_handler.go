package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
	"github.com/zelo-labs/relaygate/internal/pkg/ctxkey"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
	"github.com/zelo-labs/relaygate/internal/service"
)

// GatewayHandler Anthropic/OpenAI 入口
type GatewayHandler struct {
	cfg       *config.Config
	gateway   *service.GatewayService
	estimator *service.UsageEstimator
	logs      *service.RequestLogSink
}

func NewGatewayHandler(
	cfg *config.Config,
	gateway *service.GatewayService,
	estimator *service.UsageEstimator,
	logs *service.RequestLogSink,
) *GatewayHandler {
	return &GatewayHandler{
		cfg:       cfg,
		gateway:   gateway,
		estimator: estimator,
		logs:      logs,
	}
}

// Messages Anthropic messages 入口
// POST /v1/messages（/v1/message 为兼容别名）
func (h *GatewayHandler) Messages(c *gin.Context) {
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

	userAgent := c.GetHeader("User-Agent")
	cli := isClaudeCLI(userAgent)

	ctx := context.WithValue(c.Request.Context(), ctxkey.IsClaudeCLIClient, cli)
	ctx = context.WithValue(ctx, ctxkey.Model, req.Model)
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		ctx = context.WithValue(ctx, ctxkey.ThinkingEnabled, true)
	}
	c.Request = c.Request.WithContext(ctx)

	stickyKey := service.BuildAnthropicStickyKey(&req, threadIDHeader(c))
	providers, fallback := service.AnthropicProviderChain(userAgent)

	entry := h.logs.Begin(req.Model, domain.PlatformClaude, req.Stream)
	attachFirstByteWriter(c, entry)

	h.gateway.Dispatch(c, service.DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   providers,
		Fallback:    fallback,
		MaxAttempts: domain.MaxAttemptsAnthropic,
		StickyKey:   stickyKey,
		Entry:       entry,
		LogPrefix:   "Claude-Forward",
	}, func(ctx context.Context, account *service.Account, token string) (*service.ForwardResult, error) {
		switch account.Platform {
		case domain.PlatformClaude:
			return h.gateway.ForwardClaude(ctx, c, account, token, body, req.Stream, cli)
		case domain.PlatformFactory:
			return h.gateway.ForwardFactory(ctx, c, account, token, body, req.Stream)
		case domain.PlatformAntigravity:
			return h.gateway.ForwardAntigravity(ctx, c, account, token, &req, req.Stream)
		default:
			return nil, fmt.Errorf("platform %s not routable from anthropic entry", account.Platform)
		}
	})
}

// CountTokens 本地估算，不访问上游
// POST /v1/messages/count_tokens
func (h *GatewayHandler) CountTokens(c *gin.Context) {
	body, ok := readRequestBody(c)
	if !ok {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "request body is empty or unreadable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": h.estimator.EstimateAnthropicInput(body)})
}

// ChatCompletions OpenAI chat completions 入口，转 Anthropic 语义后调度
// POST /v1/chat/completions
func (h *GatewayHandler) ChatCompletions(c *gin.Context) {
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

	claudeReq, err := service.ConvertOpenAIToClaude(&req)
	if err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "failed to convert request: "+err.Error())
		return
	}

	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxkey.Model, req.Model))

	entry := h.logs.Begin(req.Model, domain.PlatformClaude, req.Stream)
	attachFirstByteWriter(c, entry)

	h.gateway.Dispatch(c, service.DispatchOptions{
		Dialect:     domain.DialectOpenAI,
		Providers:   []string{domain.PlatformAntigravity, domain.PlatformClaude},
		MaxAttempts: domain.MaxAttemptsAnthropic,
		StickyKey:   req.PromptCacheKey,
		Entry:       entry,
		LogPrefix:   "OpenAI-Forward",
	}, func(ctx context.Context, account *service.Account, token string) (*service.ForwardResult, error) {
		switch account.Platform {
		case domain.PlatformAntigravity:
			return h.gateway.ForwardAntigravityForOpenAI(ctx, c, account, token, claudeReq, req.Stream)
		case domain.PlatformClaude:
			return h.gateway.ForwardClaudeForOpenAI(ctx, c, account, token, claudeReq, req.Stream)
		default:
			return nil, fmt.Errorf("platform %s not routable from openai entry", account.Platform)
		}
	})
}

// Responses OpenAI responses 入口，透传到 openai 平台账号池
// POST /v1/responses
func (h *GatewayHandler) Responses(c *gin.Context) {
	body, ok := readRequestBody(c)
	if !ok {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "request body is empty or unreadable")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()
	stickyKey := gjson.GetBytes(body, "prompt_cache_key").String()

	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxkey.Model, model))

	entry := h.logs.Begin(model, domain.PlatformOpenAI, stream)
	attachFirstByteWriter(c, entry)

	h.gateway.Dispatch(c, service.DispatchOptions{
		Dialect:     domain.DialectOpenAI,
		Providers:   []string{domain.PlatformOpenAI},
		MaxAttempts: domain.MaxAttemptsAnthropic,
		StickyKey:   stickyKey,
		Entry:       entry,
		LogPrefix:   "Responses-Forward",
	}, func(ctx context.Context, account *service.Account, token string) (*service.ForwardResult, error) {
		return h.gateway.ForwardOpenAIResponses(ctx, c, account, token, body, stream)
	})
}
