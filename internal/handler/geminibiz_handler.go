package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/ctxkey"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
	"github.com/zelo-labs/relaygate/internal/service"
)

// GeminiBizHandler Gemini 业务版 widget 通道入口
type GeminiBizHandler struct {
	cfg  *config.Config
	biz  *service.GeminiBizGatewayService
	logs *service.RequestLogSink
}

func NewGeminiBizHandler(cfg *config.Config, biz *service.GeminiBizGatewayService, logs *service.RequestLogSink) *GeminiBizHandler {
	return &GeminiBizHandler{cfg: cfg, biz: biz, logs: logs}
}

// Models Gemini 原生方言入口。
// POST /gemini-business/v1beta/models/{model}:generateContent
// POST /gemini-business/v1beta/models/{model}:streamGenerateContent
func (h *GeminiBizHandler) Models(c *gin.Context) {
	model, action, err := parseModelAction(strings.TrimPrefix(c.Param("modelAction"), "/"))
	if err != nil {
		googleError(c, http.StatusNotFound, err.Error())
		return
	}
	stream := action == "streamGenerateContent"
	if !stream && action != "generateContent" {
		googleError(c, http.StatusNotFound, "unsupported action: "+action)
		return
	}

	body, ok := readRequestBody(c)
	if !ok {
		googleError(c, http.StatusBadRequest, "request body is empty or unreadable")
		return
	}
	prompt := service.ExtractGeminiPrompt(body)
	if prompt == "" {
		googleError(c, http.StatusBadRequest, "no user text in request contents")
		return
	}
	fileURIs := service.ExtractGeminiFileURIs(body)

	// 会话粘性由调用方通过 conversation_id 头显式声明
	conversationKey := c.GetHeader("conversation_id")
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxkey.Model, model))

	entry := h.logs.Begin(model, domain.PlatformGeminiBusiness, stream)
	attachFirstByteWriter(c, entry)

	h.biz.Gateway().Dispatch(c, service.DispatchOptions{
		Dialect:     domain.DialectGemini,
		Providers:   []string{domain.PlatformGeminiBusiness},
		MaxAttempts: h.biz.MaxAttempts(),
		StickyKey:   conversationKey,
		Entry:       entry,
		LogPrefix:   "GeminiBiz-Forward",
	}, func(ctx context.Context, account *service.Account, token string) (*service.ForwardResult, error) {
		return h.biz.Forward(ctx, c, account, domain.DialectGemini, model, prompt, conversationKey, stream, fileURIs)
	})
}

// ChatCompletions OpenAI 方言入口
// POST /gemini-business/v1/chat/completions
func (h *GeminiBizHandler) ChatCompletions(c *gin.Context) {
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
	prompt := service.ExtractOpenAIPrompt(req.Messages)
	if prompt == "" {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "messages contain no text")
		return
	}

	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxkey.Model, req.Model))

	entry := h.logs.Begin(req.Model, domain.PlatformGeminiBusiness, req.Stream)
	attachFirstByteWriter(c, entry)

	h.biz.Gateway().Dispatch(c, service.DispatchOptions{
		Dialect:     domain.DialectOpenAI,
		Providers:   []string{domain.PlatformGeminiBusiness},
		MaxAttempts: h.biz.MaxAttempts(),
		StickyKey:   req.PromptCacheKey,
		Entry:       entry,
		LogPrefix:   "GeminiBiz-Forward",
	}, func(ctx context.Context, account *service.Account, token string) (*service.ForwardResult, error) {
		return h.biz.Forward(ctx, c, account, domain.DialectOpenAI, req.Model, prompt, req.PromptCacheKey, req.Stream, nil)
	})
}
