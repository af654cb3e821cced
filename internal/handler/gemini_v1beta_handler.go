package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/ctxkey"
	"github.com/zelo-labs/relaygate/internal/service"
)

// GeminiV1BetaHandler Gemini CodeAssist 原生方言入口
type GeminiV1BetaHandler struct {
	cfg     *config.Config
	gateway *service.GatewayService
	logs    *service.RequestLogSink
}

func NewGeminiV1BetaHandler(cfg *config.Config, gateway *service.GatewayService, logs *service.RequestLogSink) *GeminiV1BetaHandler {
	return &GeminiV1BetaHandler{cfg: cfg, gateway: gateway, logs: logs}
}

// Models Gemini 原生请求透传（v1internal 包装在转发层完成）。
// POST /v1beta/models/{model}:generateContent
// POST /v1beta/models/{model}:streamGenerateContent
func (h *GeminiV1BetaHandler) Models(c *gin.Context) {
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

	conversationKey := c.GetHeader("conversation_id")
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxkey.Model, model))

	entry := h.logs.Begin(model, domain.PlatformGemini, stream)
	attachFirstByteWriter(c, entry)

	h.gateway.Dispatch(c, service.DispatchOptions{
		Dialect:     domain.DialectGemini,
		Providers:   []string{domain.PlatformGemini},
		MaxAttempts: domain.MaxAttemptsGemini,
		StickyKey:   conversationKey,
		Entry:       entry,
		LogPrefix:   "Gemini-Forward",
	}, func(ctx context.Context, account *service.Account, token string) (*service.ForwardResult, error) {
		return h.gateway.ForwardGemini(ctx, c, account, token, model, stream, body)
	})
}
