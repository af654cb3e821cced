package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/handler"
	"github.com/zelo-labs/relaygate/internal/server/middleware"
)

// SetupRouter 配置中间件与路由
func SetupRouter(r *gin.Engine, h *handler.Handlers, cfg *config.Config) *gin.Engine {
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLogger())
	r.Use(gin.Recovery())

	registerRoutes(r, h)
	return r
}

func registerRoutes(r *gin.Engine, h *handler.Handlers) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Anthropic / OpenAI 入口
	v1 := r.Group("/v1")
	{
		v1.POST("/messages", h.Gateway.Messages)
		v1.POST("/message", h.Gateway.Messages) // 兼容别名
		v1.POST("/messages/count_tokens", h.Gateway.CountTokens)
		v1.POST("/chat/completions", h.Gateway.ChatCompletions)
		v1.POST("/responses", h.Gateway.Responses)
	}

	// Gemini CodeAssist 原生入口
	r.POST("/v1beta/models/*modelAction", h.GeminiV1Beta.Models)

	// Kiro 通道
	kiro := r.Group("/kiro/v1")
	{
		kiro.POST("/messages", h.Kiro.Messages)
		kiro.POST("/chat/completions", h.Kiro.ChatCompletions)
	}

	// Gemini 业务版通道
	biz := r.Group("/gemini-business")
	{
		biz.POST("/v1beta/models/*modelAction", h.GeminiBiz.Models)
		biz.POST("/v1/chat/completions", h.GeminiBiz.ChatCompletions)
	}
}
