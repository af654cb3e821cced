package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zelo-labs/relaygate/internal/pkg/ctxkey"
	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

// AccessLogger 请求访问日志中间件
func AccessLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// 健康检查等高频探针不记日志
		if path == "/health" {
			return
		}

		latency := time.Since(startTime)
		ctx := c.Request.Context()
		requestID, _ := ctx.Value(ctxkey.RequestID).(string)
		model, _ := ctx.Value(ctxkey.Model).(string)
		platform, _ := ctx.Value(ctxkey.Platform).(string)

		fields := []zap.Field{
			zap.String("component", "http.access"),
			zap.Int("status_code", c.Writer.Status()),
			zap.Int64("latency_ms", latency.Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}
		if requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
		if model != "" {
			fields = append(fields, zap.String("model", model))
		}
		if platform != "" {
			fields = append(fields, zap.String("platform", platform))
		}
		logger.L().Info("http request completed", fields...)
	}
}
