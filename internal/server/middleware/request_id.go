package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zelo-labs/relaygate/internal/pkg/ctxkey"
)

const requestIDHeader = "X-Request-ID"

// RequestID 透传或生成请求 ID，并写入响应头与 context
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request == nil {
			c.Next()
			return
		}

		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		ctx := context.WithValue(c.Request.Context(), ctxkey.RequestID, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
