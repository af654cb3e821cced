package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zelo-labs/relaygate/internal/pkg/openai"
	"github.com/zelo-labs/relaygate/internal/service"
)

// anthropicError Anthropic 方言错误信封
func anthropicError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

// openaiError OpenAI 方言错误信封
func openaiError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, openai.ErrorResponse{Error: openai.ErrorDetail{
		Message: message,
		Type:    errType,
		Code:    status,
	}})
}

// googleError Gemini 方言错误信封
func googleError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    status,
			"message": message,
			"status":  http.StatusText(status),
		},
	})
}

// readRequestBody 读取并校验非空请求体
func readRequestBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, false
	}
	if len(body) == 0 {
		return nil, false
	}
	return body, true
}

// threadIDHeader 客户端显式携带的会话 id，用于区分首条内容相同的不同会话
func threadIDHeader(c *gin.Context) string {
	for _, h := range []string{"conversation_id", "x-conversation-id", "session_id"} {
		if v := strings.TrimSpace(c.GetHeader(h)); v != "" {
			return v
		}
	}
	return ""
}

// isClaudeCLI 判断请求是否来自 claude-cli 客户端
func isClaudeCLI(userAgent string) bool {
	return strings.Contains(strings.ToLower(userAgent), "claude-cli")
}

type pathParseError struct{ msg string }

func (e *pathParseError) Error() string { return e.msg }

// parseModelAction 解析 {model}:{action} 路径段，兼容 {model}/{action}
func parseModelAction(rest string) (model string, action string, err error) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", &pathParseError{"missing path"}
	}
	if i := strings.Index(rest, ":"); i > 0 && i < len(rest)-1 {
		return rest[:i], rest[i+1:], nil
	}
	if i := strings.Index(rest, "/"); i > 0 && i < len(rest)-1 {
		return rest[:i], rest[i+1:], nil
	}
	return "", "", &pathParseError{"invalid model action path"}
}

// firstByteWriter 首字节时延打点：第一次向下游写 body 时记到请求日志
type firstByteWriter struct {
	gin.ResponseWriter
	entry *service.RequestLog
}

func (w *firstByteWriter) Write(b []byte) (int, error) {
	if w.entry != nil {
		w.entry.MarkFirstByte()
	}
	return w.ResponseWriter.Write(b)
}

func (w *firstByteWriter) WriteString(s string) (int, error) {
	if w.entry != nil {
		w.entry.MarkFirstByte()
	}
	return w.ResponseWriter.WriteString(s)
}

func attachFirstByteWriter(c *gin.Context, entry *service.RequestLog) {
	c.Writer = &firstByteWriter{ResponseWriter: c.Writer, entry: entry}
}
