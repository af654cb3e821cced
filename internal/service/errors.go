package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zelo-labs/relaygate/internal/domain"
)

// ErrAccountDisabled 凭据刷新失败后账号被禁用
var ErrAccountDisabled = errors.New("account disabled")

// ErrNoAvailableAccount 池中无可用候选
var ErrNoAvailableAccount = errors.New("no available account")

// UpstreamError 上游非 2xx 响应
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, truncateForLog(e.Body, 200))
}

// IsClientError 响应体是否命中客户端错误关键字（命中则不再重试）
func IsClientError(statusCode int, body string) bool {
	if statusCode < 400 || statusCode >= 500 {
		return false
	}
	for _, kw := range domain.ClientErrorKeywords {
		if strings.Contains(body, kw) {
			return true
		}
	}
	return false
}

// ExtractUpstreamErrorMessage 从上游错误体提取可读 message；
// 解析失败时返回截断后的原文
func ExtractUpstreamErrorMessage(body string) string {
	if body == "" {
		return ""
	}
	// Anthropic: {"error":{"message":...}}；OpenAI 同形；Gemini: {"error":{"message":...}} 或数组
	for _, path := range []string{"error.message", "0.error.message", "message"} {
		if msg := gjson.Get(body, path); msg.Exists() && msg.String() != "" {
			return msg.String()
		}
	}
	return truncateForLog(body, 300)
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
