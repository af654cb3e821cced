// Package ctxkey 定义用于 context.Value 的类型安全 key
package ctxkey

// Key 定义 context key 的类型，避免使用内置 string 类型（staticcheck SA1029）
type Key string

const (
	// RequestID 为服务端生成/透传的请求 ID。
	RequestID Key = "ctx_request_id"

	// Model 请求模型标识（用于统一请求链路日志字段）。
	Model Key = "ctx_model"

	// Platform 当前请求最终命中的平台（用于统一请求链路日志字段）。
	Platform Key = "ctx_platform"

	// AccountID 当前请求最终命中的账号 ID（用于统一请求链路日志字段）。
	AccountID Key = "ctx_account_id"

	// RetryCount 表示当前请求在网关层的重试次数。
	RetryCount Key = "ctx_retry_count"

	// IsClaudeCLIClient 标识当前请求是否来自 claude-cli 客户端
	// （影响 Anthropic 入口的账号平台偏好顺序）
	IsClaudeCLIClient Key = "ctx_is_claude_cli_client"

	// ThinkingEnabled 标识当前请求是否开启 thinking
	// （Kiro 通道据此决定是否解析 <think> 标签）
	ThinkingEnabled Key = "ctx_thinking_enabled"

	// ConversationKey 会话粘性 key，由各入口 handler 解析后写入
	ConversationKey Key = "ctx_conversation_key"
)
