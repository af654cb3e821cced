package domain

// Platform constants
const (
	PlatformOpenAI         = "openai"
	PlatformClaude         = "claude"
	PlatformFactory        = "factory"
	PlatformGemini         = "gemini"
	PlatformAntigravity    = "gemini-antigravity"
	PlatformGeminiBusiness = "gemini-business"
	PlatformKiro           = "kiro"
)

// Dialect constants（入口协议）
const (
	DialectOpenAI    = "openai"
	DialectAnthropic = "anthropic"
	DialectGemini    = "gemini"
)

// AllPlatforms 所有受支持的上游平台标识
var AllPlatforms = []string{
	PlatformOpenAI,
	PlatformClaude,
	PlatformFactory,
	PlatformGemini,
	PlatformAntigravity,
	PlatformGeminiBusiness,
	PlatformKiro,
}

// IsValidPlatform 校验平台标识
func IsValidPlatform(platform string) bool {
	for _, p := range AllPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

// 重试预算（按入口协议区分）
const (
	MaxAttemptsAnthropic      = 15
	MaxAttemptsGemini         = 15
	MaxAttemptsKiro           = 3
	MaxAttemptsGeminiBusiness = 3
)

// 默认限流窗口（上游未提供 Retry-After 时使用）
const DefaultRateLimitSeconds = 120

// ClientErrorKeywords 命中即视为客户端错误，直接透传给调用方，不再重试
var ClientErrorKeywords = []string{
	"invalid_request_error",
	"invalid_argument",
	"permission_denied",
	"resource_exhausted",
	"INVALID_ARGUMENT",
	"missing_required_parameter",
}
