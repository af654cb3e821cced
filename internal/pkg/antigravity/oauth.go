package antigravity

// Google OAuth 端点与 Antigravity 客户端凭证
const (
	OAuthTokenURL = "https://oauth2.googleapis.com/token"

	OAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	OAuthClientSecret = "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"
)
