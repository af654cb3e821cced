// Package service 实现网关核心：账号池、会话粘性、凭据校验、
// 各方言的转发引擎与流式发射器。
package service

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zelo-labs/relaygate/internal/domain"
)

// Credential 各平台凭据的 tagged union；一个账号只有一个与平台匹配的变体
type Credential interface {
	Kind() string
	Validate() error
}

// ClaudeCredential Claude OAuth 凭据（Factory 同构）
type ClaudeCredential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	BaseURL      string // 账号级 API 地址覆盖
}

func (c *ClaudeCredential) Kind() string { return domain.PlatformClaude }
func (c *ClaudeCredential) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("claude credential: empty access token")
	}
	return nil
}

type FactoryCredential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (c *FactoryCredential) Kind() string { return domain.PlatformFactory }
func (c *FactoryCredential) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("factory credential: empty access token")
	}
	return nil
}

// GeminiCredential CodeAssist OAuth 凭据（Antigravity 复用同一形态）
type GeminiCredential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // RFC3339 解析结果，UTC
	ProjectID    string
}

func (c *GeminiCredential) Kind() string { return domain.PlatformGemini }
func (c *GeminiCredential) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("gemini credential: empty access token")
	}
	return nil
}

type KiroCredential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Region       string
	ProfileArn   string
	AuthMethod   string
	ClientID     string
	ClientSecret string
	MachineUUID  string
}

func (c *KiroCredential) Kind() string { return domain.PlatformKiro }
func (c *KiroCredential) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("kiro credential: empty access token")
	}
	if c.Region == "" {
		return fmt.Errorf("kiro credential: empty region")
	}
	return nil
}

// OpenAICredential Responses API 透传池的 API key 凭据，无过期概念
type OpenAICredential struct {
	APIKey  string
	BaseURL string
}

func (c *OpenAICredential) Kind() string { return domain.PlatformOpenAI }
func (c *OpenAICredential) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("openai credential: empty api key")
	}
	return nil
}

type GeminiBusinessCredential struct {
	Csesidx    string
	SESCookie  string // __Secure-C_SES
	OSESCookie string // __Host-C_OSES
	ConfigID   string
	Issuer     string
	Audience   string
}

func (c *GeminiBusinessCredential) Kind() string { return domain.PlatformGeminiBusiness }
func (c *GeminiBusinessCredential) Validate() error {
	if c.Csesidx == "" || c.SESCookie == "" {
		return fmt.Errorf("gemini-business credential: missing csesidx or session cookie")
	}
	return nil
}

// Account 上游账号。状态字段全部用原子量，选择器与转发路径并发读写。
type Account struct {
	ID       int64
	Name     string
	Email    string
	Platform string
	// ModelMapping 账号级模型映射，优先于全局别名表
	ModelMapping map[string]string

	Credential Credential

	enabled          atomic.Bool
	rateLimitedUntil atomic.Int64 // unix 秒；0 表示未限流
	lastUsedAt       atomic.Int64 // unix 纳秒

	requestCount          atomic.Int64
	promptTokens          atomic.Int64
	completionTokens      atomic.Int64
	cacheReadTokens       atomic.Int64
	cacheCreationTokens   atomic.Int64
	lastRateLimitDuration atomic.Int64
}

// NewAccount 创建启用状态的账号；凭据种类必须与平台一致
func NewAccount(id int64, name, platform string, cred Credential) (*Account, error) {
	if !domain.IsValidPlatform(platform) {
		return nil, fmt.Errorf("invalid platform %q", platform)
	}
	if cred == nil {
		return nil, fmt.Errorf("account %d: nil credential", id)
	}
	if err := cred.Validate(); err != nil {
		return nil, fmt.Errorf("account %d: %w", id, err)
	}
	a := &Account{ID: id, Name: name, Platform: platform, Credential: cred}
	a.enabled.Store(true)
	return a, nil
}

// IsEnabled 账号是否启用
func (a *Account) IsEnabled() bool { return a.enabled.Load() }

// Disable 幂等禁用
func (a *Account) Disable() { a.enabled.Store(false) }

// Enable 重新启用（管理操作）
func (a *Account) Enable() { a.enabled.Store(true) }

// IsRateLimited 当前是否处于限流窗口内
func (a *Account) IsRateLimited(now time.Time) bool {
	until := a.rateLimitedUntil.Load()
	return until > 0 && now.Unix() < until
}

// MarkRateLimited 设置限流窗口
func (a *Account) MarkRateLimited(resetSeconds int, now time.Time) {
	if resetSeconds <= 0 {
		resetSeconds = domain.DefaultRateLimitSeconds
	}
	a.rateLimitedUntil.Store(now.Unix() + int64(resetSeconds))
	a.lastRateLimitDuration.Store(int64(resetSeconds))
}

// ClearRateLimit 清除限流标记（到期定时器调用）
func (a *Account) ClearRateLimit() { a.rateLimitedUntil.Store(0) }

// Selectable 是否可参与选择：启用且不在限流窗口
func (a *Account) Selectable(now time.Time) bool {
	return a.IsEnabled() && !a.IsRateLimited(now)
}

// Touch 更新最近使用时间
func (a *Account) Touch(now time.Time) { a.lastUsedAt.Store(now.UnixNano()) }

// LastUsedAt 最近使用时间（unix 纳秒）
func (a *Account) LastUsedAt() int64 { return a.lastUsedAt.Load() }

// RecordTokenUsage 原子累加用量计数；计数只增不减
func (a *Account) RecordTokenUsage(prompt, completion, cacheRead, cacheCreation int64) {
	a.requestCount.Add(1)
	if prompt > 0 {
		a.promptTokens.Add(prompt)
	}
	if completion > 0 {
		a.completionTokens.Add(completion)
	}
	if cacheRead > 0 {
		a.cacheReadTokens.Add(cacheRead)
	}
	if cacheCreation > 0 {
		a.cacheCreationTokens.Add(cacheCreation)
	}
}

// UsageSnapshot 读取用量计数
func (a *Account) UsageSnapshot() (requests, prompt, completion, cacheRead, cacheCreation int64) {
	return a.requestCount.Load(),
		a.promptTokens.Load(),
		a.completionTokens.Load(),
		a.cacheReadTokens.Load(),
		a.cacheCreationTokens.Load()
}

// BaseURL 账号级 API 地址覆盖
func (a *Account) BaseURL() string {
	switch c := a.Credential.(type) {
	case *ClaudeCredential:
		return c.BaseURL
	case *OpenAICredential:
		return c.BaseURL
	default:
		return ""
	}
}

// MapModel 应用账号级模型映射；未命中返回原名
func (a *Account) MapModel(model string) string {
	if a.ModelMapping == nil {
		return model
	}
	if mapped, ok := a.ModelMapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}
