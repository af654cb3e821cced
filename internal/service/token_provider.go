package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

// 各平台的过期提前量
const (
	expirySkewClaude  = 60 * time.Second
	expirySkewFactory = 60 * time.Second
	expirySkewGemini  = 0
	expirySkewKiro    = 15 * time.Minute
)

// TokenRefresher 凭据刷新协作方（OAuth 流程在外部实现）
type TokenRefresher interface {
	// Refresh 返回刷新后的完整凭据
	Refresh(ctx context.Context, account *Account) (Credential, error)
}

// TokenProvider 凭据校验器（C3）。过期判定按平台提前量，
// 刷新按账号 id 单飞，失败即禁用账号。
type TokenProvider struct {
	pool      *AccountPool
	refresher TokenRefresher
	group     singleflight.Group
	now       func() time.Time
}

func NewTokenProvider(pool *AccountPool, refresher TokenRefresher) *TokenProvider {
	return &TokenProvider{pool: pool, refresher: refresher, now: time.Now}
}

// EnsureValid 返回账号当前可用的 access token。
// 过期时触发刷新；刷新失败或拿到空 token 都会禁用账号并返回 ErrAccountDisabled。
func (p *TokenProvider) EnsureValid(ctx context.Context, account *Account) (string, error) {
	token, expired := p.inspect(account)
	if !expired {
		return token, nil
	}

	key := fmt.Sprintf("refresh-%d", account.ID)
	result, err, _ := p.group.Do(key, func() (any, error) {
		// 单飞内重查：前一个持有者可能已经刷新完
		if token, stillExpired := p.inspect(account); !stillExpired {
			return token, nil
		}
		return p.refresh(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// ForceExpire 把凭据标记为已过期，下一次 EnsureValid 会走刷新。
// 上游 401 时用来强制换新 token 再试同一账号。
// inspect 把零值过期时间当作永不过期，所以这里写 epoch 而不是零值。
func (p *TokenProvider) ForceExpire(account *Account) {
	epoch := time.Unix(1, 0)
	switch cred := account.Credential.(type) {
	case *ClaudeCredential:
		cred.ExpiresAt = epoch
	case *FactoryCredential:
		cred.ExpiresAt = epoch
	case *GeminiCredential:
		cred.Expiry = epoch
	case *KiroCredential:
		cred.ExpiresAt = epoch
	}
}

// inspect 读取当前 token 并判断是否过期
func (p *TokenProvider) inspect(account *Account) (token string, expired bool) {
	now := p.now()
	switch cred := account.Credential.(type) {
	case *ClaudeCredential:
		return cred.AccessToken, !cred.ExpiresAt.IsZero() && !cred.ExpiresAt.After(now.Add(expirySkewClaude))
	case *FactoryCredential:
		return cred.AccessToken, !cred.ExpiresAt.IsZero() && !cred.ExpiresAt.After(now.Add(expirySkewFactory))
	case *GeminiCredential:
		return cred.AccessToken, !cred.Expiry.IsZero() && !cred.Expiry.After(now.Add(expirySkewGemini).UTC())
	case *KiroCredential:
		return cred.AccessToken, !cred.ExpiresAt.IsZero() && !cred.ExpiresAt.After(now.Add(expirySkewKiro))
	case *OpenAICredential:
		// API key 凭据不会过期
		return cred.APIKey, false
	case *GeminiBusinessCredential:
		// 业务版没有 access token 概念，JWT 由 geminibiz.TokenProvider 按需签发
		return "", false
	default:
		return "", false
	}
}

func (p *TokenProvider) refresh(ctx context.Context, account *Account) (any, error) {
	if p.refresher == nil {
		p.pool.Disable(account.ID)
		return nil, fmt.Errorf("account %d: no refresher configured: %w", account.ID, ErrAccountDisabled)
	}

	logger.LegacyPrintf("TokenProvider", "refreshing credential account=%d platform=%s", account.ID, account.Platform)
	cred, err := p.refresher.Refresh(ctx, account)
	if err != nil {
		p.pool.Disable(account.ID)
		return nil, fmt.Errorf("account %d: refresh failed: %v: %w", account.ID, err, ErrAccountDisabled)
	}

	token, _ := credentialToken(cred)
	if token == "" {
		p.pool.Disable(account.ID)
		return nil, fmt.Errorf("account %d: refresh returned empty token: %w", account.ID, ErrAccountDisabled)
	}

	account.Credential = cred
	return token, nil
}

func credentialToken(cred Credential) (string, bool) {
	switch c := cred.(type) {
	case *ClaudeCredential:
		return c.AccessToken, true
	case *FactoryCredential:
		return c.AccessToken, true
	case *GeminiCredential:
		return c.AccessToken, true
	case *KiroCredential:
		return c.AccessToken, true
	default:
		return "", false
	}
}
