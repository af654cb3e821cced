package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
)

const (
	claudeOAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"
	claudeOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	kiroSocialRefreshURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
)

// OAuthRefresher 各平台凭据刷新实现。
// 刷新走各自的 OAuth token 端点，返回完整的新凭据。
// Anthropic 的 OAuth 端点会校验客户端 TLS 指纹，统一走 Chrome 仿真。
type OAuthRefresher struct {
	client *req.Client
}

func NewOAuthRefresher() *OAuthRefresher {
	return &OAuthRefresher{
		client: req.C().
			SetTimeout(60 * time.Second).
			ImpersonateChrome().
			SetCookieJar(nil),
	}
}

// Refresh 按凭据种类分派
func (r *OAuthRefresher) Refresh(ctx context.Context, account *Account) (Credential, error) {
	switch cred := account.Credential.(type) {
	case *ClaudeCredential:
		return r.refreshClaude(ctx, cred)
	case *GeminiCredential:
		return r.refreshGemini(ctx, cred)
	case *KiroCredential:
		return r.refreshKiro(ctx, cred)
	case *FactoryCredential:
		// Factory 令牌没有自助刷新端点，过期只能重新导入
		return nil, fmt.Errorf("factory credential cannot be refreshed")
	default:
		return nil, fmt.Errorf("credential kind %q cannot be refreshed", account.Credential.Kind())
	}
}

func (r *OAuthRefresher) refreshClaude(ctx context.Context, cred *ClaudeCredential) (Credential, error) {
	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": cred.RefreshToken,
			"client_id":     claudeOAuthClientID,
		}).
		SetSuccessResult(&result).
		Post(claudeOAuthTokenURL)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("token refresh failed: status %d: %s",
			resp.StatusCode, ExtractUpstreamErrorMessage(resp.String()))
	}

	next := &ClaudeCredential{
		AccessToken:  result.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
		BaseURL:      cred.BaseURL,
	}
	if result.RefreshToken != "" {
		next.RefreshToken = result.RefreshToken
	}
	return next, nil
}

func (r *OAuthRefresher) refreshGemini(ctx context.Context, cred *GeminiCredential) (Credential, error) {
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetFormDataFromValues(url.Values{
			"client_id":     {antigravity.OAuthClientID},
			"client_secret": {antigravity.OAuthClientSecret},
			"refresh_token": {cred.RefreshToken},
			"grant_type":    {"refresh_token"},
		}).
		SetSuccessResult(&result).
		Post(antigravity.OAuthTokenURL)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("token refresh failed: status %d: %s",
			resp.StatusCode, ExtractUpstreamErrorMessage(resp.String()))
	}

	return &GeminiCredential{
		AccessToken:  result.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(result.ExpiresIn) * time.Second).UTC(),
		ProjectID:    cred.ProjectID,
	}, nil
}

func (r *OAuthRefresher) refreshKiro(ctx context.Context, cred *KiroCredential) (Credential, error) {
	var endpoint string
	var payload map[string]string

	if strings.EqualFold(cred.AuthMethod, "social") || cred.ClientID == "" {
		endpoint = kiroSocialRefreshURL
		payload = map[string]string{"refreshToken": cred.RefreshToken}
	} else {
		// IdC 登录走 AWS SSO OIDC
		region := cred.Region
		if region == "" {
			region = "us-east-1"
		}
		endpoint = fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
		payload = map[string]string{
			"clientId":     cred.ClientID,
			"clientSecret": cred.ClientSecret,
			"refreshToken": cred.RefreshToken,
			"grantType":    "refresh_token",
		}
	}

	var result struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetSuccessResult(&result).
		Post(endpoint)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("token refresh failed: status %d: %s",
			resp.StatusCode, ExtractUpstreamErrorMessage(resp.String()))
	}

	next := *cred
	next.AccessToken = result.AccessToken
	next.ExpiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	if result.RefreshToken != "" {
		next.RefreshToken = result.RefreshToken
	}
	return &next, nil
}
