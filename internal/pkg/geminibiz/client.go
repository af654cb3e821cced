package geminibiz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/imroc/req/v3"
)

// widget 端点路径
const (
	pathXSRF                    = "/api/widget/xsrf"
	pathCreateSession           = "/api/widget/widgetCreateSession"
	pathStreamAssist            = "/api/widget/widgetStreamAssist"
	pathAddContextFile          = "/api/widget/widgetAddContextFile"
	pathListSessionFileMetadata = "/api/widget/widgetListSessionFileMetadata"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Credentials 业务版账号凭据
type Credentials struct {
	Csesidx    string
	SESCookie  string // __Secure-C_SES
	OSESCookie string // __Host-C_OSES
	ConfigID   string
	Issuer     string
	Audience   string
}

// Client widget 通道客户端
type Client struct {
	base      *req.Client
	baseURL   string
	userAgent string
}

// NewClient 创建客户端；userAgent 为空时用默认浏览器 UA
func NewClient(baseURL, userAgent string, timeout time.Duration) *Client {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	c := req.C().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetUserAgent(userAgent)
	return &Client{base: c, baseURL: baseURL, userAgent: userAgent}
}

func (c *Client) cookieHeader(creds *Credentials) string {
	return fmt.Sprintf("__Secure-C_SES=%s; __Host-C_OSES=%s", creds.SESCookie, creds.OSESCookie)
}

// FetchXSRF 拉取 xsrf token 与 keyId
func (c *Client) FetchXSRF(ctx context.Context, creds *Credentials) (*XSRFInfo, error) {
	resp, err := c.base.R().
		SetContext(ctx).
		SetQueryParam("csesidx", creds.Csesidx).
		SetHeader("Cookie", c.cookieHeader(creds)).
		Get(pathXSRF)
	if err != nil {
		return nil, fmt.Errorf("fetch xsrf: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("fetch xsrf: status %d", resp.StatusCode)
	}
	return ParseXSRFResponse(resp.Bytes())
}

// CreateSession 创建 widget 会话，返回会话名
func (c *Client) CreateSession(ctx context.Context, creds *Credentials, token string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	resp, err := c.base.R().
		SetContext(ctx).
		SetHeader("Cookie", c.cookieHeader(creds)).
		SetHeader("JWT", token).
		SetBodyJsonMarshal(map[string]any{"configId": creds.ConfigID}).
		SetSuccessResult(&out).
		Post(pathCreateSession)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("create session: status %d: %s", resp.StatusCode, resp.String())
	}
	return out.Name, nil
}

// StreamAssist 发起流式对话；返回响应供调用方逐段读取 Body
func (c *Client) StreamAssist(ctx context.Context, creds *Credentials, token string, body map[string]any) (*req.Response, error) {
	body["configId"] = creds.ConfigID
	resp, err := c.base.R().
		SetContext(ctx).
		SetHeader("Cookie", c.cookieHeader(creds)).
		SetHeader("JWT", token).
		SetBodyJsonMarshal(body).
		DisableAutoReadResponse().
		Post(pathStreamAssist)
	if err != nil {
		return nil, fmt.Errorf("stream assist: %w", err)
	}
	return resp, nil
}

// AddContextFile 上传上下文文件
func (c *Client) AddContextFile(ctx context.Context, creds *Credentials, token, session, fileName string, data []byte) error {
	resp, err := c.base.R().
		SetContext(ctx).
		SetHeader("Cookie", c.cookieHeader(creds)).
		SetHeader("JWT", token).
		SetBodyJsonMarshal(map[string]any{
			"configId": creds.ConfigID,
			"session":  session,
			"fileName": fileName,
			"fileData": data,
		}).
		Post(pathAddContextFile)
	if err != nil {
		return fmt.Errorf("add context file: %w", err)
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("add context file: status %d", resp.StatusCode)
	}
	return nil
}

// ListSessionFileMetadata 列出会话内文件元信息
func (c *Client) ListSessionFileMetadata(ctx context.Context, creds *Credentials, token, session string) ([]byte, error) {
	resp, err := c.base.R().
		SetContext(ctx).
		SetHeader("Cookie", c.cookieHeader(creds)).
		SetHeader("JWT", token).
		SetBodyJsonMarshal(map[string]any{
			"configId": creds.ConfigID,
			"session":  session,
		}).
		Post(pathListSessionFileMetadata)
	if err != nil {
		return nil, fmt.Errorf("list session files: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("list session files: status %d", resp.StatusCode)
	}
	return resp.Bytes(), nil
}

// ---- JWT 缓存 ----

// TokenProvider 按账号缓存 JWT；缓存期内复用，过期后持锁单飞刷新
type TokenProvider struct {
	client   *Client
	cacheTTL time.Duration

	mu      sync.Mutex
	entries map[int64]*tokenEntry
}

type tokenEntry struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenProvider cacheTTL 必须小于 JWTTTL，默认 270s
func NewTokenProvider(client *Client, cacheTTL time.Duration) *TokenProvider {
	if cacheTTL <= 0 || cacheTTL >= JWTTTL {
		cacheTTL = 270 * time.Second
	}
	return &TokenProvider{
		client:   client,
		cacheTTL: cacheTTL,
		entries:  make(map[int64]*tokenEntry),
	}
}

// Token 返回账号当前有效 JWT；必要时重新拉 xsrf 并签发
func (p *TokenProvider) Token(ctx context.Context, accountID int64, creds *Credentials) (string, error) {
	p.mu.Lock()
	entry, ok := p.entries[accountID]
	if !ok {
		entry = &tokenEntry{}
		p.entries[accountID] = entry
	}
	p.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.token != "" && time.Now().Before(entry.expiresAt) {
		return entry.token, nil
	}

	info, err := p.client.FetchXSRF(ctx, creds)
	if err != nil {
		return "", err
	}
	key, err := DecodeXSRFKey(info.XSRFToken)
	if err != nil {
		return "", err
	}
	token, err := MintJWT(key, info.KeyID, creds.Issuer, creds.Audience, creds.Csesidx, time.Now())
	if err != nil {
		return "", err
	}

	entry.token = token
	entry.expiresAt = time.Now().Add(p.cacheTTL)
	return token, nil
}

// Invalidate 清除账号缓存（上游 401 时调用）
func (p *TokenProvider) Invalidate(accountID int64) {
	p.mu.Lock()
	entry, ok := p.entries[accountID]
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.token = ""
	entry.expiresAt = time.Time{}
	entry.mu.Unlock()
}
