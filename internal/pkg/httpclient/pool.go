// Package httpclient 提供共享上游 HTTP 客户端池
//
// 所有上游通道（Claude/Factory/Gemini/Antigravity/Kiro/Gemini-Business）
// 按配置参数复用同一 http.Client 实例，复用 Transport 连接池，
// 避免每请求重建 TCP/TLS 握手。
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zelo-labs/relaygate/internal/pkg/tlsfingerprint"
)

// Transport 连接池默认配置
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10

	// IdleTimeoutAnthropic Anthropic 系上游空闲连接超时
	IdleTimeoutAnthropic = 10 * time.Minute
	// IdleTimeoutKiro CodeWhisperer 上游空闲连接超时（AWS LB 断连较快）
	IdleTimeoutKiro = 5 * time.Minute
)

// Options 定义共享 HTTP 客户端的构建参数
type Options struct {
	Timeout               time.Duration // 请求总超时；流式请求传 0
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration // 0 使用 90s 默认值
	InsecureSkipVerify    bool          // 跳过 TLS 证书校验（仅调试）
	DisableCompression    bool          // 默认 false：依赖 Transport 自动解压 gzip

	// NodeTLSFingerprint 用 utls 伪装 Node.js 的 ClientHello 握手。
	// Anthropic 系上游按 TLS 指纹区分客户端，Go 默认握手会被拒。
	NodeTLSFingerprint bool

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
}

// sharedClients 按配置参数缓存 http.Client 实例
var sharedClients sync.Map

// GetClient 返回共享的 HTTP 客户端实例；相同配置复用同一客户端
func GetClient(opts Options) *http.Client {
	key := buildClientKey(opts)
	if cached, ok := sharedClients.Load(key); ok {
		if client, ok := cached.(*http.Client); ok {
			return client
		}
	}

	client := &http.Client{
		Transport: buildTransport(opts),
		Timeout:   opts.Timeout,
	}
	actual, _ := sharedClients.LoadOrStore(key, client)
	if c, ok := actual.(*http.Client); ok {
		return c
	}
	return client
}

func buildTransport(opts Options) *http.Transport {
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	maxIdleConnsPerHost := opts.MaxIdleConnsPerHost
	if maxIdleConnsPerHost <= 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	idleTimeout := opts.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		DisableCompression:    opts.DisableCompression,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			MaxVersion:         tls.VersionTLS13,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
	}
	// 指纹拨号器自带证书校验，跳过校验的调试场景退回标准 TLS
	if opts.NodeTLSFingerprint && !opts.InsecureSkipVerify {
		transport.DialTLSContext = fingerprintDialTLS()
		// utls 握手只协商 http/1.1
		transport.ForceAttemptHTTP2 = false
	}
	return transport
}

// fingerprintDialTLS 按代理环境变量选择直连或 SOCKS5 隧道的指纹拨号器
func fingerprintDialTLS() func(ctx context.Context, network, addr string) (net.Conn, error) {
	for _, env := range []string{"HTTPS_PROXY", "https_proxy", "ALL_PROXY", "all_proxy"} {
		raw := strings.TrimSpace(os.Getenv(env))
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && strings.HasPrefix(u.Scheme, "socks5") {
			return tlsfingerprint.NewSOCKS5Dialer(u).DialTLSContext
		}
	}
	return tlsfingerprint.NewDialer(nil).DialTLSContext
}

func buildClientKey(opts Options) string {
	return fmt.Sprintf("%s|%s|%s|%t|%t|%t|%d|%d|%d",
		opts.Timeout.String(),
		opts.ResponseHeaderTimeout.String(),
		opts.IdleConnTimeout.String(),
		opts.InsecureSkipVerify,
		opts.DisableCompression,
		opts.NodeTLSFingerprint,
		opts.MaxIdleConns,
		opts.MaxIdleConnsPerHost,
		opts.MaxConnsPerHost,
	)
}

// ResetForTest 清空客户端缓存（仅测试使用）
func ResetForTest() {
	sharedClients.Range(func(k, _ any) bool {
		sharedClients.Delete(k)
		return true
	})
}
