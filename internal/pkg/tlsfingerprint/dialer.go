// Package tlsfingerprint 提供模拟 Node.js 客户端 TLS 指纹的拨号器。
// Claude OAuth 上游会校验客户端指纹，Go 默认 ClientHello 会被识别为非官方客户端，
// 因此 Anthropic 通道的 Transport 使用 utls 构造与 Claude CLI 一致的握手。
package tlsfingerprint

import (
	"context"
	"fmt"
	"net"
	"net/url"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"

	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

// Dialer 直连拨号器，作为 http.Transport.DialTLSContext 使用
type Dialer struct {
	baseDialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// SOCKS5Dialer 经 SOCKS5 代理建立隧道后再做 utls 握手
type SOCKS5Dialer struct {
	proxyURL *url.URL
}

// Node.js 20.x + OpenSSL 3.x 的 ClientHello 参数（抓包自 Claude CLI 2.x）
// 顺序决定 JA3 指纹，不可调整
var (
	nodeCipherSuites = []uint16{
		// TLS 1.3 套件置顶
		0x1302, 0x1303, 0x1301,
		// ECDHE + AES-GCM
		0xc02f, 0xc02b, 0xc030, 0xc02c,
		// DHE + AES-GCM
		0x009e,
		// ECDHE/DHE + AES-CBC-SHA256/384
		0xc027, 0x0067, 0xc028, 0x006b,
		// DHE-DSS/RSA + AES-256-GCM
		0x00a3, 0x009f,
		// ChaCha20-Poly1305
		0xcca9, 0xcca8, 0xccaa,
		// AES-CCM 256
		0xc0af, 0xc0ad, 0xc0a3, 0xc09f,
		// ARIA 256
		0xc05d, 0xc061, 0xc057, 0xc053,
		// DHE-DSS + AES-128-GCM
		0x00a2,
		// AES-CCM 128
		0xc0ae, 0xc0ac, 0xc0a2, 0xc09e,
		// ARIA 128
		0xc05c, 0xc060, 0xc056, 0xc052,
		// CBC-SHA384/256
		0xc024, 0x006a, 0xc023, 0x0040,
		// 旧式 CBC-SHA
		0xc00a, 0xc014, 0x0039, 0x0038, 0xc009, 0xc013, 0x0033, 0x0032,
		// RSA 非 PFS 256
		0x009d, 0xc0a1, 0xc09d, 0xc051,
		// RSA 非 PFS 128
		0x009c, 0xc0a0, 0xc09c, 0xc050,
		// RSA CBC
		0x003d, 0x003c, 0x0035, 0x002f,
		// renegotiation SCSV
		0x00ff,
	}

	nodeCurves = []utls.CurveID{
		utls.X25519,
		utls.CurveP256,
		utls.CurveID(0x001e), // x448
		utls.CurveP521,
		utls.CurveP384,
		utls.CurveID(0x0100), // ffdhe2048
		utls.CurveID(0x0101), // ffdhe3072
		utls.CurveID(0x0102), // ffdhe4096
		utls.CurveID(0x0103), // ffdhe6144
		utls.CurveID(0x0104), // ffdhe8192
	}

	nodePointFormats = []uint8{0, 1, 2}

	nodeSignatureAlgorithms = []utls.SignatureScheme{
		0x0403, 0x0503, 0x0603, 0x0807, 0x0808,
		0x0809, 0x080a, 0x080b, 0x0804, 0x0805,
		0x0806, 0x0401, 0x0501, 0x0601, 0x0303,
		0x0301, 0x0302, 0x0402, 0x0502, 0x0602,
	}
)

// NewDialer 创建直连指纹拨号器；baseDialer 为 nil 时直接 TCP 拨号
func NewDialer(baseDialer func(ctx context.Context, network, addr string) (net.Conn, error)) *Dialer {
	if baseDialer == nil {
		baseDialer = (&net.Dialer{}).DialContext
	}
	return &Dialer{baseDialer: baseDialer}
}

// NewSOCKS5Dialer 创建经 SOCKS5 隧道的指纹拨号器
func NewSOCKS5Dialer(proxyURL *url.URL) *SOCKS5Dialer {
	return &SOCKS5Dialer{proxyURL: proxyURL}
}

// DialTLSContext 建立 TCP 连接后以 Node 指纹完成 TLS 握手
func (d *Dialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.baseDialer(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return handshake(ctx, conn, addr)
}

// DialTLSContext 先经 SOCKS5 建立到目标的隧道，再在隧道上握手
func (d *SOCKS5Dialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: password}
	}

	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "1080")
	}

	socksDialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	conn, err := socksDialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connect: %w", err)
	}
	return handshake(ctx, conn, addr)
}

func handshake(ctx context.Context, conn net.Conn, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := tlsConn.ApplyPreset(buildClientHelloSpec()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply TLS preset: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}

	state := tlsConn.ConnectionState()
	logger.L().Sugar().Debugw("tls_fingerprint_handshake",
		"host", host,
		"version", fmt.Sprintf("0x%04x", state.Version),
		"cipher_suite", fmt.Sprintf("0x%04x", state.CipherSuite),
		"alpn", state.NegotiatedProtocol)
	return tlsConn, nil
}

// buildClientHelloSpec 构造 Node.js 的 ClientHello。扩展顺序同样参与指纹：
// server_name(0), ec_point_formats(11), supported_groups(10), session_ticket(35),
// alpn(16), encrypt_then_mac(22), extended_master_secret(23),
// signature_algorithms(13), supported_versions(43), psk_modes(45), key_share(51)
func buildClientHelloSpec() *utls.ClientHelloSpec {
	extensions := []utls.TLSExtension{
		&utls.SNIExtension{},
		&utls.SupportedPointsExtension{SupportedPoints: nodePointFormats},
		&utls.SupportedCurvesExtension{Curves: nodeCurves},
		&utls.SessionTicketExtension{},
		&utls.ALPNExtension{AlpnProtocols: []string{"http/1.1"}},
		&utls.GenericExtension{Id: 22},
		&utls.ExtendedMasterSecretExtension{},
		&utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: nodeSignatureAlgorithms},
		&utls.SupportedVersionsExtension{Versions: []uint16{
			utls.VersionTLS13,
			utls.VersionTLS12,
		}},
		&utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}},
		&utls.KeyShareExtension{KeyShares: []utls.KeyShare{{Group: utls.X25519}}},
	}

	return &utls.ClientHelloSpec{
		CipherSuites:       nodeCipherSuites,
		CompressionMethods: []uint8{0},
		Extensions:         extensions,
		TLSVersMax:         utls.VersionTLS13,
		TLSVersMin:         utls.VersionTLS10,
	}
}
