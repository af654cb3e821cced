// Package geminibiz 实现 Gemini 业务版 widget 通道的 JWT 签发与会话客户端。
package geminibiz

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/golang-jwt/jwt/v5"
)

// jwtHeader 字段顺序参与签名，不可调整
type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type jwtClaims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// JWTTTL 签发有效期
const JWTTTL = 300 * time.Second

// byteSafeEncode 复刻上游 widget 前端的编码怪癖：
// 对每个 UTF-16 code unit，>255 时先低字节后高字节，否则只取低字节。
// ASCII 输入下与原始字节一致；必须逐位复现，上游按同样规则校验签名。
func byteSafeEncode(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units))
	for _, u := range units {
		if u > 255 {
			out = append(out, byte(u&0xff), byte(u>>8))
			continue
		}
		out = append(out, byte(u))
	}
	return out
}

func b64Segment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// MintJWT 以 xsrf 派生密钥签发 widget JWT。
// header/payload 用 byte-safe 编码再 base64url（无 padding），
// HMAC-SHA256 走 golang-jwt 的 SigningMethodHS256。
func MintJWT(key []byte, keyID, issuer, audience, csesidx string, now time.Time) (string, error) {
	headerJSON, err := json.Marshal(jwtHeader{Alg: "HS256", Typ: "JWT", Kid: keyID})
	if err != nil {
		return "", fmt.Errorf("marshal jwt header: %w", err)
	}
	claimsJSON, err := json.Marshal(jwtClaims{
		Iss: issuer,
		Aud: audience,
		Sub: "csesidx/" + csesidx,
		Iat: now.Unix(),
		Exp: now.Add(JWTTTL).Unix(),
		Nbf: now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal jwt claims: %w", err)
	}

	signingString := b64Segment(byteSafeEncode(string(headerJSON))) + "." +
		b64Segment(byteSafeEncode(string(claimsJSON)))

	sig, err := jwt.SigningMethodHS256.Sign(signingString, key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signingString + "." + b64Segment(sig), nil
}

// XSRFInfo xsrf endpoint 的响应
type XSRFInfo struct {
	XSRFToken string `json:"xsrfToken"`
	KeyID     string `json:"keyId"`
}

// ParseXSRFResponse 剥掉反 JSON 劫持前缀 )]}' 后解析
func ParseXSRFResponse(body []byte) (*XSRFInfo, error) {
	text := strings.TrimSpace(string(body))
	text = strings.TrimPrefix(text, ")]}'")
	text = strings.TrimSpace(text)

	var info XSRFInfo
	if err := json.Unmarshal([]byte(text), &info); err != nil {
		return nil, fmt.Errorf("parse xsrf response: %w", err)
	}
	if info.XSRFToken == "" || info.KeyID == "" {
		return nil, fmt.Errorf("xsrf response missing token or keyId")
	}
	return &info, nil
}

// DecodeXSRFKey base64url 解码 xsrfToken 得到 HMAC 密钥（容忍有/无 padding）
func DecodeXSRFKey(token string) ([]byte, error) {
	token = strings.TrimRight(token, "=")
	key, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode xsrf token: %w", err)
	}
	return key, nil
}
