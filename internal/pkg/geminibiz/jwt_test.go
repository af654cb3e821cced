package geminibiz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSafeEncode(t *testing.T) {
	// ASCII 原样
	assert.Equal(t, []byte("hello"), byteSafeEncode("hello"))

	// code unit ≤255 只取低字节：é = U+00E9
	assert.Equal(t, []byte{0xE9}, byteSafeEncode("é"))

	// code unit >255 低字节在前：中 = U+4E2D
	assert.Equal(t, []byte{0x2D, 0x4E}, byteSafeEncode("中"))

	assert.Equal(t, []byte{'a', 0x2D, 0x4E, 'b'}, byteSafeEncode("a中b"))
}

// 固定输入下 JWT 必须逐字节可复现（跨实现 golden）
func TestMintJWTGolden(t *testing.T) {
	key, err := DecodeXSRFKey("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), key)

	now := time.Unix(1700000000, 0)
	token, err := MintJWT(key, "key-1", "https://issuer.example", "gemini-widget", "abc123", now)
	require.NoError(t, err)

	const want = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCIsImtpZCI6ImtleS0xIn0." +
		"eyJpc3MiOiJodHRwczovL2lzc3Vlci5leGFtcGxlIiwiYXVkIjoiZ2VtaW5pLXdpZGdldCIsInN1YiI6ImNzZXNpZHgvYWJjMTIzIiwiaWF0IjoxNzAwMDAwMDAwLCJleHAiOjE3MDAwMDAzMDAsIm5iZiI6MTcwMDAwMDAwMH0." +
		"55y83bjfaVzPavf3jAHzyZhByELC3x12mrGSkXiNnAc"
	assert.Equal(t, want, token)
}

func TestParseXSRFResponse(t *testing.T) {
	t.Run("with anti-hijack prefix", func(t *testing.T) {
		info, err := ParseXSRFResponse([]byte(")]}'\n{\"xsrfToken\":\"tok\",\"keyId\":\"k1\"}"))
		require.NoError(t, err)
		assert.Equal(t, "tok", info.XSRFToken)
		assert.Equal(t, "k1", info.KeyID)
	})

	t.Run("without prefix", func(t *testing.T) {
		info, err := ParseXSRFResponse([]byte(`{"xsrfToken":"tok","keyId":"k1"}`))
		require.NoError(t, err)
		assert.Equal(t, "tok", info.XSRFToken)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := ParseXSRFResponse([]byte(`{"xsrfToken":""}`))
		assert.Error(t, err)
	})
}

func TestDecodeXSRFKeyPaddingTolerant(t *testing.T) {
	unpadded, err := DecodeXSRFKey("YWJj")
	require.NoError(t, err)
	padded, err := DecodeXSRFKey("YWJj==")
	require.NoError(t, err)
	assert.Equal(t, unpadded, padded)
	assert.Equal(t, []byte("abc"), unpadded)
}
