package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/pkg/httpclient"
)

// geminiCLIUserAgent CodeAssist 上游要求的 CLI 指纹
func geminiCLIUserAgent() string {
	return fmt.Sprintf("GeminiCLI/0.1.5 (%s; %s)", runtime.GOOS, runtime.GOARCH)
}

// wrapV1Internal 把原生 Gemini 请求体包进 v1internal 外层
func wrapV1Internal(projectID, model string, body []byte) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if projectID != "" {
		if out, err = sjson.SetBytes(out, "project", projectID); err != nil {
			return nil, err
		}
	}
	if out, err = sjson.SetBytes(out, "requestId", "agent-"+uuid.New().String()); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "userAgent", geminiCLIUserAgent()); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "model", model); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, "request", body)
}

// unwrapV1Internal 去掉 response 外层；没有外层时原样返回
func unwrapV1Internal(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() && inner.IsObject() {
		return []byte(inner.Raw)
	}
	return body
}

// ForwardGemini CodeAssist 通道：Gemini 方言透传（v1internal 包装）
func (s *GatewayService) ForwardGemini(ctx context.Context, c *gin.Context, account *Account, token, model string, stream bool, body []byte) (*ForwardResult, error) {
	endpoint := s.cfg.Gemini.CodeAssistEndpoint
	if endpoint == "" {
		return nil, fmt.Errorf("gemini code assist endpoint not configured")
	}

	upstreamBody, err := wrapV1Internal(antigravityProjectID(account), account.MapModel(model), body)
	if err != nil {
		return nil, err
	}

	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	url := strings.TrimSuffix(endpoint, "/") + "/v1internal:" + action
	if stream {
		url += "?alt=sse"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(upstreamBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", geminiCLIUserAgent())

	client := httpclient.GetClient(httpclient.Options{
		IdleConnTimeout:    httpclient.IdleTimeoutAnthropic,
		InsecureSkipVerify: config.SkipTLSValidate(),
	})
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readErrorResult(resp)
	}
	if stream {
		return s.relayGeminiSSE(c, resp)
	}
	return s.relayGeminiJSON(c, resp)
}

// relayGeminiJSON 非流式：unwrap 后原样回写
func (s *GatewayService) relayGeminiJSON(c *gin.Context, resp *http.Response) (*ForwardResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ForwardResult{StatusCode: resp.StatusCode, Header: resp.Header}, err
	}
	inner := unwrapV1Internal(body)
	res := &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Started:    true,
		Usage:      extractGeminiUsage(inner),
	}
	c.Data(resp.StatusCode, "application/json; charset=utf-8", inner)
	return res, nil
}

// relayGeminiSSE 流式：逐行 unwrap 再转发
func (s *GatewayService) relayGeminiSSE(c *gin.Context, resp *http.Response) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(resp.StatusCode)

	res := &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Started:    true,
	}
	sw := NewSSEWriter(c.Writer)

	err := s.scanUpstreamLines(c.Request.Context(), resp.Body, func(line string) error {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			if strings.TrimSpace(line) == "" {
				return sw.WriteRaw("\n")
			}
			return sw.WriteRaw(line + "\n")
		}
		inner := unwrapV1Internal([]byte(data))
		if u := extractGeminiUsage(inner); u != (UsageTotals{}) {
			res.Usage = u
		}
		return sw.WriteRaw("data: " + string(inner) + "\n")
	})
	return res, err
}

// extractGeminiUsage usageMetadata → 统一用量
func extractGeminiUsage(body []byte) UsageTotals {
	meta := gjson.GetBytes(body, "usageMetadata")
	if !meta.Exists() {
		return UsageTotals{}
	}
	return UsageTotals{
		InputTokens: int(meta.Get("promptTokenCount").Int()),
		OutputTokens: int(meta.Get("candidatesTokenCount").Int()) +
			int(meta.Get("thoughtsTokenCount").Int()),
		CacheReadTokens: int(meta.Get("cachedContentTokenCount").Int()),
	}
}
