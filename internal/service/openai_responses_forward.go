package service

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/pkg/httpclient"
)

const openaiResponsesURL = "https://api.openai.com/v1/responses"

// openaiResponsesEndpoint 账号 BaseURL 归一化：
// 已带 /responses 的保持原样，带 /v1 的补 /responses，其他补 /v1/responses。
func openaiResponsesEndpoint(base string) string {
	if base == "" {
		return openaiResponsesURL
	}
	normalized := strings.TrimSuffix(base, "/")
	if strings.HasSuffix(normalized, "/responses") {
		return normalized
	}
	if strings.HasSuffix(normalized, "/v1") {
		return normalized + "/responses"
	}
	return normalized + "/v1/responses"
}

// ForwardOpenAIResponses Responses API 透传。
// 事件流必须符合 OpenAI Responses schema，不做改写。
func (s *GatewayService) ForwardOpenAIResponses(ctx context.Context, c *gin.Context, account *Account, token string, body []byte, stream bool) (*ForwardResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiResponsesEndpoint(account.BaseURL()), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

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
		return s.relayResponsesSSE(c, resp)
	}
	return s.relayResponsesJSON(c, resp)
}

func (s *GatewayService) relayResponsesJSON(c *gin.Context, resp *http.Response) (*ForwardResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ForwardResult{StatusCode: resp.StatusCode, Header: resp.Header}, err
	}
	res := &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Started:    true,
		Usage:      extractResponsesUsage(gjson.GetBytes(body, "usage")),
	}
	c.Data(resp.StatusCode, "application/json; charset=utf-8", body)
	return res, nil
}

func (s *GatewayService) relayResponsesSSE(c *gin.Context, resp *http.Response) (*ForwardResult, error) {
	streamHeaders(c)
	c.Writer.WriteHeader(resp.StatusCode)

	res := &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Started:    true,
	}
	sw := NewSSEWriter(c.Writer)

	err := s.scanUpstreamLines(c.Request.Context(), resp.Body, func(line string) error {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			// 终态事件 response.completed 携带最终用量
			if u := gjson.Get(data, "response.usage"); u.Exists() {
				res.Usage = extractResponsesUsage(u)
			}
		}
		return sw.WriteRaw(line + "\n")
	})
	return res, err
}

func extractResponsesUsage(u gjson.Result) UsageTotals {
	if !u.Exists() {
		return UsageTotals{}
	}
	return UsageTotals{
		InputTokens:     int(u.Get("input_tokens").Int()),
		OutputTokens:    int(u.Get("output_tokens").Int()),
		CacheReadTokens: int(u.Get("input_tokens_details.cached_tokens").Int()),
	}
}
