package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
)

func newTestGateway(t *testing.T, accounts ...*Account) (*GatewayService, *AccountPool, *SessionCache) {
	t.Helper()
	gw, pool, sessions := newTestGatewayWithRefresher(t, &stubRefresher{}, accounts...)
	return gw, pool, sessions
}

func newTestGatewayWithRefresher(t *testing.T, refresher TokenRefresher, accounts ...*Account) (*GatewayService, *AccountPool, *SessionCache) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := NewAccountPool(accounts)
	sessions, err := NewSessionCache(time.Minute)
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	wheel, err := NewTimingWheelService()
	require.NoError(t, err)
	t.Cleanup(wheel.Stop)

	logs := NewRequestLogSink(100, 7, "")
	t.Cleanup(logs.Stop)

	gw := NewGatewayService(
		&config.Config{},
		pool,
		sessions,
		NewTokenProvider(pool, refresher),
		NewUsageEstimator(nil),
		logs,
		wheel,
	)
	return gw, pool, sessions
}

func newTestGinContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	return c, w
}

func TestDispatchSuccessFirstAttempt(t *testing.T) {
	a := newTestAccount(t, 1, domain.PlatformClaude)
	gw, _, sessions := newTestGateway(t, a)
	c, w := newTestGinContext(t)

	attempts := 0
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
		StickyKey:   "conv-1",
		LogPrefix:   "Claude-Forward",
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		attempts++
		account.Touch(time.Now())
		c.String(http.StatusOK, "ok")
		return &ForwardResult{StatusCode: 200, Started: true,
			Usage: UsageTotals{InputTokens: 3, OutputTokens: 5}}, nil
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, http.StatusOK, w.Code)

	// P2: 2xx 后粘性写入
	sessions.Wait()
	id, ok := sessions.GetConversationAccount("conv-1")
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestDispatchRetriesServerErrorThenSucceeds(t *testing.T) {
	a1 := newTestAccount(t, 1, domain.PlatformClaude)
	a2 := newTestAccount(t, 2, domain.PlatformClaude)
	gw, _, _ := newTestGateway(t, a1, a2)
	c, w := newTestGinContext(t)

	var tried []int64
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		tried = append(tried, account.ID)
		if len(tried) == 1 {
			return &ForwardResult{StatusCode: 502, Body: []byte("bad gateway")}, nil
		}
		c.String(http.StatusOK, "ok")
		return &ForwardResult{StatusCode: 200, Started: true}, nil
	})

	require.Len(t, tried, 2)
	assert.NotEqual(t, tried[0], tried[1], "same account retried")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatch401RefreshesAndRetriesSameAccount(t *testing.T) {
	// 单账号池：401 先强刷 token 重试同一账号，而不是直接禁用
	a := newTestAccount(t, 1, domain.PlatformClaude)
	refresher := &stubRefresher{cred: &ClaudeCredential{
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	gw, pool, _ := newTestGatewayWithRefresher(t, refresher, a)
	c, w := newTestGinContext(t)

	var tried []int64
	var tokens []string
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		tried = append(tried, account.ID)
		tokens = append(tokens, token)
		if len(tried) == 1 {
			return &ForwardResult{StatusCode: 401, Body: []byte(`{"error":{"message":"expired"}}`)}, nil
		}
		c.String(http.StatusOK, "ok")
		return &ForwardResult{StatusCode: 200, Started: true}, nil
	})

	require.Len(t, tried, 2)
	assert.Equal(t, tried[0], tried[1], "retry must hit the same account")
	assert.Equal(t, []string{"tok", "fresh"}, tokens)
	assert.Equal(t, int64(1), refresher.calls.Load())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, pool.TryGet(a.ID).IsEnabled(), "account must survive a recoverable 401")
}

func TestDispatch401AfterRefreshDisablesAndMovesOn(t *testing.T) {
	a1 := newTestAccount(t, 1, domain.PlatformClaude)
	a2 := newTestAccount(t, 2, domain.PlatformClaude)
	refresher := &stubRefresher{cred: &ClaudeCredential{
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	gw, pool, _ := newTestGatewayWithRefresher(t, refresher, a1, a2)
	c, w := newTestGinContext(t)

	var tried []int64
	first := int64(0)
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		tried = append(tried, account.ID)
		if first == 0 {
			first = account.ID
		}
		if account.ID == first {
			// 刷新后仍然 401：账号确实失效了
			return &ForwardResult{StatusCode: 401, Body: []byte(`{"error":{"message":"revoked"}}`)}, nil
		}
		c.String(http.StatusOK, "ok")
		return &ForwardResult{StatusCode: 200, Started: true}, nil
	})

	// 首账号强刷重试一次后禁用，换号成功
	require.Len(t, tried, 3)
	assert.Equal(t, tried[0], tried[1])
	assert.NotEqual(t, tried[0], tried[2])
	assert.False(t, pool.TryGet(first).IsEnabled())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatch429MarksRateLimited(t *testing.T) {
	a1 := newTestAccount(t, 1, domain.PlatformClaude)
	a2 := newTestAccount(t, 2, domain.PlatformClaude)
	gw, pool, _ := newTestGateway(t, a1, a2)
	c, _ := newTestGinContext(t)

	var limited int64
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		if limited == 0 {
			limited = account.ID
			h := http.Header{}
			h.Set("Retry-After", "30")
			return &ForwardResult{StatusCode: 429, Header: h}, nil
		}
		c.String(http.StatusOK, "ok")
		return &ForwardResult{StatusCode: 200, Started: true}, nil
	})

	assert.True(t, pool.TryGet(limited).IsRateLimited(time.Now()))
}

func TestParseRetryAfterClamp(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	assert.Equal(t, 30, ParseRetryAfter(h))

	h.Set("Retry-After", "600")
	assert.Equal(t, domain.DefaultRateLimitSeconds, ParseRetryAfter(h))

	h.Set("Retry-After", "not-a-number")
	assert.Equal(t, domain.DefaultRateLimitSeconds, ParseRetryAfter(h))

	assert.Equal(t, domain.DefaultRateLimitSeconds, ParseRetryAfter(http.Header{}))
}

func TestDispatchClientErrorShortCircuits(t *testing.T) {
	a1 := newTestAccount(t, 1, domain.PlatformClaude)
	a2 := newTestAccount(t, 2, domain.PlatformClaude)
	gw, _, _ := newTestGateway(t, a1, a2)
	c, w := newTestGinContext(t)

	attempts := 0
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		attempts++
		return &ForwardResult{
			StatusCode: 400,
			Body:       []byte(`{"error":{"type":"invalid_request_error","message":"max_tokens is required"}}`),
		}, nil
	})

	assert.Equal(t, 1, attempts, "client error must not retry")
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "error", gjson.Get(w.Body.String(), "type").String())
	assert.Equal(t, "max_tokens is required", gjson.Get(w.Body.String(), "error.message").String())
}

func TestDispatchPoolExhaustionTerminalEnvelope(t *testing.T) {
	var accounts []*Account
	for i := int64(1); i <= 5; i++ {
		accounts = append(accounts, newTestAccount(t, i, domain.PlatformClaude))
	}
	gw, _, _ := newTestGateway(t, accounts...)
	c, w := newTestGinContext(t)

	logs := NewRequestLogSink(10, 7, "")
	defer logs.Stop()
	entry := logs.Begin("m", "claude", false)

	attempts := 0
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
		Entry:       entry,
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		attempts++
		return &ForwardResult{StatusCode: 502, Body: []byte("upstream exploded")}, nil
	})

	// 5 个账号各试一次后池子穷尽
	assert.Equal(t, 5, attempts)
	assert.Equal(t, 502, w.Code)
	assert.Equal(t, "api_error", gjson.Get(w.Body.String(), "error.type").String())
	assert.True(t, entry.Finalized())
	assert.Equal(t, 502, entry.StatusCode)
	assert.Len(t, entry.Retries, 5)
}

func TestDispatchNoAccountsDefaultTerminal(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	c, w := newTestGinContext(t)

	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectOpenAI,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 3,
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		t.Fatal("forward must not be called with an empty pool")
		return nil, nil
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "all retries failed", gjson.Get(w.Body.String(), "error.message").String())
	assert.Equal(t, "api_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestDispatchStickyAccountPreferred(t *testing.T) {
	a1 := newTestAccount(t, 1, domain.PlatformClaude)
	a2 := newTestAccount(t, 2, domain.PlatformClaude)
	gw, _, sessions := newTestGateway(t, a1, a2)

	sessions.SetConversationAccount("conv-x", 2)
	sessions.Wait()

	c, _ := newTestGinContext(t)
	var picked int64
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
		StickyKey:   "conv-x",
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		picked = account.ID
		c.String(http.StatusOK, "ok")
		return &ForwardResult{StatusCode: 200, Started: true}, nil
	})

	assert.Equal(t, int64(2), picked)
}

func TestDispatchStartedStreamStopsRetry(t *testing.T) {
	a1 := newTestAccount(t, 1, domain.PlatformClaude)
	a2 := newTestAccount(t, 2, domain.PlatformClaude)
	gw, _, _ := newTestGateway(t, a1, a2)
	c, _ := newTestGinContext(t)

	attempts := 0
	gw.Dispatch(c, DispatchOptions{
		Dialect:     domain.DialectAnthropic,
		Providers:   []string{domain.PlatformClaude},
		MaxAttempts: 15,
	}, func(ctx context.Context, account *Account, token string) (*ForwardResult, error) {
		attempts++
		// 流已开写后上游 500：不能换号重试
		return &ForwardResult{StatusCode: 500, Started: true}, nil
	})

	assert.Equal(t, 1, attempts)
}

func TestAnthropicProviderChain(t *testing.T) {
	chain, fallback := AnthropicProviderChain("claude-cli/1.0.83 (external, cli)")
	assert.Equal(t, []string{domain.PlatformClaude, domain.PlatformAntigravity, domain.PlatformFactory}, chain)
	assert.Equal(t, []string{domain.PlatformClaude, domain.PlatformAntigravity}, fallback)

	chain, _ = AnthropicProviderChain("python-httpx/0.27")
	assert.Equal(t, []string{domain.PlatformAntigravity, domain.PlatformClaude, domain.PlatformFactory}, chain)
}

func TestBuildAnthropicStickyKeyStable(t *testing.T) {
	reqJSON := func() []byte {
		return []byte(`{"model":"claude-sonnet-4-5","metadata":{"user_id":"u1"},
			"system":"be nice","messages":[{"role":"user","content":"hello"}],
			"tools":[{"name":"b"},{"name":"a"}]}`)
	}
	k1 := stickyKeyFromJSON(t, reqJSON())
	k2 := stickyKeyFromJSON(t, reqJSON())
	assert.Equal(t, k1, k2)
	assert.True(t, len(k1) > len("anthropic_"))
	assert.Contains(t, k1, "anthropic_")

	// 显式会话 id 参与种子
	var req antigravity.ClaudeRequest
	require.NoError(t, json.Unmarshal(reqJSON(), &req))
	assert.NotEqual(t, k1, BuildAnthropicStickyKey(&req, "thread-9"))
}
