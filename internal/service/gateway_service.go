package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/logger"
	"github.com/zelo-labs/relaygate/internal/pkg/openai"
)

// UsageTotals 一次转发的用量汇总
type UsageTotals struct {
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheCreateTokens int
}

// ForwardResult 单次上游尝试的结果。
// Started=true 表示已经开始向下游写响应，此时不允许再换号重试。
type ForwardResult struct {
	StatusCode int
	Started    bool
	Header     http.Header
	Body       []byte
	Usage      UsageTotals
}

// ForwardFunc 对单个账号执行一次上游转发
type ForwardFunc func(ctx context.Context, account *Account, token string) (*ForwardResult, error)

// DispatchOptions 一次 dispatch 的参数
type DispatchOptions struct {
	// Dialect 终端错误信封的方言（openai/anthropic/gemini）
	Dialect string
	// Providers 首选平台链，按顺序选号
	Providers []string
	// Fallback 首选链穷尽后的兜底平台集合
	Fallback    []string
	MaxAttempts int
	// StickyKey 会话粘性键；空表示不启用粘性
	StickyKey string
	Entry     *RequestLog
	// LogPrefix 形如 "Claude-Forward"，日志归属组件
	LogPrefix string
}

// GatewayService 调度引擎：粘性解析 → 选号 → 凭据校验 → 转发 → 结果分类
type GatewayService struct {
	cfg       *config.Config
	pool      *AccountPool
	sessions  *SessionCache
	tokens    *TokenProvider
	estimator *UsageEstimator
	logs      *RequestLogSink
	wheel     *TimingWheelService
}

func NewGatewayService(
	cfg *config.Config,
	pool *AccountPool,
	sessions *SessionCache,
	tokens *TokenProvider,
	estimator *UsageEstimator,
	logs *RequestLogSink,
	wheel *TimingWheelService,
) *GatewayService {
	return &GatewayService{
		cfg:       cfg,
		pool:      pool,
		sessions:  sessions,
		tokens:    tokens,
		estimator: estimator,
		logs:      logs,
		wheel:     wheel,
	}
}

// AnthropicProviderChain 根据 user-agent 决定 Anthropic 入口的平台优先链。
// claude-cli 客户端优先走官方 Claude 账号，其余优先 Antigravity。
func AnthropicProviderChain(userAgent string) (chain []string, fallback []string) {
	fallback = []string{domain.PlatformClaude, domain.PlatformAntigravity}
	if strings.Contains(strings.ToLower(userAgent), "claude-cli") {
		return []string{domain.PlatformClaude, domain.PlatformAntigravity, domain.PlatformFactory}, fallback
	}
	return []string{domain.PlatformAntigravity, domain.PlatformClaude, domain.PlatformFactory}, fallback
}

// Dispatch 有界重试循环。所有下游写入都由本方法或 forward 负责，
// handler 不得再写响应体。
func (s *GatewayService) Dispatch(c *gin.Context, opts DispatchOptions, forward ForwardFunc) {
	ctx := c.Request.Context()
	tried := NewTriedSet()

	var lastStatus int
	var lastError string

	// 401 后强制刷新并重试同一账号一次；重试仍失败才禁用
	authRetried := make(map[int64]bool)
	var retryAccount *Account

	stickyID, hasSticky := int64(0), false
	if opts.StickyKey != "" {
		stickyID, hasSticky = s.sessions.GetConversationAccount(opts.StickyKey)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.MaxAttemptsAnthropic
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			s.finalize(opts.Entry, 499, "client disconnected")
			return
		}

		account := retryAccount
		retryAccount = nil
		if account == nil {
			account = s.pickAccount(tried, stickyID, hasSticky, opts)
			hasSticky = false // 粘性账号只优先一次
			if account == nil {
				break
			}
			tried.Add(account.ID)
		}
		if opts.Entry != nil {
			opts.Entry.AddAttempt(account.ID)
		}

		token, err := s.tokens.EnsureValid(ctx, account)
		if err != nil {
			logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d credential invalid: %v",
				ShortDigest(opts.StickyKey), account.ID, err)
			if errors.Is(err, ErrAccountDisabled) {
				continue
			}
			lastStatus, lastError = http.StatusBadGateway, err.Error()
			continue
		}

		res, err := forward(ctx, account, token)
		if err != nil {
			// 网络层失败；响应已开写则无法换号，按当前状态收尾
			if res != nil && res.Started {
				logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d stream broken: %v",
					ShortDigest(opts.StickyKey), account.ID, err)
				s.finalize(opts.Entry, res.StatusCode, err.Error())
				return
			}
			lastStatus, lastError = http.StatusBadGateway, err.Error()
			logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d network error: %v",
				ShortDigest(opts.StickyKey), account.ID, err)
			continue
		}

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			s.onSuccess(opts, account, res)
			return

		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			lastStatus = res.StatusCode
			lastError = ExtractUpstreamErrorMessage(string(res.Body))
			if !authRetried[account.ID] {
				// token 可能只是过期了：强刷凭据后同账号再试一次
				authRetried[account.ID] = true
				logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d upstream %d, forcing token refresh",
					ShortDigest(opts.StickyKey), account.ID, res.StatusCode)
				s.tokens.ForceExpire(account)
				retryAccount = account
				continue
			}
			logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d upstream %d after refresh, disabling",
				ShortDigest(opts.StickyKey), account.ID, res.StatusCode)
			s.pool.Disable(account.ID)
			continue

		case res.StatusCode == http.StatusTooManyRequests:
			resetSeconds := ParseRetryAfter(res.Header)
			logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d rate limited, reset in %ds",
				ShortDigest(opts.StickyKey), account.ID, resetSeconds)
			s.pool.MarkRateLimited(account.ID, resetSeconds)
			if s.wheel != nil {
				s.wheel.ScheduleRateLimitReset(s.pool, account.ID, resetSeconds)
			}
			lastStatus = res.StatusCode
			lastError = ExtractUpstreamErrorMessage(string(res.Body))
			continue

		case IsClientError(res.StatusCode, string(res.Body)):
			// 请求本身的问题，换号无意义，直接透传
			logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d client error %d, no retry",
				ShortDigest(opts.StickyKey), account.ID, res.StatusCode)
			if !res.Started {
				s.writeDialectError(c, opts.Dialect, res.StatusCode,
					ExtractUpstreamErrorMessage(string(res.Body)))
			}
			s.finalize(opts.Entry, res.StatusCode, ExtractUpstreamErrorMessage(string(res.Body)))
			return

		default:
			if res.Started {
				// 流已开写后上游出错，只能按现状收尾
				s.finalize(opts.Entry, res.StatusCode, ExtractUpstreamErrorMessage(string(res.Body)))
				return
			}
			lastStatus = res.StatusCode
			lastError = ExtractUpstreamErrorMessage(string(res.Body))
			logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d upstream %d, retrying",
				ShortDigest(opts.StickyKey), account.ID, res.StatusCode)
			continue
		}
	}

	if lastStatus == 0 {
		lastStatus = http.StatusServiceUnavailable
	}
	if lastError == "" {
		lastError = "all retries failed"
	}
	s.writeDialectError(c, opts.Dialect, lastStatus, lastError)
	s.finalize(opts.Entry, lastStatus, lastError)
}

// pickAccount 粘性优先，其次按平台链轮询，最后兜底集合
func (s *GatewayService) pickAccount(tried *TriedSet, stickyID int64, hasSticky bool, opts DispatchOptions) *Account {
	if hasSticky {
		if a := s.pool.TryGet(stickyID); a != nil && a.Selectable(time.Now()) && !tried.Contains(a.ID) {
			for _, p := range append(append([]string{}, opts.Providers...), opts.Fallback...) {
				if a.Platform == p {
					a.Touch(time.Now())
					return a
				}
			}
		}
	}
	if a := s.pool.SelectByProvider(tried, opts.Providers...); a != nil {
		return a
	}
	if len(opts.Fallback) > 0 {
		return s.pool.SelectByProvider(tried, opts.Fallback...)
	}
	return nil
}

// onSuccess 2xx 收尾：粘性写入、配额快照、用量记账
func (s *GatewayService) onSuccess(opts DispatchOptions, account *Account, res *ForwardResult) {
	if opts.StickyKey != "" {
		s.sessions.SetConversationAccount(opts.StickyKey, account.ID)
	}
	if res.Header != nil {
		if snap, ok := ParseQuotaHeaders(res.Header); ok {
			s.sessions.SetQuota(account.ID, snap)
		}
	}
	u := res.Usage
	s.pool.RecordTokenUsage(account.ID,
		int64(u.InputTokens), int64(u.OutputTokens),
		int64(u.CacheReadTokens), int64(u.CacheCreateTokens))
	if opts.Entry != nil {
		prompt, completion, _ := NormalizeUsageTotals(u.InputTokens, u.OutputTokens,
			u.InputTokens+u.OutputTokens)
		opts.Entry.SetUsage(prompt, completion, prompt+completion)
	}
	s.finalize(opts.Entry, res.StatusCode, "")
	logger.LegacyPrintf(opts.LogPrefix, "session=%s account=%d done status=%d in=%d out=%d",
		ShortDigest(opts.StickyKey), account.ID, res.StatusCode, u.InputTokens, u.OutputTokens)
}

func (s *GatewayService) finalize(entry *RequestLog, status int, errMsg string) {
	if entry != nil {
		entry.Finalize(status, errMsg)
	}
}

// ParseRetryAfter 取 Retry-After 秒数并与默认上限取小
func ParseRetryAfter(h http.Header) int {
	reset := domain.DefaultRateLimitSeconds
	if h == nil {
		return reset
	}
	if v := h.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			if n < reset {
				reset = n
			}
		}
	}
	return reset
}

// writeDialectError 按调用方方言输出终端错误信封
func (s *GatewayService) writeDialectError(c *gin.Context, dialect string, status int, message string) {
	if c.Writer.Written() {
		return
	}
	switch dialect {
	case domain.DialectOpenAI:
		c.JSON(status, openai.ErrorResponse{Error: openai.ErrorDetail{
			Message: message,
			Type:    "api_error",
			Code:    status,
		}})
	case domain.DialectAnthropic:
		errType := "api_error"
		if status >= 400 && status < 500 {
			errType = "invalid_request_error"
		}
		c.JSON(status, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    errType,
				"message": message,
			},
		})
	default:
		// Gemini 方言保留上游状态码，纯文本透传
		c.String(status, message)
	}
}
