package service

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

// DefaultStickyTTL 会话粘性缓存 TTL，读取时滑动续期
const DefaultStickyTTL = 60 * time.Minute

// QuotaSnapshot 账号配额快照，成功响应后整体覆盖
type QuotaSnapshot struct {
	RequestsLimit     int64
	RequestsRemaining int64
	RequestsReset     time.Time
	TokensLimit       int64
	TokensRemaining   int64
	TokensReset       time.Time
	// Kiro 渠道：上下文占用与额度
	ContextUsagePercentage float64
	UsageCredits           float64
	CapturedAt             time.Time
}

// SessionCache 会话粘性 + 配额快照缓存（C2），进程内存级
type SessionCache struct {
	sticky    *ristretto.Cache
	stickyTTL time.Duration

	quotaMu sync.RWMutex
	quota   map[int64]QuotaSnapshot
}

func NewSessionCache(stickyTTL time.Duration) (*SessionCache, error) {
	if stickyTTL <= 0 {
		stickyTTL = DefaultStickyTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 17, // 约 10 倍于预期活跃会话数
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SessionCache{
		sticky:    cache,
		stickyTTL: stickyTTL,
		quota:     make(map[int64]QuotaSnapshot),
	}, nil
}

// GetConversationAccount 查询会话对应的账号 id；命中时滑动续期。
// 未命中/过期返回 (0, false)。
func (s *SessionCache) GetConversationAccount(conversationKey string) (int64, bool) {
	if conversationKey == "" {
		return 0, false
	}
	v, ok := s.sticky.Get(conversationKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	if !ok {
		return 0, false
	}
	// 滑动 TTL：命中即重置过期时间
	s.sticky.SetWithTTL(conversationKey, id, 1, s.stickyTTL)
	return id, true
}

// SetConversationAccount 登记会话粘性。只允许在上游 2xx 后调用。
func (s *SessionCache) SetConversationAccount(conversationKey string, accountID int64) {
	if conversationKey == "" || accountID <= 0 {
		return
	}
	s.sticky.SetWithTTL(conversationKey, accountID, 1, s.stickyTTL)
	logger.LegacyPrintf("SessionCache", "sticky set session=%s account=%d", conversationKey, accountID)
}

// SetQuota 覆盖账号配额快照
func (s *SessionCache) SetQuota(accountID int64, snapshot QuotaSnapshot) {
	snapshot.CapturedAt = time.Now()
	s.quotaMu.Lock()
	s.quota[accountID] = snapshot
	s.quotaMu.Unlock()
}

// GetQuota 读取账号配额快照
func (s *SessionCache) GetQuota(accountID int64) (QuotaSnapshot, bool) {
	s.quotaMu.RLock()
	defer s.quotaMu.RUnlock()
	snap, ok := s.quota[accountID]
	return snap, ok
}

// Wait 等待底层缓存的异步写入落盘（ristretto 写入经缓冲批处理）
func (s *SessionCache) Wait() {
	s.sticky.Wait()
}

// Close 释放底层缓存
func (s *SessionCache) Close() {
	s.sticky.Close()
}

// ParseQuotaHeaders 解析 anthropic-ratelimit-* 响应头为配额快照；
// 没有任何相关头时返回 false
func ParseQuotaHeaders(h http.Header) (QuotaSnapshot, bool) {
	var snap QuotaSnapshot
	found := false

	readInt := func(name string) int64 {
		v := h.Get(name)
		if v == "" {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		found = true
		return n
	}
	readTime := func(name string) time.Time {
		v := h.Get(name)
		if v == "" {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		found = true
		return t
	}

	snap.RequestsLimit = readInt("anthropic-ratelimit-requests-limit")
	snap.RequestsRemaining = readInt("anthropic-ratelimit-requests-remaining")
	snap.RequestsReset = readTime("anthropic-ratelimit-requests-reset")
	snap.TokensLimit = readInt("anthropic-ratelimit-tokens-limit")
	snap.TokensRemaining = readInt("anthropic-ratelimit-tokens-remaining")
	snap.TokensReset = readTime("anthropic-ratelimit-tokens-reset")

	return snap, found
}
