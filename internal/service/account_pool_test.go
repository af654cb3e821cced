package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelo-labs/relaygate/internal/domain"
)

func newTestAccount(t *testing.T, id int64, platform string) *Account {
	t.Helper()
	var cred Credential
	switch platform {
	case domain.PlatformClaude:
		cred = &ClaudeCredential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	case domain.PlatformAntigravity, domain.PlatformGemini:
		cred = &GeminiCredential{AccessToken: "tok", Expiry: time.Now().Add(time.Hour), ProjectID: "proj"}
	case domain.PlatformFactory:
		cred = &FactoryCredential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	case domain.PlatformKiro:
		cred = &KiroCredential{AccessToken: "tok", Region: "us-east-1", ExpiresAt: time.Now().Add(time.Hour)}
	default:
		t.Fatalf("unsupported platform %s", platform)
	}
	a, err := NewAccount(id, "test", platform, cred)
	require.NoError(t, err)
	return a
}

func TestTriedSetNoDuplicates(t *testing.T) {
	tried := NewTriedSet()
	tried.Add(1)
	tried.Add(2)
	tried.Add(1)

	assert.Equal(t, 2, tried.Len())
	assert.Equal(t, []int64{1, 2}, tried.IDs())
	assert.True(t, tried.Contains(1))
	assert.False(t, tried.Contains(3))
}

func TestSelectByProviderSkipsTried(t *testing.T) {
	pool := NewAccountPool([]*Account{
		newTestAccount(t, 1, domain.PlatformClaude),
		newTestAccount(t, 2, domain.PlatformClaude),
		newTestAccount(t, 3, domain.PlatformClaude),
	})
	tried := NewTriedSet()

	seen := map[int64]bool{}
	for i := 0; i < 3; i++ {
		a := pool.SelectByProvider(tried, domain.PlatformClaude)
		require.NotNil(t, a)
		assert.False(t, seen[a.ID], "account %d selected twice", a.ID)
		seen[a.ID] = true
		tried.Add(a.ID)
	}
	// 池子穷尽
	assert.Nil(t, pool.SelectByProvider(tried, domain.PlatformClaude))
}

func TestSelectByProviderOrder(t *testing.T) {
	pool := NewAccountPool([]*Account{
		newTestAccount(t, 1, domain.PlatformFactory),
		newTestAccount(t, 2, domain.PlatformClaude),
	})
	tried := NewTriedSet()

	// 平台链顺序优先于账号 id
	a := pool.SelectByProvider(tried, domain.PlatformClaude, domain.PlatformFactory)
	require.NotNil(t, a)
	assert.Equal(t, domain.PlatformClaude, a.Platform)

	tried.Add(a.ID)
	b := pool.SelectByProvider(tried, domain.PlatformClaude, domain.PlatformFactory)
	require.NotNil(t, b)
	assert.Equal(t, domain.PlatformFactory, b.Platform)
}

func TestSelectByProviderSkipsDisabledAndRateLimited(t *testing.T) {
	a1 := newTestAccount(t, 1, domain.PlatformClaude)
	a2 := newTestAccount(t, 2, domain.PlatformClaude)
	a3 := newTestAccount(t, 3, domain.PlatformClaude)
	pool := NewAccountPool([]*Account{a1, a2, a3})

	a1.Disable()
	a2.MarkRateLimited(120, time.Now())

	picked := pool.SelectByProvider(NewTriedSet(), domain.PlatformClaude)
	require.NotNil(t, picked)
	assert.Equal(t, int64(3), picked.ID)
}

func TestRateLimitExpiry(t *testing.T) {
	a := newTestAccount(t, 1, domain.PlatformClaude)
	now := time.Now()
	a.MarkRateLimited(60, now)

	assert.True(t, a.IsRateLimited(now))
	assert.False(t, a.Selectable(now))
	assert.False(t, a.IsRateLimited(now.Add(61*time.Second)))

	a.ClearRateLimit()
	assert.True(t, a.Selectable(now))
}

func TestSelectPrefersLeastRecentlyUsed(t *testing.T) {
	a1 := newTestAccount(t, 1, domain.PlatformClaude)
	a2 := newTestAccount(t, 2, domain.PlatformClaude)
	pool := NewAccountPool([]*Account{a1, a2})

	a1.Touch(time.Now())
	a2.Touch(time.Now().Add(-time.Minute))

	picked := pool.SelectByProvider(NewTriedSet(), domain.PlatformClaude)
	require.NotNil(t, picked)
	assert.Equal(t, int64(2), picked.ID)
}

func TestPoolMutationsIgnoreMissingIDs(t *testing.T) {
	pool := NewAccountPool(nil)
	assert.NotPanics(t, func() {
		pool.Disable(99)
		pool.MarkRateLimited(99, 60)
		pool.RecordTokenUsage(99, 1, 2, 3, 4)
	})
	assert.Nil(t, pool.TryGet(99))
}

func TestUsageCountersMonotone(t *testing.T) {
	a := newTestAccount(t, 1, domain.PlatformClaude)
	a.RecordTokenUsage(10, 20, 5, 0)
	a.RecordTokenUsage(-3, 7, 0, 0) // 负值不回退计数

	requests, prompt, completion, cacheRead, cacheCreate := a.UsageSnapshot()
	assert.Equal(t, int64(2), requests)
	assert.Equal(t, int64(10), prompt)
	assert.Equal(t, int64(27), completion)
	assert.Equal(t, int64(5), cacheRead)
	assert.Equal(t, int64(0), cacheCreate)
}
