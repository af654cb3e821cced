package service

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCacheStickyRoundTrip(t *testing.T) {
	cache, err := NewSessionCache(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.GetConversationAccount("conv-a")
	assert.False(t, ok)

	cache.SetConversationAccount("conv-a", 42)
	cache.Wait()

	id, ok := cache.GetConversationAccount("conv-a")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestSessionCacheIgnoresInvalidArgs(t *testing.T) {
	cache, err := NewSessionCache(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	cache.SetConversationAccount("", 42)
	cache.SetConversationAccount("conv-b", 0)
	cache.Wait()

	_, ok := cache.GetConversationAccount("")
	assert.False(t, ok)
	_, ok = cache.GetConversationAccount("conv-b")
	assert.False(t, ok)
}

func TestSessionCacheQuota(t *testing.T) {
	cache, err := NewSessionCache(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.GetQuota(7)
	assert.False(t, ok)

	cache.SetQuota(7, QuotaSnapshot{RequestsRemaining: 11})
	snap, ok := cache.GetQuota(7)
	require.True(t, ok)
	assert.Equal(t, int64(11), snap.RequestsRemaining)
	assert.False(t, snap.CapturedAt.IsZero())
}

func TestParseQuotaHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-limit", "1000")
	h.Set("anthropic-ratelimit-requests-remaining", "998")
	h.Set("anthropic-ratelimit-tokens-limit", "80000")
	h.Set("anthropic-ratelimit-tokens-remaining", "79000")
	h.Set("anthropic-ratelimit-tokens-reset", "2026-08-24T10:00:00Z")

	snap, ok := ParseQuotaHeaders(h)
	require.True(t, ok)
	assert.Equal(t, int64(1000), snap.RequestsLimit)
	assert.Equal(t, int64(998), snap.RequestsRemaining)
	assert.Equal(t, int64(80000), snap.TokensLimit)
	assert.Equal(t, int64(79000), snap.TokensRemaining)
	assert.Equal(t, 2026, snap.TokensReset.Year())
}

func TestParseQuotaHeadersAbsent(t *testing.T) {
	_, ok := ParseQuotaHeaders(http.Header{})
	assert.False(t, ok)

	h := http.Header{}
	h.Set("content-type", "application/json")
	_, ok = ParseQuotaHeaders(h)
	assert.False(t, ok)
}
