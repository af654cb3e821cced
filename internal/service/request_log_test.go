package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogFinalizeExactlyOnce(t *testing.T) {
	sink := NewRequestLogSink(100, 7, "")
	defer sink.Stop()

	entry := sink.Begin("claude-sonnet-4-5", "claude", true)
	assert.False(t, entry.Finalized())

	assert.True(t, entry.Finalize(200, ""))
	assert.True(t, entry.Finalized())

	// 后续调用不得覆盖终态
	assert.False(t, entry.Finalize(500, "late error"))
	assert.Equal(t, 200, entry.StatusCode)
	assert.Empty(t, entry.ErrorMessage)
}

func TestRequestLogFinalizeConcurrent(t *testing.T) {
	sink := NewRequestLogSink(100, 7, "")
	defer sink.Stop()
	entry := sink.Begin("m", "claude", false)

	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(code int) {
			defer wg.Done()
			if entry.Finalize(code, "") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(200 + i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
}

func TestRequestLogAttempts(t *testing.T) {
	sink := NewRequestLogSink(100, 7, "")
	defer sink.Stop()
	entry := sink.Begin("m", "claude", false)

	entry.AddAttempt(11)
	entry.AddAttempt(12)
	entry.AddAttempt(13)

	require.Len(t, entry.Retries, 3)
	assert.Equal(t, RetryRecord{Attempt: 1, AccountID: 11}, entry.Retries[0])
	assert.Equal(t, RetryRecord{Attempt: 3, AccountID: 13}, entry.Retries[2])
}

func TestRequestLogSinkRingTrim(t *testing.T) {
	sink := NewRequestLogSink(3, 7, "")
	defer sink.Stop()

	for i := 0; i < 5; i++ {
		sink.Begin("m", "claude", false)
	}
	assert.Equal(t, 3, sink.Len())

	recent := sink.Recent(10)
	assert.Len(t, recent, 3)
}

func TestRequestLogRecentNewestFirst(t *testing.T) {
	sink := NewRequestLogSink(10, 7, "")
	defer sink.Stop()

	first := sink.Begin("first", "claude", false)
	second := sink.Begin("second", "claude", false)

	recent := sink.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)
	assert.Equal(t, first.ID, recent[1].ID)
}

func TestRequestLogMarkFirstByteOnlyOnce(t *testing.T) {
	sink := NewRequestLogSink(10, 7, "")
	defer sink.Stop()
	entry := sink.Begin("m", "claude", true)

	entry.MarkFirstByte()
	first := entry.FirstByte
	entry.MarkFirstByte()
	assert.Equal(t, first, entry.FirstByte)
}
