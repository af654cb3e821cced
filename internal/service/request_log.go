package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

// RetryRecord 一次 dispatch 尝试
type RetryRecord struct {
	Attempt   int
	AccountID int64
}

// RequestLog 单请求记录（C8）。Finalize 恰好一次；凭据绝不写入。
type RequestLog struct {
	ID         string
	Model      string
	Platform   string
	StreamFlag bool
	StartTime  time.Time
	FirstByte  time.Duration
	EndTime    time.Time
	StatusCode int
	Retries    []RetryRecord

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ErrorMessage     string

	mu        sync.Mutex
	finalized bool
}

// AddAttempt 登记一次尝试
func (r *RequestLog) AddAttempt(accountID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Retries = append(r.Retries, RetryRecord{Attempt: len(r.Retries) + 1, AccountID: accountID})
}

// MarkFirstByte 记录首字节时延；只记第一次
func (r *RequestLog) MarkFirstByte() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FirstByte == 0 {
		r.FirstByte = time.Since(r.StartTime)
	}
}

// Finalize 写入终态；重复调用为 no-op，保证恰好一次
func (r *RequestLog) Finalize(statusCode int, errMsg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return false
	}
	r.finalized = true
	r.StatusCode = statusCode
	r.ErrorMessage = errMsg
	r.EndTime = time.Now()
	if r.EndTime.Before(r.StartTime) {
		r.EndTime = r.StartTime
	}
	return true
}

// SetUsage 记录用量（Finalize 前后均可，幂等覆盖）
func (r *RequestLog) SetUsage(prompt, completion, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PromptTokens = prompt
	r.CompletionTokens = completion
	r.TotalTokens = total
}

// Finalized 是否已落终态
func (r *RequestLog) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// RequestLogSink 追加式内存环形缓冲；cron 定期清理过期记录
type RequestLogSink struct {
	mu         sync.Mutex
	entries    []*RequestLog
	maxEntries int
	retention  time.Duration
	cron       *cron.Cron
}

func NewRequestLogSink(maxEntries, retentionDays int, cleanupSpec string) *RequestLogSink {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	s := &RequestLogSink{
		maxEntries: maxEntries,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
	}

	if cleanupSpec != "" {
		s.cron = cron.New(cron.WithSeconds())
		if _, err := s.cron.AddFunc(cleanupSpec, s.cleanup); err != nil {
			logger.LegacyPrintf("RequestLog", "invalid cleanup cron %q: %v", cleanupSpec, err)
			s.cron = nil
		} else {
			s.cron.Start()
		}
	}
	return s
}

// Begin 创建并登记一条新记录
func (s *RequestLogSink) Begin(model, platform string, stream bool) *RequestLog {
	entry := &RequestLog{
		ID:         uuid.New().String(),
		Model:      model,
		Platform:   platform,
		StreamFlag: stream,
		StartTime:  time.Now(),
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.maxEntries {
		// 环形截断：丢最旧的一批
		drop := len(s.entries) - s.maxEntries
		s.entries = append([]*RequestLog(nil), s.entries[drop:]...)
	}
	s.mu.Unlock()
	return entry
}

// Recent 最近 n 条（新到旧）
func (s *RequestLogSink) Recent(n int) []*RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]*RequestLog, 0, n)
	for i := len(s.entries) - 1; i >= len(s.entries)-n; i-- {
		out = append(out, s.entries[i])
	}
	return out
}

// Len 当前记录数
func (s *RequestLogSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *RequestLogSink) cleanup() {
	cutoff := time.Now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.StartTime.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(s.entries) - len(kept)
	s.entries = kept
	if removed > 0 {
		logger.LegacyPrintf("RequestLog", "retention cleanup removed=%d kept=%d", removed, len(kept))
	}
}

// Stop 停止后台清理任务
func (s *RequestLogSink) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
