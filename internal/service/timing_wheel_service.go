package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/collection"

	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

// TimingWheelService 封装 go-zero TimingWheel，
// 用于限流窗口到期清除与粘性缓存兜底巡检。
type TimingWheelService struct {
	tw       *collection.TimingWheel
	stopOnce sync.Once
}

// NewTimingWheelService 1 秒刻度 × 3600 槽，最长支持 1 小时延迟
func NewTimingWheelService() (*TimingWheelService, error) {
	tw, err := collection.NewTimingWheel(1*time.Second, 3600, func(key, value any) {
		if fn, ok := value.(func()); ok {
			fn()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create timing wheel: %w", err)
	}
	return &TimingWheelService{tw: tw}, nil
}

// Schedule 一次性任务；同名任务覆盖
func (s *TimingWheelService) Schedule(name string, delay time.Duration, fn func()) {
	_ = s.tw.SetTimer(name, fn, delay)
}

// ScheduleRecurring 周期任务（基于一次性定时器自我续期）
func (s *TimingWheelService) ScheduleRecurring(name string, interval time.Duration, fn func()) {
	var schedule func()
	schedule = func() {
		fn()
		_ = s.tw.SetTimer(name, schedule, interval)
	}
	_ = s.tw.SetTimer(name, schedule, interval)
}

// Cancel 取消任务
func (s *TimingWheelService) Cancel(name string) {
	_ = s.tw.RemoveTimer(name)
}

// ScheduleRateLimitReset 限流窗口到期后清除账号限流标记
func (s *TimingWheelService) ScheduleRateLimitReset(pool *AccountPool, accountID int64, resetSeconds int) {
	name := fmt.Sprintf("ratelimit-reset-%d", accountID)
	s.Schedule(name, time.Duration(resetSeconds)*time.Second, func() {
		if a := pool.TryGet(accountID); a != nil {
			a.ClearRateLimit()
			logger.LegacyPrintf("TimingWheel", "rate limit cleared account=%d", accountID)
		}
	})
}

// Stop 停止时间轮
func (s *TimingWheelService) Stop() {
	s.stopOnce.Do(func() {
		s.tw.Stop()
		logger.LegacyPrintf("TimingWheel", "stopped")
	})
}
