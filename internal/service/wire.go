package service

import (
	"time"

	"github.com/google/wire"

	"github.com/zelo-labs/relaygate/internal/config"
)

// ProvideAccountPool 从配置的账号文件构建账号池
func ProvideAccountPool(cfg *config.Config) (*AccountPool, error) {
	accounts, err := LoadAccountsFile(cfg.Gateway.AccountsFile)
	if err != nil {
		return nil, err
	}
	return NewAccountPool(accounts), nil
}

// ProvideSessionCache 按配置 TTL 构建会话粘性缓存
func ProvideSessionCache(cfg *config.Config) (*SessionCache, error) {
	return NewSessionCache(time.Duration(cfg.Gateway.StickySessionTTLMinutes) * time.Minute)
}

// ProvideUsageEstimator 默认分词器的用量估算器
func ProvideUsageEstimator() *UsageEstimator {
	return NewUsageEstimator(DefaultTokenizer)
}

// ProvideRequestLogSink 内存请求日志
func ProvideRequestLogSink(cfg *config.Config) *RequestLogSink {
	return NewRequestLogSink(cfg.RequestLog.MaxEntries, cfg.RequestLog.RetentionDays, cfg.RequestLog.CleanupCron)
}

// ProviderSet service 层依赖注入集合
var ProviderSet = wire.NewSet(
	ProvideAccountPool,
	ProvideSessionCache,
	ProvideUsageEstimator,
	ProvideRequestLogSink,
	NewTimingWheelService,
	NewOAuthRefresher,
	wire.Bind(new(TokenRefresher), new(*OAuthRefresher)),
	NewTokenProvider,
	NewGatewayService,
	NewKiroGatewayService,
	NewGeminiBizGatewayService,
)
