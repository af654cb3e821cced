// Package logger 提供进程级日志封装（zap core + lumberjack 轮转）。
// 网关各组件统一通过 LegacyPrintf/Sugar 输出，标准库 log 会被桥接到同一 core。
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitOptions 日志初始化参数
type InitOptions struct {
	Level      string // debug/info/warn/error
	Format     string // console/json
	ToStdout   bool
	ToFile     bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Caller     bool
}

func (o InitOptions) normalized() InitOptions {
	if strings.TrimSpace(o.Level) == "" {
		o.Level = "info"
	}
	if o.Format != "json" {
		o.Format = "console"
	}
	if !o.ToStdout && !o.ToFile {
		o.ToStdout = true
	}
	if o.ToFile && strings.TrimSpace(o.FilePath) == "" {
		o.FilePath = "logs/relaygate.log"
	}
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 100
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 5
	}
	return o
}

var (
	mu          sync.RWMutex
	global      *zap.Logger
	sugar       *zap.SugaredLogger
	atomicLevel zap.AtomicLevel
	stdLogUndo  func()
)

// Init 初始化全局 logger；可重复调用（配置热更新）
func Init(options InitOptions) error {
	mu.Lock()
	defer mu.Unlock()

	opts := options.normalized()
	lv, ok := parseLevel(opts.Level)
	if !ok {
		return fmt.Errorf("invalid log level: %s", opts.Level)
	}
	atomicLevel = zap.NewAtomicLevelAt(lv)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var syncers []zapcore.WriteSyncer
	if opts.ToStdout {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}
	if opts.ToFile {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(syncers...), atomicLevel)
	zopts := []zap.Option{}
	if opts.Caller {
		zopts = append(zopts, zap.AddCaller())
	}

	prev := global
	global = zap.New(core, zopts...)
	sugar = global.Sugar()

	bridgeStdLogLocked()

	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

// bridgeStdLogLocked 将标准库 log 输出重定向到 zap
func bridgeStdLogLocked() {
	if stdLogUndo != nil {
		stdLogUndo()
		stdLogUndo = nil
	}
	stdLogUndo = zap.RedirectStdLog(global)
}

// SetLevel 动态调整全局日志级别
func SetLevel(level string) error {
	lv, ok := parseLevel(level)
	if !ok {
		return fmt.Errorf("invalid log level: %s", level)
	}
	mu.Lock()
	defer mu.Unlock()
	atomicLevel.SetLevel(lv)
	return nil
}

func parseLevel(level string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "info", "":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// L 返回全局 zap.Logger（未初始化时回退到 nop）
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Sugar 返回全局 SugaredLogger
func Sugar() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if sugar == nil {
		return zap.NewNop().Sugar()
	}
	return sugar
}

// LegacyPrintf 兼容旧式 log.Printf 调用习惯，component 会作为前缀写入。
// 网关链路上的高频日志统一走这里，便于后续按组件过滤。
func LegacyPrintf(component, format string, args ...any) {
	s := Sugar()
	if s == nil {
		log.Printf("["+component+"] "+format, args...)
		return
	}
	s.Infof("["+component+"] "+format, args...)
}

// Sync flush 所有缓冲日志；进程退出前调用
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil {
		_ = global.Sync()
	}
}
