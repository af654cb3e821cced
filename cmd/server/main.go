package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/pkg/logger"
	"github.com/zelo-labs/relaygate/internal/service"
)

// Application 进程级聚合：HTTP server 与资源清理函数
type Application struct {
	Server  *http.Server
	Cleanup func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := logger.Init(logger.InitOptions{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		ToStdout:   cfg.Log.Output.ToStdout,
		ToFile:     cfg.Log.Output.ToFile,
		FilePath:   cfg.Log.Output.FilePath,
		MaxSizeMB:  cfg.Log.Rotation.MaxSizeMB,
		MaxBackups: cfg.Log.Rotation.MaxBackups,
		MaxAgeDays: cfg.Log.Rotation.MaxAgeDays,
		Caller:     cfg.Log.Caller,
	}); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Timezone != "" {
		if loc, lerr := time.LoadLocation(cfg.Timezone); lerr == nil {
			time.Local = loc
		} else {
			logger.LegacyPrintf("Server", "invalid timezone %q: %v", cfg.Timezone, lerr)
		}
	}

	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("initialize application: %v", err)
	}
	defer app.Cleanup()

	go func() {
		logger.LegacyPrintf("Server", "listening on %s", app.Server.Addr)
		if serveErr := app.Server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Fatalf("server error: %v", serveErr)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.LegacyPrintf("Server", "shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(ctx); err != nil {
		logger.LegacyPrintf("Server", "forced shutdown: %v", err)
	}
}

// provideCleanup 汇总需要在退出时释放的后台资源
func provideCleanup(
	wheel *service.TimingWheelService,
	logs *service.RequestLogSink,
	sessions *service.SessionCache,
) func() {
	return func() {
		wheel.Stop()
		logs.Stop()
		sessions.Close()
	}
}
