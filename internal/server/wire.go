package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/handler"
)

// ProvideGinEngine 按配置的运行模式创建引擎
func ProvideGinEngine(cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	return gin.New()
}

// ProvideHTTPServer 组装路由并构建 http.Server
func ProvideHTTPServer(r *gin.Engine, h *handler.Handlers, cfg *config.Config) *http.Server {
	SetupRouter(r, h, cfg)
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
}

// ProviderSet server 层依赖注入集合
var ProviderSet = wire.NewSet(
	ProvideGinEngine,
	ProvideHTTPServer,
)
