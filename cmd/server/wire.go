//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/zelo-labs/relaygate/internal/config"
	"github.com/zelo-labs/relaygate/internal/handler"
	"github.com/zelo-labs/relaygate/internal/server"
	"github.com/zelo-labs/relaygate/internal/service"
)

func initializeApplication(cfg *config.Config) (*Application, error) {
	wire.Build(
		service.ProviderSet,
		handler.ProviderSet,
		server.ProviderSet,

		provideCleanup,

		wire.Struct(new(Application), "Server", "Cleanup"),
	)
	return nil, nil
}
