//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/tinyvmm/tinyvmm/cmd/api/api"
	"github.com/tinyvmm/tinyvmm/cmd/api/config"
	"github.com/tinyvmm/tinyvmm/lib/machines"
	"github.com/tinyvmm/tinyvmm/lib/middleware"
	"github.com/tinyvmm/tinyvmm/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Ctx            context.Context
	Logger         *slog.Logger
	Config         *config.Config
	HTTPMetrics    *middleware.HTTPMetrics
	MachineManager machines.Manager
	ApiService     *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvideTelemetry,
		providers.ProvideLogger,
		providers.ProvideHTTPMetrics,
		providers.ProvideVcpuMetrics,
		providers.ProvideBackend,
		providers.ProvideMachineManager,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
