package providers

import (
	"context"
	"log/slog"

	"github.com/tinyvmm/tinyvmm/cmd/api/config"
	"github.com/tinyvmm/tinyvmm/lib/logger"
	"github.com/tinyvmm/tinyvmm/lib/machines"
	"github.com/tinyvmm/tinyvmm/lib/middleware"
	"github.com/tinyvmm/tinyvmm/lib/otel"
	"github.com/tinyvmm/tinyvmm/lib/vcpu"
)

// ProvideContext provides a base context
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideConfig provides the application configuration
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideTelemetry provides the OTel pipelines, noop when unconfigured
func ProvideTelemetry(ctx context.Context, cfg *config.Config) (*otel.Telemetry, func(), error) {
	t, err := otel.Setup(ctx, "tinyvmm", cfg.OtlpEndpoint)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = t.Shutdown(context.Background())
	}
	return t, cleanup, nil
}

// ProvideLogger provides the process logger
func ProvideLogger(cfg *config.Config, t *otel.Telemetry) *slog.Logger {
	log := logger.New(cfg.LogLevel, t.LoggerProvider)
	slog.SetDefault(log)
	return log
}

// ProvideHTTPMetrics provides the HTTP middleware instruments
func ProvideHTTPMetrics(t *otel.Telemetry) (*middleware.HTTPMetrics, error) {
	return middleware.NewHTTPMetrics(t.Meter)
}

// ProvideVcpuMetrics provides the hotplug subsystem instruments
func ProvideVcpuMetrics(t *otel.Telemetry) (*vcpu.Metrics, error) {
	return vcpu.NewMetrics(t.Meter, t.Tracer)
}

// ProvideBackend provides the KVM machine backend
func ProvideBackend() (machines.Backend, func(), error) {
	b, err := machines.NewKvmBackend()
	if err != nil {
		return nil, nil, err
	}
	return b, func() { _ = b.Close() }, nil
}

// ProvideMachineManager provides the machine manager
func ProvideMachineManager(cfg *config.Config, backend machines.Backend, metrics *vcpu.Metrics) machines.Manager {
	return machines.NewManager(cfg.DataDir, cfg.MaxVcpus, backend, metrics)
}
