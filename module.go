package realtime

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/medassist/realtime/bus"
	"github.com/medassist/realtime/config"
	"github.com/medassist/realtime/dedup"
	"github.com/medassist/realtime/httpapi"
	"github.com/medassist/realtime/logging"
	"github.com/medassist/realtime/metrics"
	"github.com/medassist/realtime/transport"
)

// Params holds the host-supplied inputs for the fx module.
type Params struct {
	// ConfigPath is the TOML config file; empty means built-in defaults.
	ConfigPath string
	// Registerer receives the client's metrics; nil disables registration.
	Registerer prometheus.Registerer
}

// Module returns the fx module composing the realtime client and its
// collaborators, with the transport torn down on shutdown.
func Module(p Params) fx.Option {
	return fx.Module("realtime",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			bus.New,
			provideMetrics,
			provideTransport,
			provideAPI,
			dedup.NewStore,
			NewClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	host, _ := os.Hostname()
	return logging.New(cfg.LogPath, host)
}

func provideMetrics(p Params) *metrics.Metrics {
	return metrics.New(p.Registerer)
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *transport.Session {
	return transport.NewSession(cfg.Transport, transport.WebsocketDialer{}, b, logger, m)
}

func provideAPI(cfg *config.Config, logger *zap.Logger) *httpapi.Client {
	return httpapi.New(cfg.API, logger)
}

func registerLifecycle(lc fx.Lifecycle, c *Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			c.Close()
			logger.Info("realtime client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
