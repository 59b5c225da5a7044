package config

import (
	"github.com/marmos91/dropboxd/pkg/metrics"
	promMetrics "github.com/marmos91/dropboxd/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Registration is the collector shared by every dropbox (never nil, uses
	// noop if disabled)
	Registration metrics.RegistrationMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server, whose /healthz reports ready
//   - Creates Prometheus-backed registration metrics
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
//
// Parameters:
//   - cfg: The complete dropboxd configuration
//   - ready: Backs /healthz, may be nil
//
// Returns:
//   - MetricsResult containing all metrics components
func InitializeMetrics(cfg *Config, ready func() bool) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Server:       nil,
			Registration: metrics.NewNoopRegistrationMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:  cfg.Server.Metrics.Port,
		Ready: ready,
	})

	return &MetricsResult{
		Server:       server,
		Registration: promMetrics.NewRegistrationMetrics(),
	}
}
