// Package prometheus provides the Prometheus-backed metrics implementations.
package prometheus

import (
	"time"

	"github.com/marmos91/dropboxd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// registrationMetrics is the Prometheus implementation of
// metrics.RegistrationMetrics.
type registrationMetrics struct {
	phaseDuration  *prometheus.HistogramVec
	phaseErrors    *prometheus.CounterVec
	outcomesTotal  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	recoveryTotal  *prometheus.CounterVec
	rollbacksTotal *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
}

// NewRegistrationMetrics creates a Prometheus-backed RegistrationMetrics.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not
// called).
func NewRegistrationMetrics() metrics.RegistrationMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRegistrationMetrics()
	}
	return newRegistrationMetrics(metrics.GetRegistry())
}

func newRegistrationMetrics(reg prometheus.Registerer) *registrationMetrics {
	return &registrationMetrics{
		phaseDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dropboxd_registration_phase_duration_seconds",
				Help: "Duration of registration pipeline phases in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					0.5,   // 500ms
					1,     // 1s
					5,     // 5s
					30,    // 30s
					120,   // 2m
				},
			},
			[]string{"dropbox", "phase"},
		),
		phaseErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropboxd_registration_phase_errors_total",
				Help: "Total number of failed registration phases",
			},
			[]string{"dropbox", "phase"},
		),
		outcomesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropboxd_registrations_total",
				Help: "Total number of handled incoming files by outcome",
			},
			[]string{"dropbox", "outcome"},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropboxd_registration_retries_total",
				Help: "Total number of retries by kind (process, register)",
			},
			[]string{"dropbox", "kind"},
		),
		recoveryTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropboxd_recoveries_total",
				Help: "Total number of recovery attempts by checkpoint stage and result",
			},
			[]string{"dropbox", "stage", "result"},
		),
		rollbacksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropboxd_rollbacks_total",
				Help: "Total number of rolled back batches by error type",
			},
			[]string{"dropbox", "error_type"},
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dropboxd_registrations_in_flight",
				Help: "Current number of incoming files being handled",
			},
			[]string{"dropbox"},
		),
	}
}

func (m *registrationMetrics) ObservePhase(dropbox, phase string, duration time.Duration, err error) {
	m.phaseDuration.WithLabelValues(dropbox, phase).Observe(duration.Seconds())
	if err != nil {
		m.phaseErrors.WithLabelValues(dropbox, phase).Inc()
	}
}

func (m *registrationMetrics) RecordOutcome(dropbox, outcome string) {
	m.outcomesTotal.WithLabelValues(dropbox, outcome).Inc()
}

func (m *registrationMetrics) RecordRetry(dropbox, kind string) {
	m.retriesTotal.WithLabelValues(dropbox, kind).Inc()
}

func (m *registrationMetrics) RecordRecovery(dropbox, stage, result string) {
	m.recoveryTotal.WithLabelValues(dropbox, stage, result).Inc()
}

func (m *registrationMetrics) RecordRollback(dropbox, errorType string) {
	m.rollbacksTotal.WithLabelValues(dropbox, errorType).Inc()
}

func (m *registrationMetrics) IncInFlight(dropbox string) {
	m.inFlight.WithLabelValues(dropbox).Inc()
}

func (m *registrationMetrics) DecInFlight(dropbox string) {
	m.inFlight.WithLabelValues(dropbox).Dec()
}
