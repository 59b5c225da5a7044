// Package health tracks whether the application server can take
// registrations.
//
// The registrator asks before every application server interaction and waits
// while the answer is no. The Monitor answers from the result of the last
// ping while that result is fresh, and pings on demand otherwise. Start
// keeps the result fresh in the background.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

// Pinger is pinged by the Monitor. appserver.Server implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status of the application server as seen by the Monitor.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config contains configuration for the Monitor.
type Config struct {
	// Interval is how often to ping in the background and how long a ping
	// result is trusted (default: 10s)
	Interval time.Duration

	// Timeout bounds a single check (default: 5s)
	Timeout time.Duration

	// MaxFailures is how many consecutive failed checks turn the status
	// unhealthy (default: 1)
	MaxFailures int
}

// Snapshot is the state of the Monitor at one point in time.
type Snapshot struct {
	Status           Status
	LastCheck        time.Time
	LastHealthy      time.Time
	ConsecutiveFails int
	LastError        error
}

// Monitor pings the application server.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	pinger Pinger
	config Config

	mu    sync.Mutex
	state Snapshot

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a monitor. Call Start to ping in the background.
func NewMonitor(pinger Pinger, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}

	return &Monitor{
		pinger: pinger,
		config: config,
		state:  Snapshot{Status: StatusUnknown},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// IsApplicationReady implements registrator.ApplicationReadyChecker. path is
// the incoming file waiting for the server; it is only logged.
func (m *Monitor) IsApplicationReady(ctx context.Context, path string) bool {
	m.mu.Lock()
	fresh := !m.state.LastCheck.IsZero() && time.Since(m.state.LastCheck) < m.config.Interval
	status := m.state.Status
	m.mu.Unlock()

	if !fresh || status == StatusUnknown {
		status = m.Check(ctx).Status
	}

	if status != StatusHealthy {
		logger.Debug("Application server not ready, %s waits", path)
		return false
	}
	return true
}

// Check pings the server now and returns the updated state.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	pingCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	err := m.pinger.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.state.LastCheck = now
	m.state.LastError = err

	if err == nil {
		if m.state.Status == StatusUnhealthy {
			logger.Info("Application server is healthy again after %d failed checks", m.state.ConsecutiveFails)
		}
		m.state.Status = StatusHealthy
		m.state.LastHealthy = now
		m.state.ConsecutiveFails = 0
		return m.state
	}

	m.state.ConsecutiveFails++
	if m.state.ConsecutiveFails >= m.config.MaxFailures {
		if m.state.Status != StatusUnhealthy {
			logger.Warn("Application server unhealthy: %v", err)
		}
		m.state.Status = StatusUnhealthy
	}
	return m.state
}

// Snapshot returns the state without pinging.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins background pinging. Safe to call multiple times.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	logger.Info("Starting application server monitor: interval=%s", m.config.Interval)
	go m.worker()
}

// Stop stops background pinging and waits for it to finish.
//
// Parameters:
//   - ctx: Context for timeout
//
// Returns:
//   - error: Returns error if context expires before shutdown completes
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = true
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })
	if !started {
		return nil
	}

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) worker() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.Check(ctx)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-m.stopCh:
			return
		}
	}
}

var _ registrator.ApplicationReadyChecker = (*Monitor)(nil)
