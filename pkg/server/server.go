package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/dropbox"
	"github.com/marmos91/dropboxd/pkg/metrics"
	"github.com/marmos91/dropboxd/pkg/registrator"
	"github.com/marmos91/dropboxd/pkg/rollback"
)

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("server: Serve has already been called")

// Service is a background component with an explicit lifecycle, such as the
// application-server health monitor.
type Service interface {
	Start()
	Stop(ctx context.Context) error
}

// Config contains the components a Server orchestrates besides dropboxes.
type Config struct {
	// RollbackLog is swept for dead transactions at startup (optional)
	RollbackLog rollback.Log

	// Monitor is started before the dropboxes and stopped after them
	// (optional)
	Monitor Service

	// MetricsServer exposes /metrics and /healthz (optional)
	MetricsServer *metrics.Server

	// ShutdownTimeout bounds how long running registrations may take to
	// finish once shutdown begins (default: 30s)
	ShutdownTimeout time.Duration
}

// Server manages the lifecycle of every dropbox of the daemon, together with
// the components they share.
//
// Lifecycle:
//  1. Creation: New() with the shared components
//  2. Registration: AddDropbox() for each configured dropbox
//  3. Startup: Serve() rolls back dead transactions, then starts the monitor,
//     the metrics server and every dropbox
//  4. Shutdown: Context cancellation stops the dropboxes in reverse order,
//     then the monitor and the metrics server
//
// Thread safety:
// Server is safe for concurrent use. AddDropbox() may be called concurrently
// with other methods until Serve() is called. Serve() may only be called once.
//
// Example usage:
//
//	srv := server.New(server.Config{RollbackLog: log, Monitor: monitor})
//	srv.AddDropbox(microscopy)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && err != context.Canceled {
//	    log.Fatal(err)
//	}
type Server struct {
	config Config

	// mu protects the dropboxes slice and served flag
	mu        sync.Mutex
	dropboxes []*dropbox.Dropbox
	served    bool
}

// New creates a Server. Call AddDropbox() to register dropboxes, then Serve().
func New(config Config) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &Server{config: config}
}

// AddDropbox registers a dropbox with the server.
//
// Returns:
//   - error if Serve() was already called, or another dropbox has the same
//     name or watches the same directory
func (s *Server) AddDropbox(d *dropbox.Dropbox) error {
	if d == nil {
		return fmt.Errorf("cannot add nil dropbox")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return fmt.Errorf("cannot add dropbox %q after Serve() has been called", d.Name())
	}
	for _, existing := range s.dropboxes {
		if existing.Name() == d.Name() {
			return fmt.Errorf("dropbox %q already registered", d.Name())
		}
		if existing.IncomingDir() == d.IncomingDir() {
			return fmt.Errorf("incoming directory %s already watched by dropbox %q",
				d.IncomingDir(), existing.Name())
		}
	}

	s.dropboxes = append(s.dropboxes, d)
	logger.Info("Registered dropbox %q on %s", d.Name(), d.IncomingDir())
	return nil
}

// Dropboxes returns a snapshot of the registered dropboxes.
func (s *Server) Dropboxes() []*dropbox.Dropbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*dropbox.Dropbox, len(s.dropboxes))
	copy(out, s.dropboxes)
	return out
}

// Serve starts every registered dropbox and blocks until the context is
// cancelled or the metrics server fails.
//
// Dead transactions found in the rollback log are rolled back before any
// dropbox starts. Pending recovery checkpoints are picked up by the first
// scan of their dropbox.
//
// Returns:
//   - context.Canceled if shutdown was triggered by context cancellation
//   - ErrAlreadyServed on a second call
//   - error if startup failed or the metrics server failed
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return ErrAlreadyServed
	}
	s.served = true
	if len(s.dropboxes) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no dropboxes registered; call AddDropbox() before Serve()")
	}
	dropboxes := make([]*dropbox.Dropbox, len(s.dropboxes))
	copy(dropboxes, s.dropboxes)
	s.mu.Unlock()

	// ========================================================================
	// Step 1: Startup recovery
	// ========================================================================

	s.rollbackDeadTransactions(ctx, dropboxes)

	// ========================================================================
	// Step 2: Start components
	// ========================================================================

	logger.Info("Starting dropboxd with %d dropbox(es)", len(dropboxes))

	if s.config.Monitor != nil {
		s.config.Monitor.Start()
	}

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	metricsErr := make(chan error, 1)
	var metricsWG sync.WaitGroup
	if s.config.MetricsServer != nil {
		metricsWG.Add(1)
		go func() {
			defer metricsWG.Done()
			if err := s.config.MetricsServer.Start(metricsCtx); err != nil {
				metricsErr <- err
			}
		}()
	}

	for _, d := range dropboxes {
		d.Start()
	}

	// ========================================================================
	// Step 3: Wait and shut down
	// ========================================================================

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()
	case err := <-metricsErr:
		logger.Error("Metrics server failed: %v - initiating shutdown", err)
		shutdownErr = err
	}

	s.stopAll(dropboxes)
	stopMetrics()
	metricsWG.Wait()

	logger.Info("dropboxd stopped")
	return shutdownErr
}

// rollbackDeadTransactions undoes every unlocked stack of the rollback log.
// Storage processor transactions are aborted on the processor of the dropbox
// that started them.
func (s *Server) rollbackDeadTransactions(ctx context.Context, dropboxes []*dropbox.Dropbox) {
	if s.config.RollbackLog == nil {
		return
	}

	abort := registrator.NewAbortTransactionHandler()
	for _, d := range dropboxes {
		if p := d.StorageProcessor(); p != nil {
			abort.Add(d.Name(), p)
		}
	}
	handlers := map[rollback.Kind]rollback.Handler{registrator.KindAbortTransaction: abort}

	n, err := rollback.RollbackDeadStacks(ctx, s.config.RollbackLog, handlers)
	if err != nil {
		logger.Error("Startup rollback incomplete: %v", err)
	}
	if n > 0 {
		logger.Info("Rolled back %d dead transaction(s)", n)
	}
}

// stopAll stops the dropboxes in reverse registration order, then the
// monitor. Every dropbox shares one shutdown deadline.
func (s *Server) stopAll(dropboxes []*dropbox.Dropbox) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d dropbox(es)", len(dropboxes))

	for i := len(dropboxes) - 1; i >= 0; i-- {
		d := dropboxes[i]
		if err := d.Stop(ctx); err != nil {
			logger.Error("Error stopping dropbox %q: %v", d.Name(), err)
		}
	}

	if s.config.Monitor != nil {
		if err := s.config.Monitor.Stop(ctx); err != nil {
			logger.Error("Error stopping application server monitor: %v", err)
		}
	}
}
