// Package dropbox watches an incoming directory and hands every arrival to a
// registrator.
//
// A scan lists the incoming directory, drops what is not ready yet (hidden
// files, files still being written, files that already failed and did not
// change since) and dispatches the rest to a fixed pool of workers. Paths
// with a pending recovery checkpoint are dispatched as well, even when they
// no longer live in the incoming directory.
package dropbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/internal/ratelimiter"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

// Handler registers one incoming path. *registrator.TopLevelRegistrator
// implements it.
type Handler interface {
	Handle(ctx context.Context, path string) error
	Stopped() bool
}

// RecoveryIndex knows which incoming paths have a pending checkpoint.
// *recovery.Manager implements it.
type RecoveryIndex interface {
	ListMarkers(ctx context.Context, dropbox string) ([]string, error)
	HasRecoveryMarker(incoming string) bool
}

// Config contains configuration for a Dropbox.
type Config struct {
	// Name is the dropbox name, used to select recovery markers
	Name string

	// IncomingDir is the watched directory
	IncomingDir string

	// ScanInterval is how often to scan (default: 10s)
	ScanInterval time.Duration

	// Workers is how many files are handled at once (default: 1)
	Workers int

	// QuietPeriod is how long a file must stay unmodified before it is
	// handled (default: 0). Ignored with is-finished markers.
	QuietPeriod time.Duration

	// UseIsFinishedMarker only dispatches is-finished markers
	UseIsFinishedMarker bool

	// FilesPerSecond limits how fast files are dispatched (0 = unlimited)
	FilesPerSecond float64

	// Burst is the rate limiter burst size (default: 1)
	Burst int
}

// Dropbox scans an incoming directory and dispatches arrivals to a Handler.
//
// Thread Safety: Safe for concurrent use. A path is never handled twice at
// the same time.
type Dropbox struct {
	handler  Handler
	recovery RecoveryIndex
	config   Config
	limiter  *ratelimiter.RateLimiter

	mu       sync.Mutex
	inFlight map[string]struct{}
	faulty   map[string]time.Time
	started  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	cancel   context.CancelFunc
}

// New creates a dropbox. It is initialized but not started; call Start to
// scan in the background.
//
// Parameters:
//   - handler: Registers every dispatched path
//   - recovery: Index of pending checkpoints, may be nil
//   - config: Dropbox configuration
//
// Returns:
//   - *Dropbox: Initialized dropbox (not started)
//   - error: Returns error if the incoming directory is not usable
func New(handler Handler, recovery RecoveryIndex, config Config) (*Dropbox, error) {
	if handler == nil {
		return nil, fmt.Errorf("dropbox %q: handler is required", config.Name)
	}
	if config.IncomingDir == "" {
		return nil, fmt.Errorf("dropbox %q: incoming directory is required", config.Name)
	}
	if err := os.MkdirAll(config.IncomingDir, 0755); err != nil {
		return nil, fmt.Errorf("dropbox %q: failed to create incoming directory: %w", config.Name, err)
	}

	if config.ScanInterval <= 0 {
		config.ScanInterval = 10 * time.Second
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	return &Dropbox{
		handler:  handler,
		recovery: recovery,
		config:   config,
		limiter:  ratelimiter.New(config.FilesPerSecond, config.Burst),
		inFlight: make(map[string]struct{}),
		faulty:   make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Name returns the dropbox name.
func (d *Dropbox) Name() string {
	return d.config.Name
}

// IncomingDir returns the watched directory.
func (d *Dropbox) IncomingDir() string {
	return d.config.IncomingDir
}

// StorageProcessor returns the storage processor of the dropbox's
// registrator, or nil when the handler does not store data itself.
func (d *Dropbox) StorageProcessor() registrator.StorageProcessor {
	if h, ok := d.handler.(interface{ GlobalState() *registrator.GlobalState }); ok {
		return h.GlobalState().Processor
	}
	return nil
}

// Start begins background scanning. The first scan runs immediately.
//
// Safe to call multiple times (subsequent calls are no-ops).
func (d *Dropbox) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	logger.Info("Starting dropbox %q: incoming=%s interval=%s workers=%d marker=%v",
		d.config.Name, d.config.IncomingDir, d.config.ScanInterval, d.config.Workers, d.config.UseIsFinishedMarker)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.worker(ctx)
}

// Stop stops scanning and waits for in-progress registrations to finish.
//
// No new file is dispatched once Stop is called. When ctx expires first,
// running registrations are interrupted through their context; interrupted
// files are picked up again on the next start.
//
// Parameters:
//   - ctx: Context for timeout
//
// Returns:
//   - error: Returns error if context expires before shutdown completes
func (d *Dropbox) Stop(ctx context.Context) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}

	d.stopOnce.Do(func() {
		logger.Info("Stopping dropbox %q...", d.config.Name)
		close(d.stopCh)
	})

	select {
	case <-d.doneCh:
		logger.Info("Dropbox %q stopped", d.config.Name)
		return nil
	case <-ctx.Done():
		logger.Warn("Dropbox %q shutdown timeout, interrupting registrations", d.config.Name)
		d.cancel()
		<-d.doneCh
		return ctx.Err()
	}
}

// RunNow scans once and blocks until every dispatched path was handled.
//
// Parameters:
//   - ctx: Context for cancellation; cancelling interrupts registrations
//
// Returns:
//   - *Stats: Scan statistics
//   - error: Returns error if the directory cannot be listed, the handler
//     stopped or ctx is done
func (d *Dropbox) RunNow(ctx context.Context) (*Stats, error) {
	return d.scan(ctx)
}

// ============================================================================
// Background worker
// ============================================================================

func (d *Dropbox) worker(ctx context.Context) {
	defer close(d.doneCh)
	defer d.cancel()

	ticker := time.NewTicker(d.config.ScanInterval)
	defer ticker.Stop()

	for {
		stats, err := d.scan(ctx)
		switch {
		case errors.Is(err, registrator.ErrStopped):
			logger.Error("Dropbox %q no longer accepts files after an interrupted registration", d.config.Name)
			return
		case err != nil:
			if ctx.Err() == nil {
				logger.Error("Dropbox %q scan failed: %v", d.config.Name, err)
			}
		case stats.Dispatched > 0:
			logger.Info("Dropbox %q scan completed: %s", d.config.Name, stats.Summary())
		}

		select {
		case <-ticker.C:
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ============================================================================
// Scanning
// ============================================================================

// scan lists the dropbox, dispatches every ready path and waits for them.
func (d *Dropbox) scan(ctx context.Context) (*Stats, error) {
	if d.handler.Stopped() {
		return nil, registrator.ErrStopped
	}

	start := time.Now()
	stats := &Stats{}

	paths, err := d.candidates(ctx, stats)
	if err != nil {
		return nil, err
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	var statsMu sync.Mutex

	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				err := d.handle(ctx, path)
				statsMu.Lock()
				if err != nil {
					stats.Failed++
				} else {
					stats.Handled++
				}
				statsMu.Unlock()
			}
		}()
	}

	var dispatchErr error
dispatch:
	for _, path := range paths {
		select {
		case <-d.stopCh:
			break dispatch
		case <-ctx.Done():
			dispatchErr = ctx.Err()
			break dispatch
		default:
		}
		if d.handler.Stopped() {
			dispatchErr = registrator.ErrStopped
			break
		}
		if !d.claim(path) {
			statsMu.Lock()
			stats.Skipped++
			statsMu.Unlock()
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			d.release(path)
			dispatchErr = err
			break
		}

		select {
		case jobs <- path:
			statsMu.Lock()
			stats.Dispatched++
			statsMu.Unlock()
		case <-ctx.Done():
			d.release(path)
			dispatchErr = ctx.Err()
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	stats.Duration = time.Since(start)
	if dispatchErr == nil && d.handler.Stopped() {
		dispatchErr = registrator.ErrStopped
	}
	return stats, dispatchErr
}

// candidates returns the paths worth dispatching, recovery markers first.
func (d *Dropbox) candidates(ctx context.Context, stats *Stats) ([]string, error) {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	if d.recovery != nil {
		originals, err := d.recovery.ListMarkers(ctx, d.config.Name)
		if err != nil {
			logger.Warn("Dropbox %q: failed to list recovery markers: %v", d.config.Name, err)
		}
		for _, original := range originals {
			add(d.arrivalPath(original))
		}
	}

	entries, err := os.ReadDir(d.config.IncomingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.config.IncomingDir, err)
	}

	now := time.Now()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		stats.Scanned++
		path := filepath.Join(d.config.IncomingDir, name)
		if seen[path] {
			continue
		}
		if !d.ready(path, name, now) {
			stats.Skipped++
			continue
		}
		add(path)
	}
	return paths, nil
}

// ready reports whether an entry of the incoming directory may be dispatched.
func (d *Dropbox) ready(path, name string, now time.Time) bool {
	if d.config.UseIsFinishedMarker {
		if !strings.HasPrefix(name, registrator.IsFinishedMarkerPrefix) {
			return false
		}
	} else if strings.HasPrefix(name, ".") {
		return false
	}

	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if !d.config.UseIsFinishedMarker && d.config.QuietPeriod > 0 && now.Sub(info.ModTime()) < d.config.QuietPeriod {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if failedAt, ok := d.faulty[path]; ok {
		if info.ModTime().Equal(failedAt) {
			return false
		}
		delete(d.faulty, path)
	}
	return true
}

// arrivalPath maps an incoming file to the path the handler expects.
func (d *Dropbox) arrivalPath(original string) string {
	if !d.config.UseIsFinishedMarker {
		return original
	}
	return filepath.Join(filepath.Dir(original), registrator.IsFinishedMarkerPrefix+filepath.Base(original))
}

// originalPath is the inverse of arrivalPath.
func (d *Dropbox) originalPath(path string) string {
	if !d.config.UseIsFinishedMarker {
		return path
	}
	return filepath.Join(filepath.Dir(path), strings.TrimPrefix(filepath.Base(path), registrator.IsFinishedMarkerPrefix))
}

// handle runs the handler for one path and remembers paths that failed and
// stayed in place, so they are not retried until they change.
func (d *Dropbox) handle(ctx context.Context, path string) error {
	defer d.release(path)

	err := d.handler.Handle(ctx, path)
	if err == nil {
		return nil
	}
	if errors.Is(err, registrator.ErrStopped) || ctx.Err() != nil {
		return err
	}

	logger.Warn("Dropbox %q: %s failed: %v", d.config.Name, filepath.Base(path), err)

	if d.recovery != nil && d.recovery.HasRecoveryMarker(d.originalPath(path)) {
		return err
	}
	if info, statErr := os.Lstat(path); statErr == nil {
		d.mu.Lock()
		d.faulty[path] = info.ModTime()
		d.mu.Unlock()
		logger.Debug("Dropbox %q: skipping %s until it changes", d.config.Name, path)
	}
	return err
}

func (d *Dropbox) claim(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[path]; busy {
		return false
	}
	d.inFlight[path] = struct{}{}
	return true
}

func (d *Dropbox) release(path string) {
	d.mu.Lock()
	delete(d.inFlight, path)
	d.mu.Unlock()
}

// ============================================================================
// Statistics
// ============================================================================

// Stats contains statistics from one scan.
type Stats struct {
	// Scanned is the number of entries found in the incoming directory
	Scanned int

	// Skipped is the number of entries not dispatched (hidden, not quiet
	// yet, known faulty, already in flight)
	Skipped int

	// Dispatched is the number of paths handed to the handler
	Dispatched int

	// Handled is the number of paths the handler accepted (registered or
	// dropped)
	Handled int

	// Failed is the number of paths the handler returned an error for
	Failed int

	// Duration is how long the scan took
	Duration time.Duration
}

// Summary returns a one-line description of the scan.
func (s *Stats) Summary() string {
	return fmt.Sprintf("scanned=%d skipped=%d dispatched=%d handled=%d failed=%d duration=%s",
		s.Scanned, s.Skipped, s.Dispatched, s.Handled, s.Failed, s.Duration)
}
