// Package recovery persists registration checkpoints on the local filesystem
// so that a restarted dropboxd can finish or unwind batches that were
// interrupted after their metadata reached the application server.
//
// Layout below the recovery directory:
//
//	<name>.<hash>.RECOVERY     marker of one incoming file
//	<name>.<hash>.ERROR        marker of an incoming file recovery gave up on
//	state/<registration-id>.json checkpoint referenced by the marker
package recovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

const (
	// MarkerSuffix marks a recoverable incoming file.
	MarkerSuffix = ".RECOVERY"

	// ErrorMarkerSuffix replaces MarkerSuffix once automatic recovery gave up.
	ErrorMarkerSuffix = ".ERROR"

	stateDir = "state"
)

var (
	// ErrNoCheckpoint is returned when an incoming file has no recovery
	// marker.
	ErrNoCheckpoint = errors.New("no recovery checkpoint")

	// ErrCorruptCheckpoint is returned when a marker or state file cannot be
	// decoded.
	ErrCorruptCheckpoint = errors.New("corrupt recovery checkpoint")
)

// Config configures a Manager.
type Config struct {
	// Dir is the recovery directory. It is created if missing.
	Dir string

	// MaxRetryCount is the number of failed recovery attempts after which an
	// incoming file is marked as error.
	MaxRetryCount int

	// RetryPeriod is the minimum time between two recovery attempts.
	RetryPeriod time.Duration
}

// marker is the content of a .RECOVERY file.
type marker struct {
	Incoming  string    `json:"incoming"`
	StateFile string    `json:"state_file"`
	Dropbox   string    `json:"dropbox"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager implements registrator.RecoveryManager with one marker file per
// incoming file and one JSON state file per registration.
//
// Thread Safety: Safe for concurrent use. Distinct incoming files never share
// a marker.
type Manager struct {
	dir         string
	maxRetry    int
	retryPeriod time.Duration
	mu          sync.Mutex
}

// New creates a Manager rooted at cfg.Dir.
//
// Parameters:
//   - cfg: Recovery directory and retry policy
//
// Returns:
//   - *Manager: Ready manager
//   - error: If the directory layout cannot be created
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("recovery directory is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, stateDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create recovery directory: %w", err)
	}
	return &Manager{
		dir:         cfg.Dir,
		maxRetry:    cfg.MaxRetryCount,
		retryPeriod: cfg.RetryPeriod,
	}, nil
}

// Dir returns the recovery directory.
func (m *Manager) Dir() string {
	return m.dir
}

// MarkerPath returns the marker location of an incoming file. The hash of
// the full path keeps files of the same name from different dropboxes apart.
func (m *Manager) MarkerPath(incoming string) string {
	sum := sha1.Sum([]byte(filepath.Clean(incoming)))
	return filepath.Join(m.dir, fmt.Sprintf("%s.%s%s", filepath.Base(incoming), hex.EncodeToString(sum[:4]), MarkerSuffix))
}

func (m *Manager) statePath(registrationID string) string {
	return filepath.Join(m.dir, stateDir, registrationID+".json")
}

// CheckpointPrecommittedState records a batch whose data sets are all
// precommitted, before the application server sees them. It is the first
// checkpoint of a registration and creates the marker of its incoming file.
//
// Parameters:
//   - ctx: Context for cancellation
//   - registrationID: Id the metadata will be registered under
//   - runner: The batch to capture
//
// Returns:
//   - error: If the state or marker file cannot be written
func (m *Manager) CheckpointPrecommittedState(ctx context.Context, registrationID string, runner *registrator.StorageAlgorithmRunner) error {
	cp := runner.Checkpoint(registrator.StagePrecommitted)
	cp.RegistrationID = registrationID
	return m.save(ctx, cp)
}

// CheckpointPrecommittedStateAfterPostRegistrationHook records that the
// metadata is registered and the post-registration hook ran, so that a
// resumed batch does not run the hook again.
func (m *Manager) CheckpointPrecommittedStateAfterPostRegistrationHook(ctx context.Context, runner *registrator.StorageAlgorithmRunner) error {
	return m.save(ctx, runner.Checkpoint(registrator.StagePostRegistrationHookExecuted))
}

// CheckpointStoredStateBeforeStorageConfirmation records that every data set
// reached the store. Only the storage confirmation is left.
func (m *Manager) CheckpointStoredStateBeforeStorageConfirmation(ctx context.Context, runner *registrator.StorageAlgorithmRunner) error {
	return m.save(ctx, runner.Checkpoint(registrator.StageStored))
}

// save writes cp and points the marker of its incoming file at it. The try
// count of an earlier checkpoint of the same file is carried over, so that
// a recovery attempt that moves the batch forward and then fails again still
// counts.
func (m *Manager) save(ctx context.Context, cp *registrator.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.RegistrationID == "" {
		return errors.New("checkpoint has no registration id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	markerPath := m.MarkerPath(cp.Incoming.OriginalPath)
	if prev, err := m.readMarker(markerPath); err == nil {
		if old, err := m.readState(prev.StateFile); err == nil {
			cp.TryCount = old.TryCount
			cp.LastTry = old.LastTry
		}
		if prev.StateFile != m.statePath(cp.RegistrationID) {
			removeQuietly(prev.StateFile)
		}
	}

	statePath := m.statePath(cp.RegistrationID)
	if err := writeJSON(statePath, cp); err != nil {
		return fmt.Errorf("failed to write checkpoint of %s: %w", cp.RegistrationID, err)
	}
	mk := marker{
		Incoming:  cp.Incoming.OriginalPath,
		StateFile: statePath,
		Dropbox:   cp.DropboxName,
		CreatedAt: time.Now(),
	}
	if err := writeJSON(markerPath, mk); err != nil {
		return fmt.Errorf("failed to write recovery marker of %s: %w", cp.Incoming.OriginalPath, err)
	}

	logger.Debug("Checkpointed registration %s at stage %s", cp.RegistrationID, cp.Stage)
	return nil
}

// RegistrationCompleted removes the marker and state of the runner's incoming
// file. Missing files are ignored.
func (m *Manager) RegistrationCompleted(ctx context.Context, runner *registrator.StorageAlgorithmRunner) error {
	return m.Clear(ctx, runner.Incoming().OriginalPath)
}

// Clear removes every checkpoint file of incoming.
func (m *Manager) Clear(_ context.Context, incoming string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	markerPath := m.MarkerPath(incoming)
	mk, err := m.readMarker(markerPath)
	if errors.Is(err, ErrNoCheckpoint) {
		return nil
	}
	if err == nil {
		if err := os.Remove(mk.StateFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove checkpoint state: %w", err)
		}
	}
	if err := os.Remove(markerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove recovery marker: %w", err)
	}
	return nil
}

// CanRecoverFromError reports whether a failed registration is worth
// checkpointing for later. Invalid data and vanished incoming files never
// improve with time.
func (m *Manager) CanRecoverFromError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, registrator.ErrIncomingFileDeleted) {
		return false
	}
	var re *registrator.RegistrationError
	if errors.As(err, &re) && re.Type == registrator.ErrorTypeInvalidDataSet {
		return false
	}
	return true
}

// MaximumRetryCount is the number of failed recovery attempts after which an
// incoming file is marked as error.
func (m *Manager) MaximumRetryCount() int {
	return m.maxRetry
}

// RetryPeriod is the minimum time between two recovery attempts of the same
// incoming file.
func (m *Manager) RetryPeriod() time.Duration {
	return m.retryPeriod
}

// HasRecoveryMarker reports whether incoming has a pending checkpoint.
// Incoming files marked as error have none.
func (m *Manager) HasRecoveryMarker(incoming string) bool {
	_, err := os.Stat(m.MarkerPath(incoming))
	return err == nil
}

// Load reads the checkpoint of incoming.
//
// Returns:
//   - *registrator.Checkpoint: The last checkpoint written
//   - error: ErrNoCheckpoint without a marker, ErrCorruptCheckpoint when the
//     files cannot be decoded
func (m *Manager) Load(ctx context.Context, incoming string) (*registrator.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mk, err := m.readMarker(m.MarkerPath(incoming))
	if err != nil {
		return nil, err
	}
	return m.readState(mk.StateFile)
}

// IncrementTryCount records a failed recovery attempt of incoming.
func (m *Manager) IncrementTryCount(ctx context.Context, incoming string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mk, err := m.readMarker(m.MarkerPath(incoming))
	if err != nil {
		return 0, err
	}
	cp, err := m.readState(mk.StateFile)
	if err != nil {
		return 0, err
	}
	cp.TryCount++
	cp.LastTry = time.Now()
	if err := writeJSON(mk.StateFile, cp); err != nil {
		return 0, fmt.Errorf("failed to update checkpoint of %s: %w", cp.RegistrationID, err)
	}
	return cp.TryCount, nil
}

// MarkAsError renames the marker of incoming to .ERROR. The state file is
// kept for the operator.
func (m *Manager) MarkAsError(_ context.Context, incoming string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	markerPath := m.MarkerPath(incoming)
	errorPath := strings.TrimSuffix(markerPath, MarkerSuffix) + ErrorMarkerSuffix
	if err := os.Rename(markerPath, errorPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", incoming, ErrNoCheckpoint)
		}
		return fmt.Errorf("failed to mark recovery of %s as error: %w", incoming, err)
	}
	logger.Warn("Recovery of %s marked as error, see %s", incoming, errorPath)
	return nil
}

// ListMarkers returns the incoming files with a pending checkpoint of the
// given dropbox, oldest first. An empty dropbox lists every marker.
func (m *Manager) ListMarkers(_ context.Context, dropbox string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery markers: %w", err)
	}

	type found struct {
		incoming string
		created  time.Time
	}
	var markers []found
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), MarkerSuffix) {
			continue
		}
		mk, err := m.readMarker(filepath.Join(m.dir, e.Name()))
		if err != nil {
			logger.Warn("Skipping recovery marker %s: %v", e.Name(), err)
			continue
		}
		if dropbox != "" && mk.Dropbox != dropbox {
			continue
		}
		markers = append(markers, found{incoming: mk.Incoming, created: mk.CreatedAt})
	}

	sort.Slice(markers, func(i, j int) bool { return markers[i].created.Before(markers[j].created) })
	out := make([]string, 0, len(markers))
	for _, f := range markers {
		out = append(out, f.incoming)
	}
	return out, nil
}

func (m *Manager) readMarker(path string) (*marker, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNoCheckpoint)
	}
	if err != nil {
		return nil, err
	}
	var mk marker
	if err := json.Unmarshal(data, &mk); err != nil || mk.StateFile == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrCorruptCheckpoint)
	}
	return &mk, nil
}

func (m *Manager) readState(path string) (*registrator.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("state file %s is missing: %w", path, ErrCorruptCheckpoint)
	}
	if err != nil {
		return nil, err
	}
	var cp registrator.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrCorruptCheckpoint, err)
	}
	return &cp, nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to remove %s: %v", path, err)
	}
}

var _ registrator.RecoveryManager = (*Manager)(nil)
