// Package fs implements the default storage processor: the payload of the
// incoming file is placed below original/ in the data set directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/dropboxd/internal/fsutil"
	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

const (
	// OriginalDir is the directory of the data set that receives the payload.
	OriginalDir = "original"

	// sourceFile remembers where a moved payload came from, so that a
	// transaction resumed after a restart can still put it back.
	sourceFile = ".dropboxd-source"
)

// Mode selects how the payload reaches the data set directory.
type Mode string

const (
	// ModeMove renames the payload. The incoming file is consumed.
	ModeMove Mode = "move"

	// ModeCopy hardlinks the payload where possible and copies it otherwise.
	ModeCopy Mode = "copy"
)

// Config configures a Processor.
type Config struct {
	Mode Mode `mapstructure:"mode" validate:"omitempty,oneof=move copy"`
}

// Processor is the default registrator.StorageProcessor.
type Processor struct {
	mode Mode
}

// New creates a Processor. An empty mode means ModeMove.
func New(cfg Config) (*Processor, error) {
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeMove
	case ModeMove, ModeCopy:
	default:
		return nil, fmt.Errorf("unknown storage processor mode %q", cfg.Mode)
	}
	return &Processor{mode: cfg.Mode}, nil
}

// CreateTransaction opens a transaction that stores into params.StagingDir.
func (p *Processor) CreateTransaction(params registrator.TransactionParams) (registrator.StorageProcessorTransaction, error) {
	return &Transaction{mode: p.mode, code: params.DataSetCode, dir: params.StagingDir}, nil
}

// ResumeTransaction rebuilds a transaction whose data lives in storedDir,
// falling back to the staging directory. A moved payload can still be put
// back, since its source is recorded next to it.
func (p *Processor) ResumeTransaction(params registrator.TransactionParams, storedDir string) (registrator.StorageProcessorTransaction, error) {
	if storedDir == "" {
		storedDir = params.StagingDir
	}
	return &Transaction{mode: p.mode, code: params.DataSetCode, dir: storedDir}, nil
}

// Transaction stores the payload of one data set.
//
// Thread Safety: Not safe for concurrent use; a transaction belongs to a
// single StorageAlgorithm.
type Transaction struct {
	mode   Mode
	code   string
	dir    string
	source string
}

// StoreData places the payload under <dir>/original.
//
// Parameters:
//   - ctx: Context for cancellation
//   - details: The data set; a non-empty Source selects a path inside incoming
//   - incoming: The incoming file or directory
//
// Returns:
//   - error: If the payload is missing or cannot be placed
func (t *Transaction) StoreData(ctx context.Context, details registrator.DataSetRegistrationDetails, incoming string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src := incoming
	if details.Source != "" {
		src = filepath.Join(incoming, filepath.Clean(details.Source))
		if !strings.HasPrefix(src, filepath.Clean(incoming)+string(filepath.Separator)) {
			return fmt.Errorf("source %q escapes the incoming file", details.Source)
		}
	}
	if _, err := os.Lstat(src); err != nil {
		return fmt.Errorf("payload of %s: %w", t.code, err)
	}

	originalDir := filepath.Join(t.dir, OriginalDir)
	if err := os.MkdirAll(originalDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", originalDir, err)
	}
	dst := filepath.Join(originalDir, filepath.Base(src))

	switch t.mode {
	case ModeCopy:
		if err := fsutil.CopyTree(src, dst, fsutil.LinkOrCopy); err != nil {
			_ = os.RemoveAll(dst)
			return fmt.Errorf("failed to copy payload of %s: %w", t.code, err)
		}
	default:
		if err := os.WriteFile(filepath.Join(t.dir, sourceFile), []byte(src), 0644); err != nil {
			return fmt.Errorf("failed to record payload source of %s: %w", t.code, err)
		}
		if err := os.Rename(src, dst); err != nil {
			_ = os.Remove(filepath.Join(t.dir, sourceFile))
			return fmt.Errorf("failed to move payload of %s: %w", t.code, err)
		}
		t.source = src
	}

	logger.Debug("Stored payload of %s in %s", t.code, dst)
	return nil
}

func (t *Transaction) SetStoredDataDirectory(dir string) {
	t.dir = dir
}

func (t *Transaction) StoredDataDirectory() string {
	return t.dir
}

// Commit drops the bookkeeping of a moved payload.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(t.dir, sourceFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to finish transaction of %s: %w", t.code, err)
	}
	return nil
}

// Rollback puts a moved payload back where it came from and removes the
// original directory.
func (t *Transaction) Rollback(_ context.Context, cause error) error {
	logger.Debug("Rolling back storage of %s: %v", t.code, cause)

	source := t.source
	if source == "" && t.mode != ModeCopy {
		if data, err := os.ReadFile(filepath.Join(t.dir, sourceFile)); err == nil {
			source = string(data)
		}
	}

	if source != "" {
		moved := filepath.Join(t.dir, OriginalDir, filepath.Base(source))
		if _, err := os.Lstat(moved); err == nil {
			if _, err := os.Lstat(source); err == nil {
				return fmt.Errorf("cannot restore payload of %s: %s already exists", t.code, source)
			}
			if err := os.MkdirAll(filepath.Dir(source), 0755); err != nil {
				return err
			}
			if err := os.Rename(moved, source); err != nil {
				return fmt.Errorf("failed to restore payload of %s: %w", t.code, err)
			}
		}
	}

	if err := os.RemoveAll(filepath.Join(t.dir, OriginalDir)); err != nil {
		return fmt.Errorf("failed to clean data set directory of %s: %w", t.code, err)
	}
	if err := os.Remove(filepath.Join(t.dir, sourceFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	t.source = ""
	return nil
}

var _ registrator.StorageProcessor = (*Processor)(nil)
