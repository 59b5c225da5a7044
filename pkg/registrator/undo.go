package registrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/marmos91/dropboxd/internal/logger"
)

// ConfiguredOnErrorActionDecision looks the undo action up by error type.
// Types without an entry fall back to Default, and an empty Default means
// MOVE_TO_ERROR.
type ConfiguredOnErrorActionDecision struct {
	Actions map[ErrorType]UndoAction
	Default UndoAction
}

// NewOnErrorActionDecision builds a decision from a configuration map keyed
// by error type name.
func NewOnErrorActionDecision(actions map[string]string, def string) (*ConfiguredOnErrorActionDecision, error) {
	d := &ConfiguredOnErrorActionDecision{Actions: make(map[ErrorType]UndoAction, len(actions))}
	for k, v := range actions {
		action, err := ParseUndoAction(v)
		if err != nil {
			return nil, fmt.Errorf("on_error.%s: %w", k, err)
		}
		d.Actions[ErrorType(k)] = action
	}
	if def != "" {
		action, err := ParseUndoAction(def)
		if err != nil {
			return nil, fmt.Errorf("on_error default: %w", err)
		}
		d.Default = action
	}
	return d, nil
}

// ComputeUndoAction returns the action configured for errorType, then the
// default, then UndoMoveToError.
func (d *ConfiguredOnErrorActionDecision) ComputeUndoAction(errorType ErrorType, _ error) UndoAction {
	if a, ok := d.Actions[errorType]; ok {
		return a
	}
	if d.Default != "" {
		return d.Default
	}
	return UndoMoveToError
}

// applyUndoAction disposes of the original incoming file after a failure.
// A missing original is not an error: it may have been consumed already.
func applyUndoAction(action UndoAction, original, errorDir string, cause error) error {
	if _, err := os.Lstat(original); errors.Is(err, fs.ErrNotExist) {
		logger.Debug("Undo %s: %s no longer exists", action, original)
		return nil
	}

	switch action {
	case UndoLeaveUntouched:
		return nil

	case UndoDelete:
		if err := os.RemoveAll(original); err != nil {
			return fmt.Errorf("failed to delete %s: %w", original, err)
		}
		logger.Info("Deleted %s after failed registration", original)
		return nil

	case UndoMoveToError, "":
		if errorDir == "" {
			return fmt.Errorf("cannot move %s to error: no error directory configured", original)
		}
		if err := os.MkdirAll(errorDir, 0755); err != nil {
			return fmt.Errorf("failed to create error directory: %w", err)
		}
		dst := filepath.Join(errorDir, filepath.Base(original))
		if _, err := os.Lstat(dst); err == nil {
			dst = fmt.Sprintf("%s.%s", dst, time.Now().Format("20060102150405.000"))
		}
		if err := os.Rename(original, dst); err != nil {
			return fmt.Errorf("failed to move %s to %s: %w", original, dst, err)
		}
		if cause != nil {
			report := dst + "_error.txt"
			if err := os.WriteFile(report, []byte(cause.Error()+"\n"), 0644); err != nil {
				logger.Warn("Failed to write error report %s: %v", report, err)
			}
		}
		logger.Info("Moved %s to %s after failed registration", original, dst)
		return nil

	default:
		return fmt.Errorf("unknown undo action %q", action)
	}
}
