package registrator

import (
	"errors"
	"fmt"
	"sync"
)

// ErrorType classifies a registration failure by the pipeline stage it
// happened in. The on-error decision maps it to an UndoAction.
type ErrorType string

const (
	ErrorTypeStorageProcessor     ErrorType = "STORAGE_PROCESSOR_ERROR"
	ErrorTypePreRegistration      ErrorType = "PRE_REGISTRATION_ERROR"
	ErrorTypeRegistrationFailure  ErrorType = "OPENBIS_REGISTRATION_FAILURE"
	ErrorTypeInvalidDataSet       ErrorType = "INVALID_DATA_SET"
	ErrorTypeRegistrationScript   ErrorType = "REGISTRATION_SCRIPT_ERROR"
	ErrorTypePostRegistrationHook ErrorType = "POST_REGISTRATION_ERROR"
)

// ErrorTypes lists every error type, in pipeline order.
var ErrorTypes = []ErrorType{
	ErrorTypeInvalidDataSet,
	ErrorTypeRegistrationScript,
	ErrorTypeStorageProcessor,
	ErrorTypePreRegistration,
	ErrorTypeRegistrationFailure,
	ErrorTypePostRegistrationHook,
}

// UndoAction is the disposition applied to the original incoming file when
// its registration fails.
type UndoAction string

const (
	UndoMoveToError    UndoAction = "MOVE_TO_ERROR"
	UndoDelete         UndoAction = "DELETE"
	UndoLeaveUntouched UndoAction = "LEAVE_UNTOUCHED"
)

// ParseUndoAction converts a configuration value into an UndoAction.
func ParseUndoAction(s string) (UndoAction, error) {
	switch UndoAction(s) {
	case UndoMoveToError, UndoDelete, UndoLeaveUntouched:
		return UndoAction(s), nil
	default:
		return "", fmt.Errorf("unknown undo action %q", s)
	}
}

var (
	// ErrInvalidTransition is returned when a StorageAlgorithm operation is
	// invoked in a state that does not allow it.
	ErrInvalidTransition = errors.New("invalid storage algorithm transition")

	// ErrAlreadyProcessing indicates the processing marker of a data set
	// already exists: another registration is storing the same data set.
	ErrAlreadyProcessing = errors.New("data set is already being processed")

	// ErrPrecommitDirectoryMissing signals a consistency violation: there is
	// nothing to move into the store.
	ErrPrecommitDirectoryMissing = errors.New("precommit directory does not exist")

	// ErrIncomingFileDeleted indicates the incoming file disappeared before
	// registration completed. Retry loops give up on it immediately.
	ErrIncomingFileDeleted = errors.New("incoming file was deleted before registration")

	// ErrPathOutsideStore indicates a computed data set location escapes the
	// store root.
	ErrPathOutsideStore = errors.New("path is outside the store root")

	// ErrReadyForRecovery indicates the registration stopped after metadata
	// may have reached the application server; the recovery checkpoint will
	// finish it later.
	ErrReadyForRecovery = errors.New("registration marked ready for recovery")

	// ErrStopped is returned for arrivals after the registrator was
	// interrupted.
	ErrStopped = errors.New("registrator stopped")

	// ErrTransactionRolledBack is returned when committing a transaction that
	// has already been rolled back.
	ErrTransactionRolledBack = errors.New("transaction already rolled back")
)

// RegistrationError attaches the pipeline stage to a failure.
type RegistrationError struct {
	Type ErrorType
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// NewRegistrationError wraps err with a stage. An err that already carries a
// stage keeps it.
func NewRegistrationError(t ErrorType, err error) error {
	if err == nil {
		return nil
	}
	var re *RegistrationError
	if errors.As(err, &re) {
		return err
	}
	return &RegistrationError{Type: t, Err: err}
}

// ErrorTypeOf returns the stage attached to err, or fallback when none is.
func ErrorTypeOf(err error, fallback ErrorType) ErrorType {
	var re *RegistrationError
	if errors.As(err, &re) {
		return re.Type
	}
	return fallback
}

// ValidationError is one problem reported by a Validator.
type ValidationError struct {
	Path    string
	Message string
}

func (v ValidationError) Error() string {
	if v.Path == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ErrorCounter counts identical errors. Two errors are identical when their
// messages are equal, so a flapping dependency that keeps failing the same
// way consumes one retry budget.
//
// Thread Safety: Safe for concurrent use.
type ErrorCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewErrorCounter creates an empty counter.
func NewErrorCounter() *ErrorCounter {
	return &ErrorCounter{counts: make(map[string]int)}
}

// Add records err and returns how many times it has been seen.
func (c *ErrorCounter) Add(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := err.Error()
	c.counts[key]++
	return c.counts[key]
}

// Count returns how many times err has been recorded.
func (c *ErrorCounter) Count(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[err.Error()]
}

// Distinct returns the number of different errors recorded.
func (c *ErrorCounter) Distinct() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}
