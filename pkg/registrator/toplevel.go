package registrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/metrics"
)

// IsFinishedMarkerPrefix prefixes the marker a client drops next to an
// incoming file once it finished writing it.
const IsFinishedMarkerPrefix = ".MARKER_is_finished_"

// TopLevelRegistrator is the entry point of one dropbox. Handle is called for
// every arrival; each call owns its incoming file, so distinct files may be
// handled concurrently.
//
// Once an arrival is interrupted (its context cancelled) the registrator
// stops: every later Handle returns ErrStopped. The flag is never reset.
type TopLevelRegistrator struct {
	g       *GlobalState
	stopped atomic.Bool
}

// NewTopLevelRegistrator validates g, fills its defaults and returns the
// registrator.
func NewTopLevelRegistrator(g *GlobalState) (*TopLevelRegistrator, error) {
	if err := g.complete(); err != nil {
		return nil, err
	}
	return &TopLevelRegistrator{g: g}, nil
}

// Name returns the dropbox name.
func (r *TopLevelRegistrator) Name() string {
	return r.g.DropboxName
}

// GlobalState returns the shared state of the registrator.
func (r *TopLevelRegistrator) GlobalState() *GlobalState {
	return r.g
}

// Stopped reports whether an interrupt stopped the registrator.
func (r *TopLevelRegistrator) Stopped() bool {
	return r.stopped.Load()
}

// Handle registers the incoming file at path. With is-finished markers
// enabled, path is the marker and the incoming file is its sibling.
//
// Returns nil when the file was registered or silently dropped (vanished,
// not a marker). Errors describe a failed registration whose undo action has
// already been applied, or a registration left for recovery.
func (r *TopLevelRegistrator) Handle(ctx context.Context, path string) (err error) {
	if r.stopped.Load() {
		return ErrStopped
	}
	defer r.stopOnInterrupt(ctx, &err)

	original, marker, ok := r.resolveIncoming(path)
	if !ok {
		return nil
	}

	if r.g.Recovery.HasRecoveryMarker(original) {
		return r.HandleRecovery(ctx, original)
	}

	r.g.Metrics.IncInFlight(r.g.DropboxName)
	defer r.g.Metrics.DecInFlight(r.g.DropboxName)

	// ========================================================================
	// Step 1: Access check and prestaging
	// ========================================================================

	if err := checkAccess(original); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("%s vanished before it could be handled", original)
			return nil
		}
		return fmt.Errorf("incoming file %s is not accessible: %w", original, err)
	}

	incoming := IncomingDataSetFile{OriginalPath: original}
	if r.g.PrestagingRoot != "" {
		copyPath, err := prestage(original, r.g.PrestagingRoot)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("%s vanished during prestaging, dropping it", original)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to prestage %s: %w", original, err)
		}
		incoming.PrestagingCopy = copyPath
	}

	logger.Info("[%s] Handling %s", r.g.DropboxName, original)
	regLog := NewRegistrationLog(r.g.LogDir, r.g.DropboxName, original)
	regLog.Logf("Prepared registration of %s", original)
	clean := r.cleanAfterwardsFunc(incoming, marker)

	// ========================================================================
	// Step 2: Validation
	// ========================================================================

	if err := r.validate(ctx, incoming.FileToProcess(), regLog); err != nil {
		errorType := ErrorTypeOf(err, ErrorTypeInvalidDataSet)
		regLog.Logf("Validation failed: %v", err)
		regLog.RegisterFailure()
		clean(ctx, Outcome{ErrorType: errorType, Err: err})
		r.g.Metrics.RecordOutcome(r.g.DropboxName, metrics.OutcomeInvalid)
		return err
	}

	// ========================================================================
	// Step 3: Process and commit
	// ========================================================================

	service := NewRegistrationService(r.g, incoming, regLog, clean)

	if err := r.executeProcessFunctionWithRetries(ctx, service); err != nil {
		service.Abort(ctx, err)
	} else {
		_ = service.Commit(ctx)
	}

	outcome := service.Outcome()
	switch {
	case outcome.Success:
		logger.Info("[%s] Registered %d data sets from %s", r.g.DropboxName, len(outcome.DataSets), original)
		r.g.Metrics.RecordOutcome(r.g.DropboxName, metrics.OutcomeSucceeded)
		return nil
	case outcome.ReadyForRecovery:
		r.g.Metrics.RecordOutcome(r.g.DropboxName, metrics.OutcomeReadyForRecovery)
	default:
		r.g.Metrics.RecordOutcome(r.g.DropboxName, metrics.OutcomeFailed)
	}
	return outcome.Err
}

// HandleRecovery resumes the registration of original from its checkpoint.
// Attempts are spaced by the recovery retry period; after the maximum retry
// count the checkpoint is marked as error and left to an operator.
func (r *TopLevelRegistrator) HandleRecovery(ctx context.Context, original string) (err error) {
	if r.stopped.Load() {
		return ErrStopped
	}
	defer r.stopOnInterrupt(ctx, &err)

	cp, err := r.g.Recovery.Load(ctx, original)
	if err != nil {
		logger.Error("Cannot read recovery checkpoint of %s: %v", original, err)
		if markErr := r.g.Recovery.MarkAsError(ctx, original); markErr != nil {
			logger.Error("Failed to mark recovery of %s as error: %v", original, markErr)
		}
		return err
	}
	if !cp.LastTry.IsZero() && time.Since(cp.LastTry) < r.g.Recovery.RetryPeriod() {
		logger.Debug("Recovery of %s is not due yet", original)
		return nil
	}

	r.g.Metrics.IncInFlight(r.g.DropboxName)
	defer r.g.Metrics.DecInFlight(r.g.DropboxName)

	regLog := NewRegistrationLog(r.g.LogDir, r.g.DropboxName, original)
	delegate := &recoveryDelegate{r: r}
	runner, err := ResumeStorageAlgorithmRunner(ctx, r.g, cp, delegate, regLog)
	if err != nil {
		return r.recoveryFailed(ctx, cp, regLog, err)
	}

	_, err = runner.ResumeFromCheckpoint(ctx)
	switch {
	case err == nil:
		removeIfExists(cp.Incoming.OriginalPath)
		removePrestagingCopy(cp.Incoming.PrestagingCopy)
		removeIfExists(isFinishedMarkerFor(cp.Incoming.OriginalPath))
		regLog.Logf("Recovered registration %s", cp.RegistrationID)
		regLog.RegisterSuccess()
		r.g.Metrics.RecordRecovery(r.g.DropboxName, string(cp.Stage), "succeeded")
		logger.Info("[%s] Recovered registration %s of %s", r.g.DropboxName, cp.RegistrationID, original)
		return nil
	case delegate.rolledBack:
		regLog.RegisterFailure()
		r.g.Metrics.RecordRecovery(r.g.DropboxName, string(cp.Stage), "rolled_back")
		return err
	default:
		return r.recoveryFailed(ctx, cp, regLog, err)
	}
}

func (r *TopLevelRegistrator) recoveryFailed(ctx context.Context, cp *Checkpoint, regLog *RegistrationLog, cause error) error {
	r.g.Metrics.RecordRecovery(r.g.DropboxName, string(cp.Stage), "failed")
	if ctx.Err() != nil {
		return cause
	}

	original := cp.Incoming.OriginalPath
	n, err := r.g.Recovery.IncrementTryCount(ctx, original)
	if err != nil {
		logger.Error("Failed to record recovery attempt of %s: %v", original, err)
		return errors.Join(cause, err)
	}
	regLog.Logf("Recovery attempt %d failed: %v", n, cause)

	if n > r.g.Recovery.MaximumRetryCount() {
		logger.Error("Giving up recovery of %s after %d attempts: %v", original, n, cause)
		if err := r.g.Recovery.MarkAsError(ctx, original); err != nil {
			logger.Error("Failed to mark recovery of %s as error: %v", original, err)
		}
		regLog.Logf("Recovery given up after %d attempts", n)
		regLog.RegisterFailure()
	}
	return cause
}

// executeProcessFunctionWithRetries runs the process function until it
// succeeds. A failure is retried, after rolling the transaction back and
// waiting ProcessRetryPause, when ShouldRetry agrees and the same error has
// not been seen more than ProcessMaxRetryCount times.
func (r *TopLevelRegistrator) executeProcessFunctionWithRetries(ctx context.Context, service *RegistrationService) error {
	regCtx := NewRegistrationContext()
	counter := NewErrorCounter()
	path := service.incoming.FileToProcess()

	for {
		if err := waitUntilReady(ctx, r.g, path); err != nil {
			return err
		}
		tx, err := service.Transaction(ctx, regCtx)
		if err != nil {
			return err
		}

		err = r.runProcess(ctx, tx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrIncomingFileDeleted) || ctx.Err() != nil {
			return err
		}
		if r.g.ShouldRetry == nil || !r.g.ShouldRetry(ctx, regCtx, err) {
			return NewRegistrationError(ErrorTypeRegistrationScript, err)
		}
		if n := counter.Add(err); n > r.g.ProcessMaxRetryCount {
			logger.Error("Process function failed %d times on %s: %v", n, path, err)
			return NewRegistrationError(ErrorTypeRegistrationScript, err)
		}

		logger.Warn("Process function failed on %s, retrying in %s: %v", path, r.g.ProcessRetryPause, err)
		service.regLog.Logf("Process function failed, retrying: %v", err)
		r.g.Metrics.RecordRetry(r.g.DropboxName, "process")
		service.RollbackAndForgetTransaction(ctx)
		if err := sleep(ctx, r.g.ProcessRetryPause); err != nil {
			return err
		}
	}
}

// runProcess calls the process function. Panics become errors, except
// runtime errors other than failed type assertions, which leave the process
// in an unknown state and are re-raised.
func (r *TopLevelRegistrator) runProcess(ctx context.Context, tx *Transaction) (err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		var rerr runtime.Error
		if e, ok := p.(error); ok && errors.As(e, &rerr) {
			var assertion *runtime.TypeAssertionError
			if !errors.As(e, &assertion) {
				panic(p)
			}
		}
		err = fmt.Errorf("process function panicked: %v", p)
	}()
	return r.g.Process(ctx, tx)
}

// validate runs every validator and folds their findings into one
// INVALID_DATA_SET error.
func (r *TopLevelRegistrator) validate(ctx context.Context, path string, regLog *RegistrationLog) error {
	var problems []string
	for _, v := range r.g.Validators {
		verrs, err := v.Validate(ctx, path)
		if err != nil {
			return NewRegistrationError(ErrorTypeRegistrationScript, fmt.Errorf("validator failed: %w", err))
		}
		for _, ve := range verrs {
			regLog.Logf("Validation error: %s", ve.Error())
			problems = append(problems, ve.Error())
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return NewRegistrationError(ErrorTypeInvalidDataSet,
		fmt.Errorf("%d validation errors: %s", len(problems), strings.Join(problems, "; ")))
}

// resolveIncoming maps an arrival to the incoming file and its is-finished
// marker, if markers are in use.
func (r *TopLevelRegistrator) resolveIncoming(path string) (original, marker string, ok bool) {
	if !r.g.UseIsFinishedMarker {
		return path, "", true
	}

	base := filepath.Base(path)
	if !strings.HasPrefix(base, IsFinishedMarkerPrefix) {
		return "", "", false
	}
	original = filepath.Join(filepath.Dir(path), strings.TrimPrefix(base, IsFinishedMarkerPrefix))
	if _, err := os.Lstat(original); err != nil {
		if r.g.Recovery.HasRecoveryMarker(original) {
			return original, path, true
		}
		logger.Warn("Marker %s has no incoming file, removing it", path)
		removeIfExists(path)
		return "", "", false
	}
	return original, path, true
}

func (r *TopLevelRegistrator) cleanAfterwardsFunc(incoming IncomingDataSetFile, marker string) CleanAfterwardsFunc {
	return func(_ context.Context, o Outcome) {
		switch {
		case o.Success:
			removeIfExists(incoming.OriginalPath)
			removePrestagingCopy(incoming.PrestagingCopy)
			removeIfExists(marker)

		case o.ReadyForRecovery, errors.Is(o.Err, context.Canceled):
			// Recovery or the next start picks the file up again.

		default:
			r.disposeOfFailedIncoming(incoming, marker, o.ErrorType, o.Err)
		}
	}
}

func (r *TopLevelRegistrator) disposeOfFailedIncoming(incoming IncomingDataSetFile, marker string, errorType ErrorType, cause error) {
	if errorType == "" {
		errorType = ErrorTypeOf(cause, ErrorTypeRegistrationScript)
	}
	action := r.g.OnError.ComputeUndoAction(errorType, cause)
	logger.Info("[%s] Applying %s to %s after %s", r.g.DropboxName, action, incoming.OriginalPath, errorType)
	if err := applyUndoAction(action, incoming.OriginalPath, r.g.ErrorDir, cause); err != nil {
		logger.Error("Failed to apply %s to %s: %v", action, incoming.OriginalPath, err)
	}
	removePrestagingCopy(incoming.PrestagingCopy)
	if action != UndoLeaveUntouched {
		removeIfExists(marker)
	}
}

func (r *TopLevelRegistrator) stopOnInterrupt(ctx context.Context, err *error) {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(*err, context.Canceled) {
		if r.stopped.CompareAndSwap(false, true) {
			logger.Warn("[%s] Registrator interrupted, no further files will be handled", r.g.DropboxName)
		}
	}
}

func isFinishedMarkerFor(original string) string {
	return filepath.Join(filepath.Dir(original), IsFinishedMarkerPrefix+filepath.Base(original))
}

// recoveryDelegate disposes of the incoming file when a resumed batch is
// rolled back.
type recoveryDelegate struct {
	r          *TopLevelRegistrator
	rolledBack bool
}

func (d *recoveryDelegate) DidRollbackStorageAlgorithmRunner(_ context.Context, runner *StorageAlgorithmRunner, err error, errorType ErrorType) {
	d.rolledBack = true
	incoming := runner.Incoming()
	d.r.disposeOfFailedIncoming(incoming, isFinishedMarkerFor(incoming.OriginalPath), errorType, err)
}

func (d *recoveryDelegate) MarkReadyForRecovery(context.Context, *StorageAlgorithmRunner, error) {}
