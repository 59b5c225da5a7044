package registrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/metrics"
	"github.com/marmos91/dropboxd/pkg/rollback"
)

var errTransactionAborted = errors.New("registration transaction aborted")

// StorageAlgorithmRunner drives the StorageAlgorithms of one incoming file as
// a single logical transaction:
//
//	prepare -> precommit -> pre-registration hook -> register metadata
//	-> post-registration hook -> commit -> store -> confirm -> cleanup
//
// Forward phases visit the algorithms in registration order; rollback visits
// them in reverse. Failures before metadata registration roll the batch back.
// Failures after it mark the batch ready for recovery instead, since
// registered metadata cannot be undone.
type StorageAlgorithmRunner struct {
	g          *GlobalState
	algorithms []*StorageAlgorithm
	stack      *rollback.Stack
	delegate   RollbackDelegate
	incoming   IncomingDataSetFile
	regCtx     *RegistrationContext
	regLog     *RegistrationLog

	registrationID string
	stage          Stage
}

// NewStorageAlgorithmRunner creates a runner for algorithms, all of which
// must be Initialized. stack receives every filesystem change.
func NewStorageAlgorithmRunner(
	g *GlobalState,
	incoming IncomingDataSetFile,
	regCtx *RegistrationContext,
	stack *rollback.Stack,
	delegate RollbackDelegate,
	regLog *RegistrationLog,
	algorithms []*StorageAlgorithm,
) *StorageAlgorithmRunner {
	if regCtx == nil {
		regCtx = NewRegistrationContext()
	}
	if delegate == nil {
		delegate = noopDelegate{}
	}
	r := &StorageAlgorithmRunner{
		g:          g,
		algorithms: algorithms,
		stack:      stack,
		delegate:   delegate,
		incoming:   incoming,
		regCtx:     regCtx,
		regLog:     regLog,
	}
	stack.Register(KindAbortTransaction, rollback.HandlerFuncs{UndoFunc: r.undoAbortTransaction})
	return r
}

// ResumeStorageAlgorithmRunner rebuilds the runner recorded in cp so that
// ResumeFromCheckpoint can finish or unwind it.
func ResumeStorageAlgorithmRunner(
	ctx context.Context,
	g *GlobalState,
	cp *Checkpoint,
	delegate RollbackDelegate,
	regLog *RegistrationLog,
) (*StorageAlgorithmRunner, error) {
	stack, err := rollback.Open(ctx, g.RollbackLog, cp.RollbackStackID)
	if errors.Is(err, rollback.ErrStackNotFound) {
		logger.Warn("Rollback stack %s of registration %s is gone, continuing with an empty one",
			cp.RollbackStackID, cp.RegistrationID)
		stack, err = rollback.New(ctx, g.RollbackLog)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open rollback stack of registration %s: %w", cp.RegistrationID, err)
	}

	algorithms := make([]*StorageAlgorithm, 0, len(cp.DataSets))
	for _, snap := range cp.DataSets {
		a, err := RestoreStorageAlgorithm(g, cp.Incoming.FileToProcess(), snap)
		if err != nil {
			return nil, err
		}
		algorithms = append(algorithms, a)
	}

	r := NewStorageAlgorithmRunner(g, cp.Incoming, restoreRegistrationContext(cp.Context), stack, delegate, regLog, algorithms)
	r.registrationID = cp.RegistrationID
	r.stage = cp.Stage
	return r, nil
}

// RegistrationID returns the id drawn for the metadata registration, empty
// before it was drawn.
func (r *StorageAlgorithmRunner) RegistrationID() string {
	return r.registrationID
}

// Incoming returns the incoming file of the batch.
func (r *StorageAlgorithmRunner) Incoming() IncomingDataSetFile {
	return r.incoming
}

// DropboxName returns the name of the dropbox the batch belongs to.
func (r *StorageAlgorithmRunner) DropboxName() string {
	return r.g.DropboxName
}

// Algorithms returns the algorithms in registration order.
func (r *StorageAlgorithmRunner) Algorithms() []*StorageAlgorithm {
	return append([]*StorageAlgorithm(nil), r.algorithms...)
}

// Stack returns the rollback stack of the batch.
func (r *StorageAlgorithmRunner) Stack() *rollback.Stack {
	return r.stack
}

// RegistrationContext returns the persistent map of the batch.
func (r *StorageAlgorithmRunner) RegistrationContext() *RegistrationContext {
	return r.regCtx
}

// Stage returns the last checkpoint written, empty if none.
func (r *StorageAlgorithmRunner) Stage() Stage {
	return r.stage
}

// Checkpoint captures the batch at stage.
func (r *StorageAlgorithmRunner) Checkpoint(stage Stage) *Checkpoint {
	cp := &Checkpoint{
		Stage:           stage,
		RegistrationID:  r.registrationID,
		DropboxName:     r.g.DropboxName,
		Incoming:        r.incoming,
		RollbackStackID: r.stack.ID(),
		Context:         r.regCtx.Snapshot(),
		DataSets:        make([]DataSetSnapshot, 0, len(r.algorithms)),
	}
	for _, a := range r.algorithms {
		cp.DataSets = append(cp.DataSets, a.Snapshot())
	}
	return cp
}

// DataSets returns the information of every data set in the batch.
func (r *StorageAlgorithmRunner) DataSets() []DataSetInformation {
	out := make([]DataSetInformation, 0, len(r.algorithms))
	for _, a := range r.algorithms {
		out = append(out, a.Info())
	}
	return out
}

// RunStorageAlgorithms drives the batch from Initialized to Stored.
//
// Returns:
//   - []DataSetInformation: The registered data sets on success
//   - error: A *RegistrationError when the batch was rolled back, or an error
//     wrapping ErrReadyForRecovery when completion was left to recovery
func (r *StorageAlgorithmRunner) RunStorageAlgorithms(ctx context.Context) ([]DataSetInformation, error) {
	// ========================================================================
	// Step 1: Prepare and precommit, undone on failure
	// ========================================================================

	if err := r.timed(metrics.PhasePrepare, func() error { return r.prepare(ctx) }); err != nil {
		return nil, r.rollback(ctx, err, ErrorTypeStorageProcessor)
	}
	if err := r.timed(metrics.PhasePrecommit, func() error { return r.preCommitStorageAlgorithms(ctx) }); err != nil {
		return nil, r.rollback(ctx, err, ErrorTypeStorageProcessor)
	}
	if err := r.timed(metrics.PhasePreRegistration, func() error { return r.executePreRegistrationHooks(ctx) }); err != nil {
		return nil, r.rollback(ctx, err, ErrorTypePreRegistration)
	}

	infos, err := r.tryPrepareRegistrationData()
	if err != nil {
		return nil, r.rollback(ctx, err, ErrorTypeRegistrationFailure)
	}

	// ========================================================================
	// Step 2: Checkpoint before the application server sees anything
	// ========================================================================

	if err := r.waitUntilApplicationIsReady(ctx); err != nil {
		return nil, r.rollback(ctx, err, ErrorTypeRegistrationFailure)
	}
	id, err := r.g.AppServer.DrawNewUniqueID(ctx)
	if err != nil {
		return nil, r.rollback(ctx, fmt.Errorf("failed to draw registration id: %w", err), ErrorTypeRegistrationFailure)
	}
	r.registrationID = id

	if err := r.stack.Lock(ctx); err != nil {
		return nil, r.rollback(ctx, err, ErrorTypeRegistrationFailure)
	}
	if err := r.g.Recovery.CheckpointPrecommittedState(ctx, id, r); err != nil {
		return nil, r.rollbackAfterCheckpoint(ctx, fmt.Errorf("failed to write checkpoint: %w", err))
	}
	r.stage = StagePrecommitted
	r.regLog.Logf("Registration %s checkpointed (%d data sets)", id, len(r.algorithms))

	// ========================================================================
	// Step 3: Register metadata
	// ========================================================================

	start := time.Now()
	rollbackSafe, err := r.registerDataWithRecovery(ctx, infos)
	r.g.Metrics.ObservePhase(r.g.DropboxName, metrics.PhaseRegister, time.Since(start), err)
	if err != nil {
		if rollbackSafe {
			return nil, r.rollbackAfterCheckpoint(ctx, err)
		}
		return nil, r.markReadyForRecovery(ctx, err)
	}
	r.regLog.Logf("Registered %d data sets under %s", len(infos), id)

	// ========================================================================
	// Step 4: Everything after this point is finished by recovery, never undone
	// ========================================================================

	return r.finishRegistration(ctx, true)
}

// ResumeFromCheckpoint continues a batch rebuilt by
// ResumeStorageAlgorithmRunner at its recorded stage:
//
//   - precommitted: the operation status decides. OPERATION_SUCCEEDED skips
//     to the post-registration hook without registering again; NO_OPERATION
//     rolls the batch back.
//   - post_registration_hook_executed: commit, store and confirm.
//   - stored: confirm and clean up.
func (r *StorageAlgorithmRunner) ResumeFromCheckpoint(ctx context.Context) ([]DataSetInformation, error) {
	logger.Info("Resuming registration %s of %s from stage %s", r.registrationID, r.incoming.OriginalPath, r.stage)
	r.regLog.Logf("Resuming registration %s from stage %s", r.registrationID, r.stage)

	switch r.stage {
	case StagePrecommitted:
		status, err := r.waitForOperationStatus(ctx)
		if err != nil {
			return nil, err
		}
		if status == StatusSucceeded {
			logger.Info("Registration %s reached the application server, completing it", r.registrationID)
			return r.finishRegistration(ctx, true)
		}
		return nil, r.rollbackAfterCheckpoint(ctx,
			fmt.Errorf("application server has no record of registration %s", r.registrationID))

	case StagePostRegistrationHookExecuted:
		return r.finishRegistration(ctx, false)

	case StageStored:
		if err := r.cleanPrecommitAndConfirmStorage(ctx); err != nil {
			return nil, r.markReadyForRecovery(ctx, err)
		}
		return r.DataSets(), nil

	default:
		return nil, fmt.Errorf("cannot resume registration %s from stage %q", r.registrationID, r.stage)
	}
}

func (r *StorageAlgorithmRunner) prepare(ctx context.Context) error {
	for _, a := range r.algorithms {
		if err := a.Prepare(ctx, r.stack); err != nil {
			return err
		}
		params := TransactionParams{
			StagingDir:  a.Paths().StagingDir,
			StoreRoot:   r.g.StoreRoot,
			DataSetCode: a.Code(),
		}
		cmd := AbortTransaction(r.g.DropboxName, params, a.transaction().StoredDataDirectory())
		if err := r.stack.PushAndExecute(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (r *StorageAlgorithmRunner) preCommitStorageAlgorithms(ctx context.Context) error {
	for _, a := range r.algorithms {
		if err := a.PreCommit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *StorageAlgorithmRunner) executePreRegistrationHooks(ctx context.Context) error {
	if r.g.Hooks.PreRegistration == nil {
		return nil
	}
	if err := r.g.Hooks.PreRegistration(ctx, r.regCtx, r.DataSets()); err != nil {
		return fmt.Errorf("pre-registration hook failed: %w", err)
	}
	return nil
}

func (r *StorageAlgorithmRunner) tryPrepareRegistrationData() ([]RegistrationInfo, error) {
	now := time.Now()
	infos := make([]RegistrationInfo, 0, len(r.algorithms))
	for _, a := range r.algorithms {
		location, err := relativeToStore(r.g.StoreRoot, a.Paths().StoreDir)
		if err != nil {
			return nil, fmt.Errorf("data set %s: %w", a.Code(), err)
		}
		info := a.Info()
		infos = append(infos, RegistrationInfo{
			Code:                  info.Code,
			Type:                  info.Type,
			ExperimentID:          info.ExperimentID,
			SampleID:              info.SampleID,
			ShareID:               info.ShareID,
			ParentCodes:           info.ParentCodes,
			Properties:            info.Properties,
			Location:              location,
			RegistrationTimestamp: now,
		})
	}
	return infos, nil
}

// registerDataWithRecovery registers infos under the runner's registration
// id. After a failed call the operation status is polled: success means the
// call went through after all, NO_OPERATION means retry. The same error more
// than RegistrationMaxRetryCount times gives up.
//
// Returns whether the batch may be rolled back when an error is returned.
func (r *StorageAlgorithmRunner) registerDataWithRecovery(ctx context.Context, infos []RegistrationInfo) (bool, error) {
	counter := NewErrorCounter()
	for {
		err := r.registerData(ctx, infos)
		if err == nil {
			return false, nil
		}
		if errors.Is(err, ErrIncomingFileDeleted) {
			return true, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		logger.Warn("Registration %s of %s failed: %v", r.registrationID, r.incoming.OriginalPath, err)

		status, statusErr := r.waitForOperationStatus(ctx)
		if statusErr != nil {
			return false, statusErr
		}
		if status == StatusSucceeded {
			logger.Info("Registration %s succeeded despite the error", r.registrationID)
			return false, nil
		}

		if n := counter.Add(err); n > r.g.RegistrationMaxRetryCount {
			logger.Error("Giving up registration %s after %d identical failures: %v", r.registrationID, n, err)
			return !r.g.Recovery.CanRecoverFromError(err), err
		}
		r.g.Metrics.RecordRetry(r.g.DropboxName, "register")
		if err := sleep(ctx, r.g.RegistrationRetryPause); err != nil {
			return false, err
		}
	}
}

func (r *StorageAlgorithmRunner) registerData(ctx context.Context, infos []RegistrationInfo) error {
	if r.incoming.PrestagingCopy != "" && !exists(r.incoming.OriginalPath) {
		return fmt.Errorf("%s: %w", r.incoming.OriginalPath, ErrIncomingFileDeleted)
	}
	if err := r.waitUntilApplicationIsReady(ctx); err != nil {
		return err
	}

	r.g.RegistrationLock.Lock()
	defer r.g.RegistrationLock.Unlock()
	return r.g.AppServer.RegisterDataSets(ctx, r.registrationID, infos)
}

// waitForOperationStatus polls until the status is no longer IN_PROGRESS.
// Failing status calls are retried; only ctx ends the wait.
func (r *StorageAlgorithmRunner) waitForOperationStatus(ctx context.Context) (OperationStatus, error) {
	for {
		if err := r.waitUntilApplicationIsReady(ctx); err != nil {
			return StatusInProgress, err
		}
		status, err := r.g.AppServer.EntityOperationStatus(ctx, r.registrationID)
		switch {
		case err != nil:
			logger.Warn("Status check of registration %s failed, retrying: %v", r.registrationID, err)
		case status != StatusInProgress:
			logger.Debug("Registration %s status: %s", r.registrationID, status)
			return status, nil
		}
		if err := sleep(ctx, r.g.StatusPollInterval); err != nil {
			return StatusInProgress, err
		}
	}
}

func (r *StorageAlgorithmRunner) waitUntilApplicationIsReady(ctx context.Context) error {
	return waitUntilReady(ctx, r.g, r.incoming.OriginalPath)
}

// finishRegistration completes a batch whose metadata is registered.
func (r *StorageAlgorithmRunner) finishRegistration(ctx context.Context, runPostHook bool) ([]DataSetInformation, error) {
	if runPostHook {
		r.postRegistration(ctx)
	}
	if err := r.timed(metrics.PhaseCommitAndStore, func() error { return r.commitAndStore(ctx) }); err != nil {
		return nil, r.markReadyForRecovery(ctx, err)
	}
	if err := r.timed(metrics.PhaseConfirm, func() error { return r.cleanPrecommitAndConfirmStorage(ctx) }); err != nil {
		return nil, r.markReadyForRecovery(ctx, err)
	}
	return r.DataSets(), nil
}

func (r *StorageAlgorithmRunner) postRegistration(ctx context.Context) {
	if hook := r.g.Hooks.PostRegistration; hook != nil {
		start := time.Now()
		err := hook(ctx, r.regCtx, r.DataSets())
		r.g.Metrics.ObservePhase(r.g.DropboxName, metrics.PhasePostRegistration, time.Since(start), err)
		if err != nil {
			logger.Error("Post-registration hook of %s failed: %v", r.registrationID, err)
			r.regLog.Logf("Post-registration hook failed: %v", err)
		}
	}

	if err := r.g.Recovery.CheckpointPrecommittedStateAfterPostRegistrationHook(ctx, r); err != nil {
		logger.Warn("Failed to checkpoint registration %s after post-registration hook: %v", r.registrationID, err)
		return
	}
	r.stage = StagePostRegistrationHookExecuted
}

func (r *StorageAlgorithmRunner) commitAndStore(ctx context.Context) error {
	if err := r.commitStorageProcessors(ctx); err != nil {
		return err
	}
	if err := r.storeCommittedDataSets(ctx); err != nil {
		return err
	}
	if err := r.g.Recovery.CheckpointStoredStateBeforeStorageConfirmation(ctx, r); err != nil {
		return fmt.Errorf("failed to checkpoint stored state: %w", err)
	}
	r.stage = StageStored
	return nil
}

// commitStorageProcessors skips algorithms a previous attempt already
// committed.
func (r *StorageAlgorithmRunner) commitStorageProcessors(ctx context.Context) error {
	for _, a := range r.algorithms {
		if a.State() != StatePrecommitted {
			continue
		}
		if err := a.CommitStorageProcessor(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *StorageAlgorithmRunner) storeCommittedDataSets(ctx context.Context) error {
	for _, a := range r.algorithms {
		if a.State() != StateCommitted {
			continue
		}
		if err := a.MoveToTheStore(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *StorageAlgorithmRunner) cleanPrecommitAndConfirmStorage(ctx context.Context) error {
	for _, a := range r.algorithms {
		if err := a.CleanPrecommitDirectory(); err != nil {
			logger.Warn("Failed to clean precommit directory of %s: %v", a.Code(), err)
		}
	}

	if err := r.confirmStorageInApplicationServer(ctx); err != nil {
		return err
	}

	if err := r.g.Recovery.RegistrationCompleted(ctx, r); err != nil {
		logger.Warn("Failed to clear checkpoints of registration %s: %v", r.registrationID, err)
	}
	if err := r.stack.Discard(ctx); err != nil {
		logger.Warn("Failed to discard rollback stack of registration %s: %v", r.registrationID, err)
	}
	r.regLog.Logf("Storage of %d data sets confirmed", len(r.algorithms))
	return nil
}

func (r *StorageAlgorithmRunner) confirmStorageInApplicationServer(ctx context.Context) error {
	if err := r.waitUntilApplicationIsReady(ctx); err != nil {
		return err
	}
	for _, a := range r.algorithms {
		if err := r.g.AppServer.SetStorageConfirmed(ctx, a.Code()); err != nil {
			return fmt.Errorf("failed to confirm storage of %s: %w", a.Code(), err)
		}
	}
	return nil
}

// rollbackStorageProcessors rolls every started algorithm back, last first.
func (r *StorageAlgorithmRunner) rollbackStorageProcessors(ctx context.Context, cause error) {
	for i := len(r.algorithms) - 1; i >= 0; i-- {
		a := r.algorithms[i]
		switch a.State() {
		case StatePrepared, StatePrecommitted, StateRolledback:
		default:
			continue
		}
		if err := a.TransitionToRolledbackState(ctx, cause); err != nil {
			logger.Error("%v", err)
		}
		if err := a.TransitionToUndoneState(); err != nil {
			logger.Error("%v", err)
		}
	}
}

// rollback undoes the batch and reports it to the delegate.
func (r *StorageAlgorithmRunner) rollback(ctx context.Context, cause error, errorType ErrorType) error {
	regErr := NewRegistrationError(errorType, cause)
	logger.Error("Rolling back registration of %s: %v", r.incoming.OriginalPath, regErr)
	r.regLog.Logf("Rolling back: %v", regErr)

	r.rollbackStorageProcessors(ctx, regErr)
	if err := r.stack.RollbackAll(ctx); err != nil {
		logger.Error("Rollback of %s was incomplete: %v", r.incoming.OriginalPath, err)
	}
	if err := r.stack.Discard(ctx); err != nil {
		logger.Warn("Failed to discard rollback stack %s: %v", r.stack.ID(), err)
	}

	r.g.Metrics.RecordRollback(r.g.DropboxName, string(ErrorTypeOf(regErr, errorType)))
	r.delegate.DidRollbackStorageAlgorithmRunner(ctx, r, regErr, ErrorTypeOf(regErr, errorType))
	return regErr
}

func (r *StorageAlgorithmRunner) rollbackAfterCheckpoint(ctx context.Context, cause error) error {
	if err := r.stack.Unlock(ctx); err != nil && !errors.Is(err, rollback.ErrStackDiscarded) {
		logger.Warn("Failed to unlock rollback stack %s: %v", r.stack.ID(), err)
	}
	if err := r.g.Recovery.RegistrationCompleted(ctx, r); err != nil {
		logger.Warn("Failed to clear checkpoints of %s: %v", r.incoming.OriginalPath, err)
	}
	return r.rollback(ctx, cause, ErrorTypeRegistrationFailure)
}

func (r *StorageAlgorithmRunner) markReadyForRecovery(ctx context.Context, cause error) error {
	logger.Error("Registration %s of %s is ready for recovery: %v", r.registrationID, r.incoming.OriginalPath, cause)
	r.regLog.Logf("Left for recovery: %v", cause)
	r.delegate.MarkReadyForRecovery(ctx, r, cause)
	return fmt.Errorf("%w: %w", ErrReadyForRecovery, cause)
}

// undoAbortTransaction rolls back the live algorithm of the command. Stacks
// reopened by another process use AbortTransactionHandler instead.
func (r *StorageAlgorithmRunner) undoAbortTransaction(ctx context.Context, cmd rollback.Command) error {
	code := cmd.Args["code"]
	for _, a := range r.algorithms {
		if a.Code() != code {
			continue
		}
		switch a.State() {
		case StatePrepared, StatePrecommitted:
			return a.TransitionToRolledbackState(ctx, errTransactionAborted)
		}
	}
	return nil
}

func (r *StorageAlgorithmRunner) timed(phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.g.Metrics.ObservePhase(r.g.DropboxName, phase, time.Since(start), err)
	return err
}

type noopDelegate struct{}

func (noopDelegate) DidRollbackStorageAlgorithmRunner(context.Context, *StorageAlgorithmRunner, error, ErrorType) {
}

func (noopDelegate) MarkReadyForRecovery(context.Context, *StorageAlgorithmRunner, error) {}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// waitUntilReady blocks until the application server is ready. The wait is
// unbounded; only ctx ends it early.
func waitUntilReady(ctx context.Context, g *GlobalState, path string) error {
	for !g.ReadyChecker.IsApplicationReady(ctx, path) {
		logger.Info("Application server not ready, %s waits %s", path, g.ApplicationReadyPoll)
		if err := sleep(ctx, g.ApplicationReadyPoll); err != nil {
			return err
		}
	}
	return ctx.Err()
}
