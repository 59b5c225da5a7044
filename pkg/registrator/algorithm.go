package registrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/rollback"
)

// State is the position of a StorageAlgorithm in its lifecycle.
//
//	Initialized --Prepare--> Prepared --PreCommit--> Precommitted
//	Precommitted --CommitStorageProcessor--> Committed --MoveToTheStore--> Stored
//	Prepared|Precommitted --TransitionToRolledbackState--> Rolledback
//	Rolledback --TransitionToUndoneState--> Undone
type State string

const (
	StateInitialized  State = "INITIALIZED"
	StatePrepared     State = "PREPARED"
	StatePrecommitted State = "PRECOMMITTED"
	StateCommitted    State = "COMMITTED"
	StateStored       State = "STORED"
	StateRolledback   State = "ROLLEDBACK"
	StateUndone       State = "UNDONE"
)

// algorithmState is the tagged payload of a StorageAlgorithm. Each variant
// holds only what is valid in its state.
type algorithmState interface {
	tag() State
}

type initializedState struct{}

type preparedState struct {
	stack          *rollback.Stack
	tx             StorageProcessorTransaction
	storeAttempted bool
}

type precommittedState struct {
	tx StorageProcessorTransaction
}

type committedState struct {
	tx StorageProcessorTransaction
}

type storedState struct{}

type rolledbackState struct {
	cause error
}

type undoneState struct {
	cause error
}

func (initializedState) tag() State   { return StateInitialized }
func (*preparedState) tag() State     { return StatePrepared }
func (*precommittedState) tag() State { return StatePrecommitted }
func (*committedState) tag() State    { return StateCommitted }
func (storedState) tag() State        { return StateStored }
func (*rolledbackState) tag() State   { return StateRolledback }
func (*undoneState) tag() State       { return StateUndone }

// StorageAlgorithm moves the payload of one data set from staging through
// precommit into the store.
//
// A StorageAlgorithm is driven by a single goroutine (its runner) and is not
// safe for concurrent use.
type StorageAlgorithm struct {
	g        *GlobalState
	details  DataSetRegistrationDetails
	incoming string
	paths    StoragePaths
	current  algorithmState
}

// NewStorageAlgorithm creates an algorithm in the Initialized state for one
// data set of the incoming file. details is copied.
func NewStorageAlgorithm(g *GlobalState, incoming string, details DataSetRegistrationDetails) *StorageAlgorithm {
	d := details.Clone()
	if d.Info.ShareID == "" {
		d.Info.ShareID = g.ShareID
	}
	return &StorageAlgorithm{
		g:        g,
		details:  d,
		incoming: incoming,
		current:  initializedState{},
	}
}

// State returns the current state tag.
func (a *StorageAlgorithm) State() State {
	return a.current.tag()
}

// Code returns the data set code.
func (a *StorageAlgorithm) Code() string {
	return a.details.Info.Code
}

// Info returns a copy of the data set information.
func (a *StorageAlgorithm) Info() DataSetInformation {
	return a.details.Info.Clone()
}

// Paths returns the directory triple. It is empty before Prepare.
func (a *StorageAlgorithm) Paths() StoragePaths {
	return a.paths
}

// Cause returns the error the algorithm was rolled back for.
func (a *StorageAlgorithm) Cause() error {
	switch st := a.current.(type) {
	case *rolledbackState:
		return st.cause
	case *undoneState:
		return st.cause
	}
	return nil
}

// MarkerFile returns the path of the processing marker. The marker holds the
// id of the rollback stack that created it.
func (a *StorageAlgorithm) MarkerFile() string {
	return filepath.Join(a.g.StoreRoot, ".processing-"+a.details.Info.Code)
}

func (a *StorageAlgorithm) invalid(op string) error {
	return fmt.Errorf("%s on data set %s in state %s: %w", op, a.details.Info.Code, a.State(), ErrInvalidTransition)
}

func (a *StorageAlgorithm) transaction() StorageProcessorTransaction {
	switch st := a.current.(type) {
	case *preparedState:
		return st.tx
	case *precommittedState:
		return st.tx
	case *committedState:
		return st.tx
	}
	return nil
}

// Prepare creates the staging directory, the store base directory and the
// storage processor transaction. Directories are created through stack.
func (a *StorageAlgorithm) Prepare(ctx context.Context, stack *rollback.Stack) error {
	if _, ok := a.current.(initializedState); !ok {
		return a.invalid("prepare")
	}

	code := a.details.Info.Code
	staging := filepath.Join(a.g.StagingRoot, code)
	if err := stack.MkdirAll(ctx, staging); err != nil {
		return fmt.Errorf("failed to create staging directory %s: %w", staging, err)
	}
	if err := stack.MkdirAll(ctx, a.g.PrecommitRoot); err != nil {
		return fmt.Errorf("failed to create precommit root %s: %w", a.g.PrecommitRoot, err)
	}

	storeBase := a.g.Strategy.StoreBaseDirectory(a.g.StoreRoot, a.details.Info)
	if err := stack.MkdirAll(ctx, storeBase); err != nil {
		return fmt.Errorf("failed to create store directory %s: %w", storeBase, err)
	}
	info, err := os.Stat(storeBase)
	if err != nil {
		return fmt.Errorf("failed to verify store directory %s: %w", storeBase, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store directory %s is not a directory", storeBase)
	}

	a.paths = StoragePaths{
		StagingDir:   staging,
		StoreDir:     filepath.Join(storeBase, code),
		PrecommitDir: filepath.Join(a.g.PrecommitRoot, code),
	}

	tx, err := a.g.Processor.CreateTransaction(TransactionParams{
		StagingDir:  staging,
		StoreRoot:   a.g.StoreRoot,
		DataSetCode: code,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage processor transaction for %s: %w", code, err)
	}
	tx.SetStoredDataDirectory(staging)

	a.current = &preparedState{stack: stack, tx: tx}
	return nil
}

// PreCommit takes the processing marker, lets the storage processor store the
// data in staging and moves staging to precommit. The marker and the move go
// through the stack given to Prepare.
//
// A second PreCommit of the same data set fails with ErrAlreadyProcessing
// while the first one holds the marker.
func (a *StorageAlgorithm) PreCommit(ctx context.Context) error {
	st, ok := a.current.(*preparedState)
	if !ok {
		return a.invalid("precommit")
	}
	st.storeAttempted = true

	code := a.details.Info.Code
	if err := st.stack.PushAndExecute(ctx, rollback.NewFile(a.MarkerFile(), st.stack.ID())); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("data set %s: %w", code, ErrAlreadyProcessing)
		}
		return fmt.Errorf("failed to create processing marker for %s: %w", code, err)
	}

	if err := st.tx.StoreData(ctx, a.details, a.incoming); err != nil {
		return fmt.Errorf("storage processor failed to store %s: %w", code, err)
	}

	if err := st.stack.PushAndExecute(ctx, rollback.Move(a.paths.StagingDir, a.paths.PrecommitDir)); err != nil {
		return fmt.Errorf("failed to move %s to precommit: %w", code, err)
	}
	st.tx.SetStoredDataDirectory(a.paths.PrecommitDir)

	a.current = &precommittedState{tx: st.tx}
	return nil
}

// CommitStorageProcessor commits the processor transaction against the
// precommit directory, removes what is left of staging and deletes the
// marker.
func (a *StorageAlgorithm) CommitStorageProcessor(ctx context.Context) error {
	st, ok := a.current.(*precommittedState)
	if !ok {
		return a.invalid("commit storage processor")
	}

	st.tx.SetStoredDataDirectory(a.paths.PrecommitDir)
	if err := st.tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage processor failed to commit %s: %w", a.details.Info.Code, err)
	}

	if err := os.RemoveAll(a.paths.StagingDir); err != nil {
		logger.Warn("Failed to delete staging directory %s: %v", a.paths.StagingDir, err)
	}
	a.DeleteMarkerFile()

	a.current = &committedState{tx: st.tx}
	return nil
}

// MoveToTheStore moves the precommit directory to its store directory. A
// missing precommit directory is a consistency violation and fails with
// ErrPrecommitDirectoryMissing.
func (a *StorageAlgorithm) MoveToTheStore(_ context.Context) error {
	st, ok := a.current.(*committedState)
	if !ok {
		return a.invalid("move to the store")
	}

	if _, err := os.Stat(a.paths.PrecommitDir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", a.paths.PrecommitDir, ErrPrecommitDirectoryMissing)
	}
	if err := os.Rename(a.paths.PrecommitDir, a.paths.StoreDir); err != nil {
		return fmt.Errorf("failed to move %s to the store: %w", a.details.Info.Code, err)
	}
	st.tx.SetStoredDataDirectory(a.paths.StoreDir)

	logger.Debug("Data set %s stored in %s", a.details.Info.Code, a.paths.StoreDir)
	a.current = storedState{}
	return nil
}

// CleanPrecommitDirectory removes the precommit directory if it still exists.
// Calling it again is a no-op.
func (a *StorageAlgorithm) CleanPrecommitDirectory() error {
	if a.paths.PrecommitDir == "" {
		return nil
	}
	return os.RemoveAll(a.paths.PrecommitDir)
}

// DeleteMarkerFile removes the processing marker. Failures are logged only.
func (a *StorageAlgorithm) DeleteMarkerFile() {
	marker := a.MarkerFile()
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to delete processing marker %s: %v", marker, err)
	}
}

// TransitionToRolledbackState rolls the storage processor back when a store
// was attempted and moves to Rolledback. The state changes even when the
// processor rollback fails; that error is returned.
func (a *StorageAlgorithm) TransitionToRolledbackState(ctx context.Context, cause error) error {
	var err error
	switch st := a.current.(type) {
	case *preparedState:
		if st.storeAttempted {
			err = st.tx.Rollback(ctx, cause)
		}
	case *precommittedState:
		// The precommit move may already have been undone by the stack.
		dir := a.paths.PrecommitDir
		if _, statErr := os.Stat(dir); errors.Is(statErr, fs.ErrNotExist) {
			dir = a.paths.StagingDir
		}
		st.tx.SetStoredDataDirectory(dir)
		err = st.tx.Rollback(ctx, cause)
	case *rolledbackState, *undoneState:
		return nil
	default:
		return a.invalid("rollback")
	}

	if err != nil {
		err = fmt.Errorf("storage processor rollback of %s failed: %w", a.details.Info.Code, err)
	}
	a.current = &rolledbackState{cause: cause}
	return err
}

// TransitionToUndoneState finishes a rollback.
func (a *StorageAlgorithm) TransitionToUndoneState() error {
	switch st := a.current.(type) {
	case *rolledbackState:
		a.current = &undoneState{cause: st.cause}
		return nil
	case *undoneState:
		return nil
	default:
		return a.invalid("undo")
	}
}

// Snapshot returns the recoverable part of the algorithm.
func (a *StorageAlgorithm) Snapshot() DataSetSnapshot {
	snap := DataSetSnapshot{
		Details: a.details.Clone(),
		Paths:   a.paths,
		State:   a.State(),
	}
	if tx := a.transaction(); tx != nil {
		snap.StoredDataDirectory = tx.StoredDataDirectory()
	}
	return snap
}

// RestoreStorageAlgorithm rebuilds an algorithm from a checkpoint. Only
// Precommitted, Committed and Stored algorithms are recoverable. The state is
// reconciled with the filesystem: an algorithm whose precommit directory is
// gone but whose store directory exists is Stored.
func RestoreStorageAlgorithm(g *GlobalState, incoming string, snap DataSetSnapshot) (*StorageAlgorithm, error) {
	a := &StorageAlgorithm{
		g:        g,
		details:  snap.Details.Clone(),
		incoming: incoming,
		paths:    snap.Paths,
	}

	state := snap.State
	if state == StatePrecommitted || state == StateCommitted {
		if !exists(a.paths.PrecommitDir) && exists(a.paths.StoreDir) {
			state = StateStored
		}
	}

	switch state {
	case StatePrecommitted, StateCommitted:
		tx, err := g.Processor.ResumeTransaction(TransactionParams{
			StagingDir:  a.paths.StagingDir,
			StoreRoot:   g.StoreRoot,
			DataSetCode: a.details.Info.Code,
		}, snap.StoredDataDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to resume storage processor transaction for %s: %w", a.details.Info.Code, err)
		}
		if state == StatePrecommitted {
			a.current = &precommittedState{tx: tx}
		} else {
			a.current = &committedState{tx: tx}
		}
	case StateStored:
		a.current = storedState{}
	default:
		return nil, fmt.Errorf("data set %s cannot be recovered from state %s", a.details.Info.Code, state)
	}
	return a, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
