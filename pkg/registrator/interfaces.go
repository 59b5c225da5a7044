package registrator

import (
	"context"
	"time"
)

// TransactionParams scopes a storage processor transaction to one data set.
type TransactionParams struct {
	StagingDir  string
	StoreRoot   string
	DataSetCode string
}

// StorageProcessor is the pluggable component that ingests a payload into
// the store layout.
type StorageProcessor interface {
	// CreateTransaction opens a transaction scoped to params.StagingDir.
	CreateTransaction(params TransactionParams) (StorageProcessorTransaction, error)

	// ResumeTransaction rebuilds a transaction from a recovery checkpoint.
	// storedDataDirectory is the last directory given to
	// SetStoredDataDirectory.
	ResumeTransaction(params TransactionParams, storedDataDirectory string) (StorageProcessorTransaction, error)
}

// StorageProcessorTransaction is the per data set handle of a storage
// processor.
type StorageProcessorTransaction interface {
	// StoreData ingests incoming into the staging directory.
	StoreData(ctx context.Context, details DataSetRegistrationDetails, incoming string) error

	// SetStoredDataDirectory tells the transaction where its data lives now.
	SetStoredDataDirectory(dir string)

	// StoredDataDirectory returns the directory set last.
	StoredDataDirectory() string

	Commit(ctx context.Context) error

	// Rollback reverts StoreData. cause is the failure that triggered it.
	Rollback(ctx context.Context, cause error) error
}

// ApplicationServer is the metadata service data sets are registered in.
type ApplicationServer interface {
	// DrawNewUniqueID returns a fresh id, used for registration ids and
	// generated data set codes.
	DrawNewUniqueID(ctx context.Context) (string, error)

	// RegisterDataSets atomically registers a batch under registrationID.
	RegisterDataSets(ctx context.Context, registrationID string, infos []RegistrationInfo) error

	// EntityOperationStatus reports what happened to registrationID.
	EntityOperationStatus(ctx context.Context, registrationID string) (OperationStatus, error)

	// SetStorageConfirmed records that a data set is durably in the store.
	SetStorageConfirmed(ctx context.Context, dataSetCode string) error
}

// RecoveryManager persists checkpoints so a restarted process can resume a
// batch mid-pipeline.
type RecoveryManager interface {
	CheckpointPrecommittedState(ctx context.Context, registrationID string, runner *StorageAlgorithmRunner) error
	CheckpointPrecommittedStateAfterPostRegistrationHook(ctx context.Context, runner *StorageAlgorithmRunner) error
	CheckpointStoredStateBeforeStorageConfirmation(ctx context.Context, runner *StorageAlgorithmRunner) error

	// RegistrationCompleted clears every checkpoint of the runner's incoming
	// file.
	RegistrationCompleted(ctx context.Context, runner *StorageAlgorithmRunner) error

	CanRecoverFromError(err error) bool
	MaximumRetryCount() int
	RetryPeriod() time.Duration

	// HasRecoveryMarker reports whether a checkpoint exists for the incoming
	// path.
	HasRecoveryMarker(incoming string) bool

	// Load reads the checkpoint of the incoming path.
	Load(ctx context.Context, incoming string) (*Checkpoint, error)

	// IncrementTryCount records a failed recovery attempt and returns the new
	// count.
	IncrementTryCount(ctx context.Context, incoming string) (int, error)

	// MarkAsError stops automatic retries for the incoming path.
	MarkAsError(ctx context.Context, incoming string) error
}

// OnErrorActionDecision maps a failure to the disposition of the original
// incoming file.
type OnErrorActionDecision interface {
	ComputeUndoAction(errorType ErrorType, err error) UndoAction
}

// ApplicationReadyChecker is polled before any application server call.
type ApplicationReadyChecker interface {
	IsApplicationReady(ctx context.Context, path string) bool
}

// DataStoreStrategy computes the directory data sets are stored under.
type DataStoreStrategy interface {
	StoreBaseDirectory(storeRoot string, info DataSetInformation) string
}

// Validator inspects an incoming file before registration. Problems are
// returned as ValidationErrors; a non-nil error means the validator itself
// failed.
type Validator interface {
	Validate(ctx context.Context, path string) ([]ValidationError, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, path string) ([]ValidationError, error)

func (f ValidatorFunc) Validate(ctx context.Context, path string) ([]ValidationError, error) {
	return f(ctx, path)
}

// ProcessFunc is the user-programmable step that turns an incoming file into
// data sets by calling Transaction.CreateNewDataSet.
type ProcessFunc func(ctx context.Context, tx *Transaction) error

// ShouldRetryFunc decides whether a failed ProcessFunc run is retried.
type ShouldRetryFunc func(ctx context.Context, regCtx *RegistrationContext, err error) bool

// HookFunc runs around metadata registration.
type HookFunc func(ctx context.Context, regCtx *RegistrationContext, dataSets []DataSetInformation) error

// Hooks are optional; a nil hook is skipped.
type Hooks struct {
	PreRegistration  HookFunc
	PostRegistration HookFunc
}

// RollbackDelegate receives the terminal outcome of a runner that did not
// succeed.
type RollbackDelegate interface {
	DidRollbackStorageAlgorithmRunner(ctx context.Context, runner *StorageAlgorithmRunner, err error, errorType ErrorType)
	MarkReadyForRecovery(ctx context.Context, runner *StorageAlgorithmRunner, err error)
}
