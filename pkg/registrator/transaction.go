package registrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/rollback"
)

type transactionStatus int

const (
	transactionLive transactionStatus = iota
	transactionCommitted
	transactionRolledBack
	transactionRecoveryPending
)

// Transaction collects the data sets a process function creates for one
// incoming file and registers them as one batch on commit.
//
// Thread Safety: Safe for concurrent use by the process function.
type Transaction struct {
	mu       sync.Mutex
	service  *RegistrationService
	g        *GlobalState
	incoming IncomingDataSetFile
	regCtx   *RegistrationContext
	stack    *rollback.Stack
	details  []DataSetRegistrationDetails
	status   transactionStatus
}

func newTransaction(ctx context.Context, s *RegistrationService, regCtx *RegistrationContext) (*Transaction, error) {
	stack, err := rollback.New(ctx, s.g.RollbackLog)
	if err != nil {
		return nil, err
	}
	if regCtx == nil {
		regCtx = NewRegistrationContext()
	}
	return &Transaction{
		service:  s,
		g:        s.g,
		incoming: s.incoming,
		regCtx:   regCtx,
		stack:    stack,
	}, nil
}

// Context returns the persistent map shared by every attempt.
func (t *Transaction) Context() *RegistrationContext {
	return t.regCtx
}

// Incoming returns the incoming file of the transaction.
func (t *Transaction) Incoming() IncomingDataSetFile {
	return t.incoming
}

// IncomingPath returns the path the process function should read.
func (t *Transaction) IncomingPath() string {
	return t.incoming.FileToProcess()
}

// Stack returns the rollback stack. Process functions may push their own
// commands on it.
func (t *Transaction) Stack() *rollback.Stack {
	return t.stack
}

// CreateNewDataSet adds a data set to the batch. An empty code is replaced by
// a fresh id from the application server; an empty share gets the dropbox
// default.
//
// Returns the details as they will be registered, or an INVALID_DATA_SET
// RegistrationError when they fail validation.
func (t *Transaction) CreateNewDataSet(ctx context.Context, details DataSetRegistrationDetails) (DataSetRegistrationDetails, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != transactionLive {
		return DataSetRegistrationDetails{}, errors.New("transaction is no longer live")
	}

	d := details.Clone()
	if d.Info.Code == "" {
		id, err := t.g.AppServer.DrawNewUniqueID(ctx)
		if err != nil {
			return DataSetRegistrationDetails{}, fmt.Errorf("failed to draw data set code: %w", err)
		}
		d.Info.Code = id
	}
	if d.Info.ShareID == "" {
		d.Info.ShareID = t.g.ShareID
	}
	if err := ValidateDataSetInformation(d.Info); err != nil {
		return DataSetRegistrationDetails{}, NewRegistrationError(ErrorTypeInvalidDataSet, err)
	}
	for _, existing := range t.details {
		if existing.Info.Code == d.Info.Code {
			return DataSetRegistrationDetails{}, NewRegistrationError(ErrorTypeInvalidDataSet,
				fmt.Errorf("data set %s is already part of this transaction", d.Info.Code))
		}
	}

	t.details = append(t.details, d)
	return d.Clone(), nil
}

// DataSets returns the details added so far.
func (t *Transaction) DataSets() []DataSetRegistrationDetails {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DataSetRegistrationDetails, len(t.details))
	for i, d := range t.details {
		out[i] = d.Clone()
	}
	return out
}

func (t *Transaction) isLive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == transactionLive
}

func (t *Transaction) setStatus(s transactionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// commit runs the batch through a StorageAlgorithmRunner. A transaction
// without data sets commits trivially.
func (t *Transaction) commit(ctx context.Context) ([]DataSetInformation, error) {
	t.mu.Lock()
	if t.status != transactionLive {
		t.mu.Unlock()
		return nil, ErrTransactionRolledBack
	}
	details := make([]DataSetRegistrationDetails, len(t.details))
	copy(details, t.details)
	t.mu.Unlock()

	if len(details) == 0 {
		logger.Info("No data sets were created for %s", t.incoming.OriginalPath)
		if err := t.stack.Discard(ctx); err != nil {
			logger.Warn("Failed to discard rollback stack %s: %v", t.stack.ID(), err)
		}
		t.setStatus(transactionCommitted)
		return nil, nil
	}

	algorithms := make([]*StorageAlgorithm, 0, len(details))
	for _, d := range details {
		algorithms = append(algorithms, NewStorageAlgorithm(t.g, t.incoming.FileToProcess(), d))
	}

	runner := NewStorageAlgorithmRunner(t.g, t.incoming, t.regCtx, t.stack, t, t.service.regLog, algorithms)
	infos, err := runner.RunStorageAlgorithms(ctx)
	if err != nil {
		return nil, err
	}
	t.setStatus(transactionCommitted)
	return infos, nil
}

// rollback undoes whatever the process function pushed on the stack.
func (t *Transaction) rollback(ctx context.Context, cause error) error {
	t.mu.Lock()
	if t.status != transactionLive {
		t.mu.Unlock()
		return nil
	}
	t.status = transactionRolledBack
	t.mu.Unlock()

	logger.Debug("Rolling back transaction of %s: %v", t.incoming.OriginalPath, cause)
	err := t.stack.RollbackAll(ctx)
	if discardErr := t.stack.Discard(ctx); discardErr != nil {
		err = errors.Join(err, discardErr)
	}
	return err
}

// DidRollbackStorageAlgorithmRunner is called by the runner once the batch
// was rolled back. The transaction is no longer live afterwards and the
// service decides what happens to the incoming file.
//
// Parameters:
//   - err: The RegistrationError the batch was rolled back for
//   - errorType: Classification used to pick the undo action
func (t *Transaction) DidRollbackStorageAlgorithmRunner(_ context.Context, _ *StorageAlgorithmRunner, err error, errorType ErrorType) {
	t.setStatus(transactionRolledBack)
	t.service.didRollback(err, errorType)
}

// MarkReadyForRecovery is called by the runner when the metadata may already
// be registered but the batch could not be completed. The incoming file is
// left in place for recovery.
//
// Parameters:
//   - err: The failure that interrupted the batch
func (t *Transaction) MarkReadyForRecovery(_ context.Context, _ *StorageAlgorithmRunner, err error) {
	t.setStatus(transactionRecoveryPending)
	t.service.markReadyForRecovery(err)
}

var _ RollbackDelegate = (*Transaction)(nil)
