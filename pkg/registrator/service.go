package registrator

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/marmos91/dropboxd/internal/logger"
)

var errRetryingTransaction = errors.New("transaction rolled back for retry")

// Outcome is the final result of one incoming file, handed to the clean
// afterwards action.
type Outcome struct {
	Success          bool
	ReadyForRecovery bool
	ErrorType        ErrorType
	Err              error
	DataSets         []DataSetInformation
}

// CleanAfterwardsFunc disposes of the incoming file once its registration is
// over.
type CleanAfterwardsFunc func(ctx context.Context, outcome Outcome)

// RegistrationService owns the registration transaction of one incoming
// file. It records the errors that arise and runs the clean afterwards action
// exactly once, whichever of Commit, Abort and Cleanup gets there first.
type RegistrationService struct {
	g               *GlobalState
	incoming        IncomingDataSetFile
	regLog          *RegistrationLog
	cleanAfterwards CleanAfterwardsFunc

	mu               sync.Mutex
	tx               *Transaction
	errs             []error
	errorType        ErrorType
	readyForRecovery bool
	registered       []DataSetInformation

	cleanOnce sync.Once
}

// NewRegistrationService creates the service for incoming. cleanAfterwards
// may be nil.
func NewRegistrationService(g *GlobalState, incoming IncomingDataSetFile, regLog *RegistrationLog, cleanAfterwards CleanAfterwardsFunc) *RegistrationService {
	if cleanAfterwards == nil {
		cleanAfterwards = func(context.Context, Outcome) {}
	}
	return &RegistrationService{
		g:               g,
		incoming:        incoming,
		regLog:          regLog,
		cleanAfterwards: cleanAfterwards,
	}
}

// Transaction creates the transaction of the service, carrying regCtx.
//
// Calling Transaction while a previous transaction is still live is a
// programming error and panics. Use RollbackAndForgetTransaction first.
func (s *RegistrationService) Transaction(ctx context.Context, regCtx *RegistrationContext) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil && s.tx.isLive() {
		panic("registrator: registration service already has a live transaction")
	}
	tx, err := newTransaction(ctx, s, regCtx)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return tx, nil
}

// RollbackAndForgetTransaction undoes the current transaction so a new one
// can be created for a retry.
func (s *RegistrationService) RollbackAndForgetTransaction(ctx context.Context) {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	if tx == nil {
		return
	}
	if err := tx.rollback(ctx, errRetryingTransaction); err != nil {
		logger.Warn("Rollback before retry of %s was incomplete: %v", s.incoming.OriginalPath, err)
	}
}

// Commit registers the pending transaction and cleans up. A service without
// a transaction commits trivially.
func (s *RegistrationService) Commit(ctx context.Context) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()

	var err error
	if tx != nil && tx.isLive() {
		var infos []DataSetInformation
		infos, err = tx.commit(ctx)
		s.mu.Lock()
		s.registered = infos
		s.mu.Unlock()
	}
	if err != nil {
		s.recordError(err, ErrorTypeOf(err, ErrorTypeStorageProcessor))
	}

	s.Cleanup(ctx)
	return err
}

// Abort records err, rolls the pending transaction back and cleans up.
func (s *RegistrationService) Abort(ctx context.Context, err error) {
	s.recordError(err, ErrorTypeOf(err, ErrorTypeRegistrationScript))

	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx != nil {
		if rbErr := tx.rollback(ctx, err); rbErr != nil {
			logger.Error("Rollback of %s was incomplete: %v", s.incoming.OriginalPath, rbErr)
		}
	}

	s.Cleanup(ctx)
}

// Cleanup runs the clean afterwards action if Commit or Abort have not.
func (s *RegistrationService) Cleanup(ctx context.Context) {
	s.cleanOnce.Do(func() {
		outcome := s.Outcome()
		switch {
		case outcome.Success:
			codes := make([]string, 0, len(outcome.DataSets))
			for _, d := range outcome.DataSets {
				codes = append(codes, d.Code)
			}
			s.regLog.Logf("Successfully registered %d data sets: %s", len(codes), strings.Join(codes, ", "))
			s.regLog.RegisterSuccess()
		case outcome.ReadyForRecovery:
			s.regLog.Logf("Registration will be completed by recovery: %v", outcome.Err)
			s.regLog.RegisterFailure()
		default:
			s.regLog.Logf("Registration failed (%s): %v", outcome.ErrorType, outcome.Err)
			s.regLog.RegisterFailure()
		}
		s.cleanAfterwards(ctx, outcome)
	})
}

// DidErrorsArise reports whether any error was recorded.
func (s *RegistrationService) DidErrorsArise() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs) > 0
}

// EncounteredErrors returns the recorded errors, oldest first.
func (s *RegistrationService) EncounteredErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Outcome summarizes the service state.
func (s *RegistrationService) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := Outcome{
		Success:          len(s.errs) == 0 && !s.readyForRecovery,
		ReadyForRecovery: s.readyForRecovery,
		ErrorType:        s.errorType,
		DataSets:         append([]DataSetInformation(nil), s.registered...),
	}
	if len(s.errs) > 0 {
		o.Err = errors.Join(s.errs...)
	}
	return o
}

func (s *RegistrationService) recordError(err error, t ErrorType) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	if s.errorType == "" {
		s.errorType = t
	}
}

func (s *RegistrationService) didRollback(_ error, t ErrorType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorType = t
}

func (s *RegistrationService) markReadyForRecovery(_ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyForRecovery = true
}
