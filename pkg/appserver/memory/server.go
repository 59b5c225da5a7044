// Package memory provides an in-process application server. It backs the
// "memory" application server type and the pipeline tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/dropboxd/pkg/appserver"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

type dataSet struct {
	info      registrator.RegistrationInfo
	regID     string
	confirmed bool
}

// Server keeps registrations in memory.
//
// Registration is atomic: either every data set of a batch is recorded or
// none is. Faults can be injected to exercise the retry and recovery paths
// of the pipeline.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	mu            sync.Mutex
	registrations map[string][]string
	dataSets      map[string]*dataSet
	pending       map[string]bool

	failures     []error
	lostReplies  int
	notReady     bool
	registerRuns int
}

// New creates an empty server.
func New() *Server {
	return &Server{
		registrations: make(map[string][]string),
		dataSets:      make(map[string]*dataSet),
		pending:       make(map[string]bool),
	}
}

// DrawNewUniqueID returns an upper-case UUID.
func (s *Server) DrawNewUniqueID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.ToUpper(uuid.NewString()), nil
}

// RegisterDataSets records the batch under registrationID.
//
// Parameters:
//   - ctx: Context for cancellation
//   - registrationID: Id drawn by DrawNewUniqueID
//   - infos: The batch
//
// Returns:
//   - error: ErrRegistrationExists, ErrDataSetExists, an injected failure or
//     the context error
func (s *Server) RegisterDataSets(ctx context.Context, registrationID string, infos []registrator.RegistrationInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerRuns++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}

	if _, ok := s.registrations[registrationID]; ok {
		return fmt.Errorf("%s: %w", registrationID, appserver.ErrRegistrationExists)
	}
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		if _, ok := s.dataSets[info.Code]; ok || seen[info.Code] {
			return fmt.Errorf("%s: %w", info.Code, appserver.ErrDataSetExists)
		}
		seen[info.Code] = true
	}

	codes := make([]string, 0, len(infos))
	for _, info := range infos {
		s.dataSets[info.Code] = &dataSet{info: info, regID: registrationID}
		codes = append(codes, info.Code)
	}
	s.registrations[registrationID] = codes
	delete(s.pending, registrationID)

	if s.lostReplies > 0 {
		s.lostReplies--
		return fmt.Errorf("registration %s: reply lost", registrationID)
	}
	return nil
}

// EntityOperationStatus reports StatusSucceeded for recorded registrations,
// StatusInProgress for ids marked pending and StatusNoOperation otherwise.
func (s *Server) EntityOperationStatus(ctx context.Context, registrationID string) (registrator.OperationStatus, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registrations[registrationID]; ok {
		return registrator.StatusSucceeded, nil
	}
	if s.pending[registrationID] {
		return registrator.StatusInProgress, nil
	}
	return registrator.StatusNoOperation, nil
}

func (s *Server) SetStorageConfirmed(ctx context.Context, dataSetCode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.dataSets[dataSetCode]
	if !ok {
		return fmt.Errorf("%s: %w", dataSetCode, appserver.ErrUnknownDataSet)
	}
	ds.confirmed = true
	return nil
}

// Ping fails with ErrNotReady while the server is marked not ready.
func (s *Server) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notReady {
		return appserver.ErrNotReady
	}
	return nil
}

// ============================================================================
// Fault injection
// ============================================================================

// FailRegistrations makes the next RegisterDataSets calls fail with errs, in
// order, without recording anything.
func (s *Server) FailRegistrations(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// LoseReplies makes the next n successful registrations return an error
// after recording the batch.
func (s *Server) LoseReplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostReplies = n
}

// SetPending makes EntityOperationStatus report StatusInProgress for an id
// until it is registered.
func (s *Server) SetPending(registrationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[registrationID] = true
}

// SetReady toggles the result of Ping.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notReady = !ready
}

// ============================================================================
// Inspection
// ============================================================================

// DataSet returns a registered data set and whether its storage was
// confirmed.
func (s *Server) DataSet(code string) (info registrator.RegistrationInfo, confirmed bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.dataSets[code]
	if !ok {
		return registrator.RegistrationInfo{}, false, false
	}
	return ds.info, ds.confirmed, true
}

// Registration returns the data set codes recorded under an id.
func (s *Server) Registration(registrationID string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes, ok := s.registrations[registrationID]
	return append([]string(nil), codes...), ok
}

// RegisterCalls returns how often RegisterDataSets was called.
func (s *Server) RegisterCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerRuns
}

var _ appserver.Server = (*Server)(nil)
