package registrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dropboxd/pkg/metrics"
	"github.com/marmos91/dropboxd/pkg/rollback"
)

// Settings are the static parameters of one dropbox.
type Settings struct {
	// DropboxName labels logs, metrics and checkpoints.
	DropboxName string

	// StoreRoot is the root every store directory must live under.
	StoreRoot string

	// ShareID is used for data sets that do not name a share.
	ShareID string

	// StagingRoot, PrecommitRoot hold the per data set directories while a
	// batch is in flight. PrestagingRoot receives hardlink copies of incoming
	// files; empty disables prestaging.
	StagingRoot    string
	PrecommitRoot  string
	PrestagingRoot string

	// ErrorDir receives incoming files whose undo action is MOVE_TO_ERROR.
	ErrorDir string

	// LogDir holds the per incoming file registration logs. Empty disables
	// them.
	LogDir string

	// UseIsFinishedMarker makes the dropbox wait for a
	// .MARKER_is_finished_<name> file before handling <name>.
	UseIsFinishedMarker bool

	RegistrationMaxRetryCount int
	RegistrationRetryPause    time.Duration
	StatusPollInterval        time.Duration
	ProcessMaxRetryCount      int
	ProcessRetryPause         time.Duration
	ApplicationReadyPoll      time.Duration
}

// GlobalState is everything a TopLevelRegistrator and its runners share.
// Optional collaborators may be nil: Strategy, ReadyChecker, OnError,
// Metrics, ShouldRetry, RegistrationLock and the hooks get defaults or are
// skipped.
type GlobalState struct {
	Settings

	AppServer   ApplicationServer
	Processor   StorageProcessor
	Recovery    RecoveryManager
	RollbackLog rollback.Log

	Strategy     DataStoreStrategy
	ReadyChecker ApplicationReadyChecker
	OnError      OnErrorActionDecision
	Metrics      metrics.RegistrationMetrics

	Validators  []Validator
	Process     ProcessFunc
	ShouldRetry ShouldRetryFunc
	Hooks       Hooks

	// RegistrationLock serializes metadata registration across every worker
	// of the process. Dropboxes should share one lock.
	RegistrationLock *sync.Mutex
}

type alwaysReady struct{}

func (alwaysReady) IsApplicationReady(context.Context, string) bool { return true }

// complete validates the required collaborators and fills defaults.
func (g *GlobalState) complete() error {
	var errs []error
	if g.StoreRoot == "" {
		errs = append(errs, errors.New("store root is required"))
	}
	if g.StagingRoot == "" {
		errs = append(errs, errors.New("staging root is required"))
	}
	if g.PrecommitRoot == "" {
		errs = append(errs, errors.New("precommit root is required"))
	}
	if g.AppServer == nil {
		errs = append(errs, errors.New("application server is required"))
	}
	if g.Processor == nil {
		errs = append(errs, errors.New("storage processor is required"))
	}
	if g.Recovery == nil {
		errs = append(errs, errors.New("recovery manager is required"))
	}
	if g.RollbackLog == nil {
		errs = append(errs, errors.New("rollback log is required"))
	}
	if g.Process == nil {
		errs = append(errs, errors.New("process function is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("dropbox %q: %w", g.DropboxName, errors.Join(errs...))
	}

	if g.ShareID == "" {
		g.ShareID = "1"
	}
	if g.Strategy == nil {
		g.Strategy = HashedStoreStrategy{}
	}
	if g.ReadyChecker == nil {
		g.ReadyChecker = alwaysReady{}
	}
	if g.OnError == nil {
		g.OnError = &ConfiguredOnErrorActionDecision{}
	}
	if g.Metrics == nil {
		g.Metrics = metrics.NewNoopRegistrationMetrics()
	}
	if g.RegistrationLock == nil {
		g.RegistrationLock = &sync.Mutex{}
	}
	if g.RegistrationMaxRetryCount < 0 {
		g.RegistrationMaxRetryCount = 0
	}
	if g.ProcessMaxRetryCount < 0 {
		g.ProcessMaxRetryCount = 0
	}
	if g.StatusPollInterval <= 0 {
		g.StatusPollInterval = time.Second
	}
	if g.ApplicationReadyPoll <= 0 {
		g.ApplicationReadyPoll = 5 * time.Second
	}
	return nil
}
