package config

import (
	"fmt"
	"sync"

	"github.com/marmos91/dropboxd/pkg/dropbox"
	"github.com/marmos91/dropboxd/pkg/metrics"
	"github.com/marmos91/dropboxd/pkg/recovery"
	"github.com/marmos91/dropboxd/pkg/registrator"
	"github.com/marmos91/dropboxd/pkg/registry"
	"github.com/marmos91/dropboxd/pkg/rollback"
)

// Runtime holds the components every dropbox shares.
type Runtime struct {
	AppServer    registrator.ApplicationServer
	ReadyChecker registrator.ApplicationReadyChecker
	RollbackLog  rollback.Log
	Recovery     *recovery.Manager
	Metrics      metrics.RegistrationMetrics

	// RegistrationLock serializes metadata registration across dropboxes
	RegistrationLock *sync.Mutex
}

// CreateRecoveryManager creates the recovery manager shared by every dropbox.
func CreateRecoveryManager(cfg *Config) (*recovery.Manager, error) {
	return recovery.New(recovery.Config{
		Dir:           cfg.Store.RecoveryDir,
		MaxRetryCount: cfg.Recovery.MaxRetryCount,
		RetryPeriod:   cfg.Recovery.RetryPeriod,
	})
}

// CreateDropboxes creates one dropbox per configured dropbox, each with its
// own registrator wired to the shared runtime.
//
// Parameters:
//   - cfg: The complete dropboxd configuration
//   - reg: Registry built by InitializeRegistry
//   - rt: Components shared by every dropbox
//
// Returns:
//   - []*dropbox.Dropbox: Dropboxes ready to be added to the server
//   - error: Any error during dropbox creation
func CreateDropboxes(cfg *Config, reg *registry.Registry, rt *Runtime) ([]*dropbox.Dropbox, error) {
	if rt.Recovery == nil {
		return nil, fmt.Errorf("recovery manager is required")
	}
	if rt.RegistrationLock == nil {
		rt.RegistrationLock = &sync.Mutex{}
	}

	dropboxes := make([]*dropbox.Dropbox, 0, len(cfg.Dropboxes))
	for i := range cfg.Dropboxes {
		d, err := createDropbox(cfg, &cfg.Dropboxes[i], reg, rt)
		if err != nil {
			return nil, fmt.Errorf("dropbox %q: %w", cfg.Dropboxes[i].Name, err)
		}
		dropboxes = append(dropboxes, d)
	}

	if len(dropboxes) == 0 {
		return nil, fmt.Errorf("no dropboxes configured")
	}
	return dropboxes, nil
}

func createDropbox(cfg *Config, dc *DropboxConfig, reg *registry.Registry, rt *Runtime) (*dropbox.Dropbox, error) {
	processor, err := reg.GetStorageProcessorForDropbox(dc.Name)
	if err != nil {
		return nil, err
	}
	program, err := reg.NewProgram(dc.Name)
	if err != nil {
		return nil, err
	}
	validators, err := reg.NewValidators(dc.Name)
	if err != nil {
		return nil, err
	}
	onError, err := registrator.NewOnErrorActionDecision(dc.OnError, dc.OnErrorDefault)
	if err != nil {
		return nil, err
	}

	state := &registrator.GlobalState{
		Settings: registrator.Settings{
			DropboxName:               dc.Name,
			StoreRoot:                 cfg.Store.Root,
			ShareID:                   cfg.Store.ShareID,
			StagingRoot:               cfg.Store.StagingDir,
			PrecommitRoot:             cfg.Store.PrecommitDir,
			PrestagingRoot:            cfg.Store.PrestagingDir,
			ErrorDir:                  cfg.Store.ErrorDir,
			LogDir:                    cfg.Store.LogDir,
			UseIsFinishedMarker:       dc.UseIsFinishedMarker,
			RegistrationMaxRetryCount: cfg.Registration.MaxRetryCount,
			RegistrationRetryPause:    cfg.Registration.RetryPause,
			StatusPollInterval:        cfg.Registration.StatusPollInterval,
			ProcessMaxRetryCount:      cfg.Registration.ProcessMaxRetryCount,
			ProcessRetryPause:         cfg.Registration.ProcessRetryPause,
			ApplicationReadyPoll:      cfg.ApplicationServer.Health.ReadyPoll,
		},
		AppServer:        rt.AppServer,
		Processor:        processor,
		Recovery:         rt.Recovery,
		RollbackLog:      rt.RollbackLog,
		ReadyChecker:     rt.ReadyChecker,
		OnError:          onError,
		Metrics:          rt.Metrics,
		Validators:       validators,
		Process:          program.Process,
		ShouldRetry:      program.ShouldRetry,
		Hooks:            program.Hooks,
		RegistrationLock: rt.RegistrationLock,
	}

	handler, err := registrator.NewTopLevelRegistrator(state)
	if err != nil {
		return nil, err
	}

	return dropbox.New(handler, rt.Recovery, dropbox.Config{
		Name:                dc.Name,
		IncomingDir:         dc.IncomingDir,
		ScanInterval:        dc.ScanInterval,
		Workers:             dc.Workers,
		QuietPeriod:         dc.QuietPeriod,
		UseIsFinishedMarker: dc.UseIsFinishedMarker,
		FilesPerSecond:      dc.RateLimit,
		Burst:               dc.RateBurst,
	})
}
