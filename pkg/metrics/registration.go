package metrics

import "time"

// Registration phases reported through ObservePhase.
const (
	PhasePrepare          = "prepare"
	PhasePrecommit        = "precommit"
	PhasePreRegistration  = "pre_registration"
	PhaseRegister         = "register"
	PhasePostRegistration = "post_registration"
	PhaseCommitAndStore   = "commit_and_store"
	PhaseConfirm          = "confirm"
)

// Registration outcomes reported through RecordOutcome.
const (
	OutcomeSucceeded        = "succeeded"
	OutcomeFailed           = "failed"
	OutcomeInvalid          = "invalid"
	OutcomeReadyForRecovery = "ready_for_recovery"
)

// RegistrationMetrics provides observability for the registration pipeline.
//
// Implementations must be safe for concurrent use: every dropbox worker
// reports through the same instance.
//
// Example usage:
//
//	// With metrics enabled
//	state.Metrics = prometheus.NewRegistrationMetrics()
//
//	// Without metrics
//	state.Metrics = metrics.NewNoopRegistrationMetrics()
type RegistrationMetrics interface {
	// ObservePhase records the duration of one pipeline phase.
	//
	// Parameters:
	//   - dropbox: Dropbox name
	//   - phase: One of the Phase* constants
	//   - duration: Time spent in the phase
	//   - err: Error if the phase failed, nil otherwise
	ObservePhase(dropbox, phase string, duration time.Duration, err error)

	// RecordOutcome counts a finished incoming file by Outcome* constant.
	RecordOutcome(dropbox, outcome string)

	// RecordRetry counts one retry. kind is "process" or "register".
	RecordRetry(dropbox, kind string)

	// RecordRecovery counts one recovery attempt from a checkpoint stage.
	RecordRecovery(dropbox, stage, result string)

	// RecordRollback counts one rolled back batch by error type.
	RecordRollback(dropbox, errorType string)

	// IncInFlight and DecInFlight track incoming files being handled.
	IncInFlight(dropbox string)
	DecInFlight(dropbox string)
}

type noopRegistrationMetrics struct{}

// NewNoopRegistrationMetrics returns a RegistrationMetrics that records
// nothing.
func NewNoopRegistrationMetrics() RegistrationMetrics {
	return noopRegistrationMetrics{}
}

func (noopRegistrationMetrics) ObservePhase(string, string, time.Duration, error) {}
func (noopRegistrationMetrics) RecordOutcome(string, string)                      {}
func (noopRegistrationMetrics) RecordRetry(string, string)                        {}
func (noopRegistrationMetrics) RecordRecovery(string, string, string)             {}
func (noopRegistrationMetrics) RecordRollback(string, string)                     {}
func (noopRegistrationMetrics) IncInFlight(string)                                {}
func (noopRegistrationMetrics) DecInFlight(string)                                {}
