package registrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/marmos91/dropboxd/pkg/rollback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T, env *testEnv, incoming string, delegate RollbackDelegate, codes ...string) *StorageAlgorithmRunner {
	t.Helper()
	stack, err := rollback.New(context.Background(), env.g.RollbackLog)
	require.NoError(t, err)

	algorithms := make([]*StorageAlgorithm, 0, len(codes))
	for _, code := range codes {
		algorithms = append(algorithms, NewStorageAlgorithm(env.g, incoming, details(code)))
	}
	return NewStorageAlgorithmRunner(env.g, IncomingDataSetFile{OriginalPath: incoming}, nil, stack, delegate, nil, algorithms)
}

func TestRunner_RegistersAndStoresBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	delegate := &recordingDelegate{}
	runner := newRunner(t, env, env.incoming(t, "data.txt"), delegate, "DS1", "DS2")

	infos, err := runner.RunStorageAlgorithms(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	for _, a := range runner.Algorithms() {
		assert.Equal(t, StateStored, a.State())
		assert.FileExists(t, filepath.Join(a.Paths().StoreDir, "data.txt"))
		assert.NoDirExists(t, a.Paths().PrecommitDir)
		assert.NoDirExists(t, a.Paths().StagingDir)
		assert.NoFileExists(t, a.MarkerFile())
	}

	assert.Equal(t, 1, env.app.calls())
	registered := env.app.registered[runner.RegistrationID()]
	require.Len(t, registered, 2)
	assert.Equal(t, "DS1", registered[0].Code)
	assert.NotEmpty(t, registered[0].Location)
	assert.Equal(t, []string{"DS1", "DS2"}, env.app.confirmed)
	assert.Equal(t, []string{"DS1", "DS2"}, env.proc.commits)

	assert.Equal(t, []Stage{StagePrecommitted, StagePostRegistrationHookExecuted, StageStored}, env.recovery.stages)
	assert.Equal(t, 1, env.recovery.completed)
	assert.Nil(t, env.recovery.checkpoint(runner.Incoming().OriginalPath))
	assert.Empty(t, delegate.rolledBack)
	assert.Empty(t, delegate.readyForRecovery)

	_, err = rollback.Open(ctx, env.g.RollbackLog, runner.Stack().ID())
	assert.ErrorIs(t, err, rollback.ErrStackNotFound)
}

func TestRunner_PrecommitFailureRollsBackInReverseOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.proc.storeErrs["DS3"] = errors.New("disk full")
	delegate := &recordingDelegate{}
	runner := newRunner(t, env, env.incoming(t, "data.txt"), delegate, "DS1", "DS2", "DS3")

	_, err := runner.RunStorageAlgorithms(ctx)
	require.Error(t, err)

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ErrorTypeStorageProcessor, regErr.Type)
	assert.Equal(t, []ErrorType{ErrorTypeStorageProcessor}, delegate.rolledBack)

	assert.Equal(t, []string{"DS3", "DS2", "DS1"}, env.proc.rolledBack())
	for _, a := range runner.Algorithms() {
		assert.Equal(t, StateUndone, a.State())
		assert.NoFileExists(t, a.MarkerFile())
	}
	assert.NoDirExists(t, env.g.StagingRoot)
	assert.NoDirExists(t, env.g.PrecommitRoot)
	assert.NoDirExists(t, env.g.StoreRoot)
	assert.Equal(t, 0, env.app.calls())
	assert.Empty(t, env.recovery.stages)
}

func TestRunner_PreRegistrationHookFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.g.Hooks.PreRegistration = func(context.Context, *RegistrationContext, []DataSetInformation) error {
		return errors.New("hook refused")
	}
	delegate := &recordingDelegate{}
	runner := newRunner(t, env, env.incoming(t, "data.txt"), delegate, "DS1")

	_, err := runner.RunStorageAlgorithms(ctx)
	assert.Equal(t, ErrorTypePreRegistration, ErrorTypeOf(err, ""))
	assert.Equal(t, []ErrorType{ErrorTypePreRegistration}, delegate.rolledBack)
	assert.Equal(t, 0, env.app.calls())
	assert.NoDirExists(t, env.g.PrecommitRoot)
}

func TestRunner_PostRegistrationHookFailureIsLoggedOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	var seen []DataSetInformation
	env.g.Hooks.PostRegistration = func(_ context.Context, _ *RegistrationContext, dataSets []DataSetInformation) error {
		seen = dataSets
		return errors.New("notification failed")
	}
	runner := newRunner(t, env, env.incoming(t, "data.txt"), nil, "DS1")

	_, err := runner.RunStorageAlgorithms(ctx)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "DS1", seen[0].Code)
	assert.Equal(t, StateStored, runner.Algorithms()[0].State())
}

func TestRunner_RegistrationSucceedsAfterTransientErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.app.registerErrs = []error{errors.New("connection reset"), errors.New("connection reset")}
	runner := newRunner(t, env, env.incoming(t, "data.txt"), nil, "DS1")

	_, err := runner.RunStorageAlgorithms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, env.app.calls())
	assert.Equal(t, StateStored, runner.Algorithms()[0].State())
}

// Scenario D: the same registration error three times with a retry budget of
// two leaves the batch for recovery without undoing the precommit.
func TestRunner_RegistrationGivesUpReadyForRecovery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	boom := errors.New("application server unavailable")
	env.app.registerErrs = []error{boom, boom, boom}
	delegate := &recordingDelegate{}
	runner := newRunner(t, env, env.incoming(t, "data.txt"), delegate, "DS1")

	_, err := runner.RunStorageAlgorithms(ctx)
	require.ErrorIs(t, err, ErrReadyForRecovery)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 3, env.app.calls())
	require.Len(t, delegate.readyForRecovery, 1)
	assert.Empty(t, delegate.rolledBack)
	assert.Empty(t, env.proc.rolledBack())

	a := runner.Algorithms()[0]
	assert.Equal(t, StatePrecommitted, a.State())
	assert.FileExists(t, filepath.Join(a.Paths().PrecommitDir, "data.txt"))
	assert.True(t, runner.Stack().Locked())

	cp := env.recovery.checkpoint(runner.Incoming().OriginalPath)
	require.NotNil(t, cp)
	assert.Equal(t, StagePrecommitted, cp.Stage)
	assert.Equal(t, runner.RegistrationID(), cp.RegistrationID)
}

func TestRunner_UnrecoverableRegistrationErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.recovery.canRecover = false
	boom := errors.New("rejected")
	env.app.registerErrs = []error{boom, boom, boom}
	delegate := &recordingDelegate{}
	runner := newRunner(t, env, env.incoming(t, "data.txt"), delegate, "DS1")

	_, err := runner.RunStorageAlgorithms(ctx)
	assert.Equal(t, ErrorTypeRegistrationFailure, ErrorTypeOf(err, ""))
	assert.Equal(t, []ErrorType{ErrorTypeRegistrationFailure}, delegate.rolledBack)
	assert.Equal(t, []string{"DS1"}, env.proc.rolledBack())
	assert.NoDirExists(t, env.g.PrecommitRoot)
	assert.Nil(t, env.recovery.checkpoint(runner.Incoming().OriginalPath))
}

func TestRunner_DeletedIncomingFailsFast(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	original := env.incoming(t, "data.txt")
	copyPath, err := prestage(original, filepath.Join(env.root, "prestaging"))
	require.NoError(t, err)

	stack, err := rollback.New(ctx, env.g.RollbackLog)
	require.NoError(t, err)
	delegate := &recordingDelegate{}
	runner := NewStorageAlgorithmRunner(env.g, IncomingDataSetFile{OriginalPath: original, PrestagingCopy: copyPath},
		nil, stack, delegate, nil, []*StorageAlgorithm{NewStorageAlgorithm(env.g, copyPath, details("DS1"))})

	env.g.Hooks.PreRegistration = func(context.Context, *RegistrationContext, []DataSetInformation) error {
		removeIfExists(original)
		return nil
	}

	_, err = runner.RunStorageAlgorithms(ctx)
	require.ErrorIs(t, err, ErrIncomingFileDeleted)
	assert.Equal(t, 0, env.app.calls())
	assert.Equal(t, []ErrorType{ErrorTypeRegistrationFailure}, delegate.rolledBack)
}

func TestRunner_CommitFailureIsLeftForRecovery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.proc.commitErr = errors.New("replica unreachable")
	delegate := &recordingDelegate{}
	runner := newRunner(t, env, env.incoming(t, "data.txt"), delegate, "DS1")

	_, err := runner.RunStorageAlgorithms(ctx)
	require.ErrorIs(t, err, ErrReadyForRecovery)
	assert.Empty(t, delegate.rolledBack)
	assert.Empty(t, env.proc.rolledBack())
	assert.Len(t, delegate.readyForRecovery, 1)

	cp := env.recovery.checkpoint(runner.Incoming().OriginalPath)
	require.NotNil(t, cp)
	assert.Equal(t, StagePostRegistrationHookExecuted, cp.Stage)
}

func TestRunner_ResumeAfterSuccessfulRegistrationDoesNotRegisterAgain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	boom := errors.New("timeout")
	env.app.registerErrs = []error{boom, boom, boom}
	incoming := env.incoming(t, "data.txt")
	first := newRunner(t, env, incoming, nil, "DS1")

	_, err := first.RunStorageAlgorithms(ctx)
	require.ErrorIs(t, err, ErrReadyForRecovery)
	cp := env.recovery.checkpoint(incoming)
	require.NotNil(t, cp)

	// The last call went through after all.
	env.app.setStatus(cp.RegistrationID, StatusSucceeded)
	calls := env.app.calls()

	delegate := &recordingDelegate{}
	resumed, err := ResumeStorageAlgorithmRunner(ctx, env.g, cp, delegate, nil)
	require.NoError(t, err)
	assert.Equal(t, cp.RegistrationID, resumed.RegistrationID())

	infos, err := resumed.ResumeFromCheckpoint(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	assert.Equal(t, calls, env.app.calls())
	a := resumed.Algorithms()[0]
	assert.Equal(t, StateStored, a.State())
	assert.FileExists(t, filepath.Join(a.Paths().StoreDir, "data.txt"))
	assert.NoDirExists(t, a.Paths().PrecommitDir)
	assert.Equal(t, []string{"DS1"}, env.app.confirmed)
	assert.Nil(t, env.recovery.checkpoint(incoming))
	assert.Empty(t, delegate.rolledBack)
}

func TestRunner_ResumeWithoutOperationRollsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	boom := errors.New("timeout")
	env.app.registerErrs = []error{boom, boom, boom}
	incoming := env.incoming(t, "data.txt")
	first := newRunner(t, env, incoming, nil, "DS1")

	_, err := first.RunStorageAlgorithms(ctx)
	require.ErrorIs(t, err, ErrReadyForRecovery)
	cp := env.recovery.checkpoint(incoming)
	require.NotNil(t, cp)
	calls := env.app.calls()

	delegate := &recordingDelegate{}
	resumed, err := ResumeStorageAlgorithmRunner(ctx, env.g, cp, delegate, nil)
	require.NoError(t, err)

	_, err = resumed.ResumeFromCheckpoint(ctx)
	assert.Equal(t, ErrorTypeRegistrationFailure, ErrorTypeOf(err, ""))
	assert.Equal(t, calls, env.app.calls())
	assert.Equal(t, []ErrorType{ErrorTypeRegistrationFailure}, delegate.rolledBack)
	assert.Equal(t, []string{"DS1"}, env.proc.rolledBack())

	assert.NoDirExists(t, env.g.PrecommitRoot)
	assert.NoDirExists(t, env.g.StagingRoot)
	assert.NoFileExists(t, resumed.Algorithms()[0].MarkerFile())
	assert.Nil(t, env.recovery.checkpoint(incoming))
	assert.FileExists(t, incoming)
}

func TestRunner_ResumeFromStoredConfirmsOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	incoming := env.incoming(t, "data.txt")
	runner := newRunner(t, env, incoming, nil, "DS1")

	_, err := runner.RunStorageAlgorithms(ctx)
	require.NoError(t, err)

	// Replay the stored checkpoint as if the process died before confirming.
	cp := runner.Checkpoint(StageStored)
	env.app.confirmed = nil

	resumed, err := ResumeStorageAlgorithmRunner(ctx, env.g, cp, nil, nil)
	require.NoError(t, err)
	_, err = resumed.ResumeFromCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"DS1"}, env.app.confirmed)
	assert.Equal(t, 1, env.app.calls())
}
