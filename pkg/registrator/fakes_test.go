package registrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dropboxd/pkg/rollback/memory"
	"github.com/stretchr/testify/require"
)

// fakeAppServer records registrations. Queued errors are returned by the
// next RegisterDataSets calls, in order.
type fakeAppServer struct {
	mu            sync.Mutex
	next          int
	registerErrs  []error
	statuses      map[string]OperationStatus
	registered    map[string][]RegistrationInfo
	registerCalls int
	confirmed     []string
}

func newFakeAppServer() *fakeAppServer {
	return &fakeAppServer{
		statuses:   make(map[string]OperationStatus),
		registered: make(map[string][]RegistrationInfo),
	}
}

func (f *fakeAppServer) DrawNewUniqueID(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("20261016000000-%d", f.next), nil
}

func (f *fakeAppServer) RegisterDataSets(_ context.Context, id string, infos []RegistrationInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		if err != nil {
			return err
		}
	}
	f.registered[id] = infos
	f.statuses[id] = StatusSucceeded
	return nil
}

func (f *fakeAppServer) EntityOperationStatus(_ context.Context, id string) (OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[id]; ok {
		return s, nil
	}
	return StatusNoOperation, nil
}

func (f *fakeAppServer) SetStorageConfirmed(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, code)
	return nil
}

func (f *fakeAppServer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls
}

func (f *fakeAppServer) setStatus(id string, s OperationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
}

// fakeProcessor copies the incoming file into the stored data directory and
// deletes the copy on rollback.
type fakeProcessor struct {
	mu        sync.Mutex
	storeErrs map[string]error
	commitErr error
	rollbacks []string
	commits   []string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{storeErrs: make(map[string]error)}
}

func (p *fakeProcessor) CreateTransaction(params TransactionParams) (StorageProcessorTransaction, error) {
	return &fakeTransaction{p: p, code: params.DataSetCode, dir: params.StagingDir}, nil
}

func (p *fakeProcessor) ResumeTransaction(params TransactionParams, storedDir string) (StorageProcessorTransaction, error) {
	return &fakeTransaction{p: p, code: params.DataSetCode, dir: storedDir}, nil
}

func (p *fakeProcessor) rolledBack() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.rollbacks...)
}

type fakeTransaction struct {
	p    *fakeProcessor
	code string
	dir  string
	name string
}

func (t *fakeTransaction) StoreData(_ context.Context, _ DataSetRegistrationDetails, incoming string) error {
	t.p.mu.Lock()
	err := t.p.storeErrs[t.code]
	t.p.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(incoming)
	if err != nil {
		return err
	}
	t.name = filepath.Base(incoming)
	return os.WriteFile(filepath.Join(t.dir, t.name), data, 0644)
}

func (t *fakeTransaction) SetStoredDataDirectory(dir string) { t.dir = dir }

func (t *fakeTransaction) StoredDataDirectory() string { return t.dir }

func (t *fakeTransaction) Commit(context.Context) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	if t.p.commitErr != nil {
		return t.p.commitErr
	}
	t.p.commits = append(t.p.commits, t.code)
	return nil
}

func (t *fakeTransaction) Rollback(context.Context, error) error {
	t.p.mu.Lock()
	t.p.rollbacks = append(t.p.rollbacks, t.code)
	t.p.mu.Unlock()

	if t.name != "" {
		return os.RemoveAll(filepath.Join(t.dir, t.name))
	}
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(t.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// fakeRecovery keeps checkpoints in memory, keyed by original path.
type fakeRecovery struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
	stages      []Stage
	completed   int
	canRecover  bool
	maxRetry    int
	period      time.Duration
	errored     map[string]bool
}

func newFakeRecovery() *fakeRecovery {
	return &fakeRecovery{
		checkpoints: make(map[string]*Checkpoint),
		canRecover:  true,
		maxRetry:    3,
		errored:     make(map[string]bool),
	}
}

func (f *fakeRecovery) save(stage Stage, runner *StorageAlgorithmRunner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := runner.Checkpoint(stage)
	if prev, ok := f.checkpoints[cp.Incoming.OriginalPath]; ok {
		cp.TryCount = prev.TryCount
		cp.LastTry = prev.LastTry
	}
	f.checkpoints[cp.Incoming.OriginalPath] = cp
	f.stages = append(f.stages, stage)
	return nil
}

func (f *fakeRecovery) CheckpointPrecommittedState(_ context.Context, _ string, runner *StorageAlgorithmRunner) error {
	return f.save(StagePrecommitted, runner)
}

func (f *fakeRecovery) CheckpointPrecommittedStateAfterPostRegistrationHook(_ context.Context, runner *StorageAlgorithmRunner) error {
	return f.save(StagePostRegistrationHookExecuted, runner)
}

func (f *fakeRecovery) CheckpointStoredStateBeforeStorageConfirmation(_ context.Context, runner *StorageAlgorithmRunner) error {
	return f.save(StageStored, runner)
}

func (f *fakeRecovery) RegistrationCompleted(_ context.Context, runner *StorageAlgorithmRunner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.checkpoints, runner.Incoming().OriginalPath)
	f.completed++
	return nil
}

func (f *fakeRecovery) CanRecoverFromError(error) bool { return f.canRecover }
func (f *fakeRecovery) MaximumRetryCount() int         { return f.maxRetry }
func (f *fakeRecovery) RetryPeriod() time.Duration     { return f.period }

func (f *fakeRecovery) HasRecoveryMarker(incoming string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.checkpoints[incoming]
	return ok
}

func (f *fakeRecovery) Load(_ context.Context, incoming string) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[incoming]
	if !ok {
		return nil, errors.New("no checkpoint")
	}
	out := *cp
	return &out, nil
}

func (f *fakeRecovery) IncrementTryCount(_ context.Context, incoming string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[incoming]
	if !ok {
		return 0, errors.New("no checkpoint")
	}
	cp.TryCount++
	cp.LastTry = time.Now()
	return cp.TryCount, nil
}

func (f *fakeRecovery) MarkAsError(_ context.Context, incoming string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.checkpoints, incoming)
	f.errored[incoming] = true
	return nil
}

func (f *fakeRecovery) checkpoint(incoming string) *Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[incoming]
}

// recordingDelegate captures the runner outcome.
type recordingDelegate struct {
	rolledBack       []ErrorType
	readyForRecovery []error
}

func (d *recordingDelegate) DidRollbackStorageAlgorithmRunner(_ context.Context, _ *StorageAlgorithmRunner, _ error, t ErrorType) {
	d.rolledBack = append(d.rolledBack, t)
}

func (d *recordingDelegate) MarkReadyForRecovery(_ context.Context, _ *StorageAlgorithmRunner, err error) {
	d.readyForRecovery = append(d.readyForRecovery, err)
}

type testEnv struct {
	root     string
	inbox    string
	g        *GlobalState
	app      *fakeAppServer
	proc     *fakeProcessor
	recovery *fakeRecovery
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		root:     root,
		inbox:    filepath.Join(root, "incoming"),
		app:      newFakeAppServer(),
		proc:     newFakeProcessor(),
		recovery: newFakeRecovery(),
	}
	require.NoError(t, os.MkdirAll(env.inbox, 0755))

	env.g = &GlobalState{
		Settings: Settings{
			DropboxName:               "test-dropbox",
			StoreRoot:                 filepath.Join(root, "store"),
			StagingRoot:               filepath.Join(root, "staging"),
			PrecommitRoot:             filepath.Join(root, "precommit"),
			ErrorDir:                  filepath.Join(root, "error"),
			LogDir:                    filepath.Join(root, "logs"),
			RegistrationMaxRetryCount: 2,
			RegistrationRetryPause:    time.Millisecond,
			StatusPollInterval:        time.Millisecond,
			ProcessMaxRetryCount:      2,
			ProcessRetryPause:         time.Millisecond,
			ApplicationReadyPoll:      time.Millisecond,
		},
		AppServer:   env.app,
		Processor:   env.proc,
		Recovery:    env.recovery,
		RollbackLog: memory.NewLog(),
		Process:     createDataSets("DS1"),
	}
	require.NoError(t, env.g.complete())
	return env
}

func (e *testEnv) incoming(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(e.inbox, name)
	require.NoError(t, os.WriteFile(path, []byte("payload of "+name), 0644))
	return path
}

func details(code string) DataSetRegistrationDetails {
	return DataSetRegistrationDetails{Info: DataSetInformation{
		Code:         code,
		Type:         "RAW_DATA",
		ExperimentID: "/SPACE/PROJECT/EXP1",
	}}
}

func createDataSets(codes ...string) ProcessFunc {
	return func(ctx context.Context, tx *Transaction) error {
		for _, code := range codes {
			if _, err := tx.CreateNewDataSet(ctx, details(code)); err != nil {
				return err
			}
		}
		return nil
	}
}

func logFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
