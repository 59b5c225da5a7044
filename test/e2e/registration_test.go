//go:build e2e

package e2e

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	appmemory "github.com/marmos91/dropboxd/pkg/appserver/memory"
	"github.com/marmos91/dropboxd/pkg/config"
	"github.com/marmos91/dropboxd/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestContext runs a complete daemon built from a configuration file, the way
// the start command does.
type TestContext struct {
	T         *testing.T
	Config    *config.Config
	Server    *server.Server
	AppServer *appmemory.Server

	cancel context.CancelFunc
	done   chan error
}

const testConfig = `
logging:
  level: DEBUG

server:
  shutdown_timeout: 5s

store:
  root: "%ROOT%"

rollback_log:
  type: badger

application_server:
  type: memory
  health:
    interval: 1s

dropboxes:
  - name: microscopy
    incoming_dir: "%ROOT%/incoming-microscopy"
    scan_interval: 100ms
    program:
      type: single-data-set
      options:
        data_set_type: MICROSCOPY_IMG
        experiment_id: /LAB/PROJ/EXP1
    validators:
      - type: not-empty

  - name: sequencing
    incoming_dir: "%ROOT%/incoming-sequencing"
    scan_interval: 100ms
    use_is_finished_marker: true
    workers: 2
    program:
      type: per-entry
      options:
        data_set_type: FASTQ
        sample_id: /LAB/S1
`

// NewTestContext writes the configuration, builds every component and starts
// serving in the background.
func NewTestContext(t *testing.T) *TestContext {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	configPath := filepath.Join(root, "config.yaml")
	content := []byte(strings.ReplaceAll(testConfig, "%ROOT%", root))
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	rollbackLog, err := config.CreateRollbackLog(ctx, &cfg.RollbackLog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rollbackLog.Close() })

	appServer, err := config.CreateApplicationServer(&cfg.ApplicationServer)
	require.NoError(t, err)
	app, ok := appServer.(*appmemory.Server)
	require.True(t, ok)
	monitor := config.CreateHealthMonitor(appServer, &cfg.ApplicationServer.Health)

	metricsResult := config.InitializeMetrics(cfg, nil)
	recoveryManager, err := config.CreateRecoveryManager(cfg)
	require.NoError(t, err)

	reg, err := config.InitializeRegistry(ctx, cfg)
	require.NoError(t, err)

	dropboxes, err := config.CreateDropboxes(cfg, reg, &config.Runtime{
		AppServer:    appServer,
		ReadyChecker: monitor,
		RollbackLog:  rollbackLog,
		Recovery:     recoveryManager,
		Metrics:      metricsResult.Registration,
	})
	require.NoError(t, err)

	srv := server.New(server.Config{
		RollbackLog:     rollbackLog,
		Monitor:         monitor,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	for _, d := range dropboxes {
		require.NoError(t, srv.AddDropbox(d))
	}

	serveCtx, cancel := context.WithCancel(ctx)
	tc := &TestContext{
		T:         t,
		Config:    cfg,
		Server:    srv,
		AppServer: app,
		cancel:    cancel,
		done:      make(chan error, 1),
	}
	go func() { tc.done <- srv.Serve(serveCtx) }()
	t.Cleanup(tc.Stop)
	return tc
}

// Stop cancels Serve and waits for it to return.
func (tc *TestContext) Stop() {
	tc.cancel()
	select {
	case err := <-tc.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			tc.T.Errorf("Serve returned: %v", err)
		}
	case <-time.After(10 * time.Second):
		tc.T.Error("Serve did not return after cancellation")
	}
}

// Drop writes a file into the incoming directory of a dropbox.
func (tc *TestContext) Drop(dropbox, name, content string) string {
	tc.T.Helper()
	for _, d := range tc.Config.Dropboxes {
		if d.Name == dropbox {
			path := filepath.Join(d.IncomingDir, name)
			require.NoError(tc.T, os.MkdirAll(filepath.Dir(path), 0755))
			require.NoError(tc.T, os.WriteFile(path, []byte(content), 0644))
			return path
		}
	}
	tc.T.Fatalf("unknown dropbox %q", dropbox)
	return ""
}

func TestE2E_RegistersDroppedFiles(t *testing.T) {
	tc := NewTestContext(t)

	incoming := tc.Drop("microscopy", "plate-1.tif", "pixels")

	require.Eventually(t, func() bool {
		_, err := os.Stat(incoming)
		return os.IsNotExist(err) && tc.AppServer.RegisterCalls() == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestE2E_InvalidFilesGoToErrorDir(t *testing.T) {
	tc := NewTestContext(t)

	tc.Drop("microscopy", "empty.tif", "")

	errorCopy := filepath.Join(tc.Config.Store.ErrorDir, "empty.tif")
	require.Eventually(t, func() bool {
		_, err := os.Stat(errorCopy)
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 0, tc.AppServer.RegisterCalls())
}

func TestE2E_WaitsForIsFinishedMarker(t *testing.T) {
	tc := NewTestContext(t)

	run := tc.Drop("sequencing", "run-7/lane-1.fastq", "ACGT")
	tc.Drop("sequencing", "run-7/lane-2.fastq", "TTGA")

	// Nothing happens before the marker exists
	time.Sleep(500 * time.Millisecond)
	assert.FileExists(t, run)
	assert.Equal(t, 0, tc.AppServer.RegisterCalls())

	tc.Drop("sequencing", ".MARKER_is_finished_run-7", "")

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Dir(run))
		return os.IsNotExist(err) && tc.AppServer.RegisterCalls() == 1
	}, 10*time.Second, 50*time.Millisecond)
}
