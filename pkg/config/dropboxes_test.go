package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	appmemory "github.com/marmos91/dropboxd/pkg/appserver/memory"
	"github.com/marmos91/dropboxd/pkg/metrics"
	"github.com/marmos91/dropboxd/pkg/registry"
	rollbackMemory "github.com/marmos91/dropboxd/pkg/rollback/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := &Config{
		Store:       StoreConfig{Root: root},
		RollbackLog: RollbackLogConfig{Type: "memory"},
		StorageProcessors: map[string]StorageProcessorConfig{
			DefaultStorageProcessor: {Type: "fs"},
			"copy":                  {Type: "fs", FS: map[string]any{"mode": "copy"}},
		},
		Dropboxes: []DropboxConfig{
			{
				Name:        "microscopy",
				IncomingDir: filepath.Join(root, "incoming-microscopy"),
				Program: PluginConfig{
					Type: registry.ProgramSingleDataSet,
					Options: map[string]any{
						"data_set_type": "MICROSCOPY_IMG",
						"experiment_id": "/LAB/PROJ/EXP1",
					},
				},
				Validators: []PluginConfig{{Type: registry.ValidatorNotEmpty}},
			},
			{
				Name:             "sequencing",
				IncomingDir:      filepath.Join(root, "incoming-sequencing"),
				StorageProcessor: "copy",
				Program: PluginConfig{
					Type: registry.ProgramSingleDataSet,
					Options: map[string]any{
						"data_set_type": "FASTQ",
						"sample_id":     "/LAB/S1",
					},
				},
				OnError: map[string]string{"INVALID_DATA_SET": "DELETE"},
			},
		},
	}
	ApplyDefaults(cfg)
	require.NoError(t, Validate(cfg))
	return cfg
}

func newTestRuntime(t *testing.T, cfg *Config) (*Runtime, *appmemory.Server) {
	t.Helper()
	app := appmemory.New()
	rec, err := CreateRecoveryManager(cfg)
	require.NoError(t, err)

	return &Runtime{
		AppServer:    app,
		ReadyChecker: CreateHealthMonitor(app, &cfg.ApplicationServer.Health),
		RollbackLog:  rollbackMemory.NewLog(),
		Recovery:     rec,
		Metrics:      metrics.NewNoopRegistrationMetrics(),
	}, app
}

func TestInitializeRegistry(t *testing.T) {
	cfg := testConfig(t)

	reg, err := InitializeRegistry(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"copy", DefaultStorageProcessor}, reg.ListStorageProcessors())
	assert.Equal(t, []string{"microscopy", "sequencing"}, reg.ListDropboxes())
	assert.Equal(t, []string{"sequencing"}, reg.ListDropboxesUsingStorageProcessor("copy"))
}

func TestInitializeRegistry_UnknownValidator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dropboxes[0].Validators = []PluginConfig{{Type: "checksum"}}

	_, err := InitializeRegistry(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestCreateDropboxes_RequiresRecovery(t *testing.T) {
	cfg := testConfig(t)
	reg, err := InitializeRegistry(context.Background(), cfg)
	require.NoError(t, err)

	_, err = CreateDropboxes(cfg, reg, &Runtime{AppServer: appmemory.New()})
	assert.Error(t, err)
}

func TestCreateDropboxes_BadProgramOptions(t *testing.T) {
	cfg := testConfig(t)
	delete(cfg.Dropboxes[1].Program.Options, "sample_id")
	reg, err := InitializeRegistry(context.Background(), cfg)
	require.NoError(t, err)
	rt, _ := newTestRuntime(t, cfg)

	_, err = CreateDropboxes(cfg, reg, rt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequencing")
}

func TestCreateDropboxes_RegistersIncomingFiles(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	reg, err := InitializeRegistry(ctx, cfg)
	require.NoError(t, err)
	rt, app := newTestRuntime(t, cfg)

	dropboxes, err := CreateDropboxes(cfg, reg, rt)
	require.NoError(t, err)
	require.Len(t, dropboxes, 2)
	assert.NotNil(t, rt.RegistrationLock)

	microscopy := dropboxes[0]
	assert.Equal(t, "microscopy", microscopy.Name())
	assert.DirExists(t, microscopy.IncomingDir())

	incoming := filepath.Join(microscopy.IncomingDir(), "plate-42.tif")
	require.NoError(t, os.WriteFile(incoming, []byte("pixels"), 0644))

	stats, err := microscopy.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Handled)

	assert.NoFileExists(t, incoming)
	assert.Equal(t, 1, app.RegisterCalls())
}

func TestCreateDropboxes_InvalidDataSetIsDeleted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Dropboxes[1].Validators = []PluginConfig{{Type: registry.ValidatorNotEmpty}}
	reg, err := InitializeRegistry(ctx, cfg)
	require.NoError(t, err)
	rt, app := newTestRuntime(t, cfg)

	dropboxes, err := CreateDropboxes(cfg, reg, rt)
	require.NoError(t, err)

	sequencing := dropboxes[1]
	incoming := filepath.Join(sequencing.IncomingDir(), "empty-run")
	require.NoError(t, os.Mkdir(incoming, 0755))

	stats, err := sequencing.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	assert.NoDirExists(t, incoming)
	assert.NoDirExists(t, filepath.Join(cfg.Store.ErrorDir, "empty-run"))
	assert.Equal(t, 0, app.RegisterCalls())
}
