package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dropboxd/pkg/registry"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Store(t *testing.T) {
	cfg := &Config{Store: StoreConfig{
		Root:     "/data/store",
		ErrorDir: "/data/failed",
	}}
	ApplyDefaults(cfg)

	tests := map[string]struct {
		got, want string
	}{
		"staging":    {cfg.Store.StagingDir, "/data/store/staging"},
		"pre-commit": {cfg.Store.PrecommitDir, "/data/store/pre-commit"},
		"log":        {cfg.Store.LogDir, "/data/store/log-registrations"},
		"recovery":   {cfg.Store.RecoveryDir, "/data/store/recovery"},
		"error":      {cfg.Store.ErrorDir, "/data/failed"},
		"prestaging": {cfg.Store.PrestagingDir, ""},
	}
	for name, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %q, got %q", name, tt.want, tt.got)
		}
	}

	if cfg.RollbackLog.Badger["db_path"] != "/data/store/rollback" {
		t.Errorf("Expected badger db_path below the store root, got %v", cfg.RollbackLog.Badger["db_path"])
	}
}

func TestApplyDefaults_StorageProcessors(t *testing.T) {
	cfg := &Config{
		StorageProcessors: map[string]StorageProcessorConfig{
			"mirror": {Type: "s3", S3: map[string]any{"bucket": "datasets"}},
			"copy":   {FS: map[string]any{"mode": "copy"}},
		},
	}
	ApplyDefaults(cfg)

	if _, ok := cfg.StorageProcessors[DefaultStorageProcessor]; ok {
		t.Error("Default processor must not be added when processors are configured")
	}

	mirror := cfg.StorageProcessors["mirror"]
	if mirror.FS["mode"] != "move" {
		t.Errorf("Expected s3 processor local mode 'move', got %v", mirror.FS["mode"])
	}
	if mirror.S3["max_retries"] != 10 {
		t.Errorf("Expected s3 max_retries 10, got %v", mirror.S3["max_retries"])
	}

	cp := cfg.StorageProcessors["copy"]
	if cp.Type != "fs" {
		t.Errorf("Expected default type 'fs', got %q", cp.Type)
	}
	if cp.FS["mode"] != "copy" {
		t.Errorf("Expected explicit mode to be preserved, got %v", cp.FS["mode"])
	}
}

func TestApplyDefaults_ApplicationServer(t *testing.T) {
	cfg := &Config{ApplicationServer: ApplicationServerConfig{Type: "http"}}
	ApplyDefaults(cfg)

	if cfg.ApplicationServer.HTTP["timeout"] != "30s" {
		t.Errorf("Expected http timeout '30s', got %v", cfg.ApplicationServer.HTTP["timeout"])
	}
	h := cfg.ApplicationServer.Health
	if h.Interval != 10*time.Second || h.Timeout != 5*time.Second || h.MaxFailures != 3 || h.ReadyPoll != 5*time.Second {
		t.Errorf("Unexpected health defaults: %+v", h)
	}
}

func TestApplyDefaults_RegistrationAndRecovery(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Registration.MaxRetryCount != 0 {
		t.Errorf("Expected no registration retries by default, got %d", cfg.Registration.MaxRetryCount)
	}
	if cfg.Registration.RetryPause != 5*time.Minute {
		t.Errorf("Expected retry pause 5m, got %v", cfg.Registration.RetryPause)
	}
	if cfg.Recovery.MaxRetryCount != 50 {
		t.Errorf("Expected recovery max retry count 50, got %d", cfg.Recovery.MaxRetryCount)
	}
	if cfg.Recovery.RetryPeriod != time.Minute {
		t.Errorf("Expected recovery retry period 1m, got %v", cfg.Recovery.RetryPeriod)
	}
}

func TestApplyDefaults_DefaultDropbox(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Root: "/srv/openbis"}}
	ApplyDefaults(cfg)

	if len(cfg.Dropboxes) != 1 {
		t.Fatalf("Expected one default dropbox, got %d", len(cfg.Dropboxes))
	}
	d := cfg.Dropboxes[0]
	if d.Name != DefaultDropbox {
		t.Errorf("Expected name %q, got %q", DefaultDropbox, d.Name)
	}
	if d.IncomingDir != filepath.Join("/srv/openbis", "incoming") {
		t.Errorf("Unexpected incoming dir %q", d.IncomingDir)
	}
	if d.Program.Type != registry.ProgramSingleDataSet {
		t.Errorf("Expected program %q, got %q", registry.ProgramSingleDataSet, d.Program.Type)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{ShutdownTimeout: time.Minute},
		Dropboxes: []DropboxConfig{
			{
				Name:           "fast",
				IncomingDir:    "/in/fast",
				Program:        PluginConfig{Type: registry.ProgramPerEntry},
				OnErrorDefault: "DELETE",
				ScanInterval:   time.Second,
				Workers:        4,
				QuietPeriod:    2 * time.Second,
				RateLimit:      5,
				RateBurst:      10,
			},
			{Name: "plain", IncomingDir: "/in/plain"},
		},
	}
	ApplyDefaults(cfg)

	if cfg.Server.ShutdownTimeout != time.Minute {
		t.Errorf("Expected explicit shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}

	fast := cfg.Dropboxes[0]
	if fast.Program.Type != registry.ProgramPerEntry || fast.OnErrorDefault != "DELETE" ||
		fast.ScanInterval != time.Second || fast.Workers != 4 || fast.RateBurst != 10 {
		t.Errorf("Explicit dropbox values were overwritten: %+v", fast)
	}

	plain := cfg.Dropboxes[1]
	if plain.Program.Type != registry.ProgramSingleDataSet {
		t.Errorf("Expected default program, got %q", plain.Program.Type)
	}
	if plain.Workers != 1 || plain.RateBurst != 1 {
		t.Errorf("Expected 1 worker and burst 1, got %d and %d", plain.Workers, plain.RateBurst)
	}
	if plain.QuietPeriod != 0 || plain.RateLimit != 0 {
		t.Errorf("Expected quiet period and rate limit to stay disabled, got %v and %v", plain.QuietPeriod, plain.RateLimit)
	}
	if plain.OnError == nil {
		t.Error("Expected on_error map to be initialized")
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
}
