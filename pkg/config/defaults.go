package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dropboxd/pkg/registry"
)

// Default names used when the configuration does not define its own.
const (
	DefaultStorageProcessor = "default"
	DefaultDropbox          = "default"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the backends themselves
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyRollbackLogDefaults(&cfg.RollbackLog, &cfg.Store)
	applyStorageProcessorDefaults(cfg)
	applyApplicationServerDefaults(&cfg.ApplicationServer)
	applyRegistrationDefaults(&cfg.Registration)
	applyRecoveryDefaults(&cfg.Recovery)

	// Add a default dropbox if none configured
	if len(cfg.Dropboxes) == 0 {
		cfg.Dropboxes = []DropboxConfig{
			{
				Name:             DefaultDropbox,
				IncomingDir:      filepath.Join(cfg.Store.Root, "incoming"),
				StorageProcessor: DefaultStorageProcessor,
				Program: PluginConfig{
					Type: registry.ProgramSingleDataSet,
					Options: map[string]any{
						"data_set_type": "UNKNOWN",
						"experiment_id": "/DEFAULT/DEFAULT/DEFAULT",
					},
				},
			},
		}
	}

	applyDropboxDefaults(cfg.Dropboxes)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyStoreDefaults places every unset directory below the store root.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Root == "" {
		cfg.Root = "/tmp/dropboxd-store"
	}
	if cfg.ShareID == "" {
		cfg.ShareID = "1"
	}

	dirs := []struct {
		field *string
		name  string
	}{
		{&cfg.StagingDir, "staging"},
		{&cfg.PrecommitDir, "pre-commit"},
		{&cfg.ErrorDir, "error"},
		{&cfg.LogDir, "log-registrations"},
		{&cfg.RecoveryDir, "recovery"},
	}
	for _, d := range dirs {
		if *d.field == "" {
			*d.field = filepath.Join(cfg.Root, d.name)
		}
	}
	// PrestagingDir stays empty: prestaging is opt-in
}

// applyRollbackLogDefaults sets rollback log defaults.
func applyRollbackLogDefaults(cfg *RollbackLogConfig, store *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = filepath.Join(store.Root, "rollback")
	}
}

// applyStorageProcessorDefaults adds the default processor when none is
// configured and initializes option maps.
func applyStorageProcessorDefaults(cfg *Config) {
	if len(cfg.StorageProcessors) == 0 {
		cfg.StorageProcessors = map[string]StorageProcessorConfig{
			DefaultStorageProcessor: {Type: "fs"},
		}
	}

	for name, p := range cfg.StorageProcessors {
		if p.Type == "" {
			p.Type = "fs"
		}
		if p.FS == nil {
			p.FS = make(map[string]any)
		}
		if _, ok := p.FS["mode"]; !ok {
			p.FS["mode"] = "move"
		}
		if p.Type == "s3" {
			if p.S3 == nil {
				p.S3 = make(map[string]any)
			}
			if _, ok := p.S3["max_retries"]; !ok {
				p.S3["max_retries"] = 10
			}
		}
		cfg.StorageProcessors[name] = p
	}
}

// applyApplicationServerDefaults sets application server defaults.
func applyApplicationServerDefaults(cfg *ApplicationServerConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Type == "http" {
		if cfg.HTTP == nil {
			cfg.HTTP = make(map[string]any)
		}
		if _, ok := cfg.HTTP["timeout"]; !ok {
			cfg.HTTP["timeout"] = "30s"
		}
	}

	h := &cfg.Health
	if h.Interval == 0 {
		h.Interval = 10 * time.Second
	}
	if h.Timeout == 0 {
		h.Timeout = 5 * time.Second
	}
	if h.MaxFailures == 0 {
		h.MaxFailures = 3
	}
	if h.ReadyPoll == 0 {
		h.ReadyPoll = 5 * time.Second
	}
}

// applyRegistrationDefaults sets the registration retry policy defaults.
func applyRegistrationDefaults(cfg *RegistrationConfig) {
	// MaxRetryCount and ProcessMaxRetryCount default to 0 (no retries)
	if cfg.RetryPause == 0 {
		cfg.RetryPause = 5 * time.Minute
	}
	if cfg.StatusPollInterval == 0 {
		cfg.StatusPollInterval = 5 * time.Second
	}
	if cfg.ProcessRetryPause == 0 {
		cfg.ProcessRetryPause = 5 * time.Minute
	}
}

// applyRecoveryDefaults sets recovery defaults.
func applyRecoveryDefaults(cfg *RecoveryConfig) {
	if cfg.MaxRetryCount == 0 {
		cfg.MaxRetryCount = 50
	}
	if cfg.RetryPeriod == 0 {
		cfg.RetryPeriod = time.Minute
	}
}

// applyDropboxDefaults sets dropbox defaults.
func applyDropboxDefaults(dropboxes []DropboxConfig) {
	for i := range dropboxes {
		d := &dropboxes[i]

		if d.StorageProcessor == "" {
			d.StorageProcessor = DefaultStorageProcessor
		}
		if d.Program.Type == "" {
			d.Program.Type = registry.ProgramSingleDataSet
		}
		// Viper lowercases map keys; error types and undo actions are upper case
		onError := make(map[string]string, len(d.OnError))
		for k, v := range d.OnError {
			onError[strings.ToUpper(k)] = strings.ToUpper(v)
		}
		d.OnError = onError
		if d.OnErrorDefault == "" {
			d.OnErrorDefault = "MOVE_TO_ERROR"
		}
		d.OnErrorDefault = strings.ToUpper(d.OnErrorDefault)
		if d.ScanInterval == 0 {
			d.ScanInterval = 10 * time.Second
		}
		if d.Workers == 0 {
			d.Workers = 1
		}
		// QuietPeriod and RateLimit default to 0 (disabled)
		if d.RateBurst == 0 {
			d.RateBurst = 1
		}
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
