package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete dropboxd configuration.
//
// This structure captures all configurable aspects of the daemon including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics)
//   - The data store layout (store root, staging, recovery, ...)
//   - The rollback log backend
//   - Named storage processors
//   - The application server connection
//   - Registration retry policy
//   - Dropbox definitions
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DROPBOXD_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Backend Configuration Pattern:
// Each backend (rollback log, storage processor, application server) is
// selected by a Type field and configured from a type-specific options map.
// Only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Store describes the data store directory layout
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// RollbackLog selects where transaction rollback stacks are persisted
	RollbackLog RollbackLogConfig `mapstructure:"rollback_log" yaml:"rollback_log"`

	// StorageProcessors maps a name to a storage processor definition.
	// Dropboxes reference processors by name.
	StorageProcessors map[string]StorageProcessorConfig `mapstructure:"storage_processors" yaml:"storage_processors" validate:"dive"`

	// ApplicationServer selects the application server metadata is
	// registered with
	ApplicationServer ApplicationServerConfig `mapstructure:"application_server" yaml:"application_server"`

	// Registration is the retry policy shared by every dropbox
	Registration RegistrationConfig `mapstructure:"registration" yaml:"registration"`

	// Recovery configures resumption of interrupted registrations
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`

	// Dropboxes defines the watched incoming directories
	Dropboxes []DropboxConfig `mapstructure:"dropboxes" yaml:"dropboxes" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for running registrations
	// during graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the metrics HTTP server
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the metrics HTTP port
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// StoreConfig describes where data sets and bookkeeping files live.
//
// Every directory defaults to a subdirectory of Root.
type StoreConfig struct {
	// Root is the data store root; data sets are stored below it
	Root string `mapstructure:"root" yaml:"root" validate:"required"`

	// ShareID is the share data sets are stored in
	ShareID string `mapstructure:"share_id" yaml:"share_id" validate:"required"`

	// StagingDir holds data sets while they are being processed
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir" validate:"required"`

	// PrecommitDir holds data sets waiting for metadata registration
	PrecommitDir string `mapstructure:"precommit_dir" yaml:"precommit_dir" validate:"required"`

	// PrestagingDir receives hardlink copies of incoming files (empty
	// disables prestaging)
	PrestagingDir string `mapstructure:"prestaging_dir" yaml:"prestaging_dir"`

	// ErrorDir receives incoming files that failed with MOVE_TO_ERROR
	ErrorDir string `mapstructure:"error_dir" yaml:"error_dir" validate:"required"`

	// LogDir holds the per incoming file registration logs
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`

	// RecoveryDir holds recovery markers and checkpoints
	RecoveryDir string `mapstructure:"recovery_dir" yaml:"recovery_dir" validate:"required"`
}

// RollbackLogConfig selects the rollback log backend.
type RollbackLogConfig struct {
	// Type specifies which backend to use
	// Valid values: badger, memory
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=badger memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// StorageProcessorConfig defines one named storage processor.
type StorageProcessorConfig struct {
	// Type specifies which processor implementation to use
	// Valid values: fs, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=fs s3"`

	// FS contains options of the local processor
	// Used when Type = "fs", and as the local part of Type = "s3"
	FS map[string]any `mapstructure:"fs" yaml:"fs,omitempty"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`
}

// ApplicationServerConfig selects the application server.
type ApplicationServerConfig struct {
	// Type specifies the client implementation
	// Valid values: memory, http
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory http"`

	// HTTP contains options of the HTTP client
	// Only used when Type = "http"
	HTTP map[string]any `mapstructure:"http" yaml:"http,omitempty"`

	// Health configures the readiness check of the application server
	Health HealthConfig `mapstructure:"health" yaml:"health"`
}

// HealthConfig configures the application server readiness check.
type HealthConfig struct {
	// Interval between background checks
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// Timeout of a single check
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`

	// MaxFailures is how many failed checks mark the server unavailable
	MaxFailures int `mapstructure:"max_failures" yaml:"max_failures" validate:"min=1"`

	// ReadyPoll is how long registrations wait between readiness checks
	ReadyPoll time.Duration `mapstructure:"ready_poll" yaml:"ready_poll" validate:"gt=0"`
}

// RegistrationConfig is the registration retry policy.
type RegistrationConfig struct {
	// MaxRetryCount is how often a failed metadata registration is retried
	MaxRetryCount int `mapstructure:"max_retry_count" yaml:"max_retry_count" validate:"min=0"`

	// RetryPause is the pause between two metadata registration attempts
	RetryPause time.Duration `mapstructure:"retry_pause" yaml:"retry_pause" validate:"gte=0"`

	// StatusPollInterval is how often an in-progress registration is polled
	StatusPollInterval time.Duration `mapstructure:"status_poll_interval" yaml:"status_poll_interval" validate:"gt=0"`

	// ProcessMaxRetryCount is how often a failed process function is retried
	ProcessMaxRetryCount int `mapstructure:"process_max_retry_count" yaml:"process_max_retry_count" validate:"min=0"`

	// ProcessRetryPause is the pause between two process function attempts
	ProcessRetryPause time.Duration `mapstructure:"process_retry_pause" yaml:"process_retry_pause" validate:"gte=0"`
}

// RecoveryConfig configures resumption of interrupted registrations.
type RecoveryConfig struct {
	// MaxRetryCount is how many failed recovery attempts mark a checkpoint
	// as error
	MaxRetryCount int `mapstructure:"max_retry_count" yaml:"max_retry_count" validate:"min=1"`

	// RetryPeriod is the minimum time between two recovery attempts
	RetryPeriod time.Duration `mapstructure:"retry_period" yaml:"retry_period" validate:"gte=0"`
}

// DropboxConfig defines a single dropbox.
type DropboxConfig struct {
	// Name identifies the dropbox in logs, metrics and checkpoints
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// IncomingDir is the watched directory
	IncomingDir string `mapstructure:"incoming_dir" yaml:"incoming_dir" validate:"required"`

	// StorageProcessor is the name of a configured storage processor
	StorageProcessor string `mapstructure:"storage_processor" yaml:"storage_processor" validate:"required"`

	// Program selects the registration program and its options
	Program PluginConfig `mapstructure:"program" yaml:"program"`

	// Validators run before the program, in order
	Validators []PluginConfig `mapstructure:"validators" yaml:"validators,omitempty" validate:"dive"`

	// OnError maps an error type to an undo action
	// Keys: STORAGE_PROCESSOR_ERROR, PRE_REGISTRATION_ERROR,
	// OPENBIS_REGISTRATION_FAILURE, INVALID_DATA_SET, REGISTRATION_SCRIPT_ERROR,
	// POST_REGISTRATION_ERROR
	// Values: MOVE_TO_ERROR, DELETE, LEAVE_UNTOUCHED
	OnError map[string]string `mapstructure:"on_error" yaml:"on_error,omitempty"`

	// OnErrorDefault is the undo action for error types not in OnError
	OnErrorDefault string `mapstructure:"on_error_default" yaml:"on_error_default" validate:"omitempty,oneof=MOVE_TO_ERROR DELETE LEAVE_UNTOUCHED"`

	// UseIsFinishedMarker waits for .MARKER_is_finished_<name> before
	// handling <name>
	UseIsFinishedMarker bool `mapstructure:"use_is_finished_marker" yaml:"use_is_finished_marker"`

	// ScanInterval is how often the incoming directory is scanned
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval" validate:"gt=0"`

	// Workers is how many incoming files are handled at once
	Workers int `mapstructure:"workers" yaml:"workers" validate:"min=1"`

	// QuietPeriod is how long a file must stay unmodified before it is
	// handled (ignored with is-finished markers)
	QuietPeriod time.Duration `mapstructure:"quiet_period" yaml:"quiet_period" validate:"gte=0"`

	// RateLimit limits how many files per second are dispatched (0 = unlimited)
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`

	// RateBurst is the rate limiter burst size
	RateBurst int `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
}

// PluginConfig selects a registered program or validator by type and
// carries its options.
type PluginConfig struct {
	Type    string         `mapstructure:"type" yaml:"type" validate:"required"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DROPBOXD_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DROPBOXD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DROPBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper knows about.
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"server.shutdown_timeout", "server.metrics.enabled", "server.metrics.port",
		"store.root", "store.share_id",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dropboxd/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dropboxd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dropboxd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
