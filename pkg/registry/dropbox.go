package registry

import "github.com/marmos91/dropboxd/pkg/registrator"

// Dropbox binds together:
// - A name (used in logs, metrics and recovery markers)
// - An incoming directory that is watched for new files
// - A storage processor instance (by name)
// - A registration program and its validators
//
// Multiple dropboxes can reference the same storage processor.
type Dropbox struct {
	Name             string
	IncomingDir      string
	StorageProcessor string // Name of the storage processor
	Program          PluginConfig
	Validators       []PluginConfig
}

// DropboxConfig contains all configuration needed to add a dropbox.
type DropboxConfig struct {
	Name             string
	IncomingDir      string
	StorageProcessor string
	Program          PluginConfig
	Validators       []PluginConfig
}

// PluginConfig selects a registered program or validator and carries its
// options.
type PluginConfig struct {
	Type    string
	Options map[string]any
}

// Program is what a dropbox runs for every incoming file.
type Program struct {
	Process registrator.ProcessFunc

	// ShouldRetry may be nil: failures of the process function are then
	// never retried.
	ShouldRetry registrator.ShouldRetryFunc

	Hooks registrator.Hooks
}

// ProgramFactory builds a program from a dropbox's options.
type ProgramFactory func(options map[string]any) (*Program, error)

// ValidatorFactory builds a validator from a dropbox's options.
type ValidatorFactory func(options map[string]any) (registrator.Validator, error)
