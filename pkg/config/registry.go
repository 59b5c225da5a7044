package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/registry"
)

// InitializeRegistry creates a fully configured Registry from the provided configuration.
//
// This function orchestrates the complete initialization process:
//  1. Registers the built-in programs and validators
//  2. Creates and registers all storage processors from cfg.StorageProcessors
//  3. Validates and adds all dropboxes from cfg.Dropboxes
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: Complete configuration loaded from config file
//
// Returns:
//   - *registry.Registry: Fully initialized registry
//   - error: If processor creation fails, dropbox validation fails, or configuration is invalid
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	reg, err := config.InitializeRegistry(ctx, cfg)
//	if err != nil {
//	    log.Fatalf("Failed to initialize registry: %v", err)
//	}
func InitializeRegistry(ctx context.Context, cfg *Config) (*registry.Registry, error) {
	logger.Debug("Initializing registry from configuration")

	if err := validateRegistryConfig(cfg); err != nil {
		return nil, err
	}

	reg := registry.NewRegistry()

	// Step 1: Built-in programs and validators
	if err := registry.RegisterBuiltins(reg); err != nil {
		return nil, fmt.Errorf("failed to register built-ins: %w", err)
	}

	// Step 2: Storage processors
	if err := registerStorageProcessors(ctx, reg, cfg); err != nil {
		return nil, fmt.Errorf("failed to register storage processors: %w", err)
	}
	logger.Debug("Registered %d storage processor(s)", reg.CountStorageProcessors())

	// Step 3: Dropboxes
	if err := addDropboxes(reg, cfg); err != nil {
		return nil, fmt.Errorf("failed to add dropboxes: %w", err)
	}
	logger.Debug("Registered %d dropbox(es)", reg.CountDropboxes())

	return reg, nil
}

// validateRegistryConfig performs basic validation on the configuration.
func validateRegistryConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if len(cfg.StorageProcessors) == 0 {
		return fmt.Errorf("no storage processors configured: at least one storage processor is required")
	}
	if len(cfg.Dropboxes) == 0 {
		return fmt.Errorf("no dropboxes configured: at least one dropbox is required")
	}
	return nil
}

// registerStorageProcessors creates and registers all configured storage
// processors, in name order.
func registerStorageProcessors(ctx context.Context, reg *registry.Registry, cfg *Config) error {
	names := make([]string, 0, len(cfg.StorageProcessors))
	for name := range cfg.StorageProcessors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		procCfg := cfg.StorageProcessors[name]
		logger.Debug("Creating storage processor %q (type: %s)", name, procCfg.Type)

		proc, err := CreateStorageProcessor(ctx, &procCfg)
		if err != nil {
			return fmt.Errorf("failed to create storage processor %q: %w", name, err)
		}

		if err := reg.RegisterStorageProcessor(name, proc); err != nil {
			return fmt.Errorf("failed to register storage processor %q: %w", name, err)
		}
	}
	return nil
}

// addDropboxes validates and adds all configured dropboxes to the registry.
func addDropboxes(reg *registry.Registry, cfg *Config) error {
	for i, d := range cfg.Dropboxes {
		logger.Debug("Adding dropbox %q (incoming: %s, processor: %s, program: %s)",
			d.Name, d.IncomingDir, d.StorageProcessor, d.Program.Type)

		if d.Name == "" {
			return fmt.Errorf("dropbox #%d: name cannot be empty", i+1)
		}

		validators := make([]registry.PluginConfig, 0, len(d.Validators))
		for _, v := range d.Validators {
			validators = append(validators, registry.PluginConfig{Type: v.Type, Options: v.Options})
		}

		err := reg.AddDropbox(&registry.DropboxConfig{
			Name:             d.Name,
			IncomingDir:      d.IncomingDir,
			StorageProcessor: d.StorageProcessor,
			Program:          registry.PluginConfig{Type: d.Program.Type, Options: d.Program.Options},
			Validators:       validators,
		})
		if err != nil {
			return fmt.Errorf("failed to add dropbox %q: %w", d.Name, err)
		}
	}
	return nil
}
