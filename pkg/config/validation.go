package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Dropboxes) == 0 {
		return fmt.Errorf("dropboxes: at least one dropbox must be configured")
	}

	if !filepath.IsAbs(cfg.Store.Root) {
		return fmt.Errorf("store.root: %q must be an absolute path", cfg.Store.Root)
	}

	names := make(map[string]bool)
	incoming := make(map[string]string)
	for i, d := range cfg.Dropboxes {
		if names[d.Name] {
			return fmt.Errorf("dropboxes[%d]: duplicate dropbox name %q", i, d.Name)
		}
		names[d.Name] = true

		dir := filepath.Clean(d.IncomingDir)
		if other, ok := incoming[dir]; ok {
			return fmt.Errorf("dropboxes[%d]: incoming_dir %s is already used by dropbox %q", i, d.IncomingDir, other)
		}
		incoming[dir] = d.Name

		if _, ok := cfg.StorageProcessors[d.StorageProcessor]; !ok {
			return fmt.Errorf("dropboxes[%d]: storage processor %q is not configured", i, d.StorageProcessor)
		}

		for errorType, action := range d.OnError {
			if !isErrorType(errorType) {
				return fmt.Errorf("dropboxes[%d]: on_error: unknown error type %q", i, errorType)
			}
			if _, err := registrator.ParseUndoAction(action); err != nil {
				return fmt.Errorf("dropboxes[%d]: on_error.%s: %w", i, errorType, err)
			}
		}
	}

	for name, p := range cfg.StorageProcessors {
		if p.Type == "s3" {
			if bucket, _ := p.S3["bucket"].(string); bucket == "" {
				return fmt.Errorf("storage_processors.%s: s3.bucket is required", name)
			}
		}
	}

	if cfg.ApplicationServer.Type == "http" {
		if url, _ := cfg.ApplicationServer.HTTP["base_url"].(string); url == "" {
			return fmt.Errorf("application_server: http.base_url is required")
		}
	}

	return nil
}

func isErrorType(s string) bool {
	for _, t := range registrator.ErrorTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
