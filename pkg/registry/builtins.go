package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/marmos91/dropboxd/pkg/registrator"
	"github.com/mitchellh/mapstructure"
)

// Names of the built-in programs and validators.
const (
	ProgramSingleDataSet = "single-data-set"
	ProgramPerEntry      = "per-entry"

	ValidatorNotEmpty      = "not-empty"
	ValidatorMaxSize       = "max-size"
	ValidatorRequiredFiles = "required-files"
	ValidatorNamePattern   = "name-pattern"
)

// RegisterBuiltins registers the built-in programs and validators.
func RegisterBuiltins(r *Registry) error {
	return errors.Join(
		r.RegisterProgram(ProgramSingleDataSet, newSingleDataSetProgram),
		r.RegisterProgram(ProgramPerEntry, newPerEntryProgram),
		r.RegisterValidator(ValidatorNotEmpty, newNotEmptyValidator),
		r.RegisterValidator(ValidatorMaxSize, newMaxSizeValidator),
		r.RegisterValidator(ValidatorRequiredFiles, newRequiredFilesValidator),
		r.RegisterValidator(ValidatorNamePattern, newNamePatternValidator),
	)
}

// ============================================================================
// Programs
// ============================================================================

// DataSetOptions describe the data sets a built-in program creates.
type DataSetOptions struct {
	DataSetType  string            `mapstructure:"data_set_type"`
	ExperimentID string            `mapstructure:"experiment_id"`
	SampleID     string            `mapstructure:"sample_id"`
	ParentCodes  []string          `mapstructure:"parent_codes"`
	Properties   map[string]string `mapstructure:"properties"`

	// Retry retries failed runs except for invalid data sets (default: true)
	Retry *bool `mapstructure:"retry"`
}

func decodeDataSetOptions(options map[string]any) (DataSetOptions, error) {
	var opts DataSetOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return opts, fmt.Errorf("failed to decode options: %w", err)
	}
	if opts.DataSetType == "" {
		return opts, fmt.Errorf("data_set_type is required")
	}
	if opts.ExperimentID == "" && opts.SampleID == "" {
		return opts, fmt.Errorf("experiment_id or sample_id is required")
	}
	return opts, nil
}

func (o DataSetOptions) details(source string) registrator.DataSetRegistrationDetails {
	props := make(map[string]string, len(o.Properties))
	for k, v := range o.Properties {
		props[k] = v
	}
	return registrator.DataSetRegistrationDetails{
		Info: registrator.DataSetInformation{
			Type:         o.DataSetType,
			ExperimentID: o.ExperimentID,
			SampleID:     o.SampleID,
			ParentCodes:  append([]string(nil), o.ParentCodes...),
			Properties:   props,
		},
		Source: source,
	}
}

func (o DataSetOptions) shouldRetry() registrator.ShouldRetryFunc {
	if o.Retry != nil && !*o.Retry {
		return nil
	}
	return retryUnlessInvalid
}

// retryUnlessInvalid retries everything but invalid data sets and vanished
// incoming files.
func retryUnlessInvalid(_ context.Context, _ *registrator.RegistrationContext, err error) bool {
	if errors.Is(err, registrator.ErrIncomingFileDeleted) {
		return false
	}
	return registrator.ErrorTypeOf(err, registrator.ErrorTypeRegistrationScript) != registrator.ErrorTypeInvalidDataSet
}

// newSingleDataSetProgram registers the whole incoming file as one data set.
func newSingleDataSetProgram(options map[string]any) (*Program, error) {
	opts, err := decodeDataSetOptions(options)
	if err != nil {
		return nil, err
	}

	process := func(ctx context.Context, tx *registrator.Transaction) error {
		tx.Context().Put("incoming_name", filepath.Base(tx.Incoming().OriginalPath))
		_, err := tx.CreateNewDataSet(ctx, opts.details(""))
		return err
	}
	return &Program{Process: process, ShouldRetry: opts.shouldRetry()}, nil
}

// newPerEntryProgram registers every top level entry of an incoming
// directory as its own data set. Hidden entries are skipped.
func newPerEntryProgram(options map[string]any) (*Program, error) {
	opts, err := decodeDataSetOptions(options)
	if err != nil {
		return nil, err
	}

	process := func(ctx context.Context, tx *registrator.Transaction) error {
		entries, err := os.ReadDir(tx.IncomingPath())
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", tx.IncomingPath(), err)
		}

		created := 0
		for _, e := range entries {
			if e.Name()[0] == '.' {
				continue
			}
			if _, err := tx.CreateNewDataSet(ctx, opts.details(e.Name())); err != nil {
				return err
			}
			created++
		}
		if created == 0 {
			return registrator.NewRegistrationError(registrator.ErrorTypeInvalidDataSet,
				fmt.Errorf("%s contains no entries", tx.IncomingPath()))
		}
		return nil
	}
	return &Program{Process: process, ShouldRetry: opts.shouldRetry()}, nil
}

// ============================================================================
// Validators
// ============================================================================

func newNotEmptyValidator(map[string]any) (registrator.Validator, error) {
	return registrator.ValidatorFunc(func(ctx context.Context, path string) ([]registrator.ValidationError, error) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if info.Size() == 0 {
				return []registrator.ValidationError{{Path: path, Message: "file is empty"}}, nil
			}
			return nil, nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return []registrator.ValidationError{{Path: path, Message: "directory is empty"}}, nil
		}
		return nil, nil
	}), nil
}

func newMaxSizeValidator(options map[string]any) (registrator.Validator, error) {
	var opts struct {
		MaxBytes int64 `mapstructure:"max_bytes"`
	}
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("max_bytes must be positive")
	}

	return registrator.ValidatorFunc(func(ctx context.Context, path string) ([]registrator.ValidationError, error) {
		var total int64
		err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.Type().IsRegular() {
				info, err := d.Info()
				if err != nil {
					return err
				}
				total += info.Size()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if total > opts.MaxBytes {
			return []registrator.ValidationError{{
				Path:    path,
				Message: fmt.Sprintf("size %d exceeds the limit of %d bytes", total, opts.MaxBytes),
			}}, nil
		}
		return nil, nil
	}), nil
}

func newRequiredFilesValidator(options map[string]any) (registrator.Validator, error) {
	var opts struct {
		Patterns []string `mapstructure:"patterns"`
	}
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	if len(opts.Patterns) == 0 {
		return nil, fmt.Errorf("patterns must not be empty")
	}
	for _, p := range opts.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}

	return registrator.ValidatorFunc(func(ctx context.Context, path string) ([]registrator.ValidationError, error) {
		matched := make(map[string]bool, len(opts.Patterns))
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(path, p)
			if err != nil || rel == "." {
				return err
			}
			for _, pattern := range opts.Patterns {
				if ok, _ := filepath.Match(pattern, filepath.ToSlash(rel)); ok {
					matched[pattern] = true
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		var problems []registrator.ValidationError
		for _, pattern := range opts.Patterns {
			if !matched[pattern] {
				problems = append(problems, registrator.ValidationError{
					Path:    path,
					Message: fmt.Sprintf("no file matches %q", pattern),
				})
			}
		}
		sort.Slice(problems, func(i, j int) bool { return problems[i].Message < problems[j].Message })
		return problems, nil
	}), nil
}

func newNamePatternValidator(options map[string]any) (registrator.Validator, error) {
	var opts struct {
		Pattern string `mapstructure:"pattern"`
	}
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	re, err := regexp.Compile(opts.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	return registrator.ValidatorFunc(func(_ context.Context, path string) ([]registrator.ValidationError, error) {
		if !re.MatchString(filepath.Base(path)) {
			return []registrator.ValidationError{{
				Path:    path,
				Message: fmt.Sprintf("name does not match %s", re),
			}}, nil
		}
		return nil, nil
	}), nil
}
