package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/appserver"
	apphttp "github.com/marmos91/dropboxd/pkg/appserver/http"
	appmemory "github.com/marmos91/dropboxd/pkg/appserver/memory"
	"github.com/marmos91/dropboxd/pkg/health"
	fsproc "github.com/marmos91/dropboxd/pkg/processor/fs"
	s3proc "github.com/marmos91/dropboxd/pkg/processor/s3"
	"github.com/marmos91/dropboxd/pkg/registrator"
	"github.com/marmos91/dropboxd/pkg/rollback"
	rollbackBadger "github.com/marmos91/dropboxd/pkg/rollback/badger"
	rollbackMemory "github.com/marmos91/dropboxd/pkg/rollback/memory"
	"github.com/mitchellh/mapstructure"
)

// decodeOptions decodes a type-specific options map into out. Duration
// strings such as "30s" are accepted.
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}

// ============================================================================
// Rollback log
// ============================================================================

// CreateRollbackLog creates the rollback log based on configuration.
//
// Supported types:
//   - "badger": Uses pkg/rollback/badger (persistent, survives restarts)
//   - "memory": Uses pkg/rollback/memory (ephemeral, for tests and demos)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Rollback log configuration
//
// Returns:
//   - rollback.Log: Opened log; the caller must Close it
//   - error: Configuration or initialization error
func CreateRollbackLog(ctx context.Context, cfg *RollbackLogConfig) (rollback.Log, error) {
	switch cfg.Type {
	case "badger":
		var logCfg rollbackBadger.Config
		if err := decodeOptions(cfg.Badger, &logCfg); err != nil {
			return nil, fmt.Errorf("failed to decode badger rollback log config: %w", err)
		}
		log, err := rollbackBadger.Open(ctx, logCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create badger rollback log: %w", err)
		}
		logger.Info("Rollback log opened: badger at %s", logCfg.DBPath)
		return log, nil
	case "memory":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Warn("Rollback log is in memory: interrupted transactions cannot be rolled back after a restart")
		return rollbackMemory.NewLog(), nil
	default:
		return nil, fmt.Errorf("unknown rollback log type: %q (supported: badger, memory)", cfg.Type)
	}
}

// ============================================================================
// Storage processors
// ============================================================================

// CreateStorageProcessor creates a storage processor based on configuration.
//
// Supported types:
//   - "fs": Uses pkg/processor/fs (payload moved or copied into the data set)
//   - "s3": Uses pkg/processor/s3 (fs processor, then a mirror to S3)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Storage processor configuration
//
// Returns:
//   - registrator.StorageProcessor: Initialized processor
//   - error: Configuration or initialization error
func CreateStorageProcessor(ctx context.Context, cfg *StorageProcessorConfig) (registrator.StorageProcessor, error) {
	switch cfg.Type {
	case "fs":
		return createFSStorageProcessor(cfg.FS)
	case "s3":
		local, err := createFSStorageProcessor(cfg.FS)
		if err != nil {
			return nil, err
		}
		return createS3StorageProcessor(ctx, cfg.S3, local)
	default:
		return nil, fmt.Errorf("unknown storage processor type: %q (supported: fs, s3)", cfg.Type)
	}
}

// createFSStorageProcessor creates the local storage processor.
func createFSStorageProcessor(options map[string]any) (*fsproc.Processor, error) {
	var procCfg fsproc.Config
	if err := decodeOptions(options, &procCfg); err != nil {
		return nil, fmt.Errorf("failed to decode fs storage processor config: %w", err)
	}
	if err := validate.Struct(procCfg); err != nil {
		return nil, fmt.Errorf("fs storage processor: %w", formatValidationError(err))
	}

	proc, err := fsproc.New(procCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create fs storage processor: %w", err)
	}
	return proc, nil
}

// S3ProcessorOptions are the options of an "s3" storage processor.
type S3ProcessorOptions struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// createS3StorageProcessor creates an S3 mirroring processor around local.
func createS3StorageProcessor(ctx context.Context, options map[string]any, local registrator.StorageProcessor) (registrator.StorageProcessor, error) {
	var opts S3ProcessorOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode S3 storage processor config: %w", err)
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 storage processor: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 storage processor: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(opts.Region),
	}

	// Set credentials if provided, otherwise use default credential chain
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	// Retry transient errors (502, 503, timeouts, etc.) more than the AWS
	// default of 3 attempts
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack, ...) need path-style addressing
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create the mirroring processor
	// ========================================================================

	proc, err := s3proc.New(ctx, s3proc.Config{
		Client:    client,
		Bucket:    opts.Bucket,
		KeyPrefix: opts.KeyPrefix,
		Delegate:  local,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 storage processor: %w", err)
	}

	logger.Info("S3 storage processor initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)

	return proc, nil
}

// ============================================================================
// Application server
// ============================================================================

// CreateApplicationServer creates the application server client based on
// configuration.
//
// Supported types:
//   - "memory": Uses pkg/appserver/memory (in-process, for tests and demos)
//   - "http": Uses pkg/appserver/http (JSON over HTTP)
func CreateApplicationServer(cfg *ApplicationServerConfig) (appserver.Server, error) {
	switch cfg.Type {
	case "memory":
		logger.Warn("Application server is in memory: registrations are lost on restart")
		return appmemory.New(), nil
	case "http":
		var clientCfg apphttp.Config
		if err := decodeOptions(cfg.HTTP, &clientCfg); err != nil {
			return nil, fmt.Errorf("failed to decode http application server config: %w", err)
		}
		if err := validate.Struct(clientCfg); err != nil {
			return nil, fmt.Errorf("http application server: %w", formatValidationError(err))
		}
		client, err := apphttp.New(clientCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create http application server client: %w", err)
		}
		logger.Info("Application server client initialized: %s", clientCfg.BaseURL)
		return client, nil
	default:
		return nil, fmt.Errorf("unknown application server type: %q (supported: memory, http)", cfg.Type)
	}
}

// CreateHealthMonitor creates the readiness monitor of the application server.
func CreateHealthMonitor(server appserver.Server, cfg *HealthConfig) *health.Monitor {
	return health.NewMonitor(server, health.Config{
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		MaxFailures: cfg.MaxFailures,
	})
}
