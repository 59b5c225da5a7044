// Package s3 implements a storage processor that mirrors committed data sets
// to an S3 bucket. It wraps another processor which does the local work.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/dropboxd/internal/logger"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

// S3 allows max 1000 objects per delete request
const maxBatchSize = 1000

// Client is the subset of *s3.Client the processor uses.
type Client interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Config contains configuration for the mirroring processor.
type Config struct {
	// Client is the configured S3 client
	Client Client

	// Bucket is the S3 bucket name
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "openbis/" results in keys like "openbis/<code>/original/file"
	KeyPrefix string

	// Delegate performs the local storage work
	Delegate registrator.StorageProcessor
}

// Processor mirrors every committed data set directory to S3.
//
// Key Design:
//   - Format: "<prefix><data set code>/<path relative to the data set directory>"
//   - Objects are uploaded on Commit, after the delegate committed
//   - Rollback deletes every object below "<prefix><data set code>/"
//
// Thread Safety:
// Safe for concurrent use. Transactions are not.
type Processor struct {
	client    Client
	bucket    string
	keyPrefix string
	delegate  registrator.StorageProcessor
}

// New creates a mirroring processor.
//
// The bucket must already exist - this function does not create it.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: S3 configuration
//
// Returns:
//   - *Processor: Initialized processor
//   - error: Returns error if bucket access fails or context is cancelled
func New(ctx context.Context, cfg Config) (*Processor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Delegate == nil {
		return nil, fmt.Errorf("delegate storage processor is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Processor{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		delegate:  cfg.Delegate,
	}, nil
}

// CreateTransaction opens a transaction on the delegate processor and wraps
// it so that its data is mirrored to the bucket on commit.
func (p *Processor) CreateTransaction(params registrator.TransactionParams) (registrator.StorageProcessorTransaction, error) {
	inner, err := p.delegate.CreateTransaction(params)
	if err != nil {
		return nil, err
	}
	return &Transaction{p: p, code: params.DataSetCode, inner: inner}, nil
}

// ResumeTransaction rebuilds a transaction after a restart. Rolling it back
// removes whatever was already uploaded under the data set's prefix.
func (p *Processor) ResumeTransaction(params registrator.TransactionParams, storedDir string) (registrator.StorageProcessorTransaction, error) {
	inner, err := p.delegate.ResumeTransaction(params, storedDir)
	if err != nil {
		return nil, err
	}
	return &Transaction{p: p, code: params.DataSetCode, inner: inner}, nil
}

// dataSetPrefix returns the key prefix of all objects of a data set.
func (p *Processor) dataSetPrefix(code string) string {
	return p.keyPrefix + code + "/"
}

// Transaction wraps a delegate transaction.
type Transaction struct {
	p     *Processor
	code  string
	inner registrator.StorageProcessorTransaction
}

// StoreData is delegated; nothing is uploaded before commit.
func (t *Transaction) StoreData(ctx context.Context, details registrator.DataSetRegistrationDetails, incoming string) error {
	return t.inner.StoreData(ctx, details, incoming)
}

func (t *Transaction) SetStoredDataDirectory(dir string) {
	t.inner.SetStoredDataDirectory(dir)
}

func (t *Transaction) StoredDataDirectory() string {
	return t.inner.StoredDataDirectory()
}

// Commit commits the delegate and uploads the data set directory.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.inner.Commit(ctx); err != nil {
		return err
	}

	root := t.inner.StoredDataDirectory()
	prefix := t.p.dataSetPrefix(t.code)
	uploaded := 0

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		key := prefix + path.Clean(filepath.ToSlash(rel))
		if _, err := t.p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(t.p.bucket),
			Key:    aws.String(key),
			Body:   f,
		}); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror data set %s: %w", t.code, err)
	}

	logger.Debug("Mirrored %d objects of %s to s3://%s/%s", uploaded, t.code, t.p.bucket, prefix)
	return nil
}

// Rollback rolls back the delegate and deletes the mirrored objects. Both
// are attempted; the first failure is returned.
func (t *Transaction) Rollback(ctx context.Context, cause error) error {
	innerErr := t.inner.Rollback(ctx, cause)
	deleteErr := t.deleteMirror(ctx)
	return errors.Join(innerErr, deleteErr)
}

func (t *Transaction) deleteMirror(ctx context.Context) error {
	prefix := t.p.dataSetPrefix(t.code)

	var keys []string
	var token *string
	for {
		out, err := t.p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(t.p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("failed to list mirror of %s: %w", t.code, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	for i := 0; i < len(keys); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-i)
		for _, key := range keys[i:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		result, err := t.p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(t.p.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete mirror of %s: %w", t.code, err)
		}
		if len(result.Errors) > 0 {
			e := result.Errors[0]
			return fmt.Errorf("failed to delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}

	if len(keys) > 0 {
		logger.Debug("Deleted %d mirrored objects of %s", len(keys), t.code)
	}
	return nil
}

var _ registrator.StorageProcessor = (*Processor)(nil)
