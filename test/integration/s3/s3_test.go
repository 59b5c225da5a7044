//go:build integration

package s3_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dropboxd/pkg/config"
	"github.com/marmos91/dropboxd/pkg/registrator"
)

// localstackEndpoint returns the S3-compatible endpoint under test.
func localstackEndpoint() string {
	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return "http://localhost:4566"
}

// setupTestS3 creates an S3 client and test bucket for integration tests.
//
// It connects to Localstack (or other S3-compatible endpoint) and creates a
// test bucket that will be cleaned up when the cleanup function is called.
//
// Parameters:
//   - t: The testing instance
//   - bucketName: Name of the test bucket to create
//
// Returns:
//   - *s3.Client: Configured S3 client
//   - cleanup: Function to delete all objects and the bucket
func setupTestS3(t *testing.T, bucketName string) (*s3.Client, func()) {
	t.Helper()
	ctx := context.Background()

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", // AccessKeyID
			"test", // SecretAccessKey
			"",     // SessionToken
		)),
	)
	if err != nil {
		t.Fatalf("Failed to load AWS config: %v", err)
	}

	// Path-style URLs are required for Localstack
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(localstackEndpoint())
		o.UsePathStyle = true
	})

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		t.Fatalf("Failed to create test bucket: %v", err)
	}

	cleanup := func() {
		listResp, _ := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucketName),
		})
		if listResp != nil {
			for _, obj := range listResp.Contents {
				_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(bucketName),
					Key:    obj.Key,
				})
			}
		}

		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{
			Bucket: aws.String(bucketName),
		})
	}

	return client, cleanup
}

func listKeys(t *testing.T, client *s3.Client, bucket, prefix string) []string {
	t.Helper()
	resp, err := client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		t.Fatalf("Failed to list objects: %v", err)
	}
	keys := make([]string, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	sort.Strings(keys)
	return keys
}

// TestS3StorageProcessor_Integration stores a data set through an "s3"
// storage processor built from configuration, then rolls it back.
//
// Prerequisites:
//   - Localstack running on localhost:4566
//   - Run with: go test -tags=integration ./test/integration/s3/...
//
// To start Localstack:
//
//	docker run --rm -p 4566:4566 localstack/localstack
func TestS3StorageProcessor_Integration(t *testing.T) {
	ctx := context.Background()

	// ========================================================================
	// Setup: Bucket and processor
	// ========================================================================

	bucketName := "dropboxd-test-bucket"
	client, cleanup := setupTestS3(t, bucketName)
	defer cleanup()

	proc, err := config.CreateStorageProcessor(ctx, &config.StorageProcessorConfig{
		Type: "s3",
		FS:   map[string]any{"mode": "copy"},
		S3: map[string]any{
			"region":            "us-east-1",
			"bucket":            bucketName,
			"key_prefix":        "openbis/",
			"endpoint":          localstackEndpoint(),
			"access_key_id":     "test",
			"secret_access_key": "test",
			"max_retries":       3,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create S3 storage processor: %v", err)
	}

	root := t.TempDir()
	incoming := filepath.Join(root, "incoming", "run-001")
	if err := os.MkdirAll(filepath.Join(incoming, "raw"), 0755); err != nil {
		t.Fatalf("Failed to create incoming dir: %v", err)
	}
	for _, name := range []string{"a.tif", "raw/b.bin"} {
		if err := os.WriteFile(filepath.Join(incoming, name), []byte(name), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	staging := filepath.Join(root, "staging", "DS1")
	if err := os.MkdirAll(staging, 0755); err != nil {
		t.Fatalf("Failed to create staging dir: %v", err)
	}

	tx, err := proc.CreateTransaction(registrator.TransactionParams{StagingDir: staging, DataSetCode: "DS1"})
	if err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}
	if err := tx.StoreData(ctx, registrator.DataSetRegistrationDetails{}, incoming); err != nil {
		t.Fatalf("StoreData failed: %v", err)
	}

	// ========================================================================
	// Commit mirrors the data set
	// ========================================================================

	t.Run("CommitUploads", func(t *testing.T) {
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		want := []string{
			"openbis/DS1/original/run-001/a.tif",
			"openbis/DS1/original/run-001/raw/b.bin",
		}
		got := listKeys(t, client, bucketName, "openbis/DS1/")
		if len(got) != len(want) {
			t.Fatalf("Expected keys %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Expected key %s, got %s", want[i], got[i])
			}
		}
	})

	// ========================================================================
	// Rollback removes the mirror
	// ========================================================================

	t.Run("RollbackDeletes", func(t *testing.T) {
		if err := tx.Rollback(ctx, errors.New("registration failed")); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}
		if got := listKeys(t, client, bucketName, "openbis/DS1/"); len(got) != 0 {
			t.Errorf("Expected no objects after rollback, got %v", got)
		}
	})
}
