package fs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/dropboxd/pkg/processor/fs"
	"github.com/marmos91/dropboxd/pkg/registrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, mode fs.Mode) (registrator.StorageProcessorTransaction, string, string) {
	t.Helper()
	root := t.TempDir()
	incoming := filepath.Join(root, "incoming", "run-001")
	require.NoError(t, os.MkdirAll(incoming, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "image.tif"), []byte("pixels"), 0644))

	staging := filepath.Join(root, "staging", "DS1")
	require.NoError(t, os.MkdirAll(staging, 0755))

	p, err := fs.New(fs.Config{Mode: mode})
	require.NoError(t, err)
	tx, err := p.CreateTransaction(registrator.TransactionParams{StagingDir: staging, DataSetCode: "DS1"})
	require.NoError(t, err)
	return tx, incoming, staging
}

func TestTransaction_MoveAndRollback(t *testing.T) {
	ctx := context.Background()
	tx, incoming, staging := setup(t, fs.ModeMove)

	require.NoError(t, tx.StoreData(ctx, registrator.DataSetRegistrationDetails{}, incoming))
	assert.NoDirExists(t, incoming)
	assert.FileExists(t, filepath.Join(staging, fs.OriginalDir, "run-001", "image.tif"))

	require.NoError(t, tx.Rollback(ctx, assert.AnError))
	assert.FileExists(t, filepath.Join(incoming, "image.tif"))
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransaction_ResumedRollbackRestoresPayload(t *testing.T) {
	ctx := context.Background()
	tx, incoming, staging := setup(t, fs.ModeMove)
	require.NoError(t, tx.StoreData(ctx, registrator.DataSetRegistrationDetails{}, incoming))

	// The data set directory moved to precommit before the process died.
	precommit := filepath.Join(filepath.Dir(filepath.Dir(staging)), "precommit", "DS1")
	require.NoError(t, os.MkdirAll(filepath.Dir(precommit), 0755))
	require.NoError(t, os.Rename(staging, precommit))

	p, err := fs.New(fs.Config{})
	require.NoError(t, err)
	resumed, err := p.ResumeTransaction(registrator.TransactionParams{StagingDir: staging, DataSetCode: "DS1"}, precommit)
	require.NoError(t, err)
	assert.Equal(t, precommit, resumed.StoredDataDirectory())

	require.NoError(t, resumed.Rollback(ctx, assert.AnError))
	assert.FileExists(t, filepath.Join(incoming, "image.tif"))
	assert.NoDirExists(t, filepath.Join(precommit, fs.OriginalDir))
}

func TestTransaction_CommitDropsBookkeeping(t *testing.T) {
	ctx := context.Background()
	tx, incoming, staging := setup(t, fs.ModeMove)
	require.NoError(t, tx.StoreData(ctx, registrator.DataSetRegistrationDetails{}, incoming))

	require.NoError(t, tx.Commit(ctx))
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fs.OriginalDir, entries[0].Name())
}

func TestTransaction_CopyKeepsIncoming(t *testing.T) {
	ctx := context.Background()
	tx, incoming, staging := setup(t, fs.ModeCopy)

	require.NoError(t, tx.StoreData(ctx, registrator.DataSetRegistrationDetails{}, incoming))
	assert.FileExists(t, filepath.Join(incoming, "image.tif"))
	data, err := os.ReadFile(filepath.Join(staging, fs.OriginalDir, "run-001", "image.tif"))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	require.NoError(t, tx.Rollback(ctx, assert.AnError))
	assert.FileExists(t, filepath.Join(incoming, "image.tif"))
	assert.NoDirExists(t, filepath.Join(staging, fs.OriginalDir))
}

func TestTransaction_Source(t *testing.T) {
	ctx := context.Background()
	tx, incoming, staging := setup(t, fs.ModeMove)

	err := tx.StoreData(ctx, registrator.DataSetRegistrationDetails{Source: "image.tif"}, incoming)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(staging, fs.OriginalDir, "image.tif"))
	assert.DirExists(t, incoming)

	err = tx.StoreData(ctx, registrator.DataSetRegistrationDetails{Source: "../escape"}, incoming)
	assert.Error(t, err)

	err = tx.StoreData(ctx, registrator.DataSetRegistrationDetails{Source: "missing.tif"}, incoming)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNew_RejectsUnknownMode(t *testing.T) {
	_, err := fs.New(fs.Config{Mode: "teleport"})
	assert.Error(t, err)
}
