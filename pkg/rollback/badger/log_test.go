package badger

import (
	"context"
	"testing"

	"github.com/marmos91/dropboxd/pkg/rollback"
	rollbacktest "github.com/marmos91/dropboxd/pkg/rollback/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerLog(t *testing.T) {
	suite := &rollbacktest.LogTestSuite{
		NewLog: func(t *testing.T) rollback.Log {
			log, err := Open(context.Background(), Config{DBPath: t.TempDir()})
			require.NoError(t, err)
			return log
		},
	}
	suite.Run(t)
}

func TestBadgerLog_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	log, err := Open(ctx, Config{DBPath: dir})
	require.NoError(t, err)
	require.NoError(t, log.Create(ctx, "tx"))
	_, err = log.Append(ctx, "tx", rollback.Mkdir("/data/staging/ds1"))
	require.NoError(t, err)
	require.NoError(t, log.SetLocked(ctx, "tx", true))
	require.NoError(t, log.Close())

	reopened, err := Open(ctx, Config{DBPath: dir})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	info, err := reopened.Info(ctx, "tx")
	require.NoError(t, err)
	assert.True(t, info.Locked)

	entries, err := reopened.Entries(ctx, "tx")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rollback.KindMkdir, entries[0].Command.Kind)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}
