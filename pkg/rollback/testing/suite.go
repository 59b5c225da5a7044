package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/dropboxd/pkg/rollback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LogTestSuite checks the rollback.Log contract. Every backend runs it.
//
// Usage:
//
//	func TestMyLog(t *testing.T) {
//	    suite := &testing.LogTestSuite{
//	        NewLog: func(t *testing.T) rollback.Log { return mylog.New() },
//	    }
//	    suite.Run(t)
//	}
type LogTestSuite struct {
	// NewLog creates a fresh, empty log for each test.
	NewLog func(t *testing.T) rollback.Log
}

// Run executes all tests in the suite.
func (suite *LogTestSuite) Run(t *testing.T) {
	t.Run("CreateAndInfo", suite.testCreateAndInfo)
	t.Run("CreateTwice", suite.testCreateTwice)
	t.Run("AppendOrdersEntries", suite.testAppendOrdersEntries)
	t.Run("RemoveEntry", suite.testRemoveEntry)
	t.Run("SetLocked", suite.testSetLocked)
	t.Run("DeleteIsIdempotent", suite.testDeleteIsIdempotent)
	t.Run("UnknownStack", suite.testUnknownStack)
	t.Run("ListOldestFirst", suite.testListOldestFirst)
}

func (suite *LogTestSuite) newLog(t *testing.T) rollback.Log {
	log := suite.NewLog(t)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func (suite *LogTestSuite) testCreateAndInfo(t *testing.T) {
	ctx := context.Background()
	log := suite.newLog(t)

	require.NoError(t, log.Create(ctx, "a"))

	info, err := log.Info(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", info.ID)
	assert.False(t, info.Locked)
	assert.False(t, info.CreatedAt.IsZero())
}

func (suite *LogTestSuite) testCreateTwice(t *testing.T) {
	ctx := context.Background()
	log := suite.newLog(t)

	require.NoError(t, log.Create(ctx, "a"))
	err := log.Create(ctx, "a")
	assert.True(t, errors.Is(err, rollback.ErrStackExists), "got %v", err)
}

func (suite *LogTestSuite) testAppendOrdersEntries(t *testing.T) {
	ctx := context.Background()
	log := suite.newLog(t)
	require.NoError(t, log.Create(ctx, "a"))

	cmds := []rollback.Command{
		rollback.Mkdir("/tmp/x"),
		rollback.Move("/tmp/x/a", "/tmp/y/a"),
		rollback.NewFile("/tmp/x/.marker", "a"),
	}
	for i, cmd := range cmds {
		seq, err := log.Append(ctx, "a", cmd)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	entries, err := log.Entries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Seq)
		assert.Equal(t, cmds[i], e.Command)
	}
}

func (suite *LogTestSuite) testRemoveEntry(t *testing.T) {
	ctx := context.Background()
	log := suite.newLog(t)
	require.NoError(t, log.Create(ctx, "a"))

	_, err := log.Append(ctx, "a", rollback.Mkdir("/one"))
	require.NoError(t, err)
	seq, err := log.Append(ctx, "a", rollback.Mkdir("/two"))
	require.NoError(t, err)

	require.NoError(t, log.Remove(ctx, "a", seq))
	require.NoError(t, log.Remove(ctx, "a", seq))

	entries, err := log.Entries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/one", entries[0].Command.Args["path"])

	// Sequence numbers are never reused.
	next, err := log.Append(ctx, "a", rollback.Mkdir("/three"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func (suite *LogTestSuite) testSetLocked(t *testing.T) {
	ctx := context.Background()
	log := suite.newLog(t)
	require.NoError(t, log.Create(ctx, "a"))

	require.NoError(t, log.SetLocked(ctx, "a", true))
	info, err := log.Info(ctx, "a")
	require.NoError(t, err)
	assert.True(t, info.Locked)

	require.NoError(t, log.SetLocked(ctx, "a", false))
	info, err = log.Info(ctx, "a")
	require.NoError(t, err)
	assert.False(t, info.Locked)
}

func (suite *LogTestSuite) testDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	log := suite.newLog(t)
	require.NoError(t, log.Create(ctx, "a"))
	_, err := log.Append(ctx, "a", rollback.Mkdir("/one"))
	require.NoError(t, err)

	require.NoError(t, log.Delete(ctx, "a"))
	require.NoError(t, log.Delete(ctx, "a"))

	_, err = log.Info(ctx, "a")
	assert.True(t, errors.Is(err, rollback.ErrStackNotFound))

	infos, err := log.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func (suite *LogTestSuite) testUnknownStack(t *testing.T) {
	ctx := context.Background()
	log := suite.newLog(t)

	_, err := log.Append(ctx, "missing", rollback.Mkdir("/x"))
	assert.True(t, errors.Is(err, rollback.ErrStackNotFound))

	_, err = log.Entries(ctx, "missing")
	assert.True(t, errors.Is(err, rollback.ErrStackNotFound))

	err = log.SetLocked(ctx, "missing", true)
	assert.True(t, errors.Is(err, rollback.ErrStackNotFound))
}

func (suite *LogTestSuite) testListOldestFirst(t *testing.T) {
	ctx := context.Background()
	log := suite.newLog(t)

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, log.Create(ctx, id))
	}

	infos, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	ids := map[string]bool{}
	for _, info := range infos {
		ids[info.ID] = true
	}
	assert.True(t, ids["first"] && ids["second"] && ids["third"])
}
