package testing

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/dropboxd/pkg/appserver"
	"github.com/marmos91/dropboxd/pkg/registrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ServerTestSuite checks the application server contract the pipeline relies
// on. Every backend runs it.
//
// Usage:
//
//	func TestMyServer(t *testing.T) {
//	    suite := &testing.ServerTestSuite{
//	        NewServer: func(t *testing.T) appserver.Server { return myserver.New() },
//	    }
//	    suite.Run(t)
//	}
type ServerTestSuite struct {
	// NewServer creates a fresh, empty server for each test.
	NewServer func(t *testing.T) appserver.Server
}

// Run executes all tests in the suite.
func (suite *ServerTestSuite) Run(t *testing.T) {
	t.Run("DrawNewUniqueID", suite.testDrawNewUniqueID)
	t.Run("RegisterAndStatus", suite.testRegisterAndStatus)
	t.Run("RegistrationIDIsSingleUse", suite.testRegistrationIDIsSingleUse)
	t.Run("BatchIsAtomic", suite.testBatchIsAtomic)
	t.Run("StorageConfirmation", suite.testStorageConfirmation)
	t.Run("Ping", suite.testPing)
}

// Info builds a registration info for code.
func Info(code string) registrator.RegistrationInfo {
	return registrator.RegistrationInfo{
		Code:                  code,
		Type:                  "RAW_DATA",
		ExperimentID:          "/SPACE/PROJECT/EXP1",
		ShareID:               "1",
		Location:              "1/AB/CD/EF/" + code,
		Properties:            map[string]string{"OPERATOR": "jdoe"},
		RegistrationTimestamp: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
}

func (suite *ServerTestSuite) testDrawNewUniqueID(t *testing.T) {
	ctx := context.Background()
	s := suite.NewServer(t)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := s.DrawNewUniqueID(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func (suite *ServerTestSuite) testRegisterAndStatus(t *testing.T) {
	ctx := context.Background()
	s := suite.NewServer(t)

	id, err := s.DrawNewUniqueID(ctx)
	require.NoError(t, err)

	status, err := s.EntityOperationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registrator.StatusNoOperation, status)

	require.NoError(t, s.RegisterDataSets(ctx, id, []registrator.RegistrationInfo{Info("DS1"), Info("DS2")}))

	status, err = s.EntityOperationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registrator.StatusSucceeded, status)
}

func (suite *ServerTestSuite) testRegistrationIDIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := suite.NewServer(t)

	require.NoError(t, s.RegisterDataSets(ctx, "REG-1", []registrator.RegistrationInfo{Info("DS1")}))
	err := s.RegisterDataSets(ctx, "REG-1", []registrator.RegistrationInfo{Info("DS2")})
	assert.ErrorIs(t, err, appserver.ErrRegistrationExists)
}

func (suite *ServerTestSuite) testBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := suite.NewServer(t)

	require.NoError(t, s.RegisterDataSets(ctx, "REG-1", []registrator.RegistrationInfo{Info("DS1")}))

	err := s.RegisterDataSets(ctx, "REG-2", []registrator.RegistrationInfo{Info("DS2"), Info("DS1")})
	assert.ErrorIs(t, err, appserver.ErrDataSetExists)

	status, err := s.EntityOperationStatus(ctx, "REG-2")
	require.NoError(t, err)
	assert.Equal(t, registrator.StatusNoOperation, status)

	// DS2 was not recorded by the failed batch.
	require.NoError(t, s.RegisterDataSets(ctx, "REG-3", []registrator.RegistrationInfo{Info("DS2")}))
}

func (suite *ServerTestSuite) testStorageConfirmation(t *testing.T) {
	ctx := context.Background()
	s := suite.NewServer(t)

	err := s.SetStorageConfirmed(ctx, "DS1")
	assert.ErrorIs(t, err, appserver.ErrUnknownDataSet)

	require.NoError(t, s.RegisterDataSets(ctx, "REG-1", []registrator.RegistrationInfo{Info("DS1")}))
	require.NoError(t, s.SetStorageConfirmed(ctx, "DS1"))
	require.NoError(t, s.SetStorageConfirmed(ctx, "DS1"))
}

func (suite *ServerTestSuite) testPing(t *testing.T) {
	s := suite.NewServer(t)
	assert.NoError(t, s.Ping(context.Background()))
}
