package memory

import (
	"testing"

	"github.com/marmos91/dropboxd/pkg/rollback"
	rollbacktest "github.com/marmos91/dropboxd/pkg/rollback/testing"
)

func TestMemoryLog(t *testing.T) {
	suite := &rollbacktest.LogTestSuite{
		NewLog: func(t *testing.T) rollback.Log {
			return NewLog()
		},
	}
	suite.Run(t)
}
