package testing

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/marmos91/parsecfs/pkg/store/local"
)

// StoreTestSuite is a conformance suite for local.Store implementations.
// It tests the contract, not implementation details, so every backend
// (memory, badger) runs the same tests.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &storetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) local.Store {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) local.Store

	// NewLimitedStore creates a store limited to maxBytes of values.
	// Quota tests are skipped when nil.
	NewLimitedStore func(t *testing.T, maxBytes uint64) local.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("BatchOperations", suite.RunBatchTests)
	t.Run("Quota", suite.RunQuotaTests)
}

func (suite *StoreTestSuite) newStore(t *testing.T) local.Store {
	t.Helper()
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testContext() context.Context {
	return context.Background()
}

func newID() local.ID {
	return local.ID(uuid.New())
}
