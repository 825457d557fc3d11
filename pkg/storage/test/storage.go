// Package test contains a datastore-agnostic conformance suite exercised by
// every [storage.PlacerDatastore] implementation.
package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/storage"
)

// DatastoreFactory returns a fresh, empty datastore for one test.
type DatastoreFactory func() storage.PlacerDatastore

// RunAllTests runs the full conformance suite, creating an isolated
// datastore per test.
func RunAllTests(t *testing.T, newDatastore DatastoreFactory) {
	t.Run("TestDatastoreIsReady", func(t *testing.T) {
		ds := newDatastore()
		defer ds.Close()

		status, err := ds.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})

	// Consumers.
	t.Run("TestConsumerLifecycle", func(t *testing.T) { ConsumerLifecycleTest(t, newDatastore()) })
	t.Run("TestConsumerGeneration", func(t *testing.T) { ConsumerGenerationTest(t, newDatastore()) })
	t.Run("TestUpdateConsumerOwner", func(t *testing.T) { UpdateConsumerOwnerTest(t, newDatastore()) })
	t.Run("TestConditionalConsumerDelete", func(t *testing.T) { ConditionalConsumerDeleteTest(t, newDatastore()) })
	t.Run("TestForcedConsumerDelete", func(t *testing.T) { ForcedConsumerDeleteTest(t, newDatastore()) })
	t.Run("TestEnsureIncompleteConsumers", func(t *testing.T) { EnsureIncompleteConsumersTest(t, newDatastore()) })

	// Ownership chain.
	t.Run("TestRelateProjectAndUser", func(t *testing.T) { RelateProjectAndUserTest(t, newDatastore()) })

	// Providers and candidate queries.
	t.Run("TestProviderTrees", func(t *testing.T) { ProviderTreesTest(t, newDatastore()) })
	t.Run("TestCandidatesForResourceClass", func(t *testing.T) { CandidatesForResourceClassTest(t, newDatastore()) })

	// Allocations and the changelog.
	t.Run("TestReplaceAllocations", func(t *testing.T) { ReplaceAllocationsTest(t, newDatastore()) })
	t.Run("TestReadChanges", func(t *testing.T) { ReadChangesTest(t, newDatastore()) })
}
