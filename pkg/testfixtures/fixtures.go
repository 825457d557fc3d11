// Package testfixtures contains convenience builders shared by tests:
// providers with inventory, ownership chains, and allocations.
package testfixtures

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/types"
)

// DiskInventory is a baseline inventory record used across tests.
var DiskInventory = types.Inventory{
	ResourceClass:   "DISK_GB",
	Total:           200,
	Reserved:        10,
	MinUnit:         2,
	MaxUnit:         100,
	StepSize:        1,
	AllocationRatio: 1.0,
}

// CreateProvider persists a provider, optionally parented, and fails the
// test on error.
func CreateProvider(t *testing.T, ds storage.ProviderBackend, name, parentUUID string) *types.ResourceProvider {
	t.Helper()

	rp := &types.ResourceProvider{
		UUID:       uuid.NewString(),
		Name:       name,
		ParentUUID: parentUUID,
	}
	require.NoError(t, ds.CreateProvider(context.Background(), rp))
	return rp
}

// AddInventory attaches a single inventory record for the given resource
// class and total to a provider.
func AddInventory(t *testing.T, ds storage.ProviderBackend, rp *types.ResourceProvider, resourceClass string, total int64) {
	t.Helper()

	require.NoError(t, ds.SetInventory(context.Background(), rp.UUID, []types.Inventory{{
		ResourceClass:   resourceClass,
		Total:           total,
		MinUnit:         1,
		MaxUnit:         total,
		StepSize:        1,
		AllocationRatio: 1.0,
	}}))
}

// EnsureConsumer lazily creates a consumer and relates the full ownership
// chain, mirroring how allocation writes establish consumers on first use.
func EnsureConsumer(t *testing.T, ds storage.PlacerDatastore, projectUUID, userUUID, consumerUUID string) *types.Consumer {
	t.Helper()
	ctx := context.Background()

	if consumerUUID == "" {
		consumerUUID = uuid.NewString()
	}
	require.NoError(t, ds.CreateProject(ctx, &types.Project{UUID: projectUUID}))
	require.NoError(t, ds.CreateUser(ctx, &types.User{UUID: userUUID}))

	if _, err := ds.GetConsumer(ctx, consumerUUID); err != nil {
		require.True(t, errors.Is(err, storage.ErrNotFound))
		require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: consumerUUID}))
	}
	require.NoError(t, ds.RelateProjectAndUser(ctx, projectUUID, userUUID, consumerUUID))

	consumer, err := ds.GetConsumer(ctx, consumerUUID)
	require.NoError(t, err)
	return consumer
}

// SetAllocation replaces a consumer's allocations with one record per
// resource class in rcUsed against the given provider.
func SetAllocation(t *testing.T, ds storage.PlacerDatastore, rp *types.ResourceProvider, consumer *types.Consumer, rcUsed map[string]int64) {
	t.Helper()

	allocs := make([]types.Allocation, 0, len(rcUsed))
	for rc, used := range rcUsed {
		allocs = append(allocs, types.Allocation{
			ConsumerUUID:  consumer.UUID,
			ProviderUUID:  rp.UUID,
			ResourceClass: rc,
			Used:          used,
		})
	}
	require.NoError(t, ds.ReplaceAllocations(context.Background(), consumer.UUID, consumer.Generation, allocs))
	consumer.Generation++
}
