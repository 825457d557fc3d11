package test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/testfixtures"
	"github.com/placer-project/placer/pkg/types"
)

func ReplaceAllocationsTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	rp := testfixtures.CreateProvider(t, ds, "alloc-rp", "")
	testfixtures.AddInventory(t, ds, rp, "DISK_GB", 200)
	testfixtures.AddInventory(t, ds, rp, "VCPU", 16)

	consumer := testfixtures.EnsureConsumer(t, ds, uuid.NewString(), uuid.NewString(), "")

	// Unknown consumers surface as not found, not as a conflict.
	err := ds.ReplaceAllocations(ctx, uuid.NewString(), 0, nil)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, ds.ReplaceAllocations(ctx, consumer.UUID, consumer.Generation, []types.Allocation{
		{ConsumerUUID: consumer.UUID, ProviderUUID: rp.UUID, ResourceClass: "DISK_GB", Used: 10},
		{ConsumerUUID: consumer.UUID, ProviderUUID: rp.UUID, ResourceClass: "VCPU", Used: 2},
	}))

	allocs, err := ds.ListAllocations(ctx, consumer.UUID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	count, err := ds.CountAllocations(ctx, consumer.UUID)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// The swap bumped the generation, so the old value is now stale.
	err = ds.ReplaceAllocations(ctx, consumer.UUID, consumer.Generation, []types.Allocation{
		{ConsumerUUID: consumer.UUID, ProviderUUID: rp.UUID, ResourceClass: "DISK_GB", Used: 20},
	})
	require.ErrorIs(t, err, storage.ErrConcurrentUpdate)

	// No partial state from the failed swap.
	allocs, err = ds.ListAllocations(ctx, consumer.UUID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	// Retrying with fresh state replaces the whole set.
	fresh, err := ds.GetConsumer(ctx, consumer.UUID)
	require.NoError(t, err)
	require.NoError(t, ds.ReplaceAllocations(ctx, fresh.UUID, fresh.Generation, []types.Allocation{
		{ConsumerUUID: consumer.UUID, ProviderUUID: rp.UUID, ResourceClass: "DISK_GB", Used: 20},
	}))

	allocs, err = ds.ListAllocations(ctx, consumer.UUID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.Equal(t, int64(20), allocs[0].Used)

	// An empty set clears everything, freeing the consumer for deletion.
	fresh, err = ds.GetConsumer(ctx, consumer.UUID)
	require.NoError(t, err)
	require.NoError(t, ds.ReplaceAllocations(ctx, fresh.UUID, fresh.Generation, nil))

	count, err = ds.CountAllocations(ctx, consumer.UUID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func ReadChangesTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	// Empty log.
	_, _, err := ds.ReadChanges(ctx, storage.PaginationOptions{PageSize: storage.DefaultPageSize})
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, _, err = ds.ReadChanges(ctx, storage.PaginationOptions{From: "not-a-ulid"})
	require.ErrorIs(t, err, storage.ErrInvalidContinuationToken)

	rp := testfixtures.CreateProvider(t, ds, "changes-rp", "")
	testfixtures.AddInventory(t, ds, rp, "DISK_GB", 100)

	consumer := testfixtures.EnsureConsumer(t, ds, uuid.NewString(), uuid.NewString(), "")
	testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"DISK_GB": 5})
	testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"DISK_GB": 7})

	// First swap logged one write, second a delete plus a write.
	changes, token, err := ds.ReadChanges(ctx, storage.PaginationOptions{PageSize: storage.DefaultPageSize})
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.NotEmpty(t, token)
	require.Equal(t, storage.AllocationChangeWrite, changes[0].Operation)
	require.Equal(t, storage.AllocationChangeDelete, changes[1].Operation)
	require.Equal(t, storage.AllocationChangeWrite, changes[2].Operation)
	require.Equal(t, int64(7), changes[2].Used)

	// ULID ordering holds across the page.
	for i := 1; i < len(changes); i++ {
		require.Less(t, changes[i-1].Ulid, changes[i].Ulid)
	}

	// Paging picks up after the token.
	changes, _, err = ds.ReadChanges(ctx, storage.PaginationOptions{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, changes, 2)

	rest, _, err := ds.ReadChanges(ctx, storage.PaginationOptions{PageSize: 2, From: changes[1].Ulid})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, int64(7), rest[0].Used)

	// Consuming past the end reports not found.
	_, _, err = ds.ReadChanges(ctx, storage.PaginationOptions{PageSize: 2, From: rest[0].Ulid})
	require.ErrorIs(t, err, storage.ErrNotFound)
}
