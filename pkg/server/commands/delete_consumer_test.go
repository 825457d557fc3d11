package commands

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/logger"
	serverErrors "github.com/placer-project/placer/pkg/server/errors"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/storage/memory"
	"github.com/placer-project/placer/pkg/testfixtures"
)

func TestDeleteConsumer(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	rp := testfixtures.CreateProvider(t, ds, "compute", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 8)

	cmd := NewDeleteConsumerCommand(ds, logger.NewNoopLogger())

	t.Run("deletes_allocation_free_consumer", func(t *testing.T) {
		consumer := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, "")

		require.NoError(t, cmd.Execute(ctx, &DeleteConsumerRequest{ConsumerUUID: consumer.UUID}))

		_, err := ds.GetConsumer(ctx, consumer.UUID)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("refuses_consumer_with_allocations", func(t *testing.T) {
		consumer := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, "")
		testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"VCPU": 2})

		err := cmd.Execute(ctx, &DeleteConsumerRequest{ConsumerUUID: consumer.UUID})
		require.ErrorIs(t, err, serverErrors.ErrConsumerHasAllocations)

		_, err = ds.GetConsumer(ctx, consumer.UUID)
		require.NoError(t, err)
	})

	t.Run("missing_consumer", func(t *testing.T) {
		err := cmd.Execute(ctx, &DeleteConsumerRequest{ConsumerUUID: uuid.NewString()})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("force_deletes_allocations_too", func(t *testing.T) {
		consumer := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, "")
		testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"VCPU": 2})

		require.NoError(t, cmd.Execute(ctx, &DeleteConsumerRequest{
			ConsumerUUID: consumer.UUID,
			Force:        true,
		}))

		_, err := ds.GetConsumer(ctx, consumer.UUID)
		require.ErrorIs(t, err, storage.ErrNotFound)

		allocs, err := ds.ListAllocations(ctx, consumer.UUID)
		require.NoError(t, err)
		require.Empty(t, allocs)
	})
}

func TestPruneConsumers(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	rp := testfixtures.CreateProvider(t, ds, "compute", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 8)

	free := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, "")
	busy := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, "")
	testfixtures.SetAllocation(t, ds, rp, busy, map[string]int64{"VCPU": 2})

	cmd := NewDeleteConsumerCommand(ds, logger.NewNoopLogger())

	deleted, err := cmd.PruneConsumers(ctx, []string{free.UUID, busy.UUID, uuid.NewString()})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = ds.GetConsumer(ctx, free.UUID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = ds.GetConsumer(ctx, busy.UUID)
	require.NoError(t, err)
}
