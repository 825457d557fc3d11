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

func ConsumerLifecycleTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	missing := uuid.NewString()
	_, err := ds.GetConsumer(ctx, missing)
	require.ErrorIs(t, err, storage.ErrNotFound)

	consumerUUID := uuid.NewString()
	require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: consumerUUID}))

	consumer, err := ds.GetConsumer(ctx, consumerUUID)
	require.NoError(t, err)
	require.Equal(t, consumerUUID, consumer.UUID)
	require.Zero(t, consumer.Generation)
	require.False(t, consumer.CreatedAt.IsZero())
	require.False(t, consumer.UpdatedAt.IsZero())
	require.Nil(t, consumer.Project)
	require.Nil(t, consumer.User)

	// Merge semantics: creating again is not an error and does not reset state.
	_, err = ds.IncrementConsumerGeneration(ctx, consumerUUID, 0)
	require.NoError(t, err)
	require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: consumerUUID}))

	consumer, err = ds.GetConsumer(ctx, consumerUUID)
	require.NoError(t, err)
	require.Equal(t, int64(1), consumer.Generation)

	// Ownership shows up on reads once related.
	projectUUID, userUUID := uuid.NewString(), uuid.NewString()
	require.NoError(t, ds.CreateProject(ctx, &types.Project{UUID: projectUUID}))
	require.NoError(t, ds.CreateUser(ctx, &types.User{UUID: userUUID}))
	require.NoError(t, ds.RelateProjectAndUser(ctx, projectUUID, userUUID, consumerUUID))

	consumer, err = ds.GetConsumer(ctx, consumerUUID)
	require.NoError(t, err)
	require.NotNil(t, consumer.Project)
	require.Equal(t, projectUUID, consumer.Project.UUID)
	require.NotNil(t, consumer.User)
	require.Equal(t, userUUID, consumer.User.UUID)
}

func ConsumerGenerationTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	consumerUUID := uuid.NewString()
	require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: consumerUUID}))

	gen, err := ds.IncrementConsumerGeneration(ctx, consumerUUID, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)

	// A stale caller loses the race.
	_, err = ds.IncrementConsumerGeneration(ctx, consumerUUID, 0)
	require.ErrorIs(t, err, storage.ErrConcurrentUpdate)

	// Missing consumers are not a concurrency conflict.
	_, err = ds.IncrementConsumerGeneration(ctx, uuid.NewString(), 0)
	require.ErrorIs(t, err, storage.ErrNotFound)

	gen, err = ds.IncrementConsumerGeneration(ctx, consumerUUID, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), gen)
}

func UpdateConsumerOwnerTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	projectUUID, userUUID := uuid.NewString(), uuid.NewString()
	consumer := testfixtures.EnsureConsumer(t, ds, projectUUID, userUUID, "")

	otherUser := uuid.NewString()
	require.NoError(t, ds.CreateUser(ctx, &types.User{UUID: otherUser}))

	// A stale generation must not swap owners.
	err := ds.UpdateConsumerOwner(ctx, consumer.UUID, consumer.Generation+1, otherUser)
	require.ErrorIs(t, err, storage.ErrConcurrentUpdate)

	require.NoError(t, ds.UpdateConsumerOwner(ctx, consumer.UUID, consumer.Generation, otherUser))

	got, err := ds.GetConsumer(ctx, consumer.UUID)
	require.NoError(t, err)
	require.NotNil(t, got.User)
	require.Equal(t, otherUser, got.User.UUID)
	// Owner swaps never touch the generation.
	require.Equal(t, consumer.Generation, got.Generation)

	// An empty user drops ownership entirely.
	require.NoError(t, ds.UpdateConsumerOwner(ctx, consumer.UUID, consumer.Generation, ""))
	got, err = ds.GetConsumer(ctx, consumer.UUID)
	require.NoError(t, err)
	require.Nil(t, got.User)
}

func ConditionalConsumerDeleteTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	projectUUID, userUUID := uuid.NewString(), uuid.NewString()

	rp := testfixtures.CreateProvider(t, ds, "conditional-delete-rp", "")
	testfixtures.AddInventory(t, ds, rp, "DISK_GB", 100)

	allocated := testfixtures.EnsureConsumer(t, ds, projectUUID, userUUID, "")
	testfixtures.SetAllocation(t, ds, rp, allocated, map[string]int64{"DISK_GB": 5})

	empty := testfixtures.EnsureConsumer(t, ds, projectUUID, userUUID, "")

	deleted, err := ds.DeleteConsumersIfNoAllocations(ctx, []string{allocated.UUID, empty.UUID, uuid.NewString()})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	// The consumer with live allocations survives.
	_, err = ds.GetConsumer(ctx, allocated.UUID)
	require.NoError(t, err)

	_, err = ds.GetConsumer(ctx, empty.UUID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func ForcedConsumerDeleteTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	projectUUID, userUUID := uuid.NewString(), uuid.NewString()

	rp := testfixtures.CreateProvider(t, ds, "forced-delete-rp", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 16)

	consumer := testfixtures.EnsureConsumer(t, ds, projectUUID, userUUID, "")
	testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"VCPU": 2})

	// Forced delete detaches allocations and edges along with the node.
	require.NoError(t, ds.DeleteConsumer(ctx, consumer.UUID))

	_, err := ds.GetConsumer(ctx, consumer.UUID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	count, err := ds.CountAllocations(ctx, consumer.UUID)
	require.NoError(t, err)
	require.Zero(t, count)

	// The provider's capacity is freed again.
	anchors, err := ds.CandidatesForResourceClass(ctx, "VCPU", 16)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
}

func EnsureIncompleteConsumersTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	incompleteProject, incompleteUser := uuid.NewString(), uuid.NewString()
	require.NoError(t, ds.CreateProject(ctx, &types.Project{UUID: incompleteProject}))
	require.NoError(t, ds.CreateUser(ctx, &types.User{UUID: incompleteUser}))

	// One owned consumer, two orphans.
	owned := testfixtures.EnsureConsumer(t, ds, uuid.NewString(), uuid.NewString(), "")
	orphanA, orphanB := uuid.NewString(), uuid.NewString()
	require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: orphanA}))
	require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: orphanB}))

	repaired, err := ds.EnsureIncompleteConsumers(ctx, incompleteProject, incompleteUser, 0)
	require.NoError(t, err)
	require.Equal(t, 2, repaired)

	for _, orphan := range []string{orphanA, orphanB} {
		consumer, err := ds.GetConsumer(ctx, orphan)
		require.NoError(t, err)
		require.NotNil(t, consumer.User)
		require.Equal(t, incompleteUser, consumer.User.UUID)
		require.NotNil(t, consumer.Project)
		require.Equal(t, incompleteProject, consumer.Project.UUID)
	}

	// The consumer with a real owner is left alone.
	got, err := ds.GetConsumer(ctx, owned.UUID)
	require.NoError(t, err)
	require.Equal(t, owned.User.UUID, got.User.UUID)

	// Idempotent: a second run repairs nothing and duplicates no edges.
	repaired, err = ds.EnsureIncompleteConsumers(ctx, incompleteProject, incompleteUser, 0)
	require.NoError(t, err)
	require.Zero(t, repaired)
}
