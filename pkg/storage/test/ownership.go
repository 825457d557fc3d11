package test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/types"
)

func RelateProjectAndUserTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	projectUUID, userUUID, consumerUUID := uuid.NewString(), uuid.NewString(), uuid.NewString()
	require.NoError(t, ds.CreateProject(ctx, &types.Project{UUID: projectUUID}))
	require.NoError(t, ds.CreateUser(ctx, &types.User{UUID: userUUID}))
	require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: consumerUUID}))

	// Relating twice with identical arguments leaves exactly one chain.
	require.NoError(t, ds.RelateProjectAndUser(ctx, projectUUID, userUUID, consumerUUID))
	require.NoError(t, ds.RelateProjectAndUser(ctx, projectUUID, userUUID, consumerUUID))

	consumer, err := ds.GetConsumer(ctx, consumerUUID)
	require.NoError(t, err)
	require.Equal(t, userUUID, consumer.User.UUID)
	require.Equal(t, projectUUID, consumer.Project.UUID)

	// Re-relating under a different project and user replaces the old
	// edges: an owned entity keeps at most one owner.
	otherProject, otherUser := uuid.NewString(), uuid.NewString()
	require.NoError(t, ds.CreateProject(ctx, &types.Project{UUID: otherProject}))
	require.NoError(t, ds.CreateUser(ctx, &types.User{UUID: otherUser}))
	require.NoError(t, ds.RelateProjectAndUser(ctx, otherProject, otherUser, consumerUUID))

	consumer, err = ds.GetConsumer(ctx, consumerUUID)
	require.NoError(t, err)
	require.Equal(t, otherUser, consumer.User.UUID)
	require.Equal(t, otherProject, consumer.Project.UUID)

	// A second consumer under the same user reuses the existing chain.
	secondConsumer := uuid.NewString()
	require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: secondConsumer}))
	require.NoError(t, ds.RelateProjectAndUser(ctx, otherProject, otherUser, secondConsumer))

	consumer, err = ds.GetConsumer(ctx, secondConsumer)
	require.NoError(t, err)
	require.Equal(t, otherUser, consumer.User.UUID)
	require.Equal(t, otherProject, consumer.Project.UUID)
}
