package commands

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/logger"
	"github.com/placer-project/placer/pkg/storage/memory"
	"github.com/placer-project/placer/pkg/testfixtures"
	"github.com/placer-project/placer/pkg/types"
)

const incompleteUUID = "00000000-0000-0000-0000-000000000000"

func TestEnsureIncompleteOwners(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	// One consumer with a proper chain, three orphans.
	owned := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, "")
	orphans := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		require.NoError(t, ds.CreateConsumer(ctx, &types.Consumer{UUID: id}))
		orphans = append(orphans, id)
	}

	cmd := NewEnsureIncompleteOwnersCommand(ds, logger.NewNoopLogger(),
		incompleteUUID, incompleteUUID, 2)

	repaired, err := cmd.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, repaired)

	repaired, err = cmd.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	// The backlog is drained.
	repaired, err = cmd.Execute(ctx)
	require.NoError(t, err)
	require.Zero(t, repaired)

	for _, id := range orphans {
		consumer, err := ds.GetConsumer(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, consumer.Project)
		require.Equal(t, incompleteUUID, consumer.Project.UUID)
		require.Equal(t, incompleteUUID, consumer.User.UUID)
	}

	// The properly owned consumer is untouched.
	consumer, err := ds.GetConsumer(ctx, owned.UUID)
	require.NoError(t, err)
	require.Equal(t, testUserUUID, consumer.User.UUID)

	project, err := ds.GetProject(ctx, incompleteUUID)
	require.NoError(t, err)
	require.Equal(t, "incomplete", project.ExternalID)
}
