package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/logger"
	serverErrors "github.com/placer-project/placer/pkg/server/errors"
	"github.com/placer-project/placer/pkg/storage/memory"
)

func TestRelateOwnership(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	cmd := NewRelateOwnershipCommand(ds, logger.NewNoopLogger())

	t.Run("rejects_invalid_uuid", func(t *testing.T) {
		_, err := cmd.Execute(ctx, &RelateOwnershipRequest{
			ProjectUUID:  testProjectUUID,
			UserUUID:     "not-a-uuid",
			ConsumerUUID: testConsumerUUID,
		})
		require.ErrorIs(t, err, serverErrors.ErrInvalidUUID)
	})

	t.Run("creates_chain_lazily", func(t *testing.T) {
		resp, err := cmd.Execute(ctx, &RelateOwnershipRequest{
			ProjectUUID:  testProjectUUID,
			UserUUID:     testUserUUID,
			ConsumerUUID: testConsumerUUID,
		})
		require.NoError(t, err)
		require.Equal(t, testConsumerUUID, resp.Consumer.UUID)
		require.Equal(t, testProjectUUID, resp.Consumer.Project.UUID)
		require.Equal(t, testUserUUID, resp.Consumer.User.UUID)

		project, err := ds.GetProject(ctx, testProjectUUID)
		require.NoError(t, err)
		require.Equal(t, testProjectUUID, project.UUID)
		user, err := ds.GetUser(ctx, testUserUUID)
		require.NoError(t, err)
		require.Equal(t, testUserUUID, user.UUID)
	})

	t.Run("idempotent", func(t *testing.T) {
		resp, err := cmd.Execute(ctx, &RelateOwnershipRequest{
			ProjectUUID:  testProjectUUID,
			UserUUID:     testUserUUID,
			ConsumerUUID: testConsumerUUID,
		})
		require.NoError(t, err)
		require.Equal(t, testUserUUID, resp.Consumer.User.UUID)
	})

	t.Run("moves_consumer_to_new_owner", func(t *testing.T) {
		otherUser := "44444444-4444-4444-4444-444444444444"
		resp, err := cmd.Execute(ctx, &RelateOwnershipRequest{
			ProjectUUID:  testProjectUUID,
			UserUUID:     otherUser,
			ConsumerUUID: testConsumerUUID,
		})
		require.NoError(t, err)
		require.Equal(t, otherUser, resp.Consumer.User.UUID)
		require.Equal(t, testProjectUUID, resp.Consumer.Project.UUID)
	})
}
