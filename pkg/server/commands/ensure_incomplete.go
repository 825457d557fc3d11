package commands

import (
	"context"

	"go.uber.org/zap"

	"github.com/placer-project/placer/pkg/logger"
	serverErrors "github.com/placer-project/placer/pkg/server/errors"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/types"
)

// EnsureIncompleteOwnersCommand attaches the well-known incomplete project
// and user to consumers that lost their ownership chain, in bounded batches.
type EnsureIncompleteOwnersCommand struct {
	datastore   storage.PlacerDatastore
	logger      logger.Logger
	projectUUID string
	userUUID    string
	batchSize   int
}

// NewEnsureIncompleteOwnersCommand constructs the command around the two
// sentinel UUIDs.
func NewEnsureIncompleteOwnersCommand(
	datastore storage.PlacerDatastore,
	logger logger.Logger,
	projectUUID, userUUID string,
	batchSize int,
) *EnsureIncompleteOwnersCommand {
	return &EnsureIncompleteOwnersCommand{
		datastore:   datastore,
		logger:      logger,
		projectUUID: projectUUID,
		userUUID:    userUUID,
		batchSize:   batchSize,
	}
}

// Execute repairs up to one batch of ownerless consumers and returns how many
// were repaired. Running it to a zero return drains the backlog.
func (c *EnsureIncompleteOwnersCommand) Execute(ctx context.Context) (int, error) {
	if err := c.datastore.CreateProject(ctx, &types.Project{UUID: c.projectUUID, ExternalID: "incomplete"}); err != nil {
		return 0, serverErrors.HandleError("create incomplete project", err)
	}
	if err := c.datastore.CreateUser(ctx, &types.User{UUID: c.userUUID, ExternalID: "incomplete"}); err != nil {
		return 0, serverErrors.HandleError("create incomplete user", err)
	}

	repaired, err := c.datastore.EnsureIncompleteConsumers(ctx, c.projectUUID, c.userUUID, c.batchSize)
	if err != nil {
		return 0, serverErrors.HandleError("ensure incomplete consumers", err)
	}
	if repaired > 0 {
		c.logger.Info("attached incomplete owners",
			zap.Int("repaired", repaired),
			zap.String("project", c.projectUUID),
			zap.String("user", c.userUUID),
		)
	}
	return repaired, nil
}
