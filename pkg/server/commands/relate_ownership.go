package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/placer-project/placer/pkg/logger"
	serverErrors "github.com/placer-project/placer/pkg/server/errors"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/types"
)

// RelateOwnershipRequest names the full chain to establish.
type RelateOwnershipRequest struct {
	ProjectUUID  string
	UserUUID     string
	ConsumerUUID string
}

// RelateOwnershipResponse returns the consumer with its resolved owners.
type RelateOwnershipResponse struct {
	Consumer *types.Consumer
}

// RelateOwnershipCommand lazily creates the project, user and consumer rows
// and establishes project→user→consumer.
type RelateOwnershipCommand struct {
	datastore storage.PlacerDatastore
	logger    logger.Logger
}

// NewRelateOwnershipCommand constructs the command.
func NewRelateOwnershipCommand(
	datastore storage.PlacerDatastore,
	logger logger.Logger,
) *RelateOwnershipCommand {
	return &RelateOwnershipCommand{
		datastore: datastore,
		logger:    logger,
	}
}

func (c *RelateOwnershipCommand) Execute(ctx context.Context, req *RelateOwnershipRequest) (*RelateOwnershipResponse, error) {
	for _, id := range []string{req.ProjectUUID, req.UserUUID, req.ConsumerUUID} {
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%q: %w", id, serverErrors.ErrInvalidUUID)
		}
	}

	if err := c.datastore.CreateProject(ctx, &types.Project{UUID: req.ProjectUUID}); err != nil {
		return nil, serverErrors.HandleError("create project", err)
	}
	if err := c.datastore.CreateUser(ctx, &types.User{UUID: req.UserUUID}); err != nil {
		return nil, serverErrors.HandleError("create user", err)
	}

	if _, err := c.datastore.GetConsumer(ctx, req.ConsumerUUID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err := c.datastore.CreateConsumer(ctx, &types.Consumer{UUID: req.ConsumerUUID}); err != nil {
			return nil, serverErrors.HandleError("create consumer", err)
		}
	}

	if err := c.datastore.RelateProjectAndUser(ctx, req.ProjectUUID, req.UserUUID, req.ConsumerUUID); err != nil {
		return nil, serverErrors.HandleError("relate ownership", err)
	}

	consumer, err := c.datastore.GetConsumer(ctx, req.ConsumerUUID)
	if err != nil {
		return nil, err
	}
	return &RelateOwnershipResponse{Consumer: consumer}, nil
}
