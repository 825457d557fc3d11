package commands

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/placer-project/placer/pkg/logger"
	serverErrors "github.com/placer-project/placer/pkg/server/errors"
	"github.com/placer-project/placer/pkg/storage"
)

// DeleteConsumerRequest removes a consumer. Force skips the zero-allocation
// guard and detaches everything, the admin path.
type DeleteConsumerRequest struct {
	ConsumerUUID string
	Force        bool
}

// DeleteConsumerCommand removes consumers, conditionally or by force.
type DeleteConsumerCommand struct {
	datastore storage.PlacerDatastore
	logger    logger.Logger
}

// NewDeleteConsumerCommand constructs the command.
func NewDeleteConsumerCommand(
	datastore storage.PlacerDatastore,
	logger logger.Logger,
) *DeleteConsumerCommand {
	return &DeleteConsumerCommand{
		datastore: datastore,
		logger:    logger,
	}
}

func (c *DeleteConsumerCommand) Execute(ctx context.Context, req *DeleteConsumerRequest) error {
	if req.Force {
		if err := c.datastore.DeleteConsumer(ctx, req.ConsumerUUID); err != nil {
			return serverErrors.HandleError("delete consumer", err)
		}
		c.logger.Info("force-deleted consumer", zap.String("consumer", req.ConsumerUUID))
		return nil
	}

	deleted, err := c.datastore.DeleteConsumersIfNoAllocations(ctx, []string{req.ConsumerUUID})
	if err != nil {
		return serverErrors.HandleError("delete consumer", err)
	}
	if deleted == 1 {
		return nil
	}

	// Nothing was deleted: either the consumer is gone already or it still
	// holds allocations.
	if _, err := c.datastore.GetConsumer(ctx, req.ConsumerUUID); err != nil {
		return err
	}
	return fmt.Errorf("consumer %s: %w", req.ConsumerUUID, serverErrors.ErrConsumerHasAllocations)
}

// PruneConsumers deletes every listed consumer that no longer holds
// allocations, returning how many went away. Missing consumers are skipped.
func (c *DeleteConsumerCommand) PruneConsumers(ctx context.Context, uuids []string) (int, error) {
	deleted, err := c.datastore.DeleteConsumersIfNoAllocations(ctx, uuids)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, serverErrors.HandleError("prune consumers", err)
	}
	if deleted > 0 {
		c.logger.Info("pruned allocation-free consumers", zap.Int("deleted", deleted))
	}
	return deleted, nil
}
