package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/placer-project/placer/pkg/logger"
	serverErrors "github.com/placer-project/placer/pkg/server/errors"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/types"
)

// DefaultMaxConflictRetries bounds how often a losing writer re-runs the
// read-modify-write cycle before giving up.
const DefaultMaxConflictRetries = 4

// ReplaceAllocationsRequest swaps the consumer's allocation set. The project
// and user identify the owner for lazy consumer creation on first write.
type ReplaceAllocationsRequest struct {
	ConsumerUUID string
	ProjectUUID  string
	UserUUID     string
	Allocations  []types.Allocation
}

// ReplaceAllocationsResponse reports the consumer's generation after the swap.
type ReplaceAllocationsResponse struct {
	Generation int64
}

// ReplaceAllocationsCommand performs the generation-guarded allocation swap,
// retrying the whole read-modify-write cycle when another writer got in
// between.
type ReplaceAllocationsCommand struct {
	datastore  storage.PlacerDatastore
	logger     logger.Logger
	maxRetries int

	// onConflict, when set, is invoked once per lost generation race.
	onConflict func()
}

// ReplaceAllocationsOption configures the command.
type ReplaceAllocationsOption func(*ReplaceAllocationsCommand)

// WithMaxConflictRetries overrides the retry bound.
func WithMaxConflictRetries(n int) ReplaceAllocationsOption {
	return func(c *ReplaceAllocationsCommand) {
		c.maxRetries = n
	}
}

// WithConflictHook registers a callback fired on every lost generation race,
// used for conflict metrics.
func WithConflictHook(fn func()) ReplaceAllocationsOption {
	return func(c *ReplaceAllocationsCommand) {
		c.onConflict = fn
	}
}

// NewReplaceAllocationsCommand constructs the command.
func NewReplaceAllocationsCommand(
	datastore storage.PlacerDatastore,
	logger logger.Logger,
	opts ...ReplaceAllocationsOption,
) *ReplaceAllocationsCommand {
	cmd := &ReplaceAllocationsCommand{
		datastore:  datastore,
		logger:     logger,
		maxRetries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(cmd)
	}
	return cmd
}

func (c *ReplaceAllocationsCommand) Execute(ctx context.Context, req *ReplaceAllocationsRequest) (*ReplaceAllocationsResponse, error) {
	var generation int64

	operation := func() error {
		consumer, err := c.ensureConsumer(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}

		err = c.datastore.ReplaceAllocations(ctx, consumer.UUID, consumer.Generation, req.Allocations)
		if err != nil {
			if errors.Is(err, storage.ErrConcurrentUpdate) {
				if c.onConflict != nil {
					c.onConflict()
				}
				c.logger.Debug("lost generation race, retrying allocation swap",
					zap.String("consumer", consumer.UUID),
					zap.Int64("generation", consumer.Generation),
				)
				return err
			}
			return backoff.Permanent(err)
		}

		generation = consumer.Generation + 1
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newConflictBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, storage.ErrConcurrentUpdate) {
			return nil, fmt.Errorf("consumer %s: %w", req.ConsumerUUID, serverErrors.ErrConflictRetriesExhausted)
		}
		return nil, err
	}

	return &ReplaceAllocationsResponse{Generation: generation}, nil
}

// ensureConsumer reads the consumer, creating it with its ownership chain on
// first use.
func (c *ReplaceAllocationsCommand) ensureConsumer(ctx context.Context, req *ReplaceAllocationsRequest) (*types.Consumer, error) {
	consumer, err := c.datastore.GetConsumer(ctx, req.ConsumerUUID)
	if err == nil {
		return consumer, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	relate := NewRelateOwnershipCommand(c.datastore, c.logger)
	resp, err := relate.Execute(ctx, &RelateOwnershipRequest{
		ProjectUUID:  req.ProjectUUID,
		UserUUID:     req.UserUUID,
		ConsumerUUID: req.ConsumerUUID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Consumer, nil
}

// newConflictBackOff keeps the retry delays short: generation races resolve
// as soon as the competing transaction commits.
func newConflictBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	return policy
}
