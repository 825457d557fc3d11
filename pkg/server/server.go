// Package server implements the placer service backend.
package server

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/placer-project/placer/internal/build"
	"github.com/placer-project/placer/pkg/logger"
	"github.com/placer-project/placer/pkg/server/commands"
	serverconfig "github.com/placer-project/placer/pkg/server/config"
	"github.com/placer-project/placer/pkg/storage"
)

var tracer = otel.Tracer("placer/pkg/server")

var (
	resolveCandidatesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "resolve_candidates_total",
		Help:      "The total number of allocation candidate resolutions.",
	})

	allocationConflictCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "allocation_write_conflicts_total",
		Help:      "The total number of allocation writes that lost a consumer generation race.",
	})
)

// A Server answers candidate resolution, allocation and ownership requests
// against the supplied datastore.
type Server struct {
	logger    logger.Logger
	datastore storage.PlacerDatastore
	config    *Config
}

// Dependencies groups the collaborators a Server needs.
type Dependencies struct {
	Datastore storage.PlacerDatastore
	Logger    logger.Logger
}

// Config carries the request-handling knobs of the server.
type Config struct {
	// IncompleteProjectUUID and IncompleteUserUUID are the sentinel owners
	// attached to consumers without an ownership chain.
	IncompleteProjectUUID string
	IncompleteUserUUID    string

	// IncompleteBatchSize bounds one ownership-repair pass.
	IncompleteBatchSize int

	// MaxConflictRetries bounds the allocation-write retry loop.
	MaxConflictRetries int
}

// NewConfig derives the server knobs from the full runtime configuration.
func NewConfig(cfg *serverconfig.Config) *Config {
	return &Config{
		IncompleteProjectUUID: cfg.IncompleteProjectUUID,
		IncompleteUserUUID:    cfg.IncompleteUserUUID,
		IncompleteBatchSize:   cfg.IncompleteBatchSize,
		MaxConflictRetries:    cfg.MaxConflictRetries,
	}
}

// New creates a new Server which uses the supplied backends for managing
// data.
func New(dependencies *Dependencies, config *Config) *Server {
	return &Server{
		logger:    dependencies.Logger,
		datastore: dependencies.Datastore,
		config:    config,
	}
}

// ResolveCandidates reports the provider trees able to satisfy every resource
// class of the request.
func (s *Server) ResolveCandidates(ctx context.Context, req *commands.ResolveCandidatesRequest) (*commands.ResolveCandidatesResponse, error) {
	ctx, span := tracer.Start(ctx, "ResolveCandidates")
	defer span.End()

	resolveCandidatesCounter.Inc()

	c := commands.NewResolveCandidatesCommand(s.datastore, s.logger)
	return c.Execute(ctx, req)
}

// ReplaceAllocations swaps the consumer's allocation set under its generation
// guard, creating the consumer and its ownership chain on first use.
func (s *Server) ReplaceAllocations(ctx context.Context, req *commands.ReplaceAllocationsRequest) (*commands.ReplaceAllocationsResponse, error) {
	ctx, span := tracer.Start(ctx, "ReplaceAllocations")
	defer span.End()

	c := commands.NewReplaceAllocationsCommand(s.datastore, s.logger,
		commands.WithMaxConflictRetries(s.config.MaxConflictRetries),
		commands.WithConflictHook(allocationConflictCounter.Inc),
	)
	return c.Execute(ctx, req)
}

// RelateOwnership establishes the project to user to consumer chain, creating
// any of the three lazily.
func (s *Server) RelateOwnership(ctx context.Context, req *commands.RelateOwnershipRequest) (*commands.RelateOwnershipResponse, error) {
	ctx, span := tracer.Start(ctx, "RelateOwnership")
	defer span.End()

	c := commands.NewRelateOwnershipCommand(s.datastore, s.logger)
	return c.Execute(ctx, req)
}

// DeleteConsumer removes a consumer, refusing when it still holds allocations
// unless forced.
func (s *Server) DeleteConsumer(ctx context.Context, req *commands.DeleteConsumerRequest) error {
	ctx, span := tracer.Start(ctx, "DeleteConsumer")
	defer span.End()

	c := commands.NewDeleteConsumerCommand(s.datastore, s.logger)
	return c.Execute(ctx, req)
}

// PruneConsumers deletes every listed consumer that no longer holds
// allocations and returns how many were removed.
func (s *Server) PruneConsumers(ctx context.Context, uuids []string) (int, error) {
	ctx, span := tracer.Start(ctx, "PruneConsumers")
	defer span.End()

	c := commands.NewDeleteConsumerCommand(s.datastore, s.logger)
	return c.PruneConsumers(ctx, uuids)
}

// EnsureIncompleteOwners attaches the well-known incomplete project and user
// to one batch of ownerless consumers.
func (s *Server) EnsureIncompleteOwners(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "EnsureIncompleteOwners")
	defer span.End()

	c := commands.NewEnsureIncompleteOwnersCommand(s.datastore, s.logger,
		s.config.IncompleteProjectUUID, s.config.IncompleteUserUUID,
		s.config.IncompleteBatchSize)
	return c.Execute(ctx)
}

// IsReady reports whether this placer server instance is ready to accept
// traffic. For now readiness depends only on the datastore.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	status, err := s.datastore.IsReady(ctx)
	if err != nil {
		return false, err
	}
	if !status.IsReady && status.Message != "" {
		s.logger.Warn("datastore is not ready", zap.String("message", status.Message))
	}
	return status.IsReady, nil
}
