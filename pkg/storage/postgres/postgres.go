package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/placer-project/placer/internal/build"
	"github.com/placer-project/placer/pkg/logger"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/storage/sqlcommon"
	"github.com/placer-project/placer/pkg/types"
)

var tracer = otel.Tracer("placer/pkg/storage/postgres")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postgres."+name)
}

// Datastore provides a PostgreSQL based implementation of [storage.PlacerDatastore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	dbInfo           *sqlcommon.DBInfo
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

// Ensures that Datastore implements the PlacerDatastore interface.
var _ storage.PlacerDatastore = (*Datastore)(nil)

// initDB initializes a new postgres database connection.
func initDB(uri string, cfg *sqlcommon.Config) (*sql.DB, error) {
	if cfg.Username != "" || cfg.Password != "" {
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parse postgres connection uri: %w", err)
		}

		username := ""
		if cfg.Username != "" {
			username = cfg.Username
		} else if parsed.User != nil {
			username = parsed.User.Username()
		}

		switch {
		case cfg.Password != "":
			parsed.User = url.UserPassword(username, cfg.Password)
		case parsed.User != nil:
			if password, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(username, password)
			} else {
				parsed.User = url.User(username)
			}
		default:
			parsed.User = url.User(username)
		}

		uri = parsed.String()
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	db, err := initDB(uri, cfg)
	if err != nil {
		return nil, err
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	stbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "postgres")

	return &Datastore{
		stbl:             stbl,
		db:               db,
		dbInfo:           dbInfo,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.PlacerDatastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// IsReady see [storage.PlacerDatastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	return sqlcommon.IsReady(ctx, false, s.db)
}

// GetConsumer see [storage.ConsumerBackend].GetConsumer.
func (s *Datastore) GetConsumer(ctx context.Context, uuid string) (*types.Consumer, error) {
	ctx, span := startTrace(ctx, "GetConsumer")
	defer span.End()

	return sqlcommon.GetConsumer(ctx, s.dbInfo, uuid)
}

// CreateConsumer see [storage.ConsumerBackend].CreateConsumer.
func (s *Datastore) CreateConsumer(ctx context.Context, consumer *types.Consumer) error {
	ctx, span := startTrace(ctx, "CreateConsumer")
	defer span.End()

	return sqlcommon.CreateConsumer(ctx, s.dbInfo, consumer, time.Now().UTC())
}

// UpdateConsumerOwner see [storage.ConsumerBackend].UpdateConsumerOwner.
func (s *Datastore) UpdateConsumerOwner(ctx context.Context, consumerUUID string, generation int64, userUUID string) error {
	ctx, span := startTrace(ctx, "UpdateConsumerOwner")
	defer span.End()

	return sqlcommon.UpdateConsumerOwner(ctx, s.dbInfo, consumerUUID, generation, userUUID, time.Now().UTC())
}

// IncrementConsumerGeneration see [storage.ConsumerBackend].IncrementConsumerGeneration.
func (s *Datastore) IncrementConsumerGeneration(ctx context.Context, uuid string, current int64) (int64, error) {
	ctx, span := startTrace(ctx, "IncrementConsumerGeneration")
	defer span.End()

	return sqlcommon.IncrementConsumerGeneration(ctx, s.dbInfo, uuid, current, time.Now().UTC())
}

// DeleteConsumer see [storage.ConsumerBackend].DeleteConsumer.
func (s *Datastore) DeleteConsumer(ctx context.Context, uuid string) error {
	ctx, span := startTrace(ctx, "DeleteConsumer")
	defer span.End()

	return sqlcommon.DeleteConsumer(ctx, s.dbInfo, uuid, time.Now().UTC())
}

// DeleteConsumersIfNoAllocations see [storage.ConsumerBackend].DeleteConsumersIfNoAllocations.
func (s *Datastore) DeleteConsumersIfNoAllocations(ctx context.Context, uuids []string) (int, error) {
	ctx, span := startTrace(ctx, "DeleteConsumersIfNoAllocations")
	defer span.End()

	return sqlcommon.DeleteConsumersIfNoAllocations(ctx, s.dbInfo, uuids)
}

// EnsureIncompleteConsumers see [storage.ConsumerBackend].EnsureIncompleteConsumers.
func (s *Datastore) EnsureIncompleteConsumers(ctx context.Context, projectUUID, userUUID string, batchSize int) (int, error) {
	ctx, span := startTrace(ctx, "EnsureIncompleteConsumers")
	defer span.End()

	return sqlcommon.EnsureIncompleteConsumers(ctx, s.dbInfo, projectUUID, userUUID, batchSize, time.Now().UTC())
}

// CreateProject see [storage.OwnershipBackend].CreateProject.
func (s *Datastore) CreateProject(ctx context.Context, project *types.Project) error {
	ctx, span := startTrace(ctx, "CreateProject")
	defer span.End()

	return sqlcommon.CreateProject(ctx, s.dbInfo, project, time.Now().UTC())
}

// GetProject see [storage.OwnershipBackend].GetProject.
func (s *Datastore) GetProject(ctx context.Context, uuid string) (*types.Project, error) {
	ctx, span := startTrace(ctx, "GetProject")
	defer span.End()

	return sqlcommon.GetProject(ctx, s.dbInfo, uuid)
}

// CreateUser see [storage.OwnershipBackend].CreateUser.
func (s *Datastore) CreateUser(ctx context.Context, user *types.User) error {
	ctx, span := startTrace(ctx, "CreateUser")
	defer span.End()

	return sqlcommon.CreateUser(ctx, s.dbInfo, user, time.Now().UTC())
}

// GetUser see [storage.OwnershipBackend].GetUser.
func (s *Datastore) GetUser(ctx context.Context, uuid string) (*types.User, error) {
	ctx, span := startTrace(ctx, "GetUser")
	defer span.End()

	return sqlcommon.GetUser(ctx, s.dbInfo, uuid)
}

// RelateProjectAndUser see [storage.OwnershipBackend].RelateProjectAndUser.
func (s *Datastore) RelateProjectAndUser(ctx context.Context, projectUUID, userUUID, consumerUUID string) error {
	ctx, span := startTrace(ctx, "RelateProjectAndUser")
	defer span.End()

	return sqlcommon.RelateProjectAndUser(ctx, s.dbInfo, projectUUID, userUUID, consumerUUID, time.Now().UTC())
}

// CreateProvider see [storage.ProviderBackend].CreateProvider.
func (s *Datastore) CreateProvider(ctx context.Context, provider *types.ResourceProvider) error {
	ctx, span := startTrace(ctx, "CreateProvider")
	defer span.End()

	return sqlcommon.CreateProvider(ctx, s.dbInfo, provider, time.Now().UTC())
}

// GetProvider see [storage.ProviderBackend].GetProvider.
func (s *Datastore) GetProvider(ctx context.Context, uuid string) (*types.ResourceProvider, error) {
	ctx, span := startTrace(ctx, "GetProvider")
	defer span.End()

	return sqlcommon.GetProvider(ctx, s.dbInfo, uuid)
}

// SetInventory see [storage.ProviderBackend].SetInventory.
func (s *Datastore) SetInventory(ctx context.Context, providerUUID string, inventories []types.Inventory) error {
	ctx, span := startTrace(ctx, "SetInventory")
	defer span.End()

	return sqlcommon.SetInventory(ctx, s.dbInfo, providerUUID, inventories, time.Now().UTC())
}

// CandidatesForResourceClass see [storage.ProviderBackend].CandidatesForResourceClass.
func (s *Datastore) CandidatesForResourceClass(ctx context.Context, resourceClass string, amount int64) ([]storage.ProviderAnchor, error) {
	ctx, span := startTrace(ctx, "CandidatesForResourceClass")
	defer span.End()

	return sqlcommon.CandidatesForResourceClass(ctx, s.dbInfo, resourceClass, amount)
}

// ReplaceAllocations see [storage.AllocationBackend].ReplaceAllocations.
func (s *Datastore) ReplaceAllocations(ctx context.Context, consumerUUID string, generation int64, allocations []types.Allocation) error {
	ctx, span := startTrace(ctx, "ReplaceAllocations")
	defer span.End()

	return sqlcommon.ReplaceAllocations(ctx, s.dbInfo, consumerUUID, generation, allocations, time.Now().UTC())
}

// ListAllocations see [storage.AllocationBackend].ListAllocations.
func (s *Datastore) ListAllocations(ctx context.Context, consumerUUID string) ([]types.Allocation, error) {
	ctx, span := startTrace(ctx, "ListAllocations")
	defer span.End()

	return sqlcommon.ListAllocations(ctx, s.dbInfo, consumerUUID)
}

// CountAllocations see [storage.AllocationBackend].CountAllocations.
func (s *Datastore) CountAllocations(ctx context.Context, consumerUUID string) (int, error) {
	ctx, span := startTrace(ctx, "CountAllocations")
	defer span.End()

	return sqlcommon.CountAllocations(ctx, s.dbInfo, consumerUUID)
}

// ReadChanges see [storage.ChangelogBackend].ReadChanges.
func (s *Datastore) ReadChanges(ctx context.Context, options storage.PaginationOptions) ([]*storage.AllocationChange, string, error) {
	ctx, span := startTrace(ctx, "ReadChanges")
	defer span.End()

	return sqlcommon.ReadChanges(ctx, s.dbInfo, options)
}

// HandleSQLError processes specific errors of the postgres driver into the
// storage taxonomy.
func HandleSQLError(err error, _ ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if strings.Contains(err.Error(), "duplicate key value") {
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}
