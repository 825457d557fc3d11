package sqlcommon

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"

	"github.com/placer-project/placer/pkg/id"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/types"
)

// GetConsumer reads one consumer and resolves its ownership chain through the
// owns edges in a single query.
func GetConsumer(ctx context.Context, dbInfo *DBInfo, uuid string) (*types.Consumer, error) {
	var rec storage.ConsumerRecord
	var userUUID, projectUUID sql.NullString

	err := dbInfo.stbl.
		Select(
			"c.uuid", "c.generation", "c.created_at", "c.updated_at",
			"uo.owner_uuid AS user_uuid", "po.owner_uuid AS project_uuid",
		).
		From("consumers c").
		LeftJoin("owns uo ON uo.owned_uuid = c.uuid AND uo.owned_kind = ?", storage.KindConsumer).
		LeftJoin("owns po ON po.owned_uuid = uo.owner_uuid AND po.owned_kind = ?", storage.KindUser).
		Where(sq.Eq{"c.uuid": uuid}).
		QueryRowContext(ctx).
		Scan(&rec.UUID, &rec.Generation, &rec.CreatedAt, &rec.UpdatedAt, &userUUID, &projectUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ConsumerNotFoundError(uuid)
		}
		return nil, dbInfo.HandleSQLError(err)
	}

	rec.UserUUID = userUUID.String
	rec.ProjectUUID = projectUUID.String
	return rec.AsConsumer(), nil
}

// CreateConsumer inserts a consumer row with merge semantics: a colliding
// insert is treated as the record already being present.
func CreateConsumer(ctx context.Context, dbInfo *DBInfo, consumer *types.Consumer, now time.Time) error {
	createdAt := consumer.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := consumer.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := dbInfo.stbl.
		Insert("consumers").
		Columns("uuid", "generation", "created_at", "updated_at").
		Values(consumer.UUID, consumer.Generation, createdAt, updatedAt).
		ExecContext(ctx)
	if err != nil {
		err = dbInfo.HandleSQLError(err)
		if errors.Is(err, storage.ErrCollision) {
			return nil
		}
		return err
	}
	return nil
}

// consumerGenerationMiss runs after a generation-matched update touched zero
// rows. It distinguishes a missing consumer from a stale generation.
func consumerGenerationMiss(ctx context.Context, dbInfo *DBInfo, stbl sq.StatementBuilderType, uuid string, expected int64) error {
	var generation int64
	err := stbl.
		Select("generation").
		From("consumers").
		Where(sq.Eq{"uuid": uuid}).
		QueryRowContext(ctx).
		Scan(&generation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ConsumerNotFoundError(uuid)
		}
		return dbInfo.HandleSQLError(err)
	}
	return storage.ConcurrentUpdateError(uuid, expected)
}

// mergeEdge inserts an ownership edge unless an identical one is present. A
// key collision means another writer won the merge, which is fine.
func mergeEdge(ctx context.Context, dbInfo *DBInfo, stbl sq.StatementBuilderType, ownerUUID, ownerKind, ownedUUID, ownedKind string, now time.Time) error {
	var count int
	err := stbl.
		Select("COUNT(*)").
		From("owns").
		Where(sq.Eq{
			"owner_uuid": ownerUUID,
			"owner_kind": ownerKind,
			"owned_uuid": ownedUUID,
			"owned_kind": ownedKind,
		}).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	if count > 0 {
		return nil
	}

	_, err = stbl.
		Insert("owns").
		Columns("owner_uuid", "owner_kind", "owned_uuid", "owned_kind", "inserted_at").
		Values(ownerUUID, ownerKind, ownedUUID, ownedKind, now).
		ExecContext(ctx)
	if err != nil {
		err = dbInfo.HandleSQLError(err)
		if errors.Is(err, storage.ErrCollision) {
			return nil
		}
		return err
	}
	return nil
}

// ownerOf returns the UUID of the ownerKind entity owning owned, or "".
func ownerOf(ctx context.Context, dbInfo *DBInfo, stbl sq.StatementBuilderType, ownedUUID, ownedKind, ownerKind string) (string, error) {
	var owner string
	err := stbl.
		Select("owner_uuid").
		From("owns").
		Where(sq.Eq{
			"owned_uuid": ownedUUID,
			"owned_kind": ownedKind,
			"owner_kind": ownerKind,
		}).
		QueryRowContext(ctx).
		Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", dbInfo.HandleSQLError(err)
	}
	return owner, nil
}

// UpdateConsumerOwner swaps or drops the user edge of a consumer matched by
// UUID and generation, leaving the generation untouched.
func UpdateConsumerOwner(ctx context.Context, dbInfo *DBInfo, consumerUUID string, generation int64, userUUID string, now time.Time) error {
	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stbl := dbInfo.stbl.RunWith(txn)

	res, err := stbl.
		Update("consumers").
		Set("updated_at", now).
		Where(sq.Eq{"uuid": consumerUUID, "generation": generation}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	if rowsAffected == 0 {
		return consumerGenerationMiss(ctx, dbInfo, stbl, consumerUUID, generation)
	}

	_, err = stbl.
		Delete("owns").
		Where(sq.Eq{"owned_uuid": consumerUUID, "owned_kind": storage.KindConsumer}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	if userUUID != "" {
		if err := mergeEdge(ctx, dbInfo, stbl, userUUID, storage.KindUser, consumerUUID, storage.KindConsumer, now); err != nil {
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// IncrementConsumerGeneration bumps the generation with a single conditional
// update and reports a stale caller through ErrConcurrentUpdate.
func IncrementConsumerGeneration(ctx context.Context, dbInfo *DBInfo, uuid string, current int64, now time.Time) (int64, error) {
	res, err := dbInfo.stbl.
		Update("consumers").
		Set("generation", current+1).
		Set("updated_at", now).
		Where(sq.Eq{"uuid": uuid, "generation": current}).
		ExecContext(ctx)
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	if rowsAffected == 0 {
		return 0, consumerGenerationMiss(ctx, dbInfo, dbInfo.stbl, uuid, current)
	}
	return current + 1, nil
}

// deleteConsumerTx removes a consumer with its edges and allocations inside
// an open transaction, logging allocation removals in the changelog.
func deleteConsumerTx(ctx context.Context, dbInfo *DBInfo, stbl sq.StatementBuilderType, uuid string, now time.Time) error {
	_, err := stbl.
		Delete("consumers").
		Where(sq.Eq{"uuid": uuid}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	_, err = stbl.
		Delete("owns").
		Where(sq.Eq{"owned_uuid": uuid, "owned_kind": storage.KindConsumer}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	rows, err := stbl.
		Select("provider_uuid", "resource_class", "used").
		From("allocations").
		Where(sq.Eq{"consumer_uuid": uuid}).
		QueryContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer rows.Close()

	changelogBuilder := stbl.
		Insert("changelog").
		Columns("ulid", "operation", "consumer_uuid", "provider_uuid", "resource_class", "used", "inserted_at")

	entries := 0
	for rows.Next() {
		var providerUUID, resourceClass string
		var used int64
		if err := rows.Scan(&providerUUID, &resourceClass, &used); err != nil {
			return dbInfo.HandleSQLError(err)
		}
		changeID := id.MustNewStringFromTime(now)
		changelogBuilder = changelogBuilder.Values(
			changeID, storage.AllocationChangeDelete, uuid, providerUUID, resourceClass, used, now,
		)
		entries++
	}
	if err := rows.Err(); err != nil {
		return dbInfo.HandleSQLError(err)
	}

	_, err = stbl.
		Delete("allocations").
		Where(sq.Eq{"consumer_uuid": uuid}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	if entries > 0 {
		if _, err := changelogBuilder.ExecContext(ctx); err != nil {
			return dbInfo.HandleSQLError(err)
		}
	}
	return nil
}

// DeleteConsumer force-deletes a consumer together with its edges and
// allocations. Deleting an absent consumer is a no-op.
func DeleteConsumer(ctx context.Context, dbInfo *DBInfo, uuid string, now time.Time) error {
	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	if err := deleteConsumerTx(ctx, dbInfo, dbInfo.stbl.RunWith(txn), uuid, now); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// DeleteConsumersIfNoAllocations deletes exactly those of the given consumers
// with zero allocations. The guard and the delete are one statement, so a
// concurrent allocation write cannot slip in between.
func DeleteConsumersIfNoAllocations(ctx context.Context, dbInfo *DBInfo, uuids []string) (int, error) {
	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stbl := dbInfo.stbl.RunWith(txn)

	deleted := 0
	for _, uuid := range uuids {
		res, err := stbl.
			Delete("consumers").
			Where(sq.Eq{"uuid": uuid}).
			Where(sq.Expr("NOT EXISTS (SELECT 1 FROM allocations WHERE consumer_uuid = ?)", uuid)).
			ExecContext(ctx)
		if err != nil {
			return 0, dbInfo.HandleSQLError(err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return 0, dbInfo.HandleSQLError(err)
		}
		if rowsAffected == 0 {
			continue
		}

		_, err = stbl.
			Delete("owns").
			Where(sq.Eq{"owned_uuid": uuid, "owned_kind": storage.KindConsumer}).
			ExecContext(ctx)
		if err != nil {
			return 0, dbInfo.HandleSQLError(err)
		}
		deleted++
	}

	if err := txn.Commit(); err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	return deleted, nil
}

// EnsureIncompleteConsumers attaches the incomplete sentinels to up to
// batchSize consumers without any ownership edge.
func EnsureIncompleteConsumers(ctx context.Context, dbInfo *DBInfo, projectUUID, userUUID string, batchSize int, now time.Time) (int, error) {
	if batchSize <= 0 {
		batchSize = storage.DefaultIncompleteBatchSize
	}

	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stbl := dbInfo.stbl.RunWith(txn)

	rows, err := stbl.
		Select("c.uuid").
		From("consumers c").
		LeftJoin("owns o ON o.owned_uuid = c.uuid AND o.owned_kind = ?", storage.KindConsumer).
		Where("o.owner_uuid IS NULL").
		OrderBy("c.created_at").
		Limit(uint64(batchSize)).
		QueryContext(ctx)
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}

	var orphans []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			rows.Close()
			return 0, dbInfo.HandleSQLError(err)
		}
		orphans = append(orphans, uuid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, dbInfo.HandleSQLError(err)
	}
	rows.Close()

	for _, uuid := range orphans {
		if err := mergeEdge(ctx, dbInfo, stbl, userUUID, storage.KindUser, uuid, storage.KindConsumer, now); err != nil {
			return 0, err
		}
	}
	if len(orphans) > 0 {
		if err := mergeEdge(ctx, dbInfo, stbl, projectUUID, storage.KindProject, userUUID, storage.KindUser, now); err != nil {
			return 0, err
		}
	}

	if err := txn.Commit(); err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	return len(orphans), nil
}

// CreateProject inserts a project row with merge semantics.
func CreateProject(ctx context.Context, dbInfo *DBInfo, project *types.Project, now time.Time) error {
	return createOwnerRow(ctx, dbInfo, "projects", project.UUID, project.ExternalID, project.CreatedAt, project.UpdatedAt, now)
}

// GetProject reads one project row.
func GetProject(ctx context.Context, dbInfo *DBInfo, uuid string) (*types.Project, error) {
	var p types.Project
	var externalID sql.NullString
	err := dbInfo.stbl.
		Select("uuid", "external_id", "created_at", "updated_at").
		From("projects").
		Where(sq.Eq{"uuid": uuid}).
		QueryRowContext(ctx).
		Scan(&p.UUID, &externalID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ProjectNotFoundError(uuid)
		}
		return nil, dbInfo.HandleSQLError(err)
	}
	p.ExternalID = externalID.String
	return &p, nil
}

// CreateUser inserts a user row with merge semantics.
func CreateUser(ctx context.Context, dbInfo *DBInfo, user *types.User, now time.Time) error {
	return createOwnerRow(ctx, dbInfo, "users", user.UUID, user.ExternalID, user.CreatedAt, user.UpdatedAt, now)
}

// GetUser reads one user row.
func GetUser(ctx context.Context, dbInfo *DBInfo, uuid string) (*types.User, error) {
	var u types.User
	var externalID sql.NullString
	err := dbInfo.stbl.
		Select("uuid", "external_id", "created_at", "updated_at").
		From("users").
		Where(sq.Eq{"uuid": uuid}).
		QueryRowContext(ctx).
		Scan(&u.UUID, &externalID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.UserNotFoundError(uuid)
		}
		return nil, dbInfo.HandleSQLError(err)
	}
	u.ExternalID = externalID.String
	return &u, nil
}

// createOwnerRow covers projects and users, which share a shape.
func createOwnerRow(ctx context.Context, dbInfo *DBInfo, table, uuid, externalID string, createdAt, updatedAt, now time.Time) error {
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := dbInfo.stbl.
		Insert(table).
		Columns("uuid", "external_id", "created_at", "updated_at").
		Values(uuid, externalID, createdAt, updatedAt).
		ExecContext(ctx)
	if err != nil {
		err = dbInfo.HandleSQLError(err)
		if errors.Is(err, storage.ErrCollision) {
			return nil
		}
		return err
	}
	return nil
}

// RelateProjectAndUser establishes project→user→consumer: read the observed
// owners, no-op on an exact match, drop conflicting edges, merge the rest.
func RelateProjectAndUser(ctx context.Context, dbInfo *DBInfo, projectUUID, userUUID, consumerUUID string, now time.Time) error {
	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stbl := dbInfo.stbl.RunWith(txn)

	userOwner, err := ownerOf(ctx, dbInfo, stbl, userUUID, storage.KindUser, storage.KindProject)
	if err != nil {
		return err
	}
	consumerOwner, err := ownerOf(ctx, dbInfo, stbl, consumerUUID, storage.KindConsumer, storage.KindUser)
	if err != nil {
		return err
	}
	if userOwner == projectUUID && consumerOwner == userUUID {
		// Everything is already related.
		return txn.Commit()
	}

	if userOwner != "" || consumerOwner != "" {
		_, err = stbl.
			Delete("owns").
			Where(sq.Eq{"owned_uuid": userUUID, "owned_kind": storage.KindUser}).
			Where(sq.NotEq{"owner_uuid": projectUUID}).
			ExecContext(ctx)
		if err != nil {
			return dbInfo.HandleSQLError(err)
		}
		_, err = stbl.
			Delete("owns").
			Where(sq.Eq{"owned_uuid": consumerUUID, "owned_kind": storage.KindConsumer}).
			Where(sq.NotEq{"owner_uuid": userUUID}).
			ExecContext(ctx)
		if err != nil {
			return dbInfo.HandleSQLError(err)
		}
	}

	if err := mergeEdge(ctx, dbInfo, stbl, projectUUID, storage.KindProject, userUUID, storage.KindUser, now); err != nil {
		return err
	}
	if err := mergeEdge(ctx, dbInfo, stbl, userUUID, storage.KindUser, consumerUUID, storage.KindConsumer, now); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// CreateProvider inserts a provider row, resolving the tree root through the
// parent. The resolved root is written back to the caller's struct.
func CreateProvider(ctx context.Context, dbInfo *DBInfo, provider *types.ResourceProvider, now time.Time) error {
	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stbl := dbInfo.stbl.RunWith(txn)

	rootUUID := provider.UUID
	if provider.ParentUUID != "" {
		err := stbl.
			Select("root_uuid").
			From("providers").
			Where(sq.Eq{"uuid": provider.ParentUUID}).
			QueryRowContext(ctx).
			Scan(&rootUUID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ProviderNotFoundError(provider.ParentUUID)
			}
			return dbInfo.HandleSQLError(err)
		}
	}

	createdAt := provider.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := provider.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	var parentUUID interface{}
	if provider.ParentUUID != "" {
		parentUUID = provider.ParentUUID
	}

	_, err = stbl.
		Insert("providers").
		Columns("uuid", "name", "parent_uuid", "root_uuid", "generation", "created_at", "updated_at").
		Values(provider.UUID, provider.Name, parentUUID, rootUUID, provider.Generation, createdAt, updatedAt).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	provider.RootUUID = rootUUID
	return nil
}

// GetProvider reads one provider row.
func GetProvider(ctx context.Context, dbInfo *DBInfo, uuid string) (*types.ResourceProvider, error) {
	var rp types.ResourceProvider
	var parentUUID sql.NullString
	err := dbInfo.stbl.
		Select("uuid", "name", "parent_uuid", "root_uuid", "generation", "created_at", "updated_at").
		From("providers").
		Where(sq.Eq{"uuid": uuid}).
		QueryRowContext(ctx).
		Scan(&rp.UUID, &rp.Name, &parentUUID, &rp.RootUUID, &rp.Generation, &rp.CreatedAt, &rp.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ProviderNotFoundError(uuid)
		}
		return nil, dbInfo.HandleSQLError(err)
	}
	rp.ParentUUID = parentUUID.String
	return &rp, nil
}

// SetInventory replaces a provider's inventory wholesale and bumps the
// provider generation in the same transaction.
func SetInventory(ctx context.Context, dbInfo *DBInfo, providerUUID string, inventories []types.Inventory, now time.Time) error {
	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stbl := dbInfo.stbl.RunWith(txn)

	res, err := stbl.
		Update("providers").
		Set("generation", sq.Expr("generation + 1")).
		Set("updated_at", now).
		Where(sq.Eq{"uuid": providerUUID}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	if rowsAffected == 0 {
		return storage.ProviderNotFoundError(providerUUID)
	}

	_, err = stbl.
		Delete("inventories").
		Where(sq.Eq{"provider_uuid": providerUUID}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	if len(inventories) > 0 {
		insertBuilder := stbl.
			Insert("inventories").
			Columns("provider_uuid", "resource_class", "total", "reserved", "min_unit", "max_unit", "step_size", "allocation_ratio")
		for _, inv := range inventories {
			if inv.AllocationRatio == 0 {
				inv.AllocationRatio = 1.0
			}
			if inv.MaxUnit == 0 {
				inv.MaxUnit = inv.Total
			}
			if inv.StepSize == 0 {
				inv.StepSize = 1
			}
			insertBuilder = insertBuilder.Values(
				providerUUID, inv.ResourceClass, inv.Total, inv.Reserved,
				inv.MinUnit, inv.MaxUnit, inv.StepSize, inv.AllocationRatio,
			)
		}
		if _, err := insertBuilder.ExecContext(ctx); err != nil {
			return dbInfo.HandleSQLError(err)
		}
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// CandidatesForResourceClass returns the anchors of providers whose inventory
// of the class can still supply amount units. The unit gates and the capacity
// arithmetic run in Go so the float allocation ratio behaves identically
// across dialects.
func CandidatesForResourceClass(ctx context.Context, dbInfo *DBInfo, resourceClass string, amount int64) ([]storage.ProviderAnchor, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.CandidatesForResourceClass")
	defer span.End()

	rows, err := dbInfo.stbl.
		Select(
			"p.uuid", "p.root_uuid",
			"i.total", "i.reserved", "i.min_unit", "i.max_unit", "i.step_size", "i.allocation_ratio",
			"COALESCE(SUM(a.used), 0) AS used",
		).
		From("inventories i").
		Join("providers p ON p.uuid = i.provider_uuid").
		LeftJoin("allocations a ON a.provider_uuid = i.provider_uuid AND a.resource_class = i.resource_class").
		Where(sq.Eq{"i.resource_class": resourceClass}).
		GroupBy("p.uuid", "p.root_uuid", "i.total", "i.reserved", "i.min_unit", "i.max_unit", "i.step_size", "i.allocation_ratio").
		QueryContext(ctx)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	defer rows.Close()

	var anchors []storage.ProviderAnchor
	for rows.Next() {
		var anchor storage.ProviderAnchor
		var inv types.Inventory
		var used int64
		err := rows.Scan(
			&anchor.UUID, &anchor.RootUUID,
			&inv.Total, &inv.Reserved, &inv.MinUnit, &inv.MaxUnit, &inv.StepSize, &inv.AllocationRatio,
			&used,
		)
		if err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}

		if amount < inv.MinUnit || (inv.MaxUnit > 0 && amount > inv.MaxUnit) {
			continue
		}
		if inv.StepSize > 0 && amount%inv.StepSize != 0 {
			continue
		}
		if inv.Capacity()-used < amount {
			continue
		}
		anchors = append(anchors, anchor)
	}
	if err := rows.Err(); err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	return anchors, nil
}

// ReplaceAllocations atomically swaps a consumer's allocation set, guarded by
// the generation compare-and-swap, and appends the changelog entries in the
// same transaction.
func ReplaceAllocations(ctx context.Context, dbInfo *DBInfo, consumerUUID string, generation int64, allocations []types.Allocation, now time.Time) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.ReplaceAllocations")
	defer span.End()

	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stbl := dbInfo.stbl.RunWith(txn)

	res, err := stbl.
		Update("consumers").
		Set("generation", generation+1).
		Set("updated_at", now).
		Where(sq.Eq{"uuid": consumerUUID, "generation": generation}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	if rowsAffected == 0 {
		return consumerGenerationMiss(ctx, dbInfo, stbl, consumerUUID, generation)
	}

	rows, err := stbl.
		Select("provider_uuid", "resource_class", "used").
		From("allocations").
		Where(sq.Eq{"consumer_uuid": consumerUUID}).
		QueryContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	changelogBuilder := stbl.
		Insert("changelog").
		Columns("ulid", "operation", "consumer_uuid", "provider_uuid", "resource_class", "used", "inserted_at")

	entries := 0
	for rows.Next() {
		var providerUUID, resourceClass string
		var used int64
		if err := rows.Scan(&providerUUID, &resourceClass, &used); err != nil {
			rows.Close()
			return dbInfo.HandleSQLError(err)
		}
		changeID := id.MustNewStringFromTime(now)
		changelogBuilder = changelogBuilder.Values(
			changeID, storage.AllocationChangeDelete, consumerUUID, providerUUID, resourceClass, used, now,
		)
		entries++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return dbInfo.HandleSQLError(err)
	}
	rows.Close()

	_, err = stbl.
		Delete("allocations").
		Where(sq.Eq{"consumer_uuid": consumerUUID}).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	if len(allocations) > 0 {
		insertBuilder := stbl.
			Insert("allocations").
			Columns("ulid", "consumer_uuid", "provider_uuid", "resource_class", "used", "inserted_at")
		for _, alloc := range allocations {
			changeID := id.MustNewStringFromTime(now)
			insertBuilder = insertBuilder.Values(
				changeID, consumerUUID, alloc.ProviderUUID, alloc.ResourceClass, alloc.Used, now,
			)
			changelogBuilder = changelogBuilder.Values(
				changeID, storage.AllocationChangeWrite, consumerUUID, alloc.ProviderUUID, alloc.ResourceClass, alloc.Used, now,
			)
			entries++
		}
		if _, err := insertBuilder.ExecContext(ctx); err != nil {
			return dbInfo.HandleSQLError(err)
		}
	}

	if entries > 0 {
		if _, err := changelogBuilder.ExecContext(ctx); err != nil {
			return dbInfo.HandleSQLError(err)
		}
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// ListAllocations returns the consumer's current allocations.
func ListAllocations(ctx context.Context, dbInfo *DBInfo, consumerUUID string) ([]types.Allocation, error) {
	rows, err := dbInfo.stbl.
		Select("ulid", "consumer_uuid", "provider_uuid", "resource_class", "used", "inserted_at").
		From("allocations").
		Where(sq.Eq{"consumer_uuid": consumerUUID}).
		OrderBy("ulid").
		QueryContext(ctx)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	defer rows.Close()

	var out []types.Allocation
	for rows.Next() {
		var rec storage.AllocationRecord
		err := rows.Scan(&rec.Ulid, &rec.ConsumerUUID, &rec.ProviderUUID, &rec.ResourceClass, &rec.Used, &rec.InsertedAt)
		if err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}
		out = append(out, rec.AsAllocation())
	}
	if err := rows.Err(); err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	return out, nil
}

// CountAllocations returns how many allocations the consumer holds.
func CountAllocations(ctx context.Context, dbInfo *DBInfo, consumerUUID string) (int, error) {
	var count int
	err := dbInfo.stbl.
		Select("COUNT(*)").
		From("allocations").
		Where(sq.Eq{"consumer_uuid": consumerUUID}).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	return count, nil
}

// ReadChanges reads a page of the allocation changelog ordered by ULID. The
// continuation token is the ULID of the last entry returned.
func ReadChanges(ctx context.Context, dbInfo *DBInfo, options storage.PaginationOptions) ([]*storage.AllocationChange, string, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ReadChanges")
	defer span.End()

	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}

	sb := dbInfo.stbl.
		Select("ulid", "operation", "consumer_uuid", "provider_uuid", "resource_class", "used", "inserted_at").
		From("changelog").
		OrderBy("ulid").
		Limit(uint64(pageSize))

	if options.From != "" {
		if _, err := ulid.ParseStrict(options.From); err != nil {
			return nil, "", storage.ErrInvalidContinuationToken
		}
		sb = sb.Where(sq.Gt{"ulid": options.From})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, "", dbInfo.HandleSQLError(err)
	}
	defer rows.Close()

	var changes []*storage.AllocationChange
	for rows.Next() {
		var change storage.AllocationChange
		err := rows.Scan(
			&change.Ulid, &change.Operation, &change.ConsumerUUID,
			&change.ProviderUUID, &change.ResourceClass, &change.Used, &change.Timestamp,
		)
		if err != nil {
			return nil, "", dbInfo.HandleSQLError(err)
		}
		changes = append(changes, &change)
	}
	if err := rows.Err(); err != nil {
		return nil, "", dbInfo.HandleSQLError(err)
	}

	if len(changes) == 0 {
		return nil, "", storage.ErrNotFound
	}
	return changes, changes[len(changes)-1].Ulid, nil
}
