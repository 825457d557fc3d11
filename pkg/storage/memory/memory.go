package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/placer-project/placer/pkg/id"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/types"
)

var tracer = otel.Tracer("placer/pkg/storage/memory")

// consumerRow is the mutable stored form of a consumer. Ownership lives on
// edges, not on the row.
type consumerRow struct {
	uuid       string
	generation int64
	createdAt  time.Time
	updatedAt  time.Time
}

// StorageOption configures a [MemoryBackend] instance.
type StorageOption func(dataStore *MemoryBackend)

// MemoryBackend provides an ephemeral memory-backed implementation of
// [storage.PlacerDatastore]. Instances may be safely shared by multiple
// goroutines.
//
// Consumers, ownership edges, allocations and the changelog share one lock:
// the conditional-delete and generation compare-and-swap paths must observe
// all of them atomically, mirroring the single writer transaction the SQL
// backends use.
type MemoryBackend struct {
	consumers   map[string]*consumerRow     // GUARDED_BY(mutexGraph).
	projects    map[string]*types.Project   // GUARDED_BY(mutexGraph).
	users       map[string]*types.User      // GUARDED_BY(mutexGraph).
	owns        []*storage.OwnershipEdge    // GUARDED_BY(mutexGraph).
	allocations []*storage.AllocationRecord // GUARDED_BY(mutexGraph).
	changes     []*storage.AllocationChange // GUARDED_BY(mutexGraph).
	mutexGraph  sync.RWMutex

	providers      map[string]*types.ResourceProvider // GUARDED_BY(mutexProviders).
	inventories    map[string][]types.Inventory       // GUARDED_BY(mutexProviders). keyed by provider UUID
	mutexProviders sync.RWMutex
}

// Ensures that [MemoryBackend] implements the [storage.PlacerDatastore] interface.
var _ storage.PlacerDatastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		consumers:   make(map[string]*consumerRow),
		projects:    make(map[string]*types.Project),
		users:       make(map[string]*types.User),
		providers:   make(map[string]*types.ResourceProvider),
		inventories: make(map[string][]types.Inventory),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}

// IsReady see [storage.PlacerDatastore].IsReady.
func (s *MemoryBackend) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// ownerOf returns the UUID of the ownerKind entity owning owned, or "".
// Callers must hold mutexGraph.
func (s *MemoryBackend) ownerOf(ownedUUID, ownedKind, ownerKind string) string {
	for _, e := range s.owns {
		if e.OwnedUUID == ownedUUID && e.OwnedKind == ownedKind && e.OwnerKind == ownerKind {
			return e.OwnerUUID
		}
	}
	return ""
}

func (s *MemoryBackend) hasEdge(edge *storage.OwnershipEdge) bool {
	for _, e := range s.owns {
		if e.OwnerUUID == edge.OwnerUUID && e.OwnerKind == edge.OwnerKind &&
			e.OwnedUUID == edge.OwnedUUID && e.OwnedKind == edge.OwnedKind {
			return true
		}
	}
	return false
}

// mergeEdge adds an edge if no identical one exists. Callers must hold mutexGraph.
func (s *MemoryBackend) mergeEdge(ownerUUID, ownerKind, ownedUUID, ownedKind string) {
	edge := &storage.OwnershipEdge{
		OwnerUUID:  ownerUUID,
		OwnerKind:  ownerKind,
		OwnedUUID:  ownedUUID,
		OwnedKind:  ownedKind,
		InsertedAt: time.Now().UTC(),
	}
	if !s.hasEdge(edge) {
		s.owns = append(s.owns, edge)
	}
}

// dropEdgesInto removes every edge into (ownedUUID, ownedKind) whose owner is
// not keepOwner. An empty keepOwner removes all of them. Callers must hold
// mutexGraph.
func (s *MemoryBackend) dropEdgesInto(ownedUUID, ownedKind, keepOwner string) {
	kept := s.owns[:0]
	for _, e := range s.owns {
		if e.OwnedUUID == ownedUUID && e.OwnedKind == ownedKind && (keepOwner == "" || e.OwnerUUID != keepOwner) {
			continue
		}
		kept = append(kept, e)
	}
	s.owns = kept
}

// GetConsumer see [storage.ConsumerBackend].GetConsumer.
func (s *MemoryBackend) GetConsumer(ctx context.Context, uuid string) (*types.Consumer, error) {
	_, span := tracer.Start(ctx, "memory.GetConsumer")
	defer span.End()

	s.mutexGraph.RLock()
	defer s.mutexGraph.RUnlock()

	row, ok := s.consumers[uuid]
	if !ok {
		return nil, storage.ConsumerNotFoundError(uuid)
	}

	rec := storage.ConsumerRecord{
		UUID:       row.uuid,
		Generation: row.generation,
		CreatedAt:  row.createdAt,
		UpdatedAt:  row.updatedAt,
	}
	rec.UserUUID = s.ownerOf(uuid, storage.KindConsumer, storage.KindUser)
	if rec.UserUUID != "" {
		rec.ProjectUUID = s.ownerOf(rec.UserUUID, storage.KindUser, storage.KindProject)
	}

	return rec.AsConsumer(), nil
}

// CreateConsumer see [storage.ConsumerBackend].CreateConsumer.
func (s *MemoryBackend) CreateConsumer(ctx context.Context, consumer *types.Consumer) error {
	_, span := tracer.Start(ctx, "memory.CreateConsumer")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	if _, ok := s.consumers[consumer.UUID]; ok {
		// Merge semantics: an existing record is not an error.
		return nil
	}

	now := time.Now().UTC()
	createdAt := consumer.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := consumer.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	s.consumers[consumer.UUID] = &consumerRow{
		uuid:       consumer.UUID,
		generation: consumer.Generation,
		createdAt:  createdAt,
		updatedAt:  updatedAt,
	}
	return nil
}

// UpdateConsumerOwner see [storage.ConsumerBackend].UpdateConsumerOwner.
func (s *MemoryBackend) UpdateConsumerOwner(ctx context.Context, consumerUUID string, generation int64, userUUID string) error {
	_, span := tracer.Start(ctx, "memory.UpdateConsumerOwner")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	row, ok := s.consumers[consumerUUID]
	if !ok {
		return storage.ConsumerNotFoundError(consumerUUID)
	}
	if row.generation != generation {
		return storage.ConcurrentUpdateError(consumerUUID, generation)
	}

	s.dropEdgesInto(consumerUUID, storage.KindConsumer, "")
	if userUUID != "" {
		s.mergeEdge(userUUID, storage.KindUser, consumerUUID, storage.KindConsumer)
	}
	row.updatedAt = time.Now().UTC()
	return nil
}

// IncrementConsumerGeneration see [storage.ConsumerBackend].IncrementConsumerGeneration.
func (s *MemoryBackend) IncrementConsumerGeneration(ctx context.Context, uuid string, current int64) (int64, error) {
	_, span := tracer.Start(ctx, "memory.IncrementConsumerGeneration")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	row, ok := s.consumers[uuid]
	if !ok {
		return 0, storage.ConsumerNotFoundError(uuid)
	}
	if row.generation != current {
		return 0, storage.ConcurrentUpdateError(uuid, current)
	}

	row.generation++
	row.updatedAt = time.Now().UTC()
	return row.generation, nil
}

// DeleteConsumer see [storage.ConsumerBackend].DeleteConsumer.
func (s *MemoryBackend) DeleteConsumer(ctx context.Context, uuid string) error {
	_, span := tracer.Start(ctx, "memory.DeleteConsumer")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	s.deleteConsumerLocked(uuid, time.Now().UTC())
	return nil
}

// deleteConsumerLocked detaches and removes one consumer. Removing live
// allocations is recorded in the changelog as deletes. Callers must hold
// mutexGraph.
func (s *MemoryBackend) deleteConsumerLocked(uuid string, now time.Time) {
	delete(s.consumers, uuid)
	s.dropEdgesInto(uuid, storage.KindConsumer, "")

	kept := s.allocations[:0]
	for _, a := range s.allocations {
		if a.ConsumerUUID != uuid {
			kept = append(kept, a)
			continue
		}
		s.changes = append(s.changes, &storage.AllocationChange{
			Ulid:          id.MustNewStringFromTime(now),
			Operation:     storage.AllocationChangeDelete,
			ConsumerUUID:  a.ConsumerUUID,
			ProviderUUID:  a.ProviderUUID,
			ResourceClass: a.ResourceClass,
			Used:          a.Used,
			Timestamp:     now,
		})
	}
	s.allocations = kept
}

// DeleteConsumersIfNoAllocations see [storage.ConsumerBackend].DeleteConsumersIfNoAllocations.
func (s *MemoryBackend) DeleteConsumersIfNoAllocations(ctx context.Context, uuids []string) (int, error) {
	_, span := tracer.Start(ctx, "memory.DeleteConsumersIfNoAllocations")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	now := time.Now().UTC()
	deleted := 0
	for _, uuid := range uuids {
		if _, ok := s.consumers[uuid]; !ok {
			continue
		}
		if s.countAllocationsLocked(uuid) > 0 {
			continue
		}
		s.deleteConsumerLocked(uuid, now)
		deleted++
	}
	return deleted, nil
}

// EnsureIncompleteConsumers see [storage.ConsumerBackend].EnsureIncompleteConsumers.
func (s *MemoryBackend) EnsureIncompleteConsumers(ctx context.Context, projectUUID, userUUID string, batchSize int) (int, error) {
	_, span := tracer.Start(ctx, "memory.EnsureIncompleteConsumers")
	defer span.End()

	if batchSize <= 0 {
		batchSize = storage.DefaultIncompleteBatchSize
	}

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	repaired := 0
	for uuid := range s.consumers {
		if repaired == batchSize {
			break
		}
		if s.ownerOf(uuid, storage.KindConsumer, storage.KindUser) != "" {
			continue
		}
		s.mergeEdge(userUUID, storage.KindUser, uuid, storage.KindConsumer)
		repaired++
	}
	if repaired > 0 {
		s.mergeEdge(projectUUID, storage.KindProject, userUUID, storage.KindUser)
	}
	return repaired, nil
}

// CreateProject see [storage.OwnershipBackend].CreateProject.
func (s *MemoryBackend) CreateProject(ctx context.Context, project *types.Project) error {
	_, span := tracer.Start(ctx, "memory.CreateProject")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	if _, ok := s.projects[project.UUID]; ok {
		return nil
	}
	stored := *project
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	s.projects[project.UUID] = &stored
	return nil
}

// GetProject see [storage.OwnershipBackend].GetProject.
func (s *MemoryBackend) GetProject(ctx context.Context, uuid string) (*types.Project, error) {
	_, span := tracer.Start(ctx, "memory.GetProject")
	defer span.End()

	s.mutexGraph.RLock()
	defer s.mutexGraph.RUnlock()

	p, ok := s.projects[uuid]
	if !ok {
		return nil, storage.ProjectNotFoundError(uuid)
	}
	out := *p
	return &out, nil
}

// CreateUser see [storage.OwnershipBackend].CreateUser.
func (s *MemoryBackend) CreateUser(ctx context.Context, user *types.User) error {
	_, span := tracer.Start(ctx, "memory.CreateUser")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	if _, ok := s.users[user.UUID]; ok {
		return nil
	}
	stored := *user
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	s.users[user.UUID] = &stored
	return nil
}

// GetUser see [storage.OwnershipBackend].GetUser.
func (s *MemoryBackend) GetUser(ctx context.Context, uuid string) (*types.User, error) {
	_, span := tracer.Start(ctx, "memory.GetUser")
	defer span.End()

	s.mutexGraph.RLock()
	defer s.mutexGraph.RUnlock()

	u, ok := s.users[uuid]
	if !ok {
		return nil, storage.UserNotFoundError(uuid)
	}
	out := *u
	return &out, nil
}

// RelateProjectAndUser see [storage.OwnershipBackend].RelateProjectAndUser.
func (s *MemoryBackend) RelateProjectAndUser(ctx context.Context, projectUUID, userUUID, consumerUUID string) error {
	_, span := tracer.Start(ctx, "memory.RelateProjectAndUser")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	userOwner := s.ownerOf(userUUID, storage.KindUser, storage.KindProject)
	consumerOwner := s.ownerOf(consumerUUID, storage.KindConsumer, storage.KindUser)
	if userOwner == projectUUID && consumerOwner == userUUID {
		// Everything is already related.
		return nil
	}

	if userOwner != "" || consumerOwner != "" {
		s.dropEdgesInto(userUUID, storage.KindUser, projectUUID)
		s.dropEdgesInto(consumerUUID, storage.KindConsumer, userUUID)
	}

	s.mergeEdge(projectUUID, storage.KindProject, userUUID, storage.KindUser)
	s.mergeEdge(userUUID, storage.KindUser, consumerUUID, storage.KindConsumer)
	return nil
}

// CreateProvider see [storage.ProviderBackend].CreateProvider.
func (s *MemoryBackend) CreateProvider(ctx context.Context, provider *types.ResourceProvider) error {
	_, span := tracer.Start(ctx, "memory.CreateProvider")
	defer span.End()

	s.mutexProviders.Lock()
	defer s.mutexProviders.Unlock()

	if _, ok := s.providers[provider.UUID]; ok {
		return storage.ErrCollision
	}

	stored := *provider
	if stored.ParentUUID == "" {
		stored.RootUUID = stored.UUID
	} else {
		parent, ok := s.providers[stored.ParentUUID]
		if !ok {
			return storage.ProviderNotFoundError(stored.ParentUUID)
		}
		stored.RootUUID = parent.RootUUID
	}

	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}

	s.providers[stored.UUID] = &stored
	provider.RootUUID = stored.RootUUID
	return nil
}

// GetProvider see [storage.ProviderBackend].GetProvider.
func (s *MemoryBackend) GetProvider(ctx context.Context, uuid string) (*types.ResourceProvider, error) {
	_, span := tracer.Start(ctx, "memory.GetProvider")
	defer span.End()

	s.mutexProviders.RLock()
	defer s.mutexProviders.RUnlock()

	rp, ok := s.providers[uuid]
	if !ok {
		return nil, storage.ProviderNotFoundError(uuid)
	}
	out := *rp
	return &out, nil
}

// SetInventory see [storage.ProviderBackend].SetInventory.
func (s *MemoryBackend) SetInventory(ctx context.Context, providerUUID string, inventories []types.Inventory) error {
	_, span := tracer.Start(ctx, "memory.SetInventory")
	defer span.End()

	s.mutexProviders.Lock()
	defer s.mutexProviders.Unlock()

	rp, ok := s.providers[providerUUID]
	if !ok {
		return storage.ProviderNotFoundError(providerUUID)
	}

	stored := make([]types.Inventory, 0, len(inventories))
	for _, inv := range inventories {
		inv.ProviderUUID = providerUUID
		if inv.AllocationRatio == 0 {
			inv.AllocationRatio = 1.0
		}
		if inv.MaxUnit == 0 {
			inv.MaxUnit = inv.Total
		}
		if inv.StepSize == 0 {
			inv.StepSize = 1
		}
		stored = append(stored, inv)
	}
	s.inventories[providerUUID] = stored
	rp.Generation++
	rp.UpdatedAt = time.Now().UTC()
	return nil
}

// CandidatesForResourceClass see [storage.ProviderBackend].CandidatesForResourceClass.
func (s *MemoryBackend) CandidatesForResourceClass(ctx context.Context, resourceClass string, amount int64) ([]storage.ProviderAnchor, error) {
	_, span := tracer.Start(ctx, "memory.CandidatesForResourceClass")
	defer span.End()

	s.mutexProviders.RLock()
	defer s.mutexProviders.RUnlock()
	s.mutexGraph.RLock()
	defer s.mutexGraph.RUnlock()

	var anchors []storage.ProviderAnchor
	for uuid, invs := range s.inventories {
		for _, inv := range invs {
			if inv.ResourceClass != resourceClass {
				continue
			}
			if amount < inv.MinUnit || (inv.MaxUnit > 0 && amount > inv.MaxUnit) {
				continue
			}
			if inv.StepSize > 0 && amount%inv.StepSize != 0 {
				continue
			}
			if inv.Capacity()-s.usedOnProviderLocked(uuid, resourceClass) < amount {
				continue
			}
			anchors = append(anchors, storage.ProviderAnchor{
				UUID:     uuid,
				RootUUID: s.providers[uuid].RootUUID,
			})
		}
	}
	return anchors, nil
}

// usedOnProviderLocked sums current allocations of one resource class
// against a provider. Callers must hold mutexGraph.
func (s *MemoryBackend) usedOnProviderLocked(providerUUID, resourceClass string) int64 {
	var used int64
	for _, a := range s.allocations {
		if a.ProviderUUID == providerUUID && a.ResourceClass == resourceClass {
			used += a.Used
		}
	}
	return used
}

func (s *MemoryBackend) countAllocationsLocked(consumerUUID string) int {
	count := 0
	for _, a := range s.allocations {
		if a.ConsumerUUID == consumerUUID {
			count++
		}
	}
	return count
}

// ReplaceAllocations see [storage.AllocationBackend].ReplaceAllocations.
func (s *MemoryBackend) ReplaceAllocations(ctx context.Context, consumerUUID string, generation int64, allocations []types.Allocation) error {
	_, span := tracer.Start(ctx, "memory.ReplaceAllocations")
	defer span.End()

	s.mutexGraph.Lock()
	defer s.mutexGraph.Unlock()

	row, ok := s.consumers[consumerUUID]
	if !ok {
		return storage.ConsumerNotFoundError(consumerUUID)
	}
	if row.generation != generation {
		return storage.ConcurrentUpdateError(consumerUUID, generation)
	}

	now := time.Now().UTC()

	kept := s.allocations[:0]
	for _, a := range s.allocations {
		if a.ConsumerUUID != consumerUUID {
			kept = append(kept, a)
			continue
		}
		s.changes = append(s.changes, &storage.AllocationChange{
			Ulid:          id.MustNewStringFromTime(now),
			Operation:     storage.AllocationChangeDelete,
			ConsumerUUID:  a.ConsumerUUID,
			ProviderUUID:  a.ProviderUUID,
			ResourceClass: a.ResourceClass,
			Used:          a.Used,
			Timestamp:     now,
		})
	}
	s.allocations = kept

	for _, alloc := range allocations {
		changeID := id.MustNewStringFromTime(now)
		s.allocations = append(s.allocations, &storage.AllocationRecord{
			Ulid:          changeID,
			ConsumerUUID:  consumerUUID,
			ProviderUUID:  alloc.ProviderUUID,
			ResourceClass: alloc.ResourceClass,
			Used:          alloc.Used,
			InsertedAt:    now,
		})
		s.changes = append(s.changes, &storage.AllocationChange{
			Ulid:          changeID,
			Operation:     storage.AllocationChangeWrite,
			ConsumerUUID:  consumerUUID,
			ProviderUUID:  alloc.ProviderUUID,
			ResourceClass: alloc.ResourceClass,
			Used:          alloc.Used,
			Timestamp:     now,
		})
	}

	row.generation++
	row.updatedAt = now
	return nil
}

// ListAllocations see [storage.AllocationBackend].ListAllocations.
func (s *MemoryBackend) ListAllocations(ctx context.Context, consumerUUID string) ([]types.Allocation, error) {
	_, span := tracer.Start(ctx, "memory.ListAllocations")
	defer span.End()

	s.mutexGraph.RLock()
	defer s.mutexGraph.RUnlock()

	var out []types.Allocation
	for _, a := range s.allocations {
		if a.ConsumerUUID == consumerUUID {
			out = append(out, a.AsAllocation())
		}
	}
	return out, nil
}

// CountAllocations see [storage.AllocationBackend].CountAllocations.
func (s *MemoryBackend) CountAllocations(ctx context.Context, consumerUUID string) (int, error) {
	_, span := tracer.Start(ctx, "memory.CountAllocations")
	defer span.End()

	s.mutexGraph.RLock()
	defer s.mutexGraph.RUnlock()

	return s.countAllocationsLocked(consumerUUID), nil
}

// ReadChanges see [storage.ChangelogBackend].ReadChanges.
func (s *MemoryBackend) ReadChanges(ctx context.Context, options storage.PaginationOptions) ([]*storage.AllocationChange, string, error) {
	_, span := tracer.Start(ctx, "memory.ReadChanges")
	defer span.End()

	s.mutexGraph.RLock()
	defer s.mutexGraph.RUnlock()

	var from *ulid.ULID
	if options.From != "" {
		parsed, err := ulid.Parse(options.From)
		if err != nil {
			return nil, "", storage.ErrInvalidContinuationToken
		}
		from = &parsed
	}

	var matched []*storage.AllocationChange
	for _, change := range s.changes {
		if from != nil {
			id, err := ulid.Parse(change.Ulid)
			if err != nil {
				return nil, "", storage.ErrInvalidContinuationToken
			}
			if id.Compare(*from) <= 0 {
				continue
			}
		}
		matched = append(matched, change)
	}
	if len(matched) == 0 {
		return nil, "", storage.ErrNotFound
	}

	pageSize := storage.DefaultPageSize
	if options.PageSize > 0 {
		pageSize = options.PageSize
	}
	to := pageSize
	if len(matched) < to {
		to = len(matched)
	}

	res := matched[:to]
	return res, res[len(res)-1].Ulid, nil
}
