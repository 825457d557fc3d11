// Package storage contains the datastore interfaces and shared records for
// the placer persistence layer.
package storage

import (
	"context"

	"github.com/placer-project/placer/pkg/types"
)

const (
	// DefaultPageSize is the page size used when pagination options leave it unset.
	DefaultPageSize = 50

	// DefaultIncompleteBatchSize bounds how many ownerless consumers a single
	// EnsureIncompleteConsumers call repairs.
	DefaultIncompleteBatchSize = 50
)

// PaginationOptions carries a page size and an opaque continuation token.
type PaginationOptions struct {
	PageSize int
	From     string
}

// NewPaginationOptions returns PaginationOptions with defaults applied.
func NewPaginationOptions(ps int32, contToken string) PaginationOptions {
	pageSize := DefaultPageSize
	if ps != 0 {
		pageSize = int(ps)
	}

	return PaginationOptions{
		PageSize: pageSize,
		From:     contToken,
	}
}

// ProviderAnchor is a (provider, tree root) pair, the unit in which candidate
// queries report providers able to supply a resource class.
type ProviderAnchor struct {
	UUID     string
	RootUUID string
}

// ConsumerBackend manages consumer rows and their generation counters.
type ConsumerBackend interface {
	// GetConsumer returns the consumer with its owning project and user
	// resolved through the ownership edges. If no consumer exists it must
	// return an error wrapping ErrNotFound.
	GetConsumer(ctx context.Context, uuid string) (*types.Consumer, error)

	// CreateConsumer persists the consumer with merge semantics: creating an
	// identical existing record is not an error. Generation defaults to 0 and
	// timestamps are server-assigned when unset. Callers must guarantee UUID
	// uniqueness; colliding UUIDs with different attributes are undefined.
	CreateConsumer(ctx context.Context, consumer *types.Consumer) error

	// UpdateConsumerOwner replaces or, when userUUID is empty, drops the
	// user→consumer ownership edge without touching the generation. The
	// consumer is matched by both UUID and generation so a consumer that
	// moved on to a later generation is never silently updated.
	UpdateConsumerOwner(ctx context.Context, consumerUUID string, generation int64, userUUID string) error

	// IncrementConsumerGeneration bumps the generation if and only if the
	// stored value still equals current, returning the new generation. A
	// failed compare returns ErrConcurrentUpdate; callers must re-fetch and
	// retry the whole operation, never ignore it.
	IncrementConsumerGeneration(ctx context.Context, uuid string, current int64) (int64, error)

	// DeleteConsumer force-deletes the consumer, detaching any remaining
	// ownership edges and allocations.
	DeleteConsumer(ctx context.Context, uuid string) error

	// DeleteConsumersIfNoAllocations deletes exactly those of the given
	// consumers that hold zero allocations, atomically with respect to
	// concurrent allocation writes, and returns how many were deleted.
	DeleteConsumersIfNoAllocations(ctx context.Context, uuids []string) (int, error)

	// EnsureIncompleteConsumers attaches the well-known incomplete project
	// and user to up to batchSize consumers that have no ownership edges at
	// all. Idempotent: repairs never duplicate edges. Returns the number of
	// consumers repaired.
	EnsureIncompleteConsumers(ctx context.Context, projectUUID, userUUID string, batchSize int) (int, error)
}

// OwnershipBackend manages projects, users and the OWNS chain.
type OwnershipBackend interface {
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, uuid string) (*types.Project, error)
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, uuid string) (*types.User, error)

	// RelateProjectAndUser establishes the canonical chain
	// project→user→consumer: it reads the current owners, no-ops when the
	// observed chain already matches, removes any conflicting edges, and
	// merges the two wanted edges. Merge semantics make it safe under
	// concurrent callers relating the same triple.
	RelateProjectAndUser(ctx context.Context, projectUUID, userUUID, consumerUUID string) error
}

// ProviderBackend manages resource providers and their inventory.
type ProviderBackend interface {
	// CreateProvider persists the provider, resolving RootUUID through the
	// parent chain. A provider without a parent roots its own tree.
	CreateProvider(ctx context.Context, provider *types.ResourceProvider) error

	GetProvider(ctx context.Context, uuid string) (*types.ResourceProvider, error)

	// SetInventory replaces the provider's inventory records wholesale.
	SetInventory(ctx context.Context, providerUUID string, inventories []types.Inventory) error

	// CandidatesForResourceClass returns the anchors of every provider whose
	// inventory of the given class can supply amount more units on top of
	// its current allocations.
	CandidatesForResourceClass(ctx context.Context, resourceClass string, amount int64) ([]ProviderAnchor, error)
}

// AllocationBackend manages the USES relation between consumers and providers.
type AllocationBackend interface {
	// ReplaceAllocations atomically swaps the consumer's allocation set for
	// the given one, guarded by the generation compare-and-swap: the swap
	// happens only if the stored generation still equals generation, and the
	// generation is bumped in the same transaction. A failed compare returns
	// ErrConcurrentUpdate and leaves no partial state.
	ReplaceAllocations(ctx context.Context, consumerUUID string, generation int64, allocations []types.Allocation) error

	ListAllocations(ctx context.Context, consumerUUID string) ([]types.Allocation, error)

	CountAllocations(ctx context.Context, consumerUUID string) (int, error)
}

// ChangelogBackend exposes the ULID-ordered log of allocation changes.
type ChangelogBackend interface {
	// ReadChanges returns a page of allocation changes ordered by ULID and a
	// continuation token, which is empty once the log is exhausted. If no
	// changes match it must return ErrNotFound.
	ReadChanges(ctx context.Context, options PaginationOptions) ([]*AllocationChange, string, error)
}

// PlacerDatastore is the full persistence surface consumed by the command layer.
type PlacerDatastore interface {
	ConsumerBackend
	OwnershipBackend
	ProviderBackend
	AllocationBackend
	ChangelogBackend

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}
