package storage

import (
	"time"

	"github.com/placer-project/placer/pkg/types"
)

// Ownable kinds stored on ownership edges.
const (
	KindProject  = "project"
	KindUser     = "user"
	KindConsumer = "consumer"
)

// OwnershipEdge is one OWNS relation. The chain invariant means an owned
// entity has at most one inbound edge at a time.
type OwnershipEdge struct {
	OwnerUUID  string
	OwnerKind  string
	OwnedUUID  string
	OwnedKind  string
	InsertedAt time.Time
}

// ConsumerRecord is the stored shape of a consumer row.
type ConsumerRecord struct {
	UUID        string
	Generation  int64
	ProjectUUID string
	UserUUID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AsConsumer converts the record into the domain type, materializing owner
// stubs for whichever ends of the ownership chain are present.
func (r *ConsumerRecord) AsConsumer() *types.Consumer {
	c := &types.Consumer{
		UUID:       r.UUID,
		Generation: r.Generation,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.ProjectUUID != "" {
		c.Project = &types.Project{UUID: r.ProjectUUID}
	}
	if r.UserUUID != "" {
		c.User = &types.User{UUID: r.UserUUID}
	}
	return c
}

// AllocationRecord is the stored shape of one USES row.
type AllocationRecord struct {
	Ulid          string
	ConsumerUUID  string
	ProviderUUID  string
	ResourceClass string
	Used          int64
	InsertedAt    time.Time
}

func (r *AllocationRecord) AsAllocation() types.Allocation {
	return types.Allocation{
		ConsumerUUID:  r.ConsumerUUID,
		ProviderUUID:  r.ProviderUUID,
		ResourceClass: r.ResourceClass,
		Used:          r.Used,
		CreatedAt:     r.InsertedAt,
	}
}

// AllocationChangeOperation distinguishes changelog entries.
type AllocationChangeOperation int

const (
	AllocationChangeWrite AllocationChangeOperation = iota
	AllocationChangeDelete
)

// AllocationChange is one changelog entry. Ulid orders the log and doubles
// as the continuation token in ReadChanges.
type AllocationChange struct {
	Ulid          string
	Operation     AllocationChangeOperation
	ConsumerUUID  string
	ProviderUUID  string
	ResourceClass string
	Used          int64
	Timestamp     time.Time
}
