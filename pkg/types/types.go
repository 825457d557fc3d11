package types

import (
	"fmt"
	"time"
)

// ResourceProvider is an entity offering inventory of one or more resource
// classes. A provider without a parent is the root of its own tree, and
// RootUUID equals UUID in that case.
type ResourceProvider struct {
	UUID       string
	Name       string
	ParentUUID string
	RootUUID   string
	Generation int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsRoot reports whether the provider anchors its own tree.
func (rp *ResourceProvider) IsRoot() bool {
	return rp.ParentUUID == ""
}

// Inventory describes the capacity a provider offers for one resource class.
type Inventory struct {
	ProviderUUID    string
	ResourceClass   string
	Total           int64
	Reserved        int64
	MinUnit         int64
	MaxUnit         int64
	StepSize        int64
	AllocationRatio float64
}

// Capacity returns the usable amount after applying the reservation and the
// allocation ratio.
func (inv *Inventory) Capacity() int64 {
	return int64(float64(inv.Total-inv.Reserved) * inv.AllocationRatio)
}

// Project is the top of the ownership chain.
type Project struct {
	UUID       string
	ExternalID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// User is owned by exactly one project and owns zero or more consumers.
type User struct {
	UUID       string
	ExternalID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Consumer holds allocations against providers. Generation is the
// optimistic-concurrency token: any mutation of the consumer's allocation
// state must present the expected generation and atomically bump it.
type Consumer struct {
	UUID       string
	Project    *Project
	User       *User
	Generation int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (c *Consumer) String() string {
	return fmt.Sprintf("consumer %s (generation %d)", c.UUID, c.Generation)
}

// Allocation records a consumer's claimed usage of a resource class on a
// specific provider.
type Allocation struct {
	ConsumerUUID  string
	ProviderUUID  string
	ResourceClass string
	Used          int64
	CreatedAt     time.Time
}
