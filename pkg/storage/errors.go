package storage

import (
	"errors"
	"fmt"
)

var (
	// Creation errors

	// ErrCollision if an item already exists within the store.
	ErrCollision = errors.New("item already exists")

	// Read errors

	ErrInvalidContinuationToken = errors.New("invalid continuation token")

	// Write errors

	// ErrConcurrentUpdate if a generation compare-and-swap failed because
	// another writer updated the consumer first. Callers must re-fetch and
	// retry the whole read-modify-write sequence.
	ErrConcurrentUpdate = errors.New("concurrent update detected")

	// Shared errors

	ErrCancelled = errors.New("request has been cancelled")
	ErrNotFound  = errors.New("not found")
)

// ConsumerNotFoundError reports a consumer lookup that returned no record.
// It wraps ErrNotFound so callers can test with errors.Is.
func ConsumerNotFoundError(uuid string) error {
	return fmt.Errorf("consumer %s: %w", uuid, ErrNotFound)
}

// ProviderNotFoundError reports a resource provider lookup that returned no record.
func ProviderNotFoundError(uuid string) error {
	return fmt.Errorf("resource provider %s: %w", uuid, ErrNotFound)
}

// ProjectNotFoundError reports a project lookup that returned no record.
func ProjectNotFoundError(uuid string) error {
	return fmt.Errorf("project %s: %w", uuid, ErrNotFound)
}

// UserNotFoundError reports a user lookup that returned no record.
func UserNotFoundError(uuid string) error {
	return fmt.Errorf("user %s: %w", uuid, ErrNotFound)
}

// ConcurrentUpdateError reports a failed generation compare-and-swap for a
// consumer. It wraps ErrConcurrentUpdate.
func ConcurrentUpdateError(uuid string, expected int64) error {
	return fmt.Errorf("consumer %s no longer at generation %d: %w", uuid, expected, ErrConcurrentUpdate)
}
