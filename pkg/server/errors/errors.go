// Package errors holds the error taxonomy the command layer surfaces to
// callers, on top of the storage sentinels.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidUUID is returned when a request carries a malformed UUID.
	ErrInvalidUUID = errors.New("invalid uuid")

	// ErrConflictRetriesExhausted is returned when a write kept losing the
	// generation race and the bounded retry policy gave up.
	ErrConflictRetriesExhausted = errors.New("concurrent update retries exhausted")

	// ErrConsumerHasAllocations is returned when a conditional consumer
	// delete finds live allocations.
	ErrConsumerHasAllocations = errors.New("consumer still holds allocations")
)

// HandleError attaches a public message to an internal error while keeping
// errors.Is chains intact.
func HandleError(public string, err error) error {
	if public == "" {
		return err
	}
	return fmt.Errorf("%s: %w", public, err)
}
