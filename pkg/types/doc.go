// Package types contains the domain value types shared across the placer
// internals: resource providers and their inventory, the ownership chain of
// projects, users and consumers, and the allocations that tie consumers to
// provider inventory.
package types
