// Package store provides the Durable Store (C1): transactional project
// creation, optimistic compare-and-set task mutation, and the read paths
// the PM Orchestrator, Dispatcher, and Result Ingester depend on.
package store

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrStoreUnavailable is a retriable connection/serialization failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTokenAlreadyUsed is returned when a registration token has already
	// been consumed by a prior registration.
	ErrTokenAlreadyUsed = errors.New("registration token already used")

	// ErrTokenExpired is returned when a registration token is past its
	// expiry or has been revoked.
	ErrTokenExpired = errors.New("registration token expired or revoked")

	// ErrCyclicDependency is returned when a project's task batch would
	// introduce a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic task dependency")
)
