package storage

import "errors"

var (
	// ErrNotFound indicates the requested item does not exist. Batched
	// lookups never return it; missing members are simply absent from the
	// result.
	ErrNotFound = errors.New("not found")

	// ErrGraphNotFound indicates the project has no graph namespace,
	// either because it was never created or already deleted.
	ErrGraphNotFound = errors.New("project graph not found")

	// ErrSelfLoop indicates a relation whose source and target normalize
	// to the same entity.
	ErrSelfLoop = errors.New("relation is a self-loop")

	// ErrDimensionMismatch indicates an embedding whose dimension does
	// not match the store's configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
