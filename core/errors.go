package core

import "errors"

// Error taxonomy shared by the registry, stores and pipeline. Callers
// branch with errors.Is; everything else wraps these with context.
var (
	// ErrConflict: the sourceUri is already indexed. Re-indexing is
	// rejected, never merged.
	ErrConflict = errors.New("source already indexed")

	// ErrNotFound: unknown video id or source uri on a read or delete.
	ErrNotFound = errors.New("video not found")

	// ErrInvalidInput: the request cannot be served as given, e.g. an
	// empty frame-observation set passed to indexing.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpstreamUnavailable: an external provider or the store is not
	// ready. Distinct from bad requests so callers can retry later.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
