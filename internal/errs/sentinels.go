// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/vault/rotation layers.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable indicates a network or service failure of an external store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEmptyRecord indicates a secret parameter exists but carries no value.
	ErrEmptyRecord = errors.New("empty record")

	// ErrConcurrencyConflict indicates the edge-policy service rejected a stale concurrency token.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPartialRotation indicates the edge policy moved to a new secret but the vault commit failed.
	ErrPartialRotation = errors.New("partial rotation")

	// ErrInvalidPolicy indicates a malformed edge-policy reference or resource.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnsupported indicates the backend cannot serve the requested operation.
	ErrUnsupported = errors.New("unsupported")
)
