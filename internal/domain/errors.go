package domain

import "errors"

var (
	// ErrSourceUnavailable signals a transport-level failure fetching the
	// upstream source. The cycle logs it and ends early with zero inserts.
	ErrSourceUnavailable = errors.New("upstream source unavailable")

	// ErrConflict signals that the natural key already exists in the store.
	// Callers treat it as a duplicate, not a failure.
	ErrConflict = errors.New("event natural key already exists")

	// ErrCacheUnavailable covers every recency-cache failure mode: missing
	// snapshot, expired TTL, decode error, or transport error. The cache is
	// advisory, so callers degrade to store-only behavior.
	ErrCacheUnavailable = errors.New("recency cache unavailable")

	// ErrTokenInvalid marks a device token the push provider rejected
	// permanently. The dispatcher prunes such tokens from the registry.
	ErrTokenInvalid = errors.New("device token permanently invalid")

	// ErrNotFound is returned by store lookups that match nothing.
	ErrNotFound = errors.New("not found")
)
