// Package lockqueue implements the Shared Lock & Queue Backend (C3): the
// primitives the Execution Queue (C6) and Scheduler (C9) need to coordinate
// across multiple control-plane processes -- a running-execution marker per
// agent, a bounded FIFO wait list per agent, and a distributed mutex for
// per-schedule tick ownership. Two implementations satisfy Backend: Redis
// for multi-process deployments, and an in-process Memory backend for
// single-instance or test use.
package lockqueue

import (
	"context"
	"time"
)

// Backend is the minimal set of primitives the queue and scheduler need.
// Every method is safe for concurrent use.
type Backend interface {
	// Set writes key unconditionally, expiring after ttl (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes key only if absent, expiring after ttl. Returns false
	// without error if key was already present.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value at key, or ok=false if absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Delete removes key. Not an error if it was already absent.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns every key matching a "prefix*" glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// LPush pushes value onto the head of the list at key.
	LPush(ctx context.Context, key, value string) error
	// RPop pops and returns the tail of the list at key (FIFO with LPush).
	RPop(ctx context.Context, key string) (value string, ok bool, err error)
	// LRange returns a slice of the list at key, head to tail, using Redis's
	// inclusive start/stop indexing (-1 means the last element).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)
	// DeleteList removes the list at key and returns its length beforehand.
	DeleteList(ctx context.Context, key string) (int64, error)

	// AcquireLock attempts to take a TTL-bound mutex at key, returning an
	// opaque token on success that must be presented to ReleaseLock. Used
	// for per-schedule tick ownership across scheduler replicas.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// ReleaseLock releases key only if it is still held with token (a
	// compare-and-delete), so a lock that already expired and was retaken
	// by another holder is never released out from under it.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}
