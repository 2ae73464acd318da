// Package cache provides the shared key/value cache and the advisory
// lock primitive used to make expensive recomputations single-flight.
//
// Values are serialized as JSON at the cache boundary; callers work with
// typed values through Cache[T]. Keys are namespaced by the caller
// (e.g. "static:content:<digest>:<path>") so entity kinds can never
// collide.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable indicates the cache backend itself is unreachable.
	// Single-flight guarantees depend on the lock backend, so this is
	// never silently swallowed.
	ErrUnavailable = errors.New("cache backend unavailable")

	// ErrLockTimeout indicates a lock was still held by another owner
	// when the wait deadline elapsed.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// Store is a raw byte-oriented cache backend with TTL support and a
// named, TTL-bounded advisory lock.
type Store interface {
	// Get returns the value for key, or found=false on a miss or an
	// expired entry.
	Get(key string) (value []byte, found bool, err error)

	// Set stores value under key. A ttl <= 0 means the entry never
	// expires.
	Set(key string, value []byte, ttl time.Duration) error

	// Exists reports whether a live entry exists for key.
	Exists(key string) (bool, error)

	// Delete removes the entry for key. Deleting a missing key is not
	// an error.
	Delete(key string) error

	// TakeLock acquires the named lock, waiting up to wait for a
	// contended lock before giving up with ErrLockTimeout. The lock
	// expires on its own after hold so a crashed holder cannot block
	// others indefinitely.
	TakeLock(ctx context.Context, name string, wait, hold time.Duration) (Lock, error)
}

// Lock is an acquired advisory lock. Release is idempotent; a lock whose
// hold deadline has already elapsed releases as a no-op.
type Lock interface {
	Release() error
}

// Cache is a typed view over a Store for one value type. The JSON
// serialization concern stays behind this boundary.
type Cache[T any] struct {
	store Store
	ttl   time.Duration
}

// New returns a typed cache over store. ttl is the default lifetime for
// Set; a ttl <= 0 stores entries without expiry.
func New[T any](store Store, ttl time.Duration) *Cache[T] {
	return &Cache[T]{store: store, ttl: ttl}
}

// TryGet fetches and deserializes the value for key.
func (c *Cache[T]) TryGet(key string) (T, bool, error) {
	var value T

	raw, found, err := c.store.Get(key)
	if err != nil || !found {
		return value, false, err
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("decode cache entry %q: %w", key, err)
	}

	return value, true, nil
}

// Set stores value under key with the cache's default TTL.
func (c *Cache[T]) Set(key string, value T) error {
	return c.SetTTL(key, value, c.ttl)
}

// SetTTL stores value under key with an explicit lifetime. A ttl <= 0
// stores the entry without expiry.
func (c *Cache[T]) SetTTL(key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", key, err)
	}

	return c.store.Set(key, raw, ttl)
}

// Exists reports whether a live entry exists for key without
// deserializing it.
func (c *Cache[T]) Exists(key string) (bool, error) {
	return c.store.Exists(key)
}

// Invalidate drops the entry for key.
func (c *Cache[T]) Invalidate(key string) error {
	return c.store.Delete(key)
}

// TakeLock acquires the named lock on the underlying store.
func (c *Cache[T]) TakeLock(ctx context.Context, name string, wait, hold time.Duration) (Lock, error) {
	return c.store.TakeLock(ctx, name, wait, hold)
}
