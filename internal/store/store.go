// Package store defines the persistent ordered-KV abstraction shared by
// internal/cache's persistent tier and internal/ledger's durable append
// path: one storage engine, two buckets. Two
// implementations exist: a local embedded store (go.etcd.io/bbolt) and a
// networked one (redis), selected by the "cache.backend" config key.
package store

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrVersionMismatch is a startup error when the durable store's schema
// version does not match SchemaVersion.
var ErrVersionMismatch = errors.New("store: schema version mismatch")

// SchemaVersion is bumped whenever the on-disk/redis encoding changes in a
// way that is not forward compatible.
const SchemaVersion = 1

// Store is an ordered key-value abstraction scoped by named buckets.
// Keys within a bucket sort lexicographically; callers that need id-order
// (the ledger) encode ids big-endian so lexicographic order matches
// numeric order.
type Store interface {
	// Get fetches a value. Returns ErrNotFound if absent.
	Get(bucket string, key []byte) ([]byte, error)
	// Put writes a value, creating the bucket if necessary.
	Put(bucket string, key, value []byte) error
	// Delete removes a key; a missing key is not an error.
	Delete(bucket string, key []byte) error
	// Scan walks keys in [start, end) (end exclusive; nil end means open),
	// in ascending order unless reverse is true, calling fn for each entry
	// until fn returns false or the range is exhausted.
	Scan(bucket string, start, end []byte, reverse bool, fn func(key, value []byte) bool) error
	// Close releases underlying resources.
	Close() error
}
