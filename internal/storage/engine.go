// Package storage implements the node-local durable key-value engine.
//
// The primary implementation is an LSM tree: writes go to a CRC-chained
// write-ahead log, then to an in-memory sorted memtable; full memtables are
// flushed to immutable sorted segment files which a background compactor
// merges. A simpler B-tree implementation backed by bolt is provided behind
// the same Engine interface so consumers never depend on the layout.
package storage

import "errors"

// SyncPolicy controls when the WAL is fsynced.
type SyncPolicy string

// Supported WAL sync policies.
const (
	// SyncEvery fsyncs after every appended record.
	SyncEvery SyncPolicy = "every"
	// SyncBatch fsyncs once per engine-level batch (Flush or rotation).
	SyncBatch SyncPolicy = "batch"
)

// ErrCorrupt reports a CRC mismatch in the middle of a WAL or segment file.
// It is fatal for the node: the engine refuses further writes.
var ErrCorrupt = errors.New("storage: corrupt record")

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("storage: engine closed")

// Engine is the capability interface for durable ordered key-value storage.
// Keys and values are copied on the way in and out; callers may reuse their
// buffers. Implementations must be safe for concurrent use.
type Engine interface {
	// Get returns the current value for key, or ok=false if absent.
	Get(key []byte) (value []byte, ok bool, err error)

	// Put durably stores key->value.
	Put(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Scan returns an iterator over [start, end). A nil end scans to the
	// last key. The iterator observes a consistent view taken at call time.
	Scan(start, end []byte) (Iterator, error)

	// Flush forces buffered state to durable storage.
	Flush() error

	// Close flushes and releases all resources.
	Close() error
}

// Iterator walks keys in ascending order. Usage:
//
//	for it.Next() {
//		_ = it.Key()
//	}
//	err := it.Err()
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Logger is the minimal structured logger used by the engine,
// compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
