package storage

import (
	"bytes"
	"time"

	"github.com/boltdb/bolt"
)

var boltBucket = []byte("kv")

// BoltEngine is the B-tree Engine implementation backed by bolt. It trades
// the LSM's write throughput for a single-file layout and simpler operations;
// consumers cannot tell the two apart through the Engine interface.
type BoltEngine struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bolt-backed engine at path.
func OpenBolt(path string) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(boltBucket)
		return berr
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltEngine{db: db}, nil
}

// Get implements Engine.
func (e *BoltEngine) Get(key []byte) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := e.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get(key); v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

// Put implements Engine.
func (e *BoltEngine) Put(key, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

// Delete implements Engine.
func (e *BoltEngine) Delete(key []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

// Scan implements Engine. The range is materialized under a read transaction
// so the iterator sees a consistent view without holding the transaction open.
func (e *BoltEngine) Scan(start, end []byte) (Iterator, error) {
	var records []segmentRecord
	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()

		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			records = append(records, segmentRecord{
				key:   append([]byte(nil), k...),
				value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &engineIter{inner: &sliceIter{records: records}}, nil
}

// Flush implements Engine. Bolt commits are already durable; Sync covers the
// NoSync configuration should it ever be enabled.
func (e *BoltEngine) Flush() error {
	return e.db.Sync()
}

// Close implements Engine.
func (e *BoltEngine) Close() error {
	return e.db.Close()
}
