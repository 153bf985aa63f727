package storage

import (
	"bytes"

	"github.com/google/btree"
)

// memItem is a single memtable entry. A tombstone shadows older segment
// versions of the key until compaction drops both.
type memItem struct {
	key       []byte
	value     []byte
	tombstone bool
}

// Less orders memtable items by raw key bytes.
func (it *memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(*memItem).key) < 0
}

// memtable is the mutable in-memory sorted table in front of the segments.
// It is not safe for concurrent use; the engine serializes access.
type memtable struct {
	tree      *btree.BTree
	sizeBytes int
}

const memtableDegree = 32

func newMemtable() *memtable {
	return &memtable{tree: btree.New(memtableDegree)}
}

// get returns the entry for key, or nil if the memtable has no opinion.
func (m *memtable) get(key []byte) *memItem {
	it := m.tree.Get(&memItem{key: key})
	if it == nil {
		return nil
	}
	return it.(*memItem)
}

// set inserts or replaces the entry for key.
func (m *memtable) set(key, value []byte, tombstone bool) {
	item := &memItem{
		key:       append([]byte(nil), key...),
		value:     append([]byte(nil), value...),
		tombstone: tombstone,
	}
	if prev := m.tree.ReplaceOrInsert(item); prev != nil {
		old := prev.(*memItem)
		m.sizeBytes -= len(old.key) + len(old.value)
	}
	m.sizeBytes += len(item.key) + len(item.value)
}

// ascendRange visits entries with start <= key < end in order. A nil end
// visits to the last key. fn returns false to stop.
func (m *memtable) ascendRange(start, end []byte, fn func(*memItem) bool) {
	visit := func(it btree.Item) bool {
		item := it.(*memItem)
		if end != nil && bytes.Compare(item.key, end) >= 0 {
			return false
		}
		return fn(item)
	}
	if start == nil {
		m.tree.Ascend(visit)
		return
	}
	m.tree.AscendGreaterOrEqual(&memItem{key: start}, visit)
}

func (m *memtable) len() int { return m.tree.Len() }

func (m *memtable) bytes() int { return m.sizeBytes }
