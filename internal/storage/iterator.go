package storage

import "bytes"

// recordIter is the internal iterator shared by memtable snapshots, segment
// scans, and the merge iterator. next returns nil when exhausted.
type recordIter interface {
	next() (*segmentRecord, error)
}

// sliceIter iterates an in-memory, already-sorted batch of records.
type sliceIter struct {
	records []segmentRecord
	pos     int
}

func (it *sliceIter) next() (*segmentRecord, error) {
	if it.pos >= len(it.records) {
		return nil, nil
	}
	rec := &it.records[it.pos]
	it.pos++
	return rec, nil
}

// mergeIter merges sources ordered newest to oldest. On duplicate keys the
// newest source wins and older entries for the key are consumed silently.
type mergeIter struct {
	sources []recordIter
	heads   []*segmentRecord
	primed  bool
}

func newMergeIter(sources []recordIter) *mergeIter {
	return &mergeIter{
		sources: sources,
		heads:   make([]*segmentRecord, len(sources)),
	}
}

func (m *mergeIter) prime() error {
	for i, src := range m.sources {
		rec, err := src.next()
		if err != nil {
			return err
		}
		m.heads[i] = rec
	}
	m.primed = true
	return nil
}

// next returns the winning record for the smallest pending key.
func (m *mergeIter) next() (*segmentRecord, error) {
	if !m.primed {
		if err := m.prime(); err != nil {
			return nil, err
		}
	}

	var minKey []byte
	for _, h := range m.heads {
		if h == nil {
			continue
		}
		if minKey == nil || bytes.Compare(h.key, minKey) < 0 {
			minKey = h.key
		}
	}
	if minKey == nil {
		return nil, nil
	}

	var winner *segmentRecord
	for i, h := range m.heads {
		if h == nil || !bytes.Equal(h.key, minKey) {
			continue
		}
		if winner == nil {
			winner = h // newest source listed first
		}
		rec, err := m.sources[i].next()
		if err != nil {
			return nil, err
		}
		m.heads[i] = rec
	}
	return winner, nil
}

// engineIter adapts the merged record stream to the public Iterator,
// hiding tombstones and copying key/value bytes out.
type engineIter struct {
	inner recordIter
	key   []byte
	value []byte
	err   error
	done  bool
}

func (it *engineIter) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	for {
		rec, err := it.inner.next()
		if err != nil {
			it.err = err
			return false
		}
		if rec == nil {
			it.done = true
			return false
		}
		if rec.tombstone {
			continue
		}
		it.key = append(it.key[:0], rec.key...)
		it.value = append(it.value[:0], rec.value...)
		return true
	}
}

func (it *engineIter) Key() []byte   { return it.key }
func (it *engineIter) Value() []byte { return it.value }
func (it *engineIter) Err() error    { return it.err }
func (it *engineIter) Close() error  { return nil }
