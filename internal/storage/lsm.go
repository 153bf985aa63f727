package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Options tunes the LSM engine.
type Options struct {
	// MemtableBytes is the flush threshold for the in-memory table.
	MemtableBytes int
	// Sync selects the WAL fsync policy.
	Sync SyncPolicy
	// CompactAfter is the segment count that triggers a background merge.
	CompactAfter int
	// Logger is required.
	Logger Logger
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		MemtableBytes: 4 << 20,
		Sync:          SyncEvery,
		CompactAfter:  4,
	}
}

const (
	walOpPut    = 1
	walOpDelete = 2
)

// LSM is the log-structured Engine implementation.
//
// Writes land in the WAL, then the memtable. A full memtable is flushed to a
// numbered immutable segment; the WAL is rewritten empty once the segment is
// durable, so replay after a crash rebuilds exactly the unflushed tail.
type LSM struct {
	mu   sync.RWMutex
	dir  string
	opts Options

	wal      *WAL
	mem      *memtable
	segs     []*segmentReader // newest first
	obsolete []*segmentReader // compacted away, closed on Close
	next     uint64           // next segment id

	failed error // sticky fatal-local error; engine refuses writes once set

	compactCh chan struct{}
	closeCh   chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

// OpenLSM opens or creates an LSM engine rooted at dir and replays the WAL
// tail left by the previous run.
func OpenLSM(dir string, opts Options) (*LSM, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("storage: nil logger")
	}
	def := DefaultOptions()
	if opts.MemtableBytes <= 0 {
		opts.MemtableBytes = def.MemtableBytes
	}
	if opts.Sync == "" {
		opts.Sync = def.Sync
	}
	if opts.CompactAfter <= 0 {
		opts.CompactAfter = def.CompactAfter
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	segs, next, err := loadSegments(dir)
	if err != nil {
		return nil, err
	}

	wal, records, err := OpenWAL(filepath.Join(dir, "wal.log"), opts.Sync)
	if err != nil {
		for _, s := range segs {
			_ = s.close()
		}
		return nil, err
	}

	e := &LSM{
		dir:       dir,
		opts:      opts,
		wal:       wal,
		mem:       newMemtable(),
		segs:      segs,
		next:      next,
		compactCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}

	// Replay only records that follow the last flush mark: everything before
	// it is already durable in a segment.
	tail := records
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind == RecordFlushMark {
			tail = records[i+1:]
			break
		}
	}
	for _, rec := range tail {
		if rec.Kind != RecordData {
			continue
		}
		key, value, op, derr := decodeWALOp(rec.Data)
		if derr != nil {
			_ = e.closeFiles()
			return nil, derr
		}
		e.mem.set(key, value, op == walOpDelete)
	}
	if len(tail) > 0 {
		opts.Logger.Debug("wal tail replayed",
			"dir", dir,
			"records", len(tail),
			"memtable_bytes", e.mem.bytes(),
		)
	}

	e.wg.Add(1)
	go e.runCompactor()

	return e, nil
}

func loadSegments(dir string) (segs []*segmentReader, next uint64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}

	var ids []uint64
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, ".seg") {
			continue
		}
		id, perr := strconv.ParseUint(strings.TrimSuffix(name, ".seg"), 16, 64)
		if perr != nil {
			continue
		}
		ids = append(ids, id)
	}
	// Newest first: ids increase monotonically across flushes and compactions.
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	next = 1
	for _, id := range ids {
		if id >= next {
			next = id + 1
		}
		s, oerr := openSegment(segmentPath(dir, id))
		if oerr != nil {
			for _, prev := range segs {
				_ = prev.close()
			}
			return nil, 0, oerr
		}
		segs = append(segs, s)
	}
	return segs, next, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.seg", id))
}

func encodeWALOp(op byte, key, value []byte) []byte {
	out := make([]byte, 1+4+len(key)+len(value))
	out[0] = op
	binary.BigEndian.PutUint32(out[1:5], uint32(len(key)))
	copy(out[5:], key)
	copy(out[5+len(key):], value)
	return out
}

func decodeWALOp(data []byte) (key, value []byte, op byte, err error) {
	if len(data) < 5 {
		return nil, nil, 0, fmt.Errorf("%w: short wal op", ErrCorrupt)
	}
	op = data[0]
	klen := binary.BigEndian.Uint32(data[1:5])
	if uint64(len(data)) < 5+uint64(klen) {
		return nil, nil, 0, fmt.Errorf("%w: short wal op key", ErrCorrupt)
	}
	return data[5 : 5+klen], data[5+klen:], op, nil
}

// Get implements Engine.
func (e *LSM) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, false, ErrClosed
	}

	if it := e.mem.get(key); it != nil {
		if it.tombstone {
			return nil, false, nil
		}
		return append([]byte(nil), it.value...), true, nil
	}
	for _, seg := range e.segs {
		rec, err := seg.get(key)
		if err != nil {
			return nil, false, err
		}
		if rec == nil {
			continue
		}
		if rec.tombstone {
			return nil, false, nil
		}
		return append([]byte(nil), rec.value...), true, nil
	}
	return nil, false, nil
}

// Put implements Engine.
func (e *LSM) Put(key, value []byte) error {
	return e.write(walOpPut, key, value)
}

// Delete implements Engine.
func (e *LSM) Delete(key []byte) error {
	return e.write(walOpDelete, key, nil)
}

func (e *LSM) write(op byte, key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.failed != nil {
		return e.failed
	}

	if _, err := e.wal.Append(RecordData, encodeWALOp(op, key, value)); err != nil {
		e.failLocked(err)
		return err
	}
	e.mem.set(key, value, op == walOpDelete)

	if e.mem.bytes() >= e.opts.MemtableBytes {
		if err := e.flushLocked(); err != nil {
			e.failLocked(err)
			return err
		}
	}
	return nil
}

// failLocked records a fatal-local error; the engine refuses writes after it.
func (e *LSM) failLocked(err error) {
	if e.failed != nil {
		return
	}
	e.failed = err
	e.opts.Logger.Error("engine entered failed state, refusing further writes",
		"dir", e.dir,
		"error", err,
	)
}

// Scan implements Engine.
func (e *LSM) Scan(start, end []byte) (Iterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	var memRecords []segmentRecord
	e.mem.ascendRange(start, end, func(it *memItem) bool {
		memRecords = append(memRecords, segmentRecord{
			key:       it.key,
			value:     it.value,
			tombstone: it.tombstone,
		})
		return true
	})

	sources := make([]recordIter, 0, 1+len(e.segs))
	sources = append(sources, &sliceIter{records: memRecords})
	for _, seg := range e.segs {
		sources = append(sources, seg.scan(start, end))
	}
	return &engineIter{inner: newMergeIter(sources)}, nil
}

// Flush implements Engine: the memtable is flushed to a segment and the WAL
// emptied. A no-op for an empty memtable beyond an fsync.
func (e *LSM) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.failed != nil {
		return e.failed
	}
	if e.mem.len() == 0 {
		return e.wal.Sync()
	}
	if err := e.flushLocked(); err != nil {
		e.failLocked(err)
		return err
	}
	return nil
}

// flushLocked writes the memtable to a new segment, then marks the flush in
// the WAL and rewrites it empty. Order matters: the segment must be durable
// before the mark, so a crash in between replays into a state the newer
// memtable entries simply overwrite.
func (e *LSM) flushLocked() error {
	records := make([]segmentRecord, 0, e.mem.len())
	e.mem.ascendRange(nil, nil, func(it *memItem) bool {
		records = append(records, segmentRecord{
			key:       it.key,
			value:     it.value,
			tombstone: it.tombstone,
		})
		return true
	})

	id := e.next
	if err := writeSegment(segmentPath(e.dir, id), records); err != nil {
		return err
	}
	seg, err := openSegment(segmentPath(e.dir, id))
	if err != nil {
		return err
	}
	e.next = id + 1

	if _, err := e.wal.Append(RecordFlushMark, nil); err != nil {
		_ = seg.close()
		return err
	}
	if err := e.wal.Sync(); err != nil {
		_ = seg.close()
		return err
	}
	if err := e.wal.Rewrite(nil); err != nil {
		_ = seg.close()
		return err
	}

	e.segs = append([]*segmentReader{seg}, e.segs...)
	e.mem = newMemtable()

	e.opts.Logger.Debug("memtable flushed",
		"dir", e.dir,
		"segment", fmt.Sprintf("%016x", id),
		"records", len(records),
		"segments", len(e.segs),
	)

	if len(e.segs) >= e.opts.CompactAfter {
		select {
		case e.compactCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (e *LSM) runCompactor() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.compactCh:
			if err := e.compact(); err != nil {
				e.mu.Lock()
				e.failLocked(err)
				e.mu.Unlock()
			}
		}
	}
}

// compact merges every current segment into one, dropping tombstones and
// superseded values. Flushes may prepend new segments concurrently; only the
// snapshotted suffix is replaced.
func (e *LSM) compact() error {
	e.mu.Lock()
	if e.closed || len(e.segs) < 2 {
		e.mu.Unlock()
		return nil
	}
	old := append([]*segmentReader(nil), e.segs...)
	id := e.next
	e.next = id + 1
	e.mu.Unlock()

	sources := make([]recordIter, 0, len(old))
	for _, seg := range old {
		sources = append(sources, seg.scan(nil, nil))
	}
	merged := newMergeIter(sources)

	var out []segmentRecord
	for {
		rec, err := merged.next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		if rec.tombstone {
			// The merge covers the whole key space of these segments, so a
			// surviving tombstone shadows nothing and can be dropped.
			continue
		}
		out = append(out, segmentRecord{
			key:       append([]byte(nil), rec.key...),
			value:     append([]byte(nil), rec.value...),
			tombstone: false,
		})
	}

	if err := writeSegment(segmentPath(e.dir, id), out); err != nil {
		return err
	}
	seg, err := openSegment(segmentPath(e.dir, id))
	if err != nil {
		return err
	}

	e.mu.Lock()
	keep := e.segs[:len(e.segs)-len(old)]
	e.segs = append(append([]*segmentReader(nil), keep...), seg)
	// Keep the replaced readers open until Close: in-flight scans may still
	// hold iterators over them. Unlinking now reclaims the space lazily.
	e.obsolete = append(e.obsolete, old...)
	e.mu.Unlock()

	for _, s := range old {
		_ = os.Remove(s.path)
	}
	_ = syncDir(e.dir)

	e.opts.Logger.Debug("segments compacted",
		"dir", e.dir,
		"merged", len(old),
		"records", len(out),
	)
	return nil
}

func (e *LSM) closeFiles() error {
	err := e.wal.Close()
	for _, s := range e.segs {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}
	for _, s := range e.obsolete {
		_ = s.close()
	}
	e.obsolete = nil
	return err
}

// Close implements Engine.
func (e *LSM) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closeCh)
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeFiles()
}
