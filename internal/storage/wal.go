package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// castagnoliTable is the CRC-32C polynomial table shared by WAL and segments.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// RecordKind identifies the kind of a WAL record.
type RecordKind uint8

// WAL record kinds.
const (
	// RecordData carries an opaque engine payload.
	RecordData RecordKind = 1
	// RecordFlushMark notes that all preceding records are durable in a
	// segment; replay skips everything up to the last mark.
	RecordFlushMark RecordKind = 2
)

// WALRecord is a single decoded write-ahead-log record.
type WALRecord struct {
	LSN  uint64
	Kind RecordKind
	Data []byte
}

// walHeaderSize is len(u32) + lsn(u64) + kind(u8) + crc(u32).
const walHeaderSize = 4 + 8 + 1 + 4

// maxWALRecordBytes bounds a single record; larger lengths indicate corruption.
const maxWALRecordBytes = 64 << 20

// WAL is an append-only write-ahead log. Records carry a monotonic LSN and a
// CRC-32C chained over all record payloads, so replay detects both torn tails
// (silently truncated) and mid-log corruption (ErrCorrupt).
type WAL struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	bw     *bufio.Writer
	lsn    uint64
	crc    uint32
	policy SyncPolicy
	dirty  bool
	closed bool
}

// OpenWAL opens or creates the log at path, replays and validates existing
// records, and truncates any torn tail left by a crash. The returned records
// are every valid record currently in the log, in append order.
func OpenWAL(path string, policy SyncPolicy) (*WAL, []WALRecord, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, err
	}

	records, goodBytes, lastLSN, lastCRC, err := readWALRecords(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	// Drop a torn tail so appended records continue a valid chain.
	if fi, statErr := f.Stat(); statErr == nil && fi.Size() > goodBytes {
		if err := f.Truncate(goodBytes); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
	}
	if _, err := f.Seek(goodBytes, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	w := &WAL{
		path:   path,
		f:      f,
		bw:     bufio.NewWriter(f),
		lsn:    lastLSN,
		crc:    lastCRC,
		policy: policy,
	}
	return w, records, nil
}

// readWALRecords decodes records until EOF or a torn tail. A CRC mismatch on
// a fully readable record is mid-log corruption and returns ErrCorrupt.
func readWALRecords(r io.Reader) (records []WALRecord, goodBytes int64, lastLSN uint64, lastCRC uint32, err error) {
	br := bufio.NewReader(r)
	header := make([]byte, walHeaderSize)

	for {
		if _, rerr := io.ReadFull(br, header); rerr != nil {
			// Clean EOF or torn header: stop at the last good record.
			return records, goodBytes, lastLSN, lastCRC, nil
		}

		dataLen := binary.BigEndian.Uint32(header[0:4])
		lsn := binary.BigEndian.Uint64(header[4:12])
		kind := RecordKind(header[12])
		crc := binary.BigEndian.Uint32(header[13:17])

		if dataLen > maxWALRecordBytes {
			return nil, 0, 0, 0, fmt.Errorf("%w: record length %d at lsn %d", ErrCorrupt, dataLen, lsn)
		}

		data := make([]byte, dataLen)
		if _, rerr := io.ReadFull(br, data); rerr != nil {
			// Torn payload: the record was never fully written.
			return records, goodBytes, lastLSN, lastCRC, nil
		}

		wantCRC := crc32.Update(lastCRC, castagnoliTable, data)
		if crc != wantCRC {
			return nil, 0, 0, 0, fmt.Errorf("%w: crc mismatch at lsn %d", ErrCorrupt, lsn)
		}
		if lsn != lastLSN+1 {
			return nil, 0, 0, 0, fmt.Errorf("%w: lsn gap, want %d got %d", ErrCorrupt, lastLSN+1, lsn)
		}

		records = append(records, WALRecord{LSN: lsn, Kind: kind, Data: data})
		goodBytes += int64(walHeaderSize) + int64(dataLen)
		lastLSN = lsn
		lastCRC = crc
	}
}

// Append writes one record and returns its LSN. Under SyncEvery the record is
// durable on return; under SyncBatch durability is deferred to Sync.
func (w *WAL) Append(kind RecordKind, data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	w.lsn++
	w.crc = crc32.Update(w.crc, castagnoliTable, data)

	var header [walHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(data)))
	binary.BigEndian.PutUint64(header[4:12], w.lsn)
	header[12] = byte(kind)
	binary.BigEndian.PutUint32(header[13:17], w.crc)

	if _, err := w.bw.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := w.bw.Write(data); err != nil {
		return 0, err
	}
	w.dirty = true

	if w.policy == SyncEvery {
		if err := w.syncLocked(); err != nil {
			return 0, err
		}
	}
	return w.lsn, nil
}

// Sync flushes buffered records and fsyncs the file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if !w.dirty {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.dirty = false
	return nil
}

// Rewrite atomically replaces the log contents with records, restarting the
// LSN sequence and CRC chain. Used for log truncation and compaction.
func (w *WAL) Rewrite(records []WALRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	bw := bufio.NewWriter(tmp)
	var (
		lsn uint64
		crc uint32
	)
	for _, rec := range records {
		lsn++
		crc = crc32.Update(crc, castagnoliTable, rec.Data)

		var header [walHeaderSize]byte
		binary.BigEndian.PutUint32(header[0:4], uint32(len(rec.Data)))
		binary.BigEndian.PutUint64(header[4:12], lsn)
		header[12] = byte(rec.Kind)
		binary.BigEndian.PutUint32(header[13:17], crc)

		if _, err := bw.Write(header[:]); err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := bw.Write(rec.Data); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	//nolint:gosec // both paths live inside the engine data directory.
	if err := os.Rename(tmpName, w.path); err != nil {
		return err
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	// Swap the handle to the new file.
	_ = w.f.Close()
	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.bw = bufio.NewWriter(f)
	w.lsn = lsn
	w.crc = crc
	w.dirty = false
	return nil
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.syncLocked()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.closed = true
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
