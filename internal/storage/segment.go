package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
)

// Segment file layout:
//
//	data:   repeated | u32 klen | u32 vlen | u8 flags | key | value |
//	index:  repeated | u32 klen | key | u64 data-offset |
//	bloom:  encoded filter
//	footer: u64 indexOff | u64 indexLen | u64 bloomOff | u64 bloomLen |
//	        u32 crc(index+bloom) | u32 magic
//
// Segments are immutable once renamed into place.

const (
	segmentMagic      = 0x5147_4b56 // "QGKV"
	segmentFooterSize = 8 + 8 + 8 + 8 + 4 + 4
	flagTombstone     = 0x01
)

// segmentRecord is one key entry inside a segment or memtable flush batch.
type segmentRecord struct {
	key       []byte
	value     []byte
	tombstone bool
}

type indexEntry struct {
	key    []byte
	offset uint64
}

// writeSegment writes records (already sorted by key, one entry per key) to
// path via a temp file and atomic rename.
func writeSegment(path string, records []segmentRecord) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	bw := bufio.NewWriter(tmp)

	bloom := newBloomFilter(len(records))
	index := make([]indexEntry, 0, len(records))

	var offset uint64
	for _, rec := range records {
		index = append(index, indexEntry{key: rec.key, offset: offset})
		bloom.add(rec.key)

		var header [9]byte
		binary.BigEndian.PutUint32(header[0:4], uint32(len(rec.key)))
		binary.BigEndian.PutUint32(header[4:8], uint32(len(rec.value)))
		if rec.tombstone {
			header[8] = flagTombstone
		}
		if _, err := bw.Write(header[:]); err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := bw.Write(rec.key); err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := bw.Write(rec.value); err != nil {
			_ = tmp.Close()
			return err
		}
		offset += 9 + uint64(len(rec.key)) + uint64(len(rec.value))
	}

	var tail bytes.Buffer
	for _, ie := range index {
		var klen [4]byte
		binary.BigEndian.PutUint32(klen[:], uint32(len(ie.key)))
		tail.Write(klen[:])
		tail.Write(ie.key)
		var off [8]byte
		binary.BigEndian.PutUint64(off[:], ie.offset)
		tail.Write(off[:])
	}
	indexLen := uint64(tail.Len())
	bloomBytes := bloom.encode()
	tail.Write(bloomBytes)

	tailBytes := tail.Bytes()
	crc := crc32.Checksum(tailBytes, castagnoliTable)

	if _, err := bw.Write(tailBytes); err != nil {
		_ = tmp.Close()
		return err
	}

	var footer [segmentFooterSize]byte
	binary.BigEndian.PutUint64(footer[0:8], offset)             // indexOff
	binary.BigEndian.PutUint64(footer[8:16], indexLen)          // indexLen
	binary.BigEndian.PutUint64(footer[16:24], offset+indexLen)  // bloomOff
	binary.BigEndian.PutUint64(footer[24:32], uint64(len(bloomBytes)))
	binary.BigEndian.PutUint32(footer[32:36], crc)
	binary.BigEndian.PutUint32(footer[36:40], segmentMagic)
	if _, err := bw.Write(footer[:]); err != nil {
		_ = tmp.Close()
		return err
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
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

// segmentReader serves point and range reads from one immutable segment.
// The key index and bloom filter are held in memory; record payloads are
// read from the file on demand.
type segmentReader struct {
	path  string
	f     *os.File
	index []indexEntry
	bloom *bloomFilter
}

func openSegment(path string) (*segmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() < segmentFooterSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: segment %s too short", ErrCorrupt, filepath.Base(path))
	}

	var footer [segmentFooterSize]byte
	if _, err := f.ReadAt(footer[:], fi.Size()-segmentFooterSize); err != nil {
		_ = f.Close()
		return nil, err
	}
	if binary.BigEndian.Uint32(footer[36:40]) != segmentMagic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: bad segment magic in %s", ErrCorrupt, filepath.Base(path))
	}

	indexOff := binary.BigEndian.Uint64(footer[0:8])
	indexLen := binary.BigEndian.Uint64(footer[8:16])
	bloomLen := binary.BigEndian.Uint64(footer[24:32])
	wantCRC := binary.BigEndian.Uint32(footer[32:36])

	tail := make([]byte, indexLen+bloomLen)
	if _, err := f.ReadAt(tail, int64(indexOff)); err != nil {
		_ = f.Close()
		return nil, err
	}
	if crc32.Checksum(tail, castagnoliTable) != wantCRC {
		_ = f.Close()
		return nil, fmt.Errorf("%w: segment %s index crc mismatch", ErrCorrupt, filepath.Base(path))
	}

	var index []indexEntry
	for buf := tail[:indexLen]; len(buf) > 0; {
		if len(buf) < 4 {
			_ = f.Close()
			return nil, fmt.Errorf("%w: segment %s truncated index", ErrCorrupt, filepath.Base(path))
		}
		klen := binary.BigEndian.Uint32(buf[0:4])
		if uint64(len(buf)) < 4+uint64(klen)+8 {
			_ = f.Close()
			return nil, fmt.Errorf("%w: segment %s truncated index", ErrCorrupt, filepath.Base(path))
		}
		key := append([]byte(nil), buf[4:4+klen]...)
		off := binary.BigEndian.Uint64(buf[4+klen : 4+klen+8])
		index = append(index, indexEntry{key: key, offset: off})
		buf = buf[4+klen+8:]
	}

	return &segmentReader{
		path:  path,
		f:     f,
		index: index,
		bloom: decodeBloomFilter(tail[indexLen:]),
	}, nil
}

// readRecordAt decodes the record starting at the given data offset.
func (s *segmentReader) readRecordAt(offset uint64) (segmentRecord, error) {
	var header [9]byte
	if _, err := s.f.ReadAt(header[:], int64(offset)); err != nil {
		return segmentRecord{}, err
	}
	klen := binary.BigEndian.Uint32(header[0:4])
	vlen := binary.BigEndian.Uint32(header[4:8])

	buf := make([]byte, klen+vlen)
	if _, err := s.f.ReadAt(buf, int64(offset)+9); err != nil {
		return segmentRecord{}, err
	}
	return segmentRecord{
		key:       buf[:klen],
		value:     buf[klen:],
		tombstone: header[8]&flagTombstone != 0,
	}, nil
}

// get returns the record for key, or nil if the segment has no entry.
func (s *segmentReader) get(key []byte) (*segmentRecord, error) {
	if !s.bloom.mayContain(key) {
		return nil, nil
	}
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].key, key) >= 0
	})
	if i >= len(s.index) || !bytes.Equal(s.index[i].key, key) {
		return nil, nil
	}
	rec, err := s.readRecordAt(s.index[i].offset)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// scan returns an iterator over records with start <= key < end.
func (s *segmentReader) scan(start, end []byte) *segmentIter {
	i := 0
	if start != nil {
		i = sort.Search(len(s.index), func(i int) bool {
			return bytes.Compare(s.index[i].key, start) >= 0
		})
	}
	return &segmentIter{seg: s, pos: i, end: end}
}

func (s *segmentReader) close() error {
	return s.f.Close()
}

// segmentIter yields records from one segment in key order.
type segmentIter struct {
	seg *segmentReader
	pos int
	end []byte
}

// next returns the next record, or nil when the range is exhausted.
func (it *segmentIter) next() (*segmentRecord, error) {
	if it.pos >= len(it.seg.index) {
		return nil, nil
	}
	ie := it.seg.index[it.pos]
	if it.end != nil && bytes.Compare(ie.key, it.end) >= 0 {
		return nil, nil
	}
	it.pos++
	rec, err := it.seg.readRecordAt(ie.offset)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
