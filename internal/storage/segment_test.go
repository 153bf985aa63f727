package storage

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
)

func writeTestSegment(t *testing.T, records []segmentRecord) *segmentReader {
	t.Helper()

	path := filepath.Join(t.TempDir(), "0000000000000001.seg")
	if err := writeSegment(path, records); err != nil {
		t.Fatalf("writeSegment: %v", err)
	}
	seg, err := openSegment(path)
	if err != nil {
		t.Fatalf("openSegment: %v", err)
	}
	t.Cleanup(func() { _ = seg.close() })
	return seg
}

func TestSegment_GetAndScan(t *testing.T) {
	var records []segmentRecord
	for i := 0; i < 100; i++ {
		records = append(records, segmentRecord{
			key:   []byte(fmt.Sprintf("key-%03d", i)),
			value: []byte(fmt.Sprintf("val-%03d", i)),
		})
	}
	records = append(records, segmentRecord{key: []byte("zz-deleted"), tombstone: true})

	seg := writeTestSegment(t, records)

	rec, err := seg.get([]byte("key-042"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || string(rec.value) != "val-042" {
		t.Fatalf("expected val-042, got %+v", rec)
	}

	rec, err = seg.get([]byte("key-999"))
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected absent key, got %+v", rec)
	}

	rec, err = seg.get([]byte("zz-deleted"))
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if rec == nil || !rec.tombstone {
		t.Fatalf("expected tombstone record, got %+v", rec)
	}

	it := seg.scan([]byte("key-010"), []byte("key-015"))
	var got []string
	for {
		rec, err := it.next()
		if err != nil {
			t.Fatalf("scan next: %v", err)
		}
		if rec == nil {
			break
		}
		got = append(got, string(rec.key))
	}
	want := []string{"key-010", "key-011", "key-012", "key-013", "key-014"}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scan key %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSegment_EmptyScanRange(t *testing.T) {
	seg := writeTestSegment(t, []segmentRecord{
		{key: []byte("a"), value: []byte("1")},
		{key: []byte("b"), value: []byte("2")},
	})

	it := seg.scan([]byte("c"), nil)
	rec, err := it.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected empty range, got %+v", rec)
	}
}

func TestBloomFilter(t *testing.T) {
	bf := newBloomFilter(1000)
	for i := 0; i < 1000; i++ {
		bf.add([]byte(fmt.Sprintf("present-%d", i)))
	}

	for i := 0; i < 1000; i++ {
		if !bf.mayContain([]byte(fmt.Sprintf("present-%d", i))) {
			t.Fatalf("false negative for present-%d", i)
		}
	}

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if bf.mayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	if falsePositives > 100 {
		t.Fatalf("false positive rate too high: %d/1000", falsePositives)
	}

	decoded := decodeBloomFilter(bf.encode())
	if !bytes.Equal(decoded.bits, bf.bits) || decoded.k != bf.k {
		t.Fatalf("bloom filter did not round-trip through encoding")
	}
}

func TestMergeIter_NewestSourceWins(t *testing.T) {
	newer := &sliceIter{records: []segmentRecord{
		{key: []byte("a"), value: []byte("new-a")},
		{key: []byte("c"), tombstone: true},
	}}
	older := &sliceIter{records: []segmentRecord{
		{key: []byte("a"), value: []byte("old-a")},
		{key: []byte("b"), value: []byte("old-b")},
		{key: []byte("c"), value: []byte("old-c")},
	}}

	m := newMergeIter([]recordIter{newer, older})

	var got []segmentRecord
	for {
		rec, err := m.next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if rec == nil {
			break
		}
		got = append(got, *rec)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 merged records, got %d", len(got))
	}
	if string(got[0].key) != "a" || string(got[0].value) != "new-a" {
		t.Fatalf("expected newest a to win, got %q=%q", got[0].key, got[0].value)
	}
	if string(got[1].key) != "b" || string(got[1].value) != "old-b" {
		t.Fatalf("expected old-b, got %q=%q", got[1].key, got[1].value)
	}
	if string(got[2].key) != "c" || !got[2].tombstone {
		t.Fatalf("expected tombstone for c, got %+v", got[2])
	}
}
