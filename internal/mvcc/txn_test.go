package mvcc

import (
	"bytes"
	"errors"
	"testing"
)

func TestTxn_ReadsOwnWrites(t *testing.T) {
	s := newTestStore(t)
	applyTxn(t, s, 1, putCmd(1, 2, "k", "committed"))

	txn := s.Begin(10)
	if v, ok, err := txn.Get([]byte("k")); err != nil || !ok || string(v) != "committed" {
		t.Fatalf("snapshot read: ok=%v v=%q err=%v", ok, v, err)
	}

	if err := txn.Put([]byte("k"), []byte("buffered")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, ok, err := txn.Get([]byte("k")); err != nil || !ok || string(v) != "buffered" {
		t.Fatalf("own write invisible: ok=%v v=%q err=%v", ok, v, err)
	}

	if err := txn.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := txn.Get([]byte("k")); err != nil || ok {
		t.Fatalf("own delete invisible: ok=%v err=%v", ok, err)
	}

	// Buffered writes never leak into the store.
	if v, ok, err := s.Get([]byte("k"), 10); err != nil || !ok || string(v) != "committed" {
		t.Fatalf("store state changed before commit: ok=%v v=%q err=%v", ok, v, err)
	}
}

func TestTxn_SnapshotIgnoresLaterCommits(t *testing.T) {
	s := newTestStore(t)
	applyTxn(t, s, 1, putCmd(1, 2, "k", "old"))

	txn := s.Begin(3)
	// Another transaction commits after this one started.
	applyTxn(t, s, 2, putCmd(4, 5, "k", "new"))

	if v, ok, err := txn.Get([]byte("k")); err != nil || !ok || string(v) != "old" {
		t.Fatalf("snapshot leaked later commit: ok=%v v=%q err=%v", ok, v, err)
	}
}

func TestTxn_CommandCarriesWriteSetInOrder(t *testing.T) {
	s := newTestStore(t)

	txn := s.Begin(7)
	if err := txn.Put([]byte("b"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Put([]byte("a"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Put([]byte("b"), []byte("3")); err != nil { // overwrite keeps position
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Delete([]byte("c")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := txn.Pending(); got != 3 {
		t.Fatalf("expected 3 pending keys, got %d", got)
	}

	cmd, err := txn.Command(9)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if cmd.Type != TxnCommand || cmd.TxnID != 7 || cmd.StartTS != 7 || cmd.CommitTS != 9 {
		t.Fatalf("unexpected command header: %+v", cmd)
	}
	if len(cmd.Ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(cmd.Ops))
	}
	if !bytes.Equal(cmd.Ops[0].Key, []byte("b")) || string(cmd.Ops[0].Value) != "3" {
		t.Fatalf("op 0: %+v", cmd.Ops[0])
	}
	if !bytes.Equal(cmd.Ops[1].Key, []byte("a")) {
		t.Fatalf("op 1: %+v", cmd.Ops[1])
	}
	if cmd.Ops[2].Type != OpDelete || !bytes.Equal(cmd.Ops[2].Key, []byte("c")) {
		t.Fatalf("op 2: %+v", cmd.Ops[2])
	}
}

func TestTxn_FinishedTxnRejectsUse(t *testing.T) {
	s := newTestStore(t)

	txn := s.Begin(1)
	if _, err := txn.Command(2); err != nil {
		t.Fatalf("Command: %v", err)
	}
	if err := txn.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrTxnFinished) {
		t.Fatalf("expected ErrTxnFinished, got %v", err)
	}
	if _, _, err := txn.Get([]byte("k")); !errors.Is(err, ErrTxnFinished) {
		t.Fatalf("expected ErrTxnFinished, got %v", err)
	}
	if _, err := txn.Command(3); !errors.Is(err, ErrTxnFinished) {
		t.Fatalf("expected ErrTxnFinished, got %v", err)
	}
}

func TestTxn_RejectsInvalidKeys(t *testing.T) {
	s := newTestStore(t)

	txn := s.Begin(1)
	if err := txn.Put(nil, []byte("v")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty key, got %v", err)
	}
	if err := txn.Put([]byte("a\x00b"), []byte("v")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for zero byte, got %v", err)
	}
}

func TestVersionKeyRoundTrip(t *testing.T) {
	vk := encodeVersionKey([]byte("some/key"), 42)
	key, ts, err := decodeVersionKey(vk)
	if err != nil {
		t.Fatalf("decodeVersionKey: %v", err)
	}
	if !bytes.Equal(key, []byte("some/key")) || ts != 42 {
		t.Fatalf("round trip lost data: key=%q ts=%d", key, ts)
	}

	// Higher timestamps sort first within a key.
	newer := encodeVersionKey([]byte("k"), 10)
	older := encodeVersionKey([]byte("k"), 5)
	if bytes.Compare(newer, older) >= 0 {
		t.Fatal("newer version must sort before older")
	}
	// User keys keep their natural order across versions.
	a := encodeVersionKey([]byte("a"), 1)
	b := encodeVersionKey([]byte("b"), 1000)
	if bytes.Compare(a, b) >= 0 {
		t.Fatal("user key order broken by version suffix")
	}
}
