package mvcc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/quorumkv/quorumkv/internal/storage"
)

// ErrConflict is returned when a transaction loses first-committer-wins
// validation: a key in its write set was committed by another transaction
// after the loser's start timestamp. The caller must restart the transaction.
var ErrConflict = errors.New("mvcc: write-write conflict")

// ApplyResult is the deterministic outcome of applying one committed command.
// Every replica computes the same result for the same log index.
type ApplyResult struct {
	Index int64
	Type  CommandType

	// Transaction outcome.
	TxnID    uint64
	CommitTS uint64
	Conflict bool

	// Reservation outcome.
	ReserveLo uint64
	ReserveHi uint64
}

// Store is the multi-version state machine. Versions live in the storage
// engine under encoded keys (see keys.go); the engine provides durability and
// ordered iteration, the store provides timestamps and transaction semantics.
//
// Apply, Snapshot, RestoreSnapshot and RunGC are serialized by the caller's
// apply loop; reads may run concurrently.
type Store struct {
	eng    storage.Engine
	oracle *Oracle
	watch  *watchHub
	tracer oteltrace.Tracer

	mu        sync.Mutex
	watermark uint64
}

// NewStore creates a store over the given engine and oracle.
func NewStore(eng storage.Engine, oracle *Oracle, tracer oteltrace.Tracer) *Store {
	return &Store{
		eng:    eng,
		oracle: oracle,
		watch:  newWatchHub(),
		tracer: tracer,
	}
}

// Oracle returns the timestamp oracle the store applies reservations to.
func (s *Store) Oracle() *Oracle {
	return s.oracle
}

// newestVersion returns the commit timestamp of the newest version of key,
// or ok=false if the key has no versions.
func (s *Store) newestVersion(key []byte) (ts uint64, ok bool, err error) {
	it, err := s.eng.Scan(versionPrefix(key), versionPrefixEnd(key))
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = it.Close() }()

	if !it.Next() {
		return 0, false, it.Err()
	}
	_, ts, err = decodeVersionKey(it.Key())
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

// hasVersionAt reports whether key has a version at exactly ts.
func (s *Store) hasVersionAt(key []byte, ts uint64) (bool, error) {
	_, ok, err := s.eng.Get(encodeVersionKey(key, ts))
	return ok, err
}

// Apply decodes and applies a committed command, returning its deterministic
// outcome. An error is fatal for the node: it means the engine failed or the
// log carried an undecodable entry.
func (s *Store) Apply(ctx context.Context, index int64, raw []byte) (ApplyResult, error) {
	_, span := s.tracer.Start(ctx, "mvcc.store.Apply", oteltrace.WithAttributes(
		attribute.Int64("raft.log.index", index),
		attribute.Int("mvcc.command.bytes", len(raw)),
	))
	defer span.End()

	cmd, err := DecodeCommand(raw)
	if err != nil {
		spanRecordError(span, err)
		return ApplyResult{}, err
	}
	span.SetAttributes(attribute.String("mvcc.command.type", string(cmd.Type)))

	res := ApplyResult{Index: index, Type: cmd.Type, TxnID: cmd.TxnID}

	switch cmd.Type {
	case ReserveCommand:
		res.ReserveLo, res.ReserveHi = s.oracle.ApplyReserve(cmd.ReserveN)
		span.SetAttributes(
			attribute.Int64("mvcc.reserve.lo", int64(res.ReserveLo)),
			attribute.Int64("mvcc.reserve.hi", int64(res.ReserveHi)),
		)
		return res, nil

	case TxnCommand:
		if err := s.applyTxn(cmd, &res); err != nil {
			spanRecordError(span, err)
			return ApplyResult{}, err
		}
		span.SetAttributes(
			attribute.Bool("mvcc.txn.conflict", res.Conflict),
			attribute.Int64("mvcc.txn.commit_ts", int64(res.CommitTS)),
		)
		return res, nil

	default:
		err := fmt.Errorf("mvcc: unknown command type %q at index %d", cmd.Type, index)
		spanRecordError(span, err)
		return ApplyResult{}, err
	}
}

func (s *Store) applyTxn(cmd Command, res *ApplyResult) error {
	if len(cmd.Ops) == 0 {
		res.CommitTS = cmd.CommitTS
		return nil
	}

	// Re-applying a command whose versions already exist must reproduce the
	// original outcome, not re-run validation against its own writes. A crash
	// mid-apply can leave only a prefix of the versions durable, so a replayed
	// commit still runs the write loop below; version-key puts are idempotent.
	applied, err := s.hasVersionAt(cmd.Ops[0].Key, cmd.CommitTS)
	if err != nil {
		return err
	}

	if !applied {
		// First committer wins: abort if any write-set key gained a version
		// after this transaction's snapshot.
		for i := range cmd.Ops {
			ts, ok, err := s.newestVersion(cmd.Ops[i].Key)
			if err != nil {
				return err
			}
			if ok && ts > cmd.StartTS {
				res.Conflict = true
				return nil
			}
		}
	}

	for i := range cmd.Ops {
		op := &cmd.Ops[i]
		tombstone := op.Type == OpDelete
		if err := s.eng.Put(encodeVersionKey(op.Key, cmd.CommitTS), encodeVersionValue(tombstone, op.Value)); err != nil {
			return err
		}
	}
	res.CommitTS = cmd.CommitTS

	// Events for a replayed commit were already published the first time.
	if applied {
		return nil
	}
	for i := range cmd.Ops {
		op := &cmd.Ops[i]
		ev := Event{Key: op.Key, CommitTS: cmd.CommitTS}
		if op.Type == OpDelete {
			ev.Type = EventDelete
		} else {
			ev.Type = EventPut
			ev.Value = op.Value
		}
		s.watch.publish(ev)
	}
	return nil
}

// Get returns the value visible at readTS: the newest version with a commit
// timestamp strictly below readTS. A tombstone version reads as absent.
func (s *Store) Get(key []byte, readTS uint64) ([]byte, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	it, err := s.eng.Scan(versionPrefix(key), versionPrefixEnd(key))
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = it.Close() }()

	for it.Next() {
		_, ts, err := decodeVersionKey(it.Key())
		if err != nil {
			return nil, false, err
		}
		if ts >= readTS {
			continue
		}
		value, tombstone, err := decodeVersionValue(it.Value())
		if err != nil {
			return nil, false, err
		}
		if tombstone {
			return nil, false, nil
		}
		return append([]byte(nil), value...), true, nil
	}
	return nil, false, it.Err()
}

// ScanIter walks user keys in [start, end) ascending, yielding the value
// visible at the iterator's read timestamp for each key.
type ScanIter struct {
	inner  storage.Iterator
	readTS uint64

	key, value []byte
	lastKey    []byte // last user key decided (emitted or skipped as tombstone)
	err        error
}

// Scan returns an iterator over the user-key range [start, end) as visible at
// readTS. A nil end scans to the last key.
func (s *Store) Scan(start, end []byte, readTS uint64) (*ScanIter, error) {
	var lo, hi []byte
	if start != nil {
		lo = versionPrefix(start)
	}
	if end != nil {
		hi = versionPrefix(end)
	}
	inner, err := s.eng.Scan(lo, hi)
	if err != nil {
		return nil, err
	}
	return &ScanIter{inner: inner, readTS: readTS}, nil
}

// Next advances to the next visible key.
func (it *ScanIter) Next() bool {
	if it.err != nil {
		return false
	}
	for it.inner.Next() {
		key, ts, err := decodeVersionKey(it.inner.Key())
		if err != nil {
			it.err = err
			return false
		}
		if it.lastKey != nil && string(key) == string(it.lastKey) {
			continue // an earlier (newer) version already decided this key
		}
		if ts >= it.readTS {
			continue // not visible yet; an older version of key may be
		}
		it.lastKey = append(it.lastKey[:0], key...)
		value, tombstone, err := decodeVersionValue(it.inner.Value())
		if err != nil {
			it.err = err
			return false
		}
		if tombstone {
			continue
		}
		it.key = append([]byte(nil), key...)
		it.value = append([]byte(nil), value...)
		return true
	}
	it.err = it.inner.Err()
	return false
}

// Key returns the current user key.
func (it *ScanIter) Key() []byte { return it.key }

// Value returns the current value.
func (it *ScanIter) Value() []byte { return it.value }

// Err returns the first error encountered.
func (it *ScanIter) Err() error { return it.err }

// Close releases the underlying engine iterator.
func (it *ScanIter) Close() error { return it.inner.Close() }

// Watch registers a watcher for keys under prefix. Events are delivered as
// transactions apply; a watcher that cannot keep up is dropped.
func (s *Store) Watch(prefix []byte, buf int) *Watcher {
	return s.watch.register(prefix, buf)
}

// SetGCWatermark records the oldest timestamp still needed by an active
// reader. RunGC reclaims versions below it.
func (s *Store) SetGCWatermark(ts uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.watermark {
		s.watermark = ts
	}
}

// GCWatermark returns the current reclamation horizon.
func (s *Store) GCWatermark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// RunGC reclaims versions no reader can observe: for each key, every version
// below the watermark except the newest, and that survivor too when it is a
// tombstone. Returns the number of versions removed.
func (s *Store) RunGC(ctx context.Context) (int, error) {
	_, span := s.tracer.Start(ctx, "mvcc.store.RunGC")
	defer span.End()

	wm := s.GCWatermark()
	span.SetAttributes(attribute.Int64("mvcc.gc.watermark", int64(wm)))
	if wm == 0 {
		return 0, nil
	}

	it, err := s.eng.Scan(nil, nil)
	if err != nil {
		spanRecordError(span, err)
		return 0, err
	}

	var (
		stale   [][]byte
		lastKey []byte
		kept    bool // a below-watermark survivor was kept for lastKey
	)
	for it.Next() {
		key, ts, derr := decodeVersionKey(it.Key())
		if derr != nil {
			_ = it.Close()
			spanRecordError(span, derr)
			return 0, derr
		}
		if lastKey == nil || string(key) != string(lastKey) {
			lastKey = append(lastKey[:0], key...)
			kept = false
		}
		if ts >= wm {
			continue
		}
		if kept {
			stale = append(stale, append([]byte(nil), it.Key()...))
			continue
		}
		kept = true
		_, tombstone, derr := decodeVersionValue(it.Value())
		if derr != nil {
			_ = it.Close()
			spanRecordError(span, derr)
			return 0, derr
		}
		// A tombstone survivor shadows nothing once everything older is
		// gone, so it goes too.
		if tombstone {
			stale = append(stale, append([]byte(nil), it.Key()...))
		}
	}
	if err := it.Err(); err != nil {
		_ = it.Close()
		spanRecordError(span, err)
		return 0, err
	}
	if err := it.Close(); err != nil {
		spanRecordError(span, err)
		return 0, err
	}

	for _, vk := range stale {
		if err := s.eng.Delete(vk); err != nil {
			spanRecordError(span, err)
			return 0, err
		}
	}
	span.SetAttributes(attribute.Int("mvcc.gc.removed", len(stale)))
	return len(stale), nil
}

type storeSnapshot struct {
	Reserved  uint64            `json:"reserved"`
	Watermark uint64            `json:"watermark"`
	Versions  []snapshotVersion `json:"versions"`
}

type snapshotVersion struct {
	Key       []byte `json:"key"`
	CommitTS  uint64 `json:"commit_ts"`
	Tombstone bool   `json:"tombstone,omitempty"`
	Value     []byte `json:"value,omitempty"`
}

// Snapshot serializes the full versioned state plus oracle ceiling, for log
// compaction and follower catch-up.
func (s *Store) Snapshot(ctx context.Context) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "mvcc.store.Snapshot")
	defer span.End()

	snap := storeSnapshot{
		Reserved:  s.oracle.Reserved(),
		Watermark: s.GCWatermark(),
	}

	it, err := s.eng.Scan(nil, nil)
	if err != nil {
		spanRecordError(span, err)
		return nil, err
	}
	defer func() { _ = it.Close() }()

	for it.Next() {
		key, ts, derr := decodeVersionKey(it.Key())
		if derr != nil {
			spanRecordError(span, derr)
			return nil, derr
		}
		value, tombstone, derr := decodeVersionValue(it.Value())
		if derr != nil {
			spanRecordError(span, derr)
			return nil, derr
		}
		snap.Versions = append(snap.Versions, snapshotVersion{
			Key:       append([]byte(nil), key...),
			CommitTS:  ts,
			Tombstone: tombstone,
			Value:     append([]byte(nil), value...),
		})
	}
	if err := it.Err(); err != nil {
		spanRecordError(span, err)
		return nil, err
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		spanRecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("mvcc.snapshot.versions", len(snap.Versions)),
		attribute.Int("mvcc.snapshot.bytes", len(raw)),
	)
	return raw, nil
}

// RestoreSnapshot replaces the current state with the snapshot. Empty
// snapshot bytes reset the store to an empty state.
func (s *Store) RestoreSnapshot(ctx context.Context, raw []byte) error {
	_, span := s.tracer.Start(ctx, "mvcc.store.RestoreSnapshot", oteltrace.WithAttributes(
		attribute.Int("mvcc.snapshot.bytes", len(raw)),
	))
	defer span.End()

	var snap storeSnapshot
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &snap); err != nil {
			spanRecordError(span, err)
			return err
		}
	}

	if err := s.clearEngine(); err != nil {
		spanRecordError(span, err)
		return err
	}
	for i := range snap.Versions {
		v := &snap.Versions[i]
		if err := s.eng.Put(encodeVersionKey(v.Key, v.CommitTS), encodeVersionValue(v.Tombstone, v.Value)); err != nil {
			spanRecordError(span, err)
			return err
		}
	}
	if err := s.eng.Flush(); err != nil {
		spanRecordError(span, err)
		return err
	}

	s.oracle.Restore(snap.Reserved)
	s.mu.Lock()
	s.watermark = snap.Watermark
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("mvcc.snapshot.versions", len(snap.Versions)))
	return nil
}

func (s *Store) clearEngine() error {
	it, err := s.eng.Scan(nil, nil)
	if err != nil {
		return err
	}
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Err(); err != nil {
		_ = it.Close()
		return err
	}
	if err := it.Close(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.eng.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
