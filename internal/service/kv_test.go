package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quorumkv/quorumkv/internal/consensus"
	"github.com/quorumkv/quorumkv/internal/mvcc"
	"github.com/quorumkv/quorumkv/internal/storage"
)

var testTracer = noop.NewTracerProvider().Tracer("test/internal/service")

type recordedSnapshot struct {
	index int64
	data  []byte
}

// fakeConsensus is a single-node consensus stand-in. With autoApply set it
// echoes every accepted command straight back on the apply channel, so the
// service sees a commit immediately.
type fakeConsensus struct {
	mu         sync.Mutex
	leader     bool
	leaderHint string
	autoApply  bool
	nextIndex  int64
	started    [][]byte
	snapshots  []recordedSnapshot
	applyCh    chan consensus.ApplyMsg
}

func newFakeConsensus(leader, autoApply bool) *fakeConsensus {
	return &fakeConsensus{
		leader:    leader,
		autoApply: autoApply,
		applyCh:   make(chan consensus.ApplyMsg, 64),
	}
}

func (f *fakeConsensus) Run(ctx context.Context) {}
func (f *fakeConsensus) Stop()                   {}

func (f *fakeConsensus) StartCommand(cmd []byte) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leader {
		return -1, false
	}
	f.nextIndex++
	index := f.nextIndex
	f.started = append(f.started, append([]byte(nil), cmd...))
	if f.autoApply {
		f.applyCh <- consensus.ApplyMsg{
			CommandValid: true,
			Command:      cmd,
			CommandIndex: index,
		}
	}
	return index, true
}

func (f *fakeConsensus) ApplyCh() <-chan consensus.ApplyMsg { return f.applyCh }

func (f *fakeConsensus) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeConsensus) LeaderHint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaderHint
}

func (f *fakeConsensus) Snapshot(index int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, recordedSnapshot{index: index, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConsensus) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeConsensus) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func newTestStore(t *testing.T) *mvcc.Store {
	t.Helper()
	eng, err := storage.OpenLSM(t.TempDir(), storage.Options{Logger: slog.Default()})
	if err != nil {
		t.Fatalf("OpenLSM: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return mvcc.NewStore(eng, mvcc.NewOracle(), testTracer)
}

// newRunningKV wires a KV onto the fake and starts its apply loop.
func newRunningKV(t *testing.T, fc *fakeConsensus) *KV {
	t.Helper()
	kv := NewKV(fc, newTestStore(t), slog.Default(), testTracer, nil, "n1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = kv.RunApplyLoop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return kv
}

func TestKV_PutGetDelete_RoundTrip(t *testing.T) {
	kv := newRunningKV(t, newFakeConsensus(true, true))
	ctx := context.Background()

	putTS, err := kv.Put(ctx, []byte("user/alice"), []byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if putTS == 0 {
		t.Fatal("Put returned zero commit timestamp")
	}

	value, found, err := kv.Get(ctx, []byte("user/alice"), 0)
	if err != nil || !found {
		t.Fatalf("Get after put: value=%q found=%v err=%v", value, found, err)
	}
	if string(value) != "v1" {
		t.Fatalf("Get returned %q, want %q", value, "v1")
	}

	delTS, err := kv.Delete(ctx, []byte("user/alice"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if delTS <= putTS {
		t.Fatalf("delete commit ts %d not after put commit ts %d", delTS, putTS)
	}

	if _, found, err = kv.Get(ctx, []byte("user/alice"), 0); err != nil || found {
		t.Fatalf("Get after delete: found=%v err=%v, want absent", found, err)
	}

	// A snapshot read at the put's commit timestamp still sees the value.
	value, found, err = kv.Get(ctx, []byte("user/alice"), putTS)
	if err != nil || !found || string(value) != "v1" {
		t.Fatalf("snapshot Get at ts %d: value=%q found=%v err=%v", putTS, value, found, err)
	}
}

func TestKV_Propose_NotLeaderCarriesHint(t *testing.T) {
	fc := newFakeConsensus(false, false)
	fc.leaderHint = "n2"
	kv := newRunningKV(t, fc)

	_, err := kv.Put(context.Background(), []byte("k"), []byte("v"))
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("Put on follower: err = %v, want ErrNotLeader", err)
	}
	var nle *NotLeaderError
	if !errors.As(err, &nle) {
		t.Fatalf("error %v does not unwrap to *NotLeaderError", err)
	}
	if nle.LeaderHint != "n2" {
		t.Fatalf("LeaderHint = %q, want %q", nle.LeaderHint, "n2")
	}
}

func TestKV_Commit_FirstCommitterWins(t *testing.T) {
	kv := newRunningKV(t, newFakeConsensus(true, true))
	ctx := context.Background()

	ts1, err := kv.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin txn1: %v", err)
	}
	ts2, err := kv.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin txn2: %v", err)
	}

	if _, err := kv.Commit(ctx, ts1, []mvcc.Op{{Type: mvcc.OpPut, Key: []byte("acct"), Value: []byte("100")}}); err != nil {
		t.Fatalf("Commit txn1: %v", err)
	}
	_, err = kv.Commit(ctx, ts2, []mvcc.Op{{Type: mvcc.OpPut, Key: []byte("acct"), Value: []byte("200")}})
	if !errors.Is(err, mvcc.ErrConflict) {
		t.Fatalf("Commit txn2: err = %v, want ErrConflict", err)
	}

	value, found, err := kv.Get(ctx, []byte("acct"), 0)
	if err != nil || !found || string(value) != "100" {
		t.Fatalf("Get after conflict: value=%q found=%v err=%v, want winner's value", value, found, err)
	}
}

func TestKV_Commit_EmptyWriteSetSkipsLog(t *testing.T) {
	fc := newFakeConsensus(true, true)
	kv := newRunningKV(t, fc)
	ctx := context.Background()

	startTS, err := kv.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	before := fc.startedCount()

	commitTS, err := kv.Commit(ctx, startTS, nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if commitTS != startTS {
		t.Fatalf("read-only commit ts = %d, want start ts %d", commitTS, startTS)
	}
	if got := fc.startedCount(); got != before {
		t.Fatalf("read-only commit proposed %d extra commands", got-before)
	}
}

func TestKV_TxnResult_ReportsOutcome(t *testing.T) {
	kv := newRunningKV(t, newFakeConsensus(true, true))
	ctx := context.Background()

	startTS, err := kv.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	commitTS, err := kv.Commit(ctx, startTS, []mvcc.Op{{Type: mvcc.OpPut, Key: []byte("k"), Value: []byte("v")}})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	out, ok := kv.TxnResult(startTS)
	if !ok {
		t.Fatalf("TxnResult(%d) not found", startTS)
	}
	if out.Conflict {
		t.Fatal("TxnResult reports conflict for the committed txn")
	}
	if out.CommitTS != commitTS {
		t.Fatalf("TxnResult commit ts = %d, want %d", out.CommitTS, commitTS)
	}

	if _, ok := kv.TxnResult(startTS + 1_000_000); ok {
		t.Fatal("TxnResult found an outcome for an unknown txn id")
	}
}

func TestKV_Propose_TimesOutWhenNothingApplies(t *testing.T) {
	// Leader accepts but never applies: the wait must end at the deadline.
	kv := newRunningKV(t, newFakeConsensus(true, false))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := kv.Put(ctx, []byte("k"), []byte("v"))
	if !errors.Is(err, ErrCommitTimeout) {
		t.Fatalf("Put with stalled apply: err = %v, want ErrCommitTimeout", err)
	}
}

func TestKV_SnapshotTriggeredByAppliedCount(t *testing.T) {
	fc := newFakeConsensus(true, true)
	kv := newRunningKV(t, fc)
	kv.SnapshotEvery = 2
	ctx := context.Background()

	if _, err := kv.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if _, err := kv.Put(ctx, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fc.snapshotCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no snapshot handed to consensus after enough applied commands")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestKV_RestoresStateFromSnapshotMsg(t *testing.T) {
	ctx := context.Background()

	// Build a donor store and capture its snapshot.
	donor := newRunningKV(t, newFakeConsensus(true, true))
	if _, err := donor.Put(ctx, []byte("user/alice"), []byte("v1")); err != nil {
		t.Fatalf("Put on donor: %v", err)
	}
	data, err := donor.store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot on donor: %v", err)
	}

	fc := newFakeConsensus(false, false)
	kv := newRunningKV(t, fc)
	fc.applyCh <- consensus.ApplyMsg{
		SnapshotValid: true,
		Snapshot:      data,
		SnapshotIndex: 42,
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		value, found, err := kv.Get(ctx, []byte("user/alice"), 0)
		if err != nil {
			t.Fatalf("Get after restore: %v", err)
		}
		if found && string(value) == "v1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("restored value never became visible")
		}
		time.Sleep(5 * time.Millisecond)
	}

	kv.mu.Lock()
	applied := kv.lastAppliedIndex
	kv.mu.Unlock()
	if applied != 42 {
		t.Fatalf("lastAppliedIndex = %d after restore, want 42", applied)
	}
}

func TestKV_MembershipAndNoopEntriesAdvanceIndex(t *testing.T) {
	fc := newFakeConsensus(true, false)
	kv := newRunningKV(t, fc)

	fc.applyCh <- consensus.ApplyMsg{CommandIndex: 1}
	fc.applyCh <- consensus.ApplyMsg{
		ConfigValid:  true,
		ConfigNodeID: "n4",
		ConfigAddr:   "127.0.0.1:7400",
		CommandIndex: 2,
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		kv.mu.Lock()
		applied := kv.lastAppliedIndex
		kv.mu.Unlock()
		if applied == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("lastAppliedIndex = %d, want 2", applied)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestKV_AllocatedTimestampIsRegisteredForGC(t *testing.T) {
	fc := newFakeConsensus(true, true)
	kv := newRunningKV(t, fc)

	ts, err := kv.allocateTS(context.Background())
	if err != nil {
		t.Fatalf("allocateTS: %v", err)
	}
	kv.mu.Lock()
	n := kv.activeReads[ts]
	kv.mu.Unlock()
	if n != 1 {
		t.Fatalf("timestamp %d escaped without an active-read registration", ts)
	}

	kv.End(ts)
	kv.mu.Lock()
	_, still := kv.activeReads[ts]
	kv.mu.Unlock()
	if still {
		t.Fatalf("timestamp %d still registered after End", ts)
	}
}

func TestKV_GCPassPreservesOpenSnapshots(t *testing.T) {
	fc := newFakeConsensus(true, true)
	kv := newRunningKV(t, fc)
	ctx := context.Background()

	if _, err := kv.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}

	startTS, err := kv.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer kv.End(startTS)

	if _, err := kv.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	// The watermark must trail the open transaction, so its snapshot keeps
	// seeing the version that was newest when it began.
	kv.gcPass(ctx)

	v, ok, err := kv.Get(ctx, []byte("k"), startTS)
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("open snapshot lost its version: ok=%v v=%q err=%v", ok, v, err)
	}
}

func TestKV_IdleGCPassKeepsLatestVersions(t *testing.T) {
	fc := newFakeConsensus(true, true)
	kv := newRunningKV(t, fc)
	ctx := context.Background()

	if _, err := kv.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if _, err := kv.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	// No transactions open: the pass runs at the next issuable timestamp.
	kv.gcPass(ctx)

	startTS, err := kv.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer kv.End(startTS)

	v, ok, err := kv.Get(ctx, []byte("k"), startTS)
	if err != nil || !ok || string(v) != "v2" {
		t.Fatalf("latest version lost to idle gc: ok=%v v=%q err=%v", ok, v, err)
	}
}
