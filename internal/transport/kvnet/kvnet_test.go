package kvnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quorumkv/quorumkv/internal/consensus"
	"github.com/quorumkv/quorumkv/internal/mvcc"
	"github.com/quorumkv/quorumkv/internal/service"
	"github.com/quorumkv/quorumkv/internal/storage"
)

var testTracer = noop.NewTracerProvider().Tracer("test/internal/transport/kvnet")

// loopbackConsensus commits every accepted command immediately, so one node
// behaves like a single-member cluster.
type loopbackConsensus struct {
	mu         sync.Mutex
	leader     bool
	leaderHint string
	nextIndex  int64
	applyCh    chan consensus.ApplyMsg
}

func (f *loopbackConsensus) Run(ctx context.Context)            {}
func (f *loopbackConsensus) Stop()                              {}
func (f *loopbackConsensus) ApplyCh() <-chan consensus.ApplyMsg { return f.applyCh }
func (f *loopbackConsensus) Snapshot(int64, []byte) error       { return nil }

func (f *loopbackConsensus) StartCommand(cmd []byte) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leader {
		return -1, false
	}
	f.nextIndex++
	f.applyCh <- consensus.ApplyMsg{CommandValid: true, Command: cmd, CommandIndex: f.nextIndex}
	return f.nextIndex, true
}

func (f *loopbackConsensus) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *loopbackConsensus) LeaderHint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaderHint
}

// newTestClient stands up a full node (store, service, server) on a loopback
// listener and returns a connected client.
func newTestClient(t *testing.T, leader bool, hint string) *Client {
	t.Helper()

	eng, err := storage.OpenLSM(t.TempDir(), storage.Options{Logger: slog.Default()})
	if err != nil {
		t.Fatalf("OpenLSM: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	fc := &loopbackConsensus{leader: leader, leaderHint: hint, applyCh: make(chan consensus.ApplyMsg, 64)}
	store := mvcc.NewStore(eng, mvcc.NewOracle(), testTracer)
	kv := service.NewKV(fc, store, slog.Default(), testTracer, nil, "n1")

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = kv.RunApplyLoop(ctx)
	}()

	srv := NewServer(kv, slog.Default())
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		_ = srv.Serve(ctx)
	}()

	client := NewClient(addr, slog.Default())
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		_ = srv.Close()
		<-srvDone
		<-loopDone
	})
	return client
}

func TestClientServer_PutGetDelete(t *testing.T) {
	client := newTestClient(t, true, "")
	ctx := context.Background()

	putTS, err := client.Put(ctx, []byte("user/alice"), []byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if putTS == 0 {
		t.Fatal("Put returned zero commit timestamp")
	}

	value, found, err := client.Get(ctx, []byte("user/alice"), 0)
	if err != nil || !found || string(value) != "v1" {
		t.Fatalf("Get: value=%q found=%v err=%v", value, found, err)
	}

	if _, err := client.Delete(ctx, []byte("user/alice")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, err = client.Get(ctx, []byte("user/alice"), 0); err != nil || found {
		t.Fatalf("Get after delete: found=%v err=%v, want absent", found, err)
	}

	// The old version stays readable at its commit timestamp.
	value, found, err = client.Get(ctx, []byte("user/alice"), putTS)
	if err != nil || !found || string(value) != "v1" {
		t.Fatalf("snapshot Get: value=%q found=%v err=%v", value, found, err)
	}
}

func TestClientServer_TxnCommitAndConflict(t *testing.T) {
	client := newTestClient(t, true, "")
	ctx := context.Background()

	ts1, err := client.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin txn1: %v", err)
	}
	ts2, err := client.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin txn2: %v", err)
	}

	commitTS, err := client.Commit(ctx, ts1, []mvcc.Op{{Type: mvcc.OpPut, Key: []byte("acct"), Value: []byte("100")}})
	if err != nil {
		t.Fatalf("Commit txn1: %v", err)
	}

	_, err = client.Commit(ctx, ts2, []mvcc.Op{{Type: mvcc.OpPut, Key: []byte("acct"), Value: []byte("200")}})
	if !errors.Is(err, mvcc.ErrConflict) {
		t.Fatalf("Commit txn2: err = %v, want ErrConflict", err)
	}

	known, gotTS, conflict, err := client.TxnResult(ctx, ts1)
	if err != nil || !known || conflict {
		t.Fatalf("TxnResult: known=%v conflict=%v err=%v", known, conflict, err)
	}
	if gotTS != commitTS {
		t.Fatalf("TxnResult commit ts = %d, want %d", gotTS, commitTS)
	}
}

func TestClientServer_NotLeaderCarriesHint(t *testing.T) {
	client := newTestClient(t, false, "n3")

	_, err := client.Put(context.Background(), []byte("k"), []byte("v"))
	if !errors.Is(err, service.ErrNotLeader) {
		t.Fatalf("Put on follower: err = %v, want ErrNotLeader", err)
	}
	var nle *service.NotLeaderError
	if !errors.As(err, &nle) {
		t.Fatalf("error %v does not unwrap to *NotLeaderError", err)
	}
	if nle.LeaderHint != "n3" {
		t.Fatalf("LeaderHint = %q, want %q", nle.LeaderHint, "n3")
	}
}

func TestClientServer_ScanStreamsRange(t *testing.T) {
	client := newTestClient(t, true, "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("user/%02d", i)
		if _, err := client.Put(ctx, []byte(key), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	if _, err := client.Put(ctx, []byte("zz"), []byte("outside")); err != nil {
		t.Fatalf("Put zz: %v", err)
	}

	stream, err := client.Scan(ctx, []byte("user/"), []byte("user0"), 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer func() { _ = stream.Close() }()

	var keys []string
	for stream.Next() {
		keys = append(keys, string(stream.Key()))
		if !bytes.HasPrefix(stream.Key(), []byte("user/")) {
			t.Fatalf("scan leaked key %q outside the range", stream.Key())
		}
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("scan returned %d keys (%v), want 5", len(keys), keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("scan keys out of order: %v", keys)
		}
	}
}

func TestClientServer_WatchDeliversEvents(t *testing.T) {
	client := newTestClient(t, true, "")
	ctx := context.Background()

	stream, err := client.Watch(ctx, []byte("user/"))
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer func() { _ = stream.Close() }()

	// The watch request races the put: give the server a beat to register.
	time.Sleep(50 * time.Millisecond)

	commitTS, err := client.Put(ctx, []byte("user/alice"), []byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := client.Put(ctx, []byte("other/bob"), []byte("x")); err != nil {
		t.Fatalf("Put other: %v", err)
	}
	if _, err := client.Delete(ctx, []byte("user/alice")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ev, err := stream.Recv(recvCtx)
	if err != nil {
		t.Fatalf("Recv put event: %v", err)
	}
	if ev.Type != mvcc.EventPut || string(ev.Key) != "user/alice" || string(ev.Value) != "v1" {
		t.Fatalf("event = %+v, want put user/alice=v1", ev)
	}
	if ev.CommitTS != commitTS {
		t.Fatalf("event commit ts = %d, want %d", ev.CommitTS, commitTS)
	}

	ev, err = stream.Recv(recvCtx)
	if err != nil {
		t.Fatalf("Recv delete event: %v", err)
	}
	if ev.Type != mvcc.EventDelete || string(ev.Key) != "user/alice" {
		t.Fatalf("event = %+v, want delete user/alice", ev)
	}
}
