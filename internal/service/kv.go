// Package service contains application services exposed via transports.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/quorumkv/quorumkv/internal/consensus"
	"github.com/quorumkv/quorumkv/internal/mvcc"
)

// ErrNotLeader is returned when a write is proposed to a non-leader node.
// Match with errors.Is; the concrete error carries a leader hint.
var ErrNotLeader = errors.New("service: not leader")

// ErrCommitTimeout is returned when a proposal is accepted for replication but
// does not get committed/applied before the request deadline. The outcome is
// unknown; callers may re-check with TxnResult.
var ErrCommitTimeout = errors.New("service: write not committed before deadline")

// NotLeaderError wraps ErrNotLeader with the last observed leader id so
// clients can redirect.
type NotLeaderError struct {
	LeaderHint string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == "" {
		return "service: not leader"
	}
	return fmt.Sprintf("service: not leader (leader hint %s)", e.LeaderHint)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// Metrics captures service-level metric sinks used by KV.
type Metrics interface {
	ObserveKVWaitAppliedDuration(nodeID string, d time.Duration, ok bool)
	AddKVWaitAppliedWakeups(nodeID string, n int)
	IncKVWaitAppliedCall(nodeID string, ok bool)
	IncKVProposalResult(nodeID, result string)
	IncKVTxnOutcome(nodeID, outcome string)
	ObserveKVSnapshotDuration(nodeID string, d time.Duration)
	ObserveKVSnapshotBytes(nodeID string, n int)
	IncKVSnapshot(nodeID, result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveKVWaitAppliedDuration(string, time.Duration, bool) {}
func (noopMetrics) AddKVWaitAppliedWakeups(string, int)                      {}
func (noopMetrics) IncKVWaitAppliedCall(string, bool)                        {}
func (noopMetrics) IncKVProposalResult(string, string)                       {}
func (noopMetrics) IncKVTxnOutcome(string, string)                           {}
func (noopMetrics) ObserveKVSnapshotDuration(string, time.Duration)          {}
func (noopMetrics) ObserveKVSnapshotBytes(string, int)                       {}
func (noopMetrics) IncKVSnapshot(string, string)                             {}

// reserveBatch is how many timestamps one reserve command grants the leader.
const reserveBatch = 512

// outcomeRetention bounds the recent-outcome windows used by timed-out
// callers re-checking their proposal.
const outcomeRetention = 4096

// TxnOutcome is the recorded result of an applied transaction command.
type TxnOutcome struct {
	TxnID    uint64
	CommitTS uint64
	Conflict bool
	Index    int64
}

// KV bridges the replicated log and the MVCC store: proposals go down through
// consensus, committed commands come back up and are applied here, on a
// single goroutine, in log order.
type KV struct {
	consensus consensus.Consensus
	store     *mvcc.Store
	logger    Logger
	tracer    oteltrace.Tracer
	metrics   Metrics
	nodeID    string
	mu        sync.Mutex

	// SnapshotEvery triggers a snapshot after this many applied commands.
	// Zero disables the counter trigger.
	SnapshotEvery uint64
	// SnapshotBytes triggers a snapshot once the applied command payloads
	// since the last snapshot exceed this many bytes. Zero disables it.
	SnapshotBytes int64

	lastAppliedIndex int64
	appliedSinceSnap uint64
	bytesSinceSnap   int64
	applyNotifyCh    chan struct{}

	// outcomesByIndex lets proposal waiters pick up their result without a
	// registration race; outcomesByTxn serves TxnResult re-checks after a
	// commit timeout. Both keep a bounded recent tail.
	outcomesByIndex map[int64]mvcc.ApplyResult
	outcomesByTxn   map[uint64]TxnOutcome
	outcomeOrder    []uint64

	// activeReads tracks start timestamps of open transactions; the GC
	// watermark never passes the oldest one.
	activeReads map[uint64]int
}

// NewKV creates a KV service backed by the provided consensus engine and store.
func NewKV(c consensus.Consensus, store *mvcc.Store, logger Logger, tracer oteltrace.Tracer, metrics Metrics, nodeID string) *KV {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &KV{
		consensus:       c,
		store:           store,
		logger:          logger,
		tracer:          tracer,
		metrics:         metrics,
		nodeID:          nodeID,
		applyNotifyCh:   make(chan struct{}, 1),
		outcomesByIndex: make(map[int64]mvcc.ApplyResult),
		outcomesByTxn:   make(map[uint64]TxnOutcome),
		activeReads:     make(map[uint64]int),
	}
}

func (s *KV) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func kvSpanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// IsLeader reports whether the underlying consensus node is currently leader.
func (s *KV) IsLeader() bool {
	return s.consensus.IsLeader()
}

// LeaderHint returns the last observed leader id, or "".
func (s *KV) LeaderHint() string {
	return s.consensus.LeaderHint()
}

func (s *KV) notLeader() error {
	return &NotLeaderError{LeaderHint: s.consensus.LeaderHint()}
}

// Get returns the newest committed value for key from the local store.
// A readTS of zero reads the latest committed version; a transaction passes
// its start timestamp for a snapshot read.
func (s *KV) Get(ctx context.Context, key []byte, readTS uint64) ([]byte, bool, error) {
	_, span := s.startSpan(ctx, "kv.service.Get", attribute.String("kv.key", string(key)))
	defer span.End()

	if readTS == 0 {
		readTS = math.MaxUint64
	}
	value, found, err := s.store.Get(key, readTS)
	if err != nil {
		kvSpanRecordError(span, err)
	}
	return value, found, err
}

// Scan returns a snapshot iterator over [start, end). A readTS of zero reads
// the latest committed versions. The caller owns Close.
func (s *KV) Scan(ctx context.Context, start, end []byte, readTS uint64) (*mvcc.ScanIter, error) {
	_, span := s.startSpan(ctx, "kv.service.Scan")
	defer span.End()

	if readTS == 0 {
		readTS = math.MaxUint64
	}
	it, err := s.store.Scan(start, end, readTS)
	if err != nil {
		kvSpanRecordError(span, err)
	}
	return it, err
}

// Watch registers a prefix watcher fed from the apply loop.
func (s *KV) Watch(prefix []byte) *mvcc.Watcher {
	return s.store.Watch(prefix, 0)
}

// Begin starts a transaction on the leader and returns its start timestamp,
// which doubles as the transaction id. The timestamp comes from a committed
// reservation, so it survives leader changes without reuse.
func (s *KV) Begin(ctx context.Context) (uint64, error) {
	ctx, span := s.startSpan(ctx, "kv.service.Begin")
	defer span.End()

	ts, err := s.allocateTS(ctx)
	if err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("mvcc.start_ts", int64(ts)))
	return ts, nil
}

// End releases a transaction's read timestamp without committing. Safe to
// call for unknown or already-released timestamps.
func (s *KV) End(startTS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.activeReads[startTS]; n <= 1 {
		delete(s.activeReads, startTS)
	} else {
		s.activeReads[startTS] = n - 1
	}
}

// Commit proposes a transaction's buffered writes. It returns the commit
// timestamp, or ErrConflict when another transaction committed to an
// overlapping write set first. Empty write sets commit locally without
// entering the log.
func (s *KV) Commit(ctx context.Context, startTS uint64, ops []mvcc.Op) (uint64, error) {
	ctx, span := s.startSpan(ctx, "kv.service.Commit",
		attribute.Int64("mvcc.start_ts", int64(startTS)),
		attribute.Int("mvcc.ops", len(ops)),
	)
	defer span.End()
	defer s.End(startTS)

	if len(ops) == 0 {
		return startTS, nil
	}

	commitTS, err := s.allocateTS(ctx)
	if err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}
	defer s.End(commitTS)

	cmd := mvcc.Command{
		Type:     mvcc.TxnCommand,
		TxnID:    startTS,
		StartTS:  startTS,
		CommitTS: commitTS,
		Ops:      ops,
	}
	res, err := s.propose(ctx, cmd)
	if err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}
	if res.Conflict {
		s.metrics.IncKVTxnOutcome(s.nodeID, "conflict")
		kvSpanRecordError(span, mvcc.ErrConflict)
		return 0, mvcc.ErrConflict
	}
	s.metrics.IncKVTxnOutcome(s.nodeID, "commit")
	span.SetAttributes(attribute.Int64("mvcc.commit_ts", int64(res.CommitTS)))
	return res.CommitTS, nil
}

// Put writes one key as a single-op transaction and returns its commit
// timestamp.
func (s *KV) Put(ctx context.Context, key, value []byte) (uint64, error) {
	ctx, span := s.startSpan(ctx, "kv.service.Put",
		attribute.String("kv.key", string(key)),
		attribute.Int("kv.value.bytes", len(value)),
	)
	defer span.End()
	s.logger.Debug("proposing put", "key", string(key))

	commitTS, err := s.oneShot(ctx, mvcc.Op{Type: mvcc.OpPut, Key: key, Value: value})
	if err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}
	return commitTS, nil
}

// Delete removes one key as a single-op transaction and returns its commit
// timestamp.
func (s *KV) Delete(ctx context.Context, key []byte) (uint64, error) {
	ctx, span := s.startSpan(ctx, "kv.service.Delete", attribute.String("kv.key", string(key)))
	defer span.End()
	s.logger.Debug("proposing delete", "key", string(key))

	commitTS, err := s.oneShot(ctx, mvcc.Op{Type: mvcc.OpDelete, Key: key})
	if err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}
	return commitTS, nil
}

func (s *KV) oneShot(ctx context.Context, op mvcc.Op) (uint64, error) {
	startTS, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	return s.Commit(ctx, startTS, []mvcc.Op{op})
}

// TxnResult reports the recorded outcome for a transaction id, for callers
// whose Commit timed out with the proposal in flight. The window is bounded;
// old outcomes disappear.
func (s *KV) TxnResult(txnID uint64) (TxnOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outcomesByTxn[txnID]
	return out, ok
}

// allocateTS issues a timestamp from the committed reservation, reserving a
// fresh range through the log when the grant is exhausted. The timestamp is
// registered as an active read before it escapes, so a concurrent GC pass
// cannot advance the watermark past it; the caller releases it with End.
func (s *KV) allocateTS(ctx context.Context) (uint64, error) {
	oracle := s.store.Oracle()
	if ts, ok := s.allocateRegistered(oracle); ok {
		return ts, nil
	}

	res, err := s.propose(ctx, mvcc.Command{Type: mvcc.ReserveCommand, ReserveN: reserveBatch})
	if err != nil {
		return 0, err
	}
	oracle.Adopt(res.ReserveLo, res.ReserveHi)

	ts, ok := s.allocateRegistered(oracle)
	if !ok {
		// Another caller drained the whole grant between Adopt and Allocate.
		return 0, fmt.Errorf("service: timestamp grant exhausted")
	}
	return ts, nil
}

// allocateRegistered allocates from the grant and records the timestamp in
// activeReads in one critical section with the GC watermark computation.
func (s *KV) allocateRegistered(oracle *mvcc.Oracle) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := oracle.Allocate()
	if ok {
		s.activeReads[ts]++
	}
	return ts, ok
}

// propose encodes a command, submits it to consensus, and waits for its
// apply outcome under the caller's deadline.
func (s *KV) propose(ctx context.Context, cmd mvcc.Command) (mvcc.ApplyResult, error) {
	ctx, span := s.startSpan(ctx, "kv.service.propose",
		attribute.String("mvcc.command.type", string(cmd.Type)),
	)
	defer span.End()

	raw, err := mvcc.EncodeCommand(cmd)
	if err != nil {
		kvSpanRecordError(span, err)
		return mvcc.ApplyResult{}, err
	}
	span.SetAttributes(attribute.Int("mvcc.command.bytes", len(raw)))

	index, isLeader := s.consensus.StartCommand(raw)
	if !isLeader {
		s.metrics.IncKVProposalResult(s.nodeID, "not_leader")
		err := s.notLeader()
		kvSpanRecordError(span, err)
		return mvcc.ApplyResult{}, err
	}
	s.metrics.IncKVProposalResult(s.nodeID, "accepted")
	span.SetAttributes(attribute.Int64("raft.log.index", index))
	s.logger.Debug("command accepted by consensus",
		"index", index,
		"type", cmd.Type,
	)

	return s.waitApplied(ctx, index)
}

// waitApplied blocks until the log entry at index has been applied locally,
// then returns its recorded outcome.
func (s *KV) waitApplied(ctx context.Context, index int64) (mvcc.ApplyResult, error) {
	ctx, span := s.startSpan(ctx, "kv.service.waitApplied", attribute.Int64("raft.log.index", index))
	defer span.End()
	start := time.Now()
	wakeups := 0

	for {
		s.mu.Lock()
		applied := s.lastAppliedIndex
		res, haveRes := s.outcomesByIndex[index]
		if haveRes && applied >= index {
			delete(s.outcomesByIndex, index)
		}
		s.mu.Unlock()

		if applied >= index {
			// Wake the next waiter: the notify channel holds one token.
			s.notifyApply()
			s.metrics.ObserveKVWaitAppliedDuration(s.nodeID, time.Since(start), true)
			s.metrics.AddKVWaitAppliedWakeups(s.nodeID, wakeups)
			s.metrics.IncKVWaitAppliedCall(s.nodeID, true)
			if !haveRes {
				// The outcome aged out of the window before we woke up.
				return mvcc.ApplyResult{}, fmt.Errorf("service: outcome for index %d no longer available", index)
			}
			span.SetAttributes(attribute.Bool("kv.wait_applied.done", true))
			return res, nil
		}

		select {
		case <-ctx.Done():
			kvSpanRecordError(span, ErrCommitTimeout)
			s.metrics.ObserveKVWaitAppliedDuration(s.nodeID, time.Since(start), false)
			s.metrics.AddKVWaitAppliedWakeups(s.nodeID, wakeups)
			s.metrics.IncKVWaitAppliedCall(s.nodeID, false)
			s.metrics.IncKVProposalResult(s.nodeID, "commit_timeout")
			return mvcc.ApplyResult{}, ErrCommitTimeout
		case <-s.applyNotifyCh:
			wakeups++
		}
	}
}

func (s *KV) notifyApply() {
	select {
	case s.applyNotifyCh <- struct{}{}:
	default:
	}
}

// RunApplyLoop applies consensus messages to the MVCC store until ctx is
// canceled or a handler returns an error. It is the single writer into the
// store.
func (s *KV) RunApplyLoop(ctx context.Context) error {
	ch := s.consensus.ApplyCh()
	if ch == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.handleApply(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *KV) handleApply(ctx context.Context, msg consensus.ApplyMsg) error {
	if msg.SnapshotValid {
		return s.handleApplySnapshot(ctx, msg)
	}

	if msg.ConfigValid {
		// Membership is enacted inside the consensus layer; the service only
		// tracks the applied index.
		s.logger.Info("cluster membership change applied",
			"index", msg.CommandIndex,
			"member", msg.ConfigNodeID,
			"removed", msg.ConfigRemoved,
		)
		s.advanceApplied(msg.CommandIndex, 0)
		return nil
	}

	if !msg.CommandValid {
		// Internal consensus entry (a leader no-op): only the index moves.
		if msg.CommandIndex > 0 {
			s.advanceApplied(msg.CommandIndex, 0)
		}
		return nil
	}

	ctx, span := s.startSpan(ctx, "kv.service.handleApplyCommand",
		attribute.Int64("raft.log.index", msg.CommandIndex),
		attribute.Int("mvcc.command.bytes", len(msg.Command)),
	)
	defer span.End()

	res, err := s.store.Apply(ctx, msg.CommandIndex, msg.Command)
	if err != nil {
		kvSpanRecordError(span, err)
		return err
	}

	s.mu.Lock()
	s.outcomesByIndex[msg.CommandIndex] = res
	if cutoff := msg.CommandIndex - outcomeRetention; cutoff > 0 {
		delete(s.outcomesByIndex, cutoff)
	}
	if res.Type == mvcc.TxnCommand {
		s.recordTxnOutcomeLocked(TxnOutcome{
			TxnID:    res.TxnID,
			CommitTS: res.CommitTS,
			Conflict: res.Conflict,
			Index:    msg.CommandIndex,
		})
	}
	s.mu.Unlock()

	s.advanceApplied(msg.CommandIndex, int64(len(msg.Command)))

	s.logger.Debug("command applied",
		"index", msg.CommandIndex,
		"type", res.Type,
		"conflict", res.Conflict,
	)

	s.mu.Lock()
	trigger := (s.SnapshotEvery > 0 && s.appliedSinceSnap >= s.SnapshotEvery) ||
		(s.SnapshotBytes > 0 && s.bytesSinceSnap >= s.SnapshotBytes)
	s.mu.Unlock()
	if trigger {
		if err := s.snapshot(ctx); err != nil {
			kvSpanRecordError(span, err)
			return err
		}
	}
	return nil
}

func (s *KV) handleApplySnapshot(ctx context.Context, msg consensus.ApplyMsg) error {
	ctx, span := s.startSpan(ctx, "kv.service.handleApplySnapshot",
		attribute.Int64("raft.snapshot.index", msg.SnapshotIndex),
		attribute.Int("kv.snapshot.bytes", len(msg.Snapshot)),
	)
	defer span.End()

	s.logger.Debug("restoring state from snapshot", "snapshot_index", msg.SnapshotIndex)
	if err := s.store.RestoreSnapshot(ctx, msg.Snapshot); err != nil {
		kvSpanRecordError(span, err)
		return err
	}
	s.mu.Lock()
	s.lastAppliedIndex = msg.SnapshotIndex
	s.appliedSinceSnap = 0
	s.bytesSinceSnap = 0
	s.mu.Unlock()
	s.notifyApply()
	s.logger.Debug("snapshot restored", "snapshot_index", msg.SnapshotIndex)
	return nil
}

func (s *KV) advanceApplied(index int64, bytes int64) {
	s.mu.Lock()
	if index > s.lastAppliedIndex {
		s.lastAppliedIndex = index
	}
	s.appliedSinceSnap++
	s.bytesSinceSnap += bytes
	s.mu.Unlock()
	s.notifyApply()
}

// recordTxnOutcomeLocked appends to the bounded txn outcome window.
// Caller must hold s.mu.
func (s *KV) recordTxnOutcomeLocked(out TxnOutcome) {
	if _, exists := s.outcomesByTxn[out.TxnID]; !exists {
		s.outcomeOrder = append(s.outcomeOrder, out.TxnID)
	}
	s.outcomesByTxn[out.TxnID] = out
	for len(s.outcomeOrder) > outcomeRetention {
		oldest := s.outcomeOrder[0]
		s.outcomeOrder = s.outcomeOrder[1:]
		delete(s.outcomesByTxn, oldest)
	}
}

func (s *KV) snapshot(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "kv.service.snapshot")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	lastAppliedIndex := s.lastAppliedIndex
	appliedSinceSnap := s.appliedSinceSnap
	s.mu.Unlock()
	span.SetAttributes(attribute.Int64("raft.log.index", lastAppliedIndex))

	s.logger.Debug("triggering snapshot",
		"last_applied_index", lastAppliedIndex,
		"applied_since_snap", appliedSinceSnap,
	)
	data, err := s.store.Snapshot(ctx)
	if err != nil {
		s.metrics.IncKVSnapshot(s.nodeID, "store_error")
		kvSpanRecordError(span, err)
		return err
	}
	span.SetAttributes(attribute.Int("kv.snapshot.bytes", len(data)))
	s.metrics.ObserveKVSnapshotBytes(s.nodeID, len(data))
	if err := s.consensus.Snapshot(lastAppliedIndex, data); err != nil {
		s.metrics.IncKVSnapshot(s.nodeID, "consensus_error")
		kvSpanRecordError(span, err)
		return err
	}
	s.metrics.ObserveKVSnapshotDuration(s.nodeID, time.Since(start))
	s.metrics.IncKVSnapshot(s.nodeID, "ok")
	s.mu.Lock()
	s.appliedSinceSnap = 0
	s.bytesSinceSnap = 0
	s.mu.Unlock()
	return nil
}

// RunGC periodically reclaims versions no active transaction can read. The
// watermark trails the oldest open transaction; with none open it advances to
// the next issuable timestamp, so a snapshot taken by the very next Begin
// still sees everything committed below it.
func (s *KV) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.gcPass(ctx)
		}
	}
}

func (s *KV) gcPass(ctx context.Context) {
	s.mu.Lock()
	wm := uint64(0)
	if len(s.activeReads) == 0 {
		wm = s.store.Oracle().Next()
	} else {
		wm = math.MaxUint64
		for ts := range s.activeReads {
			if ts < wm {
				wm = ts
			}
		}
	}
	s.mu.Unlock()

	if wm == 0 {
		return
	}
	s.store.SetGCWatermark(wm)
	removed, err := s.store.RunGC(ctx)
	if err != nil {
		s.logger.Info("gc pass failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Debug("gc pass reclaimed versions", "removed", removed, "watermark", wm)
	}
}
