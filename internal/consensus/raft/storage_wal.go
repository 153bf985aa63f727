package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quorumkv/quorumkv/internal/storage"
)

// WALStorage persists the Raft log in an append-only write-ahead log, so a
// log append costs one framed record instead of a full file rewrite. Hard
// state and snapshots change rarely and stay as atomically replaced JSON
// files, same as JSONStorage.
type WALStorage struct {
	mu   sync.Mutex
	dir  string
	wal  *storage.WAL
	base int64
	log  []LogEntry
}

// walLogRecord is the WAL payload. A record with Base set marks a compaction
// point and discards everything before it on replay; a record with Entry set
// appends one log entry.
type walLogRecord struct {
	Base  *int64    `json:"base,omitempty"`
	Entry *LogEntry `json:"entry,omitempty"`
}

// NewWALStorage opens (or creates) WAL-backed Raft storage rooted at dir and
// replays the log into memory. Sync policy is always per-append: a Raft log
// entry must be durable before the node acknowledges it.
func NewWALStorage(dir string) (*WALStorage, error) {
	wal, records, err := storage.OpenWAL(filepath.Join(dir, "raft.wal"), storage.SyncEvery)
	if err != nil {
		return nil, fmt.Errorf("raft: open log wal: %w", err)
	}

	s := &WALStorage{dir: dir, wal: wal}
	for _, rec := range records {
		if rec.Kind != storage.RecordData {
			continue
		}
		var lr walLogRecord
		if err := json.Unmarshal(rec.Data, &lr); err != nil {
			_ = wal.Close()
			return nil, fmt.Errorf("raft: replay log wal record %d: %w", rec.LSN, err)
		}
		switch {
		case lr.Base != nil:
			s.base = *lr.Base
			s.log = s.log[:0]
		case lr.Entry != nil:
			s.log = append(s.log, *lr.Entry)
		}
	}
	return s, nil
}

// Load restores hard state, snapshot, and the replayed log.
func (s *WALStorage) Load() (*PersistentState, error) {
	hs, err := loadJSONFile[HardState](filepath.Join(s.dir, "hard_state.json"))
	if err != nil {
		return nil, err
	}

	var snap *Snapshot
	snapVal, err := loadJSONFile[Snapshot](filepath.Join(s.dir, "snapshot.json"))
	if err != nil {
		return nil, err
	}
	if snapVal.LastIncludedIndex > 0 {
		snap = &snapVal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &PersistentState{
		HardState: hs,
		LogBase:   s.base,
		Snapshot:  snap,
		Log:       cloneLogEntries(s.log),
	}, nil
}

// SaveHardState persists the current hard state.
func (s *WALStorage) SaveHardState(state HardState) error {
	return writeJSONAtomically(filepath.Join(s.dir, "hard_state.json"), state)
}

// AppendLog appends entries to the stored log, one WAL record per entry.
func (s *WALStorage) AppendLog(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range entries {
		entry := entries[i]
		payload, err := json.Marshal(walLogRecord{Entry: &entry})
		if err != nil {
			return err
		}
		if _, err := s.wal.Append(storage.RecordData, payload); err != nil {
			return err
		}
	}
	s.log = append(s.log, cloneLogEntries(entries)...)
	return nil
}

// TruncateLog keeps the first keepN entries and rewrites the WAL without the
// conflicting suffix.
func (s *WALStorage) TruncateLog(keepN int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepN < 0 {
		keepN = 0
	}
	if keepN > int64(len(s.log)) {
		keepN = int64(len(s.log))
	}
	return s.rewriteLocked(s.base, s.log[:keepN])
}

// SetLog replaces the stored log after compaction.
func (s *WALStorage) SetLog(baseIndex int64, entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewriteLocked(baseIndex, entries)
}

// SaveSnapshot persists a snapshot.
func (s *WALStorage) SaveSnapshot(snap Snapshot) error {
	return writeJSONAtomically(filepath.Join(s.dir, "snapshot.json"), snap)
}

// Close releases the underlying WAL file.
func (s *WALStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

// rewriteLocked replaces the WAL contents with a base marker followed by the
// given entries. Caller must hold s.mu.
func (s *WALStorage) rewriteLocked(base int64, entries []LogEntry) error {
	records := make([]storage.WALRecord, 0, len(entries)+1)

	basePayload, err := json.Marshal(walLogRecord{Base: &base})
	if err != nil {
		return err
	}
	records = append(records, storage.WALRecord{Kind: storage.RecordData, Data: basePayload})

	for i := range entries {
		entry := entries[i]
		payload, err := json.Marshal(walLogRecord{Entry: &entry})
		if err != nil {
			return err
		}
		records = append(records, storage.WALRecord{Kind: storage.RecordData, Data: payload})
	}

	if err := s.wal.Rewrite(records); err != nil {
		return err
	}
	s.base = base
	s.log = cloneLogEntries(entries)
	return nil
}

func loadJSONFile[T any](path string) (T, error) {
	var out T
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
