// Package mvcc implements the multi-version key-value state machine applied
// by the consensus layer: versioned storage with snapshot-isolated reads,
// optimistic transaction commit, a replicated timestamp oracle, and prefix
// watchers.
package mvcc

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies an operation encoded in the replicated log.
type CommandType string

// Supported commands.
const (
	// TxnCommand carries a transaction's buffered write set. Conflict
	// validation happens at apply time so every replica reaches the same
	// commit/abort decision in log order.
	TxnCommand CommandType = "txn"
	// ReserveCommand advances the durable timestamp ceiling. A leader issues
	// timestamps only from ranges whose reservation has been committed, so
	// timestamps are never reissued across leader changes.
	ReserveCommand CommandType = "reserve"
)

// OpType identifies a single mutation within a transaction.
type OpType string

// Supported mutations.
const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
)

// Op is one buffered mutation of a transaction's write set.
type Op struct {
	Type  OpType `json:"type"`
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Command is the serialized operation carried in a log entry.
type Command struct {
	Type CommandType `json:"type"`

	// Transaction fields. TxnID equals StartTS: start timestamps are unique,
	// which makes the transaction id a natural idempotency token.
	TxnID    uint64 `json:"txn_id,omitempty"`
	StartTS  uint64 `json:"start_ts,omitempty"`
	CommitTS uint64 `json:"commit_ts,omitempty"`
	Ops      []Op   `json:"ops,omitempty"`

	// ReserveN is the size of the requested timestamp range.
	ReserveN uint64 `json:"reserve_n,omitempty"`
}

// EncodeCommand serializes a command for proposal through consensus.
func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// DecodeCommand deserializes a command from a committed log entry.
func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("mvcc: decode command: %w", err)
	}
	return cmd, nil
}
