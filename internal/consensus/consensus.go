// Package consensus defines the minimal interface between the replicated state
// machine and a consensus implementation.
package consensus

import "context"

// Consensus is the interface implemented by the active consensus engine (Raft).
type Consensus interface {
	Run(ctx context.Context)
	StartCommand(cmd []byte) (index int64, isLeader bool)
	ApplyCh() <-chan ApplyMsg
	IsLeader() bool
	LeaderHint() string
	Snapshot(index int64, data []byte) error
	Stop()
}

// ApplyMsg is delivered by the consensus layer to the state machine.
//
// Exactly one of CommandValid, SnapshotValid, ConfigValid is set; a message
// with none set carries an internal entry (for example a leader no-op) and
// only advances the applied index.
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex int64

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex int64

	// ConfigValid marks a committed membership change. CommandIndex carries
	// its log index; the member set itself is already in effect inside the
	// consensus engine by the time the message is delivered.
	ConfigValid   bool
	ConfigNodeID  string
	ConfigAddr    string
	ConfigRemoved bool
}
