package raft

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role is the current Raft role of a node.
type Role int

// Node roles in the Raft state machine.
const (
	Follower Role = iota
	Candidate
	Leader
)

// NodeStatus reports operational health of the node runtime.
type NodeStatus string

// Runtime health states exposed by Status.
const (
	NodeStatusHealthy  NodeStatus = "healthy"
	NodeStatusDegraded NodeStatus = "degraded"
)

// EntryType identifies the kind of Raft log entry payload.
type EntryType uint8

// Supported Raft log entry types.
const (
	EntryCommand      EntryType = 0 // backward-compat zero value
	EntryConfigChange EntryType = 1
	EntryNoop         EntryType = 2
)

// ClusterConfig holds the active member set for quorum calculation, the
// transport addresses needed to reach members, and the cluster identity.
type ClusterConfig struct {
	// ClusterID is generated once at cluster bootstrap and never changes.
	// It guards against installing a snapshot from a different cluster.
	ClusterID string `json:"cluster_id,omitempty"`

	Members []string `json:"members"` // all member IDs including self

	// Addrs maps member IDs to peer transport addresses. May be incomplete
	// for clusters bootstrapped from static peer wiring.
	Addrs map[string]string `json:"addrs,omitempty"`
}

func (c ClusterConfig) clone() ClusterConfig {
	out := ClusterConfig{
		ClusterID: c.ClusterID,
		Members:   append([]string(nil), c.Members...),
	}
	if c.Addrs != nil {
		out.Addrs = make(map[string]string, len(c.Addrs))
		for id, addr := range c.Addrs {
			out.Addrs[id] = addr
		}
	}
	return out
}

func (c ClusterConfig) hasMember(id string) bool {
	for _, m := range c.Members {
		if m == id {
			return true
		}
	}
	return false
}

// ConfigChangeType identifies a single-server membership change.
type ConfigChangeType string

// Supported membership changes.
const (
	AddMember    ConfigChangeType = "add"
	RemoveMember ConfigChangeType = "remove"
)

// ConfigChange is the payload of an EntryConfigChange log entry. The change
// takes effect when the entry commits; at most one change may be in flight.
type ConfigChange struct {
	Type   ConfigChangeType `json:"type"`
	NodeID string           `json:"node_id"`
	Addr   string           `json:"addr,omitempty"`
}

func encodeConfigChange(cc ConfigChange) ([]byte, error) {
	return json.Marshal(cc)
}

func decodeConfigChange(raw []byte) (ConfigChange, error) {
	var cc ConfigChange
	if err := json.Unmarshal(raw, &cc); err != nil {
		return ConfigChange{}, fmt.Errorf("raft: decode config change: %w", err)
	}
	return cc, nil
}

// LogEntry is a single entry in the Raft replicated log.
type LogEntry struct {
	Term    int64
	Type    EntryType
	Command []byte
}

// AppendEntriesRequest is sent by the leader for replication and heartbeats.
type AppendEntriesRequest struct {
	Term         int64
	LeaderID     string
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []LogEntry
	LeaderCommit int64
}

// AppendEntriesResponse is returned by followers for AppendEntries.
type AppendEntriesResponse struct {
	Term          int64
	Success       bool
	ConflictTerm  int64
	ConflictIndex int64
}

// HardState stores persistent Raft metadata required across restarts.
type HardState struct {
	CurrentTerm int64         `json:"current_term"`
	VotedFor    string        `json:"voted_for"`
	CommitIndex int64         `json:"commit_index"`
	Config      ClusterConfig `json:"config"`
}

// RequestVoteRequest is sent by candidates during leader election.
type RequestVoteRequest struct {
	Term         int64
	CandidateID  string
	LastLogIndex int64
	LastLogTerm  int64
}

// RequestVoteResponse is returned by peers in response to RequestVote.
type RequestVoteResponse struct {
	Term        int64
	VoteGranted bool
}

// Snapshot holds the application state at a particular log index.
type Snapshot struct {
	LastIncludedIndex int64         `json:"last_included_index"`
	LastIncludedTerm  int64         `json:"last_included_term"`
	Config            ClusterConfig `json:"config"`
	Data              []byte        `json:"data"`
}

// InstallSnapshotRequest is sent by the leader to bring a lagging follower
// up to date when the required log entries have already been compacted.
type InstallSnapshotRequest struct {
	Term              int64
	LeaderID          string
	LastIncludedIndex int64
	LastIncludedTerm  int64
	Config            ClusterConfig
	Data              []byte
}

// InstallSnapshotResponse acknowledges snapshot installation.
type InstallSnapshotResponse struct {
	Term int64
}

// ErrNilStorage is returned when NewNode is called with a nil Storage.
var ErrNilStorage = errors.New("raft: nil storage")

// ErrNilLogger is returned when NewNode is called with a nil logger.
var ErrNilLogger = errors.New("raft: nil logger")

// ErrNodeDegraded is returned when the node stopped progressing after a fatal background error.
var ErrNodeDegraded = errors.New("raft: node degraded")

// ErrNotLeader is returned when a leader-only operation is invoked elsewhere.
var ErrNotLeader = errors.New("raft: not leader")

// ErrConfChangeInFlight is returned when a membership change is proposed
// while a previous one has not committed yet.
var ErrConfChangeInFlight = errors.New("raft: config change already in flight")

// ErrClusterMismatch is returned when a snapshot from a different cluster is
// offered to this node.
var ErrClusterMismatch = errors.New("raft: snapshot from different cluster")
