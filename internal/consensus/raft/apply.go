package raft

import (
	"context"
	"time"

	"github.com/quorumkv/quorumkv/internal/consensus"
)

func (n *Node) notifyApply() {
	select {
	case n.applyNotifyCh <- struct{}{}:
	default:
	}
}

func (n *Node) runApplyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.applyNotifyCh:
		}

		// Drain any pending snapshot first — the state machine must replace
		// its state before we apply regular log entries that follow the snapshot.
		for {
			n.mu.Lock()
			snap := n.pendingSnapshot
			if snap == nil {
				n.mu.Unlock()
				break
			}
			n.pendingSnapshot = nil
			n.mu.Unlock()

			n.logger.Debug("applying snapshot to state machine",
				"node_id", n.id,
				"snapshot_index", snap.LastIncludedIndex,
				"snapshot_term", snap.LastIncludedTerm,
			)

			select {
			case <-ctx.Done():
				return
			case n.applyCh <- consensus.ApplyMsg{
				SnapshotValid: true,
				Snapshot:      append([]byte(nil), snap.Data...),
				SnapshotIndex: snap.LastIncludedIndex,
			}:
			}

			// Advance lastApplied to the snapshot index so the loop below
			// starts applying log entries from the right position.
			n.mu.Lock()
			if snap.LastIncludedIndex > n.lastApplied {
				n.lastApplied = snap.LastIncludedIndex
			}
			n.lastAppliedAt = time.Now()
			n.mu.Unlock()
		}

		// Apply committed log entries in order.
		for {
			n.mu.Lock()
			if n.lastApplied >= n.commitIndex {
				n.mu.Unlock()
				break
			}

			nextIndex := n.lastApplied + 1
			if nextIndex > n.lastLogIndexLocked() {
				n.mu.Unlock()
				break
			}

			entry := n.entryAtLocked(nextIndex)
			n.lastApplied = nextIndex

			var msg consensus.ApplyMsg
			switch entry.Type {
			case EntryConfigChange:
				msg = n.applyConfigChangeLocked(nextIndex, entry)
			case EntryNoop:
				msg = consensus.ApplyMsg{CommandIndex: nextIndex}
			default:
				msg = consensus.ApplyMsg{
					CommandValid: true,
					Command:      append([]byte(nil), entry.Command...),
					CommandIndex: nextIndex,
				}
			}
			n.mu.Unlock()

			n.logger.Debug("applying log entry",
				"node_id", n.id,
				"index", nextIndex,
				"term", entry.Term,
				"type", entry.Type,
			)

			select {
			case <-ctx.Done():
				return
			case n.applyCh <- msg:
				now := time.Now()
				n.mu.Lock()
				n.lastAppliedAt = now
				n.observeCommitToApplyLocked(nextIndex, now)
				n.mu.Unlock()
			}
		}
	}
}

// applyConfigChangeLocked makes a committed membership change effective: the
// member set (and so quorum) changes, hard state is persisted, and transport
// clients are added or released via the peer factory. Replays are no-ops.
// Caller must hold n.mu.
func (n *Node) applyConfigChangeLocked(index int64, entry LogEntry) consensus.ApplyMsg {
	msg := consensus.ApplyMsg{ConfigValid: true, CommandIndex: index}

	cc, err := decodeConfigChange(entry.Command)
	if err != nil {
		// An undecodable committed entry is a protocol-level defect; refuse
		// further progress rather than diverge from replicas that applied it.
		n.markDegradedLocked(err)
		return msg
	}
	msg.ConfigNodeID = cc.NodeID
	msg.ConfigAddr = cc.Addr
	msg.ConfigRemoved = cc.Type == RemoveMember

	switch cc.Type {
	case AddMember:
		if n.config.hasMember(cc.NodeID) {
			return msg
		}
		n.config.Members = append(n.config.Members, cc.NodeID)
		if cc.Addr != "" {
			if n.config.Addrs == nil {
				n.config.Addrs = make(map[string]string)
			}
			n.config.Addrs[cc.NodeID] = cc.Addr
		}
		if cc.NodeID != n.id {
			n.addPeerLocked(cc.NodeID, cc.Addr)
		}

	case RemoveMember:
		if !n.config.hasMember(cc.NodeID) {
			return msg
		}
		members := make([]string, 0, len(n.config.Members)-1)
		for _, m := range n.config.Members {
			if m != cc.NodeID {
				members = append(members, m)
			}
		}
		n.config.Members = members
		delete(n.config.Addrs, cc.NodeID)
		if pc, ok := n.peers[cc.NodeID]; ok {
			delete(n.peers, cc.NodeID)
			delete(n.nextIndex, cc.NodeID)
			delete(n.matchIndex, cc.NodeID)
			delete(n.replicateInFlight, cc.NodeID)
			delete(n.replicatePending, cc.NodeID)
			_ = pc.Close()
		}

	default:
		n.logger.Warn("ignoring unknown config change type",
			"node_id", n.id,
			"type", cc.Type,
			"index", index,
		)
		return msg
	}

	if err := n.persistHardStateLocked(); err != nil {
		n.markDegradedLocked(err)
		return msg
	}

	n.logger.Info("cluster configuration changed",
		"node_id", n.id,
		"change", cc.Type,
		"member", cc.NodeID,
		"members", len(n.config.Members),
		"index", index,
	)
	return msg
}

// addPeerLocked builds a transport client for a newly added member. Without a
// peer factory the member still counts for quorum, but this node cannot
// replicate to it; the wiring layer is expected to install one.
// Caller must hold n.mu.
func (n *Node) addPeerLocked(nodeID, addr string) {
	if _, ok := n.peers[nodeID]; ok {
		return
	}
	if n.peerFactory == nil {
		n.logger.Warn("no peer factory configured, added member unreachable",
			"node_id", n.id,
			"member", nodeID,
		)
		return
	}
	pc, err := n.peerFactory(nodeID, addr)
	if err != nil {
		n.logger.Error("building peer client for added member failed",
			"node_id", n.id,
			"member", nodeID,
			"addr", addr,
			"error", err,
		)
		return
	}
	n.peers[nodeID] = pc
	n.nextIndex[nodeID] = n.lastLogIndexLocked() + 1
	n.matchIndex[nodeID] = 0
}
