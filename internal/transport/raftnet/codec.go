// Package raftnet carries Raft RPCs between peers over persistent TCP
// connections, framed per the wire package. A client keeps one connection
// per peer and multiplexes concurrent RPCs on it, correlating responses by
// request id. Lost connections are re-dialed with exponential backoff.
package raftnet

const (
	kindRequestVote     uint8 = 1
	kindAppendEntries   uint8 = 2
	kindInstallSnapshot uint8 = 3
)
