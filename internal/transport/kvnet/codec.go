// Package kvnet is the client-facing RPC surface, framed per the wire
// package. Unary calls get one response frame; Scan and Watch stream chunk
// frames under the request id until a Done chunk or a cancel frame.
package kvnet

import (
	"context"
	"errors"

	"github.com/quorumkv/quorumkv/internal/mvcc"
	"github.com/quorumkv/quorumkv/internal/service"
)

const (
	kindGet uint8 = iota + 1
	kindPut
	kindDelete
	kindBegin
	kindCommit
	kindEnd
	kindTxnResult
	kindScan
	kindWatch
	kindCancel
)

type statusCode uint8

const (
	statusOK statusCode = iota
	statusNotLeader
	statusConflict
	statusTimeout
	statusError
)

// rpcStatus rides in every response so typed failures survive the wire.
// LeaderHint is set with statusNotLeader so clients can redirect.
type rpcStatus struct {
	Code       statusCode
	Msg        string
	LeaderHint string
}

type getRequest struct {
	Key    []byte
	ReadTS uint64
}

type getResponse struct {
	Status rpcStatus
	Value  []byte
	Found  bool
}

type putRequest struct {
	Key   []byte
	Value []byte
}

type putResponse struct {
	Status   rpcStatus
	CommitTS uint64
}

type deleteRequest struct {
	Key []byte
}

type beginRequest struct{}

type beginResponse struct {
	Status  rpcStatus
	StartTS uint64
}

type wireOp struct {
	Type  string
	Key   []byte
	Value []byte
}

type commitRequest struct {
	StartTS uint64
	Ops     []wireOp
}

type commitResponse struct {
	Status   rpcStatus
	CommitTS uint64
}

type endRequest struct {
	StartTS uint64
}

type endResponse struct {
	Status rpcStatus
}

type txnResultRequest struct {
	TxnID uint64
}

type txnResultResponse struct {
	Status   rpcStatus
	Known    bool
	CommitTS uint64
	Conflict bool
}

type scanRequest struct {
	Start  []byte
	End    []byte
	ReadTS uint64
}

type scanItem struct {
	Key   []byte
	Value []byte
}

type scanChunk struct {
	Status rpcStatus
	Items  []scanItem
	Done   bool
}

type watchRequest struct {
	Prefix []byte
}

type watchEvent struct {
	Key      []byte
	Type     string
	Value    []byte
	CommitTS uint64
}

type watchChunk struct {
	Status rpcStatus
	Events []watchEvent
	Done   bool
}

func statusFromError(err error) rpcStatus {
	if err == nil {
		return rpcStatus{Code: statusOK}
	}
	var nle *service.NotLeaderError
	switch {
	case errors.As(err, &nle):
		return rpcStatus{Code: statusNotLeader, Msg: err.Error(), LeaderHint: nle.LeaderHint}
	case errors.Is(err, mvcc.ErrConflict):
		return rpcStatus{Code: statusConflict, Msg: err.Error()}
	case errors.Is(err, service.ErrCommitTimeout), errors.Is(err, context.DeadlineExceeded):
		return rpcStatus{Code: statusTimeout, Msg: err.Error()}
	default:
		return rpcStatus{Code: statusError, Msg: err.Error()}
	}
}

func (st rpcStatus) error() error {
	switch st.Code {
	case statusOK:
		return nil
	case statusNotLeader:
		return &service.NotLeaderError{LeaderHint: st.LeaderHint}
	case statusConflict:
		return mvcc.ErrConflict
	case statusTimeout:
		return service.ErrCommitTimeout
	default:
		return errors.New(st.Msg)
	}
}

func toWireOps(ops []mvcc.Op) []wireOp {
	out := make([]wireOp, len(ops))
	for i, op := range ops {
		out[i] = wireOp{Type: string(op.Type), Key: op.Key, Value: op.Value}
	}
	return out
}

func fromWireOps(ops []wireOp) []mvcc.Op {
	out := make([]mvcc.Op, len(ops))
	for i, op := range ops {
		out[i] = mvcc.Op{Type: mvcc.OpType(op.Type), Key: op.Key, Value: op.Value}
	}
	return out
}
