package raftnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quorumkv/quorumkv/internal/consensus/raft"
	"github.com/quorumkv/quorumkv/internal/transport/wire"
)

// Handler is the node-side surface the server dispatches to. *raft.Node
// implements it.
type Handler interface {
	HandleRequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

// Server accepts peer connections and serves Raft RPC frames.
type Server struct {
	handler Handler
	logger  raft.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer returns a server dispatching to handler.
func NewServer(handler Handler, logger raft.Logger) *Server {
	return &Server{handler: handler, logger: logger}
}

// Listen binds addr and returns the bound address (useful with ":0").
func (s *Server) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("raftnet: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln.Addr().String(), nil
}

// Serve accepts connections until the listener is closed or ctx is done.
// Listen must have been called first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("raftnet: Serve before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	var writeMu sync.Mutex

	for {
		id, kind, payload, err := wire.ReadFrame(br)
		if err != nil {
			return
		}

		// Dispatch each request on its own goroutine: a snapshot install
		// must not stall heartbeats sharing the connection.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			env := s.dispatch(ctx, kind, payload)
			out, err := wire.EncodeGob(&env)
			if err != nil {
				return
			}

			writeMu.Lock()
			defer writeMu.Unlock()
			if err := wire.WriteFrame(bw, id, kind, out); err != nil {
				_ = conn.Close()
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, kind uint8, payload []byte) wire.Envelope {
	var (
		resp any
		err  error
	)

	switch kind {
	case kindRequestVote:
		var req raft.RequestVoteRequest
		if err = wire.DecodeGob(payload, &req); err == nil {
			resp, err = s.handler.HandleRequestVote(ctx, &req)
		}
	case kindAppendEntries:
		var req raft.AppendEntriesRequest
		if err = wire.DecodeGob(payload, &req); err == nil {
			resp, err = s.handler.HandleAppendEntries(ctx, &req)
		}
	case kindInstallSnapshot:
		var req raft.InstallSnapshotRequest
		if err = wire.DecodeGob(payload, &req); err == nil {
			resp, err = s.handler.HandleInstallSnapshot(ctx, &req)
		}
	default:
		err = fmt.Errorf("unknown message kind %d", kind)
	}

	if err != nil {
		if s.logger != nil {
			s.logger.Debug("raft rpc handler error", "kind", kind, "error", err)
		}
		return wire.Envelope{Err: err.Error()}
	}

	body, err := wire.EncodeGob(resp)
	if err != nil {
		return wire.Envelope{Err: fmt.Sprintf("encode response: %v", err)}
	}
	return wire.Envelope{Body: body}
}
