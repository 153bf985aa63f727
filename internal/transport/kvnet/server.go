package kvnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quorumkv/quorumkv/internal/service"
	"github.com/quorumkv/quorumkv/internal/transport/wire"
)

// scanChunkItems is how many scan rows ride in one stream frame.
const scanChunkItems = 64

// Server serves client RPCs against a local KV service.
type Server struct {
	kv     *service.KV
	logger service.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer returns a server for kv.
func NewServer(kv *service.KV, logger service.Logger) *Server {
	return &Server{kv: kv, logger: logger}
}

// Listen binds addr and returns the bound address (useful with ":0").
func (s *Server) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("kvnet: listen %s: %w", addr, err)
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
		return errors.New("kvnet: Serve before Listen")
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

// clientConn is the per-connection state: a write mutex shared by all
// in-flight responses and the cancel functions of active streams.
type clientConn struct {
	conn net.Conn
	bw   *bufio.Writer

	writeMu sync.Mutex
	mu      sync.Mutex
	streams map[uint64]context.CancelFunc
}

func (cc *clientConn) send(id uint64, kind uint8, body any) error {
	payload, err := wire.EncodeGob(body)
	if err != nil {
		return err
	}
	out, err := wire.EncodeGob(&wire.Envelope{Body: payload})
	if err != nil {
		return err
	}
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if err := wire.WriteFrame(cc.bw, id, kind, out); err != nil {
		_ = cc.conn.Close()
		return err
	}
	return nil
}

func (cc *clientConn) registerStream(id uint64, cancel context.CancelFunc) {
	cc.mu.Lock()
	cc.streams[id] = cancel
	cc.mu.Unlock()
}

func (cc *clientConn) dropStream(id uint64) {
	cc.mu.Lock()
	delete(cc.streams, id)
	cc.mu.Unlock()
}

func (cc *clientConn) cancelStream(id uint64) {
	cc.mu.Lock()
	cancel := cc.streams[id]
	delete(cc.streams, id)
	cc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (cc *clientConn) cancelAll() {
	cc.mu.Lock()
	for id, cancel := range cc.streams {
		delete(cc.streams, id)
		cancel()
	}
	cc.mu.Unlock()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	cc := &clientConn{
		conn:    conn,
		bw:      bufio.NewWriter(conn),
		streams: make(map[uint64]context.CancelFunc),
	}
	defer func() {
		cc.cancelAll()
		_ = conn.Close()
	}()

	br := bufio.NewReader(conn)
	for {
		id, kind, payload, err := wire.ReadFrame(br)
		if err != nil {
			return
		}

		if kind == kindCancel {
			cc.cancelStream(id)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, cc, id, kind, payload)
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, id uint64, kind uint8, payload []byte) {
	switch kind {
	case kindGet:
		var req getRequest
		resp := getResponse{}
		if err := wire.DecodeGob(payload, &req); err != nil {
			resp.Status = statusFromError(err)
		} else {
			value, found, err := s.kv.Get(ctx, req.Key, req.ReadTS)
			resp = getResponse{Status: statusFromError(err), Value: value, Found: found}
		}
		_ = cc.send(id, kind, &resp)

	case kindPut:
		var req putRequest
		resp := putResponse{}
		if err := wire.DecodeGob(payload, &req); err != nil {
			resp.Status = statusFromError(err)
		} else {
			commitTS, err := s.kv.Put(ctx, req.Key, req.Value)
			resp = putResponse{Status: statusFromError(err), CommitTS: commitTS}
		}
		_ = cc.send(id, kind, &resp)

	case kindDelete:
		var req deleteRequest
		resp := putResponse{}
		if err := wire.DecodeGob(payload, &req); err != nil {
			resp.Status = statusFromError(err)
		} else {
			commitTS, err := s.kv.Delete(ctx, req.Key)
			resp = putResponse{Status: statusFromError(err), CommitTS: commitTS}
		}
		_ = cc.send(id, kind, &resp)

	case kindBegin:
		startTS, err := s.kv.Begin(ctx)
		_ = cc.send(id, kind, &beginResponse{Status: statusFromError(err), StartTS: startTS})

	case kindCommit:
		var req commitRequest
		resp := commitResponse{}
		if err := wire.DecodeGob(payload, &req); err != nil {
			resp.Status = statusFromError(err)
		} else {
			commitTS, err := s.kv.Commit(ctx, req.StartTS, fromWireOps(req.Ops))
			resp = commitResponse{Status: statusFromError(err), CommitTS: commitTS}
		}
		_ = cc.send(id, kind, &resp)

	case kindEnd:
		var req endRequest
		resp := endResponse{}
		if err := wire.DecodeGob(payload, &req); err != nil {
			resp.Status = statusFromError(err)
		} else {
			s.kv.End(req.StartTS)
		}
		_ = cc.send(id, kind, &resp)

	case kindTxnResult:
		var req txnResultRequest
		resp := txnResultResponse{}
		if err := wire.DecodeGob(payload, &req); err != nil {
			resp.Status = statusFromError(err)
		} else {
			out, ok := s.kv.TxnResult(req.TxnID)
			resp = txnResultResponse{Known: ok, CommitTS: out.CommitTS, Conflict: out.Conflict}
		}
		_ = cc.send(id, kind, &resp)

	case kindScan:
		s.serveScan(ctx, cc, id, payload)

	case kindWatch:
		s.serveWatch(ctx, cc, id, payload)

	default:
		status := statusFromError(fmt.Errorf("kvnet: unknown message kind %d", kind))
		_ = cc.send(id, kind, &scanChunk{Status: status, Done: true})
	}
}

// serveScan streams the visible range as chunk frames ending with Done.
func (s *Server) serveScan(ctx context.Context, cc *clientConn, id uint64, payload []byte) {
	var req scanRequest
	if err := wire.DecodeGob(payload, &req); err != nil {
		_ = cc.send(id, kindScan, &scanChunk{Status: statusFromError(err), Done: true})
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	cc.registerStream(id, cancel)
	defer cc.dropStream(id)
	defer cancel()

	it, err := s.kv.Scan(ctx, req.Start, req.End, req.ReadTS)
	if err != nil {
		_ = cc.send(id, kindScan, &scanChunk{Status: statusFromError(err), Done: true})
		return
	}
	defer func() { _ = it.Close() }()

	var items []scanItem
	flush := func(done bool) bool {
		chunk := scanChunk{Items: items, Done: done}
		items = nil
		return cc.send(id, kindScan, &chunk) == nil
	}

	for it.Next() {
		if ctx.Err() != nil {
			return
		}
		items = append(items, scanItem{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
		if len(items) >= scanChunkItems && !flush(false) {
			return
		}
	}
	if err := it.Err(); err != nil {
		_ = cc.send(id, kindScan, &scanChunk{Status: statusFromError(err), Done: true})
		return
	}
	flush(true)
}

// serveWatch forwards watch events until the client cancels, the watcher is
// dropped for falling behind, or the connection dies.
func (s *Server) serveWatch(ctx context.Context, cc *clientConn, id uint64, payload []byte) {
	var req watchRequest
	if err := wire.DecodeGob(payload, &req); err != nil {
		_ = cc.send(id, kindWatch, &watchChunk{Status: statusFromError(err), Done: true})
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	cc.registerStream(id, cancel)
	defer cc.dropStream(id)
	defer cancel()

	w := s.kv.Watch(req.Prefix)
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			_ = cc.send(id, kindWatch, &watchChunk{Done: true})
			return
		case ev, ok := <-w.C:
			if !ok {
				// Dropped for falling behind.
				status := statusFromError(errors.New("kvnet: watcher lagged and was dropped"))
				_ = cc.send(id, kindWatch, &watchChunk{Status: status, Done: true})
				return
			}
			chunk := watchChunk{Events: []watchEvent{{
				Key:      ev.Key,
				Type:     string(ev.Type),
				Value:    ev.Value,
				CommitTS: ev.CommitTS,
			}}}
			if err := cc.send(id, kindWatch, &chunk); err != nil {
				return
			}
		}
	}
}
