package kvnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quorumkv/quorumkv/internal/mvcc"
	"github.com/quorumkv/quorumkv/internal/service"
	"github.com/quorumkv/quorumkv/internal/transport/wire"
)

// ErrClientClosed is returned after Close.
var ErrClientClosed = errors.New("kvnet: client closed")

// streamBuf bounds undelivered frames per stream before the reader blocks.
const streamBuf = 128

type pendingCall struct {
	ch     chan wire.Envelope
	stream bool
}

// Client talks to one node over a single multiplexed TCP connection. It is
// safe for concurrent use; a lost connection is re-dialed on the next call.
type Client struct {
	addr   string
	logger service.Logger
	dial   func(ctx context.Context, addr string) (net.Conn, error)

	mu      sync.Mutex
	conn    net.Conn
	bw      *bufio.Writer
	pending map[uint64]*pendingCall
	nextID  uint64
	closed  bool
}

// NewClient builds a client for addr. No connection is made until the first
// call.
func NewClient(addr string, logger service.Logger) *Client {
	return &Client{
		addr:    addr,
		logger:  logger,
		pending: make(map[uint64]*pendingCall),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Close tears down the connection and fails all in-flight calls and streams.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.teardownLocked(ErrClientClosed)
	return nil
}

// Get reads key at readTS; zero reads the latest committed version.
func (c *Client) Get(ctx context.Context, key []byte, readTS uint64) ([]byte, bool, error) {
	var resp getResponse
	if err := c.roundTrip(ctx, kindGet, &getRequest{Key: key, ReadTS: readTS}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, resp.Status.error()
}

// Put writes key and returns the commit timestamp.
func (c *Client) Put(ctx context.Context, key, value []byte) (uint64, error) {
	var resp putResponse
	if err := c.roundTrip(ctx, kindPut, &putRequest{Key: key, Value: value}, &resp); err != nil {
		return 0, err
	}
	return resp.CommitTS, resp.Status.error()
}

// Delete removes key and returns the commit timestamp.
func (c *Client) Delete(ctx context.Context, key []byte) (uint64, error) {
	var resp putResponse
	if err := c.roundTrip(ctx, kindDelete, &deleteRequest{Key: key}, &resp); err != nil {
		return 0, err
	}
	return resp.CommitTS, resp.Status.error()
}

// Begin opens a transaction and returns its start timestamp.
func (c *Client) Begin(ctx context.Context) (uint64, error) {
	var resp beginResponse
	if err := c.roundTrip(ctx, kindBegin, &beginRequest{}, &resp); err != nil {
		return 0, err
	}
	return resp.StartTS, resp.Status.error()
}

// Commit proposes the transaction's writes and returns the commit timestamp,
// or mvcc.ErrConflict on a first-committer-wins loss.
func (c *Client) Commit(ctx context.Context, startTS uint64, ops []mvcc.Op) (uint64, error) {
	var resp commitResponse
	req := commitRequest{StartTS: startTS, Ops: toWireOps(ops)}
	if err := c.roundTrip(ctx, kindCommit, &req, &resp); err != nil {
		return 0, err
	}
	return resp.CommitTS, resp.Status.error()
}

// End abandons a transaction without committing.
func (c *Client) End(ctx context.Context, startTS uint64) error {
	var resp endResponse
	if err := c.roundTrip(ctx, kindEnd, &endRequest{StartTS: startTS}, &resp); err != nil {
		return err
	}
	return resp.Status.error()
}

// TxnResult re-checks a transaction whose Commit timed out. Known is false
// when the node has no recorded outcome (not yet applied, or aged out).
func (c *Client) TxnResult(ctx context.Context, txnID uint64) (known bool, commitTS uint64, conflict bool, err error) {
	var resp txnResultResponse
	if err := c.roundTrip(ctx, kindTxnResult, &txnResultRequest{TxnID: txnID}, &resp); err != nil {
		return false, 0, false, err
	}
	return resp.Known, resp.CommitTS, resp.Conflict, resp.Status.error()
}

func (c *Client) roundTrip(ctx context.Context, kind uint8, req, resp any) error {
	id, ch, err := c.send(ctx, kind, req, false)
	if err != nil {
		return err
	}

	select {
	case env := <-ch:
		if env.Err != "" {
			return fmt.Errorf("kvnet: remote %s: %s", c.addr, env.Err)
		}
		if err := wire.DecodeGob(env.Body, resp); err != nil {
			return fmt.Errorf("kvnet: decode response: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// send registers a pending call and writes the request frame.
func (c *Client) send(ctx context.Context, kind uint8, req any, stream bool) (uint64, chan wire.Envelope, error) {
	payload, err := wire.EncodeGob(req)
	if err != nil {
		return 0, nil, fmt.Errorf("kvnet: encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrClientClosed
	}
	if err := c.ensureConnLocked(ctx); err != nil {
		return 0, nil, err
	}

	c.nextID++
	id := c.nextID
	buf := 1
	if stream {
		buf = streamBuf
	}
	call := &pendingCall{ch: make(chan wire.Envelope, buf), stream: stream}
	c.pending[id] = call

	if err := wire.WriteFrame(c.bw, id, kind, payload); err != nil {
		delete(c.pending, id)
		c.teardownLocked(err)
		return 0, nil, fmt.Errorf("kvnet: send to %s: %w", c.addr, err)
	}
	return id, call.ch, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// cancelStream tells the server to stop a stream and drops its pending call.
func (c *Client) cancelStream(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	if c.bw != nil {
		_ = wire.WriteFrame(c.bw, id, kindCancel, nil)
	}
	c.mu.Unlock()
}

func (c *Client) ensureConnLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx, c.addr)
	if err != nil {
		return fmt.Errorf("kvnet: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.bw = bufio.NewWriter(conn)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		id, _, payload, err := wire.ReadFrame(br)
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.teardownLocked(err)
			}
			c.mu.Unlock()
			return
		}

		var env wire.Envelope
		if err := wire.DecodeGob(payload, &env); err != nil {
			env = wire.Envelope{Err: fmt.Sprintf("decode envelope: %v", err)}
		}

		c.mu.Lock()
		call, ok := c.pending[id]
		if ok && !call.stream {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			// A stream consumer that stops reading eventually blocks the
			// whole connection; Close the stream instead of abandoning it.
			call.ch <- env
		}
	}
}

// teardownLocked closes the connection and fails every pending call.
// Caller must hold c.mu.
func (c *Client) teardownLocked(cause error) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.bw = nil
	}
	for id, call := range c.pending {
		delete(c.pending, id)
		select {
		case call.ch <- wire.Envelope{Err: cause.Error()}:
		default:
		}
	}
	if c.logger != nil && !errors.Is(cause, ErrClientClosed) {
		c.logger.Debug("node connection lost", "addr", c.addr, "error", cause)
	}
}

// ScanStream iterates a server-side snapshot scan delivered as chunk frames.
type ScanStream struct {
	c   *Client
	ctx context.Context
	id  uint64
	ch  chan wire.Envelope

	items  []scanItem
	pos    int
	done   bool
	closed bool
	err    error
}

// Scan opens a streaming range read over [start, end) at readTS (zero means
// latest). The caller owns Close.
func (c *Client) Scan(ctx context.Context, start, end []byte, readTS uint64) (*ScanStream, error) {
	id, ch, err := c.send(ctx, kindScan, &scanRequest{Start: start, End: end, ReadTS: readTS}, true)
	if err != nil {
		return nil, err
	}
	return &ScanStream{c: c, ctx: ctx, id: id, ch: ch}, nil
}

// Next advances to the next row, fetching chunks as needed.
func (s *ScanStream) Next() bool {
	for {
		if s.err != nil {
			return false
		}
		if s.pos < len(s.items) {
			s.pos++
			return true
		}
		if s.done {
			return false
		}

		select {
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		case env := <-s.ch:
			if env.Err != "" {
				s.err = fmt.Errorf("kvnet: remote %s: %s", s.c.addr, env.Err)
				return false
			}
			var chunk scanChunk
			if err := wire.DecodeGob(env.Body, &chunk); err != nil {
				s.err = fmt.Errorf("kvnet: decode scan chunk: %w", err)
				return false
			}
			if err := chunk.Status.error(); err != nil {
				s.err = err
				return false
			}
			s.items = chunk.Items
			s.pos = 0
			if chunk.Done {
				s.done = true
			}
		}
	}
}

// Key returns the current row's key.
func (s *ScanStream) Key() []byte { return s.items[s.pos-1].Key }

// Value returns the current row's value.
func (s *ScanStream) Value() []byte { return s.items[s.pos-1].Value }

// Err returns the first error encountered.
func (s *ScanStream) Err() error { return s.err }

// Close releases the stream, cancelling it server-side when unfinished.
func (s *ScanStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.done {
		s.c.forget(s.id)
	} else {
		s.c.cancelStream(s.id)
	}
	return nil
}

// WatchStream delivers watch events for a key prefix.
type WatchStream struct {
	c  *Client
	id uint64
	ch chan wire.Envelope

	events []watchEvent
	closed bool
}

// Watch opens an event stream for keys under prefix. The caller owns Close.
func (c *Client) Watch(ctx context.Context, prefix []byte) (*WatchStream, error) {
	id, ch, err := c.send(ctx, kindWatch, &watchRequest{Prefix: prefix}, true)
	if err != nil {
		return nil, err
	}
	return &WatchStream{c: c, id: id, ch: ch}, nil
}

// Recv blocks for the next event. It returns the server's error when the
// stream ends (a lagged watcher is dropped) and ctx.Err on cancellation.
func (w *WatchStream) Recv(ctx context.Context) (mvcc.Event, error) {
	for {
		if len(w.events) > 0 {
			ev := w.events[0]
			w.events = w.events[1:]
			return mvcc.Event{
				Key:      ev.Key,
				Type:     mvcc.EventType(ev.Type),
				Value:    ev.Value,
				CommitTS: ev.CommitTS,
			}, nil
		}

		select {
		case <-ctx.Done():
			return mvcc.Event{}, ctx.Err()
		case env := <-w.ch:
			if env.Err != "" {
				return mvcc.Event{}, fmt.Errorf("kvnet: remote %s: %s", w.c.addr, env.Err)
			}
			var chunk watchChunk
			if err := wire.DecodeGob(env.Body, &chunk); err != nil {
				return mvcc.Event{}, fmt.Errorf("kvnet: decode watch chunk: %w", err)
			}
			if err := chunk.Status.error(); err != nil {
				return mvcc.Event{}, err
			}
			if chunk.Done {
				return mvcc.Event{}, errors.New("kvnet: watch stream closed")
			}
			w.events = chunk.Events
		}
	}
}

// Close cancels the watch server-side.
func (w *WatchStream) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.c.cancelStream(w.id)
	return nil
}
