package raftnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/internal/consensus/raft"
	"github.com/quorumkv/quorumkv/internal/transport/wire"
)

const (
	backoffBase = 50 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// ErrBackoff is returned while the client refuses to dial because the last
// attempt failed recently. The Raft loops retry on their own cadence.
var ErrBackoff = errors.New("raftnet: connection backoff in effect")

// ErrClientClosed is returned after Close.
var ErrClientClosed = errors.New("raftnet: client closed")

// Client is a raft.PeerClient over one persistent TCP connection.
type Client struct {
	addr   string
	logger raft.Logger
	dial   func(ctx context.Context, addr string) (net.Conn, error)

	mu         sync.Mutex
	conn       net.Conn
	bw         *bufio.Writer
	pending    map[uint64]chan wire.Envelope
	nextID     uint64
	failures   int
	nextDialAt time.Time
	closed     bool
}

// NewClient builds a peer client for addr. No connection is made until the
// first RPC.
func NewClient(addr string, logger raft.Logger) *Client {
	return &Client{
		addr:    addr,
		logger:  logger,
		pending: make(map[uint64]chan wire.Envelope),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// RequestVote implements raft.PeerClient.
func (c *Client) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	var resp raft.RequestVoteResponse
	if err := c.roundTrip(ctx, kindRequestVote, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AppendEntries implements raft.PeerClient.
func (c *Client) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	if err := c.roundTrip(ctx, kindAppendEntries, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InstallSnapshot implements raft.PeerClient.
func (c *Client) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	var resp raft.InstallSnapshotResponse
	if err := c.roundTrip(ctx, kindInstallSnapshot, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close tears down the connection and fails all in-flight RPCs.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.teardownLocked(ErrClientClosed)
	return nil
}

// roundTrip sends one request frame and waits for the matching response.
// Each attempt is at-most-once: a connection failure surfaces as an error
// without retransmission, and the caller's context bounds the wait.
func (c *Client) roundTrip(ctx context.Context, kind uint8, req, resp any) error {
	payload, err := wire.EncodeGob(req)
	if err != nil {
		return fmt.Errorf("raftnet: encode request: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if err := c.ensureConnLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}

	c.nextID++
	id := c.nextID
	ch := make(chan wire.Envelope, 1)
	c.pending[id] = ch

	if err := wire.WriteFrame(c.bw, id, kind, payload); err != nil {
		delete(c.pending, id)
		c.teardownLocked(err)
		c.mu.Unlock()
		return fmt.Errorf("raftnet: send to %s: %w", c.addr, err)
	}
	c.mu.Unlock()

	select {
	case env := <-ch:
		if env.Err != "" {
			return fmt.Errorf("raftnet: remote %s: %s", c.addr, env.Err)
		}
		if err := wire.DecodeGob(env.Body, resp); err != nil {
			return fmt.Errorf("raftnet: decode response: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// ensureConnLocked dials if there is no live connection, honoring the
// exponential backoff window (base 50ms, cap 2s, ±20% jitter).
func (c *Client) ensureConnLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if now := time.Now(); now.Before(c.nextDialAt) {
		return ErrBackoff
	}

	conn, err := c.dial(ctx, c.addr)
	if err != nil {
		c.failures++
		backoff := backoffBase << (c.failures - 1)
		if backoff > backoffCap || backoff <= 0 {
			backoff = backoffCap
		}
		// ±20% jitter so peers do not re-dial in lockstep.
		//nolint:gosec // scheduling jitter, not cryptography
		jitter := 0.8 + 0.4*rand.Float64()
		backoff = time.Duration(float64(backoff) * jitter)
		c.nextDialAt = time.Now().Add(backoff)
		return fmt.Errorf("raftnet: dial %s: %w", c.addr, err)
	}

	c.failures = 0
	c.nextDialAt = time.Time{}
	c.conn = conn
	c.bw = bufio.NewWriter(conn)
	go c.readLoop(conn)
	return nil
}

// readLoop routes response frames to their waiting callers until the
// connection dies.
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
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// teardownLocked closes the connection and fails every pending RPC.
// Caller must hold c.mu.
func (c *Client) teardownLocked(cause error) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.bw = nil
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- wire.Envelope{Err: cause.Error()}
	}
	if c.logger != nil && !errors.Is(cause, ErrClientClosed) {
		c.logger.Debug("peer connection lost", "addr", c.addr, "error", cause)
	}
}
