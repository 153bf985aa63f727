// Package app wires the consensus node, state machine, and transports together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quorumkv/quorumkv/internal/consensus"
	"github.com/quorumkv/quorumkv/internal/consensus/raft"
	"github.com/quorumkv/quorumkv/internal/service"
	"github.com/quorumkv/quorumkv/internal/transport/kvnet"
	"github.com/quorumkv/quorumkv/internal/transport/raftnet"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// AdminStater exposes consensus introspection for the admin endpoint.
type AdminStater interface {
	AdminState() raft.AdminState
}

// App wires consensus and the KV state machine into a runnable service.
// All dependencies are injected; App does not create transport connections.
type App struct {
	config    Config
	logger    Logger
	consensus consensus.Consensus
	kv        *service.KV
	raftSrv   *raftnet.Server
	clientSrv *kvnet.Server
	admin     AdminStater
}

// New validates dependencies and constructs a runnable application.
// admin may be nil; the admin endpoint is then disabled.
func New(
	cfg Config,
	logger Logger,
	c consensus.Consensus,
	kvSvc *service.KV,
	raftSrv *raftnet.Server,
	clientSrv *kvnet.Server,
	admin AdminStater,
) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if c == nil {
		return nil, fmt.Errorf("app: nil consensus")
	}
	if kvSvc == nil {
		return nil, fmt.Errorf("app: nil kv service")
	}
	if raftSrv == nil {
		return nil, fmt.Errorf("app: nil raft server")
	}
	if clientSrv == nil {
		return nil, fmt.Errorf("app: nil client server")
	}
	return &App{
		config:    cfg,
		logger:    logger,
		consensus: c,
		kv:        kvSvc,
		raftSrv:   raftSrv,
		clientSrv: clientSrv,
		admin:     admin,
	}, nil
}

// Stop stops the underlying consensus engine.
func (a *App) Stop() {
	a.consensus.Stop()
}

// Run starts consensus, both transports, and the observability endpoints,
// and blocks until shutdown or a fatal error.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	raftAddr, err := a.raftSrv.Listen(a.config.RaftAddr)
	if err != nil {
		return err
	}
	clientAddr, err := a.clientSrv.Listen(a.config.ClientAddr)
	if err != nil {
		return err
	}

	a.consensus.Run(ctx)

	a.logger.Info(
		"node started",
		"node_id", a.config.NodeID,
		"engine", a.config.EngineType,
		"raft_addr", raftAddr,
		"client_addr", clientAddr,
	)

	return a.serve(ctx)
}

// serve starts the long-running goroutines and blocks until ctx is canceled
// or a fatal error occurs.
func (a *App) serve(ctx context.Context) error {
	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		return err
	}

	errCh := make(chan error, 4)

	go func() {
		if err := a.kv.RunApplyLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("kv apply loop: %w", err)
		}
	}()
	go a.kv.RunGC(ctx, a.config.GCInterval)
	go func() {
		if err := a.raftSrv.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("raft transport: %w", err)
		}
	}()
	go func() {
		if err := a.clientSrv.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("client transport: %w", err)
		}
	}()
	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}
	if pprofSrv != nil {
		go func() {
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("pprof serve: %w", err)
			}
		}()
	}

	defer func() {
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
		_ = a.raftSrv.Close()
		_ = a.clientSrv.Close()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
