// Package main implements the node process that runs Raft and the KV API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.opentelemetry.io/otel"

	apppkg "github.com/quorumkv/quorumkv/internal/app"
	"github.com/quorumkv/quorumkv/internal/consensus"
	raftconsensus "github.com/quorumkv/quorumkv/internal/consensus/raft"
	"github.com/quorumkv/quorumkv/internal/mvcc"
	"github.com/quorumkv/quorumkv/internal/observability/metrics"
	"github.com/quorumkv/quorumkv/internal/service"
	"github.com/quorumkv/quorumkv/internal/storage"
	"github.com/quorumkv/quorumkv/internal/transport/kvnet"
	"github.com/quorumkv/quorumkv/internal/transport/raftnet"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()
	tracer := otel.Tracer("quorumkv/node")

	prom, err := metrics.NewPrometheus(nil)
	if err != nil {
		return err
	}

	peerAddrs, err := cfg.PeerAddrMap()
	if err != nil {
		return err
	}
	delete(peerAddrs, cfg.NodeID) // exclude self if listed

	peers := make(map[string]raftconsensus.PeerClient, len(peerAddrs))
	for id, addr := range peerAddrs {
		peers[id] = raftnet.NewClient(addr, logger)
	}

	eng, err := openEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	applyCh := make(chan consensus.ApplyMsg, 256)
	store := mvcc.NewStore(eng, mvcc.NewOracle(), tracer)

	raftStorage, err := raftconsensus.NewWALStorage(filepath.Join(cfg.DataDir, "raft"))
	if err != nil {
		for _, p := range peers {
			_ = p.Close()
		}
		return err
	}
	defer func() { _ = raftStorage.Close() }()

	node, err := raftconsensus.NewNode(cfg.NodeID, peers, applyCh, raftStorage, logger, tracer, prom)
	if err != nil {
		for _, p := range peers {
			_ = p.Close()
		}
		return err
	}
	node.SetPeerFactory(func(_, addr string) (raftconsensus.PeerClient, error) {
		return raftnet.NewClient(addr, logger), nil
	})
	if cfg.ElectionTimeoutMin > 0 || cfg.ElectionTimeoutMax > 0 || cfg.HeartbeatInterval > 0 {
		node.SetTimeouts(cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax, cfg.HeartbeatInterval)
	}

	kvSvc := service.NewKV(node, store, logger, tracer, prom, cfg.NodeID)
	kvSvc.SnapshotEvery = cfg.SnapshotEvery
	kvSvc.SnapshotBytes = cfg.SnapshotBytes

	raftSrv := raftnet.NewServer(node, logger)
	clientSrv := kvnet.NewServer(kvSvc, logger)

	app, err := apppkg.New(cfg, logger, node, kvSvc, raftSrv, clientSrv, node)
	if err != nil {
		node.Stop()
		return err
	}
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func openEngine(cfg apppkg.Config, logger *slog.Logger) (storage.Engine, error) {
	switch cfg.EngineType {
	case apppkg.EngineTypeBolt:
		return storage.OpenBolt(filepath.Join(cfg.DataDir, "kv.bolt"))
	default:
		return storage.OpenLSM(filepath.Join(cfg.DataDir, "kv"), storage.Options{
			Sync:   cfg.WALSync,
			Logger: logger,
		})
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
