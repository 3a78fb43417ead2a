package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	apihttp "replog/internal/http"
	"replog/pkg/compression"
	"replog/pkg/config"
	"replog/pkg/journal"
	"replog/pkg/member"
	"replog/pkg/metrics"
	"replog/pkg/replication"
	"replog/pkg/snapshot"
	"replog/pkg/statemachine"
	"replog/pkg/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(ctx, cfg); err != nil {
		slog.Error("replogd failed", "error", err)
		os.Exit(1)
	}
	slog.Info("replogd stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := slog.Default().With("member", cfg.Member.ID)

	// --- журнал ---
	kind, err := compression.ParseKind(cfg.Journal.Compression)
	if err != nil {
		return err
	}
	j, err := journal.Open(ctx, cfg.Journal.Dir, journal.Options{
		Compression: kind,
		QueueSize:   cfg.Journal.QueueSize,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Error("failed to close journal", "error", err)
		}
	}()

	// --- хранилище снапшотов ---
	if err := os.MkdirAll(filepath.Dir(cfg.Snapshot.Path), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	store, err := snapshot.NewBoltStore(cfg.Snapshot.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close snapshot store", "error", err)
		}
	}()

	prom, err := metrics.NewPrometheus()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	kv := statemachine.NewKV()
	peers := cfg.Member.PeerMap()
	transport := member.NewHTTPTransport(peers, logger)

	m, err := member.New(memberConfig(cfg, peers), kv, store, transport,
		member.WithJournal(j),
		member.WithMetrics(prom),
		member.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init member: %w", err)
	}

	// --- HTTP-сервер поверх member ---
	server := apihttp.NewServer(m, kv, strconv.Itoa(cfg.Server.Port),
		apihttp.WithURL(cfg.Member.Addr()),
		apihttp.WithMetricsHandler(promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})),
		apihttp.WithTimeouts(cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout),
		apihttp.WithLogger(logger),
	)
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("replogd is running",
		"port", cfg.Server.Port, "leader", cfg.Member.Leader, "term", cfg.Member.Term)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		logger.Error("error stopping server", "error", err)
	}
	select {
	case <-m.Done():
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("member did not stop in time")
	}
	return nil
}

func memberConfig(cfg config.Config, peers map[types.NodeID]string) member.Config {
	return member.Config{
		ID:                types.NodeID(cfg.Member.ID),
		Term:              types.Term(cfg.Member.Term),
		Leader:            types.NodeID(cfg.Member.Leader),
		Peers:             peers,
		TickInterval:      cfg.Member.TickInterval,
		MailboxSize:       cfg.Member.MailboxSize,
		AsyncJournal:      cfg.Journal.Async,
		AsyncSnapshotSave: cfg.Member.AsyncSnapshotSave,
		Replication: replication.Config{
			MaxEntries: cfg.Replication.MaxEntries,
			MaxBytes:   cfg.Replication.MaxBytes,
		},
		Snapshot: snapshot.Config{
			BatchCount:              cfg.Snapshot.BatchCount,
			DataThresholdPercentage: cfg.Snapshot.DataThresholdPercentage,
			TotalMemory:             cfg.Snapshot.TotalMemory,
			Retain:                  cfg.Snapshot.Retain,
		},
	}
}
