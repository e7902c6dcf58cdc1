package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/vitalis/agent/internal/collector"
	"github.com/Guliveer/vitalis/agent/internal/config"
	"github.com/Guliveer/vitalis/agent/internal/gateway"
	"github.com/Guliveer/vitalis/agent/internal/platform"
	"github.com/Guliveer/vitalis/agent/internal/queue"
	"github.com/Guliveer/vitalis/agent/internal/scheduler"
	"github.com/Guliveer/vitalis/agent/internal/store"
)

// cpuWindow is how long the CPU collector measures per cycle.
const cpuWindow = time.Second

// agent bundles the wired components of a running agent.
type agent struct {
	store     *store.SQLiteStore
	resilient *gateway.Resilient // nil when the offline queue is disabled
	writer    gateway.Writer
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// newAgent opens the store and the queue and composes the writer the
// collection loop writes through.
func newAgent(cfg *config.Config, logger *zap.Logger) (*agent, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	st, err := store.Open(store.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
	}, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &agent{store: st, logger: logger}

	if cfg.Queue.Enabled {
		q, err := queue.New(cfg.Queue.Dir, cfg.Queue.MaxSizeMB, logger.Named("queue"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open offline queue: %w", err)
		}
		a.resilient = gateway.NewResilient(st, q, logger, gateway.Options{
			CallTimeout: cfg.Store.CallTimeout.Duration,
			Retention:   cfg.Queue.Retention.Duration,
			MaxRetries:  cfg.Queue.MaxRetries,
		})
		a.writer = a.resilient

		if n := q.Count(); n > 0 {
			logger.Info("Replaying cycles queued by a previous run", zap.Int("pending", n))
			a.resilient.Reconcile()
		}
	} else {
		logger.Warn("Offline queue disabled, store outages lose cycles")
		a.writer = gateway.NewDirect(st)
	}

	registry := collector.NewRegistry(logger)
	registry.Register(collector.NewCPUCollector(cpuWindow))
	registry.Register(collector.NewMemoryCollector())
	registry.Register(collector.NewProcessCollector(cfg.Collection.TopProcesses))
	registry.Register(collector.NewTemperatureCollector(platform.New(), logger))

	a.scheduler = scheduler.New(registry, a.writer, cfg.Collection, logger)
	return a, nil
}

// close waits for background reconciliation and releases the store.
func (a *agent) close() {
	if a.resilient != nil {
		a.resilient.Wait()
		s := a.resilient.Stats()
		a.logger.Info("Offline queue summary",
			zap.Stringer("mode", s.Mode),
			zap.Int("pending", s.Pending),
			zap.Int64("online_writes", s.OnlineWrites),
			zap.Int64("offline_writes", s.OfflineWrites),
			zap.Int64("restored", s.Restored),
			zap.Int64("restore_failures", s.RestoreFailures),
			zap.Int64("dropped", s.Dropped),
			zap.Int64("purged", s.Purged))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store", zap.Error(err))
	}
}

// runAgent initializes all components and runs the collection and purge
// loops. It blocks until the context is cancelled.
func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("Agent running",
		zap.Duration("collect_interval", cfg.Collection.Interval.Duration),
		zap.Bool("single_transaction", cfg.Collection.SingleTransaction))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Start(gctx) })
	if a.resilient != nil {
		g.Go(func() error { return a.scheduler.StartPurge(gctx, a.resilient) })
	}
	return g.Wait()
}

// runOnce collects and writes a single cycle.
func runOnce(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.scheduler.RunOnce(ctx)
	if err != nil {
		return err
	}
	logger.Info("Cycle written", zap.Int64("snapshot_id", id))
	return nil
}
