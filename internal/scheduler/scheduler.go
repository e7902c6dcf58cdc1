// Package scheduler implements a tick-based periodic collection scheduler.
// Each tick it collects one monitoring cycle and writes it through a
// gateway.Writer. The scheduler does not know whether the store is
// reachable; the writer decides where a cycle ends up.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/agent/internal/config"
	"github.com/Guliveer/vitalis/agent/internal/gateway"
	"github.com/Guliveer/vitalis/agent/internal/models"
)

// collectTimeout bounds a single collection run.
const collectTimeout = 10 * time.Second

// Source produces one monitoring cycle. collector.Registry implements it.
type Source interface {
	Cycle(ctx context.Context) models.Cycle
}

// Purger drops expired pending records. gateway.Resilient implements it.
type Purger interface {
	Purge() int
}

// Scheduler manages periodic metric collection.
type Scheduler struct {
	source Source
	writer gateway.Writer
	cfg    config.CollectionConfig
	logger *zap.Logger
}

// New creates a new Scheduler.
func New(source Source, writer gateway.Writer, cfg config.CollectionConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		source: source,
		writer: writer,
		cfg:    cfg,
		logger: logger.Named("scheduler"),
	}
}

// Start runs the collection loop. It collects immediately, then once per
// interval, and blocks until the context is cancelled. A failed cycle is
// logged and does not stop the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval.Duration)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// StartPurge drops expired pending records once per purge interval until the
// context is cancelled.
func (s *Scheduler) StartPurge(ctx context.Context, p Purger) error {
	ticker := time.NewTicker(s.cfg.PurgeInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := p.Purge(); n > 0 {
				s.logger.Info("Expired pending records purged", zap.Int("count", n))
			}
		}
	}
}

// RunOnce collects and writes a single cycle and returns the snapshot id the
// writer handed out.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	collectCtx, cancel := context.WithTimeout(ctx, collectTimeout)
	cycle := s.source.Cycle(collectCtx)
	cancel()

	// Writes are not tied to shutdown: a cycle that was measured is written.
	writeCtx := context.WithoutCancel(ctx)

	var (
		id  int64
		err error
	)
	if s.cfg.SingleTransaction {
		id, err = s.writer.CreateSnapshotWithData(writeCtx, cycle.System, cycle.Processes, cycle.Temperature)
		if err != nil {
			err = fmt.Errorf("write cycle: %w", err)
		}
	} else {
		id, err = s.writeSeparately(writeCtx, cycle)
	}
	if err != nil {
		return 0, err
	}

	s.logger.Debug("Cycle written",
		zap.Int64("snapshot_id", id),
		zap.Int("processes", len(cycle.Processes)),
		zap.Bool("temperature", cycle.Temperature != nil))
	return id, nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("Monitoring cycle lost", zap.Error(err))
	}
}

// writeSeparately writes a cycle as one snapshot call followed by process and
// temperature calls against the returned id.
func (s *Scheduler) writeSeparately(ctx context.Context, cycle models.Cycle) (int64, error) {
	snapshotID, err := s.writer.CreateSnapshot(ctx, cycle.System)
	if err != nil {
		return 0, fmt.Errorf("create snapshot: %w", err)
	}

	if len(cycle.Processes) > 0 {
		keys := make([]models.ProcessKey, 0, len(cycle.Processes))
		for _, p := range cycle.Processes {
			keys = append(keys, p.Key())
		}
		ids, err := s.writer.BatchGetOrCreateProcesses(ctx, keys)
		if err != nil {
			return 0, fmt.Errorf("resolve processes: %w", err)
		}

		for _, p := range cycle.Processes {
			if err := s.writer.CreateProcessSnapshot(ctx, snapshotID, ids[p.Key()], p); err != nil {
				return 0, fmt.Errorf("create process snapshot %s: %w", p.Name, err)
			}
		}
	}

	if cycle.Temperature != nil {
		if err := s.writer.CreateTemperature(ctx, snapshotID, *cycle.Temperature); err != nil {
			return 0, fmt.Errorf("create temperature: %w", err)
		}
	}
	return snapshotID, nil
}
