package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/agent/internal/models"
	"github.com/Guliveer/vitalis/agent/internal/queue"
)

// passResult summarizes one reconciliation pass.
type passResult struct {
	Restored    int
	Failed      int
	Dropped     int
	Deferred    int
	Purged      int
	Interrupted bool
}

// Reconcile starts a background replay of the queue. It is called on the
// Offline to Online transition and may be called at startup to drain records
// left by a previous run. A request made while a pass is running schedules
// one follow-up pass.
func (r *Resilient) Reconcile() {
	r.startReconciler()
}

// Wait blocks until no reconciliation pass is running.
func (r *Resilient) Wait() {
	r.wg.Wait()
}

// startReconciler runs a pass on a new goroutine, or asks the running one for
// another pass.
func (r *Resilient) startReconciler() {
	for {
		if r.reconciling.CompareAndSwap(false, true) {
			r.wg.Add(1)
			go r.reconcileLoop()
			return
		}
		r.reconcileAgain.Store(true)
		// The running loop reads the flag only after clearing reconciling.
		if r.reconciling.Load() {
			return
		}
	}
}

func (r *Resilient) reconcileLoop() {
	defer r.wg.Done()
	for {
		r.reconcileAgain.Store(false)
		r.safePass()
		r.reconciling.Store(false)

		if !r.reconcileAgain.Load() || r.Mode() != Online {
			return
		}
		if !r.reconciling.CompareAndSwap(false, true) {
			return
		}
	}
}

func (r *Resilient) safePass() {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Reconciler panicked",
				zap.Any("panic", p),
				zap.Stack("stack"))
		}
	}()
	r.runPass(context.Background())
}

// runPass replays every pending record, oldest first, and purges expired ones
// afterwards. It stops early when the store becomes unavailable again.
func (r *Resilient) runPass(ctx context.Context) passResult {
	var res passResult

	records, err := r.queue.ListPending()
	if err != nil {
		r.logger.Error("Failed to list pending records", zap.Error(err))
		return res
	}
	if len(records) > 0 {
		r.logger.Info("Reconciling offline queue", zap.Int("pending", len(records)))
	}

	for _, rec := range records {
		// The collection loop may still be appending to the open cycle.
		if r.inOpenCycle(rec.LocalSnapshotID) {
			res.Deferred++
			r.logger.Debug("Pending record belongs to the open cycle, deferring",
				zap.Int64("local_snapshot_id", rec.LocalSnapshotID))
			continue
		}
		if !r.storeAvailable(ctx) {
			if Mode(r.mode.Swap(int32(Offline))) == Online {
				r.logger.Warn("Store unavailable during reconciliation, switching to offline mode",
					zap.Int("remaining", len(records)-res.Restored-res.Failed-res.Dropped-res.Deferred))
			}
			res.Interrupted = true
			break
		}
		r.restoreRecord(ctx, rec, &res)
	}

	res.Purged = r.purge()

	r.logger.Info("Reconciliation pass finished",
		zap.Int("restored", res.Restored),
		zap.Int("failed", res.Failed),
		zap.Int("dropped", res.Dropped),
		zap.Int("deferred", res.Deferred),
		zap.Int("purged", res.Purged),
		zap.Bool("interrupted", res.Interrupted),
		zap.Int("pending", r.queue.Count()))
	return res
}

func (r *Resilient) restoreRecord(ctx context.Context, rec models.PendingRecord, res *passResult) {
	log := r.logger.With(
		zap.String("batch_id", rec.BatchID.String()),
		zap.Int64("local_snapshot_id", rec.LocalSnapshotID))

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	snapshotID, err := r.store.RestoreBatch(callCtx, rec)
	cancel()

	if err == nil {
		if err := r.queue.Remove(rec.BatchID); err != nil {
			log.Error("Restored record could not be removed from queue", zap.Error(err))
		}
		res.Restored++
		r.restored.Add(1)
		log.Debug("Pending record restored", zap.Int64("snapshot_id", snapshotID))
		return
	}

	r.restoreFailures.Add(1)

	// Count the retry on the stored record, not the copy that was listed.
	updated, uerr := r.queue.Update(rec.LocalSnapshotID, nil, func(p *models.PendingRecord) {
		p.RetryCount++
		p.LastError = err.Error()
	})
	if errors.Is(uerr, queue.ErrNotFound) {
		log.Debug("Pending record vanished during restore", zap.Error(err))
		return
	}
	if uerr != nil {
		log.Error("Failed to persist retry state", zap.Error(uerr))
		updated = rec
		updated.RetryCount++
	}

	if updated.RetryCount >= r.opts.MaxRetries {
		if err := r.queue.Remove(updated.BatchID); err != nil {
			log.Error("Failed to remove exhausted record", zap.Error(err))
		}
		res.Dropped++
		r.dropped.Add(1)
		log.Error("Dropping pending record after repeated restore failures, cycle data lost",
			zap.Int("retries", updated.RetryCount),
			zap.Int("processes", len(updated.Processes)),
			zap.Time("created_at", updated.CreatedAt),
			zap.Error(err))
		return
	}

	res.Failed++
	log.Warn("Restore failed, will retry",
		zap.Int("retries", updated.RetryCount),
		zap.Error(err))
}

func (r *Resilient) storeAvailable(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	return r.store.IsAvailable(callCtx)
}

func (r *Resilient) purge() int {
	n, err := r.queue.PurgeOlderThan(r.opts.Retention)
	if err != nil {
		r.logger.Error("Failed to purge expired records", zap.Error(err))
	}
	r.purged.Add(int64(n))
	return n
}

// Purge drops pending records older than the retention period. The scheduler
// calls it periodically so an outage longer than the retention does not grow
// the queue without bound.
func (r *Resilient) Purge() int {
	return r.purge()
}
