package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/agent/internal/models"
	"github.com/Guliveer/vitalis/agent/internal/queue"
	"github.com/Guliveer/vitalis/agent/internal/store"
)

const (
	// DefaultCallTimeout bounds a single store call.
	DefaultCallTimeout = 10 * time.Second

	// DefaultMaxRetries is the number of failed restores after which a
	// pending record is discarded.
	DefaultMaxRetries = 3

	// DefaultRetention is how long a pending record may wait in the queue.
	DefaultRetention = 7 * 24 * time.Hour
)

// Options tune the Resilient writer. Zero values select the defaults.
type Options struct {
	CallTimeout time.Duration
	Retention   time.Duration
	MaxRetries  int
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Stats is a point-in-time view of the writer's counters.
type Stats struct {
	Mode            Mode
	Pending         int
	OnlineWrites    int64
	OfflineWrites   int64
	Restored        int64
	RestoreFailures int64
	Dropped         int64
	Purged          int64
}

// cycle tracks the snapshot opened by the most recent cycle-opening call, so
// later writes of the same cycle land in the same place.
type cycle struct {
	id    int64 // id handed to the caller
	local bool  // id is a local snapshot id

	// pendingID is the local id of the record that holds the remainder of a
	// cycle whose snapshot row reached the store before an outage.
	pendingID int64
}

// Resilient is a Writer that never loses a cycle to a store outage. While the
// store is unreachable writes go to the durable queue; once a real store write
// succeeds again the queue is replayed in the background.
type Resilient struct {
	store  store.Store
	queue  *queue.Queue
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mode atomic.Int32

	mu      sync.Mutex
	current cycle

	reconciling    atomic.Bool
	reconcileAgain atomic.Bool
	wg             sync.WaitGroup

	onlineWrites    atomic.Int64
	offlineWrites   atomic.Int64
	restored        atomic.Int64
	restoreFailures atomic.Int64
	dropped         atomic.Int64
	purged          atomic.Int64
}

// NewResilient wraps s with offline protection backed by q. The writer starts
// in Online mode.
func NewResilient(s store.Store, q *queue.Queue, logger *zap.Logger, opts Options) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resilient{
		store:  s,
		queue:  q,
		logger: logger.Named("gateway"),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
	r.mode.Store(int32(Online))
	return r
}

// Mode returns the current routing mode.
func (r *Resilient) Mode() Mode {
	return Mode(r.mode.Load())
}

// Stats returns the current counters.
func (r *Resilient) Stats() Stats {
	return Stats{
		Mode:            r.Mode(),
		Pending:         r.queue.Count(),
		OnlineWrites:    r.onlineWrites.Load(),
		OfflineWrites:   r.offlineWrites.Load(),
		Restored:        r.restored.Load(),
		RestoreFailures: r.restoreFailures.Load(),
		Dropped:         r.dropped.Load(),
		Purged:          r.purged.Load(),
	}
}

// CreateSnapshot opens a cycle. Offline it returns a fresh local snapshot id.
func (r *Resilient) CreateSnapshot(ctx context.Context, sample models.SystemSample) (int64, error) {
	r.closeCycle()

	var id int64
	if r.tryStore(ctx, "create_snapshot", true, func(ctx context.Context) (err error) {
		id, err = r.store.CreateSnapshot(ctx, sample)
		return err
	}) {
		r.openCycle(id, false)
		return id, nil
	}

	localID, err := r.openLocalCycle()
	if err != nil {
		return 0, err
	}
	if err := r.enqueue("create_snapshot", localID, 0, func(rec *models.PendingRecord) {
		s := sample
		rec.System = &s
	}); err != nil {
		return 0, err
	}
	return localID, nil
}

// CreateSnapshotWithData writes a whole cycle at once. Offline the cycle
// becomes a single pending record.
func (r *Resilient) CreateSnapshotWithData(ctx context.Context, system models.SystemSample, processes []models.ProcessSample, temperature *models.TemperatureSample) (int64, error) {
	r.closeCycle()

	var id int64
	if r.tryStore(ctx, "create_snapshot_with_data", true, func(ctx context.Context) (err error) {
		id, err = r.store.CreateSnapshotWithData(ctx, system, processes, temperature)
		return err
	}) {
		r.openCycle(id, false)
		return id, nil
	}

	localID, err := r.openLocalCycle()
	if err != nil {
		return 0, err
	}
	if err := r.enqueue("create_snapshot_with_data", localID, 0, func(rec *models.PendingRecord) {
		s := system
		rec.System = &s
		rec.Processes = append(rec.Processes, processes...)
		if temperature != nil {
			t := *temperature
			rec.Temperature = &t
		}
	}); err != nil {
		return 0, err
	}
	return localID, nil
}

// GetOrCreateProcess resolves a process id. Offline it returns the synthetic
// id of (name, path) so repeated sightings correlate without the store.
func (r *Resilient) GetOrCreateProcess(ctx context.Context, name string, path *string) (int64, error) {
	var id int64
	if r.tryStore(ctx, "get_or_create_process", false, func(ctx context.Context) (err error) {
		id, err = r.store.GetOrCreateProcess(ctx, name, path)
		return err
	}) {
		return id, nil
	}

	id = SyntheticProcessID(name, path)
	r.logger.Debug("Using synthetic process id",
		zap.String("name", name),
		zap.Int64("process_id", id))
	return id, nil
}

// BatchGetOrCreateProcesses resolves several process ids in one call, falling
// back to synthetic ids offline.
func (r *Resilient) BatchGetOrCreateProcesses(ctx context.Context, keys []models.ProcessKey) (map[models.ProcessKey]int64, error) {
	var ids map[models.ProcessKey]int64
	if r.tryStore(ctx, "batch_get_or_create_processes", false, func(ctx context.Context) (err error) {
		ids, err = r.store.BatchGetOrCreateProcesses(ctx, keys)
		return err
	}) {
		return ids, nil
	}

	ids = make(map[models.ProcessKey]int64, len(keys))
	for _, k := range keys {
		ids[k] = SyntheticProcessID(k.Name, k.PathPtr())
	}
	r.logger.Debug("Using synthetic process ids", zap.Int("count", len(ids)))
	return ids, nil
}

// CreateProcessSnapshot appends a process sample to a cycle.
func (r *Resilient) CreateProcessSnapshot(ctx context.Context, snapshotID, processID int64, sample models.ProcessSample) error {
	return r.appendToCycle(ctx, "create_process_snapshot", snapshotID,
		func(ctx context.Context) error {
			return r.store.CreateProcessSnapshot(ctx, snapshotID, processID, sample)
		},
		func(rec *models.PendingRecord) {
			rec.Processes = append(rec.Processes, sample)
		})
}

// CreateTemperature attaches a temperature sample to a cycle.
func (r *Resilient) CreateTemperature(ctx context.Context, snapshotID int64, sample models.TemperatureSample) error {
	return r.appendToCycle(ctx, "create_temperature", snapshotID,
		func(ctx context.Context) error {
			return r.store.CreateTemperature(ctx, snapshotID, sample)
		},
		func(rec *models.PendingRecord) {
			t := sample
			rec.Temperature = &t
		})
}

// appendToCycle routes a write that belongs to an already opened cycle.
func (r *Resilient) appendToCycle(ctx context.Context, op string, snapshotID int64, call func(context.Context) error, mutate func(*models.PendingRecord)) error {
	if localID, ok := r.queuedTarget(snapshotID); ok {
		return r.enqueue(op, localID, 0, mutate)
	}
	if r.tryStore(ctx, op, false, call) {
		return nil
	}

	localID, remoteID, err := r.fallbackTarget(snapshotID)
	if err != nil {
		return err
	}
	return r.enqueue(op, localID, remoteID, mutate)
}

// tryStore runs call against the store unless the writer is offline and the
// call does not open a cycle. It reports whether the store accepted the write.
func (r *Resilient) tryStore(ctx context.Context, op string, opensCycle bool, call func(context.Context) error) bool {
	if !opensCycle && r.Mode() == Offline {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	err := call(callCtx)
	cancel()
	if err != nil {
		r.setOffline(op, err)
		return false
	}

	r.onlineWrites.Add(1)
	r.setOnline(op)
	return true
}

func (r *Resilient) setOffline(op string, err error) {
	if Mode(r.mode.Swap(int32(Offline))) == Online {
		r.logger.Warn("Store unreachable, switching to offline mode",
			zap.String("op", op),
			zap.Error(err))
		return
	}
	r.logger.Debug("Store still unreachable", zap.String("op", op), zap.Error(err))
}

func (r *Resilient) setOnline(op string) {
	if !r.mode.CompareAndSwap(int32(Offline), int32(Online)) {
		return
	}
	r.logger.Info("Store reachable again, switching to online mode",
		zap.String("op", op),
		zap.Int("pending", r.queue.Count()))
	r.startReconciler()
}

// closeCycle ends the current cycle before the next one opens, which releases
// its pending record to the reconciler.
func (r *Resilient) closeCycle() {
	r.mu.Lock()
	r.current = cycle{}
	r.mu.Unlock()
}

// inOpenCycle reports whether the pending record for localID still receives
// writes from the current cycle.
func (r *Resilient) inOpenCycle(localID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current.local && localID == r.current.id {
		return true
	}
	return r.current.pendingID != 0 && localID == r.current.pendingID
}

func (r *Resilient) openCycle(id int64, local bool) {
	r.mu.Lock()
	r.current = cycle{id: id, local: local}
	r.mu.Unlock()
}

func (r *Resilient) openLocalCycle() (int64, error) {
	id, err := r.queue.NextLocalSnapshotID()
	if err != nil {
		r.logger.Error("Failed to allocate local snapshot id", zap.Error(err))
		return 0, fmt.Errorf("allocate local snapshot id: %w", err)
	}
	r.openCycle(id, true)
	return id, nil
}

// queuedTarget returns the local id of the pending record a write for
// snapshotID must merge into, if any.
func (r *Resilient) queuedTarget(snapshotID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snapshotID == r.current.id {
		switch {
		case r.current.local:
			return snapshotID, true
		case r.current.pendingID != 0:
			return r.current.pendingID, true
		default:
			return 0, false
		}
	}
	if r.queue.Has(snapshotID) {
		return snapshotID, true
	}
	return 0, false
}

// fallbackTarget picks the pending record for a write the store did not take.
// A cycle whose snapshot row is already in the store gets a fresh local id and
// remembers the store id; any other id is taken to be a local id.
func (r *Resilient) fallbackTarget(snapshotID int64) (localID, remoteID int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snapshotID != r.current.id || r.current.local {
		return snapshotID, 0, nil
	}
	if r.current.pendingID != 0 {
		return r.current.pendingID, snapshotID, nil
	}

	id, err := r.queue.NextLocalSnapshotID()
	if err != nil {
		return 0, 0, fmt.Errorf("allocate local snapshot id: %w", err)
	}
	r.current.pendingID = id
	r.logger.Info("Cycle interrupted after its snapshot was stored",
		zap.Int64("snapshot_id", snapshotID),
		zap.Int64("local_snapshot_id", id))
	return id, snapshotID, nil
}

// enqueue merges a write into the pending record for localID and persists it
// before returning.
func (r *Resilient) enqueue(op string, localID, remoteID int64, mutate func(*models.PendingRecord)) error {
	rec, err := r.queue.Update(localID, func() models.PendingRecord {
		rec := models.NewPendingRecord(localID, r.now())
		rec.RemoteSnapshotID = remoteID
		return rec
	}, mutate)
	if err != nil {
		r.logger.Error("Failed to persist offline write",
			zap.String("op", op),
			zap.Int64("local_snapshot_id", localID),
			zap.Error(err))
		return fmt.Errorf("queue %s for snapshot %d: %w", op, localID, err)
	}

	r.offlineWrites.Add(1)
	r.logger.Info("Write routed to offline queue",
		zap.String("op", op),
		zap.Int64("local_snapshot_id", localID),
		zap.String("batch_id", rec.BatchID.String()),
		zap.Int("processes", len(rec.Processes)))
	return nil
}
