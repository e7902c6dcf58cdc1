package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Guliveer/vitalis/agent/internal/models"
	"github.com/Guliveer/vitalis/agent/internal/queue"
)

func putRecord(t *testing.T, q *queue.Queue, localID int64, createdAt time.Time) models.PendingRecord {
	t.Helper()
	rec := models.NewPendingRecord(localID, createdAt)
	rec.System = &models.SystemSample{UsedMemoryMB: float64(localID)}
	rec.Processes = append(rec.Processes, models.ProcessSample{Name: "svchost.exe", PID: int32(localID)})
	if err := q.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return rec
}

func TestReconcile_RestoresOldestFirst(t *testing.T) {
	fs := newFakeStore()
	r, q := newTestGateway(t, fs)

	base := time.Now().Add(-time.Hour)
	for _, id := range []int64{3, 1, 2} {
		putRecord(t, q, id, base.Add(time.Duration(id)*time.Minute))
	}

	r.Reconcile()
	r.Wait()

	if q.Count() != 0 {
		t.Errorf("queue count = %d, want 0", q.Count())
	}
	var order []int64
	for _, rec := range fs.restored {
		order = append(order, rec.LocalSnapshotID)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("restore order = %v, want [1 2 3]", order)
	}
	if r.Stats().Restored != 3 {
		t.Errorf("restored = %d, want 3", r.Stats().Restored)
	}
}

func TestReconcile_RetriesUntilSuccess(t *testing.T) {
	fs := newFakeStore()
	fs.failRestores = 2
	r, q := newTestGateway(t, fs)
	ctx := context.Background()

	putRecord(t, q, 1, time.Now())

	for attempt := 1; attempt <= 2; attempt++ {
		res := r.runPass(ctx)
		if res.Failed != 1 {
			t.Fatalf("attempt %d: failed = %d, want 1", attempt, res.Failed)
		}
		rec, err := q.Get(1)
		if err != nil {
			t.Fatalf("attempt %d: record gone: %v", attempt, err)
		}
		if rec.RetryCount != attempt {
			t.Errorf("attempt %d: retry count = %d", attempt, rec.RetryCount)
		}
		if rec.LastError != errRestore.Error() {
			t.Errorf("attempt %d: last error = %q", attempt, rec.LastError)
		}
	}

	res := r.runPass(ctx)
	if res.Restored != 1 {
		t.Errorf("third attempt restored = %d, want 1", res.Restored)
	}
	if q.Has(1) {
		t.Error("record still queued after successful restore")
	}
	if len(fs.restored) != 1 {
		t.Errorf("restored batches = %d, want 1", len(fs.restored))
	}
}

func TestReconcile_DropsAfterMaxRetries(t *testing.T) {
	fs := newFakeStore()
	fs.failRestores = 100
	r, q := newTestGateway(t, fs)
	ctx := context.Background()

	putRecord(t, q, 1, time.Now())

	for i := 0; i < DefaultMaxRetries; i++ {
		r.runPass(ctx)
	}
	if q.Count() != 0 {
		t.Fatalf("queue count = %d, want 0 after %d failures", q.Count(), DefaultMaxRetries)
	}
	if r.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", r.Stats().Dropped)
	}

	r.runPass(ctx)
	if fs.restoreCalls != DefaultMaxRetries {
		t.Errorf("restore attempts = %d, want %d", fs.restoreCalls, DefaultMaxRetries)
	}
}

func TestReconcile_StopsWhenStoreGoesAway(t *testing.T) {
	fs := newFakeStore()
	fs.setDown(true)
	r, q := newTestGateway(t, fs)

	putRecord(t, q, 1, time.Now())
	putRecord(t, q, 2, time.Now())

	res := r.runPass(context.Background())
	if !res.Interrupted {
		t.Error("pass not reported as interrupted")
	}
	if r.Mode() != Offline {
		t.Errorf("mode = %v, want offline", r.Mode())
	}
	if fs.restoreCalls != 0 {
		t.Errorf("restore attempts = %d, want 0", fs.restoreCalls)
	}
	rec, err := q.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 for a skipped record", rec.RetryCount)
	}
}

func TestReconcile_PurgesExpiredRecords(t *testing.T) {
	fs := newFakeStore()
	fs.setDown(true)
	r, q := newTestGateway(t, fs)

	old := models.NewPendingRecord(1, time.Now().Add(-30*24*time.Hour))
	old.RetryCount = 2
	if err := q.Put(old); err != nil {
		t.Fatal(err)
	}
	putRecord(t, q, 2, time.Now())

	res := r.runPass(context.Background())
	if res.Purged != 1 {
		t.Errorf("purged = %d, want 1", res.Purged)
	}
	if q.Has(1) || !q.Has(2) {
		t.Error("purge removed the wrong records")
	}
}

func TestReconcile_RecoversFromPanic(t *testing.T) {
	fs := newFakeStore()
	fs.panicRestore = true
	r, q := newTestGateway(t, fs)

	putRecord(t, q, 1, time.Now())

	r.Reconcile()
	r.Wait()
	if q.Count() != 1 {
		t.Fatalf("queue count after panic = %d, want 1", q.Count())
	}

	r.Reconcile()
	r.Wait()
	if q.Count() != 0 {
		t.Errorf("queue count after second pass = %d, want 0", q.Count())
	}
}

func TestReconcile_DefersOpenCycle(t *testing.T) {
	fs := newFakeStore()
	fs.failSnapshots = 1
	r, q := newTestGateway(t, fs)
	ctx := context.Background()

	local, err := r.CreateSnapshot(ctx, models.SystemSample{UsedMemoryMB: 1})
	if err != nil {
		t.Fatal(err)
	}

	// The store answers again, but the cycle is still being written.
	r.Reconcile()
	r.Wait()
	if !q.Has(local) {
		t.Fatal("open cycle restored before it was complete")
	}
	if fs.restoreCalls != 0 {
		t.Errorf("restore attempts = %d, want 0", fs.restoreCalls)
	}

	if err := r.CreateProcessSnapshot(ctx, local, 1, models.ProcessSample{Name: "code", PID: 42}); err != nil {
		t.Fatal(err)
	}
	rec, err := q.Get(local)
	if err != nil {
		t.Fatal(err)
	}
	if rec.System == nil || len(rec.Processes) != 1 {
		t.Errorf("record = %+v, want system sample and 1 process", rec)
	}

	if _, err := r.CreateSnapshot(ctx, models.SystemSample{UsedMemoryMB: 2}); err != nil {
		t.Fatal(err)
	}
	r.Wait()

	if q.Count() != 0 {
		t.Errorf("queue count = %d, want 0", q.Count())
	}
	if len(fs.snapshots) != 2 {
		t.Errorf("snapshots = %d, want 2", len(fs.snapshots))
	}
	if len(fs.rows) != 1 || fs.snapshots[fs.rows[0].snapshotID].UsedMemoryMB != 1 {
		t.Errorf("process rows = %+v, want one row under the queued snapshot", fs.rows)
	}
}

func TestReconcile_ConcurrentAppendsKeepCycleWhole(t *testing.T) {
	fs := newFakeStore()
	fs.failSnapshots = 1
	r, q := newTestGateway(t, fs)
	ctx := context.Background()

	local, err := r.CreateSnapshot(ctx, models.SystemSample{UsedMemoryMB: 1})
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				r.Reconcile()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	const n = 50
	for i := 0; i < n; i++ {
		sample := models.ProcessSample{Name: "worker", PID: int32(i)}
		if err := r.CreateProcessSnapshot(ctx, local, int64(i+1), sample); err != nil {
			t.Errorf("append %d: %v", i, err)
			break
		}
	}
	close(stop)
	<-done
	r.Wait()

	rec, err := q.Get(local)
	if err != nil {
		t.Fatalf("open cycle left the queue: %v", err)
	}
	if rec.System == nil || len(rec.Processes) != n {
		t.Fatalf("record has system=%v and %d processes, want %d", rec.System != nil, len(rec.Processes), n)
	}

	if _, err := r.CreateSnapshot(ctx, models.SystemSample{UsedMemoryMB: 2}); err != nil {
		t.Fatal(err)
	}
	r.Wait()

	if len(fs.restored) != 1 {
		t.Errorf("restored batches = %d, want 1", len(fs.restored))
	}
	if len(fs.rows) != n {
		t.Fatalf("process rows = %d, want %d", len(fs.rows), n)
	}
	for _, row := range fs.rows {
		if fs.snapshots[row.snapshotID].UsedMemoryMB != 1 {
			t.Errorf("row pid %d attached to snapshot %d", row.sample.PID, row.snapshotID)
		}
	}
}

func TestReconcile_FailedRestoreKeepsConcurrentMerge(t *testing.T) {
	fs := newFakeStore()
	fs.failRestores = 1
	r, q := newTestGateway(t, fs)

	putRecord(t, q, 1, time.Now())
	fs.restoreHook = func(rec models.PendingRecord) {
		_, err := q.Update(rec.LocalSnapshotID, nil, func(p *models.PendingRecord) {
			p.Processes = append(p.Processes, models.ProcessSample{Name: "late", PID: 99})
		})
		if err != nil {
			t.Errorf("merge during restore: %v", err)
		}
	}

	res := r.runPass(context.Background())
	if res.Failed != 1 {
		t.Fatalf("failed = %d, want 1", res.Failed)
	}
	rec, err := q.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", rec.RetryCount)
	}
	if len(rec.Processes) != 2 {
		t.Errorf("processes = %d, want 2 (merge lost by retry bookkeeping)", len(rec.Processes))
	}
}

func TestReconcile_TriggerDuringPassRunsOneFollowUp(t *testing.T) {
	fs := newFakeStore()
	r, q := newTestGateway(t, fs)

	putRecord(t, q, 1, time.Now())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fs.restoreHook = func(models.PendingRecord) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	r.Reconcile()
	<-entered
	putRecord(t, q, 2, time.Now())
	r.Reconcile()
	r.Reconcile()
	close(release)
	r.Wait()

	if q.Count() != 0 {
		t.Errorf("queue count = %d, want 0 after the follow-up pass", q.Count())
	}
	if fs.restoreCalls != 2 {
		t.Errorf("restore attempts = %d, want 2", fs.restoreCalls)
	}
	if r.reconciling.Load() || r.reconcileAgain.Load() {
		t.Errorf("reconciling=%v again=%v, want both cleared", r.reconciling.Load(), r.reconcileAgain.Load())
	}
}
