package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Guliveer/vitalis/agent/internal/models"
	"github.com/Guliveer/vitalis/agent/internal/store"
)

var errRestore = errors.New("restore transaction failed")

type processRow struct {
	snapshotID int64
	processID  int64
	sample     models.ProcessSample
}

// fakeStore is an in-memory store.Store with switchable availability.
type fakeStore struct {
	mu sync.Mutex

	down          bool
	failSnapshots int  // upcoming CreateSnapshot calls that fail
	failRestores  int  // upcoming RestoreBatch calls that fail
	panicRestore  bool // next RestoreBatch panics

	// restoreHook runs at the start of every RestoreBatch, outside the lock.
	restoreHook func(models.PendingRecord)

	calls        int // accepted write calls
	restoreCalls int

	nextSnapshot int64
	nextProcess  int64
	snapshots    map[int64]models.SystemSample
	processes    map[models.ProcessKey]int64
	rows         []processRow
	temperatures map[int64]models.TemperatureSample
	restored     []models.PendingRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextSnapshot: 1000,
		nextProcess:  1,
		snapshots:    make(map[int64]models.SystemSample),
		processes:    make(map[models.ProcessKey]int64),
		temperatures: make(map[int64]models.TemperatureSample),
	}
}

func (f *fakeStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeStore) IsAvailable(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *fakeStore) CreateSnapshot(_ context.Context, sample models.SystemSample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, store.ErrUnavailable
	}
	if f.failSnapshots > 0 {
		f.failSnapshots--
		return 0, store.ErrUnavailable
	}
	f.calls++
	return f.insertSnapshot(sample), nil
}

func (f *fakeStore) GetOrCreateProcess(_ context.Context, name string, path *string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, store.ErrUnavailable
	}
	f.calls++
	return f.process(models.NewProcessKey(name, path)), nil
}

func (f *fakeStore) CreateProcessSnapshot(_ context.Context, snapshotID, processID int64, sample models.ProcessSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return store.ErrUnavailable
	}
	if _, ok := f.snapshots[snapshotID]; !ok {
		return fmt.Errorf("snapshot %d does not exist", snapshotID)
	}
	f.calls++
	f.rows = append(f.rows, processRow{snapshotID: snapshotID, processID: processID, sample: sample})
	return nil
}

func (f *fakeStore) CreateTemperature(_ context.Context, snapshotID int64, sample models.TemperatureSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return store.ErrUnavailable
	}
	if _, ok := f.snapshots[snapshotID]; !ok {
		return fmt.Errorf("snapshot %d does not exist", snapshotID)
	}
	f.calls++
	f.temperatures[snapshotID] = sample
	return nil
}

func (f *fakeStore) BatchGetOrCreateProcesses(_ context.Context, keys []models.ProcessKey) (map[models.ProcessKey]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, store.ErrUnavailable
	}
	f.calls++
	ids := make(map[models.ProcessKey]int64, len(keys))
	for _, k := range keys {
		ids[k] = f.process(k)
	}
	return ids, nil
}

func (f *fakeStore) CreateSnapshotWithData(_ context.Context, system models.SystemSample, processes []models.ProcessSample, temperature *models.TemperatureSample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, store.ErrUnavailable
	}
	f.calls++
	id := f.insertSnapshot(system)
	f.insertRest(id, processes, temperature)
	return id, nil
}

func (f *fakeStore) RestoreBatch(_ context.Context, record models.PendingRecord) (int64, error) {
	f.mu.Lock()
	hook := f.restoreHook
	f.mu.Unlock()
	if hook != nil {
		hook(record)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls++
	if f.panicRestore {
		f.panicRestore = false
		panic("restore exploded")
	}
	if f.down {
		return 0, store.ErrUnavailable
	}
	if f.failRestores > 0 {
		f.failRestores--
		return 0, errRestore
	}

	id := record.RemoteSnapshotID
	if id == 0 {
		var system models.SystemSample
		if record.System != nil {
			system = *record.System
		}
		id = f.insertSnapshot(system)
	}
	f.insertRest(id, record.Processes, record.Temperature)
	f.restored = append(f.restored, record)
	return id, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) insertSnapshot(sample models.SystemSample) int64 {
	f.nextSnapshot++
	f.snapshots[f.nextSnapshot] = sample
	return f.nextSnapshot
}

func (f *fakeStore) insertRest(snapshotID int64, processes []models.ProcessSample, temperature *models.TemperatureSample) {
	for _, p := range processes {
		f.rows = append(f.rows, processRow{snapshotID: snapshotID, processID: f.process(p.Key()), sample: p})
	}
	if temperature != nil {
		f.temperatures[snapshotID] = *temperature
	}
}

func (f *fakeStore) process(k models.ProcessKey) int64 {
	if id, ok := f.processes[k]; ok {
		return id
	}
	id := f.nextProcess
	f.nextProcess++
	f.processes[k] = id
	return id
}

// summary describes the stored rows independent of the ids the store issued.
// Snapshots are identified by their used memory, which tests keep unique.
func (f *fakeStore) summary() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, s := range f.snapshots {
		out = append(out, fmt.Sprintf("snapshot used=%.0f", s.UsedMemoryMB))
	}
	for _, row := range f.rows {
		out = append(out, fmt.Sprintf("process used=%.0f name=%s pid=%d",
			f.snapshots[row.snapshotID].UsedMemoryMB, row.sample.Name, row.sample.PID))
	}
	for id := range f.temperatures {
		out = append(out, fmt.Sprintf("temperature used=%.0f", f.snapshots[id].UsedMemoryMB))
	}
	for k := range f.processes {
		out = append(out, fmt.Sprintf("known process %s|%s", k.Name, k.Path))
	}
	sort.Strings(out)
	return out
}

var _ store.Store = (*fakeStore)(nil)
