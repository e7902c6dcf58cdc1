// Package gateway implements the write path between the collection loop and
// the store. Writer is the contract the loop writes through; Direct passes
// calls straight to a store, Resilient diverts them to the local durable
// queue while the store is unreachable and replays them once it recovers.
package gateway

import (
	"context"

	"github.com/Guliveer/vitalis/agent/internal/models"
	"github.com/Guliveer/vitalis/agent/internal/store"
)

// Writer is the write contract of a monitoring cycle.
type Writer interface {
	CreateSnapshot(ctx context.Context, sample models.SystemSample) (int64, error)
	GetOrCreateProcess(ctx context.Context, name string, path *string) (int64, error)
	CreateProcessSnapshot(ctx context.Context, snapshotID, processID int64, sample models.ProcessSample) error
	CreateTemperature(ctx context.Context, snapshotID int64, sample models.TemperatureSample) error
	BatchGetOrCreateProcesses(ctx context.Context, keys []models.ProcessKey) (map[models.ProcessKey]int64, error)
	CreateSnapshotWithData(ctx context.Context, system models.SystemSample, processes []models.ProcessSample, temperature *models.TemperatureSample) (int64, error)
}

// Direct writes straight to the store. Store failures reach the caller.
type Direct struct {
	store store.Store
}

// NewDirect returns a Writer without offline protection.
func NewDirect(s store.Store) *Direct {
	return &Direct{store: s}
}

func (d *Direct) CreateSnapshot(ctx context.Context, sample models.SystemSample) (int64, error) {
	return d.store.CreateSnapshot(ctx, sample)
}

func (d *Direct) GetOrCreateProcess(ctx context.Context, name string, path *string) (int64, error) {
	return d.store.GetOrCreateProcess(ctx, name, path)
}

func (d *Direct) CreateProcessSnapshot(ctx context.Context, snapshotID, processID int64, sample models.ProcessSample) error {
	return d.store.CreateProcessSnapshot(ctx, snapshotID, processID, sample)
}

func (d *Direct) CreateTemperature(ctx context.Context, snapshotID int64, sample models.TemperatureSample) error {
	return d.store.CreateTemperature(ctx, snapshotID, sample)
}

func (d *Direct) BatchGetOrCreateProcesses(ctx context.Context, keys []models.ProcessKey) (map[models.ProcessKey]int64, error) {
	return d.store.BatchGetOrCreateProcesses(ctx, keys)
}

func (d *Direct) CreateSnapshotWithData(ctx context.Context, system models.SystemSample, processes []models.ProcessSample, temperature *models.TemperatureSample) (int64, error) {
	return d.store.CreateSnapshotWithData(ctx, system, processes, temperature)
}

// Mode tells whether writes currently target the store or the local queue.
type Mode int32

const (
	Online Mode = iota
	Offline
)

func (m Mode) String() string {
	switch m {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

var (
	_ Writer = (*Direct)(nil)
	_ Writer = (*Resilient)(nil)
)
