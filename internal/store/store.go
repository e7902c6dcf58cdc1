// Package store defines the contract of the backing store that receives
// monitoring cycles and provides a SQLite implementation of it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Guliveer/vitalis/agent/internal/models"
)

var (
	// ErrUnavailable indicates the store could not be reached: no connection
	// could be taken before the call's deadline, or the database failed to open.
	ErrUnavailable = errors.New("store unavailable")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")
)

// Store is the backing store for measurement cycles.
//
// Every method is bounded by ctx; a deadline expiry is reported as an error
// like any other failure.
type Store interface {
	// CreateSnapshot inserts a system snapshot stamped with the current time
	// and returns its id.
	CreateSnapshot(ctx context.Context, sample models.SystemSample) (int64, error)

	// GetOrCreateProcess resolves the process identified by (name, path),
	// creating it when unknown.
	GetOrCreateProcess(ctx context.Context, name string, path *string) (int64, error)

	// CreateProcessSnapshot inserts one process row against a snapshot.
	CreateProcessSnapshot(ctx context.Context, snapshotID, processID int64, sample models.ProcessSample) error

	// CreateTemperature inserts the temperature row of a snapshot.
	CreateTemperature(ctx context.Context, snapshotID int64, sample models.TemperatureSample) error

	// BatchGetOrCreateProcesses resolves many processes in one transaction.
	BatchGetOrCreateProcesses(ctx context.Context, keys []models.ProcessKey) (map[models.ProcessKey]int64, error)

	// CreateSnapshotWithData writes a whole cycle in a single transaction.
	CreateSnapshotWithData(ctx context.Context, system models.SystemSample, processes []models.ProcessSample, temperature *models.TemperatureSample) (int64, error)

	// IsAvailable reports whether the store currently answers queries.
	IsAvailable(ctx context.Context) bool

	// RestoreBatch replays a pending record in one transaction and returns
	// the snapshot id the record was committed under. A failure of an
	// individual process is logged and skipped; only a failure to begin or
	// commit the transaction (or to write the snapshot) fails the batch.
	RestoreBatch(ctx context.Context, record models.PendingRecord) (int64, error)

	// Close releases the store's resources.
	Close() error
}

// Config holds SQLite store settings.
type Config struct {
	// Path is the database file. Its parent directory must exist.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Now stamps live snapshots. Defaults to time.Now.
	Now func() time.Time
}
