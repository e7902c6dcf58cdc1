package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Guliveer/vitalis/agent/internal/models"
)

// SQLiteStore implements Store on a SQLite database.
//
// SQLiteStore is safe for concurrent use.
type SQLiteStore struct {
	pool   *pool
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open creates the store, applying the schema on every connection. The
// database file is created if it does not exist.
func Open(cfg Config, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	p, err := openPool(cfg.Path, cfg.PoolSize, logger, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &SQLiteStore{pool: p, logger: logger, now: now}, nil
}

// Close closes the connection pool. It blocks until borrowed connections are
// returned.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pool.close()
}

// conn borrows a connection, refusing once the store is closed.
func (s *SQLiteStore) conn(ctx context.Context) (*sqlite.Conn, func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	c, err := s.pool.take(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { s.pool.put(c) }, nil
}

// IsAvailable runs a trivial query.
func (s *SQLiteStore) IsAvailable(ctx context.Context) bool {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return false
	}
	defer release()
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil) == nil
}

// CreateSnapshot inserts a system snapshot stamped now.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, sample models.SystemSample) (int64, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return insertSnapshot(conn, sample, s.now())
}

// GetOrCreateProcess resolves the process id for (name, path).
func (s *SQLiteStore) GetOrCreateProcess(ctx context.Context, name string, path *string) (int64, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return getOrCreateProcess(conn, models.NewProcessKey(name, path))
}

// CreateProcessSnapshot inserts one process row.
func (s *SQLiteStore) CreateProcessSnapshot(ctx context.Context, snapshotID, processID int64, sample models.ProcessSample) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()
	return insertProcessSnapshot(conn, snapshotID, processID, sample)
}

// CreateTemperature inserts the temperature row of a snapshot.
func (s *SQLiteStore) CreateTemperature(ctx context.Context, snapshotID int64, sample models.TemperatureSample) error {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()
	return insertTemperature(conn, snapshotID, sample)
}

// BatchGetOrCreateProcesses resolves all keys in one IMMEDIATE transaction.
func (s *SQLiteStore) BatchGetOrCreateProcesses(ctx context.Context, keys []models.ProcessKey) (ids map[models.ProcessKey]int64, err error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	ids = make(map[models.ProcessKey]int64, len(keys))
	for _, k := range keys {
		if _, ok := ids[k]; ok {
			continue
		}
		id, err := getOrCreateProcess(conn, k)
		if err != nil {
			return nil, err
		}
		ids[k] = id
	}
	return ids, nil
}

// CreateSnapshotWithData writes a whole cycle in one IMMEDIATE transaction.
// Any failure rolls back the entire cycle.
func (s *SQLiteStore) CreateSnapshotWithData(ctx context.Context, system models.SystemSample, processes []models.ProcessSample, temperature *models.TemperatureSample) (snapshotID int64, err error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	snapshotID, err = insertSnapshot(conn, system, s.now())
	if err != nil {
		return 0, err
	}
	for _, p := range processes {
		processID, err := getOrCreateProcess(conn, p.Key())
		if err != nil {
			return 0, err
		}
		if err := insertProcessSnapshot(conn, snapshotID, processID, p); err != nil {
			return 0, err
		}
	}
	if temperature != nil {
		if err := insertTemperature(conn, snapshotID, *temperature); err != nil {
			return 0, err
		}
	}
	return snapshotID, nil
}

// RestoreBatch replays a pending record. The snapshot is stamped with the
// record's creation time. Each process is written under its own savepoint, so
// one bad process is rolled back and skipped while the rest commit.
func (s *SQLiteStore) RestoreBatch(ctx context.Context, record models.PendingRecord) (snapshotID int64, err error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if record.RemoteSnapshotID != 0 {
		snapshotID = record.RemoteSnapshotID
	} else {
		var system models.SystemSample
		if record.System != nil {
			system = *record.System
		}
		snapshotID, err = insertSnapshot(conn, system, record.CreatedAt)
		if err != nil {
			return 0, err
		}
	}

	skipped := 0
	for _, p := range record.Processes {
		if perr := restoreProcess(conn, snapshotID, p); perr != nil {
			skipped++
			s.logger.Warn("Skipping process during restore",
				zap.String("batch_id", record.BatchID.String()),
				zap.String("process", p.Name),
				zap.Error(perr))
		}
	}

	if record.Temperature != nil {
		if err := insertTemperature(conn, snapshotID, *record.Temperature); err != nil {
			return 0, err
		}
	}

	if skipped > 0 {
		s.logger.Info("Restored batch with skipped processes",
			zap.String("batch_id", record.BatchID.String()),
			zap.Int("restored", len(record.Processes)-skipped),
			zap.Int("skipped", skipped))
	}
	return snapshotID, nil
}

// TableCounts holds row counts of the store tables.
type TableCounts struct {
	Snapshots        int64
	Processes        int64
	ProcessSnapshots int64
	Temperatures     int64
}

// Counts returns the number of rows per table.
func (s *SQLiteStore) Counts(ctx context.Context) (TableCounts, error) {
	conn, release, err := s.conn(ctx)
	if err != nil {
		return TableCounts{}, err
	}
	defer release()

	var c TableCounts
	targets := []struct {
		table string
		dst   *int64
	}{
		{"snapshots", &c.Snapshots},
		{"processes", &c.Processes},
		{"process_snapshots", &c.ProcessSnapshots},
		{"temperatures", &c.Temperatures},
	}
	for _, t := range targets {
		dst := t.dst
		err := sqlitex.Execute(conn, "SELECT COUNT(*) FROM "+t.table, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				*dst = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return TableCounts{}, fmt.Errorf("count %s: %w", t.table, err)
		}
	}
	return c, nil
}

// restoreProcess resolves and inserts one process under a savepoint.
func restoreProcess(conn *sqlite.Conn, snapshotID int64, p models.ProcessSample) (err error) {
	defer sqlitex.Save(conn)(&err)

	processID, err := getOrCreateProcess(conn, p.Key())
	if err != nil {
		return err
	}
	return insertProcessSnapshot(conn, snapshotID, processID, p)
}

func insertSnapshot(conn *sqlite.Conn, sample models.SystemSample, at time.Time) (int64, error) {
	err := sqlitex.Execute(conn, `INSERT INTO snapshots
		(created_at, cpu_percent, used_memory_mb, available_memory_mb)
		VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			at.UTC().UnixNano(),
			nullableFloat(sample.CPUPercent),
			sample.UsedMemoryMB,
			sample.AvailableMemoryMB,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

func getOrCreateProcess(conn *sqlite.Conn, key models.ProcessKey) (int64, error) {
	err := sqlitex.Execute(conn, `INSERT INTO processes (name, path) VALUES (?, ?)
		ON CONFLICT (name, path) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{key.Name, key.Path},
	})
	if err != nil {
		return 0, fmt.Errorf("insert process %q: %w", key.Name, err)
	}

	var id int64
	err = sqlitex.Execute(conn, `SELECT id FROM processes WHERE name = ? AND path = ?`, &sqlitex.ExecOptions{
		Args: []any{key.Name, key.Path},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("select process %q: %w", key.Name, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("process %q not found after insert", key.Name)
	}
	return id, nil
}

func insertProcessSnapshot(conn *sqlite.Conn, snapshotID, processID int64, p models.ProcessSample) error {
	err := sqlitex.Execute(conn, `INSERT INTO process_snapshots
		(snapshot_id, process_id, pid, cpu_percent, working_set_mb, private_mb,
		 virtual_mb, vram_mb, thread_count, handle_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			snapshotID,
			processID,
			int64(p.PID),
			p.CPUPercent,
			p.WorkingSetMB,
			p.PrivateMB,
			p.VirtualMB,
			nullableFloat(p.VRAMMB),
			int64(p.ThreadCount),
			int64(p.HandleCount),
		},
	})
	if err != nil {
		return fmt.Errorf("insert process snapshot %q: %w", p.Name, err)
	}
	return nil
}

func insertTemperature(conn *sqlite.Conn, snapshotID int64, t models.TemperatureSample) error {
	var throttling any
	if t.Throttling != nil {
		throttling = boolToInt(*t.Throttling)
	}
	err := sqlitex.Execute(conn, `INSERT INTO temperatures
		(snapshot_id, cpu_package, cpu_core_max, gpu, motherboard,
		 thermal_limit_percent, throttling)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			snapshotID,
			nullableFloat(t.CPUPackage),
			nullableFloat(t.CPUCoreMax),
			nullableFloat(t.GPU),
			nullableFloat(t.Motherboard),
			nullableFloat(t.ThermalLimitPercent),
			throttling,
		},
	})
	if err != nil {
		return fmt.Errorf("insert temperature: %w", err)
	}
	return nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
