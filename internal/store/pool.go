package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size set of SQLite connections sharing one set of pragmas.
// Connections are not safe for concurrent use: take one per goroutine and put
// it back when done.
type pool struct {
	inner  *sqlitex.Pool
	logger *zap.Logger
	path   string
}

// openPool opens the database at path. Every connection gets the standard
// pragmas and then onConnect, which is where the schema is created.
func openPool(path string, size int, logger *zap.Logger, onConnect func(*sqlite.Conn) error) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite pool: path is required")
	}
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, onConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite pool: opening %s: %w", path, err)
	}

	logger.Info("SQLite pool opened",
		zap.String("path", path),
		zap.Int("pool_size", size))

	return &pool{inner: inner, logger: logger, path: path}, nil
}

// take borrows a connection; it blocks until one is free or ctx is done.
// The connection is interrupted when ctx ends, which bounds every statement
// run on it by the caller's deadline.
func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("SQLite pool close error",
			zap.String("path", p.path),
			zap.Error(err))
		return fmt.Errorf("sqlite pool: closing %s: %w", p.path, err)
	}
	p.logger.Info("SQLite pool closed", zap.String("path", p.path))
	return nil
}

// prepareConnection applies pragmas and then the optional onConnect callback.
// WAL keeps the dashboard's readers from blocking the agent's writes;
// synchronous=NORMAL survives process crashes without an fsync per commit.
func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite pool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlite pool: on connect: %w", err)
		}
	}
	return nil
}
