package store

// schema is applied on every new connection; all statements are idempotent.
// processes.path uses '' for an unknown path so (name, path) stays unique.
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at          INTEGER NOT NULL,
	cpu_percent         REAL,
	used_memory_mb      REAL NOT NULL,
	available_memory_mb REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON snapshots(created_at);

CREATE TABLE IF NOT EXISTS processes (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL CHECK (name <> ''),
	path TEXT NOT NULL DEFAULT '',
	UNIQUE (name, path)
);

CREATE TABLE IF NOT EXISTS process_snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id    INTEGER NOT NULL REFERENCES snapshots(id),
	process_id     INTEGER NOT NULL REFERENCES processes(id),
	pid            INTEGER NOT NULL,
	cpu_percent    REAL NOT NULL,
	working_set_mb REAL NOT NULL,
	private_mb     REAL NOT NULL,
	virtual_mb     REAL NOT NULL,
	vram_mb        REAL,
	thread_count   INTEGER NOT NULL,
	handle_count   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_snapshots_snapshot ON process_snapshots(snapshot_id);
CREATE INDEX IF NOT EXISTS idx_process_snapshots_process ON process_snapshots(process_id);

CREATE TABLE IF NOT EXISTS temperatures (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id           INTEGER NOT NULL REFERENCES snapshots(id),
	cpu_package           REAL,
	cpu_core_max          REAL,
	gpu                   REAL,
	motherboard           REAL,
	thermal_limit_percent REAL,
	throttling            INTEGER
);
CREATE INDEX IF NOT EXISTS idx_temperatures_snapshot ON temperatures(snapshot_id);
`
