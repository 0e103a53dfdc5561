// Package sqlite implements the repository interfaces on SQLite.
//
// modernc.org/sqlite is a pure Go translation of SQLite, so the server builds
// without cgo. The database is a single file next to the binary, or
// ":memory:" in tests.
//
// Run output is stored zstd-compressed: program output is repetitive text and
// a history of a few thousand runs would otherwise be mostly stdout.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/klauspost/compress/zstd"

	// registers the "sqlite" driver with database/sql
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and implements the repositories.
type DB struct {
	conn *sql.DB

	// EncodeAll/DecodeAll are safe for concurrent use, so one of each is
	// shared by all queries.
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New opens (or creates) the database at dbPath and runs migrations.
//
//	"data/codeflow.db"  → file-based database
//	":memory:"          → in-memory database, gone on Close
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own empty
	// database; pin the pool to one connection so they all see the schema.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a run is being recorded.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		conn.Close()
		return nil, fmt.Errorf("sqlite: creating zstd decoder: %w", err)
	}

	db := &DB{conn: conn, enc: enc, dec: dec}

	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close releases the codecs and the connection pool.
func (db *DB) Close() error {
	db.dec.Close()
	_ = db.enc.Close()
	return db.conn.Close()
}

// migrate brings the schema up to date. Every step is idempotent, so it runs
// on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS snippets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			code        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_snippets_created_at ON snippets(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating snippets table: %w", err)
	}

	// Snippets predating multi-language support were all Python.
	if err := db.addColumnIfNotExists("snippets", "language",
		"TEXT NOT NULL DEFAULT 'python'"); err != nil {
		return fmt.Errorf("adding language to snippets: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL DEFAULT '',
			snippet_id    TEXT NOT NULL DEFAULT '',
			language      TEXT NOT NULL,
			code          TEXT NOT NULL,
			code_digest   TEXT NOT NULL,
			stdout_zst    BLOB,
			stderr_zst    BLOB,
			exit_code     INTEGER NOT NULL DEFAULT 0,
			duration_ns   INTEGER NOT NULL DEFAULT 0,
			success       INTEGER NOT NULL DEFAULT 0,
			stage         TEXT NOT NULL DEFAULT '',
			truncated     INTEGER NOT NULL DEFAULT 0,
			error_kind    TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
		CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
		CREATE INDEX IF NOT EXISTS idx_runs_code_digest ON runs(code_digest);
	`)
	if err != nil {
		return fmt.Errorf("creating runs table: %w", err)
	}

	return nil
}

// addColumnIfNotExists makes ALTER TABLE ADD COLUMN idempotent.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}
