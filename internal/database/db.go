// Package database opens the SQLite store that holds positions and the
// audit trail, and carries the maintenance primitives the scheduler runs.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed schemas/*.sql
var schemas embed.FS

// schemaFiles maps a database name to its embedded schema
var schemaFiles = map[string]string{
	"yieldrouter": "schemas/yieldrouter_schema.sql",
}

// DatabaseProfile selects the durability PRAGMAs for a database
type DatabaseProfile string

const (
	// ProfileLedger fsyncs every commit and never shrinks the file
	ProfileLedger DatabaseProfile = "ledger"
	// ProfileStandard fsyncs at checkpoints
	ProfileStandard DatabaseProfile = "standard"
)

// profilePragmas are applied on top of WAL mode and the shared pragmas
var profilePragmas = map[DatabaseProfile][]string{
	ProfileLedger:   {"synchronous(FULL)", "auto_vacuum(NONE)"},
	ProfileStandard: {"synchronous(NORMAL)", "auto_vacuum(INCREMENTAL)", "temp_store(MEMORY)"},
}

var sharedPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"wal_autocheckpoint(1000)",
	"cache_size(-16000)",
}

// DB is an open SQLite database
type DB struct {
	conn    *sql.DB
	path    string
	profile DatabaseProfile
	name    string
}

// Config describes the database to open
type Config struct {
	Path    string
	Profile DatabaseProfile
	Name    string // selects the schema and labels errors
}

// New opens the database at cfg.Path, creating its directory when needed
func New(cfg Config) (*DB, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path %s: %w", cfg.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", dsn(absPath, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Name, err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: absPath, profile: cfg.Profile, name: cfg.Name}, nil
}

func dsn(path string, profile DatabaseProfile) string {
	out := path + "?_pragma=journal_mode(WAL)"
	for _, p := range append(profilePragmas[profile], sharedPragmas...) {
		out += "&_pragma=" + p
	}
	return out
}

// Close closes the connection pool
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the pool for repositories
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the database name
func (db *DB) Name() string {
	return db.name
}

// Profile returns the durability profile
func (db *DB) Profile() DatabaseProfile {
	return db.profile
}

// Path returns the absolute database file path
func (db *DB) Path() string {
	return db.path
}

// Migrate applies the embedded schema. Statements are idempotent so it runs
// on every start.
func (db *DB) Migrate() error {
	file, ok := schemaFiles[db.name]
	if !ok {
		return fmt.Errorf("no schema registered for database %q", db.name)
	}
	content, err := schemas.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", file, err)
	}
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(content)); err != nil {
			return fmt.Errorf("apply schema %s to %s: %w", file, db.name, err)
		}
		return nil
	})
}

// WithTransaction runs fn in a transaction, committing when it returns nil.
// An error or a panic in fn rolls the transaction back and is returned.
func WithTransaction(conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	if conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback: %v)", err, rbErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("commit transaction: %w", cErr)
		}
	}()

	return fn(tx)
}

// HealthCheck pings the database and runs a full integrity check
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", db.name, err)
	}
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check on %s: %w", db.name, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check on %s: %s", db.name, result)
	}
	return nil
}

// QuickCheck only pings
func (db *DB) QuickCheck(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WALCheckpoint checkpoints the WAL. mode is PASSIVE, FULL, RESTART or
// TRUNCATE; empty means TRUNCATE.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint on %s: %w", db.name, err)
	}
	return nil
}

// SnapshotTo writes a consistent copy of the database to path.
// path must not exist.
func (db *DB) SnapshotTo(ctx context.Context, path string) error {
	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("snapshot of %s failed: %w", db.name, err)
	}
	return nil
}

// Stats describes the on-disk footprint
type Stats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	PageSize      int64
	FreelistCount int64
}

// GetStats reads file sizes and page counters
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}
	if fi, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}

	for pragma, dst := range map[string]*int64{
		"page_count":     &stats.PageCount,
		"page_size":      &stats.PageSize,
		"freelist_count": &stats.FreelistCount,
	} {
		if err := db.conn.QueryRow("PRAGMA " + pragma).Scan(dst); err != nil {
			return nil, fmt.Errorf("read %s on %s: %w", pragma, db.name, err)
		}
	}
	return stats, nil
}
