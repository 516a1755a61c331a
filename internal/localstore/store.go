// Package localstore is the SQLite adapter behind the sync engine. It
// owns the synced tables, their per-column HLC metadata, the dirty-table
// ledger and the persisted backend configuration, and applies remote
// changes atomically with the pull cursor advance.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	// RowHLCColumn holds the highest HLC written to any column of a row.
	RowHLCColumn = "sync_hlc"

	// ColumnHLCsColumn holds a JSON object of column name to HLC.
	ColumnHLCsColumn = "sync_column_hlcs"

	// LocalHLCColumn holds the local clock reading taken when the row was
	// last written here, by a local write or an applied remote change.
	// Push cursors and the dirty ledger compare against it, never against
	// the data HLCs, so relayed rows older than a cursor still go out.
	LocalHLCColumn = "sync_local_hlc"

	// ColumnLocalColumn holds a JSON object of column name to the local
	// clock reading of that column's last write here.
	ColumnLocalColumn = "sync_column_local"

	// TombstoneColumn marks soft-deleted rows. It syncs like any other
	// data column.
	TombstoneColumn = "sync_deleted"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sync_tables (
		table_name TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_dirty_tables (
		table_name    TEXT PRIMARY KEY,
		last_modified TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_backends (
		id                       TEXT PRIMARY KEY,
		name                     TEXT NOT NULL,
		server_url               TEXT NOT NULL,
		email                    TEXT NOT NULL DEFAULT '',
		password                 TEXT NOT NULL DEFAULT '',
		api_token                TEXT NOT NULL DEFAULT '',
		vault_id                 TEXT NOT NULL,
		vault_name               TEXT NOT NULL DEFAULT '',
		enabled                  INTEGER NOT NULL DEFAULT 1,
		priority                 INTEGER NOT NULL DEFAULT 0,
		last_push_hlc            TEXT NOT NULL DEFAULT '',
		last_pull_hlc            TEXT NOT NULL DEFAULT '',
		sync_key                 TEXT NOT NULL DEFAULT '',
		vault_key_salt           TEXT NOT NULL DEFAULT '',
		pending_vault_key_update INTEGER NOT NULL DEFAULT 0,
		created_at               TEXT NOT NULL,
		updated_at               TEXT NOT NULL
	)`,
}

// Store is the local SQLite database. Writes are serialised by mu; the
// pool holds a single connection so transactions never contend.
type Store struct {
	db      *sql.DB
	clock   *hlc.Clock
	logger  *slog.Logger
	builder sq.StatementBuilderType

	mu      sync.Mutex
	changes chan struct{}
}

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for a throwaway database.
func Open(path string, clock *hlc.Clock, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := New(db, clock, logger)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// New wraps an already open database without running migrations.
func New(db *sql.DB, clock *hlc.Clock, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		clock:   clock,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		changes: make(chan struct{}, 1),
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns the id of the local device.
func (s *Store) DeviceID() string {
	return s.clock.Device()
}

// Clock returns the store's HLC clock.
func (s *Store) Clock() *hlc.Clock {
	return s.clock
}

// Watermark returns an HLC above every committed local write and below
// every write that commits later. Push cursors are capped at it so a
// write landing mid-scan is never skipped.
func (s *Store) Watermark() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clock.Now()
}

// Changes delivers a signal whenever a local write dirties a table.
// Signals coalesce: one pending signal covers any number of writes.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// NotifyExternal raises a change signal for writes this Store did not
// make itself, such as another process appending to the same file.
func (s *Store) NotifyExternal() {
	s.notify()
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}

	return nil
}

// TableSchema returns the user-visible columns of a table, primary keys
// flagged. The HLC metadata columns are omitted; the tombstone column is
// kept since it is synced data.
func (s *Store) TableSchema(ctx context.Context, table string) ([]models.ColumnInfo, error) {
	return tableSchema(ctx, s.db, table)
}

// Query runs a parameterised select and returns each row as a map of
// column name to value as scanned by the driver.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return queryMaps(ctx, s.db, query, args...)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func tableSchema(ctx context.Context, q queryer, table string) ([]models.ColumnInfo, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	rows, err := q.QueryContext(ctx, "SELECT name, pk FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []models.ColumnInfo

	for rows.Next() {
		var (
			name string
			pk   int
		)

		if err := rows.Scan(&name, &pk); err != nil {
			return nil, fmt.Errorf("scanning schema of %s: %w", table, err)
		}

		if isMetaColumn(name) {
			continue
		}

		cols = append(cols, models.ColumnInfo{Name: name, IsPK: pk > 0})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	return cols, nil
}

func queryMaps(ctx context.Context, q queryer, query string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any

	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))

		for i := range vals {
			ptrs[i] = &vals[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(map[string]any, len(names))
		for i, n := range names {
			row[n] = vals[i]
		}

		out = append(out, row)
	}

	return out, rows.Err()
}

func isMetaColumn(name string) bool {
	switch name {
	case RowHLCColumn, ColumnHLCsColumn, LocalHLCColumn, ColumnLocalColumn:
		return true
	}

	return false
}

// QuoteIdent validates a table or column name and double-quotes it.
func QuoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}

	return `"` + name + `"`, nil
}
