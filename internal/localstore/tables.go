package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/models"
)

// ColumnDef declares one user column of a synced table.
type ColumnDef struct {
	Name string
	Type string
	PK   bool
}

// markDirtySQL keeps the lexical maximum of the local write stamps seen
// for a table. Local clock output is zero padded, so lexical order
// matches HLC order for everything the triggers see.
const markDirtySQL = `INSERT OR REPLACE INTO sync_dirty_tables (table_name, last_modified)
		SELECT '%[1]s', MAX(NEW.sync_local_hlc, COALESCE(
			(SELECT last_modified FROM sync_dirty_tables WHERE table_name = '%[1]s'), ''));`

// CreateSyncedTable creates a table with the HLC metadata columns, the
// tombstone column and the triggers that feed the dirty ledger, then
// registers it for syncing. Calling it again for an existing table only
// re-registers it.
func (s *Store) CreateSyncedTable(ctx context.Context, table string, cols []ColumnDef) error {
	qt, err := QuoteIdent(table)
	if err != nil {
		return err
	}

	if strings.HasPrefix(table, "sync_") {
		return fmt.Errorf("table name %q uses the reserved sync_ prefix", table)
	}

	var (
		defs []string
		pks  []string
	)

	for _, c := range cols {
		qc, err := QuoteIdent(c.Name)
		if err != nil {
			return err
		}

		typ := c.Type
		if typ == "" {
			typ = "TEXT"
		}

		if !identRe.MatchString(typ) {
			return fmt.Errorf("invalid column type %q", typ)
		}

		defs = append(defs, qc+" "+typ)
		if c.PK {
			pks = append(pks, qc)
		}
	}

	if len(pks) == 0 {
		return fmt.Errorf("table %s needs at least one primary key column", table)
	}

	defs = append(defs,
		RowHLCColumn+" TEXT NOT NULL DEFAULT ''",
		ColumnHLCsColumn+" TEXT NOT NULL DEFAULT '{}'",
		LocalHLCColumn+" TEXT NOT NULL DEFAULT ''",
		ColumnLocalColumn+" TEXT NOT NULL DEFAULT '{}'",
		TombstoneColumn+" INTEGER NOT NULL DEFAULT 0",
		"PRIMARY KEY ("+strings.Join(pks, ", ")+")",
	)

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qt, strings.Join(defs, ", ")),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS \"sync_dirty_%[1]s_insert\" AFTER INSERT ON %[2]s BEGIN "+markDirtySQL+" END",
			table, qt),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS \"sync_dirty_%[1]s_update\" AFTER UPDATE ON %[2]s BEGIN "+markDirtySQL+" END",
			table, qt),
		fmt.Sprintf("INSERT OR IGNORE INTO sync_tables (table_name, created_at) VALUES ('%s', '%s')",
			table, time.Now().UTC().Format(time.RFC3339Nano)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating synced table %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// SyncedTables lists the registered synced tables in name order.
func (s *Store) SyncedTables(ctx context.Context) ([]string, error) {
	return syncedTables(ctx, s.db)
}

func syncedTables(ctx context.Context, q queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT table_name FROM sync_tables ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("listing synced tables: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		out = append(out, name)
	}

	return out, rows.Err()
}

// Write records a local change to a row. Every written column gets a
// fresh HLC from the clock; the dirty ledger is updated by trigger in
// the same transaction. Returns the HLC assigned to the write.
func (s *Store) Write(ctx context.Context, table string, pks map[string]any, values map[string]models.Value) (string, error) {
	if len(values) == 0 {
		return "", errors.New("write with no values")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	schema, err := syncedSchema(ctx, tx, table)
	if err != nil {
		return "", err
	}

	if err := checkPKs(schema, pks); err != nil {
		return "", err
	}

	for col := range values {
		if c, ok := schema.columns[col]; !ok || c.IsPK {
			return "", fmt.Errorf("table %s has no writable column %q", table, col)
		}
	}

	ts := s.clock.Now()

	row, err := loadRowMeta(ctx, tx, s.builder, table, pks)
	if err != nil {
		return "", err
	}

	var colHLCs, colLocal map[string]string
	if row != nil {
		colHLCs, colLocal = row.columnHLCs, row.columnLocal
	} else {
		colHLCs, colLocal = schema.blankColumnHLCs(), map[string]string{}
	}

	for col := range values {
		colHLCs[col] = ts
		colLocal[col] = ts
	}

	if row == nil {
		err = insertRow(ctx, tx, s.builder, table, pks, values, rowStamps{ts, colHLCs, ts, colLocal})
	} else {
		err = updateRow(ctx, tx, s.builder, table, pks, values, rowStamps{hlc.Max(row.rowHLC, ts), colHLCs, ts, colLocal})
	}

	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing write: %w", err)
	}

	s.notify()

	return ts, nil
}

// Delete soft-deletes a row by setting its tombstone column.
func (s *Store) Delete(ctx context.Context, table string, pks map[string]any) (string, error) {
	return s.Write(ctx, table, pks, map[string]models.Value{TombstoneColumn: models.IntegerValue(1)})
}

// Get returns the user columns of one row, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, table string, pks map[string]any) (map[string]models.Value, error) {
	qt, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}

	where, err := pkWhere(pks)
	if err != nil {
		return nil, err
	}

	query, args, err := s.builder.Select("*").From(qt).Where(where).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := queryMaps(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, nil
	}

	out := make(map[string]models.Value, len(rows[0]))

	for k, v := range rows[0] {
		if isMetaColumn(k) {
			continue
		}

		out[k] = models.ValueOf(v)
	}

	return out, nil
}

// tableInfo is the schema of a synced table, resolved inside a
// transaction.
type tableInfo struct {
	name    string
	columns map[string]models.ColumnInfo
	pks     []string
}

func syncedSchema(ctx context.Context, q queryer, table string) (*tableInfo, error) {
	var n int

	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_tables WHERE table_name = ?", table).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("checking synced table %s: %w", table, err)
	}

	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	cols, err := tableSchema(ctx, q, table)
	if err != nil {
		return nil, err
	}

	info := &tableInfo{name: table, columns: make(map[string]models.ColumnInfo, len(cols))}

	for _, c := range cols {
		info.columns[c.Name] = c
		if c.IsPK {
			info.pks = append(info.pks, c.Name)
		}
	}

	return info, nil
}

// blankColumnHLCs records every data column of a new row as never
// written, so a column that later arrives with an older HLC than its
// row siblings is still applied instead of losing to the row HLC.
func (t *tableInfo) blankColumnHLCs() map[string]string {
	out := make(map[string]string, len(t.columns))

	for name, c := range t.columns {
		if !c.IsPK {
			out[name] = ""
		}
	}

	return out
}

func checkPKs(t *tableInfo, pks map[string]any) error {
	if len(pks) != len(t.pks) {
		return fmt.Errorf("%w: table %s wants %d primary key values, got %d", ErrBadRowKey, t.name, len(t.pks), len(pks))
	}

	for _, pk := range t.pks {
		if _, ok := pks[pk]; !ok {
			return fmt.Errorf("%w: table %s missing primary key %q", ErrBadRowKey, t.name, pk)
		}
	}

	return nil
}

func pkWhere(pks map[string]any) (sq.Eq, error) {
	where := sq.Eq{}

	for k, v := range pks {
		qk, err := QuoteIdent(k)
		if err != nil {
			return nil, err
		}

		where[qk] = v
	}

	return where, nil
}

type rowMeta struct {
	rowHLC      string
	columnHLCs  map[string]string
	columnLocal map[string]string
}

// rowStamps is the metadata written with a row: data HLCs that decide
// conflicts, and local stamps that decide what still needs pushing.
type rowStamps struct {
	rowHLC      string
	columnHLCs  map[string]string
	localHLC    string
	columnLocal map[string]string
}

func (r rowStamps) encode() (hlcs, local string, err error) {
	a, err := json.Marshal(r.columnHLCs)
	if err != nil {
		return "", "", err
	}

	b, err := json.Marshal(r.columnLocal)
	if err != nil {
		return "", "", err
	}

	return string(a), string(b), nil
}

func loadRowMeta(ctx context.Context, q queryer, b sq.StatementBuilderType, table string, pks map[string]any) (*rowMeta, error) {
	qt, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}

	where, err := pkWhere(pks)
	if err != nil {
		return nil, err
	}

	query, args, err := b.Select(RowHLCColumn, ColumnHLCsColumn, ColumnLocalColumn).From(qt).Where(where).ToSql()
	if err != nil {
		return nil, err
	}

	var rowHLC, raw, rawLocal string

	err = q.QueryRowContext(ctx, query, args...).Scan(&rowHLC, &raw, &rawLocal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading row metadata from %s: %w", table, err)
	}

	meta := &rowMeta{rowHLC: rowHLC, columnHLCs: map[string]string{}, columnLocal: map[string]string{}}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta.columnHLCs); err != nil {
			return nil, fmt.Errorf("decoding column hlcs in %s: %w", table, err)
		}
	}

	if rawLocal != "" {
		if err := json.Unmarshal([]byte(rawLocal), &meta.columnLocal); err != nil {
			return nil, fmt.Errorf("decoding column stamps in %s: %w", table, err)
		}
	}

	return meta, nil
}

func insertRow(ctx context.Context, q queryer, b sq.StatementBuilderType, table string, pks map[string]any, values map[string]models.Value, stamps rowStamps) error {
	qt, _ := QuoteIdent(table)

	hlcs, local, err := stamps.encode()
	if err != nil {
		return err
	}

	ins := b.Insert(qt)

	var (
		cols []string
		vals []any
	)

	for _, k := range models.SortedKeys(pks) {
		qk, err := QuoteIdent(k)
		if err != nil {
			return err
		}

		cols = append(cols, qk)
		vals = append(vals, pks[k])
	}

	for _, k := range models.SortedKeys(values) {
		qk, err := QuoteIdent(k)
		if err != nil {
			return err
		}

		cols = append(cols, qk)
		vals = append(vals, values[k].Any())
	}

	cols = append(cols, RowHLCColumn, ColumnHLCsColumn, LocalHLCColumn, ColumnLocalColumn)
	vals = append(vals, stamps.rowHLC, hlcs, stamps.localHLC, local)

	query, args, err := ins.Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting into %s: %w", table, err)
	}

	return nil
}

func updateRow(ctx context.Context, q queryer, b sq.StatementBuilderType, table string, pks map[string]any, values map[string]models.Value, stamps rowStamps) error {
	qt, _ := QuoteIdent(table)

	hlcs, local, err := stamps.encode()
	if err != nil {
		return err
	}

	where, err := pkWhere(pks)
	if err != nil {
		return err
	}

	upd := b.Update(qt)

	for _, k := range models.SortedKeys(values) {
		qk, err := QuoteIdent(k)
		if err != nil {
			return err
		}

		upd = upd.Set(qk, values[k].Any())
	}

	query, args, err := upd.
		Set(RowHLCColumn, stamps.rowHLC).
		Set(ColumnHLCsColumn, hlcs).
		Set(LocalHLCColumn, stamps.localHLC).
		Set(ColumnLocalColumn, local).
		Where(where).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating %s: %w", table, err)
	}

	return nil
}
