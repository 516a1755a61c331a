package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/models"
)

// ApplyRemoteChanges writes decrypted remote changes and advances the
// backend's pull cursor to maxHLC in one transaction. An empty maxHLC
// leaves the cursor alone. A value is written
// only when its HLC is greater than the HLC recorded for that column,
// which makes re-application a no-op. Written columns get a fresh local
// stamp so the rows are relayed to every other backend, whatever their
// data HLC. Changes for unknown tables or columns are skipped, not
// fatal. Any error rolls everything back.
func (s *Store) ApplyRemoteChanges(ctx context.Context, changes []models.DecryptedChange, backendID, maxHLC string) (models.ApplyResult, error) {
	var res models.ApplyResult

	sorted := append([]models.DecryptedChange(nil), changes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return hlc.Compare(sorted[i].HLC, sorted[j].HLC) < 0
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	names, err := syncedTables(ctx, tx)
	if err != nil {
		return res, err
	}

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	schemas := map[string]*tableInfo{}
	stamp := s.clock.Now()

	for _, c := range sorted {
		ok, err := s.applyOne(ctx, tx, known, schemas, c, stamp)
		if err != nil {
			return res, err
		}

		if ok {
			res.Applied++
		} else {
			res.Skipped++
		}
	}

	var cursor string

	err = tx.QueryRowContext(ctx, "SELECT last_pull_hlc FROM sync_backends WHERE id = ?", backendID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return res, fmt.Errorf("%w: %s", syncerrors.ErrBackendNotFound, backendID)
	}

	if err != nil {
		return res, fmt.Errorf("reading pull cursor: %w", err)
	}

	if hlc.After(maxHLC, cursor) {
		_, err := tx.ExecContext(ctx,
			"UPDATE sync_backends SET last_pull_hlc = ?, updated_at = ? WHERE id = ?",
			maxHLC, time.Now().UTC().Format(time.RFC3339Nano), backendID)
		if err != nil {
			return res, fmt.Errorf("advancing pull cursor: %w", err)
		}

		cursor = maxHLC
	}

	res.Cursor = cursor

	if err := tx.Commit(); err != nil {
		return models.ApplyResult{}, fmt.Errorf("committing remote changes: %w", err)
	}

	highest := maxHLC
	if n := len(sorted); n > 0 {
		highest = hlc.Max(highest, sorted[n-1].HLC)
	}

	s.clock.Update(highest)

	if res.Applied > 0 {
		s.notify()
	}

	return res, nil
}

// applyOne reports whether the change was written. Unknown targets and
// stale values return false with a nil error.
func (s *Store) applyOne(ctx context.Context, tx *sql.Tx, known map[string]bool, schemas map[string]*tableInfo, c models.DecryptedChange, stamp string) (bool, error) {
	if !known[c.TableName] {
		s.logger.Warn("skipping change for unsynced table", slog.String("table", c.TableName))
		return false, nil
	}

	info, ok := schemas[c.TableName]
	if !ok {
		var err error

		info, err = syncedSchema(ctx, tx, c.TableName)
		if err != nil {
			return false, err
		}

		schemas[c.TableName] = info
	}

	col, ok := info.columns[c.ColumnName]
	if !ok || col.IsPK {
		s.logger.Warn("skipping change for unknown column",
			slog.String("table", c.TableName),
			slog.String("column", c.ColumnName),
		)

		return false, nil
	}

	pks, err := models.DecodeRowPKs(c.RowPKs)
	if err == nil {
		err = checkPKs(info, pks)
	}

	if err != nil {
		s.logger.Warn("skipping change with bad row key",
			slog.String("table", c.TableName),
			slog.String("error", err.Error()),
		)

		return false, nil
	}

	meta, err := loadRowMeta(ctx, tx, s.builder, c.TableName, pks)
	if err != nil {
		return false, err
	}

	values := map[string]models.Value{c.ColumnName: c.Value}

	if meta == nil {
		colHLCs := info.blankColumnHLCs()
		colHLCs[c.ColumnName] = c.HLC

		err := insertRow(ctx, tx, s.builder, c.TableName, pks, values,
			rowStamps{c.HLC, colHLCs, stamp, map[string]string{c.ColumnName: stamp}})

		return err == nil, err
	}

	current, ok := meta.columnHLCs[c.ColumnName]
	if !ok {
		current = meta.rowHLC
	}

	if !hlc.After(c.HLC, current) {
		return false, nil
	}

	meta.columnHLCs[c.ColumnName] = c.HLC
	meta.columnLocal[c.ColumnName] = stamp

	err = updateRow(ctx, tx, s.builder, c.TableName, pks, values,
		rowStamps{hlc.Max(meta.rowHLC, c.HLC), meta.columnHLCs, stamp, meta.columnLocal})

	return err == nil, err
}
