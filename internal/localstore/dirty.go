package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/models"
)

var (
	// ErrUnknownTable is returned for tables that are not registered for sync.
	ErrUnknownTable = errors.New("table is not synced")

	// ErrUnknownColumn is returned for columns missing from a synced table.
	ErrUnknownColumn = errors.New("column does not exist")

	// ErrBadRowKey is returned when primary key values do not match the table.
	ErrBadRowKey = errors.New("primary key mismatch")
)

// DirtyTables returns the dirty ledger in table order.
func (s *Store) DirtyTables(ctx context.Context) ([]models.DirtyTable, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name, last_modified FROM sync_dirty_tables ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("listing dirty tables: %w", err)
	}
	defer rows.Close()

	var out []models.DirtyTable

	for rows.Next() {
		var d models.DirtyTable
		if err := rows.Scan(&d.TableName, &d.LastModified); err != nil {
			return nil, err
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// ClearDirtyTable removes a ledger entry. With a non-empty before, the
// entry is only removed if it was last modified at or before that HLC,
// so writes that landed during a push keep the table dirty.
func (s *Store) ClearDirtyTable(ctx context.Context, table, before string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if before != "" {
		var last string

		err := tx.QueryRowContext(ctx,
			"SELECT last_modified FROM sync_dirty_tables WHERE table_name = ?", table).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading dirty table %s: %w", table, err)
		}

		if hlc.After(last, before) {
			return nil
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_dirty_tables WHERE table_name = ?", table); err != nil {
		return fmt.Errorf("clearing dirty table %s: %w", table, err)
	}

	return tx.Commit()
}
