// Package scanner turns dirty local rows into encrypted column changes.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/localstore"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/vaultcrypto"
)

// Store is the read side of the local store the scanner needs.
type Store interface {
	TableSchema(ctx context.Context, table string) ([]models.ColumnInfo, error)
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// Scanner extracts column-level deltas from synced tables.
type Scanner struct {
	store   Store
	logger  *slog.Logger
	builder sq.StatementBuilderType
}

// New creates a scanner over store.
func New(store Store, logger *slog.Logger) *Scanner {
	return &Scanner{
		store:   store,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Scan returns one encrypted change per data column written on this
// device after sinceHLC. sinceHLC is compared against the local write
// stamps, so a remote value applied here after the cursor is emitted
// even when its own HLC is older. The emitted HLC is the column's
// effective HLC: its own, else the row HLC. An empty sinceHLC selects
// every written column. Batch positions are left unset; see
// AssignBatch.
func (s *Scanner) Scan(ctx context.Context, table, sinceHLC string, key []byte, batchID, deviceID string) ([]models.ColumnChange, error) {
	cipher, err := vaultcrypto.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return s.scan(ctx, cipher, table, sinceHLC, batchID, deviceID)
}

// ScanTables scans every table against the same cursor and numbers the
// combined result as one batch.
func (s *Scanner) ScanTables(ctx context.Context, tables []string, sinceHLC string, key []byte, batchID, deviceID string) ([]models.ColumnChange, error) {
	cipher, err := vaultcrypto.NewCipher(key)
	if err != nil {
		return nil, err
	}

	var all []models.ColumnChange

	for _, table := range tables {
		changes, err := s.scan(ctx, cipher, table, sinceHLC, batchID, deviceID)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}

		all = append(all, changes...)
	}

	AssignBatch(all, batchID)

	return all, nil
}

func (s *Scanner) scan(ctx context.Context, cipher *vaultcrypto.Cipher, table, sinceHLC, batchID, deviceID string) ([]models.ColumnChange, error) {
	schema, err := s.store.TableSchema(ctx, table)
	if err != nil {
		return nil, err
	}

	qt, err := localstore.QuoteIdent(table)
	if err != nil {
		return nil, err
	}

	var (
		cols     []string
		pkCols   []string
		dataCols []string
	)

	for _, c := range schema {
		qc, err := localstore.QuoteIdent(c.Name)
		if err != nil {
			return nil, err
		}

		cols = append(cols, qc)

		if c.IsPK {
			pkCols = append(pkCols, c.Name)
		} else {
			dataCols = append(dataCols, c.Name)
		}
	}

	meta := []string{
		localstore.RowHLCColumn,
		localstore.ColumnHLCsColumn,
		localstore.LocalHLCColumn,
		localstore.ColumnLocalColumn,
	}

	sel := s.builder.
		Select(append(cols, meta...)...).
		From(qt).
		OrderBy(localstore.LocalHLCColumn)

	// Canonical cursors order correctly as strings, so SQLite can
	// prefilter. The exact comparison still happens below.
	if hlc.Canonical(sinceHLC) {
		sel = sel.Where(sq.Gt{localstore.LocalHLCColumn: sinceHLC})
	}

	query, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var out []models.ColumnChange

	for _, row := range rows {
		rowHLC, _ := row[localstore.RowHLCColumn].(string)
		rowLocal, _ := row[localstore.LocalHLCColumn].(string)

		if sinceHLC != "" && !hlc.After(rowLocal, sinceHLC) {
			continue
		}

		colHLCs := s.stampMap(table, row[localstore.ColumnHLCsColumn])
		colLocal := s.stampMap(table, row[localstore.ColumnLocalColumn])

		pks := make(map[string]any, len(pkCols))
		for _, pk := range pkCols {
			pks[pk] = models.ValueOf(row[pk]).Any()
		}

		rowPKs, err := models.EncodeRowPKs(pks)
		if err != nil {
			return nil, err
		}

		for _, col := range dataCols {
			effective, ok := colHLCs[col]
			if !ok {
				effective = rowHLC
			}

			if effective == "" {
				continue
			}

			if sinceHLC != "" {
				written, ok := colLocal[col]
				if !ok {
					written = rowLocal
				}

				if !hlc.After(written, sinceHLC) {
					continue
				}
			}

			enc, nonce, err := cipher.EncryptValue(models.ValueOf(row[col]))
			if err != nil {
				return nil, fmt.Errorf("encrypting %s.%s: %w", table, col, err)
			}

			out = append(out, models.ColumnChange{
				TableName:      table,
				RowPKs:         rowPKs,
				ColumnName:     col,
				HLC:            effective,
				BatchID:        batchID,
				EncryptedValue: enc,
				Nonce:          nonce,
				DeviceID:       deviceID,
			})
		}
	}

	return out, nil
}

// stampMap decodes one of the JSON column-to-HLC metadata columns.
func (s *Scanner) stampMap(table string, v any) map[string]string {
	out := map[string]string{}

	raw, _ := v.(string)
	if raw == "" {
		return out
	}

	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.logger.Warn("ignoring malformed column stamps",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)

		return map[string]string{}
	}

	return out
}

// AssignBatch numbers changes 1..N within batchID. It runs once the full
// change set is known so BatchTotal is exact.
func AssignBatch(changes []models.ColumnChange, batchID string) {
	for i := range changes {
		changes[i].BatchID = batchID
		changes[i].BatchSeq = i + 1
		changes[i].BatchTotal = len(changes)
	}
}

// MaxHLC returns the highest HLC among changes.
func MaxHLC(changes []models.ColumnChange) string {
	var out string

	for _, c := range changes {
		out = hlc.Max(out, c.HLC)
	}

	return out
}
