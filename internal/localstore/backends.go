package localstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/models"
)

var backendColumns = []string{
	"id", "name", "server_url", "email", "password", "api_token",
	"vault_id", "vault_name", "enabled", "priority",
	"last_push_hlc", "last_pull_hlc", "sync_key", "vault_key_salt",
	"pending_vault_key_update", "created_at", "updated_at",
}

// backendUpsertSuffix never touches the cursors: they only move through
// AdvancePushCursor and ApplyRemoteChanges, which enforce monotonicity.
const backendUpsertSuffix = `ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	server_url = excluded.server_url,
	email = excluded.email,
	password = excluded.password,
	api_token = excluded.api_token,
	vault_id = excluded.vault_id,
	vault_name = excluded.vault_name,
	enabled = excluded.enabled,
	priority = excluded.priority,
	sync_key = excluded.sync_key,
	vault_key_salt = excluded.vault_key_salt,
	pending_vault_key_update = excluded.pending_vault_key_update,
	updated_at = excluded.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackend(r rowScanner) (models.BackendConfig, error) {
	var (
		b                  models.BackendConfig
		enabled, pending   int
		syncKey            string
		createdAt, updated string
	)

	err := r.Scan(
		&b.ID, &b.Name, &b.ServerURL, &b.Email, &b.Password, &b.APIToken,
		&b.VaultID, &b.VaultName, &enabled, &b.Priority,
		&b.LastPushHLC, &b.LastPullHLC, &syncKey, &b.VaultKeySalt,
		&pending, &createdAt, &updated,
	)
	if err != nil {
		return b, err
	}

	b.Enabled = enabled != 0
	b.PendingVaultKeyUpdate = pending != 0
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)

	if syncKey != "" {
		b.SyncKey, err = base64.StdEncoding.DecodeString(syncKey)
		if err != nil {
			return b, fmt.Errorf("decoding sync key of backend %s: %w", b.ID, err)
		}
	}

	return b, nil
}

// ListBackends returns every backend, ordered by priority then name.
func (s *Store) ListBackends(ctx context.Context) ([]models.BackendConfig, error) {
	query, args, err := s.builder.Select(backendColumns...).
		From("sync_backends").
		OrderBy("priority DESC", "name").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing backends: %w", err)
	}
	defer rows.Close()

	var out []models.BackendConfig

	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backend: %w", err)
		}

		out = append(out, b)
	}

	return out, rows.Err()
}

// GetBackend returns one backend or ErrBackendNotFound.
func (s *Store) GetBackend(ctx context.Context, id string) (models.BackendConfig, error) {
	query, args, err := s.builder.Select(backendColumns...).
		From("sync_backends").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return models.BackendConfig{}, err
	}

	b, err := scanBackend(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return b, fmt.Errorf("%w: %s", syncerrors.ErrBackendNotFound, id)
	}

	if err != nil {
		return b, fmt.Errorf("loading backend %s: %w", id, err)
	}

	return b, nil
}

// SaveBackend inserts or updates a backend. Cursors are only taken from
// b on insert.
func (s *Store) SaveBackend(ctx context.Context, b models.BackendConfig) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}

	var syncKey string
	if len(b.SyncKey) > 0 {
		syncKey = base64.StdEncoding.EncodeToString(b.SyncKey)
	}

	query, args, err := s.builder.Insert("sync_backends").
		Columns(backendColumns...).
		Values(
			b.ID, b.Name, b.ServerURL, b.Email, b.Password, b.APIToken,
			b.VaultID, b.VaultName, boolInt(b.Enabled), b.Priority,
			b.LastPushHLC, b.LastPullHLC, syncKey, b.VaultKeySalt,
			boolInt(b.PendingVaultKeyUpdate),
			b.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		).
		Suffix(backendUpsertSuffix).
		ToSql()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saving backend %s: %w", b.ID, err)
	}

	return nil
}

// DeleteBackend removes a backend. Missing ids yield ErrBackendNotFound.
func (s *Store) DeleteBackend(ctx context.Context, id string) error {
	query, args, err := s.builder.Delete("sync_backends").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting backend %s: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", syncerrors.ErrBackendNotFound, id)
	}

	return nil
}

// AdvancePushCursor moves the push cursor forward to ts. A ts that does
// not sort after the stored cursor leaves it unchanged. Returns the
// cursor in effect afterwards.
func (s *Store) AdvancePushCursor(ctx context.Context, id, ts string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var cur string

	err = tx.QueryRowContext(ctx, "SELECT last_push_hlc FROM sync_backends WHERE id = ?", id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", syncerrors.ErrBackendNotFound, id)
	}

	if err != nil {
		return "", fmt.Errorf("reading push cursor: %w", err)
	}

	if !hlc.After(ts, cur) {
		return cur, nil
	}

	query, args, err := s.builder.Update("sync_backends").
		Set("last_push_hlc", ts).
		Set("updated_at", time.Now().UTC().Format(time.RFC3339Nano)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("advancing push cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing push cursor: %w", err)
	}

	return ts, nil
}

// SetSyncKey stores the sync key and the salt it was last wrapped with.
func (s *Store) SetSyncKey(ctx context.Context, id string, key []byte, salt string) error {
	return s.updateBackend(ctx, id, map[string]any{
		"sync_key":       base64.StdEncoding.EncodeToString(key),
		"vault_key_salt": salt,
	})
}

// SetPendingVaultKeyUpdate flags or unflags a backend whose wrapped key
// still needs re-encrypting under the current password.
func (s *Store) SetPendingVaultKeyUpdate(ctx context.Context, id string, pending bool) error {
	return s.updateBackend(ctx, id, map[string]any{
		"pending_vault_key_update": boolInt(pending),
	})
}

// SetBackendEnabled toggles a backend.
func (s *Store) SetBackendEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updateBackend(ctx, id, map[string]any{"enabled": boolInt(enabled)})
}

func (s *Store) updateBackend(ctx context.Context, id string, set map[string]any) error {
	set["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	query, args, err := s.builder.Update("sync_backends").
		SetMap(set).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating backend %s: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", syncerrors.ErrBackendNotFound, id)
	}

	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
