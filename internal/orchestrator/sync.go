package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/scanner"
	"github.com/alexjbarnes/vault-mirror/internal/state"
	"github.com/alexjbarnes/vault-mirror/internal/vaultcrypto"
)

// pushBackend runs a guarded push.
func (o *Orchestrator) pushBackend(ctx context.Context, st *backendState) error {
	return o.guarded(ctx, st, opPush, func(ctx context.Context) (state.SyncRecord, error) {
		n, err := o.push(ctx, st)
		return state.SyncRecord{Pushed: n}, err
	})
}

// pullBackend runs a guarded full pull.
func (o *Orchestrator) pullBackend(ctx context.Context, st *backendState) error {
	return o.guarded(ctx, st, opPull, func(ctx context.Context) (state.SyncRecord, error) {
		res, err := o.pull(ctx, st)
		return state.SyncRecord{Applied: res.Applied}, err
	})
}

// syncBackend pulls, finishes any pending key update and pushes.
func (o *Orchestrator) syncBackend(ctx context.Context, st *backendState) error {
	return o.guarded(ctx, st, opSync, func(ctx context.Context) (state.SyncRecord, error) {
		var rec state.SyncRecord

		res, err := o.pull(ctx, st)
		if err != nil {
			return rec, err
		}

		rec.Applied = res.Applied

		o.retryPendingKey(ctx, st)

		rec.Pushed, err = o.push(ctx, st)

		return rec, err
	})
}

// push scans what was written locally since the backend's push cursor,
// pushes it as one batch and advances the cursor to the watermark taken
// before the scan. Cursors compare against local write stamps, which
// every local write and applied remote change takes under the store
// lock, so everything at or below the watermark was visible to the scan
// and a write committing mid-scan is picked up by the next push.
func (o *Orchestrator) push(ctx context.Context, st *backendState) (int, error) {
	b, err := o.store.GetBackend(ctx, st.id)
	if err != nil {
		return 0, err
	}

	if !b.Enabled {
		return 0, nil
	}

	key, err := o.loadKey(ctx, st, b)
	if err != nil {
		return 0, err
	}

	tables, err := o.pushTables(ctx, b.LastPushHLC)
	if err != nil {
		return 0, err
	}

	if len(tables) == 0 {
		return 0, nil
	}

	watermark := o.store.Watermark()
	batchID := uuid.NewString()

	changes, err := o.scanner.ScanTables(ctx, tables, b.LastPushHLC, key, batchID, o.store.DeviceID())
	if err != nil {
		return 0, fmt.Errorf("scanning changes: %w", err)
	}

	if len(changes) == 0 {
		if _, err := o.store.AdvancePushCursor(ctx, b.ID, watermark); err != nil {
			return 0, fmt.Errorf("advancing push cursor: %w", err)
		}

		return 0, nil
	}

	res, err := st.remote.Push(ctx, b.VaultID, changes)
	if err != nil {
		return 0, err
	}

	if res.Accepted != len(changes) {
		o.logger.Debug("backend accepted fewer changes than pushed",
			slog.String("backend", b.Name),
			slog.Int("pushed", len(changes)),
			slog.Int("accepted", res.Accepted),
		)
	}

	if _, err := o.store.AdvancePushCursor(ctx, b.ID, watermark); err != nil {
		return 0, fmt.Errorf("advancing push cursor: %w", err)
	}

	o.logger.Info("pushed changes",
		slog.String("backend", b.Name),
		slog.Int("changes", len(changes)),
		slog.Int("tables", len(tables)),
		slog.String("batch_id", batchID),
	)

	if err := o.clearDirty(ctx); err != nil {
		o.logger.Warn("clearing dirty ledger", slog.String("error", err.Error()))
	}

	return len(changes), nil
}

// pushTables picks the tables to scan. A first push scans every synced
// table; later pushes only tables dirtied after the cursor.
func (o *Orchestrator) pushTables(ctx context.Context, cursor string) ([]string, error) {
	f := o.config().Filter

	if cursor == "" {
		tables, err := o.store.SyncedTables(ctx)
		if err != nil {
			return nil, err
		}

		return f.Tables(tables), nil
	}

	dirty, err := o.store.DirtyTables(ctx)
	if err != nil {
		return nil, err
	}

	var tables []string

	for _, d := range dirty {
		if hlc.After(d.LastModified, cursor) && f.AllowTable(d.TableName) {
			tables = append(tables, d.TableName)
		}
	}

	return tables, nil
}

// clearDirty drops ledger entries every enabled backend has pushed past.
// Nothing is cleared while any enabled backend has not pushed yet.
func (o *Orchestrator) clearDirty(ctx context.Context) error {
	backends, err := o.store.ListBackends(ctx)
	if err != nil {
		return err
	}

	floor := ""
	seen := false

	for _, b := range backends {
		if !b.Enabled {
			continue
		}

		if b.LastPushHLC == "" {
			return nil
		}

		if !seen || hlc.Compare(b.LastPushHLC, floor) < 0 {
			floor = b.LastPushHLC
			seen = true
		}
	}

	if !seen {
		return nil
	}

	dirty, err := o.store.DirtyTables(ctx)
	if err != nil {
		return err
	}

	for _, d := range dirty {
		if hlc.After(d.LastModified, floor) {
			continue
		}

		if err := o.store.ClearDirtyTable(ctx, d.TableName, floor); err != nil {
			return err
		}
	}

	return nil
}

// pull fetches everything after the pull cursor and applies it.
func (o *Orchestrator) pull(ctx context.Context, st *backendState) (models.ApplyResult, error) {
	b, err := o.store.GetBackend(ctx, st.id)
	if err != nil {
		return models.ApplyResult{}, err
	}

	if !b.Enabled {
		return models.ApplyResult{}, nil
	}

	key, err := o.loadKey(ctx, st, b)
	if err != nil {
		return models.ApplyResult{}, err
	}

	changes, err := st.remote.PullAll(ctx, b.VaultID, b.LastPullHLC, o.config().PullPageSize)
	if err != nil {
		return models.ApplyResult{}, err
	}

	if len(changes) == 0 {
		return models.ApplyResult{Cursor: b.LastPullHLC}, nil
	}

	res, err := o.ApplyAtomic(ctx, changes, key, b.ID)
	if err != nil {
		return res, err
	}

	o.logger.Info("pulled changes",
		slog.String("backend", b.Name),
		slog.Int("received", len(changes)),
		slog.Int("applied", res.Applied),
		slog.String("cursor", res.Cursor),
	)

	return res, nil
}

// ApplyAtomic decrypts changes and applies them in one store
// transaction, advancing the backend's pull cursor to their highest
// HLC. Any decryption failure aborts the whole set with the cursor
// untouched. Changes for filtered-out tables are dropped but still move
// the cursor.
func (o *Orchestrator) ApplyAtomic(ctx context.Context, changes []models.ColumnChange, key []byte, backendID string) (models.ApplyResult, error) {
	return o.apply(ctx, changes, key, backendID, scanner.MaxHLC(changes))
}

func (o *Orchestrator) apply(ctx context.Context, changes []models.ColumnChange, key []byte, backendID, maxHLC string) (models.ApplyResult, error) {
	decrypted, err := o.decrypt(changes, key)
	if err != nil {
		return models.ApplyResult{}, err
	}

	return o.store.ApplyRemoteChanges(ctx, decrypted, backendID, maxHLC)
}

func (o *Orchestrator) decrypt(changes []models.ColumnChange, key []byte) ([]models.DecryptedChange, error) {
	cipher, err := vaultcrypto.NewCipher(key)
	if err != nil {
		return nil, err
	}

	f := o.config().Filter
	out := make([]models.DecryptedChange, 0, len(changes))

	for _, c := range changes {
		if !f.AllowTable(c.TableName) {
			continue
		}

		v, err := cipher.DecryptValue(c.EncryptedValue, c.Nonce)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting %s.%s at %s: %w",
				syncerrors.ErrProtocol, c.TableName, c.ColumnName, c.HLC, err)
		}

		out = append(out, models.DecryptedChange{
			TableName:  c.TableName,
			RowPKs:     c.RowPKs,
			ColumnName: c.ColumnName,
			HLC:        c.HLC,
			Value:      v,
			DeviceID:   c.DeviceID,
		})
	}

	return out, nil
}

// fanOut runs fn for every enabled backend concurrently and collects
// per-backend errors. One backend failing never cancels the others.
func (o *Orchestrator) fanOut(ctx context.Context, fn func(context.Context, *backendState) error) (map[string]error, error) {
	backends, err := o.store.ListBackends(ctx)
	if err != nil {
		return nil, err
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = make(map[string]error)
	)

	for _, b := range backends {
		if !b.Enabled || b.VaultID == "" {
			continue
		}

		st := o.stateFor(b)

		g.Go(func() error {
			if err := fn(ctx, st); err != nil {
				mu.Lock()
				errs[b.ID] = err
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errs, nil
}

// PushAll pushes to every enabled backend. A backend that was busy gets
// another debounce cycle.
func (o *Orchestrator) PushAll(ctx context.Context) map[string]error {
	errs, err := o.fanOut(ctx, o.pushBackend)
	if err != nil {
		o.logger.Warn("listing backends for push", slog.String("error", err.Error()))
	}

	for _, e := range errs {
		if errors.Is(e, ErrSkipped) {
			select {
			case o.retrigger <- struct{}{}:
			default:
			}

			break
		}
	}

	return errs
}

// SyncNow pulls and pushes one backend, or every enabled backend when
// backendID is empty. Skipped backends are not reported as failures.
func (o *Orchestrator) SyncNow(ctx context.Context, backendID string) error {
	if backendID != "" {
		b, err := o.store.GetBackend(ctx, backendID)
		if err != nil {
			return err
		}

		if b.VaultID == "" {
			return fmt.Errorf("%w: %s", syncerrors.ErrNoVaultConfig, b.Name)
		}

		err = o.syncBackend(ctx, o.stateFor(b))
		if errors.Is(err, ErrSkipped) {
			return nil
		}

		return err
	}

	errs, err := o.fanOut(ctx, o.syncBackend)
	if err != nil {
		return err
	}

	var joined []error

	for id, e := range errs {
		if !errors.Is(e, ErrSkipped) {
			joined = append(joined, fmt.Errorf("backend %s: %w", id, e))
		}
	}

	return errors.Join(joined...)
}
