package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/state"
	"github.com/alexjbarnes/vault-mirror/internal/vaultcrypto"
)

// Init prepares one backend: loads its key, retries a pending key
// update, pulls once, pushes once and subscribes to its realtime feed.
// A disabled backend is left alone.
func (o *Orchestrator) Init(ctx context.Context, backendID string) error {
	b, err := o.store.GetBackend(ctx, backendID)
	if err != nil {
		return err
	}

	if !b.Enabled {
		o.logger.Info("backend disabled, not initialising", slog.String("backend", b.Name))
		return nil
	}

	if b.VaultID == "" {
		return fmt.Errorf("%w: %s", syncerrors.ErrNoVaultConfig, b.Name)
	}

	st := o.stateFor(b)

	err = o.guarded(ctx, st, opInit, func(ctx context.Context) (state.SyncRecord, error) {
		var rec state.SyncRecord

		if _, err := o.loadKey(ctx, st, b); err != nil {
			return rec, err
		}

		o.retryPendingKey(ctx, st)

		res, err := o.pull(ctx, st)
		if err != nil {
			return rec, err
		}

		rec.Applied = res.Applied

		rec.Pushed, err = o.push(ctx, st)

		return rec, err
	})

	// A bad password or rejected credentials will not fix themselves on
	// reconnect; everything else benefits from the feed's catch-up pull.
	if err == nil || errors.Is(err, ErrSkipped) || syncerrors.Retryable(err) {
		o.subscribe(b)
	}

	return err
}

// loadKey resolves the sync key: session cache, then the locally stored
// key (verified against the backend), then the backend copy. A missing
// backend copy self-heals by uploading the local key or a fresh one.
func (o *Orchestrator) loadKey(ctx context.Context, st *backendState, b models.BackendConfig) ([]byte, error) {
	keys := o.session.Keys()

	if key, ok := keys.Cached(b.VaultID); ok {
		return key, nil
	}

	cfg := o.config()

	if len(b.SyncKey) > 0 {
		return o.verifyLocalKey(ctx, st, b, cfg)
	}

	key, err := keys.FetchKey(ctx, st.remote, b.VaultID, cfg.VaultPassword)
	if errors.Is(err, syncerrors.ErrKeyNotFound) {
		return o.createKey(ctx, st, b, cfg)
	}

	if err != nil {
		return nil, err
	}

	if err := o.store.SetSyncKey(ctx, b.ID, key, b.VaultKeySalt); err != nil {
		return nil, fmt.Errorf("storing sync key: %w", err)
	}

	o.logger.Info("loaded vault key from backend", slog.String("backend", b.Name))

	return key, nil
}

func (o *Orchestrator) verifyLocalKey(ctx context.Context, st *backendState, b models.BackendConfig, cfg Config) ([]byte, error) {
	keys := o.session.Keys()
	local := b.SyncKey

	remote, err := keys.FetchKey(ctx, st.remote, b.VaultID, cfg.VaultPassword)

	switch {
	case err == nil && bytes.Equal(remote, local):
		return local, nil

	case err == nil:
		// Another device created the vault key first. Its copy is the
		// one every other device will converge on.
		o.logger.Warn("local sync key differs from backend, adopting backend key",
			slog.String("backend", b.Name))

		if err := o.store.SetSyncKey(ctx, b.ID, remote, b.VaultKeySalt); err != nil {
			return nil, fmt.Errorf("storing sync key: %w", err)
		}

		return remote, nil

	case errors.Is(err, syncerrors.ErrKeyNotFound):
		salt, err := keys.UploadKey(ctx, st.remote, b.VaultID, local, vaultName(cfg, b), cfg.VaultPassword, cfg.ServerPassword)
		if err != nil {
			return nil, fmt.Errorf("re-uploading vault key: %w", err)
		}

		if err := o.store.SetSyncKey(ctx, b.ID, local, salt); err != nil {
			return nil, fmt.Errorf("storing sync key: %w", err)
		}

		o.logger.Info("backend lost vault key, re-uploaded local copy", slog.String("backend", b.Name))

		return local, nil

	default:
		// The local key still decrypts this vault. Use it and let the
		// next cycle retry verification.
		o.logger.Warn("verifying vault key, using local copy",
			slog.String("backend", b.Name),
			slog.String("error", err.Error()),
		)

		keys.Remember(b.VaultID, local)

		return local, nil
	}
}

func (o *Orchestrator) createKey(ctx context.Context, st *backendState, b models.BackendConfig, cfg Config) ([]byte, error) {
	key, err := vaultcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	salt, err := o.session.Keys().UploadKey(ctx, st.remote, b.VaultID, key, vaultName(cfg, b), cfg.VaultPassword, cfg.ServerPassword)
	if err != nil {
		return nil, fmt.Errorf("uploading new vault key: %w", err)
	}

	if err := o.store.SetSyncKey(ctx, b.ID, key, salt); err != nil {
		return nil, fmt.Errorf("storing sync key: %w", err)
	}

	o.logger.Info("created vault key", slog.String("backend", b.Name))

	return key, nil
}

func vaultName(cfg Config, b models.BackendConfig) string {
	switch {
	case cfg.VaultName != "":
		return cfg.VaultName
	case b.VaultName != "":
		return b.VaultName
	default:
		return b.VaultID
	}
}

// knownKey returns a key without touching the network.
func (o *Orchestrator) knownKey(b models.BackendConfig) ([]byte, bool) {
	if key, ok := o.session.Keys().Cached(b.VaultID); ok {
		return key, true
	}

	if len(b.SyncKey) > 0 {
		return append([]byte(nil), b.SyncKey...), true
	}

	return nil, false
}

// ChangePassword re-wraps the sync key of every enabled backend under
// newPassword. Backends that fail are flagged with a pending key update
// and retried on Init and on each fallback tick. The returned error only
// reports local failures.
func (o *Orchestrator) ChangePassword(ctx context.Context, newPassword string) error {
	if newPassword == "" {
		return errors.New("new password must not be empty")
	}

	backends, err := o.store.ListBackends(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.cfg.VaultPassword = newPassword
	o.mu.Unlock()

	var errs []error

	for _, b := range backends {
		if !b.Enabled || b.VaultID == "" {
			continue
		}

		st := o.stateFor(b)

		if err := o.rewrap(ctx, st, b, newPassword); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}

	return errors.Join(errs...)
}

// rewrap re-encrypts the backend copy of the key. A failed upload marks
// the backend pending instead of failing.
func (o *Orchestrator) rewrap(ctx context.Context, st *backendState, b models.BackendConfig, password string) error {
	key, ok := o.knownKey(b)
	if !ok {
		// Never seen a key for this vault, so there is nothing to re-wrap
		// yet. The next Init fetches it with the new password.
		return nil
	}

	salt, ok := o.session.Keys().ReEncrypt(ctx, st.remote, b.VaultID, key, password)
	if !ok {
		o.setError(st, fmt.Errorf("vault key update pending for %s", b.Name))
		return o.store.SetPendingVaultKeyUpdate(ctx, b.ID, true)
	}

	if err := o.store.SetSyncKey(ctx, b.ID, key, salt); err != nil {
		return err
	}

	if err := o.store.SetPendingVaultKeyUpdate(ctx, b.ID, false); err != nil {
		return err
	}

	o.logger.Info("re-encrypted vault key", slog.String("backend", b.Name))

	return nil
}

// retryPendingKey finishes an earlier failed password change.
func (o *Orchestrator) retryPendingKey(ctx context.Context, st *backendState) {
	b, err := o.store.GetBackend(ctx, st.id)
	if err != nil || !b.PendingVaultKeyUpdate {
		return
	}

	if err := o.rewrap(ctx, st, b, o.config().VaultPassword); err != nil {
		o.logger.Warn("retrying vault key update",
			slog.String("backend", b.Name),
			slog.String("error", err.Error()),
		)
	}
}
