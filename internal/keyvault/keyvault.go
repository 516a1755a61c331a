// Package keyvault wraps and unwraps per-vault sync keys against a
// backend and keeps the unwrapped keys in a volatile in-memory cache.
package keyvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/vaultcrypto"
)

//go:generate mockgen -source=keyvault.go -destination=mock_transport_test.go -package=keyvault

// KeyTransport is the subset of a backend client the vault needs.
type KeyTransport interface {
	UploadVaultKey(ctx context.Context, key models.VaultKey) error
	FetchVaultKey(ctx context.Context, vaultID string) (models.VaultKey, error)
	UpdateVaultKey(ctx context.Context, key models.VaultKey) error
}

// Vault manages sync keys. The cache is keyed by remote vault id and
// is the only place an unwrapped key lives outside the local store.
type Vault struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

// New creates an empty key vault.
func New(logger *slog.Logger) *Vault {
	return &Vault{
		logger: logger,
		cache:  make(map[string][]byte),
	}
}

// Cached returns a copy of the cached key for vaultID.
func (v *Vault) Cached(vaultID string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key, ok := v.cache[vaultID]
	if !ok {
		return nil, false
	}

	return append([]byte(nil), key...), true
}

// Remember stores a copy of key in the cache.
func (v *Vault) Remember(vaultID string, key []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if old, ok := v.cache[vaultID]; ok {
		vaultcrypto.ZeroKey(old)
	}

	v.cache[vaultID] = append([]byte(nil), key...)
}

// Clear zeroes and drops every cached key.
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, key := range v.cache {
		vaultcrypto.ZeroKey(key)
		delete(v.cache, id)
	}
}

// UploadKey wraps key under vaultPassword and the vault name under
// serverPassword, uploads both and returns the key salt for the caller
// to persist.
func (v *Vault) UploadKey(ctx context.Context, t KeyTransport, vaultID string, key []byte, vaultName, vaultPassword, serverPassword string) (string, error) {
	wrappedKey, err := vaultcrypto.WrapWithPassword(key, vaultPassword)
	if err != nil {
		return "", fmt.Errorf("wrapping sync key: %w", err)
	}

	payload := models.VaultKey{
		VaultID:      vaultID,
		EncryptedKey: wrappedKey.Ciphertext,
		KeyNonce:     wrappedKey.Nonce,
		KeySalt:      wrappedKey.Salt,
	}

	if vaultName != "" {
		wrappedName, err := vaultcrypto.WrapWithPassword([]byte(vaultName), serverPassword)
		if err != nil {
			return "", fmt.Errorf("wrapping vault name: %w", err)
		}

		payload.EncryptedVaultName = wrappedName.Ciphertext
		payload.VaultNameNonce = wrappedName.Nonce
		payload.VaultNameSalt = wrappedName.Salt
	}

	if err := t.UploadVaultKey(ctx, payload); err != nil {
		return "", fmt.Errorf("uploading vault key: %w", err)
	}

	v.Remember(vaultID, key)
	v.logger.Info("uploaded vault key", slog.String("vault_id", vaultID))

	return wrappedKey.Salt, nil
}

// FetchKey downloads the wrapped key and unwraps it with password.
// A missing key yields ErrKeyNotFound, a tag mismatch ErrWrongPassword.
// Transport errors pass through with their kind intact.
func (v *Vault) FetchKey(ctx context.Context, t KeyTransport, vaultID, password string) ([]byte, error) {
	remote, err := t.FetchVaultKey(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("fetching vault key: %w", err)
	}

	key, err := vaultcrypto.UnwrapWithPassword(wrappedKey(remote), password)
	if errors.Is(err, vaultcrypto.ErrAuthentication) {
		return nil, syncerrors.ErrWrongPassword
	}

	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping vault key: %w", syncerrors.ErrProtocol, err)
	}

	if len(key) != vaultcrypto.KeySize {
		return nil, fmt.Errorf("%w: vault key has length %d", syncerrors.ErrProtocol, len(key))
	}

	v.Remember(vaultID, key)

	return key, nil
}

// ReEncrypt wraps an already known key under newPassword and replaces
// the backend copy. It never returns an error: ok=false tells the
// caller to flag the backend for a later retry.
func (v *Vault) ReEncrypt(ctx context.Context, t KeyTransport, vaultID string, key []byte, newPassword string) (string, bool) {
	wrapped, err := vaultcrypto.WrapWithPassword(key, newPassword)
	if err != nil {
		v.logger.Warn("re-wrapping vault key",
			slog.String("vault_id", vaultID),
			slog.String("error", err.Error()),
		)

		return "", false
	}

	err = t.UpdateVaultKey(ctx, models.VaultKey{
		VaultID:      vaultID,
		EncryptedKey: wrapped.Ciphertext,
		KeyNonce:     wrapped.Nonce,
		KeySalt:      wrapped.Salt,
	})
	if err != nil {
		v.logger.Warn("updating vault key",
			slog.String("vault_id", vaultID),
			slog.String("error", err.Error()),
		)

		return "", false
	}

	return wrapped.Salt, true
}

// KeyFetcher reads a vault's key record.
type KeyFetcher interface {
	FetchVaultKey(ctx context.Context, vaultID string) (models.VaultKey, error)
}

// DecryptVaultName unwraps the human-readable vault name stored next to
// the key. An empty name is returned when the backend has none.
func (v *Vault) DecryptVaultName(ctx context.Context, t KeyFetcher, vaultID, serverPassword string) (string, error) {
	remote, err := t.FetchVaultKey(ctx, vaultID)
	if err != nil {
		return "", fmt.Errorf("fetching vault key: %w", err)
	}

	if remote.EncryptedVaultName == "" {
		return "", nil
	}

	name, err := vaultcrypto.UnwrapWithPassword(vaultcrypto.Wrapped{
		Ciphertext: remote.EncryptedVaultName,
		Nonce:      remote.VaultNameNonce,
		Salt:       remote.VaultNameSalt,
	}, serverPassword)
	if errors.Is(err, vaultcrypto.ErrAuthentication) {
		return "", syncerrors.ErrWrongPassword
	}

	if err != nil {
		return "", fmt.Errorf("unwrapping vault name: %w", err)
	}

	return string(name), nil
}

func wrappedKey(k models.VaultKey) vaultcrypto.Wrapped {
	return vaultcrypto.Wrapped{
		Ciphertext: k.EncryptedKey,
		Nonce:      k.KeyNonce,
		Salt:       k.KeySalt,
	}
}

// Renamer replaces the encrypted vault name on a backend.
type Renamer interface {
	RenameVault(ctx context.Context, vaultID string, name models.VaultRename) error
}

// RenameVault wraps name under serverPassword and replaces the
// backend's copy. The sync key is untouched.
func (v *Vault) RenameVault(ctx context.Context, r Renamer, vaultID, name, serverPassword string) error {
	wrapped, err := vaultcrypto.WrapWithPassword([]byte(name), serverPassword)
	if err != nil {
		return fmt.Errorf("wrapping vault name: %w", err)
	}

	err = r.RenameVault(ctx, vaultID, models.VaultRename{
		EncryptedVaultName: wrapped.Ciphertext,
		VaultNameNonce:     wrapped.Nonce,
		VaultNameSalt:      wrapped.Salt,
	})
	if err != nil {
		return fmt.Errorf("renaming vault: %w", err)
	}

	v.logger.Info("renamed vault", slog.String("vault_id", vaultID))

	return nil
}
