package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/localstore"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/vaultcrypto"
)

// mockedOrchestrator wires an orchestrator to a real store and a mocked
// remote for backend b1 (vault v1).
func mockedOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *localstore.Store, *MockRemote) {
	t.Helper()

	ctrl := gomock.NewController(t)

	store, err := localstore.Open(filepath.Join(t.TempDir(), "vault.db"), hlc.New("dev-a"), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notesTable(t, store)
	require.NoError(t, store.SaveBackend(context.Background(), models.BackendConfig{
		ID: "b1", Name: "primary", ServerURL: "http://example.invalid", VaultID: "v1", Enabled: true,
	}))

	remote := NewMockRemote(ctrl)
	conn := NewMockConnector(ctrl)
	conn.EXPECT().Remote(gomock.Any()).Return(remote).AnyTimes()

	if cfg.VaultPassword == "" {
		cfg.VaultPassword = "pw"
	}

	cfg.DisableRealtime = true

	o := New(cfg, store, conn, nil, quietLogger)
	t.Cleanup(func() { o.Close() })

	return o, store, remote
}

func wrappedFor(t *testing.T, key []byte, password string) models.VaultKey {
	t.Helper()

	w, err := vaultcrypto.WrapWithPassword(key, password)
	require.NoError(t, err)

	return models.VaultKey{VaultID: "v1", EncryptedKey: w.Ciphertext, KeyNonce: w.Nonce, KeySalt: w.Salt}
}

func TestLoadKey_ReuploadsLocalKeyWhenBackendLostIt(t *testing.T) {
	o, store, remote := mockedOrchestrator(t, Config{})
	ctx := context.Background()

	local, err := vaultcrypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, store.SetSyncKey(ctx, "b1", local, "old-salt"))

	remote.EXPECT().FetchVaultKey(gomock.Any(), "v1").
		Return(models.VaultKey{}, fmt.Errorf("fetching: %w", syncerrors.ErrKeyNotFound))
	remote.EXPECT().UploadVaultKey(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, k models.VaultKey) error {
			got, err := vaultcrypto.UnwrapWithPassword(vaultcrypto.Wrapped{
				Ciphertext: k.EncryptedKey, Nonce: k.KeyNonce, Salt: k.KeySalt,
			}, "pw")
			require.NoError(t, err)
			assert.Equal(t, local, got, "the same key goes back up")
			return nil
		})

	b, err := store.GetBackend(ctx, "b1")
	require.NoError(t, err)

	key, err := o.loadKey(ctx, o.stateFor(b), b)
	require.NoError(t, err)
	assert.Equal(t, local, key)

	b, err = store.GetBackend(ctx, "b1")
	require.NoError(t, err)
	assert.NotEqual(t, "old-salt", b.VaultKeySalt)

	cached, ok := o.Session().Keys().Cached("v1")
	assert.True(t, ok)
	assert.Equal(t, local, cached)
}

func TestLoadKey_AdoptsBackendKeyWhenDifferent(t *testing.T) {
	o, store, remote := mockedOrchestrator(t, Config{})
	ctx := context.Background()

	local, _ := vaultcrypto.GenerateKey()
	other, _ := vaultcrypto.GenerateKey()
	require.NoError(t, store.SetSyncKey(ctx, "b1", local, ""))

	remote.EXPECT().FetchVaultKey(gomock.Any(), "v1").Return(wrappedFor(t, other, "pw"), nil)

	b, _ := store.GetBackend(ctx, "b1")
	key, err := o.loadKey(ctx, o.stateFor(b), b)
	require.NoError(t, err)
	assert.Equal(t, other, key)

	b, _ = store.GetBackend(ctx, "b1")
	assert.Equal(t, other, b.SyncKey)
}

func TestLoadKey_NetworkErrorFallsBackToLocalKey(t *testing.T) {
	o, store, remote := mockedOrchestrator(t, Config{})
	ctx := context.Background()

	local, _ := vaultcrypto.GenerateKey()
	require.NoError(t, store.SetSyncKey(ctx, "b1", local, ""))

	remote.EXPECT().FetchVaultKey(gomock.Any(), "v1").
		Return(models.VaultKey{}, syncerrors.ErrNetworkUnreachable).Times(1)

	b, _ := store.GetBackend(ctx, "b1")
	st := o.stateFor(b)

	key, err := o.loadKey(ctx, st, b)
	require.NoError(t, err)
	assert.Equal(t, local, key)

	// Cached now, so no second fetch.
	_, err = o.loadKey(ctx, st, b)
	require.NoError(t, err)
}

func TestLoadKey_NoLocalKeyCreatesOne(t *testing.T) {
	o, store, remote := mockedOrchestrator(t, Config{})
	ctx := context.Background()

	remote.EXPECT().FetchVaultKey(gomock.Any(), "v1").Return(models.VaultKey{}, syncerrors.ErrKeyNotFound)
	remote.EXPECT().UploadVaultKey(gomock.Any(), gomock.Any()).Return(nil)

	b, _ := store.GetBackend(ctx, "b1")
	key, err := o.loadKey(ctx, o.stateFor(b), b)
	require.NoError(t, err)
	assert.Len(t, key, vaultcrypto.KeySize)

	b, _ = store.GetBackend(ctx, "b1")
	assert.Equal(t, key, b.SyncKey)
	assert.NotEmpty(t, b.VaultKeySalt)
}

func TestChangePassword_FailureMarksPendingAndRetrySucceeds(t *testing.T) {
	o, store, remote := mockedOrchestrator(t, Config{})
	ctx := context.Background()

	local, _ := vaultcrypto.GenerateKey()
	require.NoError(t, store.SetSyncKey(ctx, "b1", local, ""))

	gomock.InOrder(
		remote.EXPECT().UpdateVaultKey(gomock.Any(), gomock.Any()).Return(syncerrors.ErrNetworkUnreachable),
		remote.EXPECT().UpdateVaultKey(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, k models.VaultKey) error {
				got, err := vaultcrypto.UnwrapWithPassword(vaultcrypto.Wrapped{
					Ciphertext: k.EncryptedKey, Nonce: k.KeyNonce, Salt: k.KeySalt,
				}, "new")
				require.NoError(t, err)
				assert.Equal(t, local, got)
				return nil
			}),
	)

	require.NoError(t, o.ChangePassword(ctx, "new"))

	b, _ := store.GetBackend(ctx, "b1")
	assert.True(t, b.PendingVaultKeyUpdate)

	o.retryPendingKey(ctx, o.stateFor(b))

	b, _ = store.GetBackend(ctx, "b1")
	assert.False(t, b.PendingVaultKeyUpdate)
}

func TestChangePassword_RejectsEmpty(t *testing.T) {
	o, _, _ := mockedOrchestrator(t, Config{})
	assert.Error(t, o.ChangePassword(context.Background(), ""))
}

func TestStateFor_RebuildsRemoteWhenServerChanges(t *testing.T) {
	ctrl := gomock.NewController(t)

	store, err := localstore.Open(filepath.Join(t.TempDir(), "vault.db"), hlc.New("dev-a"), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	first := NewMockRemote(ctrl)
	second := NewMockRemote(ctrl)
	conn := NewMockConnector(ctrl)

	b := models.BackendConfig{ID: "b1", Name: "primary", ServerURL: "http://one.invalid", VaultID: "v1", Enabled: true}

	gomock.InOrder(
		conn.EXPECT().Remote(b).Return(first),
		conn.EXPECT().Forget("b1"),
		conn.EXPECT().Remote(gomock.Any()).Return(second),
	)

	o := New(Config{VaultPassword: "pw", DisableRealtime: true}, store, conn, nil, quietLogger)
	t.Cleanup(func() { o.Close() })

	assert.Same(t, first, o.stateFor(b).remote)

	b.Name = "renamed"
	assert.Same(t, first, o.stateFor(b).remote, "a rename keeps the client")

	b.ServerURL = "http://two.invalid"
	st := o.stateFor(b)
	assert.Same(t, second, st.remote)
	assert.False(t, st.connected)

	assert.Same(t, second, o.stateFor(b).remote, "rebuilt once")
}
