package registry

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/fakebackend"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/keyvault"
	"github.com/alexjbarnes/vault-mirror/internal/localstore"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/transport"
	"github.com/alexjbarnes/vault-mirror/internal/vaultcrypto"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeEngine struct {
	mu      sync.Mutex
	inits   []string
	dropped []string
}

func (e *fakeEngine) Init(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inits = append(e.inits, id)

	return nil
}

func (e *fakeEngine) Drop(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dropped = append(e.dropped, id)
}

type fakeForgetter struct{ forgotten []string }

func (f *fakeForgetter) ForgetBackend(id string) error {
	f.forgotten = append(f.forgotten, id)
	return nil
}

type fixture struct {
	reg    *Registry
	store  *localstore.Store
	fake   *fakebackend.Server
	url    string
	engine *fakeEngine
	forget *fakeForgetter
	keys   *keyvault.Vault
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	fb := fakebackend.New(quietLogger)
	fb.AddUser("me@example.com", "hunter2")

	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)

	store, err := localstore.Open(filepath.Join(t.TempDir(), "vault.db"), hlc.New("dev"), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys := keyvault.New(quietLogger)
	forget := &fakeForgetter{}
	engine := &fakeEngine{}

	reg := New(store, forget, NetDialer(5*time.Second, quietLogger), keys, quietLogger)
	reg.Attach(engine)

	return fixture{reg: reg, store: store, fake: fb, url: srv.URL, engine: engine, forget: forget, keys: keys}
}

func (f fixture) temp() models.TemporaryBackend {
	return models.TemporaryBackend{
		Name:      "home",
		ServerURL: f.url,
		Email:     "me@example.com",
		Password:  "hunter2",
		VaultID:   "notes",
	}
}

func TestAdd_PersistsAfterConnectionTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.reg.Add(ctx, f.temp())
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.True(t, b.Enabled)

	got, err := f.reg.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "home", got.Name)
	assert.Equal(t, "notes", got.VaultID)

	assert.Equal(t, []string{b.ID}, f.engine.inits)
	assert.Equal(t, 1, f.fake.Counters().Logins)
}

func TestAdd_BadCredentialsPersistNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tmp := f.temp()
	tmp.Password = "wrong"

	_, err := f.reg.Add(ctx, tmp)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrUnauthorized)

	list, err := f.reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.engine.inits)
}

func TestAdd_UnreachablePersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tmp := f.temp()
	tmp.ServerURL = "http://127.0.0.1:1"

	_, err := f.reg.Add(ctx, tmp)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrNetworkUnreachable)

	list, _ := f.reg.List(ctx)
	assert.Empty(t, list)
}

func TestAdd_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*models.TemporaryBackend)
	}{
		{"no name", func(b *models.TemporaryBackend) { b.Name = " " }},
		{"bad url", func(b *models.TemporaryBackend) { b.ServerURL = "ftp://x" }},
		{"no vault", func(b *models.TemporaryBackend) { b.VaultID = "" }},
		{"no credentials", func(b *models.TemporaryBackend) { b.Password = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := f.temp()
			tt.mutate(&tmp)

			_, err := f.reg.Add(context.Background(), tmp)
			assert.Error(t, err)
		})
	}

	assert.Equal(t, 0, f.fake.Counters().Logins, "validation runs before any request")
}

func TestSetEnabled_NotifiesEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.reg.Add(ctx, f.temp())
	require.NoError(t, err)

	require.NoError(t, f.reg.SetEnabled(ctx, b.ID, false))

	got, _ := f.reg.Get(ctx, b.ID)
	assert.False(t, got.Enabled)
	assert.Equal(t, []string{b.ID}, f.engine.dropped)

	require.NoError(t, f.reg.SetEnabled(ctx, b.ID, true))
	assert.Len(t, f.engine.inits, 2)
}

func TestSetEnabled_Missing(t *testing.T) {
	f := newFixture(t)
	err := f.reg.SetEnabled(context.Background(), "nope", true)
	assert.ErrorIs(t, err, syncerrors.ErrBackendNotFound)
}

func TestRemove_DeletesLocallyAndRemotely(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.reg.Add(ctx, f.temp())
	require.NoError(t, err)

	client := f.reg.dial(b).(*transport.Client)
	key, _ := vaultcrypto.GenerateKey()
	_, err = f.keys.UploadKey(ctx, client, b.VaultID, key, "Notes", "pw", "pw")
	require.NoError(t, err)

	require.NoError(t, f.reg.Remove(ctx, b.ID, true))

	_, err = f.reg.Get(ctx, b.ID)
	assert.ErrorIs(t, err, syncerrors.ErrBackendNotFound)
	assert.Equal(t, []string{b.ID}, f.forget.forgotten)
	assert.Equal(t, []string{b.ID}, f.engine.dropped)

	_, ok := f.fake.VaultKey(b.VaultID)
	assert.False(t, ok)
}

func TestRemove_RemoteVaultAlreadyGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.reg.Add(ctx, f.temp())
	require.NoError(t, err)

	require.NoError(t, f.reg.Remove(ctx, b.ID, true))
}

func TestRename_UpdatesBackendAndStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.reg.Add(ctx, f.temp())
	require.NoError(t, err)

	client := f.reg.dial(b).(*transport.Client)
	key, _ := vaultcrypto.GenerateKey()
	_, err = f.keys.UploadKey(ctx, client, b.VaultID, key, "Old", "vault-pw", "server-pw")
	require.NoError(t, err)

	require.NoError(t, f.reg.Rename(ctx, b.ID, "New", "server-pw"))

	name, err := f.reg.RemoteName(ctx, b.ID, "server-pw")
	require.NoError(t, err)
	assert.Equal(t, "New", name)

	_, err = f.reg.RemoteName(ctx, b.ID, "wrong")
	assert.ErrorIs(t, err, syncerrors.ErrWrongPassword)

	got, _ := f.reg.Get(ctx, b.ID)
	assert.Equal(t, "New", got.VaultName)
}

func TestImportFile_UpsertsAndKeepsCursors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  - id: home
    name: Home
    server_url: https://sync.example.com
    token: abc
    vault_id: notes
    priority: 10
  - name: Work
    server_url: https://work.example.com
    email: me@work.example.com
    password: secret
    vault_id: work-notes
    enabled: false
`), 0o600))

	n, err := f.reg.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := f.reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "home", list[0].ID, "higher priority first")
	assert.True(t, list[0].Enabled)
	assert.Equal(t, "abc", list[0].APIToken)
	assert.False(t, list[1].Enabled)

	_, err = f.store.AdvancePushCursor(ctx, "home", hlc.Format(42, "dev"))
	require.NoError(t, err)

	_, err = f.reg.ImportFile(ctx, path)
	require.NoError(t, err)

	got, _ := f.reg.Get(ctx, "home")
	assert.Equal(t, hlc.Format(42, "dev"), got.LastPushHLC)
	assert.Empty(t, f.engine.inits, "imports do not start sync")
}

func TestImportFile_Invalid(t *testing.T) {
	f := newFixture(t)

	path := filepath.Join(t.TempDir(), "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backends:\n  - name: Broken\n"), 0o600))

	_, err := f.reg.ImportFile(context.Background(), path)
	assert.Error(t, err)

	_, err = f.reg.ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
