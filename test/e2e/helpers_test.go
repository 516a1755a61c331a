package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/vault-mirror/internal/fakebackend"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/localstore"
	"github.com/alexjbarnes/vault-mirror/internal/mcpserver"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/orchestrator"
	"github.com/alexjbarnes/vault-mirror/internal/registry"
	"github.com/alexjbarnes/vault-mirror/internal/server"
	"github.com/alexjbarnes/vault-mirror/internal/session"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

const (
	testEmail     = "e2e@example.com"
	testPassword  = "e2e-account-password"
	vaultPassword = "e2e vault password"
	testAPIKey    = "e2e-mcp-api-key-0123456789"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// backend is one fake sync server.
type backend struct {
	fake *fakebackend.Server
	url  string
}

func newBackend(t *testing.T) backend {
	t.Helper()

	fb := fakebackend.New(quietLogger)
	fb.AddUser(testEmail, testPassword)

	ts := httptest.NewServer(fb)
	t.Cleanup(ts.Close)

	return backend{fake: fb, url: ts.URL}
}

// device is one fully wired sync engine with its own database, state
// file and MCP endpoint.
type device struct {
	store    *localstore.Store
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	mcpURL   string
	client   *http.Client
}

// newDevice wires a device the way the daemon does and starts its run
// loop. Backends are linked afterwards with link.
func newDevice(t *testing.T, deviceID string) *device {
	t.Helper()

	dir := t.TempDir()

	st, err := state.LoadAt(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := localstore.Open(filepath.Join(dir, "vault.db"), hlc.New(deviceID), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateSyncedTable(context.Background(), "notes", []localstore.ColumnDef{
		{Name: "id", Type: "TEXT", PK: true},
		{Name: "title", Type: "TEXT"},
		{Name: "body", Type: "TEXT"},
	}))

	conn := orchestrator.NewNetConnector(session.New(st, quietLogger), 5*time.Second, quietLogger)
	orch := orchestrator.New(orchestrator.Config{
		VaultPassword:   vaultPassword,
		Debounce:        20 * time.Millisecond,
		MaxDebounceWait: 200 * time.Millisecond,
	}, store, conn, st, quietLogger)
	t.Cleanup(func() { orch.Close() })

	reg := registry.New(store, st, registry.NetDialer(5*time.Second, quietLogger), orch.Session().Keys(), quietLogger)
	reg.Attach(orch)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "vault-mirror-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, orch, reg)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		APIKey:     testAPIKey,
		MCPHandler: mcpHandler,
		Logger:     quietLogger,
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &device{store: store, orch: orch, registry: reg, mcpURL: ts.URL, client: ts.Client()}
}

// link adds b as a backend through the registry, the same path as
// `vault-mirror backend add`, and waits until its feed is connected.
func (d *device) link(t *testing.T, b backend, vaultID string) models.BackendConfig {
	t.Helper()

	cfg, err := d.registry.Add(context.Background(), models.TemporaryBackend{
		Name:      "e2e",
		ServerURL: b.url,
		Email:     testEmail,
		Password:  testPassword,
		VaultID:   vaultID,
		VaultName: "E2E Notes",
	})
	require.NoError(t, err)

	d.waitIdle(t)

	return cfg
}

// waitIdle blocks until every enabled backend is connected and not
// syncing.
func (d *device) waitIdle(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		statuses, err := d.orch.Status(context.Background())
		if err != nil {
			return false
		}

		for _, s := range statuses {
			if s.Enabled && (!s.Connected || s.Syncing) {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func (d *device) write(t *testing.T, id, title string) {
	t.Helper()

	_, err := d.store.Write(context.Background(), "notes", map[string]any{"id": id},
		map[string]models.Value{"title": models.TextValue(title)})
	require.NoError(t, err)
}

func (d *device) title(id string) string {
	row, err := d.store.Get(context.Background(), "notes", map[string]any{"id": id})
	if err != nil || row == nil {
		return ""
	}

	return row["title"].Text
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (d *device) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: d.mcpURL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  d.client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
