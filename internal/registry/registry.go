// Package registry manages the set of configured backends: linking,
// unlinking, enabling and renaming. A backend is only persisted once a
// connection to it has been tested.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/keyvault"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/transport"
)

// Store persists backend records. *localstore.Store satisfies it.
type Store interface {
	ListBackends(ctx context.Context) ([]models.BackendConfig, error)
	GetBackend(ctx context.Context, id string) (models.BackendConfig, error)
	SaveBackend(ctx context.Context, b models.BackendConfig) error
	DeleteBackend(ctx context.Context, id string) error
	SetBackendEnabled(ctx context.Context, id string, enabled bool) error
}

// Forgetter drops per-backend state kept outside the store.
// *state.State satisfies it.
type Forgetter interface {
	ForgetBackend(backendID string) error
}

// Engine is notified when a backend starts or stops taking part in
// sync. *orchestrator.Orchestrator satisfies it.
type Engine interface {
	Init(ctx context.Context, backendID string) error
	Drop(backendID string)
}

// Remote is the part of a backend the registry talks to.
type Remote interface {
	keyvault.Renamer
	HealthCheck(ctx context.Context) error
	FetchVaultKey(ctx context.Context, vaultID string) (models.VaultKey, error)
	DeleteVault(ctx context.Context, vaultID string) error
}

// Dialer opens a Remote for a backend that may not be persisted yet.
type Dialer func(b models.BackendConfig) Remote

// Registry is the backend CRUD surface.
type Registry struct {
	store  Store
	forget Forgetter
	dial   Dialer
	keys   *keyvault.Vault
	logger *slog.Logger

	mu     sync.Mutex
	engine Engine
}

// New creates a registry. forget may be nil.
func New(store Store, forget Forgetter, dial Dialer, keys *keyvault.Vault, logger *slog.Logger) *Registry {
	return &Registry{store: store, forget: forget, dial: dial, keys: keys, logger: logger}
}

// Attach sets the engine notified on enable, disable and removal.
func (r *Registry) Attach(e Engine) {
	r.mu.Lock()
	r.engine = e
	r.mu.Unlock()
}

func (r *Registry) attached() Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.engine
}

// List returns every backend, highest priority first.
func (r *Registry) List(ctx context.Context) ([]models.BackendConfig, error) {
	return r.store.ListBackends(ctx)
}

// Get returns one backend.
func (r *Registry) Get(ctx context.Context, id string) (models.BackendConfig, error) {
	return r.store.GetBackend(ctx, id)
}

// Add tests the connection described by t and persists it as a new,
// enabled backend. Nothing is written locally if the backend is
// unreachable or rejects the credentials.
func (r *Registry) Add(ctx context.Context, t models.TemporaryBackend) (models.BackendConfig, error) {
	if err := validate(t); err != nil {
		return models.BackendConfig{}, err
	}

	b := t.Config(uuid.NewString())

	if err := r.check(ctx, b); err != nil {
		return models.BackendConfig{}, err
	}

	if err := r.store.SaveBackend(ctx, b); err != nil {
		return models.BackendConfig{}, err
	}

	r.logger.Info("linked backend",
		slog.String("backend", b.Name),
		slog.String("id", b.ID),
		slog.String("vault_id", b.VaultID),
	)

	if e := r.attached(); e != nil {
		if err := e.Init(ctx, b.ID); err != nil {
			r.logger.Warn("initialising new backend", slog.String("backend", b.Name), slog.String("error", err.Error()))
		}
	}

	return b, nil
}

// check tests reachability, then authentication. A vault with no key
// yet is fine: the first sync creates it.
func (r *Registry) check(ctx context.Context, b models.BackendConfig) error {
	remote := r.dial(b)

	if err := remote.HealthCheck(ctx); err != nil {
		return fmt.Errorf("checking %s: %w", b.ServerURL, err)
	}

	if _, err := remote.FetchVaultKey(ctx, b.VaultID); err != nil && !errors.Is(err, syncerrors.ErrKeyNotFound) {
		return fmt.Errorf("authenticating with %s: %w", b.ServerURL, err)
	}

	return nil
}

func validate(t models.TemporaryBackend) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("backend name is required")
	}

	u, err := url.Parse(t.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server url %q", t.ServerURL)
	}

	if t.VaultID == "" {
		return syncerrors.ErrNoVaultConfig
	}

	if t.APIToken == "" && (t.Email == "" || t.Password == "") {
		return errors.New("either an api token or email and password are required")
	}

	return nil
}

// SetEnabled toggles a backend and starts or stops its sync.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	b, err := r.store.GetBackend(ctx, id)
	if err != nil {
		return err
	}

	if err := r.store.SetBackendEnabled(ctx, id, enabled); err != nil {
		return err
	}

	r.logger.Info("backend toggled", slog.String("backend", b.Name), slog.Bool("enabled", enabled))

	e := r.attached()
	if e == nil {
		return nil
	}

	if !enabled {
		e.Drop(id)
		return nil
	}

	if err := e.Init(ctx, id); err != nil {
		r.logger.Warn("initialising backend", slog.String("backend", b.Name), slog.String("error", err.Error()))
	}

	return nil
}

// Remove unlinks a backend. With deleteRemote the vault is also deleted
// on the server; a vault the server no longer has is not an error.
func (r *Registry) Remove(ctx context.Context, id string, deleteRemote bool) error {
	b, err := r.store.GetBackend(ctx, id)
	if err != nil {
		return err
	}

	if deleteRemote {
		err := r.dial(b).DeleteVault(ctx, b.VaultID)
		if err != nil && !errors.Is(err, syncerrors.ErrNotFound) {
			return fmt.Errorf("deleting remote vault: %w", err)
		}
	}

	if e := r.attached(); e != nil {
		e.Drop(id)
	}

	if err := r.store.DeleteBackend(ctx, id); err != nil {
		return err
	}

	if r.forget != nil {
		if err := r.forget.ForgetBackend(id); err != nil {
			r.logger.Warn("forgetting backend state", slog.String("backend", b.Name), slog.String("error", err.Error()))
		}
	}

	r.logger.Info("unlinked backend", slog.String("backend", b.Name), slog.Bool("remote_deleted", deleteRemote))

	return nil
}

// Rename replaces the vault's display name on the backend and locally.
func (r *Registry) Rename(ctx context.Context, id, name, serverPassword string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("vault name is required")
	}

	b, err := r.store.GetBackend(ctx, id)
	if err != nil {
		return err
	}

	if err := r.keys.RenameVault(ctx, r.dial(b), b.VaultID, name, serverPassword); err != nil {
		return err
	}

	b.VaultName = name

	return r.store.SaveBackend(ctx, b)
}

// RemoteName returns the vault name as stored on the backend,
// decrypted with serverPassword.
func (r *Registry) RemoteName(ctx context.Context, id, serverPassword string) (string, error) {
	b, err := r.store.GetBackend(ctx, id)
	if err != nil {
		return "", err
	}

	return r.keys.DecryptVaultName(ctx, r.dial(b), b.VaultID, serverPassword)
}

type seedFile struct {
	Backends []seedBackend `yaml:"backends"`
}

type seedBackend struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	ServerURL string `yaml:"server_url"`
	Email     string `yaml:"email"`
	Password  string `yaml:"password"`
	Token     string `yaml:"token"`
	VaultID   string `yaml:"vault_id"`
	VaultName string `yaml:"vault_name"`
	Priority  int    `yaml:"priority"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

func (s seedBackend) config() models.BackendConfig {
	return models.BackendConfig{
		ID:        s.ID,
		Name:      s.Name,
		ServerURL: s.ServerURL,
		Email:     s.Email,
		Password:  s.Password,
		APIToken:  s.Token,
		VaultID:   s.VaultID,
		VaultName: s.VaultName,
		Priority:  s.Priority,
		Enabled:   s.Enabled == nil || *s.Enabled,
	}
}

// ImportFile upserts backends from a YAML file of the form
//
//	backends:
//	  - id: home
//	    name: Home server
//	    server_url: https://sync.example.com
//	    token: ...
//	    vault_id: notes
//
// Records are saved without a connection test and keep their sync
// cursors when they already exist. Returns the number imported.
func (r *Registry) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading backends file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parsing backends file: %w", err)
	}

	for i, s := range f.Backends {
		b := s.config()

		if err := validate(models.TemporaryBackend{
			Name: b.Name, ServerURL: b.ServerURL, Email: b.Email, Password: b.Password,
			APIToken: b.APIToken, VaultID: b.VaultID,
		}); err != nil {
			return i, fmt.Errorf("backend %d (%s): %w", i, b.Name, err)
		}

		if b.ID == "" {
			b.ID = uuid.NewString()
		}

		if existing, err := r.store.GetBackend(ctx, b.ID); err == nil {
			b.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, syncerrors.ErrBackendNotFound) {
			return i, err
		}

		if err := r.store.SaveBackend(ctx, b); err != nil {
			return i, err
		}
	}

	r.logger.Info("imported backends", slog.String("file", path), slog.Int("count", len(f.Backends)))

	return len(f.Backends), nil
}

// NetDialer dials backends over HTTP. Password logins are performed
// eagerly and the token is held in memory only, so nothing is persisted
// for a backend that has not been saved yet.
func NetDialer(timeout time.Duration, logger *slog.Logger) Dialer {
	return func(b models.BackendConfig) Remote {
		tokens := &loginOnce{
			login:    transport.New(b.ServerURL, nil, timeout, logger),
			email:    b.Email,
			password: b.Password,
			token:    b.APIToken,
		}

		return transport.New(b.ServerURL, tokens, timeout, logger.With(slog.String("backend", b.Name)))
	}
}

type loginOnce struct {
	login    *transport.Client
	email    string
	password string

	mu    sync.Mutex
	token string
}

func (l *loginOnce) Token(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return l.token, nil
	}

	token, err := l.login.Login(ctx, l.email, l.password)
	if err != nil {
		return "", err
	}

	l.token = token

	return token, nil
}

func (l *loginOnce) Invalidate() {}
