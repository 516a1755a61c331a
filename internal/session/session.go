// Package session hands out bearer tokens per backend. Tokens obtained
// by logging in are cached in the bbolt state file so restarts do not
// re-authenticate.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// Store persists sessions. *state.State satisfies it.
type Store interface {
	Session(backendID string) (*state.Session, error)
	SetSession(backendID string, sess state.Session) error
	DeleteSession(backendID string) error
}

// Loginer exchanges credentials for a token. *transport.Client
// satisfies it.
type Loginer interface {
	Login(ctx context.Context, email, password string) (string, error)
}

// Provider creates token sources that share one session store.
type Provider struct {
	store  Store
	logger *slog.Logger
}

// New creates a Provider.
func New(store Store, logger *slog.Logger) *Provider {
	return &Provider{store: store, logger: logger}
}

// Source returns the token source for backend. A configured API token is
// used verbatim and never invalidated; otherwise email and password are
// exchanged through login.
func (p *Provider) Source(backend models.BackendConfig, login Loginer) *Source {
	return &Source{
		backendID: backend.ID,
		email:     backend.Email,
		password:  backend.Password,
		static:    backend.APIToken,
		login:     login,
		store:     p.store,
		logger:    p.logger.With(slog.String("backend", backend.Name)),
	}
}

// Forget drops the cached session for a backend.
func (p *Provider) Forget(backendID string) error {
	return p.store.DeleteSession(backendID)
}

// Source is the token source for one backend.
type Source struct {
	backendID string
	email     string
	password  string
	static    string
	login     Loginer
	store     Store
	logger    *slog.Logger

	mu    sync.Mutex
	token string
}

// Token returns a cached token, logging in if none is known.
func (s *Source) Token(ctx context.Context) (string, error) {
	if s.static != "" {
		return s.static, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		return s.token, nil
	}

	sess, err := s.store.Session(s.backendID)
	if err != nil {
		s.logger.Warn("reading cached session", slog.String("error", err.Error()))
	}

	if sess != nil && sess.Token != "" && sess.Email == s.email {
		s.token = sess.Token
		return s.token, nil
	}

	if s.email == "" || s.password == "" {
		return "", fmt.Errorf("%w: backend has no credentials", syncerrors.ErrUnauthorized)
	}

	token, err := s.login.Login(ctx, s.email, s.password)
	if err != nil {
		return "", fmt.Errorf("logging in as %s: %w", s.email, err)
	}

	s.token = token

	if err := s.store.SetSession(s.backendID, state.Session{
		Token:    token,
		Email:    s.email,
		IssuedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("caching session", slog.String("error", err.Error()))
	}

	s.logger.Info("logged in", slog.String("email", s.email))

	return token, nil
}

// Invalidate forgets the current token so the next Token call logs in
// again.
func (s *Source) Invalidate() {
	if s.static != "" {
		return
	}

	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()

	if err := s.store.DeleteSession(s.backendID); err != nil {
		s.logger.Warn("deleting cached session", slog.String("error", err.Error()))
	}
}
