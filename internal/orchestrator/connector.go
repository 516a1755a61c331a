package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/vault-mirror/internal/keyvault"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/realtime"
	"github.com/alexjbarnes/vault-mirror/internal/session"
	"github.com/alexjbarnes/vault-mirror/internal/transport"
)

//go:generate mockgen -source=connector.go -destination=mock_connector_test.go -package=orchestrator

// Remote is the request/response surface of one backend.
type Remote interface {
	keyvault.KeyTransport
	Push(ctx context.Context, vaultID string, changes []models.ColumnChange) (transport.PushResult, error)
	PullAll(ctx context.Context, vaultID, since string, limit int) ([]models.ColumnChange, error)
	FetchMissingBatchItems(ctx context.Context, batchID string, seqs []int) ([]models.ColumnChange, error)
}

// Subscription is a running realtime feed.
type Subscription interface {
	Run(ctx context.Context) error
	IsSubscribed() bool
}

// Connector builds the per-backend transport and realtime feed.
type Connector interface {
	Remote(b models.BackendConfig) Remote
	Subscribe(b models.BackendConfig, events chan<- realtime.Event) Subscription
	Forget(backendID string)
}

// NetConnector connects to real backends over HTTP and websockets. The
// transport and the feed of one backend share a token source.
type NetConnector struct {
	sessions *session.Provider
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	sources map[string]*session.Source
}

// NewNetConnector creates a connector. timeout bounds each HTTP request.
func NewNetConnector(sessions *session.Provider, timeout time.Duration, logger *slog.Logger) *NetConnector {
	return &NetConnector{
		sessions: sessions,
		timeout:  timeout,
		logger:   logger,
		sources:  make(map[string]*session.Source),
	}
}

func (c *NetConnector) source(b models.BackendConfig) *session.Source {
	c.mu.Lock()
	defer c.mu.Unlock()

	if src, ok := c.sources[b.ID]; ok {
		return src
	}

	// Login never consults the token source, so a bare client serves it.
	login := transport.New(b.ServerURL, nil, c.timeout, c.logger)
	src := c.sessions.Source(b, login)
	c.sources[b.ID] = src

	return src
}

// Remote returns an authenticated transport client for b.
func (c *NetConnector) Remote(b models.BackendConfig) Remote {
	return transport.New(b.ServerURL, c.source(b), c.timeout, c.logger.With(slog.String("backend", b.Name)))
}

// Subscribe returns a realtime feed for b posting onto events.
func (c *NetConnector) Subscribe(b models.BackendConfig, events chan<- realtime.Event) Subscription {
	return realtime.NewSubscriber(realtime.Config{
		BackendID: b.ID,
		ServerURL: b.ServerURL,
		VaultID:   b.VaultID,
		Tokens:    c.source(b),
		Events:    events,
	}, c.logger)
}

// Forget drops the cached token source and the persisted session for a
// backend, e.g. after its server or credentials changed.
func (c *NetConnector) Forget(backendID string) {
	c.mu.Lock()
	delete(c.sources, backendID)
	c.mu.Unlock()

	if err := c.sessions.Forget(backendID); err != nil {
		c.logger.Warn("dropping cached session",
			slog.String("backend", backendID),
			slog.String("error", err.Error()),
		)
	}
}
