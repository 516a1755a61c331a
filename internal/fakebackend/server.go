// Package fakebackend is an in-memory implementation of the sync wire
// protocol. It backs the transport, orchestrator and end-to-end tests
// and exposes knobs for simulating lossy realtime delivery and failing
// endpoints.
package fakebackend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/models"
)

const (
	defaultPageSize = 500
	writeTimeout    = 5 * time.Second
)

// Counters records how often each endpoint was hit.
type Counters struct {
	Logins       int
	Pushes       int
	Pulls        int
	BatchFetches int
	KeyFetches   int
	KeyUpdates   int
}

type vaultData struct {
	key     *models.VaultKey
	changes []models.ColumnChange
	batches map[string][]models.ColumnChange
}

type subscriber struct {
	vaultID string
	conn    *websocket.Conn
}

// Server is a fake sync backend. The zero value is not usable; call New.
type Server struct {
	logger *slog.Logger
	router chi.Router

	mu     sync.Mutex
	users  map[string]string
	tokens map[string]string
	vaults map[string]*vaultData
	subs   map[*subscriber]struct{}
	count  Counters

	// DropRealtime, when set, suppresses the realtime copy of matching
	// changes. The change is still stored and served by pull and batch
	// fetch.
	DropRealtime func(models.ColumnChange) bool

	// FailBatchFetch makes GET /sync/batch/{id} return 500.
	FailBatchFetch bool

	// FailPush makes POST /sync/push return 503.
	FailPush bool

	// PageSize caps pull pages when the client asks for more or nothing.
	PageSize int
}

// New creates an empty backend.
func New(logger *slog.Logger) *Server {
	s := &Server{
		logger: logger,
		users:  make(map[string]string),
		tokens: make(map[string]string),
		vaults: make(map[string]*vaultData),
		subs:   make(map[*subscriber]struct{}),
	}

	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Post("/sync/vault-key", s.handleUploadKey)
		r.Get("/sync/vault-key/{vaultID}", s.handleFetchKey)
		r.Patch("/sync/vault-key/{vaultID}", s.handleUpdateKey)
		r.Delete("/sync/vault/{vaultID}", s.handleDeleteVault)
		r.Patch("/sync/vault/{vaultID}", s.handleRenameVault)
		r.Post("/sync/push", s.handlePush)
		r.Get("/sync/pull", s.handlePull)
		r.Get("/sync/batch/{batchID}", s.handleBatch)
		r.Get("/sync/realtime", s.handleRealtime)
	})

	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AddUser registers credentials accepted by POST /auth/login.
func (s *Server) AddUser(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[email] = password
}

// Configure changes knobs while the server is serving.
func (s *Server) Configure(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s)
}

// IssueToken mints a bearer token for email without a login round trip.
func (s *Server) IssueToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.NewString()
	s.tokens[token] = email

	return token
}

// RevokeTokens invalidates every issued token, simulating session expiry.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = make(map[string]string)
}

// Counters returns a snapshot of the endpoint counters.
func (s *Server) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

// Changes returns every change stored for vaultID in HLC order.
func (s *Server) Changes(vaultID string) []models.ColumnChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[vaultID]
	if !ok {
		return nil
	}

	return append([]models.ColumnChange(nil), v.changes...)
}

// VaultKey returns the stored wrapped key, if any.
func (s *Server) VaultKey(vaultID string) (models.VaultKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[vaultID]
	if !ok || v.key == nil {
		return models.VaultKey{}, false
	}

	return *v.key, true
}

// Inject stores changes as if another device had pushed them and fans
// them out to realtime subscribers.
func (s *Server) Inject(vaultID string, changes []models.ColumnChange) {
	s.store(vaultID, changes)
	s.broadcast(vaultID, changes)
}

// Subscribers returns the number of open realtime connections.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subs)
}

// CloseRealtime drops every realtime connection.
func (s *Server) CloseRealtime() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.conn.Close(websocket.StatusGoingAway, "server closing")
	}
}

func (s *Server) vault(vaultID string) *vaultData {
	v, ok := s.vaults[vaultID]
	if !ok {
		v = &vaultData{batches: make(map[string][]models.ColumnChange)}
		s.vaults[vaultID] = v
	}

	return v
}

func (s *Server) store(vaultID string, changes []models.ColumnChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.vault(vaultID)
	v.changes = append(v.changes, changes...)

	sort.SliceStable(v.changes, func(i, j int) bool {
		return hlc.Compare(v.changes[i].HLC, v.changes[j].HLC) < 0
	})

	for _, c := range changes {
		if c.BatchID != "" {
			v.batches[c.BatchID] = append(v.batches[c.BatchID], c)
		}
	}
}

func (s *Server) broadcast(vaultID string, changes []models.ColumnChange) {
	s.mu.Lock()
	drop := s.DropRealtime

	var targets []*subscriber

	for sub := range s.subs {
		if sub.vaultID == vaultID {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		if drop != nil && drop(c) {
			continue
		}

		frame, err := json.Marshal(map[string]any{"event": "insert", "record": c})
		if err != nil {
			continue
		}

		for _, sub := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := sub.conn.Write(ctx, websocket.MessageText, frame)
			cancel()

			if err != nil {
				s.logger.Debug("realtime write failed", slog.String("error", err.Error()))
			}
		}
	}
}

// page returns changes after since, at most limit long, extended so an
// HLC group is never split across pages.
func page(changes []models.ColumnChange, since string, limit int) ([]models.ColumnChange, bool) {
	start := sort.Search(len(changes), func(i int) bool {
		return hlc.After(changes[i].HLC, since)
	})

	rest := changes[start:]
	if len(rest) <= limit {
		return rest, false
	}

	end := limit
	for end < len(rest) && hlc.Compare(rest[end].HLC, rest[end-1].HLC) == 0 {
		end++
	}

	return rest[:end], end < len(rest)
}

func parseSeqs(raw string) []int {
	var out []int

	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err == nil {
			out = append(out, n)
		}
	}

	return out
}
