package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/vault-mirror/internal/keyvault"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/reconcile"
)

// SyncSession owns the volatile state of a running engine: unwrapped
// keys, in-flight realtime batches and subscription lifetimes. Close
// tears all of it down.
type SyncSession struct {
	keys   *keyvault.Vault
	logger *slog.Logger

	mu         sync.Mutex
	reconciler *reconcile.Reconciler
	subs       map[string]context.CancelFunc
	deviceID   string
}

// NewSyncSession creates an empty session for the local device.
func NewSyncSession(deviceID string, logger *slog.Logger) *SyncSession {
	return &SyncSession{
		keys:       keyvault.New(logger),
		logger:     logger,
		reconciler: reconcile.New(deviceID),
		subs:       make(map[string]context.CancelFunc),
		deviceID:   deviceID,
	}
}

// Keys returns the session key vault.
func (s *SyncSession) Keys() *keyvault.Vault {
	return s.keys
}

func (s *SyncSession) add(backendID string, c models.ColumnChange) reconcile.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reconciler.Add(backendID, c)
}

func (s *SyncSession) expire(key reconcile.Key, gen uint64) (*reconcile.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reconciler.Expire(key, gen)
}

func (s *SyncSession) dropBackend(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reconciler.DropBackend(id)
}

// Pending returns the number of in-flight realtime batches.
func (s *SyncSession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reconciler.Pending()
}

// subscribe records the cancel func for a backend's feed, cancelling any
// previous one. It reports false when a feed is already registered and
// replace is false.
func (s *SyncSession) subscribe(id string, cancel context.CancelFunc, replace bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.subs[id]; ok {
		if !replace {
			return false
		}

		old()
	}

	s.subs[id] = cancel

	return true
}

func (s *SyncSession) unsubscribe(id string) {
	s.mu.Lock()
	cancel, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// Subscribed reports whether a feed is registered for the backend.
func (s *SyncSession) Subscribed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.subs[id]

	return ok
}

// Close cancels every subscription, drops in-flight batches and zeroes
// cached keys.
func (s *SyncSession) Close() {
	s.mu.Lock()
	for id, cancel := range s.subs {
		cancel()
		delete(s.subs, id)
	}

	dropped := s.reconciler.Pending()
	s.reconciler = reconcile.New(s.deviceID)
	s.mu.Unlock()

	s.keys.Clear()

	s.logger.Debug("sync session closed", slog.Int("dropped_batches", dropped))
}
