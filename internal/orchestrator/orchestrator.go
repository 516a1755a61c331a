// Package orchestrator drives synchronization of the local store against
// every enabled backend: key loading, scheduled pushes, pulls, realtime
// batch recovery and per-backend failure isolation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/filter"
	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/realtime"
	"github.com/alexjbarnes/vault-mirror/internal/scanner"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// ErrSkipped is returned when an operation was not started because the
// backend was already syncing.
var ErrSkipped = errors.New("backend busy, operation skipped")

// Mode selects how local changes trigger pushes.
type Mode string

const (
	// ModeContinuous pushes after a debounce following each local change.
	ModeContinuous Mode = "continuous"
	// ModePeriodic pushes on a fixed interval regardless of activity.
	ModePeriodic Mode = "periodic"
)

const (
	defaultDebounce             = time.Second
	defaultMaxDebounceWait      = 10 * time.Second
	defaultPeriodicInterval     = 30 * time.Second
	defaultFallbackPullInterval = 5 * time.Minute
	defaultBatchTimeout         = 10 * time.Second
	defaultPullPageSize         = 500
	defaultMaxSkippedCycles     = 3

	// eventQueueSize bounds the realtime queue shared by all backends.
	eventQueueSize = 1024
)

// Config controls scheduling and key handling.
type Config struct {
	VaultPassword  string
	ServerPassword string
	// VaultName is sealed next to newly uploaded keys. Falls back to the
	// backend's vault name.
	VaultName string

	Mode                 Mode
	Debounce             time.Duration
	MaxDebounceWait      time.Duration
	PeriodicInterval     time.Duration
	FallbackPullInterval time.Duration
	BatchTimeout         time.Duration
	PullPageSize         int
	MaxSkippedCycles     int

	Filter          *filter.TableFilter
	DisableRealtime bool
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeContinuous
	}

	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}

	if c.MaxDebounceWait <= 0 {
		c.MaxDebounceWait = defaultMaxDebounceWait
	}

	if c.PeriodicInterval <= 0 {
		c.PeriodicInterval = defaultPeriodicInterval
	}

	if c.FallbackPullInterval <= 0 {
		c.FallbackPullInterval = defaultFallbackPullInterval
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}

	if c.PullPageSize <= 0 {
		c.PullPageSize = defaultPullPageSize
	}

	if c.MaxSkippedCycles <= 0 {
		c.MaxSkippedCycles = defaultMaxSkippedCycles
	}

	if c.ServerPassword == "" {
		c.ServerPassword = c.VaultPassword
	}
}

// Store is the local store surface the orchestrator needs. Satisfied by
// *localstore.Store.
type Store interface {
	scanner.Store

	DeviceID() string
	Watermark() string
	Changes() <-chan struct{}

	SyncedTables(ctx context.Context) ([]string, error)
	DirtyTables(ctx context.Context) ([]models.DirtyTable, error)
	ClearDirtyTable(ctx context.Context, table, before string) error
	ApplyRemoteChanges(ctx context.Context, changes []models.DecryptedChange, backendID, maxHLC string) (models.ApplyResult, error)

	ListBackends(ctx context.Context) ([]models.BackendConfig, error)
	GetBackend(ctx context.Context, id string) (models.BackendConfig, error)
	AdvancePushCursor(ctx context.Context, id, ts string) (string, error)
	SetSyncKey(ctx context.Context, id string, key []byte, salt string) error
	SetPendingVaultKeyUpdate(ctx context.Context, id string, pending bool) error
}

// History persists the outcome of each sync attempt. Satisfied by
// *state.State.
type History interface {
	RecordSync(backendID string, rec state.SyncRecord) error
	LastSync(backendID string) (*state.SyncRecord, error)
}

// Operation names used in logs and history.
const (
	opInit    = "init"
	opPush    = "push"
	opPull    = "pull"
	opSync    = "sync"
	opRecover = "recover"
)

// backendState is the in-memory SyncState of one backend. Fields below
// busy are guarded by Orchestrator.mu.
type backendState struct {
	id       string
	remote   Remote
	endpoint string

	// busy is the Syncing try-lock.
	busy sync.Mutex

	name       string
	vaultID    string
	connected  bool
	syncing    bool
	lastErr    error
	lastSyncAt time.Time
	skipped    int
	followPush bool
	followPull bool
}

// BackendStatus is a snapshot of one backend for status surfaces.
type BackendStatus struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	VaultID       string    `json:"vault_id"`
	Enabled       bool      `json:"enabled"`
	Connected     bool      `json:"connected"`
	Syncing       bool      `json:"syncing"`
	SkippedCycles int       `json:"skipped_cycles"`
	LastSyncAt    time.Time `json:"last_sync_at,omitzero"`
	LastOp        string    `json:"last_op,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	LastPushHLC   string    `json:"last_push_hlc"`
	LastPullHLC   string    `json:"last_pull_hlc"`
	PendingKey    bool      `json:"pending_vault_key_update"`
}

// Orchestrator schedules sync work for all backends.
type Orchestrator struct {
	store   Store
	conn    Connector
	scanner *scanner.Scanner
	history History
	logger  *slog.Logger
	session *SyncSession

	events   chan realtime.Event
	expiries chan expiry

	// retrigger re-arms the debounce after a skipped push.
	retrigger chan struct{}

	// base scopes subscriptions; cancelled by Close.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	feeds  sync.WaitGroup

	mu       sync.Mutex
	cfg      Config
	backends map[string]*backendState
}

// New creates an orchestrator. history may be nil.
func New(cfg Config, store Store, conn Connector, history History, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()

	base, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		store:     store,
		conn:      conn,
		scanner:   scanner.New(store, logger),
		history:   history,
		logger:    logger,
		session:   NewSyncSession(store.DeviceID(), logger),
		events:    make(chan realtime.Event, eventQueueSize),
		expiries:  make(chan expiry, eventQueueSize),
		retrigger: make(chan struct{}, 1),
		base:      base,
		cancel:    cancel,
		cfg:       cfg,
		backends:  make(map[string]*backendState),
	}
}

// Session returns the live sync session.
func (o *Orchestrator) Session() *SyncSession {
	return o.session
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.cfg
}

// stateFor returns the state for b, creating it on first use. A backend
// whose server or credentials changed gets a fresh client, and its feed
// is stopped so the next subscribe dials the new server.
func (o *Orchestrator) stateFor(b models.BackendConfig) *backendState {
	endpoint := endpointOf(b)

	o.mu.Lock()

	st, ok := o.backends[b.ID]
	moved := ok && st.endpoint != endpoint

	switch {
	case !ok:
		st = &backendState{id: b.ID, remote: o.conn.Remote(b), endpoint: endpoint}
		o.backends[b.ID] = st
	case moved:
		o.conn.Forget(b.ID)
		st.remote = o.conn.Remote(b)
		st.endpoint = endpoint
		st.connected = false
	}

	st.name = b.Name
	st.vaultID = b.VaultID

	o.mu.Unlock()

	if moved {
		o.session.unsubscribe(b.ID)
		o.logger.Info("backend endpoint changed, reconnecting", slog.String("backend", b.Name))
	}

	return st
}

// endpointOf identifies what a backend client is bound to.
func endpointOf(b models.BackendConfig) string {
	return strings.Join([]string{b.ServerURL, b.Email, b.Password, b.APIToken}, "\x00")
}

func (o *Orchestrator) lookup(id string) (*backendState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.backends[id]

	return st, ok
}

// Drop stops syncing a backend: its subscription is cancelled, in-flight
// batches are discarded and its in-memory state is forgotten. Used when
// a backend is disabled or removed.
func (o *Orchestrator) Drop(id string) {
	o.session.unsubscribe(id)

	if n := o.session.dropBackend(id); n > 0 {
		o.logger.Info("discarded in-flight batches", slog.String("backend", id), slog.Int("batches", n))
	}

	o.mu.Lock()
	delete(o.backends, id)
	o.mu.Unlock()
}

// guarded runs fn under the backend's Syncing try-lock. A busy backend
// skips the request and returns ErrSkipped; skipped pulls and repeatedly
// skipped pushes are queued as follow-ups once the lock is released.
func (o *Orchestrator) guarded(ctx context.Context, st *backendState, op string, fn func(context.Context) (state.SyncRecord, error)) error {
	if !st.busy.TryLock() {
		o.markSkipped(st, op)
		return ErrSkipped
	}

	o.mu.Lock()
	st.syncing = true
	o.mu.Unlock()

	rec, err := runSafe(ctx, fn)

	followPush, followPull := o.finish(st, op, rec, err)
	st.busy.Unlock()

	if ctx.Err() != nil {
		return err
	}

	if followPull {
		o.logger.Debug("running queued pull", slog.String("backend", st.name))
		_ = o.pullBackend(ctx, st)
	}

	if followPush {
		o.logger.Debug("running queued push", slog.String("backend", st.name))
		_ = o.pushBackend(ctx, st)
	}

	return err
}

func runSafe(ctx context.Context, fn func(context.Context) (state.SyncRecord, error)) (rec state.SyncRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return fn(ctx)
}

func (o *Orchestrator) markSkipped(st *backendState, op string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st.skipped++

	switch {
	case op == opPull || op == opRecover:
		st.followPull = true
	case st.skipped >= o.cfg.MaxSkippedCycles:
		st.followPush = true
	}

	o.logger.Debug("backend busy, skipped",
		slog.String("backend", st.name),
		slog.String("op", op),
		slog.Int("skipped", st.skipped),
	)
}

// finish records the outcome and hands back the follow-ups to run.
func (o *Orchestrator) finish(st *backendState, op string, rec state.SyncRecord, err error) (bool, bool) {
	now := time.Now()

	o.mu.Lock()
	st.syncing = false
	st.skipped = 0
	st.lastErr = err

	if err == nil {
		st.lastSyncAt = now
	}

	followPush, followPull := st.followPush, st.followPull
	st.followPush, st.followPull = false, false
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("sync operation failed",
			slog.String("backend", st.name),
			slog.String("op", op),
			slog.String("kind", syncerrors.Classify(err).String()),
			slog.String("error", err.Error()),
		)
	}

	o.record(st.id, op, rec, err)

	return followPush, followPull
}

func (o *Orchestrator) record(backendID, op string, rec state.SyncRecord, err error) {
	if o.history == nil {
		return
	}

	rec.At = time.Now().UTC()
	rec.Op = op

	if err != nil {
		rec.Error = err.Error()
	}

	if herr := o.history.RecordSync(backendID, rec); herr != nil {
		o.logger.Warn("recording sync history", slog.String("error", herr.Error()))
	}
}

func (o *Orchestrator) setError(st *backendState, err error) {
	o.mu.Lock()
	st.lastErr = err
	o.mu.Unlock()
}

// Status reports every configured backend in store order.
func (o *Orchestrator) Status(ctx context.Context) ([]BackendStatus, error) {
	backends, err := o.store.ListBackends(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]BackendStatus, 0, len(backends))

	o.mu.Lock()
	for _, b := range backends {
		s := BackendStatus{
			ID:          b.ID,
			Name:        b.Name,
			VaultID:     b.VaultID,
			Enabled:     b.Enabled,
			LastPushHLC: b.LastPushHLC,
			LastPullHLC: b.LastPullHLC,
			PendingKey:  b.PendingVaultKeyUpdate,
		}

		if st, ok := o.backends[b.ID]; ok {
			s.Connected = st.connected
			s.Syncing = st.syncing
			s.SkippedCycles = st.skipped
			s.LastSyncAt = st.lastSyncAt

			if st.lastErr != nil {
				s.LastError = st.lastErr.Error()
				s.ErrorKind = syncerrors.Classify(st.lastErr).String()
			}
		}

		out = append(out, s)
	}
	o.mu.Unlock()

	o.fillHistory(out)

	return out, nil
}

// fillHistory adds the persisted outcome of each backend's latest
// attempt. Backends this process has not synced yet, such as right after
// a restart, take their last sync time and error from it too.
func (o *Orchestrator) fillHistory(out []BackendStatus) {
	if o.history == nil {
		return
	}

	for i := range out {
		rec, err := o.history.LastSync(out[i].ID)
		if err != nil {
			o.logger.Warn("reading sync history",
				slog.String("backend", out[i].Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		if rec == nil {
			continue
		}

		out[i].LastOp = rec.Op

		if !out[i].LastSyncAt.IsZero() || out[i].LastError != "" {
			continue
		}

		if rec.Error != "" {
			out[i].LastError = rec.Error
		} else {
			out[i].LastSyncAt = rec.At
		}
	}
}

// Close cancels subscriptions, waits for background work and wipes the
// session's keys and accumulators.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.session.Close()
	o.feeds.Wait()
	o.wg.Wait()

	return nil
}

// spawn runs fn in a tracked goroutine.
func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		fn()
	}()
}
