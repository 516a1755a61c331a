package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/alexjbarnes/vault-mirror/internal/config"
	"github.com/alexjbarnes/vault-mirror/internal/filter"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/localstore"
	"github.com/alexjbarnes/vault-mirror/internal/logging"
	"github.com/alexjbarnes/vault-mirror/internal/orchestrator"
	"github.com/alexjbarnes/vault-mirror/internal/registry"
	"github.com/alexjbarnes/vault-mirror/internal/session"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// app bundles everything a command needs. close releases it in reverse
// order of opening.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	store    *localstore.Store
	orch     *orchestrator.Orchestrator
	registry *registry.Registry

	closers []io.Closer
}

// openApp wires the state file, local store, orchestrator and registry.
func openApp(cfg *config.Config) (*app, error) {
	logger, logCloser := logging.NewLogger(cfg.Environment, cfg.LogLevel, cfg.LogFile)

	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	st, err := state.LoadAt(cfg.StatePath())
	if err != nil {
		return nil, a.fail(fmt.Errorf("loading state: %w", err))
	}

	a.state = st
	a.closers = append(a.closers, st)

	deviceID, err := st.EnsureDeviceID(cfg.DeviceID)
	if err != nil {
		return nil, a.fail(err)
	}

	store, err := localstore.Open(cfg.LocalDBPath, hlc.New(deviceID), logger)
	if err != nil {
		return nil, a.fail(fmt.Errorf("opening local store: %w", err))
	}

	a.store = store
	a.closers = append(a.closers, store)

	include, exclude := cfg.TableSelection()

	conn := orchestrator.NewNetConnector(session.New(st, logger), cfg.RequestTimeout, logger)

	a.orch = orchestrator.New(orchestrator.Config{
		VaultPassword:        cfg.VaultPassword,
		ServerPassword:       cfg.ServerPassword,
		VaultName:            cfg.VaultName,
		Mode:                 orchestrator.Mode(cfg.SyncMode),
		Debounce:             cfg.DebounceInterval,
		MaxDebounceWait:      cfg.MaxDebounceWait,
		PeriodicInterval:     cfg.PeriodicInterval,
		FallbackPullInterval: cfg.FallbackPullInterval,
		BatchTimeout:         cfg.BatchTimeout,
		PullPageSize:         cfg.PullPageSize,
		MaxSkippedCycles:     cfg.MaxSkippedCycles,
		Filter:               filter.New(include, exclude),
		DisableRealtime:      cfg.DisableRealtime,
	}, store, conn, st, logger)
	a.closers = append(a.closers, a.orch)

	a.registry = registry.New(store, forgetAll{st, conn}, registry.NetDialer(cfg.RequestTimeout, logger),
		a.orch.Session().Keys(), logger)

	logger.Debug("app opened",
		slog.String("device_id", deviceID),
		slog.String("db", cfg.LocalDBPath),
		slog.String("state", cfg.StatePath()),
	)

	return a, nil
}

func (a *app) fail(err error) error {
	return errors.Join(err, a.close())
}

func (a *app) close() error {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.closers = nil

	return errors.Join(errs...)
}

// forgetAll drops a removed backend's bbolt entries and its cached
// token source.
type forgetAll struct {
	state *state.State
	conn  *orchestrator.NetConnector
}

func (f forgetAll) ForgetBackend(id string) error {
	f.conn.Forget(id)
	return f.state.ForgetBackend(id)
}
