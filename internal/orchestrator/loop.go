package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/vault-mirror/internal/models"
	"github.com/alexjbarnes/vault-mirror/internal/realtime"
	"github.com/alexjbarnes/vault-mirror/internal/reconcile"
)

type expiry struct {
	key reconcile.Key
	gen uint64
}

// debouncer coalesces change signals. Each signal restarts the wait, but
// the timer never fires later than maxWait after the first pending
// signal, so a steady stream of writes cannot starve pushes.
type debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	timer   *time.Timer
	first   time.Time
	pending bool
}

func newDebouncer(wait, maxWait time.Duration) *debouncer {
	t := time.NewTimer(time.Hour)
	t.Stop()

	return &debouncer{wait: wait, maxWait: maxWait, timer: t}
}

func (d *debouncer) signal(now time.Time) {
	if !d.pending {
		d.pending = true
		d.first = now
	}

	delay := d.wait
	if remaining := d.first.Add(d.maxWait).Sub(now); remaining < delay {
		delay = max(remaining, 0)
	}

	d.timer.Reset(delay)
}

func (d *debouncer) fired() {
	d.pending = false
}

func (d *debouncer) stop() {
	d.timer.Stop()
}

// Run initialises every enabled backend and then drives scheduling until
// ctx is cancelled. Realtime events, debounce and fallback timers are all
// handled on this goroutine; network work runs in tracked goroutines.
func (o *Orchestrator) Run(ctx context.Context) error {
	cfg := o.config()

	o.initAll(ctx)

	debounce := newDebouncer(cfg.Debounce, cfg.MaxDebounceWait)
	defer debounce.stop()

	var periodic <-chan time.Time

	if cfg.Mode == ModePeriodic {
		t := time.NewTicker(cfg.PeriodicInterval)
		defer t.Stop()

		periodic = t.C
	}

	fallback := time.NewTicker(cfg.FallbackPullInterval)
	defer fallback.Stop()

	timers := make(map[reconcile.Key]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	o.logger.Info("sync engine running",
		slog.String("mode", string(cfg.Mode)),
		slog.Duration("debounce", cfg.Debounce),
		slog.Duration("fallback_pull", cfg.FallbackPullInterval),
	)

	changes := o.store.Changes()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return ctx.Err()

		case <-changes:
			if cfg.Mode == ModeContinuous {
				debounce.signal(time.Now())
			}

		case <-o.retrigger:
			if cfg.Mode == ModeContinuous {
				debounce.signal(time.Now())
			}

		case <-debounce.timer.C:
			debounce.fired()
			o.spawn(func() { o.PushAll(ctx) })

		case <-periodic:
			o.spawn(func() { o.PushAll(ctx) })

		case <-fallback.C:
			o.spawn(func() {
				if _, err := o.fanOut(ctx, o.syncBackend); err != nil {
					o.logger.Warn("fallback sync", slog.String("error", err.Error()))
				}
			})

		case ev := <-o.events:
			o.handleEvent(ctx, ev, timers, cfg.BatchTimeout)

		case exp := <-o.expiries:
			delete(timers, exp.key)

			batch, ok := o.session.expire(exp.key, exp.gen)
			if !ok {
				continue
			}

			o.logger.Info("realtime batch timed out",
				slog.String("backend", exp.key.BackendID),
				slog.String("batch_id", exp.key.BatchID),
				slog.Int("received", len(batch.Changes)),
				slog.Int("missing", len(batch.Missing)),
			)

			o.spawn(func() { o.recoverBatch(ctx, batch) })
		}
	}
}

func (o *Orchestrator) initAll(ctx context.Context) {
	backends, err := o.store.ListBackends(ctx)
	if err != nil {
		o.logger.Error("listing backends", slog.String("error", err.Error()))
		return
	}

	for _, b := range backends {
		if !b.Enabled {
			continue
		}

		o.spawn(func() {
			if err := o.Init(ctx, b.ID); err != nil {
				o.logger.Warn("initialising backend",
					slog.String("backend", b.Name),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

// subscribe starts the realtime feed for b unless one is running.
func (o *Orchestrator) subscribe(b models.BackendConfig) {
	if o.config().DisableRealtime {
		return
	}

	ctx, cancel := context.WithCancel(o.base)
	if !o.session.subscribe(b.ID, cancel, false) {
		cancel()
		return
	}

	sub := o.conn.Subscribe(b, o.events)

	o.feeds.Add(1)

	go func() {
		defer o.feeds.Done()
		defer cancel()

		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("realtime feed stopped",
				slog.String("backend", b.Name),
				slog.String("error", err.Error()),
			)
		}
	}()

	o.logger.Info("subscribed to realtime feed", slog.String("backend", b.Name))
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev realtime.Event, timers map[reconcile.Key]*time.Timer, timeout time.Duration) {
	st, ok := o.lookup(ev.BackendID)
	if !ok {
		return
	}

	switch ev.Kind {
	case realtime.EventSubscribed:
		o.mu.Lock()
		st.connected = true
		o.mu.Unlock()

		// Anything published while disconnected only reaches us by pull.
		o.spawn(func() { _ = o.pullBackend(ctx, st) })

	case realtime.EventError:
		o.mu.Lock()
		st.connected = false
		st.lastErr = ev.Err
		o.mu.Unlock()

	case realtime.EventChange:
		o.handleChange(ctx, ev, timers, timeout)
	}
}

// handleChange feeds one realtime change to the reconciler. A panic
// while reconciling falls back to a full pull of that backend.
func (o *Orchestrator) handleChange(ctx context.Context, ev realtime.Event, timers map[reconcile.Key]*time.Timer, timeout time.Duration) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		o.logger.Error("reconciling realtime change panicked",
			slog.String("backend", ev.BackendID),
			slog.String("batch_id", ev.Change.BatchID),
			slog.Any("panic", r),
		)

		if st, ok := o.lookup(ev.BackendID); ok {
			o.spawn(func() { o.fullPull(ctx, st) })
		}
	}()

	res := o.session.add(ev.BackendID, ev.Change)

	switch res.Outcome {
	case reconcile.SelfEcho:
		return

	case reconcile.NoMetadata, reconcile.TotalMismatch:
		o.logger.Warn("dropping realtime change",
			slog.String("backend", ev.BackendID),
			slog.String("reason", res.Outcome.String()),
			slog.String("batch_id", ev.Change.BatchID),
		)

	case reconcile.Complete:
		if t, ok := timers[res.Key]; ok {
			t.Stop()
			delete(timers, res.Key)
		}

		batch := res.Batch
		o.spawn(func() { o.recoverBatch(ctx, batch) })

	case reconcile.Pending, reconcile.Duplicate:
		if t, ok := timers[res.Key]; ok {
			t.Stop()
		}

		exp := expiry{key: res.Key, gen: res.Gen}
		timers[res.Key] = time.AfterFunc(timeout, func() {
			select {
			case o.expiries <- exp:
			case <-ctx.Done():
			}
		})
	}
}

// recoverBatch applies a realtime batch, fetching missing items once if
// it is incomplete. Any failure, including a panic, falls back to a full
// pull. Realtime applies leave the pull cursor alone; the catch-up and
// fallback pulls own it.
func (o *Orchestrator) recoverBatch(ctx context.Context, batch *reconcile.Batch) {
	st, ok := o.lookup(batch.BackendID)
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("applying realtime batch panicked",
				slog.String("backend", st.name),
				slog.String("batch_id", batch.BatchID),
				slog.Any("panic", r),
			)
			o.fullPull(ctx, st)
		}
	}()

	if err := o.applyBatch(ctx, st, batch); err != nil {
		o.logger.Warn("realtime batch failed, falling back to full pull",
			slog.String("backend", st.name),
			slog.String("batch_id", batch.BatchID),
			slog.String("error", err.Error()),
		)
		o.setError(st, err)
		o.fullPull(ctx, st)
	}
}

func (o *Orchestrator) applyBatch(ctx context.Context, st *backendState, batch *reconcile.Batch) error {
	if !batch.Complete() {
		fetched, err := st.remote.FetchMissingBatchItems(ctx, batch.BatchID, batch.Missing)
		if err != nil {
			return fmt.Errorf("fetching missing batch items: %w", err)
		}

		batch.Merge(fetched)

		if !batch.Complete() {
			return fmt.Errorf("batch %s still missing %d items", batch.BatchID, len(batch.Missing))
		}
	}

	b, err := o.store.GetBackend(ctx, st.id)
	if err != nil {
		return err
	}

	key, err := o.loadKey(ctx, st, b)
	if err != nil {
		return err
	}

	res, err := o.apply(ctx, batch.Changes, key, st.id, "")
	if err != nil {
		return err
	}

	o.logger.Info("applied realtime batch",
		slog.String("backend", st.name),
		slog.String("batch_id", batch.BatchID),
		slog.Int("changes", len(batch.Changes)),
		slog.Int("applied", res.Applied),
	)

	return nil
}

// fullPull runs a guarded pull. When the backend is busy the pull is
// queued behind the running operation.
func (o *Orchestrator) fullPull(ctx context.Context, st *backendState) {
	if err := o.pullBackend(ctx, st); err != nil && !errors.Is(err, ErrSkipped) {
		o.logger.Warn("full pull failed", slog.String("backend", st.name), slog.String("error", err.Error()))
	}
}
