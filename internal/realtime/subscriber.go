// Package realtime maintains the websocket change feed for one backend
// and turns its frames into events for the orchestrator.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/models"
)

const (
	defaultPingAfter       = 20 * time.Second
	defaultDisconnectAfter = 90 * time.Second
	defaultReconnectMin    = 2 * time.Second
	defaultReconnectMax    = 2 * time.Minute

	// readLimit bounds a single frame. A frame carries one encrypted
	// column value.
	readLimit = 8 * 1024 * 1024

	// inboundChanSize is the buffer between the reader goroutine and the
	// connection loop.
	inboundChanSize = 64

	// jitterDivisor controls reconnect jitter: uniform in
	// [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2
)

//go:generate mockgen -source=subscriber.go -destination=mock_wsconn_test.go -package=realtime -mock_names=wsConn=MockWSConn

// wsConn abstracts the websocket so the subscriber can be tested without
// a server. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// TokenSource supplies the bearer token for the dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// State is the subscription lifecycle.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
	Errored
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Errored:
		return "error"
	default:
		return "unsubscribed"
	}
}

// EventKind distinguishes events posted by a subscriber.
type EventKind int

const (
	// EventSubscribed is posted each time the server confirms a
	// subscription, including after a reconnect. Changes may have been
	// missed while disconnected, so the receiver should pull.
	EventSubscribed EventKind = iota
	// EventChange carries one inserted change.
	EventChange
	// EventError reports a lost connection or failed dial.
	EventError
)

// Event is posted onto the orchestrator's queue.
type Event struct {
	BackendID string
	Kind      EventKind
	Change    models.ColumnChange
	Err       error
}

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// dialFunc opens a websocket. The default uses websocket.Dial.
type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error)

// Config describes one subscription.
type Config struct {
	BackendID string
	ServerURL string
	VaultID   string
	Tokens    TokenSource
	Events    chan<- Event

	PingAfter       time.Duration
	DisconnectAfter time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration

	// dial overrides the websocket dialer in tests.
	dial dialFunc
}

// Subscriber owns the websocket for one backend. Run blocks until the
// context is cancelled, reconnecting with exponential backoff and jitter.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	state State
	err   error

	lastMessage time.Time
}

// NewSubscriber fills unset timings with defaults.
func NewSubscriber(cfg Config, logger *slog.Logger) *Subscriber {
	if cfg.PingAfter <= 0 {
		cfg.PingAfter = defaultPingAfter
	}

	if cfg.DisconnectAfter <= 0 {
		cfg.DisconnectAfter = defaultDisconnectAfter
	}

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}

	if cfg.dial == nil {
		cfg.dial = dialWebsocket
	}

	return &Subscriber{
		cfg:    cfg,
		logger: logger.With(slog.String("backend_id", cfg.BackendID)),
	}
}

func dialWebsocket(ctx context.Context, u string, header http.Header) (wsConn, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, resp, err
	}

	return conn, resp, nil
}

// State returns the current lifecycle state and the last error.
func (s *Subscriber) State() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state, s.err
}

func (s *Subscriber) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.err = err
	s.mu.Unlock()
}

// Run subscribes and keeps the subscription alive until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.cfg.ReconnectMin

	defer s.setState(Unsubscribed, nil)

	for {
		subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if subscribed {
			backoff = s.cfg.ReconnectMin
		}

		s.setState(Errored, err)
		s.post(ctx, Event{BackendID: s.cfg.BackendID, Kind: EventError, Err: err})

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // G404: reconnect jitter has no security impact

		s.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff+jitter),
		)

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*reconnectBackoffMultiplier, s.cfg.ReconnectMax)
	}
}

// session runs one connection from dial to failure. It reports whether
// the server confirmed the subscription before the connection ended.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	s.setState(Subscribing, nil)

	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer conn.Close(websocket.StatusNormalClosure, "bye")

	inbound := startReader(connCtx, conn)

	return s.loop(ctx, connCtx, conn, inbound)
}

func (s *Subscriber) connect(ctx context.Context) (wsConn, error) {
	token, err := s.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	u, err := feedURL(s.cfg.ServerURL, s.cfg.VaultID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("dialing realtime feed", slog.String("url", u))

	conn, resp, err := s.cfg.dial(ctx, u, http.Header{"Authorization": []string{"Bearer " + token}})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			s.cfg.Tokens.Invalidate()
			return nil, fmt.Errorf("%w: realtime dial rejected", syncerrors.ErrUnauthorized)
		}

		return nil, fmt.Errorf("%w: dialing realtime feed: %w", syncerrors.ErrNetworkUnreachable, err)
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// feedURL maps the backend's http(s) root onto the ws(s) feed endpoint.
func feedURL(serverURL, vaultID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path += "/sync/realtime"
	u.RawQuery = url.Values{"vaultId": []string{vaultID}}.Encode()

	return u.String(), nil
}

// startReader feeds frames into a fresh channel until connCtx ends or
// a read fails. The error is delivered as the final message.
func startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

func (s *Subscriber) loop(ctx, connCtx context.Context, conn wsConn, inbound <-chan inboundMsg) (bool, error) {
	ticker := time.NewTicker(s.cfg.PingAfter)
	defer ticker.Stop()

	s.lastMessage = time.Now()
	subscribed := false

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return subscribed, fmt.Errorf("%w: reading frame: %w", syncerrors.ErrNetworkUnreachable, msg.err)
			}

			s.lastMessage = time.Now()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			ok, err := s.handleFrame(ctx, msg.data)
			if err != nil {
				return subscribed, err
			}

			if ok {
				subscribed = true
			}

		case <-ticker.C:
			elapsed := time.Since(s.lastMessage)

			if elapsed > s.cfg.DisconnectAfter {
				return subscribed, fmt.Errorf("%w: no frames for %s", syncerrors.ErrNetworkUnreachable, elapsed.Round(time.Second))
			}

			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`)); err != nil {
				return subscribed, fmt.Errorf("%w: sending ping: %w", syncerrors.ErrNetworkUnreachable, err)
			}

		case <-connCtx.Done():
			return subscribed, connCtx.Err()
		}
	}
}

// handleFrame dispatches one text frame. It returns true when the frame
// confirmed the subscription.
func (s *Subscriber) handleFrame(ctx context.Context, data []byte) (bool, error) {
	switch event := gjson.GetBytes(data, "event").String(); event {
	case "pong":
		return false, nil

	case "subscribed":
		s.setState(Subscribed, nil)
		s.logger.Info("realtime subscribed")
		s.post(ctx, Event{BackendID: s.cfg.BackendID, Kind: EventSubscribed})

		return true, nil

	case "insert":
		record := gjson.GetBytes(data, "record")
		if !record.IsObject() {
			s.logger.Debug("insert frame without record")
			return false, nil
		}

		var change models.ColumnChange
		if err := json.Unmarshal([]byte(record.Raw), &change); err != nil {
			s.logger.Warn("decoding realtime record", slog.String("error", err.Error()))
			return false, nil
		}

		s.post(ctx, Event{BackendID: s.cfg.BackendID, Kind: EventChange, Change: change})

		return false, nil

	case "error":
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = "server reported an error"
		}

		return false, fmt.Errorf("%w: realtime: %s", syncerrors.ErrAPIResponse, msg)

	default:
		s.logger.Debug("unexpected realtime frame", slog.String("event", event))
		return false, nil
	}
}

func (s *Subscriber) post(ctx context.Context, ev Event) {
	select {
	case s.cfg.Events <- ev:
	case <-ctx.Done():
	}
}

// IsSubscribed reports whether the feed is live.
func (s *Subscriber) IsSubscribed() bool {
	st, _ := s.State()
	return st == Subscribed
}
