package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// CloseUnauthorized is the close code the backend uses to reject a token.
const CloseUnauthorized = 4001

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256

	defaultReconnectDelay    = 3 * time.Second
	defaultReconnectAttempts = 5
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrUnauthorized   = errors.New("unauthorized")
)

type Options struct {
	// URL is the realtime endpoint, e.g. ws://localhost:8000/chat/ws. The
	// bearer token is appended as the token query parameter.
	URL string

	// ReconnectDelay is the fixed wait between dial attempts.
	ReconnectDelay time.Duration
	// ReconnectAttempts bounds consecutive failed dials before giving up.
	ReconnectAttempts int

	Dialer *websocket.Dialer
	Logger zerolog.Logger

	// OnFrame receives every inbound text frame, in receipt order, from a
	// single goroutine.
	OnFrame func([]byte)
	// OnUnauthorized is called when the backend rejects the token, before
	// the state settles at disconnected. No redial follows.
	OnUnauthorized func()
}

// Manager supervises the session's single duplex connection. It dials,
// keeps the connection alive with pings, and redials after unexpected
// closes with a fixed delay and a bounded number of attempts. Sends while
// not connected fail; nothing is queued across connections.
type Manager struct {
	opts Options
	log  zerolog.Logger

	// notifyMu orders state changes and their notifications.
	notifyMu sync.Mutex

	mu     sync.Mutex
	state  State
	out    chan []byte
	cancel context.CancelFunc
	subs   []func(State)
}

func NewManager(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = defaultReconnectAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "ws").Logger(),
		state: Disconnected,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn to be called synchronously on every state change.
// fn must not call back into the Manager except State.
func (m *Manager) Subscribe(fn func(State)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Connect starts a connection using token. It does nothing unless the
// Manager is disconnected.
func (m *Manager) Connect(token string) {
	ctx, cancel := context.WithCancel(context.Background())
	started := m.transition(nil, Connecting, func() bool {
		if m.state != Disconnected {
			return false
		}
		m.cancel = cancel
		return true
	})
	if !started {
		cancel()
		return
	}
	go m.supervise(ctx, token)
}

// Disconnect closes the connection and cancels any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.transition(nil, Disconnected, func() bool {
		m.out = nil
		return true
	})
}

// Send marshals v and queues it on the live connection.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.out == nil {
		return ErrNotConnected
	}
	select {
	case m.out <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// transition moves to s and notifies subscribers. apply runs under the state
// lock and may veto the change. Changes requested by a cancelled supervisor
// are dropped.
func (m *Manager) transition(ctx context.Context, s State, apply func() bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if ctx != nil && ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	if apply != nil && !apply() {
		m.mu.Unlock()
		return false
	}
	if m.state == s {
		m.mu.Unlock()
		return true
	}
	m.state = s
	subs := append([]func(State){}, m.subs...)
	m.mu.Unlock()

	m.log.Debug().Str("state", string(s)).Msg("connection state changed")
	for _, fn := range subs {
		fn(s)
	}
	return true
}

func (m *Manager) supervise(ctx context.Context, token string) {
	failures := 0
	for {
		conn, err := m.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				m.unauthorized(ctx, err)
				return
			}
			failures++
			if failures >= m.opts.ReconnectAttempts {
				m.log.Warn().Err(err).Int("attempts", failures).Msg("giving up reconnecting")
				m.halt(ctx)
				return
			}
			m.log.Warn().Err(err).Int("attempt", failures).Dur("retry_in", m.opts.ReconnectDelay).Msg("dial failed")
			m.transition(ctx, Reconnecting, nil)
			if !m.wait(ctx) {
				return
			}
			continue
		}

		failures = 0
		err = m.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if websocket.IsCloseError(err, CloseUnauthorized) {
			m.unauthorized(ctx, err)
			return
		}
		m.log.Info().Err(err).Dur("retry_in", m.opts.ReconnectDelay).Msg("connection lost")
		m.transition(ctx, Reconnecting, nil)
		if !m.wait(ctx) {
			return
		}
	}
}

func (m *Manager) wait(ctx context.Context) bool {
	timer := time.NewTimer(m.opts.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) unauthorized(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	m.log.Warn().Err(err).Msg("credential rejected by server")
	if m.opts.OnUnauthorized != nil {
		m.opts.OnUnauthorized()
	}
	m.halt(ctx)
}

// halt settles a supervisor that stops on its own at disconnected and
// releases its context. A supervisor whose ctx is already cancelled no
// longer owns m.cancel and leaves it alone.
func (m *Manager) halt(ctx context.Context) {
	var cancel context.CancelFunc
	m.transition(ctx, Disconnected, func() bool {
		cancel, m.cancel = m.cancel, nil
		m.out = nil
		return true
	})
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := m.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", m.opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return conn, nil
}

// serve runs one connection until it closes and returns the read error.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	out := make(chan []byte, sendBuffer)
	stop := make(chan struct{})
	defer conn.Close()

	if !m.transition(ctx, Connected, func() bool {
		m.out = out
		return true
	}) {
		return ctx.Err()
	}
	m.log.Info().Str("url", m.opts.URL).Msg("connected")

	go m.writePump(conn, out, stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	err := m.readPump(ctx, conn)
	close(stop)

	m.mu.Lock()
	if m.out == out {
		m.out = nil
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, CloseUnauthorized) {
				m.log.Debug().Err(err).Msg("websocket read error")
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if m.opts.OnFrame != nil {
			m.opts.OnFrame(data)
		}
	}
}

func (m *Manager) writePump(conn *websocket.Conn, out <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.log.Debug().Err(err).Msg("websocket write failed")
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-stop:
			return
		}
	}
}
