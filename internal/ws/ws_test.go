package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeBackend is a minimal realtime endpoint. It records handshakes and
// inbound frames and lets tests push frames or close connections.
type fakeBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	reject    atomic.Int32
	attempts  atomic.Int32
	mu        sync.Mutex
	conns     []*websocket.Conn
	tokens    []string
	received  chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	gin.SetMode(gin.TestMode)

	b := &fakeBackend{received: make(chan string, 16)}
	router := gin.New()
	router.GET("/chat/ws", func(c *gin.Context) {
		b.attempts.Add(1)
		if status := b.reject.Load(); status != 0 {
			c.JSON(int(status), gin.H{"detail": "rejected"})
			return
		}

		conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.tokens = append(b.tokens, c.Query("token"))
		b.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.received <- string(data)
		}
	})

	b.server = httptest.NewServer(router)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/chat/ws"
}

func (b *fakeBackend) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBackend) last() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(b *fakeBackend, opts Options) *Manager {
	opts.URL = b.url()
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	opts.Logger = zerolog.Nop()
	return NewManager(opts)
}

func TestConnectSendAndReceive(t *testing.T) {
	b := newFakeBackend(t)

	frames := make(chan string, 4)
	m := newTestManager(b, Options{OnFrame: func(data []byte) { frames <- string(data) }})
	log := &stateLog{}
	m.Subscribe(log.record)

	m.Connect("secret-token")
	defer m.Disconnect()
	waitFor(t, "connected", func() bool { return m.State() == Connected })
	waitFor(t, "server side conn", func() bool { return b.connCount() == 1 })

	if got := log.snapshot(); len(got) != 2 || got[0] != Connecting || got[1] != Connected {
		t.Fatalf("states = %v, want [connecting connected]", got)
	}
	b.mu.Lock()
	token := b.tokens[0]
	b.mu.Unlock()
	if token != "secret-token" {
		t.Fatalf("token = %q", token)
	}

	if err := m.Send(map[string]any{"type": "text", "receiver_id": 7, "content": "hi"}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	select {
	case got := <-b.received:
		if !strings.Contains(got, `"content":"hi"`) {
			t.Fatalf("server received %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive frame")
	}

	b.last().WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","user_id":1}`))
	select {
	case got := <-frames:
		if got != `{"type":"connected","user_id":1}` {
			t.Fatalf("frame = %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestConnectWhileActiveIsNoop(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(b, Options{})

	m.Connect("t")
	m.Connect("t")
	defer m.Disconnect()
	waitFor(t, "connected", func() bool { return m.State() == Connected })
	time.Sleep(30 * time.Millisecond)

	if n := b.attempts.Load(); n != 1 {
		t.Fatalf("handshakes = %d, want 1", n)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(b, Options{})

	if err := m.Send(map[string]any{"type": "text"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(b, Options{})
	log := &stateLog{}
	m.Subscribe(log.record)

	m.Connect("t")
	defer m.Disconnect()
	waitFor(t, "first conn", func() bool { return b.connCount() == 1 })

	b.last().Close()

	waitFor(t, "second conn", func() bool { return b.connCount() == 2 })
	waitFor(t, "connected again", func() bool { return m.State() == Connected })

	want := []State{Connecting, Connected, Reconnecting, Connected}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	b := newFakeBackend(t)
	m := newTestManager(b, Options{})

	m.Connect("t")
	waitFor(t, "connected", func() bool { return m.State() == Connected })

	m.Disconnect()
	if m.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
	if err := m.Send(map[string]any{"type": "text"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after Disconnect = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := b.attempts.Load(); n != 1 {
		t.Fatalf("handshakes = %d, want 1", n)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s after wait", m.State())
	}
}

func TestUnauthorizedHandshakeNotRetried(t *testing.T) {
	b := newFakeBackend(t)
	b.reject.Store(http.StatusUnauthorized)

	var calls atomic.Int32
	m := newTestManager(b, Options{OnUnauthorized: func() { calls.Add(1) }})

	m.Connect("expired")
	waitFor(t, "unauthorized callback", func() bool { return calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)

	if n := b.attempts.Load(); n != 1 {
		t.Fatalf("handshakes = %d, want 1", n)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
	if m.supervising() {
		t.Fatal("supervisor context kept after rejection")
	}
}

func TestUnauthorizedCloseCode(t *testing.T) {
	b := newFakeBackend(t)

	var calls atomic.Int32
	m := newTestManager(b, Options{OnUnauthorized: func() { calls.Add(1) }})

	m.Connect("t")
	waitFor(t, "server side conn", func() bool { return b.connCount() == 1 })

	b.last().WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseUnauthorized, "invalid token"),
		time.Now().Add(time.Second))

	waitFor(t, "unauthorized callback", func() bool { return calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := b.connCount(); n != 1 {
		t.Fatalf("conns = %d, want no redial", n)
	}
}

func TestGivesUpAfterAttempts(t *testing.T) {
	b := newFakeBackend(t)
	b.reject.Store(http.StatusServiceUnavailable)

	var unauthorized atomic.Int32
	m := newTestManager(b, Options{
		ReconnectAttempts: 3,
		OnUnauthorized:    func() { unauthorized.Add(1) },
	})
	log := &stateLog{}
	m.Subscribe(log.record)

	m.Connect("t")
	waitFor(t, "give up", func() bool {
		got := log.snapshot()
		return len(got) > 0 && got[len(got)-1] == Disconnected
	})
	time.Sleep(50 * time.Millisecond)

	if n := b.attempts.Load(); n != 3 {
		t.Fatalf("handshakes = %d, want 3", n)
	}
	if unauthorized.Load() != 0 {
		t.Fatal("transient failures treated as unauthorized")
	}
	if m.supervising() {
		t.Fatal("supervisor context kept after giving up")
	}

	// A fresh Connect after giving up starts a new cycle.
	b.reject.Store(0)
	m.Connect("t")
	defer m.Disconnect()
	waitFor(t, "connected", func() bool { return m.State() == Connected })
}

// supervising reports whether a supervisor context is still held.
func (m *Manager) supervising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}
