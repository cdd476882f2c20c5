package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dingbridge/internal/bus"
	"dingbridge/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frames chan Frame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  []any
	pings    int
	autoPong bool
	onPong   func()
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		frames:   make(chan Frame, 16),
		closed:   make(chan struct{}),
		autoPong: autoPong,
	}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return Frame{}, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, v)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping() error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.pings++
	var pong func()
	if c.autoPong {
		pong = c.onPong
	}
	c.mu.Unlock()
	if pong != nil {
		pong()
	}
	return nil
}

func (c *fakeConn) SetPongHandler(h func()) {
	c.mu.Lock()
	c.onPong = h
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) acks() []Ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Ack
	for _, v := range c.written {
		if a, ok := v.(Ack); ok {
			out = append(out, a)
		}
	}
	return out
}

func (c *fakeConn) writes() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.written...)
}

type fakeTransport struct {
	autoPong bool
	openErr  func(n int, creds domain.Credentials) error
	conns    chan *fakeConn

	mu    sync.Mutex
	opens int
}

func newFakeTransport(autoPong bool) *fakeTransport {
	return &fakeTransport{autoPong: autoPong, conns: make(chan *fakeConn, 64)}
}

func (t *fakeTransport) Open(_ context.Context, creds domain.Credentials) (Endpoint, error) {
	t.mu.Lock()
	t.opens++
	n := t.opens
	t.mu.Unlock()
	if t.openErr != nil {
		if err := t.openErr(n, creds); err != nil {
			return Endpoint{}, err
		}
	}
	return Endpoint{URL: "wss://stream.test/connect", Ticket: "ticket"}, nil
}

func (t *fakeTransport) Dial(_ context.Context, _ Endpoint) (Conn, error) {
	c := newFakeConn(t.autoPong)
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) next(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	states []string
	alerts []map[string]any
}

func (r *recorder) stateList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func (r *recorder) alertList() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.alerts...)
}

var goodCreds = domain.Credentials{ClientID: "ding-app", ClientSecret: "secret"}

func startManager(t *testing.T, tr Transport, opts ...func(*ManagerConfig)) (*Manager, *recorder, <-chan error) {
	t.Helper()
	rec := &recorder{}
	events := bus.NewEventBus(nil)
	events.On(bus.EventStreamState, func(e bus.Event) {
		rec.mu.Lock()
		rec.states = append(rec.states, e.Payload["to"].(string))
		rec.mu.Unlock()
	})
	events.On(bus.EventStreamAlert, func(e bus.Event) {
		rec.mu.Lock()
		rec.alerts = append(rec.alerts, e.Payload)
		rec.mu.Unlock()
	})

	cfg := ManagerConfig{
		Transport:   tr,
		Credentials: goodCreds,
		Backoff:     Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond},
		Events:      events,
	}
	for _, o := range opts {
		o(&cfg)
	}
	m := NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("manager did not stop")
		}
	})
	return m, rec, done
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, time.Millisecond,
		"state never reached %s", want)
}

func TestManager_ConnectsAndAcksDeliveries(t *testing.T) {
	tr := newFakeTransport(true)
	got := make(chan Delivery, 1)
	m, rec, _ := startManager(t, tr, func(c *ManagerConfig) {
		c.Handler = func(_ context.Context, d Delivery) Ack {
			got <- d
			return NewAck(d.Frame, AckOK, "OK", map[string]string{"response": "ok"})
		}
	})

	conn := tr.next(t)
	waitState(t, m, Connected)

	conn.frames <- Frame{
		Type:    FrameCallback,
		Headers: Headers{Topic: "/v1.0/graph/api/invoke", MessageID: "msg-1"},
		Data:    `{"body":"{}"}`,
	}

	select {
	case d := <-got:
		assert.Equal(t, uint64(1), d.Epoch)
		assert.Equal(t, "msg-1", d.Frame.Headers.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	require.Eventually(t, func() bool { return len(conn.acks()) == 1 }, time.Second, time.Millisecond)
	ack := conn.acks()[0]
	assert.Equal(t, AckOK, ack.Code)
	assert.Equal(t, "msg-1", ack.Headers.MessageID)
	assert.JSONEq(t, `{"response":"ok"}`, ack.Data)

	assert.Equal(t, []string{"connecting", "authenticating", "connected"}, rec.stateList()[:3])
	snap := m.Snapshot()
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "connected", snap.StateName)
	assert.Equal(t, "wss://stream.test/connect", snap.Endpoint)
}

func TestManager_EchoesSystemPing(t *testing.T) {
	tr := newFakeTransport(true)
	m, _, _ := startManager(t, tr)
	conn := tr.next(t)
	waitState(t, m, Connected)

	conn.frames <- Frame{
		Type:    FrameSystem,
		Headers: Headers{Topic: TopicPing, MessageID: "ping-7"},
		Data:    `{"opaque":"abc"}`,
	}

	require.Eventually(t, func() bool { return len(conn.acks()) == 1 }, time.Second, time.Millisecond)
	ack := conn.acks()[0]
	assert.Equal(t, AckOK, ack.Code)
	assert.Equal(t, "ping-7", ack.Headers.MessageID)
	assert.Equal(t, `{"opaque":"abc"}`, ack.Data)
}

func TestManager_ReconnectIncrementsEpoch(t *testing.T) {
	tr := newFakeTransport(true)
	epochs := make(chan uint64, 4)
	m, rec, _ := startManager(t, tr, func(c *ManagerConfig) {
		c.Handler = func(_ context.Context, d Delivery) Ack {
			epochs <- d.Epoch
			return NewAck(d.Frame, AckOK, "OK", nil)
		}
	})

	first := tr.next(t)
	waitState(t, m, Connected)
	first.Close()

	second := tr.next(t)
	waitState(t, m, Connected)
	assert.Equal(t, uint64(2), m.Snapshot().Epoch)
	assert.Equal(t, 0, m.Snapshot().Failures)
	assert.Contains(t, rec.stateList(), "reconnecting")

	second.frames <- Frame{Type: FrameEvent, Headers: Headers{MessageID: "after"}}
	select {
	case e := <-epochs:
		assert.Equal(t, uint64(2), e)
	case <-time.After(2 * time.Second):
		t.Fatal("frame on new connection not delivered")
	}
}

func TestManager_SendRequiresConnected(t *testing.T) {
	m := NewManager(ManagerConfig{Transport: newFakeTransport(true), Credentials: goodCreds})
	err := m.Send(map[string]string{"k": "v"})
	require.Error(t, err)
	assert.True(t, domain.IsConnection(err))
	assert.ErrorIs(t, err, ErrNotConnected)

	tr := newFakeTransport(true)
	live, _, _ := startManager(t, tr)
	conn := tr.next(t)
	waitState(t, live, Connected)
	require.NoError(t, live.Send(map[string]string{"k": "v"}))
	assert.Len(t, conn.writes(), 1)
}

func TestManager_MissedHeartbeatsDegradeAndReconnect(t *testing.T) {
	tr := newFakeTransport(false)
	m, rec, _ := startManager(t, tr, func(c *ManagerConfig) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.MissedHeartbeats = 2
	})

	tr.next(t)
	waitState(t, m, Connected)
	tr.next(t)

	assert.Contains(t, rec.stateList(), "degraded")
	require.Eventually(t, func() bool { return m.Snapshot().Epoch >= 2 }, time.Second, time.Millisecond)
}

func TestManager_PongsKeepSessionAlive(t *testing.T) {
	tr := newFakeTransport(true)
	m, rec, _ := startManager(t, tr, func(c *ManagerConfig) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.MissedHeartbeats = 2
	})
	tr.next(t)
	waitState(t, m, Connected)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, uint64(1), m.Snapshot().Epoch)
	assert.NotContains(t, rec.stateList(), "degraded")
}

func TestManager_IdleWatchdogReconnects(t *testing.T) {
	tr := newFakeTransport(true)
	m, _, _ := startManager(t, tr, func(c *ManagerConfig) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.IdleTimeout = 30 * time.Millisecond
	})
	tr.next(t)
	tr.next(t)
	require.Eventually(t, func() bool { return m.Snapshot().Epoch >= 2 }, time.Second, time.Millisecond)
}

func TestManager_AuthErrorHaltsUntilRefresh(t *testing.T) {
	tr := newFakeTransport(true)
	tr.openErr = func(_ int, creds domain.Credentials) error {
		if creds.ClientSecret != "rotated" {
			return &domain.AuthError{Op: "open", Err: errors.New("401 unauthorized")}
		}
		return nil
	}
	m, rec, _ := startManager(t, tr)

	require.Eventually(t, func() bool { return len(rec.alertList()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "auth", rec.alertList()[0]["reason"])
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, m.Snapshot().AuthHalted)

	opens := tr.openCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, opens, tr.openCount(), "no attempts while halted")

	m.RefreshCredentials(domain.Credentials{ClientID: "ding-app", ClientSecret: "rotated"})
	tr.next(t)
	waitState(t, m, Connected)
	assert.False(t, m.Snapshot().AuthHalted)
}

func TestManager_RefreshDuringRejectedAttemptRetries(t *testing.T) {
	opening := make(chan struct{})
	release := make(chan struct{})
	tr := newFakeTransport(true)
	tr.openErr = func(n int, creds domain.Credentials) error {
		if n == 1 {
			close(opening)
			<-release
		}
		if creds.ClientSecret != "rotated" {
			return &domain.AuthError{Op: "open", Err: errors.New("401 unauthorized")}
		}
		return nil
	}
	m, rec, _ := startManager(t, tr)

	<-opening
	m.RefreshCredentials(domain.Credentials{ClientID: "ding-app", ClientSecret: "rotated"})
	close(release)

	tr.next(t)
	waitState(t, m, Connected)
	assert.False(t, m.Snapshot().AuthHalted)
	assert.Empty(t, rec.alertList())
	assert.Equal(t, 2, tr.openCount())
}

func TestManager_EmptyCredentialsHalt(t *testing.T) {
	tr := newFakeTransport(true)
	m, rec, _ := startManager(t, tr, func(c *ManagerConfig) {
		c.Credentials = domain.Credentials{}
	})
	require.Eventually(t, func() bool { return m.Snapshot().AuthHalted }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, tr.openCount())
	require.Eventually(t, func() bool { return len(rec.alertList()) == 1 }, time.Second, time.Millisecond)
}

func TestManager_AlertsOnceAfterMaxFailures(t *testing.T) {
	tr := newFakeTransport(true)
	tr.openErr = func(int, domain.Credentials) error { return errors.New("connection refused") }
	m, rec, _ := startManager(t, tr, func(c *ManagerConfig) {
		c.MaxConsecutiveFailures = 3
	})

	require.Eventually(t, func() bool { return tr.openCount() >= 8 }, 2*time.Second, time.Millisecond)
	alerts := rec.alertList()
	require.Len(t, alerts, 1)
	assert.Equal(t, "failures", alerts[0]["reason"])
	assert.Equal(t, 3, alerts[0]["failures"])
	assert.GreaterOrEqual(t, m.Snapshot().Failures, 7)
	assert.NotEqual(t, Connected, m.State())
}

func TestManager_ServerDisconnectReconnectsWithoutPenalty(t *testing.T) {
	tr := newFakeTransport(true)
	m, _, _ := startManager(t, tr)
	first := tr.next(t)
	waitState(t, m, Connected)

	first.frames <- Frame{Type: FrameSystem, Headers: Headers{Topic: TopicDisconnect, MessageID: "bye"}}

	tr.next(t)
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Epoch == 2 && s.State == Connected
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, m.Snapshot().Failures)
	assert.Empty(t, first.acks())
}

func TestManager_StopsOnCancel(t *testing.T) {
	tr := newFakeTransport(true)
	m := NewManager(ManagerConfig{Transport: tr, Credentials: goodCreds})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	conn := tr.next(t)
	waitState(t, m, Connected)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Disconnected, m.State())
	_, err := conn.ReadFrame()
	assert.Error(t, err, "connection closed on shutdown")
}
