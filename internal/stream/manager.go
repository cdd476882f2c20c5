package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dingbridge/internal/bus"
	"dingbridge/internal/domain"
	"dingbridge/internal/metrics"

	"github.com/google/uuid"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultMissedHeartbeats  = 3
	defaultMaxFailures       = 10
)

var (
	// ErrNotConnected is wrapped by Send when the session is not Connected.
	ErrNotConnected = errors.New("stream not connected")

	errServerDisconnect = errors.New("server requested disconnect")
	errHeartbeatLost    = errors.New("heartbeat lost")
	errIdle             = errors.New("no frames within idle timeout")
)

// Manager owns the stream session: it connects, keeps the heartbeat, and
// reconnects with backoff until its context is cancelled.
type Manager struct {
	transport   Transport
	handler     Handler
	backoff     Backoff
	heartbeat   time.Duration
	maxMissed   int
	maxFailures int
	idleTimeout time.Duration
	events      *bus.EventBus
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu        sync.Mutex
	session   Session
	creds     domain.Credentials
	credsGen  uint64
	alerted   bool
	refreshed chan struct{}
}

type ManagerConfig struct {
	Transport              Transport
	Credentials            domain.Credentials
	Handler                Handler
	Backoff                Backoff
	HeartbeatInterval      time.Duration
	MissedHeartbeats       int
	MaxConsecutiveFailures int
	IdleTimeout            time.Duration // 0 disables the idle watchdog
	Events                 *bus.EventBus
	Metrics                *metrics.Metrics
	Logger                 *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = defaultMissedHeartbeats
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxFailures
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Backoff.Cap < cfg.Backoff.Base {
		cfg.Backoff.Cap = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = func(_ context.Context, d Delivery) Ack { return NewAck(d.Frame, AckOK, "OK", nil) }
	}
	return &Manager{
		transport:   cfg.Transport,
		handler:     cfg.Handler,
		backoff:     cfg.Backoff,
		heartbeat:   cfg.HeartbeatInterval,
		maxMissed:   cfg.MissedHeartbeats,
		maxFailures: cfg.MaxConsecutiveFailures,
		idleTimeout: cfg.IdleTimeout,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		session:     Session{State: Disconnected, StateName: Disconnected.String()},
		creds:       cfg.Credentials,
		refreshed:   make(chan struct{}, 1),
	}
}

// Run supervises the session until ctx is cancelled. Transport failures are
// retried forever; an AuthError parks the loop until RefreshCredentials.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("stream manager started")
	defer m.transition(Disconnected, "shutdown")

	for {
		if err := m.waitForCredentials(ctx); err != nil {
			return err
		}

		m.mu.Lock()
		creds, gen := m.creds, m.credsGen
		m.mu.Unlock()

		err := m.runOnce(ctx, creds)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case domain.IsAuth(err):
			m.haltForAuth(err, gen)
			continue
		case errors.Is(err, errServerDisconnect):
			m.metrics.Reconnect("server")
			m.transition(Reconnecting, "server disconnect")
			continue
		}

		failures := m.recordFailure(err)
		reason := failureReason(err)
		m.metrics.Reconnect(reason)
		m.transition(Reconnecting, reason)

		delay := m.backoff.Delay(failures - 1)
		m.logger.Warn("stream session lost, reconnecting",
			"err", err, "attempt", failures, "backoff", delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Send writes v on the live connection. It fails with *domain.ConnectionError
// unless the session is Connected.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn, state := m.session.conn, m.session.State
	m.mu.Unlock()
	if state != Connected || conn == nil {
		return &domain.ConnectionError{Op: "send", Err: ErrNotConnected}
	}
	if err := conn.WriteJSON(v); err != nil {
		return &domain.ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// RefreshCredentials replaces the credentials used for the next session and
// lifts an auth halt.
func (m *Manager) RefreshCredentials(creds domain.Credentials) {
	m.mu.Lock()
	m.creds = creds
	m.credsGen++
	halted := m.session.AuthHalted
	if halted {
		m.session.AuthHalted = false
		m.session.Failures = 0
		m.alerted = false
	}
	m.mu.Unlock()

	if halted {
		m.logger.Info("credentials refreshed, resuming stream sessions")
	}
	select {
	case m.refreshed <- struct{}{}:
	default:
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// Ready reports whether the session is Connected.
func (m *Manager) Ready() bool { return m.State() == Connected }

// Snapshot returns a copy of the session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.conn = nil
	return s
}

func (m *Manager) waitForCredentials(ctx context.Context) error {
	for {
		m.mu.Lock()
		halted := m.session.AuthHalted
		m.mu.Unlock()
		if !halted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.refreshed:
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, creds domain.Credentials) error {
	m.transition(Connecting, "")
	if creds.Empty() {
		return &domain.AuthError{Op: "open", Err: errors.New("client id and secret are required")}
	}
	ep, err := m.transport.Open(ctx, creds)
	if err != nil {
		return asConnectionError("open", err)
	}

	m.transition(Authenticating, "")
	conn, err := m.transport.Dial(ctx, ep)
	if err != nil {
		return asConnectionError("dial", err)
	}

	epoch := m.markConnected(conn, ep)
	defer m.dropConn(conn)
	return m.serve(ctx, conn, epoch)
}

func (m *Manager) serve(ctx context.Context, conn Conn, epoch uint64) error {
	conn.SetPongHandler(m.markAlive)

	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(ctx, conn, epoch) }()

	stop := func(err error) error {
		conn.Close()
		<-readErr
		return err
	}

	if err := conn.Ping(); err != nil {
		return stop(&domain.ConnectionError{Op: "ping", Err: err})
	}

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	missed := 0

	for {
		select {
		case <-ctx.Done():
			return stop(ctx.Err())
		case err := <-readErr:
			return err
		case <-ticker.C:
			lastAlive, lastFrame := m.lastSeen()
			if time.Since(lastAlive) >= m.heartbeat {
				missed++
				m.logger.Debug("heartbeat missed", "missed", missed, "epoch", epoch)
			} else {
				missed = 0
			}
			if missed >= m.maxMissed {
				m.transition(Degraded, fmt.Sprintf("%d heartbeats missed", missed))
				return stop(&domain.ConnectionError{Op: "heartbeat", Err: errHeartbeatLost})
			}
			if m.idleTimeout > 0 && time.Since(lastFrame) >= m.idleTimeout {
				return stop(&domain.ConnectionError{Op: "idle", Err: errIdle})
			}
			if err := conn.Ping(); err != nil {
				return stop(&domain.ConnectionError{Op: "ping", Err: err})
			}
		}
	}
}

// readLoop delivers frames in arrival order. It returns when the connection
// fails or the server asks us to go away.
func (m *Manager) readLoop(ctx context.Context, conn Conn, epoch uint64) error {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return &domain.ConnectionError{Op: "read", Err: err}
		}
		m.markAlive()
		m.metrics.Frame(f.Type)

		switch f.Type {
		case FrameSystem:
			switch f.Headers.Topic {
			case TopicPing:
				if err := conn.WriteJSON(pingAck(f)); err != nil {
					return &domain.ConnectionError{Op: "ack", Err: err}
				}
			case TopicDisconnect:
				m.logger.Info("server requested disconnect", "epoch", epoch)
				return errServerDisconnect
			default:
				m.logger.Debug("ignoring system frame", "topic", f.Headers.Topic)
			}
		case FrameEvent, FrameCallback:
			m.markFrame()
			ack := m.handler(ctx, Delivery{Epoch: epoch, Frame: f, ReceivedAt: time.Now()})
			if err := conn.WriteJSON(ack); err != nil {
				return &domain.ConnectionError{Op: "ack", Err: err}
			}
		default:
			m.logger.Warn("unknown frame type", "type", f.Type, "topic", f.Headers.Topic)
		}
	}
}

func (m *Manager) markConnected(conn Conn, ep Endpoint) uint64 {
	now := time.Now()
	m.mu.Lock()
	m.session.Epoch++
	m.session.ID = uuid.NewString()
	m.session.conn = conn
	m.session.Endpoint = ep.URL
	m.session.ConnectedAt = now
	m.session.LastHeartbeat = now
	m.session.LastFrame = now
	m.session.Failures = 0
	m.session.LastError = ""
	m.alerted = false
	epoch := m.session.Epoch
	m.mu.Unlock()

	m.transition(Connected, "")
	return epoch
}

func (m *Manager) dropConn(conn Conn) {
	m.mu.Lock()
	if m.session.conn == conn {
		m.session.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

func (m *Manager) markAlive() {
	m.mu.Lock()
	m.session.LastHeartbeat = time.Now()
	m.mu.Unlock()
}

func (m *Manager) markFrame() {
	m.mu.Lock()
	m.session.LastFrame = time.Now()
	m.mu.Unlock()
}

func (m *Manager) lastSeen() (alive, frame time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.LastHeartbeat, m.session.LastFrame
}

// recordFailure counts a failed attempt and raises the operator alert once
// per failure streak when the threshold is crossed.
func (m *Manager) recordFailure(err error) int {
	m.mu.Lock()
	m.session.Failures++
	m.session.LastError = err.Error()
	failures := m.session.Failures
	raise := failures >= m.maxFailures && !m.alerted
	if raise {
		m.alerted = true
	}
	m.mu.Unlock()

	if raise {
		m.alert("failures", err, failures)
	}
	return failures
}

// haltForAuth parks the session after creds of generation gen were
// rejected. Credentials replaced during the attempt are retried instead.
func (m *Manager) haltForAuth(err error, gen uint64) {
	m.mu.Lock()
	if m.credsGen != gen {
		m.mu.Unlock()
		m.logger.Info("credentials changed during attempt, retrying", "err", err)
		return
	}
	m.session.AuthHalted = true
	m.session.LastError = err.Error()
	failures := m.session.Failures
	m.mu.Unlock()

	m.transition(Disconnected, "auth rejected")
	m.alert("auth", err, failures)
}

func (m *Manager) alert(reason string, err error, failures int) {
	m.logger.Error("stream alert", "reason", reason, "err", err, "consecutive_failures", failures)
	m.metrics.Alert(reason)
	m.events.Emit(bus.Event{
		Type:   bus.EventStreamAlert,
		Source: "stream",
		Payload: map[string]any{
			"reason":   reason,
			"error":    err.Error(),
			"failures": failures,
		},
	})
}

func (m *Manager) transition(to State, reason string) {
	m.mu.Lock()
	from := m.session.State
	if from == to {
		m.mu.Unlock()
		return
	}
	m.session.State = to
	m.session.StateName = to.String()
	epoch := m.session.Epoch
	m.mu.Unlock()

	m.logger.Info("stream state", "from", from.String(), "to", to.String(), "epoch", epoch, "reason", reason)
	m.metrics.SetStreamState(int(to), epoch)
	m.events.Emit(bus.Event{
		Type:   bus.EventStreamState,
		Source: "stream",
		Payload: map[string]any{
			"from":   from.String(),
			"to":     to.String(),
			"epoch":  epoch,
			"reason": reason,
		},
	})
}

func asConnectionError(op string, err error) error {
	if domain.IsAuth(err) || domain.IsConnection(err) {
		return err
	}
	return &domain.ConnectionError{Op: op, Err: err}
}

func failureReason(err error) string {
	var ce *domain.ConnectionError
	if errors.As(err, &ce) && ce.Op != "" {
		return ce.Op
	}
	return "error"
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
