package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dingbridge/internal/domain"
	"dingbridge/internal/stream"

	"github.com/gorilla/websocket"
)

const (
	DefaultAPIBase = "https://api.dingtalk.com"
	DefaultTopic   = "/v1.0/graph/api/invoke"

	gatewayOpenPath = "/v1.0/gateway/connections/open"
	userAgent       = "dingbridge/1.0"
)

// DingTalkConfig configures the DingTalk stream transport.
type DingTalkConfig struct {
	APIBase      string   // default: https://api.dingtalk.com
	Topics       []string // CALLBACK topics to subscribe (default: graph invoke)
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// DingTalkTransport opens DingTalk stream sessions: it registers with the
// connection gateway and dials the returned endpoint with the one-time ticket.
type DingTalkTransport struct {
	apiBase      string
	topics       []string
	client       *http.Client
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewDingTalkTransport creates a transport with defaults applied.
func NewDingTalkTransport(cfg DingTalkConfig) *DingTalkTransport {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{DefaultTopic}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DingTalkTransport{
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		topics:       cfg.Topics,
		client:       cfg.HTTPClient,
		dialer:       cfg.Dialer,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
	}
}

type subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type openRequest struct {
	ClientID      string         `json:"clientId"`
	ClientSecret  string         `json:"clientSecret"`
	Subscriptions []subscription `json:"subscriptions"`
	UA            string         `json:"ua"`
}

type openResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// Open registers the client with the gateway and returns the endpoint to dial.
func (t *DingTalkTransport) Open(ctx context.Context, creds domain.Credentials) (stream.Endpoint, error) {
	subs := make([]subscription, 0, len(t.topics)+1)
	subs = append(subs, subscription{Type: stream.FrameEvent, Topic: "*"})
	for _, topic := range t.topics {
		subs = append(subs, subscription{Type: stream.FrameCallback, Topic: topic})
	}
	payload, err := json.Marshal(openRequest{
		ClientID:      creds.ClientID,
		ClientSecret:  creds.ClientSecret,
		Subscriptions: subs,
		UA:            userAgent,
	})
	if err != nil {
		return stream.Endpoint{}, fmt.Errorf("marshal open request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+gatewayOpenPath, bytes.NewReader(payload))
	if err != nil {
		return stream.Endpoint{}, fmt.Errorf("create open request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return stream.Endpoint{}, &domain.ConnectionError{Op: "open", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return stream.Endpoint{}, &domain.AuthError{Op: "open", Err: fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(body))}
	case resp.StatusCode >= 300:
		return stream.Endpoint{}, &domain.ConnectionError{Op: "open", Err: fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(body))}
	}

	var out openResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return stream.Endpoint{}, &domain.ConnectionError{Op: "open", Err: fmt.Errorf("decode gateway response: %w", err)}
	}
	if out.Endpoint == "" || out.Ticket == "" {
		return stream.Endpoint{}, &domain.ConnectionError{Op: "open", Err: fmt.Errorf("gateway response missing endpoint or ticket")}
	}
	t.logger.Debug("gateway opened", "endpoint", out.Endpoint)
	return stream.Endpoint{URL: out.Endpoint, Ticket: out.Ticket}, nil
}

// Dial upgrades to the stream websocket, presenting the ticket.
func (t *DingTalkTransport) Dial(ctx context.Context, ep stream.Endpoint) (stream.Conn, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, &domain.ConnectionError{Op: "dial", Err: fmt.Errorf("parse endpoint: %w", err)}
	}
	q := u.Query()
	q.Set("ticket", ep.Ticket)
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &domain.AuthError{Op: "dial", Err: fmt.Errorf("ticket rejected: status %d", resp.StatusCode)}
		}
		return nil, &domain.ConnectionError{Op: "dial", Err: err}
	}
	return &wsConn{conn: conn, writeTimeout: t.writeTimeout, logger: t.logger}, nil
}

// wsConn adapts a gorilla connection to stream.Conn. Writes are serialized.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex
}

func (c *wsConn) ReadFrame() (stream.Frame, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return stream.Frame{}, err
		}
		var f stream.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("skipping malformed stream frame", "err", err, "size", len(data))
			continue
		}
		return f, nil
	}
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// SetPongHandler registers h for pongs. Server-initiated pings count as
// liveness too and are still answered.
func (c *wsConn) SetPongHandler(h func()) {
	c.conn.SetPongHandler(func(string) error {
		h()
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		h()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func truncate(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
