package stream

import (
	"context"
	"time"

	"dingbridge/internal/domain"
)

// Endpoint is where a session dials, as handed out by the gateway.
type Endpoint struct {
	URL    string
	Ticket string
}

// Transport opens stream sessions. Open registers with the gateway and
// returns a one-time endpoint; Dial performs the ticket-authenticated
// upgrade. Both return *domain.AuthError when credentials are rejected.
type Transport interface {
	Open(ctx context.Context, creds domain.Credentials) (Endpoint, error)
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// Conn is one live duplex connection. WriteJSON and Ping must be safe for
// concurrent use with ReadFrame.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteJSON(v any) error
	Ping() error
	SetPongHandler(func())
	Close() error
}

// Delivery is a data frame handed to the handler, tagged with the epoch of
// the connection it arrived on.
type Delivery struct {
	Epoch      uint64
	Frame      Frame
	ReceivedAt time.Time
}

// Handler processes a data frame and returns the ACK to write back. It runs
// on the read loop and must not block on agent work.
type Handler func(ctx context.Context, d Delivery) Ack

// Session is the single stream session owned by a Manager. Values returned
// by Manager.Snapshot are copies without the connection handle.
type Session struct {
	ID            string    `json:"id,omitempty"`
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	Epoch         uint64    `json:"epoch"`
	Endpoint      string    `json:"endpoint,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	LastFrame     time.Time `json:"last_frame,omitempty"`
	Failures      int       `json:"consecutive_failures"`
	AuthHalted    bool      `json:"auth_halted"`
	LastError     string    `json:"last_error,omitempty"`

	conn Conn
}
