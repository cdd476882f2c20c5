package stream

// State is the lifecycle state of the stream session.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Degraded
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}
