package transport

// State is the connection state of a Session, advancing
// Disconnected → Connecting → Connected → Streaming → Disconnected,
// with Failed as a terminal-per-attempt state that triggers reconnection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
