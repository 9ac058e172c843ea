package realtime

// ConnState is the lifecycle of the push event connection. The engine
// surfaces it to callers so UIs can render a channel indicator;
// Disconnected and Error are ordinary states, not crashes: writes keep
// queueing while the channel is down.
type ConnState int32

const (
	StateInitializing ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
