package relay

// State is the lifecycle phase of a relay loop.
type State int32

const (
	Idle State = iota
	Connecting
	Pulling
	Processing
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Pulling:
		return "pulling"
	case Processing:
		return "processing"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Serving reports whether the loop is connected and moving messages.
func (s State) Serving() bool {
	return s == Pulling || s == Processing
}
