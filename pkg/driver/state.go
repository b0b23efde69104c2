package driver

// State is the connection lifecycle. It only moves forward, or to Failed
// from any non-terminal state.
type State int32

const (
	Uninitialized State = iota
	Handshaking
	Established
	ShuttingDown
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case ShuttingDown:
		return "shutting_down"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the transport has been released.
func (s State) Terminal() bool { return s == Closed || s == Failed }

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	return to == from+1
}

// OpKind is the logical intent of a pending operation.
type OpKind int

const (
	OpHandshake OpKind = iota
	OpRead
	OpWrite
	OpShutdown
)

func (k OpKind) String() string {
	switch k {
	case OpHandshake:
		return "handshake"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// op is the in-flight operation and its progress, kept across suspensions.
type op struct {
	kind OpKind
	p    []byte

	// n is plaintext delivered (read) or accepted by the engine (write).
	n int
	// finished: the engine reported Complete; only flushing remains.
	finished bool

	// shutdown progress
	closeQueued bool
	closeSent   bool
	attempts    int
	deadlineSet bool
}
