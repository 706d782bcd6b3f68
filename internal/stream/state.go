package stream

// State is the lifecycle state of a playback session.
type State uint8

const (
	StateIdle State = iota
	StateLoadingMaster
	StateLoadingMedia
	StateStreaming
	StateEnded
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoadingMaster:
		return "LOADING_MASTER"
	case StateLoadingMedia:
		return "LOADING_MEDIA"
	case StateStreaming:
		return "STREAMING"
	case StateEnded:
		return "ENDED"
	case StateFailed:
		return "FAILED"
	case StateDisposed:
		return "DISPOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateDisposed
}

// canTransition reports whether from -> to is a legal lifecycle step.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}

	switch to {
	case StateLoadingMaster:
		return from == StateIdle
	case StateLoadingMedia:
		return from == StateLoadingMaster
	case StateStreaming:
		return from == StateLoadingMedia
	case StateEnded:
		return from == StateStreaming
	case StateFailed, StateDisposed:
		return true
	default:
		return false
	}
}
