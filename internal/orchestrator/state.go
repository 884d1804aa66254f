// internal/orchestrator/state.go
package orchestrator

// RunState is the lifecycle position of a run.
type RunState int

const (
	StateCreated RunState = iota
	StateSessionEstablishing
	StateRunning
	StateFinalizing
	StateClosed
)

func (s RunState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSessionEstablishing:
		return "session_establishing"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
