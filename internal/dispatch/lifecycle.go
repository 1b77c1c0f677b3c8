package dispatch

import "time"

// State is a step of an execution lifecycle
type State string

const (
	StateFetched       State = "fetched"
	StateStartReported State = "start_reported"
	StateMaterialized  State = "materialized"
	StateSpawned       State = "spawned"
	StateExited        State = "exited"
	StateAbandoned     State = "abandoned"
	StateFailed        State = "failed"
	StateReported      State = "reported"
)

// Terminal reports whether no further transition can follow, given whether
// terminal status reporting is enabled.
func (s State) Terminal(reportExit bool) bool {
	switch s {
	case StateAbandoned, StateReported:
		return true
	case StateExited, StateFailed:
		return !reportExit
	}
	return false
}

// transitions lists the allowed moves of the lifecycle state machine
var transitions = map[State][]State{
	StateFetched:       {StateStartReported, StateAbandoned},
	StateStartReported: {StateMaterialized, StateFailed},
	StateMaterialized:  {StateSpawned, StateFailed},
	StateSpawned:       {StateExited, StateFailed},
	StateExited:        {StateReported},
	StateFailed:        {StateReported},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Lifecycle is a snapshot of one dispatched execution
type Lifecycle struct {
	DispatchID   string    `json:"dispatch_id"`
	ExecID       string    `json:"exec_id"`
	TaskID       string    `json:"task_id"`
	TaskName     string    `json:"task_name"`
	State        State     `json:"state"`
	ScriptPath   string    `json:"script_path,omitempty"`
	PID          int       `json:"pid,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	Final        bool      `json:"final"`
	DispatchedAt time.Time `json:"dispatched_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Observer receives a snapshot after every transition. Observers are called
// from lifecycle goroutines and must be safe for concurrent use.
type Observer interface {
	Observe(lc Lifecycle)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(lc Lifecycle)

// Observe calls f(lc)
func (f ObserverFunc) Observe(lc Lifecycle) {
	f(lc)
}
