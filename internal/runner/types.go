package runner

import "time"

// Spec describes one script run. The child inherits the runner's working
// directory and environment, so Script should be an absolute path.
type Spec struct {
	Interpreter string
	Script      string
	// OnStart is called with the child's PID once it is running
	OnStart func(pid int)
}

// ExitStatus represents how a child process ended
type ExitStatus struct {
	Code      int           `json:"code"`
	PID       int           `json:"pid"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Success reports a zero exit code
func (s ExitStatus) Success() bool {
	return s.Code == 0
}
