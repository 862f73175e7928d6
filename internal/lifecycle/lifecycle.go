package lifecycle

import (
	"sync/atomic"
	"time"
)

// State tracks process start time and the draining flag reported by /health.
type State struct {
	startedAt    time.Time
	shuttingDown atomic.Bool
}

// New returns a State whose uptime starts now.
func New() *State {
	return &State{startedAt: time.Now()}
}

// SetShuttingDown sets the draining flag. Call when SIGTERM/SIGINT is received.
func (s *State) SetShuttingDown(v bool) {
	s.shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func (s *State) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

// StartedAt returns the process start time.
func (s *State) StartedAt() time.Time {
	return s.startedAt
}

// Uptime returns the time elapsed since New.
func (s *State) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
