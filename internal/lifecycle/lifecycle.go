// Package lifecycle tracks whether the process is draining.
package lifecycle

import "sync/atomic"

// State is the process shutdown flag. The zero value is serving.
type State struct {
	shuttingDown atomic.Bool
}

// BeginShutdown marks the process as draining. Call when SIGTERM/SIGINT is
// received; health then reports shutting-down with 503.
func (s *State) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// ShuttingDown reports whether the process should stop receiving new traffic.
func (s *State) ShuttingDown() bool {
	return s.shuttingDown.Load()
}
