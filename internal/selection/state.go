package selection

import "sync"

// State is the stage of a selection round.
type State int

const (
	StateFetching State = iota
	StateExecuting
	StateValidating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "FETCHING"
	case StateExecuting:
		return "EXECUTING"
	case StateValidating:
		return "VALIDATING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Round is the record of one selection round.
type Round struct {
	ID      string
	Outcome *int64

	mu      sync.Mutex
	state   State
	history []State
}

func newRound(id string) *Round {
	return &Round{ID: id, state: StateFetching, history: []State{StateFetching}}
}

// advance moves the round to next unless it already ended. It reports
// whether the transition happened.
func (r *Round) advance(next State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = next
	r.history = append(r.history, next)
	return true
}

// State returns the current state.
func (r *Round) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// History returns every state the round passed through.
func (r *Round) History() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.history...)
}
