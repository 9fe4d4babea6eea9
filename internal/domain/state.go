package domain

import "fmt"

var transitions = map[State][]State{
	Pending:    {Dispatched, Succeeded, Failed, Expired, Pending},
	Dispatched: {Running, Succeeded, Failed, Expired, Pending},
	Running:    {Succeeded, Failed, Expired, Pending},
}

func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, Expired:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case Pending, Dispatched, Running, Succeeded, Failed, Expired:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to
// next. PENDING to PENDING is the retry edge and requires a new attempt.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move and returns ErrInvalidTransition when the
// machine does not allow it.
func (s State) Transition(next State) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// ParseState converts a stored value back to a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job state %q", v)
	}
	return s, nil
}
