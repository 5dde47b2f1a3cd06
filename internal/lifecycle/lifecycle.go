// Package lifecycle defines the issue state machine: the closed set of
// lifecycle states and the legality of transitions between them.
package lifecycle

import "fmt"

type State string

const (
	Created      State = "CREATED"
	SpecReady    State = "SPEC_READY"
	Implementing State = "IMPLEMENTING"
	Verified     State = "VERIFIED"
	MergeReady   State = "MERGE_READY"
	Done         State = "DONE"
	Hold         State = "HOLD"
	Killed       State = "KILLED"
)

// Blocker codes returned by CheckTransition.
const (
	CodeUnknownState       = "UNKNOWN_STATE"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
)

// sequence is the canonical forward progression of active states.
var sequence = []State{Created, SpecReady, Implementing, Verified, MergeReady, Done}

var seqIndex = func() map[State]int {
	m := make(map[State]int, len(sequence))
	for i, s := range sequence {
		m[s] = i
	}
	return m
}()

// TransitionError reports an illegal or unrecognized transition. Code is
// either CodeUnknownState or CodeInvariantViolation.
type TransitionError struct {
	Code string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	if e.Code == CodeUnknownState {
		return fmt.Sprintf("unknown lifecycle state in transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("transition %s -> %s is not allowed", e.From, e.To)
}

// Known reports whether s names a lifecycle state.
func Known(s State) bool {
	switch s {
	case Created, SpecReady, Implementing, Verified, MergeReady, Done, Hold, Killed:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func Terminal(s State) bool {
	return s == Done || s == Killed
}

// AllowedNextStates returns the set of states reachable from s in one
// transition. Terminal and unknown states have an empty set.
func AllowedNextStates(s State) map[State]bool {
	out := map[State]bool{}
	if !Known(s) || Terminal(s) {
		return out
	}
	if s == Hold {
		// A held issue resumes to any active sequence state or is killed.
		// Resuming to DONE directly is never allowed.
		for _, a := range sequence[:len(sequence)-1] {
			out[a] = true
		}
		out[Killed] = true
		return out
	}
	idx := seqIndex[s]
	if idx+1 < len(sequence) {
		out[sequence[idx+1]] = true
	}
	if idx > 0 {
		out[sequence[idx-1]] = true
	}
	out[Hold] = true
	out[Killed] = true
	return out
}

// IsTransitionAllowed reports whether from -> to is a legal transition.
// Unknown states are never allowed.
func IsTransitionAllowed(from, to State) bool {
	return AllowedNextStates(from)[to]
}

// CheckTransition validates from -> to, returning a nil error when legal and
// a *TransitionError otherwise. An unrecognized state name yields
// CodeUnknownState; a recognized but illegal move yields
// CodeInvariantViolation.
func CheckTransition(from, to State) error {
	if !Known(from) || !Known(to) {
		return &TransitionError{Code: CodeUnknownState, From: from, To: to}
	}
	if !IsTransitionAllowed(from, to) {
		return &TransitionError{Code: CodeInvariantViolation, From: from, To: to}
	}
	return nil
}
