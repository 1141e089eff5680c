package orchestrator

// State is the orchestrator's authentication lifecycle state.
type State string

const (
	StateLoggedOut   State = "LOGGED_OUT"
	StateNeedsReport State = "NEEDS_REPORT"
	StateReported    State = "REPORTED"
	StateRefreshing  State = "REFRESHING"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// LoggedIn reports whether the state holds a session.
func (s State) LoggedIn() bool {
	return s != StateLoggedOut
}

// ValidTransitions defines the allowed state transitions. Every logged-in
// state may fall back to StateLoggedOut.
var ValidTransitions = map[State][]State{
	StateLoggedOut:   {StateNeedsReport},
	StateNeedsReport: {StateReported, StateRefreshing, StateLoggedOut},
	StateReported:    {StateNeedsReport, StateRefreshing, StateLoggedOut},
	StateRefreshing:  {StateNeedsReport, StateReported, StateLoggedOut},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
