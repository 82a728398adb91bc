package collab

// SessionState tracks an editing session through its lifecycle. Transitions:
// Connecting → Authenticating → {Authorized, Rejected} → Editing ⇄ Saving → Closed.
type SessionState string

const (
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateAuthorized     SessionState = "authorized"
	StateRejected       SessionState = "rejected"
	StateEditing        SessionState = "editing"
	StateSaving         SessionState = "saving"
	StateClosed         SessionState = "closed"
)

var validTransitions = map[SessionState][]SessionState{
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateAuthorized, StateRejected},
	StateAuthorized:     {StateEditing, StateClosed},
	StateRejected:       {StateClosed},
	StateEditing:        {StateSaving, StateClosed},
	StateSaving:         {StateEditing, StateClosed},
	StateClosed:         {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
