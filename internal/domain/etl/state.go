package etl

// ProviderState represents the lifecycle states of an import provider.
// It is implemented as a value object using a string type to ensure type safety
// and domain invariants. The state transitions form a state machine that
// enforces valid lifecycle progression.
type ProviderState string

const (
	// StateIdle indicates the provider is constructed but has not started
	// importing. This is the initial state for every provider, including
	// providers reconstructed after a process restart.
	StateIdle ProviderState = "IDLE"

	// StateAcquiring indicates the provider is loading its resumption
	// checkpoint and acquiring initial resources before entering RUNNING.
	StateAcquiring ProviderState = "ACQUIRING"

	// StateRunning indicates the work loop is actively importing units.
	StateRunning ProviderState = "RUNNING"

	// StatePaused indicates the work loop was suspended at a unit boundary
	// by an operator and can be resumed.
	StatePaused ProviderState = "PAUSED"

	// StateWaitingQuota indicates the upstream source rate-limited the
	// provider; the work loop re-enters RUNNING on its own once the recorded
	// retry time elapses.
	StateWaitingQuota ProviderState = "WAITING_QUOTA"

	// StateWaitingBackoff indicates a transient work failure; the work loop
	// retries automatically with an exponentially increasing delay.
	StateWaitingBackoff ProviderState = "WAITING_BACKOFF"

	// StateTerminated indicates the provider was stopped. This is a terminal
	// state with no outgoing transitions.
	StateTerminated ProviderState = "TERMINATED"
)

// validTransitions defines the allowed state transitions for providers.
// An empty slice indicates a terminal state with no allowed transitions.
var validTransitions = map[ProviderState][]ProviderState{
	StateIdle:           {StateAcquiring, StateTerminated},
	StateAcquiring:      {StateRunning, StateTerminated},
	StateRunning:        {StatePaused, StateWaitingQuota, StateWaitingBackoff, StateTerminated},
	StatePaused:         {StateAcquiring, StateTerminated},
	StateWaitingQuota:   {StateRunning, StateTerminated},
	StateWaitingBackoff: {StateRunning, StateTerminated},
	StateTerminated:     {}, // Terminal state
}

// IsTerminal returns true if no transition leaves the state.
func (s ProviderState) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// IsActive returns true for states that count toward the macro machine's
// active provider total: the provider holds resources or has work pending.
func (s ProviderState) IsActive() bool {
	switch s {
	case StateAcquiring, StateRunning, StateWaitingQuota, StateWaitingBackoff:
		return true
	}
	return false
}

// validState reports whether the value is one of the closed set of states.
func (s ProviderState) validState() bool {
	_, ok := validTransitions[s]
	return ok
}
