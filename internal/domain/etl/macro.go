package etl

// MacroStatus represents the lifecycle states of the aggregate machine that
// supervises the whole provider population. It is derived from provider
// snapshots at read time, never independently stored.
type MacroStatus string

const (
	// MacroStatusBootstrapping indicates the engine is loading the registry
	// and each provider's most recent checkpoint.
	MacroStatusBootstrapping MacroStatus = "BOOTSTRAPPING"

	// MacroStatusOrchestrating is the steady state in which individual and
	// batch control operations are accepted.
	MacroStatusOrchestrating MacroStatus = "ORCHESTRATING"

	// MacroStatusStabilizing indicates a batch operation was issued and the
	// affected providers have not yet converged on the requested state.
	MacroStatusStabilizing MacroStatus = "STABILIZING"

	// MacroStatusDraining indicates a stop-all was issued and the engine is
	// waiting for every provider to reach TERMINATED.
	MacroStatusDraining MacroStatus = "DRAINING"

	// MacroStatusIdle is the terminal quiescent state: every provider is
	// TERMINATED. Queries remain valid.
	MacroStatusIdle MacroStatus = "IDLE"
)

// MacroSnapshot is the read-time view of the macro machine. ActiveProviders is
// the count of providers in ACQUIRING, RUNNING, WAITING_QUOTA or
// WAITING_BACKOFF; the invariant 0 <= ActiveProviders <= TotalProviders holds
// by construction.
type MacroSnapshot struct {
	ID              string      `json:"id"`
	Status          MacroStatus `json:"state"`
	TotalProviders  int         `json:"total_providers"`
	ActiveProviders int         `json:"active_providers"`
}
