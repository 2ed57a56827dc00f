package etl

import (
	"encoding/json"
	"time"
)

// TimeProvider abstracts wall-clock access so transitions can be tested
// deterministically.
type TimeProvider interface {
	Now() time.Time
}

// realTimeProvider is the production TimeProvider.
type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// Provider is an aggregate root that owns the lifecycle state of one import
// pipeline. It enforces the guard table for operator-triggered and
// self-triggered transitions, tracks progress, and carries the waiting-state
// timestamps. Exactly one runner mutates a Provider; all other components see
// read-time snapshots.
type Provider struct {
	// Identity.
	id         string
	sourceType SourceType

	// Current state.
	state        ProviderState
	errorMessage string
	lastUpdated  time.Time

	// Progress tracking.
	processedCount int64
	lastCheckpoint *Checkpoint

	// Waiting-state schedule; set only while in the corresponding state.
	quotaRetryAt time.Time
	backoffUntil time.Time

	timeProvider TimeProvider
}

// NewProvider creates a provider in the initial IDLE state. Providers are
// constructed once at engine bootstrap from the registry and never destroyed.
func NewProvider(id string, sourceType SourceType) *Provider {
	return &Provider{
		id:           id,
		sourceType:   sourceType,
		state:        StateIdle,
		lastUpdated:  time.Now().UTC(),
		timeProvider: realTimeProvider{},
	}
}

// ReconstructProvider creates a Provider from persisted data after a process
// restart. The state is always IDLE regardless of what the provider was doing
// when the process died: a crashed provider must never resume into RUNNING
// without an explicit start or resume call.
func ReconstructProvider(id string, sourceType SourceType, lastCheckpoint *Checkpoint) *Provider {
	p := NewProvider(id, sourceType)
	p.lastCheckpoint = lastCheckpoint
	return p
}

// Getters for Provider.
func (p *Provider) ID() string                  { return p.id }
func (p *Provider) SourceType() SourceType      { return p.sourceType }
func (p *Provider) State() ProviderState        { return p.state }
func (p *Provider) ProcessedCount() int64       { return p.processedCount }
func (p *Provider) ErrorMessage() string        { return p.errorMessage }
func (p *Provider) QuotaRetryAt() time.Time     { return p.quotaRetryAt }
func (p *Provider) BackoffUntil() time.Time     { return p.backoffUntil }
func (p *Provider) LastCheckpoint() *Checkpoint { return p.lastCheckpoint }
func (p *Provider) LastUpdated() time.Time      { return p.lastUpdated }

// CanTransitionTo validates if a state transition is allowed by the guard table.
func (p *Provider) CanTransitionTo(target ProviderState) bool {
	for _, allowed := range validTransitions[p.state] {
		if target == allowed {
			return true
		}
	}
	return false
}

// MarkAcquiring transitions the provider into ACQUIRING. Valid from IDLE
// (start) and PAUSED (resume).
func (p *Provider) MarkAcquiring() error {
	return p.transition(StateAcquiring)
}

// MarkRunning transitions the provider into RUNNING once resources and the
// resumption checkpoint are loaded, or when a waiting state's schedule elapses.
func (p *Provider) MarkRunning() error {
	if err := p.transition(StateRunning); err != nil {
		return err
	}
	p.quotaRetryAt = time.Time{}
	p.backoffUntil = time.Time{}
	return nil
}

// MarkPaused suspends the work loop at a unit boundary. Valid only from RUNNING.
func (p *Provider) MarkPaused() error {
	return p.transition(StatePaused)
}

// MarkWaitingQuota records an upstream rate-limit signal and the time at which
// the work loop re-attempts RUNNING on its own.
func (p *Provider) MarkWaitingQuota(retryAt time.Time, reason string) error {
	if err := p.transition(StateWaitingQuota); err != nil {
		return err
	}
	p.quotaRetryAt = retryAt
	p.errorMessage = reason
	return nil
}

// MarkWaitingBackoff records a transient work failure and the end of the
// exponential backoff window.
func (p *Provider) MarkWaitingBackoff(until time.Time, reason string) error {
	if err := p.transition(StateWaitingBackoff); err != nil {
		return err
	}
	p.backoffUntil = until
	p.errorMessage = reason
	return nil
}

// MarkTerminated stops the provider for good. Accepted from every non-terminal
// state; the one-way trapdoor of the lifecycle.
func (p *Provider) MarkTerminated() error {
	return p.transition(StateTerminated)
}

// RecordUnitProcessed attaches the checkpoint appended for a completed work
// unit and advances the monotonic progress counter.
func (p *Provider) RecordUnitProcessed(cp *Checkpoint, items int64) {
	p.lastCheckpoint = cp
	p.processedCount += items
	p.lastUpdated = p.timeProvider.Now()
}

// transition applies the guard table. On success the error message from a
// previous failure is cleared; on rejection the state is left untouched.
func (p *Provider) transition(target ProviderState) error {
	if !p.CanTransitionTo(target) {
		return NewInvalidStateTransitionError(p.state, target)
	}
	p.state = target
	p.errorMessage = ""
	p.lastUpdated = p.timeProvider.Now()
	return nil
}

// Snapshot is a read-time copy of a provider's observable fields, taken while
// holding the owning runner's lock so the macro machine and the control
// surface see a consistent view.
type Snapshot struct {
	ID             string         `json:"id"`
	SourceType     SourceType     `json:"type"`
	State          ProviderState  `json:"state"`
	ProcessedCount int64          `json:"processed_count"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	QuotaRetryAt   *time.Time     `json:"quota_retry_at,omitempty"`
	BackoffUntil   *time.Time     `json:"backoff_until,omitempty"`
	LastCheckpoint *CheckpointRef `json:"last_checkpoint,omitempty"`
}

// CheckpointRef is the lightweight checkpoint reference embedded in snapshots.
type CheckpointRef struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

// Snapshot copies the provider's observable fields. Callers must hold the
// per-provider lock.
func (p *Provider) Snapshot() Snapshot {
	s := Snapshot{
		ID:             p.id,
		SourceType:     p.sourceType,
		State:          p.state,
		ProcessedCount: p.processedCount,
		ErrorMessage:   p.errorMessage,
	}
	if !p.quotaRetryAt.IsZero() {
		t := p.quotaRetryAt
		s.QuotaRetryAt = &t
	}
	if !p.backoffUntil.IsZero() {
		t := p.backoffUntil
		s.BackoffUntil = &t
	}
	if p.lastCheckpoint != nil {
		s.LastCheckpoint = &CheckpointRef{
			Sequence:  p.lastCheckpoint.Sequence(),
			Timestamp: p.lastCheckpoint.Timestamp(),
			Success:   p.lastCheckpoint.Success(),
		}
	}
	return s
}

// MarshalJSON serializes the Provider into a JSON byte array.
func (p *Provider) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Snapshot())
}
