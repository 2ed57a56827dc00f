package etl

import "context"

// CheckpointRepository defines the persistence port for the append-only
// checkpoint log. Implementations must assign strictly increasing per-provider
// sequence numbers on append and never mutate stored checkpoints.
type CheckpointRepository interface {
	// Append persists a new checkpoint and assigns its sequence number.
	Append(ctx context.Context, cp *Checkpoint) error

	// Latest returns the most recent checkpoint for the provider, optionally
	// restricted to successful ones. Returns nil if none exists.
	Latest(ctx context.Context, providerID string, successOnly bool) (*Checkpoint, error)

	// List returns up to limit checkpoints for the provider, most recent
	// first, optionally restricted to successful ones.
	List(ctx context.Context, providerID string, limit int, successOnly bool) ([]*Checkpoint, error)
}

// WorkResult describes one completed unit of import work.
type WorkResult struct {
	// Cursor is the opaque resumption marker to record in the next
	// checkpoint; meaningful only to the provider's own work logic.
	Cursor map[string]any

	// Items is the number of records the unit produced.
	Items int64

	// Done reports that the source is exhausted; the work loop keeps the
	// provider RUNNING and re-polls from the same cursor, since security
	// feeds grow over time.
	Done bool
}

// WorkExecutor resolves and executes the next unit of work for a provider.
// The fetch/parse/normalize logic behind it is an external collaborator; the
// engine only depends on this contract. Executors signal rate limiting by
// returning *QuotaExceededError and transient failures by returning any other
// error.
type WorkExecutor interface {
	Next(ctx context.Context, providerID string, sourceType SourceType, cursor map[string]any) (*WorkResult, error)
}
