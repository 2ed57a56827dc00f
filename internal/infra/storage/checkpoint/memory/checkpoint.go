package memory

import (
	"context"
	"sync"

	"github.com/vulnforge/vulnforge/internal/domain/etl"
)

var _ etl.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointStore provides a thread-safe in-memory implementation of
// etl.CheckpointRepository for testing and development. Checkpoints are
// append-only; sequence numbers are assigned per provider and strictly
// increase.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string][]*etl.Checkpoint
}

// NewCheckpointStore creates an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string][]*etl.Checkpoint),
	}
}

// Append stores a new checkpoint and assigns the next sequence for its provider.
func (cs *CheckpointStore) Append(ctx context.Context, cp *etl.Checkpoint) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	log := cs.checkpoints[cp.ProviderID()]
	next := int64(1)
	if len(log) > 0 {
		next = log[len(log)-1].Sequence() + 1
	}
	cp.SetSequence(next)

	// Store a reconstructed copy so later caller mutations of the cursor map
	// cannot reach into the log.
	stored := etl.ReconstructCheckpoint(
		cp.ProviderID(), cp.Sequence(), cp.Timestamp(), cp.Success(),
		deepCopyMap(cp.Cursor()), cp.ErrDetail(),
	)
	cs.checkpoints[cp.ProviderID()] = append(log, stored)
	return nil
}

// Latest returns the most recent checkpoint for the provider, or nil.
func (cs *CheckpointStore) Latest(ctx context.Context, providerID string, successOnly bool) (*etl.Checkpoint, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	log := cs.checkpoints[providerID]
	for i := len(log) - 1; i >= 0; i-- {
		if successOnly && !log[i].Success() {
			continue
		}
		return copyCheckpoint(log[i]), nil
	}
	return nil, nil
}

// List returns up to limit checkpoints, most recent first.
func (cs *CheckpointStore) List(ctx context.Context, providerID string, limit int, successOnly bool) ([]*etl.Checkpoint, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	log := cs.checkpoints[providerID]
	out := make([]*etl.Checkpoint, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		if successOnly && !log[i].Success() {
			continue
		}
		out = append(out, copyCheckpoint(log[i]))
	}
	return out, nil
}

func copyCheckpoint(cp *etl.Checkpoint) *etl.Checkpoint {
	return etl.ReconstructCheckpoint(
		cp.ProviderID(), cp.Sequence(), cp.Timestamp(), cp.Success(),
		deepCopyMap(cp.Cursor()), cp.ErrDetail(),
	)
}

func deepCopyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			copy[k] = deepCopyMap(val)
		case []any:
			copySlice := make([]any, len(val))
			for i, item := range val {
				if mapItem, ok := item.(map[string]any); ok {
					copySlice[i] = deepCopyMap(mapItem)
				} else {
					copySlice[i] = item
				}
			}
			copy[k] = copySlice
		default:
			copy[k] = val
		}
	}
	return copy
}
