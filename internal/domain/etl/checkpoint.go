package etl

import (
	"encoding/json"
	"time"
)

// Checkpoint is an immutable progress marker recorded by a provider's work
// loop after each completed unit. Checkpoints for a given provider form an
// append-only log with strictly increasing sequence numbers; the most recent
// successful checkpoint carries the cursor the work loop resumes from after a
// pause, stop, or crash.
type Checkpoint struct {
	// Identity.
	providerID string
	sequence   int64

	// State/Metadata.
	timestamp time.Time
	success   bool
	cursor    map[string]any
	errDetail string
}

// NewCheckpoint creates a checkpoint without a sequence for use before it has
// been appended to a store. The store assigns the per-provider sequence on
// append to preserve the strictly-increasing invariant.
func NewCheckpoint(providerID string, cursor map[string]any, success bool, errDetail string) *Checkpoint {
	return &Checkpoint{
		providerID: providerID,
		timestamp:  time.Now().UTC(),
		success:    success,
		cursor:     cursor,
		errDetail:  errDetail,
	}
}

// ReconstructCheckpoint creates a Checkpoint from persisted data without
// enforcing creation-time invariants. This should only be used by repositories
// when reconstructing from storage.
func ReconstructCheckpoint(providerID string, sequence int64, timestamp time.Time, success bool, cursor map[string]any, errDetail string) *Checkpoint {
	return &Checkpoint{
		providerID: providerID,
		sequence:   sequence,
		timestamp:  timestamp,
		success:    success,
		cursor:     cursor,
		errDetail:  errDetail,
	}
}

// Getters for Checkpoint.
func (c *Checkpoint) ProviderID() string     { return c.providerID }
func (c *Checkpoint) Sequence() int64        { return c.sequence }
func (c *Checkpoint) Timestamp() time.Time   { return c.timestamp }
func (c *Checkpoint) Success() bool          { return c.success }
func (c *Checkpoint) Cursor() map[string]any { return c.cursor }
func (c *Checkpoint) ErrDetail() string      { return c.errDetail }

// IsTemporary returns true if the checkpoint has not been sequenced by a store.
func (c *Checkpoint) IsTemporary() bool { return c.sequence == 0 }

// SetSequence assigns the checkpoint's sequence after it has been appended to
// a store. It panics if called on an already-sequenced checkpoint to prevent
// mutation of the append-only log.
func (c *Checkpoint) SetSequence(seq int64) {
	if c.sequence != 0 {
		panic("attempting to re-sequence a persisted checkpoint")
	}
	c.sequence = seq
}

// MarshalJSON serializes the Checkpoint into a JSON byte array.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		ProviderID string         `json:"provider_id"`
		Sequence   int64          `json:"sequence"`
		Timestamp  time.Time      `json:"timestamp"`
		Success    bool           `json:"success"`
		Cursor     map[string]any `json:"cursor"`
		Error      string         `json:"error,omitempty"`
	}{
		ProviderID: c.providerID,
		Sequence:   c.sequence,
		Timestamp:  c.timestamp,
		Success:    c.success,
		Cursor:     c.cursor,
		Error:      c.errDetail,
	})
}

// UnmarshalJSON deserializes JSON data into a Checkpoint.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	aux := &struct {
		ProviderID string         `json:"provider_id"`
		Sequence   int64          `json:"sequence"`
		Timestamp  time.Time      `json:"timestamp"`
		Success    bool           `json:"success"`
		Cursor     map[string]any `json:"cursor"`
		Error      string         `json:"error,omitempty"`
	}{}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.providerID = aux.ProviderID
	c.sequence = aux.Sequence
	c.timestamp = aux.Timestamp
	c.success = aux.Success
	c.cursor = aux.Cursor
	c.errDetail = aux.Error

	return nil
}
