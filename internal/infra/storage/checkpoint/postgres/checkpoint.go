package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vulnforge/vulnforge/internal/domain/etl"
	"github.com/vulnforge/vulnforge/internal/infra/storage"
)

var _ etl.CheckpointRepository = (*checkpointStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// checkpointStore provides a PostgreSQL implementation of
// etl.CheckpointRepository. Checkpoints are kept append-only; sequences are
// assigned inside the insert so they stay strictly increasing per provider
// even across process restarts.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a new PostgreSQL-backed checkpoint store using
// the provided connection pool.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

const appendCheckpointQuery = `
INSERT INTO checkpoints (provider_id, sequence, created_at, success, cursor, error_detail)
VALUES (
	$1,
	COALESCE((SELECT MAX(sequence) FROM checkpoints WHERE provider_id = $1), 0) + 1,
	$2, $3, $4, $5
)
RETURNING sequence`

// Append persists a checkpoint, assigning the next per-provider sequence. The
// cursor is serialized to JSONB to allow flexible schema evolution across
// provider types.
func (p *checkpointStore) Append(ctx context.Context, cp *etl.Checkpoint) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("provider_id", cp.ProviderID()),
		attribute.Bool("success", cp.Success()),
	)
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.append_checkpoint", dbAttrs, func(ctx context.Context) error {
		cursorBytes, err := json.Marshal(cp.Cursor())
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint cursor: %w", err)
		}

		var seq int64
		err = p.pool.QueryRow(ctx, appendCheckpointQuery,
			cp.ProviderID(), cp.Timestamp(), cp.Success(), cursorBytes, cp.ErrDetail(),
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("failed to append checkpoint: %w", err)
		}
		cp.SetSequence(seq)
		return nil
	})
}

const latestCheckpointQuery = `
SELECT sequence, created_at, success, cursor, error_detail
FROM checkpoints
WHERE provider_id = $1 AND (NOT $2::boolean OR success)
ORDER BY sequence DESC
LIMIT 1`

// Latest retrieves the most recent checkpoint for a provider, optionally
// restricted to successful ones. Returns nil if no checkpoint exists.
func (p *checkpointStore) Latest(ctx context.Context, providerID string, successOnly bool) (*etl.Checkpoint, error) {
	var checkpoint *etl.Checkpoint
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("provider_id", providerID),
		attribute.Bool("success_only", successOnly),
	)
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.latest_checkpoint", dbAttrs, func(ctx context.Context) error {
		row := p.pool.QueryRow(ctx, latestCheckpointQuery, providerID, successOnly)

		cp, err := scanCheckpoint(providerID, row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load latest checkpoint: %w", err)
		}
		checkpoint = cp
		return nil
	})
	return checkpoint, err
}

const listCheckpointsQuery = `
SELECT sequence, created_at, success, cursor, error_detail
FROM checkpoints
WHERE provider_id = $1 AND (NOT $2::boolean OR success)
ORDER BY sequence DESC
LIMIT $3`

// List retrieves up to limit checkpoints for a provider, most recent first.
func (p *checkpointStore) List(ctx context.Context, providerID string, limit int, successOnly bool) ([]*etl.Checkpoint, error) {
	var checkpoints []*etl.Checkpoint
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("provider_id", providerID),
		attribute.Int("limit", limit),
	)
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.list_checkpoints", dbAttrs, func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, listCheckpointsQuery, providerID, successOnly, limit)
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			cp, err := scanCheckpoint(providerID, rows)
			if err != nil {
				return fmt.Errorf("failed to scan checkpoint: %w", err)
			}
			checkpoints = append(checkpoints, cp)
		}
		return rows.Err()
	})
	return checkpoints, err
}

func scanCheckpoint(providerID string, row pgx.Row) (*etl.Checkpoint, error) {
	var (
		seq       int64
		createdAt time.Time
		success   bool
		cursorRaw []byte
		errDetail string
	)
	if err := row.Scan(&seq, &createdAt, &success, &cursorRaw, &errDetail); err != nil {
		return nil, err
	}

	var cursor map[string]any
	if err := json.Unmarshal(cursorRaw, &cursor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint cursor: %w", err)
	}

	return etl.ReconstructCheckpoint(providerID, seq, createdAt, success, cursor, errDetail), nil
}
