package etl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vulnforge/vulnforge/internal/domain/etl"
	"github.com/vulnforge/vulnforge/pkg/common/logger"
)

// ProviderRegistration declares one provider the engine must construct at
// bootstrap. The registry is fixed for the life of the process.
type ProviderRegistration struct {
	ID         string
	SourceType etl.SourceType
}

// batchTarget is the state a batch operation drives its providers toward,
// used to decide when the batch has converged.
type batchTarget struct {
	target etl.ProviderState
}

// Engine is the orchestration root. It owns the provider registry, fans out
// batch control operations, derives the macro lifecycle from provider
// snapshots, and answers the observability queries. All reads are poll-time
// snapshots; the engine never pushes state to callers.
type Engine struct {
	id            string
	registrations []ProviderRegistration

	checkpoints etl.CheckpointRepository
	executor    etl.WorkExecutor
	cfg         WorkLoopConfig

	mu           sync.Mutex
	runners      map[string]*ProviderRunner
	ids          []string
	bootstrapped bool
	draining     bool
	// stabilizing holds providers acted on by a batch that have not yet
	// converged on the batch's target state. Pruned on every snapshot.
	stabilizing map[string]batchTarget

	logger  *logger.Logger
	metrics EngineMetrics
	tracer  trace.Tracer
}

// NewEngine creates an engine for the given registry. Bootstrap must be called
// before any control or query operation.
func NewEngine(
	registrations []ProviderRegistration,
	checkpoints etl.CheckpointRepository,
	executor etl.WorkExecutor,
	cfg WorkLoopConfig,
	log *logger.Logger,
	metrics EngineMetrics,
	tracer trace.Tracer,
) (*Engine, error) {
	seen := make(map[string]struct{}, len(registrations))
	for _, reg := range registrations {
		if reg.ID == "" {
			return nil, fmt.Errorf("provider registration with empty id")
		}
		if _, dup := seen[reg.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id in registry: %s", reg.ID)
		}
		seen[reg.ID] = struct{}{}
	}

	return &Engine{
		id:            uuid.New().String(),
		registrations: registrations,
		checkpoints:   checkpoints,
		executor:      executor,
		cfg:           cfg,
		runners:       make(map[string]*ProviderRunner),
		stabilizing:   make(map[string]batchTarget),
		logger:        log.With("component", "engine"),
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// ID returns the engine instance identifier.
func (e *Engine) ID() string { return e.id }

// Bootstrap constructs every registered provider, preloading its most recent
// successful checkpoint. Providers always come up IDLE: a provider that was
// RUNNING when the previous process died must not resume without an explicit
// start call.
func (e *Engine) Bootstrap(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.bootstrap",
		trace.WithAttributes(attribute.Int("provider_count", len(e.registrations))))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bootstrapped {
		return nil
	}

	for _, reg := range e.registrations {
		cp, err := e.checkpoints.Latest(ctx, reg.ID, true)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint for provider %s: %w", reg.ID, err)
		}
		provider := etl.ReconstructProvider(reg.ID, reg.SourceType, cp)
		e.runners[reg.ID] = NewProviderRunner(
			provider, e.checkpoints, e.executor, e.cfg, e.logger, e.metrics)
		e.ids = append(e.ids, reg.ID)
	}
	sort.Strings(e.ids)
	e.bootstrapped = true

	e.logger.Info(ctx, "Engine bootstrapped", "engine_id", e.id, "providers", len(e.ids))
	return nil
}

// runner looks up a provider's runner by id.
func (e *Engine) runner(id string) (*ProviderRunner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runners[id]
	if !ok {
		return nil, etl.NewProviderNotFoundError(id)
	}
	return r, nil
}

// StartProvider begins importing for one provider and returns its snapshot.
func (e *Engine) StartProvider(ctx context.Context, id string) (etl.Snapshot, error) {
	return e.control(ctx, id, "start", func(r *ProviderRunner) (bool, error) { return r.Start(ctx) })
}

// PauseProvider suspends one provider at its next unit boundary.
func (e *Engine) PauseProvider(ctx context.Context, id string) (etl.Snapshot, error) {
	return e.control(ctx, id, "pause", func(r *ProviderRunner) (bool, error) { return r.Pause(ctx) })
}

// ResumeProvider continues a paused provider from its last successful checkpoint.
func (e *Engine) ResumeProvider(ctx context.Context, id string) (etl.Snapshot, error) {
	return e.control(ctx, id, "resume", func(r *ProviderRunner) (bool, error) { return r.Resume(ctx) })
}

// StopProvider terminates one provider for good.
func (e *Engine) StopProvider(ctx context.Context, id string) (etl.Snapshot, error) {
	return e.control(ctx, id, "stop", func(r *ProviderRunner) (bool, error) { return r.Stop(ctx) })
}

func (e *Engine) control(
	ctx context.Context,
	id, operation string,
	apply func(*ProviderRunner) (bool, error),
) (etl.Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+operation+"_provider",
		trace.WithAttributes(attribute.String("provider_id", id)))
	defer span.End()

	r, err := e.runner(id)
	if err != nil {
		return etl.Snapshot{}, err
	}

	acted, err := apply(r)
	if err != nil {
		span.RecordError(err)
		return etl.Snapshot{}, err
	}
	if acted {
		e.logger.Info(ctx, "Provider control applied", "operation", operation, "provider_id", id)
	}
	return r.Snapshot(), nil
}

// BatchFailure records why one provider in a batch could not be acted on.
type BatchFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult reports the outcome of a batch control operation. Providers for
// which the operation was an idempotent no-op appear in neither list but count
// toward Total.
type BatchResult struct {
	Acted  []string       `json:"acted"`
	Failed []BatchFailure `json:"failed"`
	Total  int            `json:"total"`
}

// StartBatch starts the given providers, or every registered provider when ids
// is empty.
func (e *Engine) StartBatch(ctx context.Context, ids []string) (BatchResult, error) {
	return e.batch(ctx, "start", ids, etl.StateRunning,
		func(ctx context.Context, r *ProviderRunner) (bool, error) { return r.Start(ctx) })
}

// PauseBatch pauses the given providers, or every registered provider when ids
// is empty.
func (e *Engine) PauseBatch(ctx context.Context, ids []string) (BatchResult, error) {
	return e.batch(ctx, "pause", ids, etl.StatePaused,
		func(ctx context.Context, r *ProviderRunner) (bool, error) { return r.Pause(ctx) })
}

// ResumeBatch resumes the given providers, or every registered provider when
// ids is empty.
func (e *Engine) ResumeBatch(ctx context.Context, ids []string) (BatchResult, error) {
	return e.batch(ctx, "resume", ids, etl.StateRunning,
		func(ctx context.Context, r *ProviderRunner) (bool, error) { return r.Resume(ctx) })
}

// StopBatch stops the given providers. When ids is empty every provider is
// stopped and the engine enters its draining phase.
func (e *Engine) StopBatch(ctx context.Context, ids []string) (BatchResult, error) {
	if len(ids) == 0 {
		e.mu.Lock()
		e.draining = true
		e.mu.Unlock()
	}
	return e.batch(ctx, "stop", ids, etl.StateTerminated,
		func(ctx context.Context, r *ProviderRunner) (bool, error) { return r.Stop(ctx) })
}

// batch fans the operation out to all targets concurrently, partitions the
// outcomes, and registers acted providers for stabilization tracking. A
// failure against one provider never blocks the rest.
func (e *Engine) batch(
	ctx context.Context,
	operation string,
	ids []string,
	target etl.ProviderState,
	apply func(context.Context, *ProviderRunner) (bool, error),
) (BatchResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.batch_"+operation,
		trace.WithAttributes(attribute.Int("requested", len(ids))))
	defer span.End()

	start := time.Now()
	defer func() { e.metrics.ObserveBatchDuration(ctx, operation, time.Since(start)) }()

	if len(ids) == 0 {
		e.mu.Lock()
		ids = append([]string(nil), e.ids...)
		e.mu.Unlock()
	}

	var (
		resMu  sync.Mutex
		result = BatchResult{Total: len(ids)}
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			r, err := e.runner(id)
			if err == nil {
				var acted bool
				acted, err = apply(gctx, r)
				if err == nil && !acted {
					return nil // idempotent no-op, counted in Total only
				}
				if err == nil {
					resMu.Lock()
					result.Acted = append(result.Acted, id)
					resMu.Unlock()
					return nil
				}
			}
			resMu.Lock()
			result.Failed = append(result.Failed, BatchFailure{ID: id, Reason: err.Error()})
			resMu.Unlock()
			return nil
		})
	}
	// Workers never return errors; partial failure is part of the result.
	_ = g.Wait()

	sort.Strings(result.Acted)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].ID < result.Failed[j].ID })

	e.mu.Lock()
	for _, id := range result.Acted {
		e.stabilizing[id] = batchTarget{target: target}
	}
	e.mu.Unlock()

	e.logger.Info(ctx, "Batch control applied", "operation", operation,
		"acted", len(result.Acted), "failed", len(result.Failed), "total", result.Total)
	return result, nil
}

// MacroSnapshot derives the engine lifecycle from the current provider states.
// The macro machine has no stored state of its own beyond the bootstrap and
// draining phase flags; everything else is computed at read time.
func (e *Engine) MacroSnapshot() etl.MacroSnapshot {
	snapshots := e.providerSnapshots()

	e.mu.Lock()
	defer e.mu.Unlock()

	var active, terminated int
	byID := make(map[string]etl.ProviderState, len(snapshots))
	for _, s := range snapshots {
		byID[s.ID] = s.State
		if s.State.IsActive() {
			active++
		}
		if s.State == etl.StateTerminated {
			terminated++
		}
	}

	for id, bt := range e.stabilizing {
		if converged(byID[id], bt.target) {
			delete(e.stabilizing, id)
		}
	}

	status := etl.MacroStatusOrchestrating
	switch {
	case !e.bootstrapped:
		status = etl.MacroStatusBootstrapping
	case e.draining && terminated == len(snapshots):
		status = etl.MacroStatusIdle
	case e.draining:
		status = etl.MacroStatusDraining
	case len(e.stabilizing) > 0:
		status = etl.MacroStatusStabilizing
	}

	return etl.MacroSnapshot{
		ID:              e.id,
		Status:          status,
		TotalProviders:  len(snapshots),
		ActiveProviders: active,
	}
}

// converged reports whether a provider has reached (or passed) a batch target.
func converged(state etl.ProviderState, target etl.ProviderState) bool {
	if state == etl.StateTerminated {
		return true
	}
	switch target {
	case etl.StateRunning:
		// Start and resume converge once the loop leaves ACQUIRING; waiting
		// states count as converged since the provider reached RUNNING first.
		return state != etl.StateAcquiring
	case etl.StatePaused:
		return state == etl.StatePaused
	case etl.StateTerminated:
		return state == etl.StateTerminated
	}
	return true
}

// ProviderSnapshot returns the snapshot for one provider.
func (e *Engine) ProviderSnapshot(id string) (etl.Snapshot, error) {
	r, err := e.runner(id)
	if err != nil {
		return etl.Snapshot{}, err
	}
	return r.Snapshot(), nil
}

// ProviderSnapshots returns every provider's snapshot ordered by id.
func (e *Engine) ProviderSnapshots() []etl.Snapshot {
	return e.providerSnapshots()
}

func (e *Engine) providerSnapshots() []etl.Snapshot {
	e.mu.Lock()
	ids := append([]string(nil), e.ids...)
	runners := make([]*ProviderRunner, 0, len(ids))
	for _, id := range ids {
		runners = append(runners, e.runners[id])
	}
	e.mu.Unlock()

	snapshots := make([]etl.Snapshot, 0, len(runners))
	for _, r := range runners {
		snapshots = append(snapshots, r.Snapshot())
	}
	return snapshots
}

// Tree is the full hierarchy dump: the macro snapshot plus every provider
// snapshot, ordered by id.
type Tree struct {
	Engine    etl.MacroSnapshot `json:"engine"`
	Providers []etl.Snapshot    `json:"providers"`
}

// TreeSnapshot returns the macro state and all provider snapshots in one read.
func (e *Engine) TreeSnapshot() Tree {
	return Tree{
		Engine:    e.MacroSnapshot(),
		Providers: e.providerSnapshots(),
	}
}

// Checkpoints returns up to limit checkpoints for a provider, most recent
// first. The provider must exist in the registry.
func (e *Engine) Checkpoints(ctx context.Context, id string, limit int, successOnly bool) ([]*etl.Checkpoint, error) {
	if _, err := e.runner(id); err != nil {
		return nil, err
	}
	cps, err := e.checkpoints.List(ctx, id, limit, successOnly)
	if err != nil {
		return nil, etl.NewCheckpointUnavailableError(id, err)
	}
	return cps, nil
}

// Shutdown stops every provider cooperatively, then waits for the work loops
// to exit. Loops still in flight when the context expires are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info(ctx, "Engine shutting down")
	if _, err := e.StopBatch(ctx, nil); err != nil {
		return err
	}

	e.mu.Lock()
	runners := make([]*ProviderRunner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Shutdown(gctx) })
	}
	return g.Wait()
}
