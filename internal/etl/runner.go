package etl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/vulnforge/vulnforge/internal/domain/etl"
	"github.com/vulnforge/vulnforge/pkg/common/logger"
)

// WorkLoopConfig tunes the timing behavior of a provider's work loop.
type WorkLoopConfig struct {
	// PollInterval is how long an exhausted source rests before the loop
	// re-polls from the same cursor.
	PollInterval time.Duration

	// QuotaRetryDefault is the wait applied when the upstream rate-limit
	// signal carries no retry hint.
	QuotaRetryDefault time.Duration

	// BackoffInitial and BackoffMax bound the exponential delay applied to
	// transient work failures.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultWorkLoopConfig returns the production timing defaults.
func DefaultWorkLoopConfig() WorkLoopConfig {
	return WorkLoopConfig{
		PollInterval:      30 * time.Second,
		QuotaRetryDefault: time.Minute,
		BackoffInitial:    time.Second,
		BackoffMax:        5 * time.Minute,
	}
}

// ProviderRunner owns one Provider aggregate and its work loop. All mutations
// of the provider flow through the runner's mutex so control calls and the
// loop's checkpoint-then-advance step never interleave. Each runner guards
// only its own provider; unrelated providers never contend.
type ProviderRunner struct {
	provider    *etl.Provider
	checkpoints etl.CheckpointRepository
	executor    etl.WorkExecutor
	cfg         WorkLoopConfig

	mu sync.Mutex
	// loopGen identifies the current work-loop session. A loop whose
	// generation no longer matches has been superseded and must exit at its
	// next unit boundary without touching state.
	loopGen    uint64
	cancelLoop context.CancelCauseFunc
	wg         sync.WaitGroup

	// wake is poked by control calls so a loop parked in a waiting state
	// re-evaluates immediately instead of sleeping out its timer.
	wake chan struct{}

	logger  *logger.Logger
	metrics EngineMetrics
}

// NewProviderRunner wires a runner around an existing provider aggregate.
func NewProviderRunner(
	provider *etl.Provider,
	checkpoints etl.CheckpointRepository,
	executor etl.WorkExecutor,
	cfg WorkLoopConfig,
	log *logger.Logger,
	metrics EngineMetrics,
) *ProviderRunner {
	return &ProviderRunner{
		provider:    provider,
		checkpoints: checkpoints,
		executor:    executor,
		cfg:         cfg,
		wake:        make(chan struct{}, 1),
		logger:      log.With("component", "provider_runner", "provider_id", provider.ID()),
		metrics:     metrics,
	}
}

// State returns the provider's current lifecycle state.
func (r *ProviderRunner) State() etl.ProviderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider.State()
}

// Snapshot returns a consistent copy of the provider's observable fields.
func (r *ProviderRunner) Snapshot() etl.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider.Snapshot()
}

// Start begins importing from IDLE. Re-issuing start while the provider is
// already starting or running is a successful no-op (acted=false). The
// resumption checkpoint is loaded before any state changes so an unavailable
// checkpoint store fails the operation without leaving ACQUIRING dangling.
func (r *ProviderRunner) Start(ctx context.Context) (bool, error) {
	return r.launch(ctx, etl.StateIdle)
}

// Resume continues importing from PAUSED through ACQUIRING back to RUNNING.
// Re-issuing resume while already running is a successful no-op.
func (r *ProviderRunner) Resume(ctx context.Context) (bool, error) {
	return r.launch(ctx, etl.StatePaused)
}

func (r *ProviderRunner) launch(ctx context.Context, from etl.ProviderState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch state := r.provider.State(); {
	case state == etl.StateAcquiring, state == etl.StateRunning,
		state == etl.StateWaitingQuota, state == etl.StateWaitingBackoff:
		// Already started or moving toward RUNNING.
		return false, nil
	case state != from:
		r.metrics.IncTransitionRejections(ctx)
		return false, etl.NewInvalidStateTransitionError(state, etl.StateAcquiring)
	}

	cp, err := r.checkpoints.Latest(ctx, r.provider.ID(), true)
	if err != nil {
		return false, etl.NewCheckpointUnavailableError(r.provider.ID(), err)
	}

	if err := r.provider.MarkAcquiring(); err != nil {
		r.metrics.IncTransitionRejections(ctx)
		return false, err
	}
	r.metrics.IncProviderTransitions(ctx, string(etl.StateAcquiring))

	var cursor map[string]any
	if cp != nil {
		cursor = cp.Cursor()
		r.logger.Info(ctx, "Resuming from checkpoint", "sequence", cp.Sequence())
	} else {
		r.logger.Info(ctx, "No checkpoint found, starting from origin")
	}

	loopCtx, cancel := context.WithCancelCause(context.Background())
	r.cancelLoop = cancel
	r.loopGen++
	gen := r.loopGen

	r.wg.Add(1)
	go r.runLoop(loopCtx, gen, cursor)

	return true, nil
}

// Pause suspends the work loop at the next unit boundary. Valid only from
// RUNNING; pausing an already-paused provider is a successful no-op.
func (r *ProviderRunner) Pause(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.provider.State() == etl.StatePaused {
		return false, nil
	}
	if err := r.provider.MarkPaused(); err != nil {
		r.metrics.IncTransitionRejections(ctx)
		return false, err
	}
	r.metrics.IncProviderTransitions(ctx, string(etl.StatePaused))
	r.logger.Info(ctx, "Provider paused")
	return true, nil
}

// Stop terminates the provider from any non-terminal state. Stopping an
// already-terminated provider is a successful no-op. The work loop halts at
// its next unit boundary; in-flight work is never preempted.
func (r *ProviderRunner) Stop(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.provider.State() == etl.StateTerminated {
		return false, nil
	}
	if err := r.provider.MarkTerminated(); err != nil {
		r.metrics.IncTransitionRejections(ctx)
		return false, err
	}
	r.metrics.IncProviderTransitions(ctx, string(etl.StateTerminated))
	r.pokeWake()
	r.logger.Info(ctx, "Provider terminated")
	return true, nil
}

// Shutdown cancels any in-flight work and waits for the loop to exit, bounded
// by the context. Used for process shutdown after a cooperative stop.
func (r *ProviderRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.cancelLoop != nil {
		r.cancelLoop(errors.New("engine shutdown"))
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop drives the provider's import until paused, stopped, or superseded.
func (r *ProviderRunner) runLoop(ctx context.Context, gen uint64, cursor map[string]any) {
	defer r.wg.Done()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.cfg.BackoffInitial
	expBackoff.MaxInterval = r.cfg.BackoffMax
	expBackoff.MaxElapsedTime = 0
	expBackoff.Reset()

	r.mu.Lock()
	if r.loopGen != gen || r.provider.State() != etl.StateAcquiring {
		r.mu.Unlock()
		return
	}
	if err := r.provider.MarkRunning(); err != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.metrics.IncProviderTransitions(ctx, string(etl.StateRunning))
	r.logger.Info(ctx, "Work loop started", "cursor", cursor)

	for {
		if r.halted(gen) || ctx.Err() != nil {
			return
		}

		res, err := r.executor.Next(ctx, r.provider.ID(), r.provider.SourceType(), cursor)

		var quotaErr *etl.QuotaExceededError
		switch {
		case ctx.Err() != nil:
			return

		case err == nil:
			halt, appendErr := r.recordUnit(ctx, gen, res)
			if halt {
				return
			}
			if appendErr != nil {
				// The unit completed but its marker could not be recorded;
				// back off and retry the same cursor rather than advancing
				// silently past an unrecorded unit.
				r.logger.Error(ctx, "Failed to append checkpoint", "error", appendErr)
				if !r.waitBackoff(ctx, gen, expBackoff, appendErr) {
					return
				}
				continue
			}
			cursor = res.Cursor
			expBackoff.Reset()
			if res.Done {
				if !r.sleep(ctx, r.cfg.PollInterval) {
					return
				}
			}

		case errors.As(err, &quotaErr):
			retryAfter := quotaErr.RetryAfter
			if retryAfter <= 0 {
				retryAfter = r.cfg.QuotaRetryDefault
			}
			if !r.waitQuota(ctx, gen, retryAfter, err) {
				return
			}

		default:
			failed := etl.NewCheckpoint(r.provider.ID(), cursor, false, err.Error())
			if aerr := r.appendCheckpoint(ctx, gen, failed); aerr != nil {
				r.logger.Error(ctx, "Failed to append failure checkpoint", "error", aerr)
			}
			if !r.waitBackoff(ctx, gen, expBackoff, err) {
				return
			}
		}
	}
}

// recordUnit appends the success checkpoint and advances progress as one step
// under the provider lock so control calls cannot interleave between them.
// halt reports that the loop was superseded or stopped and must exit.
func (r *ProviderRunner) recordUnit(ctx context.Context, gen uint64, res *etl.WorkResult) (halt bool, err error) {
	cp := etl.NewCheckpoint(r.provider.ID(), res.Cursor, true, "")

	r.mu.Lock()
	if r.loopGen != gen || r.provider.State() == etl.StateTerminated {
		r.mu.Unlock()
		return true, nil
	}
	if err := r.checkpoints.Append(ctx, cp); err != nil {
		r.mu.Unlock()
		return false, err
	}
	r.provider.RecordUnitProcessed(cp, res.Items)
	r.mu.Unlock()

	r.metrics.IncCheckpointsAppended(ctx, true)
	r.metrics.IncUnitsProcessed(ctx, res.Items)
	return false, nil
}

func (r *ProviderRunner) appendCheckpoint(ctx context.Context, gen uint64, cp *etl.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loopGen != gen || r.provider.State() == etl.StateTerminated {
		return nil
	}
	if err := r.checkpoints.Append(ctx, cp); err != nil {
		return err
	}
	r.metrics.IncCheckpointsAppended(ctx, cp.Success())
	return nil
}

// waitQuota parks the loop in WAITING_QUOTA and re-enters RUNNING once the
// retry time elapses. Returns false if the loop must exit.
func (r *ProviderRunner) waitQuota(ctx context.Context, gen uint64, retryAfter time.Duration, cause error) bool {
	r.mu.Lock()
	if r.loopGen != gen {
		r.mu.Unlock()
		return false
	}
	if err := r.provider.MarkWaitingQuota(time.Now().UTC().Add(retryAfter), cause.Error()); err != nil {
		// Paused or stopped between units.
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	r.metrics.IncQuotaWaits(ctx)
	r.metrics.IncProviderTransitions(ctx, string(etl.StateWaitingQuota))
	r.logger.Warn(ctx, "Upstream quota exceeded, waiting", "retry_after", retryAfter)

	if !r.sleep(ctx, retryAfter) {
		return false
	}
	return r.resumeRunning(ctx, gen)
}

// waitBackoff parks the loop in WAITING_BACKOFF with an exponentially
// increasing delay, then re-enters RUNNING. Returns false if the loop must exit.
func (r *ProviderRunner) waitBackoff(ctx context.Context, gen uint64, bo backoff.BackOff, cause error) bool {
	delay := bo.NextBackOff()

	r.mu.Lock()
	if r.loopGen != gen {
		r.mu.Unlock()
		return false
	}
	if err := r.provider.MarkWaitingBackoff(time.Now().UTC().Add(delay), cause.Error()); err != nil {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	r.metrics.IncBackoffRetries(ctx)
	r.metrics.IncProviderTransitions(ctx, string(etl.StateWaitingBackoff))
	r.logger.Warn(ctx, "Transient work failure, backing off", "delay", delay, "error", cause)

	if !r.sleep(ctx, delay) {
		return false
	}
	return r.resumeRunning(ctx, gen)
}

// resumeRunning moves a waiting provider back to RUNNING. Returns false if the
// provider was stopped while waiting.
func (r *ProviderRunner) resumeRunning(ctx context.Context, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loopGen != gen {
		return false
	}
	switch r.provider.State() {
	case etl.StateWaitingQuota, etl.StateWaitingBackoff:
		if err := r.provider.MarkRunning(); err != nil {
			return false
		}
		r.metrics.IncProviderTransitions(ctx, string(etl.StateRunning))
		return true
	default:
		return false
	}
}

// halted reports whether the loop must stop at this unit boundary.
func (r *ProviderRunner) halted(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loopGen != gen {
		return true
	}
	switch r.provider.State() {
	case etl.StatePaused, etl.StateTerminated:
		return true
	}
	return false
}

// sleep waits out a schedule, returning early on wake pokes or context
// cancellation. Returns false only when the loop context is done.
func (r *ProviderRunner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-r.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (r *ProviderRunner) pokeWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
