package etl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/internal/domain/etl"
	"github.com/vulnforge/vulnforge/internal/infra/storage"
	"github.com/vulnforge/vulnforge/internal/infra/storage/checkpoint/memory"
	"github.com/vulnforge/vulnforge/pkg/common/logger"
)

func testRegistrations() []ProviderRegistration {
	return []ProviderRegistration{
		{ID: "cve", SourceType: etl.SourceTypeCVE},
		{ID: "cwe", SourceType: etl.SourceTypeCWE},
		{ID: "osv", SourceType: etl.SourceTypeOSV},
	}
}

func newTestEngine(t *testing.T, store etl.CheckpointRepository) *Engine {
	t.Helper()
	exec := &scriptedExecutor{script: pagingScript}
	eng, err := NewEngine(
		testRegistrations(), store, exec, testWorkLoopConfig(),
		logger.Noop(), NoopMetrics(), storage.NoOpTracer())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

func TestEngine_RejectsDuplicateRegistrations(t *testing.T) {
	regs := []ProviderRegistration{
		{ID: "cve", SourceType: etl.SourceTypeCVE},
		{ID: "cve", SourceType: etl.SourceTypeCVE},
	}
	_, err := NewEngine(regs, memory.NewCheckpointStore(), &scriptedExecutor{script: pagingScript},
		testWorkLoopConfig(), logger.Noop(), NoopMetrics(), storage.NoOpTracer())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate provider id")
}

func TestEngine_BootstrapReconstructsIdle(t *testing.T) {
	store := memory.NewCheckpointStore()
	ctx := context.Background()

	// A checkpoint left over from a previous process must surface in the
	// snapshot without the provider resuming on its own.
	require.NoError(t, store.Append(ctx, etl.NewCheckpoint("cve", map[string]any{"page": 12}, true, "")))

	eng := newTestEngine(t, store)

	assert.Equal(t, etl.MacroStatusBootstrapping, eng.MacroSnapshot().Status)
	require.NoError(t, eng.Bootstrap(ctx))

	macro := eng.MacroSnapshot()
	assert.Equal(t, etl.MacroStatusOrchestrating, macro.Status)
	assert.Equal(t, 3, macro.TotalProviders)
	assert.Zero(t, macro.ActiveProviders)

	snaps := eng.ProviderSnapshots()
	require.Len(t, snaps, 3)
	for _, s := range snaps {
		assert.Equal(t, etl.StateIdle, s.State, "provider %s must come up IDLE", s.ID)
	}

	cve, err := eng.ProviderSnapshot("cve")
	require.NoError(t, err)
	require.NotNil(t, cve.LastCheckpoint)
	assert.Equal(t, int64(1), cve.LastCheckpoint.Sequence)
}

func TestEngine_ControlUnknownProvider(t *testing.T) {
	eng := newTestEngine(t, memory.NewCheckpointStore())
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))

	_, err := eng.StartProvider(ctx, "nope")
	require.ErrorIs(t, err, etl.ErrProviderNotFound)

	_, err = eng.ProviderSnapshot("nope")
	require.ErrorIs(t, err, etl.ErrProviderNotFound)

	_, err = eng.Checkpoints(ctx, "nope", 10, false)
	require.ErrorIs(t, err, etl.ErrProviderNotFound)
}

func TestEngine_SingleProviderControl(t *testing.T) {
	eng := newTestEngine(t, memory.NewCheckpointStore())
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))

	snap, err := eng.StartProvider(ctx, "cve")
	require.NoError(t, err)
	assert.Contains(t, []etl.ProviderState{etl.StateAcquiring, etl.StateRunning}, snap.State)

	require.Eventually(t, func() bool {
		s, err := eng.ProviderSnapshot("cve")
		return err == nil && s.State == etl.StateRunning
	}, 2*time.Second, 2*time.Millisecond)

	// Only cve counts as active.
	assert.Equal(t, 1, eng.MacroSnapshot().ActiveProviders)

	snap, err = eng.PauseProvider(ctx, "cve")
	require.NoError(t, err)
	assert.Equal(t, etl.StatePaused, snap.State)

	snap, err = eng.StopProvider(ctx, "cve")
	require.NoError(t, err)
	assert.Equal(t, etl.StateTerminated, snap.State)
}

func TestEngine_BatchStartAll(t *testing.T) {
	eng := newTestEngine(t, memory.NewCheckpointStore())
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))

	res, err := eng.StartBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cve", "cwe", "osv"}, res.Acted)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, res.Total)

	require.Eventually(t, func() bool {
		return eng.MacroSnapshot().ActiveProviders == 3
	}, 2*time.Second, 2*time.Millisecond)

	// Re-issuing the batch is a success with an empty acted list.
	res, err = eng.StartBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Acted)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, res.Total)
}

func TestEngine_BatchPartialFailure(t *testing.T) {
	eng := newTestEngine(t, memory.NewCheckpointStore())
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))

	res, err := eng.StartBatch(ctx, []string{"cve", "ghost"})
	require.NoError(t, err, "partial failure is reported in the result, not as an error")
	assert.Equal(t, []string{"cve"}, res.Acted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "ghost", res.Failed[0].ID)
	assert.Contains(t, res.Failed[0].Reason, "provider not found")
	assert.Equal(t, 2, res.Total)

	// Pausing providers that never started fails per provider.
	res, err = eng.PauseBatch(ctx, []string{"cwe", "osv"})
	require.NoError(t, err)
	assert.Empty(t, res.Acted)
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.Contains(t, f.Reason, "invalid state transition")
	}
}

func TestEngine_MacroLifecycle(t *testing.T) {
	eng := newTestEngine(t, memory.NewCheckpointStore())
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))

	_, err := eng.StartBatch(ctx, nil)
	require.NoError(t, err)

	// The batch converges once every provider leaves ACQUIRING.
	require.Eventually(t, func() bool {
		m := eng.MacroSnapshot()
		return m.Status == etl.MacroStatusOrchestrating && m.ActiveProviders == 3
	}, 2*time.Second, 2*time.Millisecond)

	m := eng.MacroSnapshot()
	assert.GreaterOrEqual(t, m.ActiveProviders, 0)
	assert.LessOrEqual(t, m.ActiveProviders, m.TotalProviders)

	res, err := eng.StopBatch(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, res.Acted, 3)

	// Every provider terminates synchronously, so draining resolves to IDLE.
	require.Eventually(t, func() bool {
		m := eng.MacroSnapshot()
		return m.Status == etl.MacroStatusIdle && m.ActiveProviders == 0
	}, 2*time.Second, 2*time.Millisecond)

	// Queries remain valid after quiescence.
	snaps := eng.ProviderSnapshots()
	require.Len(t, snaps, 3)
	for _, s := range snaps {
		assert.Equal(t, etl.StateTerminated, s.State)
	}
}

func TestEngine_TreeSnapshot(t *testing.T) {
	eng := newTestEngine(t, memory.NewCheckpointStore())
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))

	tree := eng.TreeSnapshot()
	assert.Equal(t, eng.ID(), tree.Engine.ID)
	require.Len(t, tree.Providers, 3)
	assert.Equal(t, "cve", tree.Providers[0].ID)
	assert.Equal(t, "cwe", tree.Providers[1].ID)
	assert.Equal(t, "osv", tree.Providers[2].ID)
}

func TestEngine_Checkpoints(t *testing.T) {
	store := memory.NewCheckpointStore()
	eng := newTestEngine(t, store)
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))

	for i := 1; i <= 4; i++ {
		success := i != 3
		detail := ""
		if !success {
			detail = "upstream 503"
		}
		require.NoError(t, store.Append(ctx, etl.NewCheckpoint("osv", map[string]any{"page": i}, success, detail)))
	}

	cps, err := eng.Checkpoints(ctx, "osv", 2, false)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, int64(4), cps[0].Sequence())

	onlyOK, err := eng.Checkpoints(ctx, "osv", 10, true)
	require.NoError(t, err)
	require.Len(t, onlyOK, 3)
}
