package etl

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_InitialState(t *testing.T) {
	p := NewProvider("cve", SourceTypeCVE)

	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, int64(0), p.ProcessedCount())
	assert.Empty(t, p.ErrorMessage())
	assert.Nil(t, p.LastCheckpoint())
}

func TestProvider_StartLifecycle(t *testing.T) {
	p := NewProvider("cve", SourceTypeCVE)

	require.NoError(t, p.MarkAcquiring())
	assert.Equal(t, StateAcquiring, p.State())

	require.NoError(t, p.MarkRunning())
	assert.Equal(t, StateRunning, p.State())

	require.NoError(t, p.MarkPaused())
	assert.Equal(t, StatePaused, p.State())

	require.NoError(t, p.MarkAcquiring())
	require.NoError(t, p.MarkRunning())
	assert.Equal(t, StateRunning, p.State())

	require.NoError(t, p.MarkTerminated())
	assert.Equal(t, StateTerminated, p.State())
}

func TestProvider_GuardTable(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *Provider)
		attempt func(p *Provider) error
		want    ProviderState
	}{
		{
			name:    "pause from idle rejected",
			setup:   func(p *Provider) {},
			attempt: func(p *Provider) error { return p.MarkPaused() },
			want:    StateIdle,
		},
		{
			name: "pause from paused rejected",
			setup: func(p *Provider) {
				require.NoError(t, p.MarkAcquiring())
				require.NoError(t, p.MarkRunning())
				require.NoError(t, p.MarkPaused())
			},
			attempt: func(p *Provider) error { return p.MarkPaused() },
			want:    StatePaused,
		},
		{
			name: "resume from running rejected",
			setup: func(p *Provider) {
				require.NoError(t, p.MarkAcquiring())
				require.NoError(t, p.MarkRunning())
			},
			attempt: func(p *Provider) error { return p.MarkAcquiring() },
			want:    StateRunning,
		},
		{
			name: "start after terminated rejected",
			setup: func(p *Provider) {
				require.NoError(t, p.MarkTerminated())
			},
			attempt: func(p *Provider) error { return p.MarkAcquiring() },
			want:    StateTerminated,
		},
		{
			name: "terminate after terminated rejected at domain level",
			setup: func(p *Provider) {
				require.NoError(t, p.MarkTerminated())
			},
			attempt: func(p *Provider) error { return p.MarkTerminated() },
			want:    StateTerminated,
		},
		{
			name:    "running directly from idle rejected",
			setup:   func(p *Provider) {},
			attempt: func(p *Provider) error { return p.MarkRunning() },
			want:    StateIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider("cve", SourceTypeCVE)
			tt.setup(p)

			err := tt.attempt(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidStateTransition)
			assert.Contains(t, err.Error(), "invalid state transition")

			// A rejected transition must leave the state untouched.
			assert.Equal(t, tt.want, p.State())
		})
	}
}

func TestProvider_StopFromEveryNonTerminalState(t *testing.T) {
	states := []struct {
		name  string
		setup func(p *Provider)
	}{
		{"idle", func(p *Provider) {}},
		{"acquiring", func(p *Provider) {
			require.NoError(t, p.MarkAcquiring())
		}},
		{"running", func(p *Provider) {
			require.NoError(t, p.MarkAcquiring())
			require.NoError(t, p.MarkRunning())
		}},
		{"paused", func(p *Provider) {
			require.NoError(t, p.MarkAcquiring())
			require.NoError(t, p.MarkRunning())
			require.NoError(t, p.MarkPaused())
		}},
		{"waiting_quota", func(p *Provider) {
			require.NoError(t, p.MarkAcquiring())
			require.NoError(t, p.MarkRunning())
			require.NoError(t, p.MarkWaitingQuota(time.Now().Add(time.Minute), "quota"))
		}},
		{"waiting_backoff", func(p *Provider) {
			require.NoError(t, p.MarkAcquiring())
			require.NoError(t, p.MarkRunning())
			require.NoError(t, p.MarkWaitingBackoff(time.Now().Add(time.Second), "transient"))
		}},
	}

	for _, tt := range states {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider("cwe", SourceTypeCWE)
			tt.setup(p)

			require.NoError(t, p.MarkTerminated())
			assert.Equal(t, StateTerminated, p.State())
		})
	}
}

func TestProvider_WaitingStatesCarrySchedule(t *testing.T) {
	p := NewProvider("cve", SourceTypeCVE)
	require.NoError(t, p.MarkAcquiring())
	require.NoError(t, p.MarkRunning())

	retryAt := time.Now().Add(30 * time.Second)
	require.NoError(t, p.MarkWaitingQuota(retryAt, "upstream quota exceeded"))
	assert.Equal(t, StateWaitingQuota, p.State())
	assert.Equal(t, retryAt, p.QuotaRetryAt())
	assert.Equal(t, "upstream quota exceeded", p.ErrorMessage())

	// Re-entering RUNNING clears the schedule and the error message.
	require.NoError(t, p.MarkRunning())
	assert.True(t, p.QuotaRetryAt().IsZero())
	assert.Empty(t, p.ErrorMessage())

	until := time.Now().Add(2 * time.Second)
	require.NoError(t, p.MarkWaitingBackoff(until, "connection reset"))
	assert.Equal(t, StateWaitingBackoff, p.State())
	assert.Equal(t, until, p.BackoffUntil())
	assert.Equal(t, "connection reset", p.ErrorMessage())

	require.NoError(t, p.MarkRunning())
	assert.True(t, p.BackoffUntil().IsZero())
}

func TestProvider_RecordUnitProcessed(t *testing.T) {
	p := NewProvider("epss", SourceTypeEPSS)
	require.NoError(t, p.MarkAcquiring())
	require.NoError(t, p.MarkRunning())

	cp := ReconstructCheckpoint("epss", 1, time.Now(), true, map[string]any{"offset": 100}, "")
	p.RecordUnitProcessed(cp, 100)

	cp2 := ReconstructCheckpoint("epss", 2, time.Now(), true, map[string]any{"offset": 200}, "")
	p.RecordUnitProcessed(cp2, 100)

	assert.Equal(t, int64(200), p.ProcessedCount())
	assert.Equal(t, int64(2), p.LastCheckpoint().Sequence())
}

func TestProvider_ReconstructAlwaysIdle(t *testing.T) {
	cp := ReconstructCheckpoint("cve", 17, time.Now(), true, map[string]any{"page": 9}, "")
	p := ReconstructProvider("cve", SourceTypeCVE, cp)

	// A crashed provider never resumes on its own.
	assert.Equal(t, StateIdle, p.State())
	require.NotNil(t, p.LastCheckpoint())
	assert.Equal(t, int64(17), p.LastCheckpoint().Sequence())
}

func TestProvider_Snapshot(t *testing.T) {
	p := NewProvider("attack", SourceTypeATTACK)
	require.NoError(t, p.MarkAcquiring())
	require.NoError(t, p.MarkRunning())

	cp := ReconstructCheckpoint("attack", 3, time.Now(), true, map[string]any{"technique": "T1059"}, "")
	p.RecordUnitProcessed(cp, 42)

	s := p.Snapshot()
	assert.Equal(t, "attack", s.ID)
	assert.Equal(t, SourceTypeATTACK, s.SourceType)
	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, int64(42), s.ProcessedCount)
	require.NotNil(t, s.LastCheckpoint)
	assert.Equal(t, int64(3), s.LastCheckpoint.Sequence)
	assert.Nil(t, s.QuotaRetryAt)
	assert.Nil(t, s.BackoffUntil)
}

func TestErrorKinds(t *testing.T) {
	notFound := NewProviderNotFoundError("nope")
	assert.ErrorIs(t, notFound, ErrProviderNotFound)
	assert.NotErrorIs(t, notFound, ErrInvalidStateTransition)

	unavailable := NewCheckpointUnavailableError("cve", errors.New("connection refused"))
	assert.ErrorIs(t, unavailable, ErrCheckpointUnavailable)
	assert.Contains(t, unavailable.Error(), "connection refused")
}
