package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/internal/config"
	domain "github.com/vulnforge/vulnforge/internal/domain/etl"
	"github.com/vulnforge/vulnforge/internal/etl"
	"github.com/vulnforge/vulnforge/internal/infra/storage"
	"github.com/vulnforge/vulnforge/internal/infra/storage/checkpoint/memory"
	"github.com/vulnforge/vulnforge/pkg/common/logger"
)

// pagedExecutor serves endless synthetic pages.
type pagedExecutor struct{}

func (pagedExecutor) Next(
	_ context.Context, _ string, _ domain.SourceType, cursor map[string]any,
) (*domain.WorkResult, error) {
	time.Sleep(time.Millisecond)
	page := 0
	if cursor != nil {
		page = cursor["page"].(int)
	}
	return &domain.WorkResult{Cursor: map[string]any{"page": page + 1}, Items: 1}, nil
}

func newTestServer(t *testing.T, store domain.CheckpointRepository) (*Server, *etl.Engine) {
	t.Helper()

	regs := []etl.ProviderRegistration{
		{ID: "cve", SourceType: domain.SourceTypeCVE},
		{ID: "cwe", SourceType: domain.SourceTypeCWE},
	}
	cfg := etl.WorkLoopConfig{
		PollInterval:      10 * time.Millisecond,
		QuotaRetryDefault: 20 * time.Millisecond,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	}
	eng, err := etl.NewEngine(regs, store, pagedExecutor{}, cfg,
		logger.Noop(), etl.NoopMetrics(), storage.NoOpTracer())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	srv := NewServer(config.ServerConfig{}, logger.Noop(), storage.NoOpTracer(), eng)
	return srv, eng
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (int, string, json.RawMessage) {
	t.Helper()
	var env struct {
		Retcode int             `json:"retcode"`
		Message string          `json:"message"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Retcode, env.Message, env.Payload
}

func TestServer_Readiness(t *testing.T) {
	srv, eng := newTestServer(t, memory.NewCheckpointStore())

	rec := doRequest(t, srv, http.MethodGet, "/v1/readiness", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before bootstrap")

	require.NoError(t, eng.Bootstrap(context.Background()))

	rec = doRequest(t, srv, http.MethodGet, "/v1/readiness", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartProvider(t *testing.T) {
	srv, eng := newTestServer(t, memory.NewCheckpointStore())
	require.NoError(t, eng.Bootstrap(context.Background()))

	rec := doRequest(t, srv, http.MethodPost, "/v1/providers/cve/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	retcode, msg, payload := decodeEnvelope(t, rec)
	assert.Equal(t, RetcodeOK, retcode)
	assert.Equal(t, "ok", msg)

	var snap struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Equal(t, "cve", snap.ID)
	assert.Equal(t, "cve", snap.Type)
	assert.Contains(t, []string{"ACQUIRING", "RUNNING"}, snap.State)
}

func TestServer_ErrorRetcodes(t *testing.T) {
	srv, eng := newTestServer(t, memory.NewCheckpointStore())
	require.NoError(t, eng.Bootstrap(context.Background()))

	t.Run("provider not found", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/v1/providers/ghost/start", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		retcode, msg, _ := decodeEnvelope(t, rec)
		assert.Equal(t, RetcodeProviderNotFound, retcode)
		assert.Contains(t, msg, "provider not found")
	})

	t.Run("invalid transition", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/v1/providers/cwe/pause", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		retcode, msg, _ := decodeEnvelope(t, rec)
		assert.Equal(t, RetcodeInvalidStateTransition, retcode)
		assert.Contains(t, msg, "invalid state transition")
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/v1/providers/cve/checkpoints?limit=zero", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		retcode, _, _ := decodeEnvelope(t, rec)
		assert.Equal(t, RetcodeBadRequest, retcode)
	})
}

func TestServer_BulkStart(t *testing.T) {
	srv, eng := newTestServer(t, memory.NewCheckpointStore())
	require.NoError(t, eng.Bootstrap(context.Background()))

	rec := doRequest(t, srv, http.MethodPost, "/v1/providers/bulk/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	retcode, _, payload := decodeEnvelope(t, rec)
	assert.Equal(t, RetcodeOK, retcode)

	var res struct {
		Acted  []string `json:"acted"`
		Failed []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"failed"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(payload, &res))
	assert.Equal(t, []string{"cve", "cwe"}, res.Acted)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, res.Total)
}

func TestServer_BulkPartialFailure(t *testing.T) {
	srv, eng := newTestServer(t, memory.NewCheckpointStore())
	require.NoError(t, eng.Bootstrap(context.Background()))

	rec := doRequest(t, srv, http.MethodPost, "/v1/providers/bulk/start", `{"ids":["cve","ghost"]}`)
	require.Equal(t, http.StatusOK, rec.Code, "partial failure is still an envelope success")

	retcode, _, payload := decodeEnvelope(t, rec)
	assert.Equal(t, RetcodeOK, retcode)

	var res etl.BatchResult
	require.NoError(t, json.Unmarshal(payload, &res))
	assert.Equal(t, []string{"cve"}, res.Acted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "ghost", res.Failed[0].ID)
	assert.Equal(t, 2, res.Total)
}

func TestServer_BulkRejectsMalformedBody(t *testing.T) {
	srv, eng := newTestServer(t, memory.NewCheckpointStore())
	require.NoError(t, eng.Bootstrap(context.Background()))

	rec := doRequest(t, srv, http.MethodPost, "/v1/providers/bulk/start", `{"ids":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	retcode, _, _ := decodeEnvelope(t, rec)
	assert.Equal(t, RetcodeBadRequest, retcode)
}

func TestServer_TreeAndProviders(t *testing.T) {
	srv, eng := newTestServer(t, memory.NewCheckpointStore())
	require.NoError(t, eng.Bootstrap(context.Background()))

	rec := doRequest(t, srv, http.MethodGet, "/v1/tree", "")
	require.Equal(t, http.StatusOK, rec.Code)
	retcode, _, payload := decodeEnvelope(t, rec)
	require.Equal(t, RetcodeOK, retcode)

	var tree struct {
		Engine struct {
			State           string `json:"state"`
			TotalProviders  int    `json:"total_providers"`
			ActiveProviders int    `json:"active_providers"`
		} `json:"engine"`
		Providers []struct {
			ID string `json:"id"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(payload, &tree))
	assert.Equal(t, "ORCHESTRATING", tree.Engine.State)
	assert.Equal(t, 2, tree.Engine.TotalProviders)
	require.Len(t, tree.Providers, 2)
	assert.Equal(t, "cve", tree.Providers[0].ID)

	rec = doRequest(t, srv, http.MethodGet, "/v1/providers/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, _, payload = decodeEnvelope(t, rec)
	var list struct {
		Providers []struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			State string `json:"state"`
		} `json:"providers"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(payload, &list))
	assert.Equal(t, 2, list.Count)
	require.Len(t, list.Providers, 2)
	assert.Equal(t, "cve", list.Providers[0].ID)
	assert.Equal(t, "IDLE", list.Providers[0].State)

	rec = doRequest(t, srv, http.MethodGet, "/v1/providers/cwe/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, _, payload = decodeEnvelope(t, rec)
	var snap struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Equal(t, "IDLE", snap.State)
}

func TestServer_Checkpoints(t *testing.T) {
	store := memory.NewCheckpointStore()
	srv, eng := newTestServer(t, store)
	ctx := context.Background()
	require.NoError(t, eng.Bootstrap(ctx))

	for i := 1; i <= 5; i++ {
		success := i != 2
		detail := ""
		if !success {
			detail = "upstream 503"
		}
		require.NoError(t, store.Append(ctx,
			domain.NewCheckpoint("cve", map[string]any{"page": i}, success, detail)))
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/providers/cve/checkpoints?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	retcode, _, payload := decodeEnvelope(t, rec)
	require.Equal(t, RetcodeOK, retcode)

	var res struct {
		Checkpoints []struct {
			Sequence int64 `json:"sequence"`
			Success  bool  `json:"success"`
		} `json:"checkpoints"`
	}
	require.NoError(t, json.Unmarshal(payload, &res))
	require.Len(t, res.Checkpoints, 3)
	assert.Equal(t, int64(5), res.Checkpoints[0].Sequence)

	rec = doRequest(t, srv, http.MethodGet, "/v1/providers/cve/checkpoints?success_only=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, _, payload = decodeEnvelope(t, rec)
	res.Checkpoints = nil
	require.NoError(t, json.Unmarshal(payload, &res))
	require.Len(t, res.Checkpoints, 4)
	for _, cp := range res.Checkpoints {
		assert.True(t, cp.Success)
	}
}
