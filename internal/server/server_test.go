package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"kiln/internal/assets"
	"kiln/internal/cache"
	"kiln/internal/config"
	"kiln/internal/jobs"
	"kiln/internal/model"
	"kiln/internal/monitor"
	"kiln/internal/processor"
	"kiln/internal/ratelimit"
	"kiln/internal/recovery"
	"kiln/pkg/comfy"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubBackend completes every submission on the first poll.
type stubBackend struct {
	mu        sync.Mutex
	healthy   bool
	submits   int
	submitErr error
	models    []string
	cleared   bool
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		healthy: true,
		models:  []string{"base.safetensors", "detail.safetensors"},
	}
}

func (b *stubBackend) SubmitPrompt(comfy.Workflow) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.submits++
	return fmt.Sprintf("h-%d", b.submits), nil
}

func (b *stubBackend) QueueStatus() (*comfy.QueueState, error) {
	return &comfy.QueueState{}, nil
}

func (b *stubBackend) History(handle string) (*comfy.HistoryEntry, error) {
	return &comfy.HistoryEntry{
		Completed: true,
		Outputs: map[string]comfy.NodeOutput{
			"7": {Images: []comfy.OutputFile{{Filename: handle + ".png"}}},
		},
	}, nil
}

func (b *stubBackend) Interrupt() error { return nil }

func (b *stubBackend) ClearQueue() bool {
	b.mu.Lock()
	b.cleared = true
	b.mu.Unlock()
	return true
}

func (b *stubBackend) FetchOutput(file comfy.OutputFile) ([]byte, error) {
	return []byte(file.Filename), nil
}

func (b *stubBackend) Health() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

func (b *stubBackend) AvailableModels() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.models, nil
}

// missCache forces every catalog lookup through the rate limiter.
type missCache struct{}

func (missCache) Get(context.Context, string) ([]byte, error) { return nil, cache.ErrCacheMiss }
func (missCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (missCache) Delete(context.Context, string) error { return nil }
func (missCache) Ping(context.Context) error           { return nil }
func (missCache) Close() error                         { return nil }

type testAPI struct {
	backend *stubBackend
	handler http.Handler
	proc    *processor.Processor
}

func newTestAPI(t *testing.T, catalogLimit int) *testAPI {
	t.Helper()
	backend := newStubBackend()
	rec := recovery.NewManager()
	manager := jobs.NewManager(rec, nil)
	mon := monitor.NewMonitor(backend, 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mon.Run(ctx)

	proc := processor.NewProcessor(backend, manager, rec, mon, processor.Options{})

	var catalog *assets.Catalog
	if catalogLimit > 0 {
		catalog = assets.NewCatalog(backend, missCache{}, ratelimit.New(catalogLimit, time.Minute), time.Minute)
	}

	cfg := config.Config{
		Engine: config.EngineConfig{RetentionHours: 24, DefaultTimeoutMinutes: 1},
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		},
	}

	srv := Server{
		proc:    proc,
		backend: backend,
		catalog: catalog,
		config:  cfg,
		baseCtx: ctx,
	}

	return &testAPI{backend: backend, handler: srv.RegisterRoutes(), proc: proc}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestSubmitAndWait(t *testing.T) {
	api := newTestAPI(t, 0)

	w := api.do(t, http.MethodPost, "/api/v1/jobs?wait=true", gin.H{
		"kind":   "image",
		"prompt": "a lighthouse at dusk",
		"parameters": gin.H{
			"width": 768, "height": 512, "steps": 25,
		},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[model.JobResult](t, w)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, []string{"h-1.png"}, result.OutputFiles)
}

func TestSubmitAsyncReturnsImmediately(t *testing.T) {
	api := newTestAPI(t, 0)

	w := api.do(t, http.MethodPost, "/api/v1/jobs", gin.H{
		"kind":   "video",
		"prompt": "rolling waves",
	})

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[map[string]string](t, w)
	jobID := accepted["job_id"]
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		view, ok := api.proc.GetStatus(jobID)
		return ok && view.Job.Status == model.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	api := newTestAPI(t, 0)

	w := api.do(t, http.MethodPost, "/api/v1/jobs", gin.H{"kind": "image"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "prompt is required")

	w = api.do(t, http.MethodPost, "/api/v1/jobs", gin.H{"kind": "hologram", "prompt": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown kind is rejected")
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(t, 0)

	w := api.do(t, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	submit := api.do(t, http.MethodPost, "/api/v1/jobs?wait=true", gin.H{"kind": "image", "prompt": "x"})
	result := decode[model.JobResult](t, submit)

	w = api.do(t, http.MethodGet, "/api/v1/jobs/"+result.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[processor.StatusView](t, w)
	assert.Equal(t, model.StatusCompleted, view.Job.Status)
	assert.Equal(t, "h-1.png", view.Job.OutputPath)
}

func TestListJobsWithStatusFilter(t *testing.T) {
	api := newTestAPI(t, 0)
	api.do(t, http.MethodPost, "/api/v1/jobs?wait=true", gin.H{"kind": "image", "prompt": "one"})
	api.do(t, http.MethodPost, "/api/v1/jobs?wait=true", gin.H{"kind": "image", "prompt": "two"})

	w := api.do(t, http.MethodGet, "/api/v1/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[[]model.Job](t, w)
	assert.Len(t, listed, 2)

	w = api.do(t, http.MethodGet, "/api/v1/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())

	w = api.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatisticsEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)
	api.do(t, http.MethodPost, "/api/v1/jobs?wait=true", gin.H{"kind": "image", "prompt": "x"})

	w := api.do(t, http.MethodGet, "/api/v1/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[processor.Statistics](t, w)
	assert.Equal(t, 1, stats.Submitted)
	assert.Equal(t, 1, stats.Completed)
}

func TestModelsEndpointRateLimits(t *testing.T) {
	api := newTestAPI(t, 1)

	w := api.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 2, body["count"])

	w = api.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestModelsEndpointWithoutCatalog(t *testing.T) {
	api := newTestAPI(t, 0)

	w := api.do(t, http.MethodGet, "/api/v1/models", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRetryFailedEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)

	api.backend.mu.Lock()
	api.backend.submitErr = fmt.Errorf("connection refused")
	api.backend.mu.Unlock()
	submit := api.do(t, http.MethodPost, "/api/v1/jobs?wait=true", gin.H{"kind": "image", "prompt": "x"})
	result := decode[model.JobResult](t, submit)
	require.False(t, result.Success)

	api.backend.mu.Lock()
	api.backend.submitErr = nil
	api.backend.mu.Unlock()

	w := api.do(t, http.MethodPost, "/api/v1/jobs/retry", gin.H{"max_jobs": 5})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, body["count"])

	require.Eventually(t, func() bool {
		view, ok := api.proc.GetStatus(result.JobID)
		return ok && view.Job.Status == model.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCleanupEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)
	api.do(t, http.MethodPost, "/api/v1/jobs?wait=true", gin.H{"kind": "image", "prompt": "x"})

	// Default retention keeps the fresh job.
	w := api.do(t, http.MethodPost, "/api/v1/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 0, body["jobs_removed"])

	// An explicit zero sweeps everything terminal.
	w = api.do(t, http.MethodPost, "/api/v1/cleanup", gin.H{"older_than_hours": 0})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode[map[string]any](t, w)
	assert.EqualValues(t, 1, body["jobs_removed"])
}

func TestEmergencyStopEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)

	w := api.do(t, http.MethodPost, "/api/v1/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[processor.StopReport](t, w)
	assert.True(t, report.QueueCleared)
	assert.True(t, api.backend.cleared)
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)

	w := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["backend"])

	api.backend.mu.Lock()
	api.backend.healthy = false
	api.backend.mu.Unlock()

	w = api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
