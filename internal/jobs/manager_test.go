package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"kiln/internal/model"
	"kiln/internal/recovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	saved       []string
	updated     []string
	deleted     []string
	checkpoints []string
	failSave    bool
}

func (f *fakeStore) SaveJob(_ context.Context, job *model.Job) error {
	if f.failSave {
		return errors.New("mongo down")
	}
	f.saved = append(f.saved, job.ID)
	return nil
}

func (f *fakeStore) UpdateJob(_ context.Context, job *model.Job) error {
	f.updated = append(f.updated, job.ID)
	return nil
}

func (f *fakeStore) DeleteJob(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, cp *model.Checkpoint) error {
	f.checkpoints = append(f.checkpoints, cp.CheckpointID)
	return nil
}

func (f *fakeStore) DeleteCheckpoints(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func newTestRecovery() *recovery.Manager {
	return recovery.NewManager()
}

func sampleParams() model.GenerationParams {
	return model.GenerationParams{
		Width:     model.Ptr(1024),
		Height:    model.Ptr(1024),
		Steps:     model.Ptr(30),
		BatchSize: model.Ptr(4),
	}
}

func TestCreate(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(newTestRecovery(), store)
	ctx := context.Background()

	job := m.Create(ctx, model.KindImage, "a red fox", sampleParams())

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.Equal(t, "a red fox", job.Prompt)
	assert.Equal(t, *job.Parameters.Width, *job.OriginalParameters.Width)
	assert.Equal(t, []string{job.ID}, store.saved)

	// The original snapshot must not alias the working parameters.
	got, ok := m.Get(job.ID)
	require.True(t, ok)
	*got.Parameters.Width = 1
	again, _ := m.Get(job.ID)
	assert.Equal(t, 1024, *again.Parameters.Width, "Get hands out copies")
}

func TestCreateSurvivesPersistenceFailure(t *testing.T) {
	store := &fakeStore{failSave: true}
	m := NewManager(newTestRecovery(), store)

	job := m.Create(context.Background(), model.KindImage, "p", sampleParams())

	_, ok := m.Get(job.ID)
	assert.True(t, ok, "persistence failure never fails job creation")
}

func TestUpdateStatusUnknownJob(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	assert.False(t, m.UpdateStatus(context.Background(), "ghost", model.StatusProcessing))
}

func TestUpdateStatusStampsStartedAtOnce(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	job := m.Create(ctx, model.KindImage, "p", sampleParams())

	require.True(t, m.UpdateStatus(ctx, job.ID, model.StatusProcessing))
	got, _ := m.Get(job.ID)
	require.NotNil(t, got.StartedAt)
	first := *got.StartedAt

	clock = clock.Add(time.Hour)
	require.True(t, m.UpdateStatus(ctx, job.ID, model.StatusProcessing))
	got, _ = m.Get(job.ID)
	assert.True(t, got.StartedAt.Equal(first), "a retried job does not reset started_at")
}

func TestUpdateStatusCompletedAtIdempotent(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	job := m.Create(ctx, model.KindImage, "p", sampleParams())
	m.UpdateStatus(ctx, job.ID, model.StatusProcessing)

	m.UpdateStatus(ctx, job.ID, model.StatusCompleted)
	got, _ := m.Get(job.ID)
	require.NotNil(t, got.CompletedAt)
	first := *got.CompletedAt

	clock = clock.Add(time.Hour)
	m.UpdateStatus(ctx, job.ID, model.StatusCompleted)
	got, _ = m.Get(job.ID)
	assert.True(t, got.CompletedAt.Equal(first), "second terminal call is a no-op on completed_at")
}

func TestUpdateStatusRequeueClearsCompletedAt(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	ctx := context.Background()

	job := m.Create(ctx, model.KindImage, "p", sampleParams())
	m.UpdateStatus(ctx, job.ID, model.StatusProcessing)
	m.UpdateStatus(ctx, job.ID, model.StatusFailed, WithErrorMessage("boom"))

	// Administrative override back to QUEUED, as retry_failed does.
	require.True(t, m.UpdateStatus(ctx, job.ID, model.StatusQueued, WithErrorMessage("")))
	got, _ := m.Get(job.ID)
	assert.Nil(t, got.CompletedAt, "leaving a terminal state clears completed_at")
	assert.Empty(t, got.ErrorMessage)
}

func TestUpdateStatusOptions(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	ctx := context.Background()

	job := m.Create(ctx, model.KindVideo, "p", sampleParams())
	m.UpdateStatus(ctx, job.ID, model.StatusProcessing, WithBackendHandle("prompt-77"))
	m.UpdateStatus(ctx, job.ID, model.StatusCompleted, WithOutputPath("x.mp4"))

	got, _ := m.Get(job.ID)
	assert.Equal(t, "prompt-77", got.BackendHandle)
	assert.Equal(t, "x.mp4", got.OutputPath)
}

func TestHandleFailureRecovers(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(newTestRecovery(), store)
	ctx := context.Background()

	job := m.Create(ctx, model.KindImage, "p", sampleParams())
	m.UpdateStatus(ctx, job.ID, model.StatusProcessing, WithBackendHandle("prompt-1"))

	ok := m.HandleFailure(ctx, job.ID, "CUDA out of memory. Tried to allocate 2.50 GiB")
	require.True(t, ok)

	got, _ := m.Get(job.ID)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Len(t, got.RecoveryHistory, 1)
	assert.Equal(t, 768, *got.Parameters.Width, "adjusted parameters become canonical")
	assert.Equal(t, 1024, *got.OriginalParameters.Width, "original snapshot untouched")
	assert.Empty(t, got.ErrorMessage, "error cleared on successful recovery")
	assert.Empty(t, got.BackendHandle, "stale handle cleared before resubmission")

	attempt := got.RecoveryHistory[0]
	assert.Equal(t, model.StrategyReduceParameters, attempt.Strategy)
	assert.Equal(t, 1024, *attempt.OriginalParameters.Width)
	assert.Equal(t, 768, *attempt.AdjustedParameters.Width)
}

func TestHandleFailureAbortFails(t *testing.T) {
	rec := newTestRecovery()
	m := NewManager(rec, nil)
	ctx := context.Background()

	job := m.Create(ctx, model.KindImage, "p", sampleParams())
	m.UpdateStatus(ctx, job.ID, model.StatusProcessing)

	ok := m.HandleFailure(ctx, job.ID, "No space left on device")
	require.False(t, ok)

	got, _ := m.Get(job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, got.RetryCount)
	assert.Len(t, got.RecoveryHistory, 1, "aborted cycles still appear in the job's history")
	assert.Equal(t, "No space left on device", got.ErrorMessage)

	stats := rec.Statistics()
	assert.Equal(t, 0, stats.FailedRecoveries, "abort does not count as a failed recovery")
}

func TestRetryCountMatchesHistoryLength(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	ctx := context.Background()

	job := m.Create(ctx, model.KindImage, "p", sampleParams())

	m.UpdateStatus(ctx, job.ID, model.StatusProcessing)
	require.True(t, m.HandleFailure(ctx, job.ID, "CUDA out of memory"))

	m.UpdateStatus(ctx, job.ID, model.StatusProcessing)
	require.False(t, m.HandleFailure(ctx, job.ID, "No space left on device"))

	got, _ := m.Get(job.ID)
	assert.Equal(t, got.RetryCount, len(got.RecoveryHistory))
	assert.Equal(t, 2, got.RetryCount)
}

func TestHandleFailureUnknownJob(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	assert.False(t, m.HandleFailure(context.Background(), "ghost", "boom"))
}

func TestCreateCheckpoint(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(newTestRecovery(), store)
	ctx := context.Background()

	job := m.Create(ctx, model.KindImage, "p", sampleParams())

	require.True(t, m.CreateCheckpoint(ctx, job.ID, 25, map[string]any{"node": "5"}, []string{"load"}))

	got, _ := m.Get(job.ID)
	assert.NotEmpty(t, got.LastCheckpointID)
	require.Len(t, store.checkpoints, 1)
	assert.Equal(t, got.LastCheckpointID, store.checkpoints[0])

	assert.False(t, m.CreateCheckpoint(ctx, "ghost", 10, nil, nil))
}

func TestListNewestFirstWithFilterAndLimit(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	ctx := context.Background()

	first := m.Create(ctx, model.KindImage, "first", sampleParams())
	second := m.Create(ctx, model.KindImage, "second", sampleParams())
	third := m.Create(ctx, model.KindImage, "third", sampleParams())
	m.UpdateStatus(ctx, second.ID, model.StatusProcessing)

	all := m.List(0)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)
	assert.Equal(t, first.ID, all[2].ID)

	queued := m.List(0, model.StatusQueued)
	require.Len(t, queued, 2)

	limited := m.List(1)
	require.Len(t, limited, 1)
	assert.Equal(t, third.ID, limited[0].ID)
}

func TestCleanupSweepsOnlyOldTerminalJobs(t *testing.T) {
	store := &fakeStore{}
	rec := newTestRecovery()
	m := NewManager(rec, store)
	clock := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	old := m.Create(ctx, model.KindImage, "old done", sampleParams())
	m.UpdateStatus(ctx, old.ID, model.StatusProcessing)
	m.UpdateStatus(ctx, old.ID, model.StatusCompleted)
	m.CreateCheckpoint(ctx, old.ID, 50, nil, nil)

	stuck := m.Create(ctx, model.KindImage, "old but live", sampleParams())
	m.UpdateStatus(ctx, stuck.ID, model.StatusProcessing)

	// 25 hours pass, then a fresh completion arrives.
	clock = clock.Add(25 * time.Hour)
	fresh := m.Create(ctx, model.KindImage, "fresh done", sampleParams())
	m.UpdateStatus(ctx, fresh.ID, model.StatusProcessing)
	m.UpdateStatus(ctx, fresh.ID, model.StatusCompleted)

	jobsRemoved, checkpointsRemoved := m.Cleanup(ctx, 24*time.Hour)
	assert.Equal(t, 1, jobsRemoved)
	assert.Equal(t, 1, checkpointsRemoved)

	_, ok := m.Get(old.ID)
	assert.False(t, ok, "old completed job swept")
	_, ok = m.Get(stuck.ID)
	assert.True(t, ok, "processing job of the same age survives")
	_, ok = m.Get(fresh.ID)
	assert.True(t, ok, "recently completed job survives")

	assert.Equal(t, []string{old.ID}, store.deleted)
}

func TestCounts(t *testing.T) {
	m := NewManager(newTestRecovery(), nil)
	ctx := context.Background()

	a := m.Create(ctx, model.KindImage, "a", sampleParams())
	m.Create(ctx, model.KindImage, "b", sampleParams())
	m.UpdateStatus(ctx, a.ID, model.StatusProcessing)

	counts := m.Counts()
	assert.Equal(t, 1, counts[model.StatusQueued])
	assert.Equal(t, 1, counts[model.StatusProcessing])
}
