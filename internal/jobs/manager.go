package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"kiln/internal/model"
	"kiln/internal/recovery"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Persistence is the slice of the database the manager writes through. A
// nil store is valid: persistence is a durability aid, never a source of
// truth during a run, so every failure here is logged and swallowed.
type Persistence interface {
	SaveJob(ctx context.Context, job *model.Job) error
	UpdateJob(ctx context.Context, job *model.Job) error
	DeleteJob(ctx context.Context, id string) error
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	DeleteCheckpoints(ctx context.Context, jobID string) (int64, error)
}

// StatusOption mutates optional job fields alongside a status change
type StatusOption func(*model.Job)

// WithBackendHandle records the backend's handle for the submitted job.
func WithBackendHandle(handle string) StatusOption {
	return func(j *model.Job) { j.BackendHandle = handle }
}

// WithOutputPath records where the finished output landed.
func WithOutputPath(path string) StatusOption {
	return func(j *model.Job) { j.OutputPath = path }
}

// WithErrorMessage records why the job ended up where it is.
func WithErrorMessage(msg string) StatusOption {
	return func(j *model.Job) { j.ErrorMessage = msg }
}

// Manager owns the in-memory job working set, its status transitions, and
// the canonical parameter values a resubmission uses.
type Manager struct {
	mu       sync.RWMutex
	jobs     map[string]*model.Job
	recovery *recovery.Manager
	store    Persistence

	now func() time.Time
}

// NewManager builds a manager around the recovery manager and an optional
// persistent store.
func NewManager(rec *recovery.Manager, store Persistence) *Manager {
	return &Manager{
		jobs:     make(map[string]*model.Job),
		recovery: rec,
		store:    store,
		now:      time.Now,
	}
}

// Create allocates a QUEUED job with a fresh id. The given parameters become
// both the working set and the original snapshot recovery falls back to.
func (m *Manager) Create(ctx context.Context, kind model.JobKind, prompt string, params model.GenerationParams) *model.Job {
	job := &model.Job{
		ID:                 uuid.New().String(),
		Kind:               kind,
		Prompt:             prompt,
		Parameters:         params.Clone(),
		OriginalParameters: params.Clone(),
		Status:             model.StatusQueued,
		CreatedAt:          m.now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	log.Info().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Msg("Job created")

	if m.store != nil {
		if err := m.store.SaveJob(ctx, job.Clone()); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Job persistence failed, in-memory record remains authoritative")
		}
	}

	return job.Clone()
}

// Get returns a copy of the job, or false when the id is unknown.
func (m *Manager) Get(jobID string) (*model.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// UpdateStatus applies a status change plus any optional field updates and
// reports whether the job id was known. Transitions outside the regular
// lifecycle are applied anyway: this looseness is the escape hatch for
// administrative overrides like emergency stop and failed-job requeueing,
// and it is logged rather than rejected.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus, opts ...StatusOption) bool {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	m.applyStatusLocked(job, status)
	for _, opt := range opts {
		opt(job)
	}
	snapshot := job.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return true
}

// applyStatusLocked is the single place job status actually changes.
// Entering PROCESSING stamps started_at once; entering a terminal state
// stamps completed_at once; leaving a terminal state clears it so a
// requeued job gets a fresh completion time.
func (m *Manager) applyStatusLocked(job *model.Job, status model.JobStatus) {
	if job.Status != status && !model.CanTransition(job.Status, status) {
		log.Warn().
			Str("job_id", job.ID).
			Str("from", string(job.Status)).
			Str("to", string(status)).
			Msg("Status transition outside the regular lifecycle, applying as administrative override")
	}

	job.Status = status
	now := m.now()

	if status == model.StatusProcessing && job.StartedAt == nil {
		t := now
		job.StartedAt = &t
	}
	if status.IsTerminal() {
		if job.CompletedAt == nil {
			t := now
			job.CompletedAt = &t
		}
	} else if job.CompletedAt != nil {
		job.CompletedAt = nil
	}

	log.Debug().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Msg("Job status updated")
}

// HandleFailure routes an execution error through recovery. On success the
// adjusted parameters become canonical and the job returns to QUEUED for
// resubmission; on failure the job is FAILED. Either way retry_count is
// incremented and a RecoveryAttempt lands in the job's history, so
// retry_count always equals the history length, aborted cycles included.
func (m *Manager) HandleFailure(ctx context.Context, jobID, errorMessage string) bool {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.applyStatusLocked(job, model.StatusRecovering)
	job.RetryCount++
	job.ErrorMessage = errorMessage
	jobCopy := job.Clone()
	m.mu.Unlock()

	out := m.recovery.AttemptRecovery(ctx, jobCopy, errorMessage)

	m.mu.Lock()
	job, ok = m.jobs[jobID]
	if !ok {
		// Swept mid-recovery; nothing left to update.
		m.mu.Unlock()
		return out.Success
	}

	attempt := model.RecoveryAttempt{
		AttemptNumber:      out.AttemptNumber,
		Strategy:           out.Strategy,
		ErrorKind:          out.ErrorKind,
		OriginalParameters: job.Parameters.Clone(),
		ErrorMessage:       errorMessage,
		Timestamp:          m.now(),
		Success:            out.Success,
	}

	if out.Success {
		if out.AdjustedParams != nil {
			job.Parameters = out.AdjustedParams.Clone()
			attempt.AdjustedParameters = out.AdjustedParams.Clone()
		}
		job.ErrorMessage = ""
		job.BackendHandle = ""
		m.applyStatusLocked(job, model.StatusQueued)
	} else if out.ErrorKind == model.ErrorKindTimeout {
		m.applyStatusLocked(job, model.StatusTimeout)
	} else {
		m.applyStatusLocked(job, model.StatusFailed)
	}
	job.RecoveryHistory = append(job.RecoveryHistory, attempt)
	snapshot := job.Clone()
	m.mu.Unlock()

	log.Info().
		Str("job_id", jobID).
		Bool("recovered", out.Success).
		Str("strategy", string(out.Strategy)).
		Int("attempt", out.AttemptNumber).
		Msg("Failure handled")

	m.persist(ctx, snapshot)
	return out.Success
}

// CreateCheckpoint snapshots progress through the recovery manager and pins
// the checkpoint id on the job.
func (m *Manager) CreateCheckpoint(ctx context.Context, jobID string, progressPercent float64, state map[string]any, completedSteps []string) bool {
	m.mu.Lock()
	if _, ok := m.jobs[jobID]; !ok {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	cp := m.recovery.CreateCheckpoint(jobID, progressPercent, state, completedSteps)

	m.mu.Lock()
	job, ok := m.jobs[jobID]
	var snapshot *model.Job
	if ok {
		job.LastCheckpointID = cp.CheckpointID
		snapshot = job.Clone()
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("Checkpoint persistence failed")
		}
	}
	if snapshot != nil {
		m.persist(ctx, snapshot)
	}
	return ok
}

// List returns jobs newest-first, optionally filtered by status. A zero or
// negative limit means no cap.
func (m *Manager) List(limit int, statuses ...model.JobStatus) []*model.Job {
	m.mu.RLock()
	var out []*model.Job
	for _, job := range m.jobs {
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if job.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, job.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Counts tallies the working set by status.
func (m *Manager) Counts() map[model.JobStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[model.JobStatus]int)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts
}

// Cleanup evicts terminal jobs whose completion is older than the cutoff,
// along with their recovery state. Live jobs are never touched regardless
// of age. Returns jobs and checkpoints removed.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, int) {
	cutoff := m.now().Add(-olderThan)

	m.mu.Lock()
	var evicted []string
	for id, job := range m.jobs {
		if !job.Status.IsTerminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	checkpointsRemoved := 0
	for _, id := range evicted {
		checkpointsRemoved += m.recovery.CleanupJob(id)

		if m.store != nil {
			if err := m.store.DeleteJob(ctx, id); err != nil {
				log.Warn().Err(err).Str("job_id", id).Msg("Failed to delete persisted job record")
			}
			if _, err := m.store.DeleteCheckpoints(ctx, id); err != nil {
				log.Warn().Err(err).Str("job_id", id).Msg("Failed to delete persisted checkpoints")
			}
		}
	}

	if len(evicted) > 0 {
		log.Info().
			Int("jobs", len(evicted)).
			Int("checkpoints", checkpointsRemoved).
			Dur("older_than", olderThan).
			Msg("Retention sweep complete")
	}

	return len(evicted), checkpointsRemoved
}

func (m *Manager) persist(ctx context.Context, snapshot *model.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateJob(ctx, snapshot); err != nil {
		log.Warn().Err(err).Str("job_id", snapshot.ID).Msg("Job persistence failed, in-memory record remains authoritative")
	}
}
