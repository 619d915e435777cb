package recovery

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"kiln/internal/model"

	"github.com/rs/zerolog/log"
)

// maxCheckpointsPerJob bounds the per-job checkpoint ring; inserting past it
// evicts the oldest entry.
const maxCheckpointsPerJob = 5

// resumeProgressFloor is the progress below which resuming is not worth it
// and the strategy degrades to a restart from zero.
const resumeProgressFloor = 10.0

// Outcome is the decision one recovery attempt produced
type Outcome struct {
	Success       bool
	Strategy      model.RecoveryStrategy
	ErrorKind     model.ErrorKind
	AttemptNumber int
	Message       string

	// AdjustedParams is set when the strategy rewrote parameters.
	AdjustedParams *model.GenerationParams

	// ResumeCheckpoint is set when a usable checkpoint exists. When the
	// strategy chose to resume but nothing usable was found,
	// RestartFromZero is set instead; that still counts as success,
	// restarting is itself the recovery action.
	ResumeCheckpoint *model.Checkpoint
	RestartFromZero  bool
}

// Stats are the manager's running totals
type Stats struct {
	TotalErrors          int     `json:"total_errors"`
	SuccessfulRecoveries int     `json:"successful_recoveries"`
	FailedRecoveries     int     `json:"failed_recoveries"`
	RecoveryRate         float64 `json:"recovery_rate"`
}

// Manager turns raw error strings into bounded, deterministic recovery
// decisions and owns the per-job checkpoint rings.
type Manager struct {
	mu          sync.Mutex
	history     map[string][]model.RecoveryAttempt
	checkpoints map[string][]model.Checkpoint

	totalErrors          int
	successfulRecoveries int
	failedRecoveries     int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager builds an empty manager; classification runs against the
// package's policy table.
func NewManager() *Manager {
	return &Manager{
		history:     make(map[string][]model.RecoveryAttempt),
		checkpoints: make(map[string][]model.Checkpoint),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay is the retry strategy's wait: min(2^attempt, 30) seconds.
func backoffDelay(attemptNumber int) time.Duration {
	secs := math.Min(math.Pow(2, float64(attemptNumber)), 30)
	return time.Duration(secs * float64(time.Second))
}

// AttemptRecovery classifies errorMessage and runs the matched strategy
// against the job's parameters. The attempt budget is per job: once a job
// has accumulated max_attempts entries for the matched policy, recovery
// fails immediately. Abort never consumes budget and never counts as a
// failed recovery; it only reports the error as unrecoverable.
func (m *Manager) AttemptRecovery(ctx context.Context, job *model.Job, errorMessage string) Outcome {
	m.mu.Lock()
	m.totalErrors++
	policy := classify(errorMessage)
	attemptNumber := len(m.history[job.ID]) + 1
	params := job.Parameters.Clone()
	m.mu.Unlock()

	out := Outcome{
		Strategy:      policy.Strategy,
		ErrorKind:     policy.Kind,
		AttemptNumber: attemptNumber,
	}

	log.Info().
		Str("job_id", job.ID).
		Str("error_kind", string(policy.Kind)).
		Str("strategy", string(policy.Strategy)).
		Int("attempt", attemptNumber).
		Str("error", errorMessage).
		Msg("Attempting recovery")

	if attemptNumber > policy.MaxAttempts {
		out.Message = fmt.Sprintf("recovery budget exceeded: attempt %d > max %d for %s errors",
			attemptNumber, policy.MaxAttempts, policy.Kind)
		m.record(job, errorMessage, params, nil, out)
		return out
	}

	switch policy.Strategy {
	case model.StrategyReduceParameters, model.StrategySwitchModel:
		adjusted := adjustParameters(params, policy.Adjustments)
		out.Success = true
		out.AdjustedParams = &adjusted
		out.Message = fmt.Sprintf("parameters adjusted for %s error", policy.Kind)
		m.record(job, errorMessage, params, &adjusted, out)

	case model.StrategyResumeCheckpoint:
		cp := m.GetLatestCheckpoint(job.ID)
		out.Success = true
		if cp != nil && cp.ProgressPercent > resumeProgressFloor {
			out.ResumeCheckpoint = cp
			out.Message = fmt.Sprintf("resuming from checkpoint %s at %.0f%%", cp.CheckpointID, cp.ProgressPercent)
		} else {
			out.RestartFromZero = true
			out.Message = "no usable checkpoint, restarting from zero"
		}
		m.record(job, errorMessage, params, nil, out)

	case model.StrategyRetry:
		delay := backoffDelay(attemptNumber)
		log.Debug().Str("job_id", job.ID).Dur("backoff", delay).Msg("Backing off before retry")
		if err := m.sleep(ctx, delay); err != nil {
			out.Success = false
			out.Message = fmt.Sprintf("retry backoff interrupted: %v", err)
			m.record(job, errorMessage, params, nil, out)
			return out
		}
		out.Success = true
		out.Message = fmt.Sprintf("retrying after %s backoff", delay)
		m.record(job, errorMessage, params, nil, out)

	case model.StrategyAbort:
		// Rolled back before recording: aborts consume no budget and do
		// not count as failed recoveries.
		out.Success = false
		out.Message = fmt.Sprintf("unrecoverable %s error, aborting: %s", policy.Kind, errorMessage)
		log.Warn().Str("job_id", job.ID).Str("error_kind", string(policy.Kind)).Msg("Recovery aborted")
	}

	return out
}

// record appends the attempt to the job's internal history and bumps the
// running totals. Aborts never reach here.
func (m *Manager) record(job *model.Job, errorMessage string, original model.GenerationParams, adjusted *model.GenerationParams, out Outcome) {
	attempt := model.RecoveryAttempt{
		AttemptNumber:      out.AttemptNumber,
		Strategy:           out.Strategy,
		ErrorKind:          out.ErrorKind,
		OriginalParameters: original,
		ErrorMessage:       errorMessage,
		Timestamp:          m.now(),
		Success:            out.Success,
	}
	if adjusted != nil {
		attempt.AdjustedParameters = adjusted.Clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[job.ID] = append(m.history[job.ID], attempt)
	if out.Success {
		m.successfulRecoveries++
	} else {
		m.failedRecoveries++
	}
}

// History returns a copy of the attempts recorded for a job.
func (m *Manager) History(jobID string) []model.RecoveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := m.history[jobID]
	out := make([]model.RecoveryAttempt, len(attempts))
	copy(out, attempts)
	return out
}

// CreateCheckpoint snapshots job progress and stores it in the job's ring,
// evicting the oldest entry past the cap.
func (m *Manager) CreateCheckpoint(jobID string, progressPercent float64, state map[string]any, completedSteps []string) *model.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cp := model.Checkpoint{
		JobID:           jobID,
		CheckpointID:    fmt.Sprintf("ckpt_%s_%d", jobID, now.UnixNano()),
		ProgressPercent: progressPercent,
		WorkflowState:   state,
		CompletedSteps:  completedSteps,
		CreatedAt:       now,
	}

	ring := append(m.checkpoints[jobID], cp)
	for len(ring) > maxCheckpointsPerJob {
		oldest := 0
		for i := 1; i < len(ring); i++ {
			if ring[i].CreatedAt.Before(ring[oldest].CreatedAt) {
				oldest = i
			}
		}
		ring = append(ring[:oldest], ring[oldest+1:]...)
	}
	m.checkpoints[jobID] = ring

	log.Debug().
		Str("job_id", jobID).
		Str("checkpoint_id", cp.CheckpointID).
		Float64("progress", progressPercent).
		Int("ring_size", len(ring)).
		Msg("Checkpoint created")

	return &cp
}

// GetLatestCheckpoint returns the job's newest checkpoint, or nil.
func (m *Manager) GetLatestCheckpoint(jobID string) *model.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.checkpoints[jobID]
	if len(ring) == 0 {
		return nil
	}

	latest := 0
	for i := 1; i < len(ring); i++ {
		if ring[i].CreatedAt.After(ring[latest].CreatedAt) {
			latest = i
		}
	}
	cp := ring[latest]
	return &cp
}

// Checkpoints returns a copy of the job's checkpoint ring.
func (m *Manager) Checkpoints(jobID string) []model.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.checkpoints[jobID]
	out := make([]model.Checkpoint, len(ring))
	copy(out, ring)
	return out
}

// CleanupJob drops a job's recovery history and checkpoints, returning how
// many checkpoints were removed.
func (m *Manager) CleanupJob(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := len(m.checkpoints[jobID])
	delete(m.checkpoints, jobID)
	delete(m.history, jobID)
	return removed
}

// Statistics returns the running totals. The rate is successes over all
// recorded attempts, as a percentage, zero when nothing was recorded.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalErrors:          m.totalErrors,
		SuccessfulRecoveries: m.successfulRecoveries,
		FailedRecoveries:     m.failedRecoveries,
	}
	if total := stats.SuccessfulRecoveries + stats.FailedRecoveries; total > 0 {
		stats.RecoveryRate = 100 * float64(stats.SuccessfulRecoveries) / float64(total)
	}
	return stats
}

// ErrorBreakdown reclassifies every stored attempt's error message into a
// histogram by kind. Derived on demand rather than stored redundantly.
func (m *Manager) ErrorBreakdown() map[model.ErrorKind]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	breakdown := make(map[model.ErrorKind]int)
	for _, attempts := range m.history {
		for _, attempt := range attempts {
			breakdown[classify(attempt.ErrorMessage).Kind]++
		}
	}
	return breakdown
}
