package model

import (
	"time"
)

// JobKind represents the category of generated media
type JobKind string

const (
	KindImage JobKind = "image"
	KindVideo JobKind = "video"
	KindBatch JobKind = "batch"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusRecovering JobStatus = "recovering"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusTimeout    JobStatus = "timeout"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition leaves this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// legalTransitions is the regular lifecycle state machine. UpdateStatus does
// not enforce it (administrative overrides like re-queueing a failed job go
// through the same path); callers that care consult CanTransition.
var legalTransitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusRecovering, StatusFailed, StatusTimeout, StatusCancelled},
	StatusRecovering: {StatusQueued, StatusFailed, StatusTimeout},
}

// CanTransition reports whether from -> to is part of the regular lifecycle.
func CanTransition(from, to JobStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job represents one unit of generation work tracked by the engine
type Job struct {
	ID                 string            `bson:"_id" json:"id"`
	Kind               JobKind           `bson:"kind" json:"kind"`
	Prompt             string            `bson:"prompt" json:"prompt"`
	Parameters         GenerationParams  `bson:"parameters" json:"parameters"`
	OriginalParameters GenerationParams  `bson:"original_parameters" json:"original_parameters"`
	Status             JobStatus         `bson:"status" json:"status"`
	BackendHandle      string            `bson:"backend_handle,omitempty" json:"backend_handle,omitempty"`
	OutputPath         string            `bson:"output_path,omitempty" json:"output_path,omitempty"`
	ErrorMessage       string            `bson:"error_message,omitempty" json:"error_message,omitempty"`
	RetryCount         int               `bson:"retry_count" json:"retry_count"`
	RecoveryHistory    []RecoveryAttempt `bson:"recovery_history,omitempty" json:"recovery_history,omitempty"`
	LastCheckpointID   string            `bson:"last_checkpoint_id,omitempty" json:"last_checkpoint_id,omitempty"`
	CreatedAt          time.Time         `bson:"created_at" json:"created_at"`
	StartedAt          *time.Time        `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt        *time.Time        `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out while the original keeps mutating.
func (j *Job) Clone() *Job {
	dup := *j
	dup.Parameters = j.Parameters.Clone()
	dup.OriginalParameters = j.OriginalParameters.Clone()
	if j.RecoveryHistory != nil {
		dup.RecoveryHistory = make([]RecoveryAttempt, len(j.RecoveryHistory))
		copy(dup.RecoveryHistory, j.RecoveryHistory)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		dup.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

// RecoveryStrategy represents the remediation action chosen for an error
type RecoveryStrategy string

const (
	StrategyReduceParameters RecoveryStrategy = "reduce_parameters"
	StrategyResumeCheckpoint RecoveryStrategy = "resume_checkpoint"
	StrategySwitchModel      RecoveryStrategy = "switch_model"
	StrategyRetry            RecoveryStrategy = "retry"
	StrategyAbort            RecoveryStrategy = "abort"
)

// ErrorKind represents the classification of a raw backend error
type ErrorKind string

const (
	ErrorKindOOM          ErrorKind = "oom"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindMissingModel ErrorKind = "missing_model"
	ErrorKindNetwork      ErrorKind = "network"
	ErrorKindDiskFull     ErrorKind = "disk_full"
	ErrorKindUnknown      ErrorKind = "unknown"
)

// RecoveryAttempt records one classification+strategy cycle for a job
type RecoveryAttempt struct {
	AttemptNumber      int              `bson:"attempt_number" json:"attempt_number"`
	Strategy           RecoveryStrategy `bson:"strategy" json:"strategy"`
	ErrorKind          ErrorKind        `bson:"error_kind" json:"error_kind"`
	OriginalParameters GenerationParams `bson:"original_parameters" json:"original_parameters"`
	AdjustedParameters GenerationParams `bson:"adjusted_parameters" json:"adjusted_parameters"`
	ErrorMessage       string           `bson:"error_message" json:"error_message"`
	Timestamp          time.Time        `bson:"timestamp" json:"timestamp"`
	Success            bool             `bson:"success" json:"success"`
}

// Checkpoint is a resumable snapshot of partially completed work
type Checkpoint struct {
	JobID           string         `bson:"job_id" json:"job_id"`
	CheckpointID    string         `bson:"checkpoint_id" json:"checkpoint_id"`
	ProgressPercent float64        `bson:"progress_percent" json:"progress_percent"`
	WorkflowState   map[string]any `bson:"workflow_state,omitempty" json:"workflow_state,omitempty"`
	CompletedSteps  []string       `bson:"completed_steps,omitempty" json:"completed_steps,omitempty"`
	OutputFiles     []string       `bson:"output_files,omitempty" json:"output_files,omitempty"`
	CreatedAt       time.Time      `bson:"created_at" json:"created_at"`
}

// ProgressPhase represents where a monitored job sits in its lifecycle
type ProgressPhase string

const (
	PhaseUnknown      ProgressPhase = "unknown"
	PhaseQueued       ProgressPhase = "queued"
	PhaseInitializing ProgressPhase = "initializing"
	PhaseProcessing   ProgressPhase = "processing"
	PhaseCompleting   ProgressPhase = "completing"
	PhaseCompleted    ProgressPhase = "completed"
	PhaseFailed       ProgressPhase = "failed"
	PhaseTimeout      ProgressPhase = "timeout"
)

// ProgressUpdate is the per-poll snapshot produced by the status monitor.
// It is broadcast to subscribers, never persisted.
type ProgressUpdate struct {
	JobID               string        `json:"job_id"`
	BackendHandle       string        `json:"backend_handle,omitempty"`
	Phase               ProgressPhase `json:"phase"`
	ProgressPercent     float64       `json:"progress_percent"`
	CurrentStep         int           `json:"current_step,omitempty"`
	TotalSteps          int           `json:"total_steps,omitempty"`
	EstimatedCompletion *time.Time    `json:"estimated_completion,omitempty"`
	MeasuredDuration    time.Duration `json:"measured_duration,omitempty"`
	ErrorMessage        string        `json:"error_message,omitempty"`
	Timestamp           time.Time     `json:"timestamp"`
}

// JobResult is the final record handed back to callers of the processor
type JobResult struct {
	Success          bool          `json:"success"`
	JobID            string        `json:"job_id"`
	ProcessingTime   time.Duration `json:"processing_time"`
	OutputFiles      []string      `json:"output_files,omitempty"`
	MirroredURLs     []string      `json:"mirrored_urls,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	RecoveryAttempts int           `json:"recovery_attempts"`
}
