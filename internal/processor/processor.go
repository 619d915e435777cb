package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"kiln/internal/jobs"
	"kiln/internal/model"
	"kiln/internal/monitor"
	"kiln/internal/recovery"
	"kiln/pkg/comfy"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultTimeout is the whole-run budget when a request names none.
	DefaultTimeout = 30 * time.Minute

	// DefaultMaxConcurrent bounds how many jobs are submitted and monitored
	// against the backend at once.
	DefaultMaxConcurrent = 3

	// DefaultStallLimit is how many consecutive poll cycles may pass without
	// progress advancing a full point before the job is failed.
	DefaultStallLimit = 10

	// defaultBudgetShrink and defaultBudgetFloor bound total wall-clock time
	// across recovery cycles: each cycle restarts monitoring with a smaller
	// budget instead of a fresh one.
	defaultBudgetShrink = 10 * time.Minute
	defaultBudgetFloor  = 10 * time.Minute

	// maxRetryCount caps how often a failed job may be requeued by RetryFailed.
	maxRetryCount = 3
)

// Backend is the connector slice the processor drives directly. The status
// monitor holds its own narrower view of the same client.
type Backend interface {
	SubmitPrompt(workflow comfy.Workflow) (string, error)
	History(handle string) (*comfy.HistoryEntry, error)
	Interrupt() error
	ClearQueue() bool
	FetchOutput(file comfy.OutputFile) ([]byte, error)
}

// Mirror copies finished artifacts into durable storage.
type Mirror interface {
	UploadFile(ctx context.Context, fileName string, file io.Reader) (string, error)
}

// ResultPublisher fans final job results out to external consumers.
type ResultPublisher interface {
	PublishResult(kind model.JobKind, result model.JobResult) error
}

// ModelCatalog reports which checkpoints the backend has loaded.
type ModelCatalog interface {
	Has(ctx context.Context, name string) (bool, error)
}

// Options tune the processor. Zero values take the package defaults; Mirror,
// Results and Catalog are optional collaborators.
type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	StallLimit    int
	BudgetShrink  time.Duration
	BudgetFloor   time.Duration
	Mirror        Mirror
	Results       ResultPublisher
	Catalog       ModelCatalog
}

// Request describes one generation run. When Workflow is set the graph is
// used as supplied (re-patched with the job's current parameters on every
// submission); otherwise a standard graph is built from the prompt.
type Request struct {
	Kind       model.JobKind
	Prompt     string
	Parameters model.GenerationParams
	Workflow   comfy.Workflow
	Timeout    time.Duration
}

// Processor runs jobs to completion with recovery: submit, monitor, classify
// failures, resubmit with adjusted parameters, and collect outputs. It is the
// single entry point the API layer calls.
type Processor struct {
	backend  Backend
	jobs     *jobs.Manager
	recovery *recovery.Manager
	monitor  *monitor.Monitor
	sem      *semaphore.Weighted
	opts     Options

	mu        sync.Mutex
	submitted int
	completed int
	failed    int

	now func() time.Time
}

func NewProcessor(backend Backend, manager *jobs.Manager, rec *recovery.Manager, mon *monitor.Monitor, opts Options) *Processor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StallLimit <= 0 {
		opts.StallLimit = DefaultStallLimit
	}
	if opts.BudgetShrink <= 0 {
		opts.BudgetShrink = defaultBudgetShrink
	}
	if opts.BudgetFloor <= 0 {
		opts.BudgetFloor = defaultBudgetFloor
	}
	return &Processor{
		backend:  backend,
		jobs:     manager,
		recovery: rec,
		monitor:  mon,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		opts:     opts,
		now:      time.Now,
	}
}

// SubmitAndMonitor creates a job and runs it to a final result, blocking the
// caller for the whole run.
func (p *Processor) SubmitAndMonitor(ctx context.Context, req Request) *model.JobResult {
	job := p.jobs.Create(ctx, req.Kind, req.Prompt, req.Parameters)
	return p.Process(ctx, job.ID, req)
}

// SubmitAsync creates a job, starts the run in the background, and returns
// the job id immediately. ctx should outlive the request that carried it.
func (p *Processor) SubmitAsync(ctx context.Context, req Request) string {
	job := p.jobs.Create(ctx, req.Kind, req.Prompt, req.Parameters)
	go p.Process(ctx, job.ID, req)
	return job.ID
}

// Process runs an existing QUEUED job through the monitor-with-recovery loop.
// Each recovery cycle resubmits with the job's current (possibly adjusted)
// parameters and a smaller timeout budget, so total wall-clock time stays
// bounded no matter how many cycles occur.
func (p *Processor) Process(ctx context.Context, jobID string, req Request) *model.JobResult {
	start := p.now()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		msg := "cancelled while waiting for a processing slot"
		p.jobs.UpdateStatus(ctx, jobID, model.StatusCancelled, jobs.WithErrorMessage(msg))
		return p.finish(ctx, jobID, req.Kind, start, nil, nil, msg)
	}
	defer p.sem.Release(1)

	budget := req.Timeout
	if budget <= 0 {
		budget = p.opts.Timeout
	}

	for {
		job, ok := p.jobs.Get(jobID)
		if !ok {
			return &model.JobResult{JobID: jobID, ErrorMessage: "job not found"}
		}
		p.warnUnknownModel(ctx, job)

		handle, err := p.submit(job, req.Workflow)
		if err != nil {
			// The backend never accepted the work, so there is nothing to
			// recover; submission failures are terminal by contract.
			msg := fmt.Sprintf("submission failed: %v", err)
			log.Error().Err(err).Str("jobID", jobID).Msg("Submission failed")
			p.jobs.UpdateStatus(ctx, jobID, model.StatusFailed, jobs.WithErrorMessage(msg))
			return p.finish(ctx, jobID, req.Kind, start, nil, nil, msg)
		}
		p.mu.Lock()
		p.submitted++
		p.mu.Unlock()
		p.jobs.UpdateStatus(ctx, jobID, model.StatusProcessing, jobs.WithBackendHandle(handle))
		log.Info().
			Str("jobID", jobID).
			Str("handle", handle).
			Dur("budget", budget).
			Msg("Submitted to backend")

		steps := 0
		if job.Parameters.Steps != nil {
			steps = *job.Parameters.Steps
		}
		v := p.watch(ctx, jobID, handle, job.Kind, steps, budget)

		switch v.state {
		case watchCompleted:
			outputs, mirrored := p.collectOutputs(ctx, handle)
			outPath := ""
			if len(outputs) > 0 {
				outPath = outputs[0]
			}
			p.jobs.UpdateStatus(ctx, jobID, model.StatusCompleted, jobs.WithOutputPath(outPath))
			return p.finish(ctx, jobID, req.Kind, start, outputs, mirrored, "")
		case watchCancelled:
			p.jobs.UpdateStatus(ctx, jobID, model.StatusCancelled, jobs.WithErrorMessage(v.message))
			return p.finish(ctx, jobID, req.Kind, start, nil, nil, v.message)
		case watchStopped:
			// Emergency stop already marked the job CANCELLED.
			return p.finish(ctx, jobID, req.Kind, start, nil, nil, v.message)
		default:
			if !p.jobs.HandleFailure(ctx, jobID, v.message) {
				return p.finish(ctx, jobID, req.Kind, start, nil, nil, "")
			}
			budget = shrink(budget, p.opts.BudgetShrink, p.opts.BudgetFloor)
			log.Info().
				Str("jobID", jobID).
				Dur("budget", budget).
				Msg("Recovered, resubmitting with adjusted parameters")
		}
	}
}

type watchState int

const (
	watchCompleted watchState = iota
	watchFailed
	watchCancelled
	watchStopped
)

type verdict struct {
	state   watchState
	message string
}

// watch consumes monitor updates for one submission until a terminal phase,
// the timeout budget, stall detection, or caller cancellation ends it. It
// also cuts checkpoints as progress crosses 25-percent thresholds.
func (p *Processor) watch(ctx context.Context, jobID, handle string, kind model.JobKind, steps int, budget time.Duration) verdict {
	updates := p.monitor.Track(jobID, handle, kind, steps)
	defer p.monitor.Untrack(jobID)

	timer := time.NewTimer(budget)
	defer timer.Stop()

	lastProgress := -1.0
	lastThreshold := 0
	stalls := 0

	for {
		select {
		case <-ctx.Done():
			return verdict{watchCancelled, "processing cancelled"}
		case <-timer.C:
			return verdict{watchFailed, fmt.Sprintf("generation timed out after %s", budget)}
		case update, ok := <-updates:
			if !ok {
				// Watch torn down underneath us, typically an emergency stop.
				if job, found := p.jobs.Get(jobID); found && job.Status == model.StatusCancelled {
					return verdict{watchStopped, job.ErrorMessage}
				}
				return verdict{watchFailed, "monitoring interrupted"}
			}
			switch update.Phase {
			case model.PhaseCompleted:
				return verdict{watchCompleted, ""}
			case model.PhaseFailed, model.PhaseTimeout:
				return verdict{watchFailed, update.ErrorMessage}
			case model.PhaseProcessing:
				p.checkpointThreshold(ctx, jobID, handle, update, &lastThreshold)
				if update.EstimatedCompletion == nil {
					// No duration estimate means no meaningful progress
					// signal; the timeout budget still bounds the run.
					continue
				}
				if lastProgress >= 0 && update.ProgressPercent < lastProgress+1 {
					stalls++
					if stalls >= p.opts.StallLimit {
						return verdict{watchFailed, fmt.Sprintf(
							"stalled at %.0f%% for %d poll cycles", update.ProgressPercent, stalls)}
					}
					continue
				}
				stalls = 0
				lastProgress = update.ProgressPercent
			}
		}
	}
}

// checkpointThreshold cuts a checkpoint the first time progress crosses each
// 25-percent multiple.
func (p *Processor) checkpointThreshold(ctx context.Context, jobID, handle string, update model.ProgressUpdate, lastThreshold *int) {
	threshold := int(update.ProgressPercent) / 25
	if threshold <= *lastThreshold || update.ProgressPercent >= 100 {
		return
	}
	*lastThreshold = threshold
	state := map[string]any{"backend_handle": handle}
	var completed []string
	if update.CurrentStep > 0 {
		completed = []string{fmt.Sprintf("sampler_step_%d", update.CurrentStep)}
	}
	if p.jobs.CreateCheckpoint(ctx, jobID, update.ProgressPercent, state, completed) {
		log.Debug().
			Str("jobID", jobID).
			Float64("progress", update.ProgressPercent).
			Msg("Checkpoint created")
	}
}

// submit builds a fresh workflow payload from the job's current parameters
// and hands it to the backend. Submission is not idempotent, so every call
// here is a deliberate (re)submission by the recovery loop.
func (p *Processor) submit(job *model.Job, custom comfy.Workflow) (string, error) {
	params := toGraphParams(job.Parameters)
	var wf comfy.Workflow
	if custom != nil {
		wf = custom.Clone()
		comfy.ApplyParams(wf, params)
	} else {
		switch job.Kind {
		case model.KindVideo:
			wf = comfy.BuildVideoWorkflow(job.Prompt, params)
		default:
			wf = comfy.BuildImageWorkflow(job.Prompt, params)
		}
	}
	return p.backend.SubmitPrompt(wf)
}

func toGraphParams(p model.GenerationParams) comfy.GraphParams {
	return comfy.GraphParams{
		Width:     p.Width,
		Height:    p.Height,
		Steps:     p.Steps,
		BatchSize: p.BatchSize,
		Frames:    p.Frames,
		CFGScale:  p.CFGScale,
		Seed:      p.Seed,
		Model:     p.Model,
		Sampler:   p.Sampler,
	}
}

// warnUnknownModel checks the requested checkpoint against the backend's
// catalog when one is wired. Advisory only; the backend stays the authority.
func (p *Processor) warnUnknownModel(ctx context.Context, job *model.Job) {
	if p.opts.Catalog == nil || job.Parameters.Model == nil {
		return
	}
	known, err := p.opts.Catalog.Has(ctx, *job.Parameters.Model)
	if err != nil {
		log.Debug().Err(err).Str("jobID", job.ID).Msg("Model catalog lookup failed")
		return
	}
	if !known {
		log.Warn().
			Str("jobID", job.ID).
			Str("model", *job.Parameters.Model).
			Msg("Requested model not reported by backend")
	}
}

// collectOutputs reads the finished run's artifacts from history and mirrors
// them to durable storage when a mirror is wired. Mirror failures are logged
// and skipped; the backend-side filenames are still reported.
func (p *Processor) collectOutputs(ctx context.Context, handle string) ([]string, []string) {
	entry, err := p.backend.History(handle)
	if err != nil || entry == nil {
		log.Warn().Err(err).Str("handle", handle).Msg("Could not read outputs from history")
		return nil, nil
	}
	names := entry.FileNames()
	if p.opts.Mirror == nil {
		return names, nil
	}

	var mirrored []string
	for _, f := range entry.Files() {
		data, err := p.backend.FetchOutput(f)
		if err != nil {
			log.Warn().Err(err).Str("file", f.Filename).Msg("Output fetch failed, skipping mirror")
			continue
		}
		url, err := p.opts.Mirror.UploadFile(ctx, f.Filename, bytes.NewReader(data))
		if err != nil {
			log.Warn().Err(err).Str("file", f.Filename).Msg("Mirror upload failed")
			continue
		}
		mirrored = append(mirrored, url)
	}
	return names, mirrored
}

// finish assembles the final result record from the job's terminal state,
// updates throughput counters, and publishes the result best-effort.
func (p *Processor) finish(ctx context.Context, jobID string, kind model.JobKind, start time.Time, outputs, mirrored []string, errMsg string) *model.JobResult {
	result := &model.JobResult{
		JobID:          jobID,
		ProcessingTime: p.now().Sub(start),
		OutputFiles:    outputs,
		MirroredURLs:   mirrored,
		ErrorMessage:   errMsg,
	}
	if job, ok := p.jobs.Get(jobID); ok {
		result.Success = job.Status == model.StatusCompleted
		result.RecoveryAttempts = len(job.RecoveryHistory)
		if result.ErrorMessage == "" && !result.Success {
			result.ErrorMessage = job.ErrorMessage
		}
	}

	p.mu.Lock()
	if result.Success {
		p.completed++
	} else {
		p.failed++
	}
	p.mu.Unlock()

	if p.opts.Results != nil {
		if err := p.opts.Results.PublishResult(kind, *result); err != nil {
			log.Warn().Err(err).Str("jobID", jobID).Msg("Result publish failed")
		}
	}

	log.Info().
		Str("jobID", jobID).
		Bool("success", result.Success).
		Dur("took", result.ProcessingTime).
		Int("recoveries", result.RecoveryAttempts).
		Msg("Job finished")
	return result
}

// StatusView is the caller-facing read model for one job.
type StatusView struct {
	Job              *model.Job            `json:"job"`
	Progress         *model.ProgressUpdate `json:"progress,omitempty"`
	Checkpoints      []model.Checkpoint    `json:"checkpoints,omitempty"`
	LatestCheckpoint *model.Checkpoint     `json:"latest_checkpoint,omitempty"`
}

// GetStatus returns the job record plus its recovery and checkpoint summary,
// with a live progress snapshot when the job is currently tracked.
func (p *Processor) GetStatus(jobID string) (*StatusView, bool) {
	job, ok := p.jobs.Get(jobID)
	if !ok {
		return nil, false
	}
	view := &StatusView{
		Job:              job,
		Checkpoints:      p.recovery.Checkpoints(jobID),
		LatestCheckpoint: p.recovery.GetLatestCheckpoint(jobID),
	}
	if update, tracked := p.monitor.Status(jobID); tracked {
		view.Progress = &update
	}
	return view, true
}

// List proxies the job manager's newest-first listing.
func (p *Processor) List(limit int, statuses ...model.JobStatus) []*model.Job {
	return p.jobs.List(limit, statuses...)
}

// RetryFailed requeues FAILED jobs that still have retry budget and starts a
// background run for each. Returns the ids that were requeued. maxJobs of
// zero or less requeues every eligible job.
func (p *Processor) RetryFailed(ctx context.Context, maxJobs int) []string {
	requeued := []string{}
	for _, job := range p.jobs.List(0, model.StatusFailed) {
		if maxJobs > 0 && len(requeued) >= maxJobs {
			break
		}
		if job.RetryCount >= maxRetryCount {
			continue
		}
		if !p.jobs.UpdateStatus(ctx, job.ID, model.StatusQueued, jobs.WithErrorMessage("")) {
			continue
		}
		requeued = append(requeued, job.ID)
		log.Info().
			Str("jobID", job.ID).
			Int("retryCount", job.RetryCount).
			Msg("Requeued failed job")

		go p.Process(ctx, job.ID, Request{
			Kind:       job.Kind,
			Prompt:     job.Prompt,
			Parameters: job.Parameters,
		})
	}
	return requeued
}

// StopReport summarizes an emergency stop.
type StopReport struct {
	QueueCleared  bool     `json:"queue_cleared"`
	CancelledJobs []string `json:"cancelled_jobs"`
}

// EmergencyStop interrupts the backend, clears its queue, and cancels every
// PROCESSING job without attempting recovery.
func (p *Processor) EmergencyStop(ctx context.Context) StopReport {
	var report StopReport
	if err := p.backend.Interrupt(); err != nil {
		log.Warn().Err(err).Msg("Interrupt request failed during emergency stop")
	}
	report.QueueCleared = p.backend.ClearQueue()

	for _, job := range p.jobs.List(0, model.StatusProcessing) {
		p.jobs.UpdateStatus(ctx, job.ID, model.StatusCancelled, jobs.WithErrorMessage("emergency stop"))
		p.monitor.Untrack(job.ID)
		report.CancelledJobs = append(report.CancelledJobs, job.ID)
	}

	log.Warn().
		Bool("queueCleared", report.QueueCleared).
		Int("cancelled", len(report.CancelledJobs)).
		Msg("Emergency stop executed")
	return report
}

// Statistics aggregates engine throughput with the recovery counters.
type Statistics struct {
	Submitted      int                     `json:"submitted"`
	Completed      int                     `json:"completed"`
	Failed         int                     `json:"failed"`
	Tracking       int                     `json:"tracking"`
	StatusCounts   map[model.JobStatus]int `json:"status_counts"`
	Recovery       recovery.Stats          `json:"recovery"`
	ErrorBreakdown map[model.ErrorKind]int `json:"error_breakdown"`
}

func (p *Processor) Statistics() Statistics {
	p.mu.Lock()
	s := Statistics{Submitted: p.submitted, Completed: p.completed, Failed: p.failed}
	p.mu.Unlock()

	s.Tracking = p.monitor.TrackedCount()
	s.StatusCounts = p.jobs.Counts()
	s.Recovery = p.recovery.Statistics()
	s.ErrorBreakdown = p.recovery.ErrorBreakdown()
	return s
}

// Cleanup sweeps terminal jobs older than the retention window.
func (p *Processor) Cleanup(ctx context.Context, olderThan time.Duration) (int, int) {
	return p.jobs.Cleanup(ctx, olderThan)
}

// shrink reduces the remaining budget after a recovery cycle. The floor keeps
// a resubmitted job viable; termination is guaranteed by the recovery attempt
// budget, not the floor.
func shrink(remaining, step, floor time.Duration) time.Duration {
	remaining -= step
	if remaining < floor {
		return floor
	}
	return remaining
}
