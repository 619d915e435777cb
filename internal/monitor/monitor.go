package monitor

import (
	"context"
	"sync"
	"time"

	"kiln/internal/model"
	"kiln/pkg/comfy"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultPollInterval is how often all tracked jobs are checked.
	DefaultPollInterval = 2 * time.Second

	// initGrace is how long a freshly submitted job may be absent from both
	// queue and history before the monitor declares it lost.
	initGrace = 10 * time.Second

	// watchBuffer sizes the per-job update channel handed to the caller that
	// tracked the job.
	watchBuffer = 16
)

// Backend is the slice of the connector the monitor polls.
type Backend interface {
	QueueStatus() (*comfy.QueueState, error)
	History(handle string) (*comfy.HistoryEntry, error)
}

// Callback receives every update computed for a tracked job.
type Callback func(kind model.JobKind, update model.ProgressUpdate)

type trackedJob struct {
	jobID     string
	handle    string
	kind      model.JobKind
	steps     int
	trackedAt time.Time
	watch     chan model.ProgressUpdate
}

// Monitor answers "how is job X doing" against a backend that only exposes a
// queue snapshot and a completion history. One poll loop serves all tracked
// jobs so the outbound request rate stays bounded regardless of job count.
type Monitor struct {
	backend  Backend
	interval time.Duration
	stats    *estimator

	mu          sync.Mutex
	tracked     map[string]*trackedJob
	callbacks   []Callback
	subscribers map[chan model.ProgressUpdate]struct{}

	now func() time.Time
}

func NewMonitor(backend Backend, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		backend:     backend,
		interval:    interval,
		stats:       newEstimator(),
		tracked:     make(map[string]*trackedJob),
		subscribers: make(map[chan model.ProgressUpdate]struct{}),
		now:         time.Now,
	}
}

// Track starts watching a submitted job. The returned channel receives every
// update for the job and is closed after the terminal one. Tracking the same
// job id again (a resubmission under a new handle) replaces the old watch.
func (m *Monitor) Track(jobID, handle string, kind model.JobKind, steps int) <-chan model.ProgressUpdate {
	j := &trackedJob{
		jobID:     jobID,
		handle:    handle,
		kind:      kind,
		steps:     steps,
		trackedAt: m.now(),
		watch:     make(chan model.ProgressUpdate, watchBuffer),
	}

	m.mu.Lock()
	if old, replaced := m.tracked[jobID]; replaced {
		close(old.watch)
	}
	m.tracked[jobID] = j
	m.mu.Unlock()

	log.Debug().
		Str("jobID", jobID).
		Str("handle", handle).
		Str("kind", string(kind)).
		Msg("Tracking job")
	return j.watch
}

// Untrack stops watching a job and closes its watch channel. Safe to call for
// unknown or already untracked ids.
func (m *Monitor) Untrack(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.tracked[jobID]; ok {
		delete(m.tracked, jobID)
		close(j.watch)
	}
}

// untrackJob removes by identity so a terminal update for an old handle never
// tears down a resubmitted job tracked under the same id.
func (m *Monitor) untrackJob(j *trackedJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.tracked[j.jobID]; ok && current == j {
		delete(m.tracked, j.jobID)
		close(j.watch)
	}
}

// TrackedCount returns how many jobs the poll loop is currently serving.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// OnProgress registers an in-process callback invoked for every update.
func (m *Monitor) OnProgress(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Subscribe returns a channel receiving every update for every tracked job.
// A subscriber that stops draining its channel is dropped from the registry.
func (m *Monitor) Subscribe(buffer int) chan model.ProgressUpdate {
	if buffer <= 0 {
		buffer = watchBuffer
	}
	ch := make(chan model.ProgressUpdate, buffer)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel obtained from Subscribe.
func (m *Monitor) Unsubscribe(ch chan model.ProgressUpdate) {
	m.mu.Lock()
	delete(m.subscribers, ch)
	m.mu.Unlock()
}

// RecordDuration feeds a completed run into the duration estimator. The poll
// loop calls this itself; it is exported for consumers that learn about
// completions out of band.
func (m *Monitor) RecordDuration(kind model.JobKind, d time.Duration, steps int) {
	m.stats.Record(kind, d, steps)
}

// Estimate exposes the current duration estimate for a job kind.
func (m *Monitor) Estimate(kind model.JobKind, steps int) (time.Duration, bool) {
	return m.stats.Estimate(kind, steps)
}

// Run polls all tracked jobs every interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Dur("interval", m.interval).Msg("Status monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Status monitor stopped")
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// Status runs one poll cycle for a single job on demand.
func (m *Monitor) Status(jobID string) (model.ProgressUpdate, bool) {
	m.mu.Lock()
	j, ok := m.tracked[jobID]
	m.mu.Unlock()
	if !ok {
		return model.ProgressUpdate{}, false
	}

	queue, err := m.backend.QueueStatus()
	if err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("Queue poll failed")
		return model.ProgressUpdate{}, false
	}
	update, ok := m.derive(j, queue)
	if !ok {
		return model.ProgressUpdate{}, false
	}
	return update, true
}

// poll fetches the queue once and derives an update for every tracked job.
func (m *Monitor) poll() {
	m.mu.Lock()
	jobs := make([]*trackedJob, 0, len(m.tracked))
	for _, j := range m.tracked {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	if len(jobs) == 0 {
		return
	}

	queue, err := m.backend.QueueStatus()
	if err != nil {
		// Last known state stands; the next cycle retries.
		log.Warn().Err(err).Int("tracked", len(jobs)).Msg("Queue poll failed")
		return
	}

	for _, j := range jobs {
		update, ok := m.derive(j, queue)
		if !ok {
			continue
		}
		m.dispatch(j, update)
	}
}

// derive computes the job's current phase from the shared queue snapshot,
// falling back to a per-job history lookup. Returns false when the history
// endpoint itself failed, so the job keeps its last known state this cycle.
func (m *Monitor) derive(j *trackedJob, queue *comfy.QueueState) (model.ProgressUpdate, bool) {
	now := m.now()
	elapsed := now.Sub(j.trackedAt)
	update := model.ProgressUpdate{
		JobID:         j.jobID,
		BackendHandle: j.handle,
		Timestamp:     now,
	}

	if containsHandle(queue.Running, j.handle) {
		update.Phase = model.PhaseProcessing
		m.fillProcessing(&update, j, elapsed, now)
		return update, true
	}
	if containsHandle(queue.Pending, j.handle) {
		update.Phase = model.PhaseQueued
		return update, true
	}

	entry, err := m.backend.History(j.handle)
	if err != nil {
		log.Warn().Err(err).Str("jobID", j.jobID).Str("handle", j.handle).Msg("History poll failed")
		return update, false
	}

	switch {
	case entry != nil && entry.Completed:
		update.Phase = model.PhaseCompleted
		update.ProgressPercent = 100
		update.MeasuredDuration = elapsed
	case entry != nil && entry.Error != "":
		update.Phase = model.PhaseFailed
		update.ErrorMessage = entry.Error
	case entry != nil:
		// Recorded but not finished: the backend is writing results out.
		update.Phase = model.PhaseCompleting
		update.ProgressPercent = 99
	case elapsed < initGrace:
		update.Phase = model.PhaseInitializing
	default:
		update.Phase = model.PhaseTimeout
		update.ErrorMessage = "not found in queue or history"
	}
	return update, true
}

// fillProcessing estimates progress for a running job. The backend reports no
// finer signal than membership in the running list, so progress is derived
// from elapsed time against the duration estimate, pinned to 5..95 so a slow
// job never fakes completion. With no estimate available it sits at 50.
func (m *Monitor) fillProcessing(update *model.ProgressUpdate, j *trackedJob, elapsed time.Duration, now time.Time) {
	expected, ok := m.stats.Estimate(j.kind, j.steps)
	if !ok {
		update.ProgressPercent = 50
		return
	}

	progress := float64(elapsed) / float64(expected) * 100
	if progress < 5 {
		progress = 5
	}
	if progress > 95 {
		progress = 95
	}
	update.ProgressPercent = progress

	remaining := expected - elapsed
	if remaining < 0 {
		remaining = 0
	}
	eta := now.Add(remaining)
	update.EstimatedCompletion = &eta

	if j.steps > 0 {
		update.TotalSteps = j.steps
		update.CurrentStep = int(progress / 100 * float64(j.steps))
	}
}

// dispatch delivers one update to the job's watcher and every broadcast
// consumer, feeding the estimator and untracking on terminal phases.
func (m *Monitor) dispatch(j *trackedJob, update model.ProgressUpdate) {
	if update.Phase == model.PhaseCompleted {
		m.stats.Record(j.kind, update.MeasuredDuration, j.steps)
	}

	m.deliverWatch(j, update)
	m.broadcast(j.kind, update)

	switch update.Phase {
	case model.PhaseCompleted, model.PhaseFailed, model.PhaseTimeout:
		m.untrackJob(j)
	}
}

// deliverWatch sends to the per-job channel without ever blocking the poll
// loop. When the buffer is full the oldest update is dropped; the monitor is
// the only sender, so the retry cannot race another writer. Terminal updates
// therefore always land. Sends and closes both happen under the mutex, so a
// concurrent Untrack can never close the channel mid-send.
func (m *Monitor) deliverWatch(j *trackedJob, update model.ProgressUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.tracked[j.jobID]; !ok || current != j {
		// Untracked or replaced mid-cycle; its channel is already closed.
		return
	}

	select {
	case j.watch <- update:
		return
	default:
	}
	select {
	case <-j.watch:
	default:
	}
	select {
	case j.watch <- update:
	default:
	}
}

// broadcast fans an update out to callbacks and subscriber channels. A
// subscriber whose buffer is full is removed; one stalled consumer never
// delays the rest.
func (m *Monitor) broadcast(kind model.JobKind, update model.ProgressUpdate) {
	m.mu.Lock()
	callbacks := append([]Callback(nil), m.callbacks...)
	channels := make([]chan model.ProgressUpdate, 0, len(m.subscribers))
	for ch := range m.subscribers {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(kind, update)
	}

	var dropped []chan model.ProgressUpdate
	for _, ch := range channels {
		select {
		case ch <- update:
		default:
			dropped = append(dropped, ch)
		}
	}
	if len(dropped) == 0 {
		return
	}

	m.mu.Lock()
	for _, ch := range dropped {
		delete(m.subscribers, ch)
	}
	m.mu.Unlock()
	log.Warn().Int("dropped", len(dropped)).Msg("Removed stalled progress subscribers")
}

func containsHandle(handles []string, handle string) bool {
	for _, h := range handles {
		if h == handle {
			return true
		}
	}
	return false
}
