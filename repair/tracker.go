package repair

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/telemetry"
)

// JobStatus is the operator-visible lifecycle of a repair job.
type JobStatus uint8

const (
	StatusQueued JobStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusAborted
)

func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// Job is one operator-visible repair run. Node operations attach their
// ops id so a targeted abort can find the jobs they spawned.
type Job struct {
	ID       int
	Keyspace string
	OpsID    uint64 // 0 for plain repairs

	TotalRanges    atomic.Int64
	FinishedRanges atomic.Int64

	mu     sync.Mutex
	status JobStatus
	reason string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Ctx returns the job's cancellation context. Every synchronizer
// suspension point selects on it.
func (j *Job) Ctx() context.Context {
	return j.ctx
}

// Status returns the job's current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// FailureReason returns the best-effort reason string for a failed job.
func (j *Job) FailureReason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reason
}

// Abort cancels the job's context. The run loop observes cancellation and
// finishes the job as Aborted.
func (j *Job) Abort() {
	j.cancel()
}

// Tracker registers repair jobs and answers the operator status/await
// surface. Job ids increase monotonically for the node's lifetime.
type Tracker struct {
	mu       sync.Mutex
	jobs     map[int]*Job
	nextID   int
	shutdown bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[int]*Job)}
}

// NewJob registers a queued job. Fails with ErrShutdown once Shutdown has
// been called so no new repairs start while stopping.
func (t *Tracker) NewJob(keyspace string, opsID uint64) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil, ErrShutdown
	}

	t.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:       t.nextID,
		Keyspace: keyspace,
		OpsID:    opsID,
		status:   StatusQueued,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.jobs[job.ID] = job
	return job, nil
}

// MarkRunning transitions a queued job to running.
func (t *Tracker) MarkRunning(job *Job) {
	job.mu.Lock()
	if job.status == StatusQueued {
		job.status = StatusRunning
	}
	job.mu.Unlock()
}

// Finish records the terminal status, exactly once.
func (t *Tracker) Finish(job *Job, status JobStatus, reason string) {
	job.mu.Lock()
	if job.status.Terminal() {
		job.mu.Unlock()
		return
	}
	job.status = status
	job.reason = reason
	job.mu.Unlock()

	close(job.done)
	job.cancel()
	telemetry.RepairJobsTotal.With(status.String()).Inc()

	ev := log.Info()
	if status == StatusFailed {
		ev = log.Warn()
	}
	ev.Int("job_id", job.ID).
		Str("keyspace", job.Keyspace).
		Stringer("status", status).
		Str("reason", reason).
		Int64("total_ranges", job.TotalRanges.Load()).
		Int64("finished_ranges", job.FinishedRanges.Load()).
		Msg("Repair job finished")
}

// Get returns a job by id.
func (t *Tracker) Get(id int) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	return job, ok
}

// Status returns the status of job id.
func (t *Tracker) Status(id int) (JobStatus, bool) {
	job, ok := t.Get(id)
	if !ok {
		return 0, false
	}
	return job.Status(), true
}

// Await blocks until the job is terminal or the deadline passes. Returns
// immediately if already terminal. ErrTimeout does not abort the job.
func (t *Tracker) Await(id int, deadline time.Time) (JobStatus, error) {
	job, ok := t.Get(id)
	if !ok {
		return 0, ErrSessionNotFound
	}

	if st := job.Status(); st.Terminal() {
		return st, nil
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-job.done:
		return job.Status(), nil
	case <-timer.C:
		return job.Status(), ErrTimeout
	}
}

// ActiveJobs returns the ids of jobs that are not yet terminal, in
// ascending order of creation.
func (t *Tracker) ActiveJobs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int
	for id, job := range t.jobs {
		if !job.Status().Terminal() {
			ids = append(ids, id)
		}
	}
	sortInts(ids)
	return ids
}

// AbortAll cancels every non-terminal job.
func (t *Tracker) AbortAll() {
	for _, id := range t.ActiveJobs() {
		if job, ok := t.Get(id); ok {
			job.Abort()
		}
	}
}

// AbortOps cancels every job spawned by the given node operation.
func (t *Tracker) AbortOps(opsID uint64) {
	t.mu.Lock()
	var jobs []*Job
	for _, job := range t.jobs {
		if job.OpsID == opsID {
			jobs = append(jobs, job)
		}
	}
	t.mu.Unlock()

	for _, job := range jobs {
		job.Abort()
	}
}

// Shutdown aborts all jobs and refuses new ones.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()
	t.AbortAll()
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}
