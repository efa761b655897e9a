// Package orchestrator implements the Extraction Orchestrator and Job
// Registry: the coordinator that resolves templates into ordered
// section DAGs, drives the pipeline, manages concurrency, retries,
// cancellation, and publication. Jobs run to completion in-process as
// goroutines gated by semaphore channels, inside a bounded T_job
// timeout (see DESIGN.md).
package orchestrator

import (
	"context"
	"sync"

	"github.com/clinext/extraction-engine/internal/domain"
	pkgerrors "github.com/clinext/extraction-engine/internal/pkg/errors"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
)

// Registry tracks in-flight jobs by job_id and by
// (conversation_id, template_group_id), supporting the at-most-one-
// running-per-group rule.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*runningJob
	byGroup   map[groupKey]*runningJob
}

type groupKey struct {
	conversationID  string
	templateGroupID string
}

type runningJob struct {
	job    *domain.Job
	mu     sync.RWMutex
	cancel context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*runningJob),
		byGroup: make(map[groupKey]*runningJob),
	}
}

// start creates a tracking entry for job and cancels any existing
// Running or Pending job for the same (conversation_id, template_group_id).
// Returns the cancel function of any job it preempted, for the caller
// to invoke after releasing the lock.
func (r *Registry) start(job *domain.Job, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := groupKey{job.ConversationID, job.TemplateGroupID}
	var preempted context.CancelFunc
	if existing, ok := r.byGroup[key]; ok {
		existing.mu.Lock()
		if existing.job.Status == domain.JobRunning || existing.job.Status == domain.JobPending {
			existing.job.Status = domain.JobCancelled
			preempted = existing.cancel
		}
		existing.mu.Unlock()
	}

	rj := &runningJob{job: job, cancel: cancel}
	r.byID[job.JobID] = rj
	r.byGroup[key] = rj
	return preempted
}

// Snapshot returns a copy of the job's current state.
func (r *Registry) Snapshot(jobID string) (domain.Job, bool) {
	r.mu.RLock()
	rj, ok := r.byID[jobID]
	r.mu.RUnlock()
	if !ok {
		return domain.Job{}, false
	}
	rj.mu.RLock()
	defer rj.mu.RUnlock()
	return *rj.job, true
}

// update mutates a job's state under its per-job lock.
func (r *Registry) update(jobID string, fn func(j *domain.Job)) {
	r.mu.RLock()
	rj, ok := r.byID[jobID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rj.mu.Lock()
	fn(rj.job)
	rj.mu.Unlock()
}

// Cancel transitions a non-terminal job to Cancelled and invokes its
// cancellation signal. Idempotent: cancelling an already-terminal job
// is a no-op, not an error; cancelling an unknown job_id still errors.
func (r *Registry) Cancel(jobID string) error {
	r.mu.RLock()
	rj, ok := r.byID[jobID]
	r.mu.RUnlock()
	if !ok {
		return apierr.InvalidRequest(errJobNotFound(jobID))
	}
	rj.mu.Lock()
	alreadyTerminal := isTerminal(rj.job.Status)
	if !alreadyTerminal {
		rj.job.Status = domain.JobCancelled
	}
	cancel := rj.cancel
	rj.mu.Unlock()

	if !alreadyTerminal && cancel != nil {
		cancel()
	}
	return nil
}

func isTerminal(s domain.JobStatus) bool {
	switch s {
	case domain.JobCompleted, domain.JobPartiallyFailed, domain.JobFailed, domain.JobCancelled:
		return true
	default:
		return false
	}
}

// errJobNotFound unwraps to the generic pkg/errors.ErrNotFound
// sentinel so callers outside this package can test for it with
// errors.Is without depending on orchestrator internals.
type errJobNotFound string

func (e errJobNotFound) Error() string { return "job not found: " + string(e) }
func (e errJobNotFound) Unwrap() error { return pkgerrors.ErrNotFound }
