package exports

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/user-export-service/internal/observability"
)

// Registry is the process-local mapping from export identifier to job state.
// It enforces the job state machine; all mutations are mutually exclusive
// and reads return consistent snapshots. Jobs are retained until shutdown.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*jobState
	maxActive int
	cache     *StatusCache
	logger    *zap.Logger
}

type jobState struct {
	job      Job
	cancelCh chan struct{}
}

// RegistryConfig holds registry configuration.
type RegistryConfig struct {
	// MaxActiveJobs is a soft cap on concurrently active jobs. Admission
	// stays immediate; exceeding the cap is only logged.
	MaxActiveJobs int
	// Cache optionally receives status snapshots on every mutation.
	Cache  *StatusCache
	Logger *zap.Logger
}

// NewRegistry creates an empty job registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxActive := cfg.MaxActiveJobs
	if maxActive <= 0 {
		maxActive = 5
	}
	return &Registry{
		jobs:      make(map[uuid.UUID]*jobState),
		maxActive: maxActive,
		cache:     cfg.Cache,
		logger:    logger,
	}
}

// Create allocates a fresh identifier and inserts a pending job.
func (r *Registry) Create(spec Spec) Job {
	job := Job{
		ID:        uuid.New(),
		Status:    StatusPending,
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = &jobState{
		job:      job,
		cancelCh: make(chan struct{}),
	}
	active := r.activeLocked()
	r.mu.Unlock()

	if active > r.maxActive {
		r.logger.Warn("active export jobs exceed soft cap",
			zap.Int("active", active),
			zap.Int("cap", r.maxActive),
		)
	}

	r.publish(job)
	return job
}

// Get returns a snapshot of the job, if known.
func (r *Registry) Get(id uuid.UUID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return snapshot(state.job), true
}

// List returns job snapshots, newest first, optionally filtered by status.
// At most limit jobs are returned; limit <= 0 means 100.
func (r *Registry) List(status *Status, limit int) []Job {
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	all := make([]Job, 0, len(r.jobs))
	for _, state := range r.jobs {
		if status != nil && state.job.Status != *status {
			continue
		}
		all = append(all, snapshot(state.job))
	}
	r.mu.RUnlock()

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].CreatedAt.After(all[i].CreatedAt) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// ActiveCount reports the number of pending or processing jobs.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, state := range r.jobs {
		if !state.job.Status.Terminal() {
			n++
		}
	}
	return n
}

// StartJob transitions pending → processing and records the start time.
func (r *Registry) StartJob(id uuid.UUID) error {
	job, err := r.transition(id, StatusProcessing, func(j *Job) error {
		if j.Status != StatusPending {
			return fmt.Errorf("cannot start job in status %s", j.Status)
		}
		now := time.Now().UTC()
		j.StartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	observability.RecordExportStarted()
	r.publish(job)
	return nil
}

// UpdateProgress updates the job's progress counters. It is a no-op once
// the job is terminal; counters never move backwards.
func (r *Registry) UpdateProgress(id uuid.UUID, processed, total int64) {
	r.mu.Lock()
	state, ok := r.jobs[id]
	if !ok || state.job.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	p := &state.job.Progress
	if total > p.TotalRows {
		p.TotalRows = total
	}
	if processed > p.ProcessedRows {
		p.ProcessedRows = processed
	}
	// The table can grow between the initial count and cursor drain; the
	// total follows so processed never exceeds it and the percentage stays
	// capped at 100.
	if p.ProcessedRows > p.TotalRows {
		p.TotalRows = p.ProcessedRows
	}
	if p.TotalRows > 0 {
		p.Percentage = int(math.Round(float64(p.ProcessedRows) * 100 / float64(p.TotalRows)))
	}
	job := snapshot(state.job)
	r.mu.Unlock()

	r.publish(job)
}

// CompleteJob transitions processing → completed and records the artifact path.
func (r *Registry) CompleteJob(id uuid.UUID, filePath string) error {
	job, err := r.transition(id, StatusCompleted, func(j *Job) error {
		if j.Status != StatusProcessing {
			return fmt.Errorf("cannot complete job in status %s", j.Status)
		}
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.FilePath = filePath
		// An empty export completes at 0%; percentage is defined only
		// against a positive row count.
		if j.Progress.TotalRows > 0 {
			j.Progress.ProcessedRows = j.Progress.TotalRows
			j.Progress.Percentage = 100
		}
		return nil
	})
	if err != nil {
		return err
	}
	observability.RecordExportCompleted()
	r.publish(job)
	return nil
}

// FailJob transitions any non-terminal state to failed and records the message.
func (r *Registry) FailJob(id uuid.UUID, message string) error {
	job, err := r.transition(id, StatusFailed, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("cannot fail job in terminal status %s", j.Status)
		}
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Error = message
		return nil
	})
	if err != nil {
		return err
	}
	observability.RecordExportFailed()
	r.publish(job)
	return nil
}

// CancelJob transitions pending|processing → cancelled and signals any
// running pipeline. It reports whether the transition happened.
func (r *Registry) CancelJob(id uuid.UUID) bool {
	r.mu.Lock()
	state, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if state.job.Status != StatusPending && state.job.Status != StatusProcessing {
		r.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	state.job.Status = StatusCancelled
	state.job.CompletedAt = &now
	close(state.cancelCh)
	job := snapshot(state.job)
	r.mu.Unlock()

	observability.RecordExportCancelled()
	r.publish(job)
	return true
}

// CancelSignal returns a channel closed when the job is cancelled. The
// pipeline selects on it while blocked so cancellation wakes it promptly.
func (r *Registry) CancelSignal(id uuid.UUID) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.jobs[id]
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return state.cancelCh
}

// SetDelivery records object-storage delivery results on a completed job.
// It does not change the job's status.
func (r *Registry) SetDelivery(id uuid.UUID, outputURI, checksum string) {
	r.mu.Lock()
	state, ok := r.jobs[id]
	if !ok || state.job.Status != StatusCompleted {
		r.mu.Unlock()
		return
	}
	state.job.OutputURI = outputURI
	state.job.Checksum = checksum
	job := snapshot(state.job)
	r.mu.Unlock()

	r.publish(job)
}

func (r *Registry) transition(id uuid.UUID, to Status, mutate func(*Job) error) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("unknown export job %s", id)
	}
	if err := mutate(&state.job); err != nil {
		return Job{}, err
	}
	state.job.Status = to
	return snapshot(state.job), nil
}

func (r *Registry) publish(job Job) {
	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.cache.Publish(ctx, job); err != nil {
		r.logger.Warn("failed to publish status snapshot",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	}
}

func snapshot(job Job) Job {
	copied := job
	if job.StartedAt != nil {
		t := *job.StartedAt
		copied.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		copied.CompletedAt = &t
	}
	return copied
}
