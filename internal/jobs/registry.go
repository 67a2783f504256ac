package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusError }

const (
	stageQueued       = "queued"
	stageInitializing = "initializing"
	stageComplete     = "complete"
	progressFailed    = -1
	progressDone      = 100
)

var (
	ErrNotFound = errors.New("job not found")
	ErrClosed   = errors.New("job registry is shut down")
)

// Job is a snapshot of one job record.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Stage     string    `json:"stage"`
	Result    any       `json:"result,omitempty"`
	Message   string    `json:"message,omitempty"`
	Trace     string    `json:"trace,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Reporter records coarse progress in percent and a stage description.
type Reporter func(progress int, stage string)

// Work is the body of a job. Its result is stored on success.
type Work func(ctx context.Context, id string, report Reporter) (any, error)

// Registry owns every job of the process. Each job runs on its own
// goroutine; at most MaxConcurrent run at once, the rest wait as pending.
type Registry struct {
	logger *log.Logger

	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	closed bool

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewRegistry creates a Registry running up to maxConcurrent jobs.
func NewRegistry(maxConcurrent int, logger *log.Logger) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		logger: logger,
		jobs:   make(map[string]*Job),
		slots:  make(chan struct{}, maxConcurrent),
	}
}

// Submit records a new pending job and starts it in the background. The
// work runs detached from any caller context and cannot be cancelled.
func (r *Registry) Submit(name string, work Work) (string, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusPending,
		Stage:     stageQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(job.ID, work)
	return job.ID, nil
}

func (r *Registry) run(id string, work Work) {
	defer r.wg.Done()

	r.slots <- struct{}{}
	defer func() { <-r.slots }()

	r.update(id, func(j *Job) {
		j.Status = StatusRunning
		j.Progress = 0
		j.Stage = stageInitializing
	})

	start := time.Now()
	result, trace, err := execute(work, id, r.reporter(id))
	if err != nil {
		r.logger.Printf("job %s failed after %s: %v", id, time.Since(start).Round(time.Millisecond), err)
		r.update(id, func(j *Job) {
			j.Status = StatusError
			j.Progress = progressFailed
			j.Message = err.Error()
			j.Trace = trace
		})
		return
	}
	r.logger.Printf("job %s completed in %s", id, time.Since(start).Round(time.Millisecond))
	r.update(id, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = progressDone
		j.Stage = stageComplete
		j.Result = result
	})
}

// execute runs work, converting a panic into an error with its stack.
func execute(work Work, id string, report Reporter) (result any, trace string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("panic: %v", rec)
			trace = string(debug.Stack())
		}
	}()
	result, err = work(context.Background(), id, report)
	if err != nil {
		trace = errorTrace(err)
	}
	return result, trace, err
}

// errorTrace lists every layer of a wrapped error chain.
func errorTrace(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&b, "%s%T: %v\n", strings.Repeat("  ", depth), err, err)
		err = errors.Unwrap(err)
	}
	return b.String()
}

// reporter keeps a running job's progress non-decreasing and within 0..100.
func (r *Registry) reporter(id string) Reporter {
	return func(progress int, stage string) {
		r.update(id, func(j *Job) {
			if j.Status != StatusRunning {
				return
			}
			if progress > progressDone {
				progress = progressDone
			}
			if progress > j.Progress {
				j.Progress = progress
			}
			if stage != "" {
				j.Stage = stage
			}
		})
	}
}

// update applies fn to a non-terminal job under the write lock.
func (r *Registry) update(id string, fn func(*Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return true
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// List returns snapshots of every job, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.jobs[id])
	}
	return out
}

// Shutdown refuses new jobs and waits for submitted ones to finish or for
// ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}
