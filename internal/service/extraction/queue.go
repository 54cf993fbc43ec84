// Package extraction serializes "prepare deployment for serving" work: an
// artifact download, archive extraction, and relocation to the final serving
// path. The queue bounds concurrency (one job at a time by default) so burst
// arrival degrades into queueing latency instead of disk and network
// exhaustion.
package extraction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is reported on the completion future when the backlog is
// saturated.
var ErrQueueFull = errors.New("extraction: queue full")

// ErrStopped is reported for jobs rejected after shutdown began.
var ErrStopped = errors.New("extraction: queue stopped")

// Job identifies one prepare-for-serving request. SkipBuildCheck bypasses
// the build sub-status verification, used when replaying a deployment whose
// build is known good.
type Job struct {
	ProjectID      int
	DeploymentID   int
	SkipBuildCheck bool

	done chan error
}

// Queue is a FIFO work queue with a fixed worker count.
type Queue struct {
	preparer *Preparer
	logger   *slog.Logger
	workers  int
	jobs     chan Job

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewQueue builds a queue running at most workers jobs concurrently with the
// given backlog capacity. Non-positive workers fall back to 1.
func NewQueue(preparer *Preparer, workers, backlog int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		preparer: preparer,
		logger:   logger,
		workers:  workers,
		jobs:     make(chan Job, backlog),
	}
}

// Start launches the worker goroutines. They drain the queue until Stop
// closes it and the backlog is empty; after ctx is cancelled the remaining
// jobs are failed with the context error instead of being prepared.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("extraction queue started", "workers", q.workers, "backlog", cap(q.jobs))
}

// Stop rejects further jobs, lets queued work finish, and waits for the
// workers.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info("extraction queue stopped")
}

// Enqueue submits a job and returns its completion future. The future
// receives exactly one value: nil on success, the job error otherwise.
// When the backlog is full the future fails immediately instead of blocking
// the caller.
func (q *Queue) Enqueue(projectID, deploymentID int) <-chan error {
	return q.EnqueueJob(Job{ProjectID: projectID, DeploymentID: deploymentID})
}

// EnqueueJob submits a fully specified job.
func (q *Queue) EnqueueJob(job Job) <-chan error {
	job.done = make(chan error, 1)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		job.done <- ErrStopped
		return job.done
	}
	select {
	case q.jobs <- job:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		q.logger.Warn("extraction backlog full, rejecting job",
			"project_id", job.ProjectID,
			"deployment_id", job.DeploymentID,
		)
		job.done <- ErrQueueFull
	}
	return job.done
}

// Depth reports how many jobs are waiting.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.jobs {
		select {
		case <-ctx.Done():
			job.done <- ctx.Err()
			continue
		default:
		}
		job.done <- q.preparer.Prepare(ctx, job)
	}
}
