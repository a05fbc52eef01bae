package work

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Daskott/safeguard/utils"
	"github.com/pkg/errors"
)

// WorkerPool is an in-memory job queue served by a fixed set of workers.
// Jobs due in the future wait in the scheduled queue until the requeuer
// moves them to the enqueued queue.
type WorkerPool struct {
	handlers    map[string]Handler
	workers     []*worker
	requeuer    *requeuer
	concurrency int
	started     bool

	mu        sync.Mutex
	enqueued  []*Job
	scheduled []*Job
	dead      []*Job
	// unique job names currently enqueued, scheduled or in progress
	active map[string]bool
	signal chan struct{}
}

type Job struct {
	ID        string
	Name      string
	Handler   string
	Unique    bool
	Args      string
	Status    string
	Fails     int
	LastError string
	RunAt     time.Time
}

func newWorkerPool(concurrency int) *WorkerPool {
	wp := &WorkerPool{
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		active:      make(map[string]bool),
		signal:      make(chan struct{}, concurrency),
	}

	for i := 0; i < concurrency; i++ {
		wp.workers = append(wp.workers, newWorker(wp, []time.Duration{0, 10 * time.Millisecond, 100 * time.Millisecond, time.Second}))
	}
	wp.requeuer = newRequeuer(wp)

	return wp
}

// registerHandler binds a name to a job handler for all workers in pool
func (wp *WorkerPool) registerHandler(name string, handler Handler) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if _, ok := wp.handlers[name]; ok {
		return ErrDuplicateHandler
	}

	wp.handlers[name] = handler
	return nil
}

// enqueue adds a job to the queue, to be executed as soon as a worker is available
func (wp *WorkerPool) enqueue(params JobParams) error {
	return wp.enqueueAt(time.Time{}, params)
}

// enqueueIn schedules a job to be executed after the given number of seconds
func (wp *WorkerPool) enqueueIn(seconds int64, params JobParams) error {
	return wp.enqueueAt(time.Now().Add(time.Duration(seconds)*time.Second), params)
}

func (wp *WorkerPool) enqueueAt(runAt time.Time, params JobParams) error {
	if strings.TrimSpace(params.Name) == "" || strings.TrimSpace(params.Handler) == "" {
		return fmt.Errorf("both a name & handler is required for a job")
	}

	argsAsJson, err := json.Marshal(params.Args)
	if err != nil {
		return errors.Wrapf(err, "encoding args of %v", params.Name)
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()

	if _, ok := wp.handlers[params.Handler]; !ok {
		return errors.Wrap(ErrUnknownHandler, params.Handler)
	}

	// This ensures that all unique jobs currently in the queue or in-progress are unique
	if params.Unique && wp.active[params.Name] {
		return ErrDuplicateJob
	}

	job := &Job{
		ID:      utils.NewID(),
		Name:    params.Name,
		Handler: params.Handler,
		Unique:  params.Unique,
		Args:    string(argsAsJson),
		RunAt:   runAt,
	}
	if job.Unique {
		wp.active[job.Name] = true
	}

	if runAt.After(time.Now()) {
		job.Status = SCHEDULED_JOB
		wp.scheduled = append(wp.scheduled, job)
		return nil
	}

	job.Status = ENQUEUED_JOB
	wp.enqueued = append(wp.enqueued, job)
	wp.wake()
	return nil
}

// claim hands the oldest enqueued job to a worker.
func (wp *WorkerPool) claim() (*Job, Handler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if len(wp.enqueued) == 0 {
		return nil, nil
	}

	job := wp.enqueued[0]
	wp.enqueued = wp.enqueued[1:]
	job.Status = IN_PROGRESS_JOB

	return job, wp.handlers[job.Handler]
}

// complete records the outcome of a claimed job. Failed jobs are retried
// with a growing delay until they fail MAX_FAILS times.
func (wp *WorkerPool) complete(job *Job, runErr error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if runErr == nil {
		job.Status = SUCCESSFUL_JOB
		delete(wp.active, job.Name)
		jobsProcessed.WithLabelValues(job.Handler, SUCCESSFUL_JOB).Inc()
		return
	}

	job.Fails++
	job.LastError = runErr.Error()

	if job.Fails >= MAX_FAILS {
		job.Status = DEAD_JOB
		wp.dead = append(wp.dead, job)
		delete(wp.active, job.Name)
		jobsProcessed.WithLabelValues(job.Handler, DEAD_JOB).Inc()
		return
	}

	job.Status = SCHEDULED_JOB
	job.RunAt = time.Now().Add(RetryBackoff * time.Duration(job.Fails))
	wp.scheduled = append(wp.scheduled, job)
	jobsProcessed.WithLabelValues(job.Handler, "retried").Inc()
}

// promote moves scheduled jobs that are due to the enqueued queue and
// reports how many moved.
func (wp *WorkerPool) promote(now time.Time) int {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	moved := 0
	pending := wp.scheduled[:0]
	for _, job := range wp.scheduled {
		if job.RunAt.After(now) {
			pending = append(pending, job)
			continue
		}
		job.Status = ENQUEUED_JOB
		wp.enqueued = append(wp.enqueued, job)
		moved++
	}
	wp.scheduled = pending

	for i := 0; i < moved; i++ {
		wp.wake()
	}
	return moved
}

// wake nudges an idle worker. Callers hold wp.mu.
func (wp *WorkerPool) wake() {
	select {
	case wp.signal <- struct{}{}:
	default:
	}
}

// DeadJobs lists the jobs that exhausted their retries.
func (wp *WorkerPool) DeadJobs() []Job {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	dead := make([]Job, 0, len(wp.dead))
	for _, job := range wp.dead {
		dead = append(dead, *job)
	}
	return dead
}

// Pending counts jobs that are enqueued or scheduled.
func (wp *WorkerPool) Pending() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	return len(wp.enqueued) + len(wp.scheduled)
}

// start starts all workers in pool i.e the workers can start processing jobs
func (wp *WorkerPool) start() {
	if wp.started {
		return
	}
	wp.started = true

	wp.requeuer.start()
	for _, worker := range wp.workers {
		worker.start()
	}
}

// stop stops all workers in pool i.e jobs will stop being processed
func (wp *WorkerPool) stop() {
	if !wp.started {
		return
	}

	wg := sync.WaitGroup{}
	for _, w := range wp.workers {
		wg.Add(1)
		go func(w *worker) {
			w.stop()
			wg.Done()
		}(w)
	}
	wg.Wait()
	wp.requeuer.stop()
	wp.started = false
}
