package work

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Daskott/safeguard/server/logger"
	"github.com/Daskott/safeguard/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	SCHEDULED_JOB   = "scheduled"
	ENQUEUED_JOB    = "enqueued"
	IN_PROGRESS_JOB = "in-progress"
	SUCCESSFUL_JOB  = "successful"
	DEAD_JOB        = "dead"
	MAX_FAILS       = 4
)

var (
	DefaultTickerDuration = 5 * time.Millisecond
	RetryBackoff          = 2 * time.Second

	ErrDuplicateHandler = errors.New("handler with provided name already mapped")
	ErrDuplicateJob     = errors.New("a unique job with this name is already queued")
	ErrUnknownHandler   = errors.New("no handler registered")

	logg = logger.Component(logger.NewLogger(), "work", logger.Yellow)

	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeguard_jobs_processed_total",
		Help: "Jobs run by the worker pool, by handler and outcome.",
	}, []string{"handler", "status"})
)

type JobParams struct {
	Name    string
	Handler string
	Unique  bool
	Args    map[string]interface{}
}

type Handler func(map[string]interface{}) error

type worker struct {
	id            string
	pool          *WorkerPool
	stopChan      chan struct{}
	exited        chan struct{}
	sleepBackoffs []time.Duration
}

func newWorker(pool *WorkerPool, sleepBackoffs []time.Duration) *worker {
	return &worker{
		id:            utils.NewID()[:8],
		pool:          pool,
		stopChan:      make(chan struct{}),
		exited:        make(chan struct{}),
		sleepBackoffs: sleepBackoffs,
	}
}

// start starts the worker loop that pulls jobs from the queue & process them
func (w *worker) start() {
	go w.loop()
}

func (w *worker) stop() {
	close(w.stopChan)
	<-w.exited
}

func (w *worker) loop() {
	defer close(w.exited)

	var consecutiveNoJobs int
	rateLimiter := time.NewTicker(DefaultTickerDuration)
	defer rateLimiter.Stop()

	w.logInfof("starting worker")
	for {
		select {
		case <-w.stopChan:
			w.logInfof("stopping worker")
			return
		case <-w.pool.signal:
		case <-rateLimiter.C:
		}

		job, handler := w.pool.claim()
		if job == nil {
			// If no job found, slowly increase the wait time between each poll
			consecutiveNoJobs++
			idx := consecutiveNoJobs
			if idx >= len(w.sleepBackoffs) {
				idx = len(w.sleepBackoffs) - 1
			}
			if w.sleepBackoffs[idx] > 0 {
				rateLimiter.Reset(w.sleepBackoffs[idx])
			}
			continue
		}

		w.processJob(job, handler)
		rateLimiter.Reset(DefaultTickerDuration)
		consecutiveNoJobs = 0
	}
}

func (w *worker) processJob(job *Job, handler Handler) {
	args := make(map[string]interface{})
	if err := json.Unmarshal([]byte(job.Args), &args); err != nil {
		w.logError(err)
		w.pool.complete(job, err)
		return
	}

	err := runHandler(handler, args)
	if err != nil {
		w.logError(errors.Wrapf(err, "job %v (%v) failed", job.Name, job.ID))
	}
	w.pool.complete(job, err)

	w.logInfof("job with id=%v completed with status=%v", job.ID, job.Status)
}

func runHandler(handler Handler, args map[string]interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(args)
}

func (w *worker) logInfof(template string, args ...interface{}) {
	prefix := logger.Yellow(fmt.Sprintf("[worker %v] ", w.id))
	logg.Infof(prefix+template, args...)
}

func (w *worker) logError(err error) {
	prefix := logger.Red(fmt.Sprintf("[worker %v] ", w.id))
	logg.Errorf("%v%v", prefix, err)
}
