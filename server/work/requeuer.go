package work

import (
	"time"
)

// requeuer moves scheduled jobs, i.e. delayed or waiting for a retry, into
// the enqueued queue once they are due.
type requeuer struct {
	pool     *WorkerPool
	interval time.Duration
	stopChan chan struct{}
	exited   chan struct{}
}

func newRequeuer(pool *WorkerPool) *requeuer {
	return &requeuer{
		pool:     pool,
		interval: 50 * time.Millisecond,
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

func (r *requeuer) start() {
	go r.loop()
}

func (r *requeuer) stop() {
	close(r.stopChan)
	<-r.exited
}

func (r *requeuer) loop() {
	defer close(r.exited)

	rateLimiter := time.NewTicker(r.interval)
	defer rateLimiter.Stop()

	logg.Infof("Starting %s job requeuer", SCHEDULED_JOB)
	for {
		select {
		case <-r.stopChan:
			logg.Infof("Stopping %s job requeuer", SCHEDULED_JOB)
			return
		case now := <-rateLimiter.C:
			if moved := r.pool.promote(now); moved > 0 {
				logg.Debugf("requeued %v scheduled jobs", moved)
			}
		}
	}
}
