// Package workerpool runs fire-and-forget jobs on a fixed number of goroutines
// fed by a bounded queue. Submitting is the only synchronous step: callers are
// never blocked on the job itself, and because nobody waits for the result,
// terminal job failures are logged here.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrClosed    = errors.New("workerpool: closed")
)

var jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workerpool_jobs_total",
	Help: "Jobs processed by background worker pools, by result.",
}, []string{"pool", "result"})

// Job is a unit of background work. The context is cancelled when the pool
// is shut down past its deadline.
type Job func(ctx context.Context) error

type task struct {
	name string
	job  Job
}

// Pool is a bounded worker pool. The zero value is not usable; call New.
type Pool struct {
	name   string
	logger *slog.Logger
	queue  chan task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts size workers reading from a queue of the given depth.
func New(name string, size, depth int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if depth <= 0 {
		depth = size
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		logger: logger.With("component", "workerpool", "pool", name),
		queue:  make(chan task, depth),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(size)
	for range size {
		go p.worker()
	}
	return p
}

// Submit enqueues job without waiting for it to run. It fails fast with
// ErrQueueFull when the queue is saturated, which gives callers backpressure.
func (p *Pool) Submit(name string, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- task{name: name, job: job}:
		return nil
	default:
		jobsTotal.WithLabelValues(p.name, "rejected").Inc()
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. If ctx
// expires first, running jobs see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			jobsTotal.WithLabelValues(p.name, "panic").Inc()
			p.logger.Error("background job panicked", "job", t.name, "panic", r)
		}
	}()

	if err := t.job(p.ctx); err != nil {
		jobsTotal.WithLabelValues(p.name, "failed").Inc()
		p.logger.Error("background job failed", "job", t.name, "error", err)
		return
	}
	jobsTotal.WithLabelValues(p.name, "ok").Inc()
}
