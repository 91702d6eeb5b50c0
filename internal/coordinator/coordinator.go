package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avstream/avatarstream/internal/avatar"
	"github.com/avstream/avatarstream/internal/history"
	"github.com/avstream/avatarstream/internal/invoker"
	"github.com/avstream/avatarstream/internal/observability"
)

var (
	ErrAvatarNotReady = errors.New("avatar is not ready")
	ErrAvatarDegraded = errors.New("avatar is degraded and must be re-initialized")
	// ErrQueueFull signals resource exhaustion: the per-avatar wait queue is
	// at capacity and the caller should retry later.
	ErrQueueFull    = errors.New("generation queue is full")
	ErrCancelled    = errors.New("job cancelled")
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

// Coordinator owns per-avatar generation queues. Each avatar's jobs are
// strictly serialized (FIFO, at most one running); distinct avatars compete
// for a bounded global slot pool protecting the shared accelerator.
type Coordinator struct {
	registry *avatar.Registry
	engine   invoker.Engine
	store    history.Store
	metrics  *observability.Metrics

	slots    chan struct{}
	queueCap int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

type worker struct {
	jobs    chan *Job
	running atomic.Bool
}

type Config struct {
	MaxConcurrent int
	QueueCapacity int
}

func New(registry *avatar.Registry, engine invoker.Engine, store history.Store, metrics *observability.Metrics, cfg Config) *Coordinator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 16
	}
	return &Coordinator{
		registry: registry,
		engine:   engine,
		store:    store,
		metrics:  metrics,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		queueCap: cfg.QueueCapacity,
		workers:  make(map[string]*worker),
		quit:     make(chan struct{}),
	}
}

// Submit enqueues one generation job for a ready avatar. The job starts
// immediately when the avatar is idle, otherwise it waits in FIFO order.
func (c *Coordinator) Submit(avatarID, audioPath, outputName string) (*Job, error) {
	a, err := c.registry.Get(avatarID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case avatar.StatusReady:
	case avatar.StatusDegraded:
		return nil, ErrAvatarDegraded
	default:
		return nil, ErrAvatarNotReady
	}

	job := newJob(avatarID, audioPath, outputName)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	w, ok := c.workers[avatarID]
	if !ok {
		w = &worker{jobs: make(chan *Job, c.queueCap)}
		c.workers[avatarID] = w
		c.wg.Add(1)
		go c.runWorker(w)
	}
	// Enqueue under the lock. Shutdown also holds it when closing quit, so a
	// job can never slip into a queue its worker has already drained.
	select {
	case w.jobs <- job:
	default:
		c.mu.Unlock()
		return nil, ErrQueueFull
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.QueuedJobs.Inc()
	}
	return job, nil
}

func (c *Coordinator) runWorker(w *worker) {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			c.drain(w)
			return
		case job := <-w.jobs:
			if c.metrics != nil {
				c.metrics.QueuedJobs.Dec()
			}
			// quit wins over a non-empty queue; otherwise a queued job could
			// still execute after Shutdown.
			select {
			case <-c.quit:
				job.fail(ErrShuttingDown)
				c.drain(w)
				return
			default:
			}
			c.runJob(w, job)
		}
	}
}

func (c *Coordinator) drain(w *worker) {
	for {
		select {
		case job := <-w.jobs:
			if c.metrics != nil {
				c.metrics.QueuedJobs.Dec()
			}
			job.fail(ErrShuttingDown)
		default:
			return
		}
	}
}

func (c *Coordinator) runJob(w *worker, job *Job) {
	// Cancelled while queued: never reaches running.
	if job.Status() == JobCancelled {
		return
	}

	select {
	case <-c.quit:
		job.fail(ErrShuttingDown)
		return
	case c.slots <- struct{}{}:
	}
	defer func() { <-c.slots }()

	// Both channels may have been ready; re-check so quit always wins.
	select {
	case <-c.quit:
		job.fail(ErrShuttingDown)
		return
	default:
	}

	if !job.tryStart() {
		return
	}
	w.running.Store(true)
	defer w.running.Store(false)
	if c.metrics != nil {
		c.metrics.RunningJobs.Inc()
		defer c.metrics.RunningJobs.Dec()
	}

	// The avatar may have been re-registered or degraded while this job
	// waited in the queue.
	a, err := c.registry.Get(job.AvatarID)
	if err != nil {
		c.finish(job, "", err)
		return
	}
	if !a.Ready() {
		c.finish(job, "", ErrAvatarNotReady)
		return
	}

	start := time.Now()
	artifact, err := c.engine.Generate(context.Background(), invoker.GenerateRequest{
		AvatarID:   a.ID,
		VideoPath:  a.SourcePath,
		Version:    a.Version,
		AudioPath:  job.AudioPath,
		OutputName: job.OutputName,
	})
	elapsed := time.Since(start)

	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.InvokerRuns.WithLabelValues("generate", outcome).Inc()
	}

	if err != nil {
		// Crash isolation: a failed invocation fails only this job. The
		// avatar stays ready unless consecutive failures trip degraded.
		if c.registry.RecordFailure(job.AvatarID) {
			log.Printf("avatar %s degraded after repeated generation failures", job.AvatarID)
			if c.metrics != nil {
				c.metrics.AvatarEvents.WithLabelValues("degraded").Inc()
			}
		}
		c.finish(job, "", err)
		return
	}

	c.registry.RecordSuccess(job.AvatarID)
	if c.metrics != nil {
		c.metrics.ObserveGenerationLatency(elapsed)
	}
	c.finish(job, artifact, nil)
}

func (c *Coordinator) finish(job *Job, artifact string, err error) {
	if err != nil {
		job.fail(err)
	} else {
		job.complete(artifact)
	}

	status := job.Status()
	if c.metrics != nil {
		c.metrics.Jobs.WithLabelValues(string(status)).Inc()
	}
	if c.store != nil {
		now := time.Now().UTC()
		rec := history.Record{
			ID:          job.ID,
			AvatarID:    job.AvatarID,
			OutputName:  job.OutputName,
			Status:      string(status),
			SubmittedAt: job.SubmittedAt,
			FinishedAt:  now,
			Duration:    now.Sub(job.SubmittedAt),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if saveErr := c.store.Save(saveCtx, rec); saveErr != nil {
			log.Printf("job history save failed: %v", saveErr)
		}
		cancel()
	}
}

// AvatarStats is the queue view for one avatar.
type AvatarStats struct {
	Queued  int  `json:"queued"`
	Running bool `json:"running"`
}

type Stats struct {
	RunningJobs int                    `json:"running_jobs"`
	QueuedJobs  int                    `json:"queued_jobs"`
	Avatars     map[string]AvatarStats `json:"avatars"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Avatars: make(map[string]AvatarStats, len(c.workers))}
	for id, w := range c.workers {
		as := AvatarStats{Queued: len(w.jobs), Running: w.running.Load()}
		st.QueuedJobs += as.Queued
		if as.Running {
			st.RunningJobs++
		}
		st.Avatars[id] = as
	}
	return st
}

// Shutdown stops accepting jobs, fails everything still queued and waits for
// running jobs to finish or ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
