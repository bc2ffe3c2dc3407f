package engine

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// BackoffPolicy controls the delay between attempts.
type BackoffPolicy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration `yaml:"initial" json:"initial" validate:"min=0"`

	// Max caps the delay.
	Max time.Duration `yaml:"max" json:"max" validate:"min=0"`

	// Multiplier grows the delay per attempt.
	Multiplier float64 `yaml:"multiplier" json:"multiplier" validate:"min=1"`

	// Jitter is the fraction of the delay added at random (0 disables).
	Jitter float64 `yaml:"jitter" json:"jitter" validate:"min=0,max=1"`
}

// DefaultBackoffPolicy returns the default retry backoff.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

// Delay calculates the exponential backoff with jitter for a zero-based attempt.
func (b BackoffPolicy) Delay(attempt int, err error) time.Duration {
	base := b.Initial
	if IsThrottled(err) {
		base *= 5
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Float64() * b.Jitter * float64(delay))
	}
	return delay
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// MaxWorkers caps simultaneous device connections.
	MaxWorkers int `yaml:"max_workers" json:"max_workers" validate:"min=1,max=1024"`

	// PerAttemptTimeout bounds one resolve+open+get-facts cycle.
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout" json:"per_attempt_timeout" validate:"min=0"`

	// MaxRetries is the number of re-attempts after a transient failure.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"min=0,max=20"`

	Backoff BackoffPolicy `yaml:"backoff" json:"backoff"`

	// QueueSize bounds waiting jobs; 0 means unbounded.
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"min=0"`
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxWorkers:        10,
		PerAttemptTimeout: 30 * time.Second,
		MaxRetries:        2,
		Backoff:           DefaultBackoffPolicy(),
	}
}

// Job is one unit of pool work. The pool owns retry and timeout policy;
// the job owns task state.
type Job interface {
	// ID identifies the job for withdrawal.
	ID() string

	// Context is the job's lifetime context; it is cancelled on cancellation.
	Context() context.Context

	// Cancelled is closed when cancellation has been requested.
	Cancelled() <-chan struct{}

	// Timeout returns the per-attempt deadline for this job, or 0 for the pool default.
	Timeout() time.Duration

	// Begin is called once a slot is held. Returning false skips the job.
	Begin(ctx context.Context) bool

	// Attempt runs one attempt; attempt numbers start at 1.
	Attempt(ctx context.Context, attempt int) error

	// Retrying is called before the pool sleeps ahead of the next attempt.
	Retrying(ctx context.Context, attempt int, err error, delay time.Duration)

	// Finish settles a job that ran. err is nil on success.
	Finish(ctx context.Context, err error, attempts int)

	// Abort settles a job that never started (withdrawn while queued).
	Abort(ctx context.Context, err error)
}

// WorkerPool runs jobs with bounded parallelism.
// Jobs queue FIFO while all slots are busy.
type WorkerPool struct {
	cfg     PoolConfig
	sem     *semaphore.Weighted
	metrics MetricsRecorder

	mu      sync.Mutex
	queue   *list.List
	index   map[string]*list.Element
	notify  chan struct{}
	running int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool. Call Start before jobs execute.
func NewWorkerPool(cfg PoolConfig, metrics MetricsRecorder) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = DefaultPoolConfig().PerAttemptTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &WorkerPool{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		metrics: metrics,
		queue:   list.New(),
		index:   make(map[string]*list.Element),
		notify:  make(chan struct{}, 1),
	}
}

// Config returns the effective configuration.
func (p *WorkerPool) Config() PoolConfig {
	return p.cfg
}

// Start launches the dispatcher. Jobs enqueued before Start wait in the queue.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.dispatch(p.ctx)
}

// Enqueue adds a job to the back of the queue.
func (p *WorkerPool) Enqueue(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewThrottledError("worker pool is shutting down", nil)
	}
	if p.cfg.QueueSize > 0 && p.queue.Len() >= p.cfg.QueueSize {
		return NewThrottledError(fmt.Sprintf("queue full (%d waiting)", p.queue.Len()), nil)
	}
	if _, dup := p.index[job.ID()]; dup {
		return NewConflictError("job already queued", nil).WithResource(job.ID())
	}

	p.index[job.ID()] = p.queue.PushBack(job)
	p.metrics.SetQueueDepth(p.queue.Len())
	p.signal()
	return nil
}

// Withdraw removes a job that has not yet acquired a slot and aborts it with
// a Cancelled error. It reports false if the job is not queued.
func (p *WorkerPool) Withdraw(id string) bool {
	p.mu.Lock()
	elem, ok := p.index[id]
	if ok {
		p.queue.Remove(elem)
		delete(p.index, id)
		p.metrics.SetQueueDepth(p.queue.Len())
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	job := elem.Value.(Job)
	job.Abort(context.Background(), NewCancelledError("cancelled while queued").WithResource(id))
	return true
}

// QueueDepth returns the number of jobs waiting for a slot.
func (p *WorkerPool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Running returns the number of jobs holding a slot.
func (p *WorkerPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Shutdown stops dispatching and waits for running jobs until ctx is done.
// Jobs still queued are left untouched.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *WorkerPool) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// dispatch acquires a slot, then hands it to the next queued job.
func (p *WorkerPool) dispatch(ctx context.Context) {
	defer p.wg.Done()

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}

		job := p.next(ctx)
		if job == nil {
			p.sem.Release(1)
			return
		}

		p.wg.Add(1)
		go p.run(ctx, job)
	}
}

// next blocks until a job is queued or ctx is done.
func (p *WorkerPool) next(ctx context.Context) Job {
	for {
		if ctx.Err() != nil {
			return nil
		}
		p.mu.Lock()
		if front := p.queue.Front(); front != nil {
			p.queue.Remove(front)
			job := front.Value.(Job)
			delete(p.index, job.ID())
			p.running++
			p.metrics.SetQueueDepth(p.queue.Len())
			p.metrics.SetRunningWorkers(p.running)
			p.mu.Unlock()
			return job
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil
		}
	}
}

// run executes one job while holding a slot. The slot is released on every path.
func (p *WorkerPool) run(poolCtx context.Context, job Job) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer func() {
		p.mu.Lock()
		p.running--
		p.metrics.SetRunningWorkers(p.running)
		p.mu.Unlock()
	}()

	started := false
	attempts := 0
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task_id", job.ID()).
				Interface("panic", r).
				Msg("Onboarding job panicked")
			err := NewError(KindInternal, fmt.Sprintf("panic: %v", r), nil).WithCode(ErrCodeInternal)
			if started {
				job.Finish(context.Background(), err, attempts)
			} else {
				job.Abort(context.Background(), err)
			}
		}
	}()

	if !job.Begin(poolCtx) {
		return
	}
	started = true

	timeout := p.cfg.PerAttemptTimeout
	if t := job.Timeout(); t > 0 && t < timeout {
		timeout = t
	}

	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if isClosed(job.Cancelled()) {
			err = NewCancelledError("cancelled before attempt").WithResource(job.ID())
			break
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(job.Context(), timeout)
		err = job.Attempt(attemptCtx, attempts)
		if err != nil {
			err = Classify(err)
			if attemptCtx.Err() == context.DeadlineExceeded && KindOf(err) == KindInternal {
				err = NewTimeoutError(fmt.Sprintf("attempt exceeded %s", timeout), err)
			}
		}
		cancel()

		// A tripped token wins over whatever the interrupted call returned.
		if isClosed(job.Cancelled()) {
			err = NewCancelledError("cancelled during attempt").WithResource(job.ID())
			break
		}

		if err == nil || !IsRetryable(err) {
			break
		}

		// Don't retry on last attempt
		if attempt >= p.cfg.MaxRetries {
			break
		}

		backoff := p.cfg.Backoff.Delay(attempt, err)
		job.Retrying(poolCtx, attempts, err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-job.Cancelled():
			timer.Stop()
			err = NewCancelledError("cancelled during backoff").WithResource(job.ID())
		case <-poolCtx.Done():
			timer.Stop()
			err = NewCancelledError("engine shutting down").WithResource(job.ID())
		}
		if IsKind(err, KindCancelled) {
			break
		}
	}

	job.Finish(context.WithoutCancel(poolCtx), err, attempts)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
