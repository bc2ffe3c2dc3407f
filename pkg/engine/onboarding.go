package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/netonboard/pkg/engine"

// OrchestratorConfig contains the orchestrator's tunables.
type OrchestratorConfig struct {
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// DeleteGrace bounds how long CancelOrDelete waits for an active task to settle.
	// Zero removes the record right after requesting cancellation.
	DeleteGrace time.Duration `yaml:"delete_grace" json:"delete_grace" validate:"min=0"`

	// Retention removes terminal tasks older than this; zero keeps them forever.
	Retention time.Duration `yaml:"retention" json:"retention" validate:"min=0"`

	// SweepInterval is how often retention runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" validate:"min=0"`
}

// DefaultOrchestratorConfig returns the default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Pool:          DefaultPoolConfig(),
		DeleteGrace:   5 * time.Second,
		SweepInterval: time.Minute,
	}
}

// Dependencies are the collaborators the orchestrator drives.
// Store, Drivers and Credentials are required.
type Dependencies struct {
	Store       TaskStore
	Drivers     DriverRegistry
	Detector    PlatformDetector
	Credentials CredentialProvider
	Inventory   InventoryStore
	Policy      RequestPolicy
	Events      EventPublisher
	Metrics     MetricsRecorder
}

// taskHandle is the orchestrator's live view of an active task.
type taskHandle struct {
	token *CancelToken
	done  chan struct{}
	once  sync.Once

	// serializes the PENDING to RUNNING transition with cancel requests
	mu sync.Mutex
}

func (h *taskHandle) settle() {
	h.once.Do(func() {
		close(h.done)
		h.token.release()
	})
}

// Orchestrator is the public entry point of the onboarding engine.
// All methods are safe for concurrent use.
type Orchestrator struct {
	cfg      OrchestratorConfig
	deps     Dependencies
	pool     *WorkerPool
	validate *validator.Validate
	tracer   trace.Tracer

	mu      sync.Mutex
	handles map[string]*taskHandle

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator. Call Start to begin executing tasks.
func NewOrchestrator(cfg OrchestratorConfig, deps Dependencies) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if deps.Drivers == nil {
		return nil, fmt.Errorf("driver registry is required")
	}
	if deps.Credentials == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		pool:     NewWorkerPool(cfg.Pool, deps.Metrics),
		validate: NewValidator(),
		tracer:   otel.Tracer(tracerName),
		handles:  make(map[string]*taskHandle),
	}, nil
}

// Pool exposes the worker pool for inspection.
func (o *Orchestrator) Pool() *WorkerPool {
	return o.pool
}

// Start resumes persisted work and begins executing queued tasks.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.pool.Start(runCtx)

	if o.cfg.Retention > 0 {
		o.wg.Add(1)
		go o.sweepLoop(runCtx)
	}

	log.Info().
		Int("max_workers", o.pool.Config().MaxWorkers).
		Int("max_retries", o.pool.Config().MaxRetries).
		Dur("per_attempt_timeout", o.pool.Config().PerAttemptTimeout).
		Msg("Onboarding orchestrator started")
	return nil
}

// Shutdown stops accepting work and waits for running tasks until ctx is done.
// Queued tasks stay PENDING and are resumed by the next Start on a persistent store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.pool.Shutdown(ctx)
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	return err
}

// Submit validates a request, creates a PENDING task and queues it.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	req = NormalizeRequest(req)
	if err := ValidateRequest(o.validate, req); err != nil {
		return "", err
	}
	if req.Platform != "" {
		if _, _, ok := o.deps.Drivers.Lookup(req.Platform); !ok {
			return "", NewValidationError(fmt.Sprintf("unknown platform %q", req.Platform), nil).
				WithDetail("fields", map[string]interface{}{"platform": "registered"})
		}
	}
	if o.deps.Policy != nil {
		if err := o.deps.Policy.Admit(ctx, req); err != nil {
			return "", err
		}
	}

	id, err := o.deps.Store.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if err := o.enqueue(id, req); err != nil {
		if delErr := o.deps.Store.Delete(ctx, id); delErr != nil {
			log.Warn().Err(delErr).Str("task_id", id).Msg("Failed to remove rejected task")
		}
		return "", err
	}

	o.deps.Metrics.RecordTaskSubmitted()
	o.publish(ctx, &Event{
		Type:    EventTaskSubmitted,
		TaskID:  id,
		Status:  StatusPending,
		Address: req.Address,
		Message: "Onboarding task accepted",
	})

	log.Info().
		Str("task_id", id).
		Str("address", req.Address).
		Int("port", req.Port).
		Str("platform_hint", req.Platform).
		Msg("Onboarding task submitted")

	return id, nil
}

// Status returns the task record.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Task, error) {
	return o.deps.Store.Get(ctx, id)
}

// List returns a snapshot of all tasks in submission order.
func (o *Orchestrator) List(ctx context.Context) ([]*Task, error) {
	return o.deps.Store.List(ctx)
}

// Wait blocks until the task is terminal or ctx is done, then returns the task.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Task, error) {
	if h := o.handle(id); h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	}
	return o.deps.Store.Get(ctx, id)
}

// Cancel requests cooperative cancellation of an active task.
// A queued task settles to FAILED(Cancelled) before Cancel returns; a running
// task settles once its current call returns or times out.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	task, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return NewConflictError(fmt.Sprintf("task is already %s", task.Status), nil).WithResource(id)
	}

	o.requestCancel(id)
	return nil
}

// CancelOrDelete cancels an active task and removes its record.
//
// For a PENDING or RUNNING task, cancellation is requested first and the record
// is removed once the task is terminal or DeleteGrace elapses, whichever is first.
// Removal after the grace deadline is best-effort cancellation: the record is
// removed immediately regardless and the worker's late writes are dropped.
func (o *Orchestrator) CancelOrDelete(ctx context.Context, id string) error {
	task, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}

	if task.Status.IsActive() {
		if h := o.requestCancel(id); h != nil && o.cfg.DeleteGrace > 0 {
			timer := time.NewTimer(o.cfg.DeleteGrace)
			select {
			case <-h.done:
			case <-timer.C:
				log.Warn().
					Str("task_id", id).
					Dur("grace", o.cfg.DeleteGrace).
					Msg("Best-effort cancellation, record removed immediately regardless")
			case <-ctx.Done():
			}
			timer.Stop()
		}
	}

	if err := o.deps.Store.Delete(ctx, id); err != nil {
		return err
	}

	o.publish(ctx, &Event{
		Type:    EventTaskDeleted,
		TaskID:  id,
		Status:  task.Status,
		Address: task.Request.Address,
		Message: "Onboarding task deleted",
	})
	log.Info().Str("task_id", id).Msg("Onboarding task deleted")
	return nil
}

// requestCancel trips the task's token and withdraws it if still queued.
func (o *Orchestrator) requestCancel(id string) *taskHandle {
	h := o.handle(id)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	h.token.Cancel()
	h.mu.Unlock()
	if o.pool.Withdraw(id) {
		log.Debug().Str("task_id", id).Msg("Withdrew queued task")
	}
	return h
}

func (o *Orchestrator) enqueue(id string, req Request) error {
	h := &taskHandle{
		token: NewCancelToken(context.Background()),
		done:  make(chan struct{}),
	}

	o.mu.Lock()
	o.handles[id] = h
	o.mu.Unlock()

	job := &onboardingJob{
		orch:   o,
		id:     id,
		req:    req,
		handle: h,
	}
	if err := o.pool.Enqueue(job); err != nil {
		o.forget(id)
		return err
	}
	return nil
}

func (o *Orchestrator) handle(id string) *taskHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[id]
}

// forget drops the live handle and wakes waiters.
func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	h := o.handles[id]
	delete(o.handles, id)
	o.mu.Unlock()

	if h != nil {
		h.settle()
	}
}

// recover re-queues PENDING tasks and fails RUNNING tasks left by a previous process.
func (o *Orchestrator) recover(ctx context.Context) error {
	tasks, err := o.deps.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks for recovery: %w", err)
	}

	for _, task := range tasks {
		switch task.Status {
		case StatusPending:
			if o.handle(task.ID) != nil {
				continue
			}
			if err := o.enqueue(task.ID, task.Request); err != nil {
				log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to resume pending task")
				continue
			}
			log.Info().Str("task_id", task.ID).Msg("Resumed pending task")
		case StatusRunning:
			if o.handle(task.ID) != nil {
				continue
			}
			failure := Failure{
				Kind:    KindCancelled,
				Reason:  ReasonGeneral,
				Message: "interrupted by engine restart",
			}
			if err := o.deps.Store.UpdateFailure(ctx, task.ID, StatusRunning, failure); err != nil {
				log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to settle interrupted task")
				continue
			}
			log.Warn().Str("task_id", task.ID).Msg("Settled task interrupted by restart")
		}
	}
	return nil
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := o.Sweep(ctx, time.Now()); err != nil {
				log.Warn().Err(err).Msg("Retention sweep failed")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("Retention sweep removed expired tasks")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes terminal tasks last updated before now minus Retention.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) (int, error) {
	if o.cfg.Retention <= 0 {
		return 0, nil
	}
	tasks, err := o.deps.Store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-o.cfg.Retention)
	removed := 0
	for _, task := range tasks {
		if !task.Status.IsTerminal() || task.UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.deps.Store.Delete(ctx, task.ID); err != nil {
			if IsKind(err, KindNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// resolve picks the driver for a request, running detection when no platform is given.
func (o *Orchestrator) resolve(ctx context.Context, req Request) (Driver, Descriptor, error) {
	if req.Platform != "" {
		drv, desc, ok := o.deps.Drivers.Lookup(req.Platform)
		if !ok {
			return nil, Descriptor{}, NewDetectionError(fmt.Sprintf("platform %q is not registered", req.Platform), nil)
		}
		return drv, desc, nil
	}

	if o.deps.Detector == nil {
		return nil, Descriptor{}, NewDetectionError("no platform given and no detector configured", nil)
	}

	ctx, span := o.tracer.Start(ctx, "onboarding.detect")
	defer span.End()

	start := time.Now()
	desc, err := o.deps.Detector.Detect(ctx, req)
	if err != nil {
		o.deps.Metrics.RecordDetection("", "failed", time.Since(start))
		span.RecordError(err)
		return nil, Descriptor{}, err
	}
	o.deps.Metrics.RecordDetection(desc.Platform, "matched", time.Since(start))

	drv, desc, ok := o.deps.Drivers.Lookup(desc.Platform)
	if !ok {
		return nil, Descriptor{}, NewDetectionError(fmt.Sprintf("detected platform %q has no driver", desc.Platform), nil)
	}
	return drv, desc, nil
}

// publish sends an event asynchronously; failures are logged only.
func (o *Orchestrator) publish(ctx context.Context, event *Event) {
	if o.deps.Events == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := o.deps.Events.Publish(ctx, event); err != nil {
			log.Debug().Err(err).Str("event", string(event.Type)).Str("task_id", event.TaskID).Msg("Failed to publish event")
		}
	}()
}
