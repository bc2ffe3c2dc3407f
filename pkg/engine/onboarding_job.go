package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// onboardingJob executes one task inside the worker pool.
// It is the only writer of its task's status once the task leaves the queue.
type onboardingJob struct {
	orch   *Orchestrator
	id     string
	req    Request
	handle *taskHandle

	startedAt time.Time
	span      trace.Span

	// resolved on the first attempt and reused by retries
	driver     Driver
	descriptor Descriptor

	facts *DeviceFacts
}

func (j *onboardingJob) ID() string                 { return j.id }
func (j *onboardingJob) Context() context.Context   { return j.handle.token.Context() }
func (j *onboardingJob) Cancelled() <-chan struct{} { return j.handle.token.Done() }

func (j *onboardingJob) Timeout() time.Duration {
	return j.req.AttemptTimeout(0)
}

func (j *onboardingJob) logger() *logEvent {
	return &logEvent{taskID: j.id, address: j.req.Address, platform: j.descriptor.Platform}
}

// Begin moves the task to RUNNING, or settles it if it was cancelled while queued.
// A cancel request either lands before the transition, and the task fails
// without running, or after it, and the attempt observes the tripped token.
func (j *onboardingJob) Begin(ctx context.Context) bool {
	j.handle.mu.Lock()
	if j.handle.token.Cancelled() {
		j.handle.mu.Unlock()
		j.Abort(ctx, NewCancelledError("cancelled while queued").WithResource(j.id))
		return false
	}
	err := j.orch.deps.Store.UpdateStatus(ctx, j.id, StatusPending, StatusRunning)
	j.handle.mu.Unlock()

	if err != nil {
		// Deleted or already settled by the cancel path.
		log.Debug().Err(err).Str("task_id", j.id).Msg("Skipping task that is no longer pending")
		j.orch.forget(j.id)
		return false
	}

	j.startedAt = time.Now()
	_, j.span = j.orch.tracer.Start(context.Background(), "onboarding.task",
		trace.WithAttributes(
			attribute.String("task.id", j.id),
			attribute.String("device.address", j.req.Address),
			attribute.Int("device.port", j.req.Port),
		))

	j.orch.publish(ctx, &Event{
		Type:    EventTaskStarted,
		TaskID:  j.id,
		Status:  StatusRunning,
		Address: j.req.Address,
		Message: "Onboarding task started",
	})
	log.Info().Str("task_id", j.id).Str("address", j.req.Address).Msg("Onboarding task running")
	return true
}

// checkpoint aborts the attempt at a blocking boundary if cancellation was requested.
func (j *onboardingJob) checkpoint(step string) error {
	if j.handle.token.Cancelled() {
		return NewCancelledError("cancelled before " + step).WithResource(j.id)
	}
	return nil
}

// Attempt runs one resolve, open, get-facts and close cycle.
func (j *onboardingJob) Attempt(ctx context.Context, attempt int) (err error) {
	start := time.Now()
	ctx, span := j.orch.tracer.Start(ctx, "onboarding.attempt",
		trace.WithAttributes(attribute.Int("attempt", attempt)))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(KindOf(Classify(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		j.orch.deps.Metrics.RecordAttempt(j.descriptor.Platform, outcome, time.Since(start))
		j.logger().attempt(attempt, err, time.Since(start))
	}()

	if j.driver == nil {
		if err := j.checkpoint("detection"); err != nil {
			return err
		}
		drv, desc, err := j.orch.resolve(ctx, j.req)
		if err != nil {
			return err
		}
		j.driver, j.descriptor = drv, desc
		span.SetAttributes(attribute.String("device.platform", desc.Platform))
	}

	if err := j.checkpoint("credential lookup"); err != nil {
		return err
	}
	creds, err := j.orch.deps.Credentials.Resolve(ctx, j.req.CredentialRef)
	if err != nil {
		return err
	}

	if err := j.checkpoint("open"); err != nil {
		return err
	}
	session, err := j.driver.Open(ctx, j.req.Target(), creds)
	if err != nil {
		return err
	}
	defer j.driver.Close(session)

	if err := j.checkpoint("get facts"); err != nil {
		return err
	}
	facts, err := j.driver.GetFacts(ctx, session)
	if err != nil {
		return err
	}
	if facts == nil {
		return NewParseError("driver returned no facts", nil).WithOperation("get_facts")
	}

	j.facts = facts
	return nil
}

func (j *onboardingJob) Retrying(ctx context.Context, attempt int, err error, delay time.Duration) {
	log.Warn().
		Err(err).
		Str("task_id", j.id).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Transient failure, retrying")

	j.orch.publish(ctx, &Event{
		Type:     EventTaskRetrying,
		TaskID:   j.id,
		Status:   StatusRunning,
		Address:  j.req.Address,
		Platform: j.descriptor.Platform,
		Attempt:  attempt,
		Message:  fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempt, j.orch.pool.Config().MaxRetries+1),
	})
}

// Finish settles a RUNNING task to SUCCEEDED or FAILED.
func (j *onboardingJob) Finish(ctx context.Context, err error, attempts int) {
	defer j.orch.forget(j.id)
	if j.span != nil {
		defer j.span.End()
	}

	if err == nil && j.facts != nil {
		j.succeed(ctx, attempts)
		return
	}
	if err == nil {
		err = NewParseError("no facts obtained", nil)
	}
	j.fail(ctx, StatusRunning, err, attempts)
}

// Abort settles a task that never reached RUNNING.
func (j *onboardingJob) Abort(ctx context.Context, err error) {
	defer j.orch.forget(j.id)
	j.fail(ctx, StatusPending, err, 0)
}

func (j *onboardingJob) succeed(ctx context.Context, attempts int) {
	result := Result{
		Platform: j.descriptor.Platform,
		Facts:    j.facts,
		Attempts: attempts,
	}

	if inv := j.orch.deps.Inventory; inv != nil {
		record := DeviceRecord{
			Address:    j.req.Address,
			Platform:   j.descriptor.Platform,
			Facts:      j.facts.Clone(),
			Location:   j.req.Location,
			Role:       j.req.Role,
			DeviceType: j.req.DeviceType,
			Tags:       j.req.Tags,
			TaskID:     j.id,
		}
		saveCtx, cancel := context.WithTimeout(j.handle.token.Context(), j.orch.pool.Config().PerAttemptTimeout)
		err := inv.SaveDevice(saveCtx, record)
		cancel()
		if err != nil {
			perr := NewPersistenceError("inventory write failed; facts retained on task", err)
			result.Warnings = append(result.Warnings, Warning{Kind: KindPersistence, Message: perr.Error()})
			log.Warn().Err(err).Str("task_id", j.id).Msg("Inventory write failed, keeping facts on task")
			j.orch.publish(ctx, &Event{
				Type:     EventTaskWarning,
				TaskID:   j.id,
				Status:   StatusRunning,
				Address:  j.req.Address,
				Platform: j.descriptor.Platform,
				Message:  perr.Error(),
			})
		}
	}

	if err := j.orch.deps.Store.UpdateResult(ctx, j.id, StatusRunning, result); err != nil {
		log.Debug().Err(err).Str("task_id", j.id).Msg("Dropping result for task that was removed")
		return
	}

	duration := time.Since(j.startedAt)
	j.orch.deps.Metrics.RecordTaskCompleted(StatusSucceeded, "", duration)
	if j.span != nil {
		j.span.SetAttributes(attribute.String("device.platform", j.descriptor.Platform))
		j.span.SetStatus(codes.Ok, "")
	}

	j.orch.publish(ctx, &Event{
		Type:     EventTaskSucceeded,
		TaskID:   j.id,
		Status:   StatusSucceeded,
		Address:  j.req.Address,
		Platform: j.descriptor.Platform,
		Attempt:  attempts,
		Message:  "Device onboarded",
		Data: map[string]interface{}{
			"serial":     j.facts.Serial,
			"model":      j.facts.Model,
			"os_version": j.facts.OSVersion,
			"warnings":   len(result.Warnings),
		},
	})

	log.Info().
		Str("task_id", j.id).
		Str("platform", j.descriptor.Platform).
		Str("serial", j.facts.Serial).
		Int("attempts", attempts).
		Dur("duration", duration).
		Msg("Onboarding task succeeded")
}

func (j *onboardingJob) fail(ctx context.Context, from TaskStatus, err error, attempts int) {
	failure := Failure{
		Kind:     KindOf(err),
		Reason:   ReasonFor(err),
		Message:  err.Error(),
		Platform: j.descriptor.Platform,
		Attempts: attempts,
	}

	if uerr := j.orch.deps.Store.UpdateFailure(ctx, j.id, from, failure); uerr != nil {
		log.Debug().Err(uerr).Str("task_id", j.id).Msg("Dropping failure for task that was removed")
		return
	}

	var duration time.Duration
	if !j.startedAt.IsZero() {
		duration = time.Since(j.startedAt)
	}
	j.orch.deps.Metrics.RecordTaskCompleted(StatusFailed, failure.Kind, duration)
	if j.span != nil {
		j.span.RecordError(err)
		j.span.SetStatus(codes.Error, string(failure.Kind))
	}

	j.orch.publish(ctx, &Event{
		Type:     EventTaskFailed,
		TaskID:   j.id,
		Status:   StatusFailed,
		Address:  j.req.Address,
		Platform: j.descriptor.Platform,
		Attempt:  attempts,
		Message:  failure.Message,
		Data: map[string]interface{}{
			"kind":   string(failure.Kind),
			"reason": string(failure.Reason),
		},
	})

	log.Warn().
		Str("task_id", j.id).
		Str("kind", string(failure.Kind)).
		Str("reason", string(failure.Reason)).
		Int("attempts", attempts).
		Msg("Onboarding task failed")
}

// logEvent carries the fields every attempt log line shares.
type logEvent struct {
	taskID   string
	address  string
	platform string
}

func (l *logEvent) attempt(n int, err error, d time.Duration) {
	ev := log.Debug()
	if err != nil {
		ev = log.Info().Err(err)
	}
	ev.Str("task_id", l.taskID).
		Str("address", l.address).
		Str("platform", l.platform).
		Int("attempt", n).
		Dur("duration", d).
		Msg("Onboarding attempt finished")
}
