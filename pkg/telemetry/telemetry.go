package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics built from one Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration and
// installs its logger globally.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger.SetGlobal()

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Shutdown flushes the tracer and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Logger.Close())
}

// Operation is a span plus a logger carrying its trace id.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
}

// StartOperation begins a traced operation. The returned context carries the
// span and a logger annotated with the trace id.
func (t *Telemetry) StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	spanCtx, span := t.Tracer.StartSpan(ctx, name, attrs...)

	logger := t.Logger
	if id := TraceID(spanCtx); id != "" {
		logger = logger.with(logger.zlog.With().Str("trace_id", id).Logger())
	}

	return &Operation{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
	}
}

// End finishes the operation, recording success or failure.
func (op *Operation) End(err error) {
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}
