// Package telemetry provides logging, tracing and metrics for the onboarding service.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Config.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch, err := engine.NewOrchestrator(poolCfg, engine.Dependencies{
//	    Metrics: tel.Metrics,
//	    // ...
//	})
//
// # Structured Logging
//
// NewTelemetry installs its logger as the global zerolog logger, so packages
// that log through github.com/rs/zerolog/log pick up the configured level and
// format. Component loggers add a component field:
//
//	logger := tel.Logger.NewComponentLogger("api")
//	logger.Info().Str("address", addr).Msg("Task accepted")
//
// # Tracing
//
// An enabled Tracer becomes the global OpenTelemetry provider. The engine
// emits onboarding.task, onboarding.attempt and onboarding.detect spans, and
// the API wraps each request in a span of its own. Supported exporters are
// otlp (gRPC), stdout and none.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder and exposes:
//
//   - tasks_submitted_total
//   - tasks_completed_total{status,kind}
//   - task_duration_seconds{status}
//   - attempts_total{platform,outcome}
//   - attempt_duration_seconds{platform}
//   - detections_total{platform,outcome}
//   - detection_duration_seconds
//   - queue_depth
//   - running_workers
//
// Handler serves them in the Prometheus exposition format. A disabled
// Metrics instance is a no-op recorder and its Handler returns 404.
package telemetry
