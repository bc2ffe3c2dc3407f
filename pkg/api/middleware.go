package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/netonboard/pkg/engine"
	"github.com/openfroyo/netonboard/pkg/telemetry"
)

// statusRecorder captures the response status for logging and tracing.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func recorderFor(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w}
}

// recoverer turns a handler panic into a 500 InternalError.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("panic", fmt.Sprint(v)).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				s.writeError(w, r, engine.NewError(engine.KindInternal, "internal error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// logRequests writes one access log line per request and stores the
// request-scoped logger in the context.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := recorderFor(w)

		ctx := s.logger.WithContext(r.Context())
		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}

		event := s.logger.Info()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", rec.bytes).
			Str("remote", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// trace wraps a routed request in a server span named after its route template.
func (s *Server) trace(next http.Handler) http.Handler {
	if s.opts.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := "http.request"
		attrs := []attribute.KeyValue{telemetry.AttrHTTPMethod.String(r.Method)}
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				name = r.Method + " " + tpl
				attrs = append(attrs, telemetry.AttrHTTPRoute.String(tpl))
			}
		}

		ctx, span := s.opts.Tracer.StartSpan(r.Context(), name, attrs...)
		defer span.End()

		rec := recorderFor(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(telemetry.AttrHTTPStatus.Int(status))
		if status >= http.StatusInternalServerError {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", status))
		}
	})
}
