// Package events delivers onboarding task lifecycle events to external sinks.
//
// Every sink implements engine.EventPublisher. JetStreamPublisher emits
// CloudEvents 1.0 JSON onto NATS JetStream, LogPublisher writes structured log
// lines, and Multi fans one event out to several sinks with optional filters.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// CloudEvent represents a CloudEvents v1.0 compliant event.
type CloudEvent struct {
	SpecVersion     string        `json:"specversion"`
	ID              string        `json:"id"`
	Source          string        `json:"source"`
	Type            string        `json:"type"`
	DataContentType string        `json:"datacontenttype"`
	Subject         string        `json:"subject,omitempty"`
	Time            *time.Time    `json:"time,omitempty"`
	Data            *engine.Event `json:"data,omitempty"`
}

// TypePrefix prefixes CloudEvent types.
const TypePrefix = "io.netonboard.onboarding."

// DefaultSource is the CloudEvent source when none is configured.
const DefaultSource = "netonboard/engine"

// NewCloudEvent wraps a task event.
func NewCloudEvent(source, subject string, ev *engine.Event) CloudEvent {
	if source == "" {
		source = DefaultSource
	}
	ts := ev.Timestamp
	return CloudEvent{
		SpecVersion:     "1.0",
		ID:              ev.ID,
		Source:          source,
		Type:            TypePrefix + string(ev.Type),
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &ts,
		Data:            ev,
	}
}

// Filter decides whether a sink receives an event.
type Filter func(*engine.Event) bool

var severityRank = map[string]int{
	"info":    0,
	"warning": 1,
	"error":   2,
}

// FilterBySeverity passes events at minLevel (info, warning, error) or above.
func FilterBySeverity(minLevel string) Filter {
	floor := severityRank[strings.ToLower(minLevel)]
	return func(ev *engine.Event) bool {
		return severityRank[ev.Type.Severity()] >= floor
	}
}

// FilterByType passes only the given event types.
func FilterByType(types ...engine.EventType) Filter {
	set := make(map[engine.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev *engine.Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

// FilterByTask passes only events for taskID.
func FilterByTask(taskID string) Filter {
	return func(ev *engine.Event) bool {
		return ev.TaskID == taskID
	}
}

type route struct {
	publisher engine.EventPublisher
	filters   []Filter
}

func (r route) accepts(ev *engine.Event) bool {
	for _, f := range r.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

// Multi fans events out to every registered sink whose filters accept them.
type Multi struct {
	mu     sync.RWMutex
	routes []route
}

// NewMulti creates a fan-out over publishers with no filters.
func NewMulti(publishers ...engine.EventPublisher) *Multi {
	m := &Multi{}
	for _, p := range publishers {
		m.Add(p)
	}
	return m
}

// Add registers a sink.
func (m *Multi) Add(p engine.EventPublisher, filters ...Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, route{publisher: p, filters: filters})
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routes)
}

// Publish implements engine.EventPublisher. Every sink is tried; the errors
// are joined.
func (m *Multi) Publish(ctx context.Context, ev *engine.Event) error {
	m.mu.RLock()
	routes := append([]route(nil), m.routes...)
	m.mu.RUnlock()

	var errs []error
	for _, r := range routes {
		if !r.accepts(ev) {
			continue
		}
		if err := r.publisher.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events as structured log lines.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

// Publish implements engine.EventPublisher.
func (p *LogPublisher) Publish(_ context.Context, ev *engine.Event) error {
	var e *zerolog.Event
	switch ev.Type.Severity() {
	case "error":
		e = p.logger.Error()
	case "warning":
		e = p.logger.Warn()
	default:
		e = p.logger.Info()
	}

	e = e.Str("event", string(ev.Type)).
		Str("task_id", ev.TaskID).
		Str("status", string(ev.Status)).
		Str("address", ev.Address)
	if ev.Platform != "" {
		e = e.Str("platform", ev.Platform)
	}
	if ev.Attempt > 0 {
		e = e.Int("attempt", ev.Attempt)
	}
	if len(ev.Data) > 0 {
		e = e.Interface("data", ev.Data)
	}

	msg := ev.Message
	if msg == "" {
		msg = fmt.Sprintf("Task %s", ev.Type)
	}
	e.Msg(msg)
	return nil
}
