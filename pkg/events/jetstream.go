package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// JetStreamConfig configures the NATS sink.
type JetStreamConfig struct {
	URL           string        `yaml:"url" json:"url" validate:"omitempty,url"`
	Stream        string        `yaml:"stream" json:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix" json:"subject_prefix"`
	Source        string        `yaml:"source" json:"source"`
	Domain        string        `yaml:"domain" json:"domain"`
	MaxAge        time.Duration `yaml:"max_age" json:"max_age"`
}

// DefaultJetStreamConfig returns the defaults used when fields are empty.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		Stream:        "NETONBOARD_EVENTS",
		SubjectPrefix: "netonboard",
		Source:        DefaultSource,
		MaxAge:        7 * 24 * time.Hour,
	}
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	d := DefaultJetStreamConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.Source == "" {
		c.Source = d.Source
	}
	return c
}

// JetStreamPublisher publishes CloudEvents to NATS JetStream on
// <prefix>.task.<type>.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	owned  bool
	cfg    JetStreamConfig
	logger zerolog.Logger
}

// ConnectJetStream dials cfg.URL and returns a publisher that owns the connection.
func ConnectJetStream(ctx context.Context, cfg JetStreamConfig, opts ...nats.Option) (*JetStreamPublisher, error) {
	cfg = cfg.withDefaults()
	logger := log.With().Str("component", "events-jetstream").Logger()

	base := []nats.Option{
		nats.Name("netonboard"),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p, err := NewJetStreamPublisher(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewJetStreamPublisher creates a publisher on an existing connection and
// ensures the stream exists.
func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	cfg = cfg.withDefaults()

	var (
		js  jetstream.JetStream
		err error
	)
	if cfg.Domain != "" {
		js, err = jetstream.NewWithDomain(nc, cfg.Domain)
	} else {
		js, err = jetstream.New(nc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{
		js:     js,
		nc:     nc,
		cfg:    cfg,
		logger: log.With().Str("component", "events-jetstream").Str("stream", cfg.Stream).Logger(),
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{p.StreamSubjects()},
		MaxAge:   cfg.MaxAge,
	}); err != nil {
		return nil, fmt.Errorf("failed to create or update stream %s: %w", cfg.Stream, err)
	}

	p.logger.Debug().Str("subjects", p.StreamSubjects()).Msg("JetStream stream ready")
	return p, nil
}

// StreamSubjects returns the wildcard the stream captures.
func (p *JetStreamPublisher) StreamSubjects() string {
	return p.cfg.SubjectPrefix + ".task.>"
}

// Subject returns the subject an event type is published on. Event types
// already start with "task.".
func (p *JetStreamPublisher) Subject(t engine.EventType) string {
	return p.cfg.SubjectPrefix + "." + string(t)
}

// Publish implements engine.EventPublisher.
func (p *JetStreamPublisher) Publish(ctx context.Context, ev *engine.Event) error {
	subject := p.Subject(ev.Type)
	ce := NewCloudEvent(p.cfg.Source, subject, ev)

	data, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}

	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
	}

	p.logger.Debug().
		Str("event_id", ev.ID).
		Str("subject", subject).
		Uint64("seq", ack.Sequence).
		Msg("Published event")
	return nil
}

// Close drains the connection when the publisher owns it.
func (p *JetStreamPublisher) Close() error {
	if !p.owned || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
