// Package detector selects a driver platform for a target by probing it and
// matching the evidence against registered descriptors.
package detector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// DefaultProbeTimeout bounds all probes of one detection.
const DefaultProbeTimeout = 5 * time.Second

// Detector implements engine.PlatformDetector.
type Detector struct {
	registry engine.DriverRegistry
	probes   []Probe
	timeout  time.Duration
	logger   zerolog.Logger

	patterns sync.Map // string -> *regexp.Regexp
}

// Option configures a Detector.
type Option func(*Detector)

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.timeout = d
		}
	}
}

// New creates a detector over registry using probes.
func New(registry engine.DriverRegistry, probes []Probe, opts ...Option) *Detector {
	d := &Detector{
		registry: registry,
		probes:   probes,
		timeout:  DefaultProbeTimeout,
		logger:   log.With().Str("component", "detector").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect probes the target and returns the first registered descriptor whose
// driver or match rules accept the evidence.
func (d *Detector) Detect(ctx context.Context, req engine.Request) (engine.Descriptor, error) {
	if req.Port == 0 {
		req.Port = engine.DefaultPort
	}
	target := engine.Target{Address: req.Address, Port: req.Port}

	evidence, err := d.gather(ctx, req)
	if err != nil {
		return engine.Descriptor{}, err
	}

	for _, desc := range d.registry.Descriptors() {
		if !desc.Supports(engine.CapabilityDetect) || !transportAllowed(req.Protocol, desc.Transport) {
			continue
		}
		if d.matches(ctx, target, desc, evidence) {
			d.logger.Debug().
				Str("address", target.String()).
				Str("platform", desc.Platform).
				Msg("Platform detected")
			return desc, nil
		}
	}

	if ctx.Err() != nil {
		return engine.Descriptor{}, engine.Classify(ctx.Err())
	}
	return engine.Descriptor{}, engine.NewDetectionError("no registered platform matches the device", nil).
		WithResource(target.String()).
		WithDetail("evidence", evidence)
}

// gather runs all probes concurrently and merges their evidence.
func (d *Detector) gather(ctx context.Context, req engine.Request) (*engine.Evidence, error) {
	if len(d.probes) == 0 {
		return nil, engine.NewDetectionError("no detection probes configured", nil)
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		evidence engine.Evidence
		failures []error
	)
	// The group only joins the probes. Each one records its own failure and
	// returns nil, so a failing probe never cuts the others short.
	var g errgroup.Group
	for _, p := range d.probes {
		g.Go(func() error {
			found, err := p.Run(probeCtx, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Debug().Err(err).Str("probe", p.Name()).Str("address", req.Address).Msg("Probe failed")
				failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
				return nil
			}
			merge(&evidence, found)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, engine.NewCancelledError("detection cancelled")
		}
		return nil, engine.Classify(ctx.Err())
	}
	if len(failures) == len(d.probes) || evidence.Empty() {
		return nil, engine.NewDetectionError("every detection probe failed", errors.Join(failures...)).
			WithResource(req.Address)
	}
	return &evidence, nil
}

func merge(dst *engine.Evidence, src engine.Evidence) {
	if src.SSHBanner != "" {
		dst.SSHBanner = src.SSHBanner
	}
	if src.SysObjectID != "" {
		dst.SysObjectID = src.SysObjectID
	}
	if src.SysDescr != "" {
		dst.SysDescr = src.SysDescr
	}
	dst.ServiceProduct = append(dst.ServiceProduct, src.ServiceProduct...)
}

func (d *Detector) matches(ctx context.Context, target engine.Target, desc engine.Descriptor, evidence *engine.Evidence) bool {
	if drv, _, ok := d.registry.Lookup(desc.Platform); ok {
		if det, ok := drv.(engine.Detectable); ok {
			matched, err := det.Detect(ctx, target, evidence)
			if err != nil {
				d.logger.Warn().Err(err).Str("platform", desc.Platform).Msg("Driver detection check failed")
			} else if matched {
				return true
			}
		}
	}
	return d.matchRules(desc.Match, evidence)
}

// matchRules reports whether any rule matches. Empty rules never match.
func (d *Detector) matchRules(rules engine.MatchRules, ev *engine.Evidence) bool {
	if rules.SSHBanner != "" && ev.SSHBanner != "" && d.match(rules.SSHBanner, ev.SSHBanner) {
		return true
	}
	if ev.SysObjectID != "" {
		oid := "." + strings.TrimPrefix(ev.SysObjectID, ".")
		for _, prefix := range rules.SysObjectIDPrefixes {
			if strings.HasPrefix(oid, "."+strings.TrimPrefix(prefix, ".")) {
				return true
			}
		}
	}
	if rules.SysDescr != "" && ev.SysDescr != "" && d.match(rules.SysDescr, ev.SysDescr) {
		return true
	}
	if rules.ServiceProduct != "" {
		for _, product := range ev.ServiceProduct {
			if d.match(rules.ServiceProduct, product) {
				return true
			}
		}
	}
	return false
}

func (d *Detector) match(pattern, s string) bool {
	if cached, ok := d.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(s)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		d.logger.Warn().Err(err).Str("pattern", pattern).Msg("Invalid match pattern")
		return false
	}
	d.patterns.Store(pattern, re)
	return re.MatchString(s)
}

// transportAllowed applies the request's protocol hint. SFTP drivers run over SSH.
func transportAllowed(hint, transport string) bool {
	switch {
	case hint == "":
		return true
	case hint == transport:
		return true
	case hint == "ssh" && transport == "sftp":
		return true
	default:
		return false
	}
}
