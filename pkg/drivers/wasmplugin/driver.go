// Package wasmplugin loads third-party drivers from a manifest plus a
// WebAssembly module. The plugin names the CLI commands to run over SSH; the
// module turns their output into DeviceFacts.
package wasmplugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/engine"
	sshtransport "github.com/openfroyo/netonboard/pkg/transports/ssh"
)

// Driver is a loaded plugin.
type Driver struct {
	manifest *Manifest
	parser   *parser
	opts     drivers.SSHOptions
	logger   zerolog.Logger
}

// New compiles module and returns the plugin driver.
func New(ctx context.Context, manifest *Manifest, module []byte, opts drivers.SSHOptions, host HostConfig) (*Driver, error) {
	if err := manifest.VerifyChecksum(module); err != nil {
		return nil, err
	}
	p, err := newParser(ctx, module, host)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", manifest.Platform, err)
	}
	return &Driver{
		manifest: manifest,
		parser:   p,
		opts:     opts,
		logger:   log.With().Str("component", "wasmplugin").Str("platform", manifest.Platform).Logger(),
	}, nil
}

// Descriptor returns the registry descriptor.
func (d *Driver) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Platform:  d.manifest.Platform,
		Vendor:    d.manifest.Vendor,
		Transport: "ssh",
		Match:     d.manifest.Match,
	}
}

// Manifest returns the plugin manifest.
func (d *Driver) Manifest() *Manifest {
	return d.manifest
}

type session struct {
	target engine.Target
	client *sshtransport.SSHClient
	once   sync.Once
}

// Open connects and authenticates over SSH.
func (d *Driver) Open(ctx context.Context, target engine.Target, creds engine.Credentials) (engine.Session, error) {
	client, err := d.opts.DialSSH(ctx, target, creds)
	if err != nil {
		return nil, err
	}
	return &session{target: target, client: client}, nil
}

// GetFacts runs the manifest commands and hands their output to the module.
func (d *Driver) GetFacts(ctx context.Context, s engine.Session) (*engine.DeviceFacts, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, engine.NewError(engine.KindInternal, fmt.Sprintf("%s: foreign session %T", d.manifest.Platform, s), nil)
	}
	resource := sess.target.String()

	lines := make([]string, len(d.manifest.Commands))
	for i, cmd := range d.manifest.Commands {
		lines[i] = cmd.Command
	}
	results, err := sess.client.ExecuteBatch(ctx, lines)
	if err != nil {
		return nil, drivers.ClassifySSHError(ctx, sess.target, "get_facts", err)
	}

	outputs := make(map[string]string, len(results))
	for i, res := range results {
		cmd := d.manifest.Commands[i]
		if res.ExitCode > 0 {
			return nil, engine.NewProtocolError(
				fmt.Sprintf("command %q exited with status %d", cmd.Command, res.ExitCode), nil).
				WithResource(resource).
				WithDetail("stderr", res.Stderr)
		}
		outputs[cmd.Name] = res.Stdout
	}

	facts, err := d.parser.parse(ctx, parseInput{Platform: d.manifest.Platform, Outputs: outputs})
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return nil, ee.WithResource(resource)
		}
		return nil, engine.NewError(engine.KindInternal, "plugin host failure", err).WithResource(resource)
	}

	if facts.Serial == "" || facts.Model == "" || facts.OSVersion == "" {
		return nil, engine.NewParseError("plugin returned incomplete facts", nil).
			WithResource(resource).
			WithDetail("facts", facts)
	}
	if facts.Vendor == "" {
		facts.Vendor = d.manifest.Vendor
	}
	return facts, nil
}

// Close disconnects. It is idempotent.
func (d *Driver) Close(s engine.Session) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return
	}
	sess.once.Do(func() {
		if err := sess.client.Disconnect(); err != nil {
			d.logger.Debug().Err(err).Str("address", sess.target.String()).Msg("Disconnect failed")
		}
	})
}

// Shutdown releases the WebAssembly runtime.
func (d *Driver) Shutdown(ctx context.Context) error {
	return d.parser.close(ctx)
}

// LoadDir loads every plugin manifest in dir in lexical order.
// On error, plugins loaded so far are shut down.
func LoadDir(ctx context.Context, dir string, opts drivers.SSHOptions, host HostConfig) ([]*Driver, error) {
	files, err := manifestFiles(dir)
	if err != nil {
		return nil, err
	}

	var out []*Driver
	for _, path := range files {
		manifest, module, err := LoadManifestFile(path)
		if err == nil {
			var d *Driver
			if d, err = New(ctx, manifest, module, opts, host); err == nil {
				out = append(out, d)
				log.Info().
					Str("platform", manifest.Platform).
					Str("version", manifest.Version).
					Str("manifest", path).
					Msg("Loaded driver plugin")
				continue
			}
		}
		for _, d := range out {
			_ = d.Shutdown(ctx)
		}
		return nil, err
	}
	return out, nil
}

// Register adds plugins to the registry in order.
func Register(reg *drivers.Registry, plugins []*Driver) error {
	for _, p := range plugins {
		if err := reg.Register(p.Descriptor(), p); err != nil {
			return err
		}
	}
	return nil
}
