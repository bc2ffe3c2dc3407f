// Package sshcli implements drivers that scrape a device CLI over SSH.
//
// Each driver is backed by a command mapper: the mapper names the commands to
// run and how their output becomes DeviceFacts. One driver instance serves one
// platform; a Session is one authenticated SSH connection.
package sshcli

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/engine"
	"github.com/openfroyo/netonboard/pkg/mapper"
	sshtransport "github.com/openfroyo/netonboard/pkg/transports/ssh"
)

// cliErrorPattern recognises NOS error banners printed with a zero exit status.
var cliErrorPattern = regexp.MustCompile(`(?m)^\s*(% ?(Invalid input|Incomplete command|Ambiguous command|Unknown command)|syntax error|error: unknown command)`)

// Driver runs a mapper's commands over SSH.
type Driver struct {
	mapper *mapper.Mapper
	opts   drivers.SSHOptions
	logger zerolog.Logger
}

// New creates a driver for the mapper's platform.
func New(m *mapper.Mapper, opts drivers.SSHOptions) *Driver {
	return &Driver{
		mapper: m,
		opts:   opts,
		logger: log.With().Str("component", "sshcli").Str("platform", m.Platform).Logger(),
	}
}

// Descriptor returns the registry descriptor.
func (d *Driver) Descriptor() engine.Descriptor {
	return d.mapper.Descriptor()
}

type session struct {
	target engine.Target
	client *sshtransport.SSHClient
	once   sync.Once
}

// Open connects and authenticates.
func (d *Driver) Open(ctx context.Context, target engine.Target, creds engine.Credentials) (engine.Session, error) {
	client, err := d.opts.DialSSH(ctx, target, creds)
	if err != nil {
		return nil, err
	}
	d.logger.Debug().
		Str("address", target.String()).
		Str("server_version", client.ServerVersion()).
		Msg("Session opened")
	return &session{target: target, client: client}, nil
}

// GetFacts runs every mapper command and extracts facts from the output.
func (d *Driver) GetFacts(ctx context.Context, s engine.Session) (*engine.DeviceFacts, error) {
	sess, err := d.session(s)
	if err != nil {
		return nil, err
	}

	cmds := d.mapper.CommandList()
	lines := make([]string, len(cmds))
	for i, cmd := range cmds {
		lines[i] = cmd.Command
	}
	results, err := sess.client.ExecuteBatch(ctx, lines)
	if err != nil {
		return nil, drivers.ClassifySSHError(ctx, sess.target, "get_facts", err)
	}

	outputs := make(map[string]string, len(cmds))
	for i, res := range results {
		cmd := cmds[i]
		if res.ExitCode > 0 {
			return nil, engine.NewProtocolError(
				fmt.Sprintf("command %q exited with status %d", cmd.Command, res.ExitCode), nil).
				WithResource(sess.target.String()).
				WithDetail("stderr", res.Stderr)
		}
		if loc := cliErrorPattern.FindStringIndex(res.Stdout); loc != nil {
			return nil, engine.NewProtocolError(
				fmt.Sprintf("command %q rejected by device", cmd.Command), nil).
				WithResource(sess.target.String()).
				WithDetail("output", res.Stdout[loc[0]:loc[1]])
		}
		outputs[cmd.Name] = res.Stdout
	}

	return d.mapper.Extract(ctx, outputs)
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

func (d *Driver) session(s engine.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, engine.NewError(engine.KindInternal, fmt.Sprintf("%s: foreign session %T", d.mapper.Platform, s), nil)
	}
	if !sess.client.IsConnected() {
		return nil, engine.NewConnectionError("session is closed", nil).WithResource(sess.target.String())
	}
	return sess, nil
}

// Register adds one driver per mapper, in order.
func Register(reg *drivers.Registry, mappers []*mapper.Mapper, opts drivers.SSHOptions) error {
	for _, m := range mappers {
		d := New(m, opts)
		if err := reg.Register(d.Descriptor(), d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBuiltins registers the mappers shipped with the binary.
func RegisterBuiltins(reg *drivers.Registry, opts drivers.SSHOptions) error {
	mappers, err := mapper.Builtin()
	if err != nil {
		return err
	}
	return Register(reg, mappers, opts)
}
