package drivers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/netonboard/pkg/engine"
	sshtransport "github.com/openfroyo/netonboard/pkg/transports/ssh"
)

// SSHOptions are the transport settings shared by the SSH-based drivers.
type SSHOptions struct {
	// ConnectTimeout bounds dial plus handshake when the attempt context has no earlier deadline.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"min=0"`

	// CommandTimeout bounds a single command when the attempt context has no earlier deadline.
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout" validate:"min=0"`

	// LegacyAlgorithms enables SHA-1 key exchanges and CBC ciphers.
	LegacyAlgorithms bool `yaml:"legacy_algorithms" json:"legacy_algorithms"`

	// KnownHostsPath enables strict host key checking when set.
	KnownHostsPath string `yaml:"known_hosts_path" json:"known_hosts_path"`
}

// DefaultSSHOptions returns the SSH defaults.
func DefaultSSHOptions() SSHOptions {
	return SSHOptions{
		ConnectTimeout:   15 * time.Second,
		CommandTimeout:   30 * time.Second,
		LegacyAlgorithms: true,
	}
}

// SSHConfig builds a transport config for target from resolved credentials.
// A private key selects key authentication, otherwise the password is used.
func (o SSHOptions) SSHConfig(target engine.Target, creds engine.Credentials) (*sshtransport.Config, error) {
	cfg := sshtransport.DefaultConfig(target.Address, creds.Username)
	cfg.Port = target.Port
	cfg.LegacyAlgorithms = o.LegacyAlgorithms
	if o.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = o.ConnectTimeout
	}
	if o.CommandTimeout > 0 {
		cfg.CommandTimeout = o.CommandTimeout
	}
	if o.KnownHostsPath != "" {
		cfg.KnownHostsPath = o.KnownHostsPath
		cfg.StrictHostKeyChecking = true
	}

	if len(creds.PrivateKey) > 0 {
		cfg.AuthMethod = sshtransport.AuthMethodKey
		cfg.PrivateKey = creds.PrivateKey
		cfg.PrivateKeyPassphrase = creds.Secret
	} else {
		cfg.AuthMethod = sshtransport.AuthMethodPassword
		cfg.Password = creds.Password
	}

	if err := cfg.Validate(); err != nil {
		return nil, engine.NewAuthError("credentials are incomplete for SSH", err).
			WithResource(target.String())
	}
	return cfg, nil
}

// DialSSH connects and authenticates an SSH transport.
// Errors are AuthError for rejected credentials and ConnectionError otherwise.
func (o SSHOptions) DialSSH(ctx context.Context, target engine.Target, creds engine.Credentials) (*sshtransport.SSHClient, error) {
	cfg, err := o.SSHConfig(target, creds)
	if err != nil {
		return nil, err
	}

	client, err := sshtransport.NewSSHClient(cfg)
	if err != nil {
		return nil, engine.NewValidationError("invalid SSH configuration", err).WithResource(target.String())
	}
	if err := client.Connect(ctx); err != nil {
		return nil, ClassifySSHError(ctx, target, "open", err)
	}
	return client, nil
}

// ClassifySSHError maps a transport error onto the onboarding taxonomy.
func ClassifySSHError(ctx context.Context, target engine.Target, op string, err error) error {
	if err == nil {
		return nil
	}
	resource := target.String()
	switch {
	case sshtransport.IsAuthFailure(err):
		return engine.NewAuthError("device rejected credentials", err).
			WithResource(resource).WithOperation(op)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return engine.NewTimeoutError(fmt.Sprintf("%s timed out", op), err).
			WithResource(resource).WithOperation(op)
	default:
		// DNS failures keep their code so the failure reason stays fail-dns.
		var ee *engine.EngineError
		if errors.As(engine.Classify(err), &ee) && ee.Kind == engine.KindConnection {
			return ee.WithResource(resource).WithOperation(op)
		}
		return engine.NewConnectionError(fmt.Sprintf("%s failed", op), err).
			WithResource(resource).WithOperation(op)
	}
}
