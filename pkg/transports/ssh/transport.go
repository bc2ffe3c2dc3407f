// Package ssh provides the SSH transport shared by the CLI-scraping drivers,
// the SFTP-based drivers and the platform detector's banner probe.
package ssh

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// Transport defines the operations drivers need from an SSH connection.
type Transport interface {
	// Connect establishes and authenticates the connection.
	// Errors are *TransportError with IsAuthError set when credentials were rejected.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. It is idempotent.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// ServerVersion returns the remote SSH identification string.
	ServerVersion() string

	// ExecuteCommand runs one command in its own exec channel.
	ExecuteCommand(ctx context.Context, cmd string) (ExecResult, error)

	// SFTP opens an SFTP subsystem client on the connection.
	SFTP(ctx context.Context) (*sftp.Client, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host          string
	Port          int
	User          string
	ServerVersion string
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Command is the command that was run
	Command string

	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code, -1 when the channel closed without one
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "sftp")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsAuthFailure reports whether err is a rejected-credentials transport error.
func IsAuthFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}

// IsTemporary reports whether err is a retryable transport error.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// isAuthHandshakeError recognises x/crypto/ssh's authentication failure messages.
func isAuthHandshakeError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
