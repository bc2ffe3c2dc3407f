package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host in a fresh exec channel.
// A non-zero exit status is reported in the result, not as an error.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (ExecResult, error) {
	startTime := time.Now()
	result := ExecResult{Command: cmd, ExitCode: -1}

	log.Debug().
		Str("command", cmd).
		Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return result, err
	}

	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return result, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		// Context cancelled, try to signal the session
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result.Duration = time.Since(startTime)
	result.Stdout = strings.TrimRight(stdoutBuf.String(), "\r\n ")
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	var missing *ssh.ExitMissingError
	if errors.As(execErr, &missing) {
		// Several NOSes close the channel without an exit-status.
		return result, nil
	}

	return result, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: true,
		IsAuthError: false,
	}
}

// ExecuteBatch runs commands sequentially in order. It stops at the first
// transport error or non-zero exit status; that command's result is last.
func (c *SSHClient) ExecuteBatch(ctx context.Context, commands []string) ([]ExecResult, error) {
	results := make([]ExecResult, 0, len(commands))
	for _, cmd := range commands {
		res, err := c.ExecuteCommand(ctx, cmd)
		results = append(results, res)
		if err != nil || res.ExitCode > 0 {
			return results, err
		}
	}
	return results, nil
}
