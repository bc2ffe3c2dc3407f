package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// DefaultReadLimit caps how much of a remote file ReadRemoteFile returns.
const DefaultReadLimit = 1 << 20

// ErrRemoteFileNotFound is returned when the remote path does not exist.
var ErrRemoteFileNotFound = errors.New("remote file not found")

// ReadRemoteFile reads up to limit bytes of a remote file over SFTP.
func ReadRemoteFile(ctx context.Context, sc *sftp.Client, remotePath string, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	log.Debug().Str("remote", remotePath).Msg("reading remote file")

	f, err := sc.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", remotePath, ErrRemoteFileNotFound)
		}
		return nil, &TransportError{
			Op:          "sftp-read",
			Err:         fmt.Errorf("failed to open %s: %w", remotePath, err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, io.LimitReader(f, limit)); err != nil {
		return nil, &TransportError{
			Op:          "sftp-read",
			Err:         fmt.Errorf("failed to read %s: %w", remotePath, err),
			IsTemporary: ctx.Err() != nil,
			IsAuthError: false,
		}
	}

	return buf.Bytes(), nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
