package ssh

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// ReadBanner connects to address and returns the SSH identification line
// (e.g. "SSH-2.0-Cisco-1.25") without authenticating.
func ReadBanner(ctx context.Context, address string) (string, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", &TransportError{Op: "banner", Err: err, IsTemporary: true}
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = conn.SetReadDeadline(deadline)

	// Servers may send other lines before the identification string.
	reader := bufio.NewReaderSize(conn, 256)
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "SSH-") {
			return line, nil
		}
		if err != nil {
			return "", &TransportError{Op: "banner", Err: err, IsTemporary: true}
		}
	}
	return "", &TransportError{Op: "banner", Err: fmt.Errorf("no SSH identification from %s", address)}
}
