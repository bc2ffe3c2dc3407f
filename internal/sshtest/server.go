// Package sshtest runs an in-process SSH server that behaves like a network
// device: canned command output, an optional SFTP filesystem and a configurable
// identification string. It is used by transport, driver and detector tests.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Response is the canned reply to one exec command.
type Response struct {
	Stdout     string
	Stderr     string
	ExitStatus uint32

	// Delay holds the reply back, for timeout tests.
	Delay time.Duration
}

// Options configure the fake device.
type Options struct {
	User     string
	Password string

	// ServerVersion is the identification string, e.g. "SSH-2.0-Cisco-1.25".
	ServerVersion string

	// Commands maps exact command strings to replies. Unknown commands get
	// "% Invalid input detected" with exit status 1.
	Commands map[string]Response

	// Files are served over SFTP when set.
	Files map[string]string

	// AuthorizedKeys enables public key authentication for User.
	AuthorizedKeys []ssh.PublicKey
}

// Server is a running fake device.
type Server struct {
	t        testing.TB
	listener net.Listener
	config   *ssh.ServerConfig
	opts     Options
	sftp     sftp.Handlers

	mu       sync.Mutex
	executed []string
	logins   int

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a server on 127.0.0.1 and stops it when the test ends.
func New(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.User == "" {
		opts.User = "admin"
	}
	if opts.Password == "" {
		opts.Password = "admin"
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = "SSH-2.0-OpenSSH_9.6"
	}

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	s := &Server{
		t:    t,
		opts: opts,
		done: make(chan struct{}),
	}

	s.config = &ssh.ServerConfig{
		ServerVersion: opts.ServerVersion,
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == opts.User && string(pass) == opts.Password {
				s.mu.Lock()
				s.logins++
				s.mu.Unlock()
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	if len(opts.AuthorizedKeys) > 0 {
		s.config.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range opts.AuthorizedKeys {
				if c.User() == opts.User && bytes.Equal(k.Marshal(), key.Marshal()) {
					s.mu.Lock()
					s.logins++
					s.mu.Unlock()
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	s.config.AddHostKey(signer)

	if opts.Files != nil {
		s.sftp = sftp.InMemHandler()
		if err := preload(s.sftp, opts.Files); err != nil {
			t.Fatalf("failed to preload sftp files: %v", err)
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)

	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Executed returns the commands run so far, in order.
func (s *Server) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

// Logins returns the number of successful authentications.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Close stops the server.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			s.exec(channel, payload.Command)
			_ = channel.Close()
			return

		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" || s.opts.Files == nil {
				_ = req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go ssh.DiscardRequests(requests)
			server := sftp.NewRequestServer(channel, s.sftp)
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) exec(channel ssh.Channel, command string) {
	s.mu.Lock()
	s.executed = append(s.executed, command)
	s.mu.Unlock()

	resp, ok := s.opts.Commands[command]
	if !ok {
		resp = Response{
			Stdout:     "% Invalid input detected at '^' marker.\n",
			ExitStatus: 1,
		}
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-s.done:
			return
		}
	}

	if resp.Stdout != "" {
		_, _ = io.WriteString(channel, resp.Stdout)
	}
	if resp.Stderr != "" {
		_, _ = io.WriteString(channel.Stderr(), resp.Stderr)
	}
	status := struct{ Status uint32 }{resp.ExitStatus}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
}

// preload writes files into the in-memory SFTP handlers, creating parents.
func preload(h sftp.Handlers, files map[string]string) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	made := map[string]bool{"/": true}
	for _, p := range paths {
		dir := path.Dir(p)
		var parts []string
		for d := dir; d != "/" && d != "."; d = path.Dir(d) {
			parts = append([]string{d}, parts...)
		}
		for _, d := range parts {
			if made[d] {
				continue
			}
			if err := h.FileCmd.Filecmd(sftp.NewRequest("Mkdir", d)); err != nil && !strings.Contains(err.Error(), "exist") {
				return fmt.Errorf("mkdir %s: %w", d, err)
			}
			made[d] = true
		}

		w, err := h.FilePut.Filewrite(sftp.NewRequest("Put", p))
		if err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
		if _, err := w.WriteAt([]byte(files[p]), 0); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
		if c, ok := w.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return nil
}
