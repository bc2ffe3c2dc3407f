// Package linuxnos implements drivers for Linux-based network operating
// systems. Facts are read as files over SFTP rather than scraped from a CLI.
package linuxnos

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/engine"
	sshtransport "github.com/openfroyo/netonboard/pkg/transports/ssh"
)

// Files read from the device.
const (
	pathOSRelease     = "/etc/os-release"
	pathHostname      = "/etc/hostname"
	pathProductSerial = "/sys/class/dmi/id/product_serial"
	pathProductName   = "/sys/class/dmi/id/product_name"
	pathSysVendor     = "/sys/class/dmi/id/sys_vendor"
	pathSONiCVersion  = "/etc/sonic/sonic_version.yml"
	pathMgmtMACFormat = "/sys/class/net/%s/address"

	fileReadLimit = 64 << 10
)

// Flavor describes one Linux NOS.
type Flavor struct {
	Platform string
	Vendor   string

	// OSReleaseID is the expected ID in /etc/os-release.
	OSReleaseID string

	// MgmtInterface is the management port name.
	MgmtInterface string

	Match engine.MatchRules
}

// Flavors are the built-in Linux NOS platforms in registration order.
var Flavors = []Flavor{
	{
		Platform:      "cumulus_linux",
		Vendor:        "NVIDIA",
		OSReleaseID:   "cumulus-linux",
		MgmtInterface: "eth0",
		Match: engine.MatchRules{
			SysObjectIDPrefixes: []string{".1.3.6.1.4.1.40310."},
			SysDescr:            "Cumulus Linux",
		},
	},
	{
		Platform:      "sonic",
		Vendor:        "SONiC",
		OSReleaseID:   "sonic",
		MgmtInterface: "eth0",
		Match: engine.MatchRules{
			SysDescr: "SONiC Software Version",
		},
	},
}

// Driver reads facts for one flavor.
type Driver struct {
	flavor Flavor
	opts   drivers.SSHOptions
	logger zerolog.Logger
}

// New creates a driver for flavor.
func New(flavor Flavor, opts drivers.SSHOptions) *Driver {
	return &Driver{
		flavor: flavor,
		opts:   opts,
		logger: log.With().Str("component", "linuxnos").Str("platform", flavor.Platform).Logger(),
	}
}

// Descriptor returns the registry descriptor.
func (d *Driver) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Platform:  d.flavor.Platform,
		Vendor:    d.flavor.Vendor,
		Transport: "sftp",
		Match:     d.flavor.Match,
	}
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

// GetFacts opens an SFTP subsystem and reads os-release, DMI and hostname files.
func (d *Driver) GetFacts(ctx context.Context, s engine.Session) (*engine.DeviceFacts, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, engine.NewError(engine.KindInternal, fmt.Sprintf("linuxnos: foreign session %T", s), nil)
	}
	resource := sess.target.String()

	sc, err := sess.client.SFTP(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, drivers.ClassifySSHError(ctx, sess.target, "sftp", err)
		}
		return nil, engine.NewProtocolError("device does not offer SFTP", err).WithResource(resource)
	}
	defer sc.Close()

	r := &reader{ctx: ctx, sc: sc, target: sess.target}

	osRelease, err := r.read(pathOSRelease, true)
	if err != nil {
		return nil, err
	}
	release := parseOSRelease(osRelease)
	if release["ID"] != d.flavor.OSReleaseID {
		return nil, engine.NewProtocolError(
			fmt.Sprintf("os-release ID is %q, not %q", release["ID"], d.flavor.OSReleaseID), nil).
			WithResource(resource)
	}

	facts := &engine.DeviceFacts{
		Vendor:    d.flavor.Vendor,
		OSVersion: release["VERSION_ID"],
	}

	if facts.Serial, err = r.readLine(pathProductSerial); err != nil {
		return nil, err
	}
	if facts.Model, err = r.readLine(pathProductName); err != nil {
		return nil, err
	}
	if facts.Hostname, err = r.readLine(pathHostname); err != nil {
		return nil, err
	}
	if vendor, err := r.readLine(pathSysVendor); err != nil {
		return nil, err
	} else if vendor != "" && d.flavor.OSReleaseID != "cumulus-linux" {
		facts.Vendor = vendor
	}

	if d.flavor.OSReleaseID == "sonic" {
		if err := r.sonicVersion(facts); err != nil {
			return nil, err
		}
	}

	switch {
	case facts.Serial == "":
		return nil, engine.NewParseError("DMI product_serial is empty", nil).WithResource(resource)
	case facts.Model == "":
		return nil, engine.NewParseError("DMI product_name is empty", nil).WithResource(resource)
	case facts.OSVersion == "":
		return nil, engine.NewParseError("os-release has no VERSION_ID", nil).WithResource(resource)
	}

	if d.flavor.MgmtInterface != "" {
		mac, err := r.readLine(fmt.Sprintf(pathMgmtMACFormat, d.flavor.MgmtInterface))
		if err != nil {
			return nil, err
		}
		facts.Interfaces = []engine.ManagementInterface{{
			Name:    d.flavor.MgmtInterface,
			Address: sess.target.Address,
			MAC:     mac,
		}}
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

// Register adds a driver per flavor, in order.
func Register(reg *drivers.Registry, flavors []Flavor, opts drivers.SSHOptions) error {
	for _, f := range flavors {
		d := New(f, opts)
		if err := reg.Register(d.Descriptor(), d); err != nil {
			return err
		}
	}
	return nil
}

type reader struct {
	ctx    context.Context
	sc     *sftp.Client
	target engine.Target
}

// read returns a file's contents. Missing optional files read as empty.
func (r *reader) read(path string, required bool) (string, error) {
	data, err := sshtransport.ReadRemoteFile(r.ctx, r.sc, path, fileReadLimit)
	switch {
	case err == nil:
		return string(data), nil
	case errors.Is(err, sshtransport.ErrRemoteFileNotFound) && !required:
		return "", nil
	case errors.Is(err, sshtransport.ErrRemoteFileNotFound):
		return "", engine.NewProtocolError(fmt.Sprintf("%s not found", path), err).WithResource(r.target.String())
	case r.ctx.Err() != nil:
		return "", drivers.ClassifySSHError(r.ctx, r.target, "sftp", err)
	default:
		return "", engine.NewProtocolError(fmt.Sprintf("failed to read %s", path), err).WithResource(r.target.String())
	}
}

func (r *reader) readLine(path string) (string, error) {
	s, err := r.read(path, false)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line), nil
}

// sonicVersion overrides the version with build_version and fills the model
// from the platform string when DMI is empty.
func (r *reader) sonicVersion(facts *engine.DeviceFacts) error {
	raw, err := r.read(pathSONiCVersion, false)
	if err != nil || raw == "" {
		return err
	}
	var v struct {
		BuildVersion string `yaml:"build_version"`
		ASICType     string `yaml:"asic_type"`
		Platform     string `yaml:"platform"`
	}
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return engine.NewParseError("sonic_version.yml is malformed", err).WithResource(r.target.String())
	}
	if v.BuildVersion != "" {
		facts.OSVersion = strings.Trim(v.BuildVersion, "'\"")
	}
	if facts.Model == "" && v.Platform != "" {
		facts.Model = v.Platform
	}
	return nil
}

// parseOSRelease parses KEY=value lines, unquoting values.
func parseOSRelease(s string) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[key] = strings.Trim(value, `"'`)
	}
	return out
}
