package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/netonboard/internal/sshtest"
	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/drivers/snmp"
	"github.com/openfroyo/netonboard/pkg/engine"
)

type stubDriver struct{}

func (stubDriver) Open(context.Context, engine.Target, engine.Credentials) (engine.Session, error) {
	return nil, nil
}
func (stubDriver) GetFacts(context.Context, engine.Session) (*engine.DeviceFacts, error) {
	return nil, nil
}
func (stubDriver) Close(engine.Session) {}

type detectingDriver struct {
	stubDriver
	accept bool
	err    error
	calls  int
}

func (d *detectingDriver) Detect(context.Context, engine.Target, *engine.Evidence) (bool, error) {
	d.calls++
	return d.accept, d.err
}

type fakeProbe struct {
	name     string
	evidence engine.Evidence
	err      error
	delay    time.Duration
}

func (p fakeProbe) Name() string { return p.name }

func (p fakeProbe) Run(ctx context.Context, _ engine.Request) (engine.Evidence, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return engine.Evidence{}, ctx.Err()
		}
	}
	return p.evidence, p.err
}

func testRegistry(t *testing.T) *drivers.Registry {
	t.Helper()
	reg := drivers.NewRegistry()
	reg.MustRegister(engine.Descriptor{
		Platform: "vendor_a", Vendor: "A", Transport: "ssh",
		Match: engine.MatchRules{SSHBanner: `^SSH-2\.0-VendorA`},
	}, stubDriver{})
	reg.MustRegister(engine.Descriptor{
		Platform: "vendor_b", Vendor: "B", Transport: "ssh",
		Match: engine.MatchRules{SSHBanner: `VendorA|VendorB`, SysObjectIDPrefixes: []string{"1.3.6.1.4.1.9999"}},
	}, stubDriver{})
	reg.MustRegister(engine.Descriptor{
		Platform: "vendor_c", Vendor: "C", Transport: "snmp",
		Match: engine.MatchRules{SysDescr: `(?i)vendor c os`},
	}, stubDriver{})
	reg.MustRegister(engine.Descriptor{
		Platform: "vendor_d", Vendor: "D", Transport: "sftp",
		Match: engine.MatchRules{ServiceProduct: `VendorD sshd`},
	}, stubDriver{})
	reg.Seal()
	return reg
}

func request() engine.Request {
	return engine.Request{Address: "10.0.0.1", Port: 22, CredentialRef: "lab"}
}

func TestDetectFirstMatchWins(t *testing.T) {
	det := New(testRegistry(t), []Probe{
		fakeProbe{name: "banner", evidence: engine.Evidence{SSHBanner: "SSH-2.0-VendorA_7.1"}},
	})

	desc, err := det.Detect(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "vendor_a", desc.Platform)
}

func TestDetectMatchRules(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		evidence engine.Evidence
		want     string
	}{
		{"sysObjectID prefix", "", engine.Evidence{SysObjectID: ".1.3.6.1.4.1.9999.1.2"}, "vendor_b"},
		{"sysObjectID without leading dot", "", engine.Evidence{SysObjectID: "1.3.6.1.4.1.9999.7"}, "vendor_b"},
		{"sysDescr", "", engine.Evidence{SysDescr: "Vendor C OS 4.2"}, "vendor_c"},
		{"service product", "", engine.Evidence{ServiceProduct: []string{"nginx 1.2", "VendorD sshd 9.0"}}, "vendor_d"},
		{"protocol hint skips ssh", "snmp", engine.Evidence{SSHBanner: "SSH-2.0-VendorA", SysDescr: "vendor c os"}, "vendor_c"},
		{"ssh hint includes sftp", "ssh", engine.Evidence{ServiceProduct: []string{"VendorD sshd"}}, "vendor_d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := New(testRegistry(t), []Probe{fakeProbe{name: "p", evidence: tt.evidence}})
			req := request()
			req.Protocol = tt.protocol

			desc, err := det.Detect(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, desc.Platform)
		})
	}
}

func TestDetectNoMatch(t *testing.T) {
	det := New(testRegistry(t), []Probe{
		fakeProbe{name: "banner", evidence: engine.Evidence{SSHBanner: "SSH-2.0-OpenSSH_9.6"}},
	})

	_, err := det.Detect(context.Background(), request())
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindDetection))
	assert.False(t, engine.IsRetryable(err))
}

func TestDetectAllProbesFailed(t *testing.T) {
	det := New(testRegistry(t), []Probe{
		fakeProbe{name: "banner", err: errors.New("connection refused")},
		fakeProbe{name: "snmp", err: errors.New("request timeout")},
	})

	_, err := det.Detect(context.Background(), request())
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindDetection))
	assert.Contains(t, err.Error(), "every detection probe failed")
}

func TestDetectPartialProbeFailure(t *testing.T) {
	det := New(testRegistry(t), []Probe{
		fakeProbe{name: "banner", err: errors.New("connection refused")},
		fakeProbe{name: "snmp", delay: 20 * time.Millisecond, evidence: engine.Evidence{SysDescr: "Vendor C OS"}},
	})

	desc, err := det.Detect(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "vendor_c", desc.Platform)
}

func TestDetectProbeTimeout(t *testing.T) {
	det := New(testRegistry(t), []Probe{
		fakeProbe{name: "slow", delay: time.Minute, evidence: engine.Evidence{SSHBanner: "SSH-2.0-VendorA"}},
		fakeProbe{name: "fast", evidence: engine.Evidence{SysDescr: "vendor c os"}},
	}, WithProbeTimeout(50*time.Millisecond))

	start := time.Now()
	desc, err := det.Detect(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "vendor_c", desc.Platform)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDetectCancelled(t *testing.T) {
	det := New(testRegistry(t), []Probe{fakeProbe{name: "slow", delay: time.Minute}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := det.Detect(ctx, request())
	assert.True(t, engine.IsKind(err, engine.KindCancelled), "got %v", err)
}

func TestDetectableDriver(t *testing.T) {
	reg := drivers.NewRegistry()
	rejecting := &detectingDriver{err: errors.New("boom")}
	accepting := &detectingDriver{accept: true}
	reg.MustRegister(engine.Descriptor{Platform: "rejecting", Transport: "ssh"}, rejecting)
	reg.MustRegister(engine.Descriptor{Platform: "accepting", Transport: "snmp"}, accepting)

	det := New(reg, []Probe{fakeProbe{name: "p", evidence: engine.Evidence{SysObjectID: ".1.3.6.1.4.1.1"}}})
	desc, err := det.Detect(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "accepting", desc.Platform)
	assert.Equal(t, 1, rejecting.calls)
}

func TestDetectSkipsDriversWithoutDetect(t *testing.T) {
	reg := drivers.NewRegistry()
	reg.MustRegister(engine.Descriptor{
		Platform:     "manual_only",
		Capabilities: []engine.Capability{engine.CapabilityConnect, engine.CapabilityGetFacts},
		Match:        engine.MatchRules{SSHBanner: "."},
	}, stubDriver{})

	det := New(reg, []Probe{fakeProbe{name: "p", evidence: engine.Evidence{SSHBanner: "SSH-2.0-X"}}})
	_, err := det.Detect(context.Background(), request())
	assert.True(t, engine.IsKind(err, engine.KindDetection))
}

func TestNoProbes(t *testing.T) {
	_, err := New(testRegistry(t), nil).Detect(context.Background(), request())
	assert.True(t, engine.IsKind(err, engine.KindDetection))
}

func TestSSHBannerProbe(t *testing.T) {
	server := sshtest.New(t, sshtest.Options{ServerVersion: "SSH-2.0-VendorA_7.1"})

	ev, err := SSHBannerProbe{}.Run(context.Background(), engine.Request{Address: server.Host(), Port: server.Port()})
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-VendorA_7.1", ev.SSHBanner)

	det := New(testRegistry(t), []Probe{SSHBannerProbe{}})
	desc, err := det.Detect(context.Background(), engine.Request{Address: server.Host(), Port: server.Port(), CredentialRef: "lab"})
	require.NoError(t, err)
	assert.Equal(t, "vendor_a", desc.Platform)
}

type staticCredentials map[string]engine.Credentials

func (s staticCredentials) Resolve(_ context.Context, ref string) (engine.Credentials, error) {
	creds, ok := s[ref]
	if !ok {
		return engine.Credentials{}, engine.NewNotFoundError("credential " + ref)
	}
	return creds, nil
}

type fakeSNMPClient struct {
	vars   []gosnmp.SnmpPDU
	closed bool
}

func (c *fakeSNMPClient) Connect() error { return nil }

func (c *fakeSNMPClient) Get([]string) (*gosnmp.SnmpPacket, error) {
	return &gosnmp.SnmpPacket{Variables: c.vars}, nil
}

func (c *fakeSNMPClient) BulkWalk(string, gosnmp.WalkFunc) error { return nil }

func (c *fakeSNMPClient) Close() error {
	c.closed = true
	return nil
}

func TestSNMPProbe(t *testing.T) {
	client := &fakeSNMPClient{vars: []gosnmp.SnmpPDU{
		{Name: ".1.3.6.1.2.1.1.1.0", Type: gosnmp.OctetString, Value: []byte("Vendor C OS 4.2")},
		{Name: ".1.3.6.1.2.1.1.2.0", Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9999.3"},
	}}
	var gotCommunity string
	probe := &SNMPProbe{
		Credentials: staticCredentials{"lab": {Community: "public"}},
		Options:     snmp.DefaultOptions(),
		Factory: func(_ context.Context, _ string, creds engine.Credentials, _ snmp.Options) (snmp.Client, error) {
			gotCommunity = creds.Community
			return client, nil
		},
	}

	ev, err := probe.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "public", gotCommunity)
	assert.Equal(t, ".1.3.6.1.4.1.9999.3", ev.SysObjectID)
	assert.Equal(t, "Vendor C OS 4.2", ev.SysDescr)
	assert.True(t, client.closed)

	req := request()
	req.CredentialRef = "unknown"
	_, err = probe.Run(context.Background(), req)
	assert.True(t, engine.IsKind(err, engine.KindNotFound))
}

func TestNmapProbe(t *testing.T) {
	var calls int
	probe := &NmapProbe{
		Ports: []int{22, 443},
		Scan: func(_ context.Context, opts ...nmap.Option) (*nmap.Run, error) {
			calls++
			assert.Len(t, opts, 4)
			return &nmap.Run{Hosts: []nmap.Host{{
				Status: nmap.Status{State: "up"},
				Ports: []nmap.Port{
					{ID: 22, State: nmap.State{State: "open"}, Service: nmap.Service{Product: "VendorD sshd", Version: "9.0"}},
					{ID: 443, State: nmap.State{State: "closed"}, Service: nmap.Service{Product: "https"}},
				},
			}}}, nil
		},
	}

	ev, err := probe.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"VendorD sshd 9.0"}, ev.ServiceProduct)
}

func TestServiceProducts(t *testing.T) {
	assert.Nil(t, serviceProducts(nil))

	run := &nmap.Run{Hosts: []nmap.Host{
		{Status: nmap.Status{State: "down"}, Ports: []nmap.Port{
			{State: nmap.State{State: "open"}, Service: nmap.Service{Product: "ignored"}},
		}},
		{Status: nmap.Status{State: "up"}, Ports: []nmap.Port{
			{State: nmap.State{State: "open"}, Service: nmap.Service{Product: "Cisco SSH", Version: "1.25"}},
			{State: nmap.State{State: "open"}, Service: nmap.Service{Name: "telnet"}},
		}},
	}}
	assert.Equal(t, []string{"Cisco SSH 1.25"}, serviceProducts(run))
}
