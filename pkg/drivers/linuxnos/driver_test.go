package linuxnos

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/netonboard/internal/sshtest"
	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/engine"
)

var cumulusFiles = map[string]string{
	"/etc/os-release": `NAME="Cumulus Linux"
VERSION_ID=5.4.0
VERSION="Cumulus Linux 5.4.0"
PRETTY_NAME="Cumulus Linux"
ID=cumulus-linux
ID_LIKE=debian
`,
	"/etc/hostname":                    "spine-1\n",
	"/sys/class/dmi/id/product_serial": "MT2123X01234\n",
	"/sys/class/dmi/id/product_name":   "MSN2410\n",
	"/sys/class/dmi/id/sys_vendor":     "Mellanox\n",
	"/sys/class/net/eth0/address":      "b8:59:9f:00:11:22\n",
}

var sonicFiles = map[string]string{
	"/etc/os-release": `PRETTY_NAME="SONiC (Debian GNU/Linux 11)"
ID=sonic
VERSION_ID="11"
`,
	"/etc/sonic/sonic_version.yml": `build_version: 'SONiC.202211.1-abcdef'
asic_type: broadcom
platform: x86_64-accton_as7326_56x-r0
`,
	"/etc/hostname":                    "sonic-leaf\n",
	"/sys/class/dmi/id/product_serial": "AS7326X9999\n",
	"/sys/class/dmi/id/product_name":   "\n",
	"/sys/class/dmi/id/sys_vendor":     "Accton\n",
}

func testOptions() drivers.SSHOptions {
	opts := drivers.DefaultSSHOptions()
	opts.ConnectTimeout = 5 * time.Second
	return opts
}

func getFacts(t *testing.T, flavor Flavor, files map[string]string) (*engine.DeviceFacts, error) {
	t.Helper()
	server := sshtest.New(t, sshtest.Options{Files: files})
	drv := New(flavor, testOptions())
	ctx := context.Background()

	sess, err := drv.Open(ctx, engine.Target{Address: server.Host(), Port: server.Port()},
		engine.Credentials{Username: "admin", Password: "admin"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer drv.Close(sess)
	return drv.GetFacts(ctx, sess)
}

func TestCumulusFacts(t *testing.T) {
	facts, err := getFacts(t, Flavors[0], cumulusFiles)
	if err != nil {
		t.Fatalf("get facts failed: %v", err)
	}

	if facts.Serial != "MT2123X01234" || facts.Model != "MSN2410" || facts.OSVersion != "5.4.0" {
		t.Errorf("unexpected facts: %+v", facts)
	}
	if facts.Hostname != "spine-1" {
		t.Errorf("expected hostname spine-1, got %q", facts.Hostname)
	}
	if facts.Vendor != "NVIDIA" {
		t.Errorf("expected vendor NVIDIA, got %q", facts.Vendor)
	}
	if len(facts.Interfaces) != 1 || facts.Interfaces[0].MAC != "b8:59:9f:00:11:22" || facts.Interfaces[0].Address != "127.0.0.1" {
		t.Errorf("unexpected interfaces: %+v", facts.Interfaces)
	}
}

func TestSONiCFacts(t *testing.T) {
	facts, err := getFacts(t, Flavors[1], sonicFiles)
	if err != nil {
		t.Fatalf("get facts failed: %v", err)
	}

	if facts.OSVersion != "SONiC.202211.1-abcdef" {
		t.Errorf("expected build version, got %q", facts.OSVersion)
	}
	if facts.Model != "x86_64-accton_as7326_56x-r0" {
		t.Errorf("expected model from platform string, got %q", facts.Model)
	}
	if facts.Vendor != "Accton" {
		t.Errorf("expected vendor Accton, got %q", facts.Vendor)
	}
	if len(facts.Interfaces) != 1 || facts.Interfaces[0].MAC != "" {
		t.Errorf("expected eth0 without MAC, got %+v", facts.Interfaces)
	}
}

func TestGetFactsErrors(t *testing.T) {
	without := func(files map[string]string, drop string) map[string]string {
		out := make(map[string]string, len(files))
		for k, v := range files {
			if k != drop {
				out[k] = v
			}
		}
		return out
	}

	tests := []struct {
		name     string
		flavor   Flavor
		files    map[string]string
		wantKind engine.Kind
	}{
		{"wrong flavor", Flavors[1], cumulusFiles, engine.KindProtocol},
		{"no os-release", Flavors[0], without(cumulusFiles, "/etc/os-release"), engine.KindProtocol},
		{"no serial", Flavors[0], without(cumulusFiles, "/sys/class/dmi/id/product_serial"), engine.KindParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := getFacts(t, tt.flavor, tt.files)
			if !engine.IsKind(err, tt.wantKind) {
				t.Errorf("expected %s, got %v", tt.wantKind, err)
			}
		})
	}
}

func TestNoSFTPSubsystem(t *testing.T) {
	server := sshtest.New(t, sshtest.Options{})
	drv := New(Flavors[0], testOptions())
	ctx := context.Background()

	sess, err := drv.Open(ctx, engine.Target{Address: server.Host(), Port: server.Port()},
		engine.Credentials{Username: "admin", Password: "admin"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer drv.Close(sess)

	if _, err := drv.GetFacts(ctx, sess); !engine.IsKind(err, engine.KindProtocol) {
		t.Errorf("expected ProtocolError, got %v", err)
	}
}

func TestParseOSRelease(t *testing.T) {
	got := parseOSRelease("# comment\nID=\"debian\"\nVERSION_ID='12'\nbroken line\n\n")
	if got["ID"] != "debian" || got["VERSION_ID"] != "12" || len(got) != 2 {
		t.Errorf("unexpected parse: %v", got)
	}
}

func TestRegister(t *testing.T) {
	reg := drivers.NewRegistry()
	if err := Register(reg, Flavors, drivers.DefaultSSHOptions()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	descs := reg.Descriptors()
	if len(descs) != 2 || descs[0].Platform != "cumulus_linux" || descs[1].Transport != "sftp" {
		t.Errorf("unexpected descriptors: %+v", descs)
	}
}
