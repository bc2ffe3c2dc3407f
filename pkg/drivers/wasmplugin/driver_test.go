package wasmplugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/netonboard/internal/sshtest"
	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/engine"
)

// wasm encoding helpers for hand-assembled test modules.

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, content ...[]byte) []byte {
	var body []byte
	for _, c := range content {
		body = append(body, c...)
	}
	out := []byte{id}
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func funcBody(code ...byte) []byte {
	return append(uleb(uint64(len(code))), code...)
}

const outputOffset = 16

// fixedModule returns a module whose parse_facts ignores its input and
// returns output from a data segment. Setting loop makes parse_facts spin.
func fixedModule(output string, exportParse, loop bool) []byte {
	header := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	types := section(1,
		[]byte{0x03},
		[]byte{0x60, 0x01, 0x7f, 0x01, 0x7f},       // (i32) -> i32
		[]byte{0x60, 0x01, 0x7f, 0x00},             // (i32) -> ()
		[]byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e}, // (i32, i32) -> i64
	)
	funcs := section(3, []byte{0x03, 0x00, 0x01, 0x02})
	memory := section(5, []byte{0x01, 0x00, 0x01})

	exportCount := byte(4)
	if !exportParse {
		exportCount = 3
	}
	exports := [][]byte{{exportCount},
		name("memory"), {0x02, 0x00},
		name("malloc"), {0x00, 0x00},
		name("free"), {0x00, 0x01},
	}
	if exportParse {
		exports = append(exports, name("parse_facts"), []byte{0x00, 0x02})
	}

	var parse []byte
	if loop {
		parse = funcBody(0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x42, 0x00, 0x0b)
	} else {
		code := []byte{0x00, 0x42}
		code = append(code, sleb(outputOffset)...)
		code = append(code, 0x42)
		code = append(code, sleb(32)...)
		code = append(code, 0x86, 0x42) // i64.shl
		code = append(code, sleb(int64(len(output)))...)
		code = append(code, 0x84, 0x0b) // i64.or
		parse = funcBody(code...)
	}
	code := section(10,
		[]byte{0x03},
		funcBody(0x00, 0x41, 0x80, 0x08, 0x0b), // return 1024
		funcBody(0x00, 0x0b),
		parse,
	)

	data := section(11,
		[]byte{0x01, 0x00, 0x41},
		sleb(outputOffset),
		[]byte{0x0b},
		uleb(uint64(len(output))),
		[]byte(output),
	)

	var out []byte
	for _, part := range [][]byte{header, types, funcs, memory, section(7, exports...), code, data} {
		out = append(out, part...)
	}
	return out
}

const factsJSON = `{"hostname":"fw-1","serial":"FGT60F0000001","model":"FortiGate-60F","os_version":"7.2.5","interfaces":[{"name":"mgmt","address":"10.1.1.1","prefix_length":24}]}`

func testManifest() *Manifest {
	return &Manifest{
		Platform:   "fortios",
		Vendor:     "Fortinet",
		Entrypoint: "fortios.wasm",
		Commands: []Command{
			{Name: "status", Command: "get system status"},
			{Name: "interfaces", Command: "show system interface"},
		},
		Match: engine.MatchRules{SSHBanner: "FortiSSH"},
	}
}

func testOptions() drivers.SSHOptions {
	opts := drivers.DefaultSSHOptions()
	opts.ConnectTimeout = 5 * time.Second
	return opts
}

func newDriver(t *testing.T, module []byte) *Driver {
	t.Helper()
	drv, err := New(context.Background(), testManifest(), module, testOptions(), DefaultHostConfig())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}
	t.Cleanup(func() { _ = drv.Shutdown(context.Background()) })
	return drv
}

func fortiServer(t *testing.T) *sshtest.Server {
	t.Helper()
	return sshtest.New(t, sshtest.Options{
		ServerVersion: "SSH-2.0-FortiSSH_2.0",
		Commands: map[string]sshtest.Response{
			"get system status":     {Stdout: "Version: FortiGate-60F v7.2.5\n"},
			"show system interface": {Stdout: "config system interface\nend\n"},
		},
	})
}

func getFacts(t *testing.T, drv *Driver, server *sshtest.Server) (*engine.DeviceFacts, error) {
	t.Helper()
	ctx := context.Background()
	sess, err := drv.Open(ctx, engine.Target{Address: server.Host(), Port: server.Port()},
		engine.Credentials{Username: "admin", Password: "admin"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer drv.Close(sess)
	return drv.GetFacts(ctx, sess)
}

func TestGetFacts(t *testing.T) {
	server := fortiServer(t)
	drv := newDriver(t, fixedModule(factsJSON, true, false))

	facts, err := getFacts(t, drv, server)
	if err != nil {
		t.Fatalf("get facts failed: %v", err)
	}
	if facts.Serial != "FGT60F0000001" || facts.Model != "FortiGate-60F" || facts.OSVersion != "7.2.5" {
		t.Errorf("unexpected facts: %+v", facts)
	}
	if facts.Vendor != "Fortinet" {
		t.Errorf("expected vendor from manifest, got %q", facts.Vendor)
	}
	if len(facts.Interfaces) != 1 || facts.Interfaces[0].PrefixLength != 24 {
		t.Errorf("unexpected interfaces: %+v", facts.Interfaces)
	}

	executed := server.Executed()
	if len(executed) != 2 || executed[0] != "get system status" || executed[1] != "show system interface" {
		t.Errorf("unexpected commands: %v", executed)
	}
}

func TestGetFactsPluginErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"plugin error", `{"error":"unrecognised status output"}`},
		{"malformed JSON", `{"serial":`},
		{"incomplete facts", `{"serial":"X"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := fortiServer(t)
			drv := newDriver(t, fixedModule(tt.output, true, false))
			_, err := getFacts(t, drv, server)
			if !engine.IsKind(err, engine.KindParse) {
				t.Errorf("expected ParseError, got %v", err)
			}
		})
	}
}

func TestGetFactsCommandFailure(t *testing.T) {
	server := sshtest.New(t, sshtest.Options{
		Commands: map[string]sshtest.Response{
			"get system status": {Stdout: "ok\n"},
		},
	})
	drv := newDriver(t, fixedModule(factsJSON, true, false))

	_, err := getFacts(t, drv, server)
	if !engine.IsKind(err, engine.KindProtocol) {
		t.Errorf("expected ProtocolError, got %v", err)
	}
}

func TestParseTimeout(t *testing.T) {
	p, err := newParser(context.Background(), fixedModule("", true, true), HostConfig{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new parser failed: %v", err)
	}
	defer p.close(context.Background())

	start := time.Now()
	_, err = p.parse(context.Background(), parseInput{Platform: "fortios"})
	if !engine.IsKind(err, engine.KindConnection) || !engine.IsTransient(err) {
		t.Errorf("expected transient timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("parse was not interrupted, took %v", elapsed)
	}
}

func TestMissingExport(t *testing.T) {
	_, err := New(context.Background(), testManifest(), fixedModule(factsJSON, false, false), testOptions(), DefaultHostConfig())
	if err == nil || !strings.Contains(err.Error(), "parse_facts") {
		t.Errorf("expected missing export error, got %v", err)
	}
}

func TestChecksum(t *testing.T) {
	module := fixedModule(factsJSON, true, false)
	sum := sha256.Sum256(module)

	m := testManifest()
	m.Checksum = hex.EncodeToString(sum[:])
	if err := m.VerifyChecksum(module); err != nil {
		t.Errorf("expected checksum to match: %v", err)
	}

	m.Checksum = strings.Repeat("0", 64)
	if _, err := New(context.Background(), m, module, testOptions(), DefaultHostConfig()); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
}

func TestParseManifest(t *testing.T) {
	valid := `
platform: fortios
vendor: Fortinet
entrypoint: fortios.wasm
commands:
  - name: status
    command: get system status
match:
  ssh_banner: FortiSSH
`
	if m, err := ParseManifest([]byte(valid)); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	} else if m.Match.SSHBanner != "FortiSSH" || len(m.Commands) != 1 {
		t.Errorf("unexpected manifest: %+v", m)
	}

	tests := []struct {
		name     string
		manifest string
	}{
		{"bad yaml", "platform: [\n"},
		{"no platform", "vendor: x\nentrypoint: a.wasm\ncommands: [{name: a, command: b}]\n"},
		{"bad platform", "platform: Forti OS\nvendor: x\nentrypoint: a.wasm\ncommands: [{name: a, command: b}]\n"},
		{"no commands", "platform: fortios\nvendor: x\nentrypoint: a.wasm\n"},
		{"bad command name", "platform: fortios\nvendor: x\nentrypoint: a.wasm\ncommands: [{name: Show-It, command: b}]\n"},
		{"duplicate command", "platform: fortios\nvendor: x\nentrypoint: a.wasm\ncommands: [{name: a, command: b}, {name: a, command: c}]\n"},
		{"bad checksum", "platform: fortios\nvendor: x\nentrypoint: a.wasm\nchecksum: xyz\ncommands: [{name: a, command: b}]\n"},
		{"bad match", "platform: fortios\nvendor: x\nentrypoint: a.wasm\ncommands: [{name: a, command: b}]\nmatch:\n  sys_descr: \"(\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.manifest)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func writePlugin(t *testing.T, dir, platform string) {
	t.Helper()
	module := fixedModule(factsJSON, true, false)
	if err := os.WriteFile(filepath.Join(dir, platform+".wasm"), module, 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := "platform: " + platform + "\nvendor: Test\nentrypoint: " + platform + ".wasm\ncommands:\n  - name: status\n    command: show status\n"
	if err := os.WriteFile(filepath.Join(dir, platform+".yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "zeta_os")
	writePlugin(t, dir, "alpha_os")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	plugins, err := LoadDir(context.Background(), dir, testOptions(), DefaultHostConfig())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	defer func() {
		for _, p := range plugins {
			_ = p.Shutdown(context.Background())
		}
	}()

	if len(plugins) != 2 || plugins[0].Manifest().Platform != "alpha_os" || plugins[1].Manifest().Platform != "zeta_os" {
		t.Fatalf("unexpected load order")
	}
	if plugins[0].Manifest().Path != filepath.Join(dir, "alpha_os.yaml") {
		t.Errorf("unexpected manifest path %q", plugins[0].Manifest().Path)
	}

	reg := drivers.NewRegistry()
	if err := Register(reg, plugins); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, _, ok := reg.Lookup("zeta_os"); !ok {
		t.Error("expected zeta_os to be registered")
	}
}

func TestLoadDirMissingModule(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "alpha_os")
	manifest := "platform: beta_os\nvendor: Test\nentrypoint: missing.wasm\ncommands:\n  - name: status\n    command: show status\n"
	if err := os.WriteFile(filepath.Join(dir, "beta_os.yml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadDir(context.Background(), dir, testOptions(), DefaultHostConfig()); err == nil || !strings.Contains(err.Error(), "failed to read module") {
		t.Errorf("expected module read error, got %v", err)
	}
}
