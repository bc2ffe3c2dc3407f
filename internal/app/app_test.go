package app

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/netonboard/pkg/api"
	"github.com/openfroyo/netonboard/pkg/config"
	"github.com/openfroyo/netonboard/pkg/drivers/snmp"
	"github.com/openfroyo/netonboard/pkg/engine"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Telemetry.Logging.Output = "stderr"
	cfg.Telemetry.Logging.Level = "error"
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func platforms(a *App) map[string]bool {
	out := make(map[string]bool)
	for _, d := range a.Registry.Descriptors() {
		out[d.Platform] = true
	}
	return out
}

func TestNewDefaults(t *testing.T) {
	a := newApp(t, testConfig(t))

	if !a.Registry.Sealed() {
		t.Error("registry should be sealed")
	}
	got := platforms(a)
	for _, want := range []string{"cisco_ios", "arista_eos", "cumulus_linux", "sonic", snmp.Platform} {
		if !got[want] {
			t.Errorf("platform %q not registered", want)
		}
	}
	if a.Policy == nil {
		t.Error("policy engine should be enabled by default")
	}
	if a.Vault == nil || a.Orchestrator == nil || a.Server == nil {
		t.Fatal("app is missing components")
	}
}

func TestLinuxFlavorFilter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Drivers.LinuxFlavors = []string{"sonic"}
	a := newApp(t, cfg)

	got := platforms(a)
	if !got["sonic"] {
		t.Error("sonic should be registered")
	}
	if got["cumulus_linux"] {
		t.Error("cumulus_linux should be filtered out")
	}
}

func TestMapperDir(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "pkg", "mapper", "mappers", "arista_eos.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	custom := strings.Replace(string(data), "platform: arista_eos", "platform: acme_eos", 1)
	if err := os.WriteFile(filepath.Join(dir, "acme_eos.yaml"), []byte(custom), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.Drivers.MapperDir = dir
	a := newApp(t, cfg)

	if !platforms(a)["acme_eos"] {
		t.Error("mapper from MapperDir not registered")
	}
}

func TestMapperDirMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Drivers.MapperDir = filepath.Join(t.TempDir(), "missing")

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for missing mapper dir")
	}
}

func TestSQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "tasks.db")
	cfg.Inventory.Driver = "sqlite"
	a := newApp(t, cfg)

	if _, err := os.Stat(cfg.Store.SQLite.Path); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	ctx := context.Background()
	if _, err := a.Store.List(ctx); err != nil {
		t.Errorf("List() error = %v", err)
	}
}

func TestCredentialFileMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials.File = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for missing credentials file")
	}
}

func TestServerThroughApp(t *testing.T) {
	a := newApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Orchestrator.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Orchestrator.Shutdown(context.Background()) }()

	srv := httptest.NewServer(a.Server)
	defer srv.Close()
	client := api.NewClient(srv.URL)

	descs, err := client.Drivers(ctx)
	if err != nil {
		t.Fatalf("Drivers() error = %v", err)
	}
	if len(descs) != a.Registry.Len() {
		t.Errorf("Drivers() = %d, want %d", len(descs), a.Registry.Len())
	}

	// The default policy rejects loopback targets.
	_, err = client.Submit(ctx, api.SubmitRequest{
		Request:  engine.Request{Address: "127.0.0.1", Port: 22, Platform: "cisco_ios"},
		Username: "admin",
		Password: "secret",
	})
	if err == nil {
		t.Fatal("expected loopback submit to be rejected")
	}
	if !engine.IsKind(err, engine.KindValidation) || !strings.Contains(err.Error(), "loopback") {
		t.Errorf("Submit() kind = %v, want validation", engine.KindOf(err))
	}
	if a.Vault.Len() != 0 {
		t.Errorf("vault holds %d entries after rejected submit", a.Vault.Len())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
