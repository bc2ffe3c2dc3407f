package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/netonboard/pkg/api"
	"github.com/openfroyo/netonboard/pkg/engine"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  http.HandlerFunc
}

func newFakeServer(t *testing.T, h http.HandlerFunc) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{handler: h}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, body})
		fs.mu.Unlock()
		fs.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) last() recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "abc", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sampleTask() *engine.Task {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &engine.Task{
		ID:      "task-1",
		Request: engine.Request{Address: "10.0.0.1", Port: 22, CredentialRef: "lab/core"},
		Status:  engine.StatusSucceeded,
		Result: &engine.Result{
			Platform: "cisco_ios",
			Attempts: 1,
			Facts: &engine.DeviceFacts{
				Hostname:  "core1",
				Serial:    "FOC123",
				Model:     "C9300",
				OSVersion: "17.9.4",
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSubmitPrintsID(t *testing.T) {
	fs, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, api.SubmitResponse{ID: "task-1", Status: engine.StatusPending})
	})

	out, err := run(t, "--server", srv.URL, "submit",
		"--address", "10.0.0.1", "--credential-ref", "lab/core", "--tag", "rack=r1", "--role", "spine")
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}
	if strings.TrimSpace(out) != "task-1" {
		t.Errorf("output = %q, want task-1", out)
	}

	req := fs.last()
	if req.Method != http.MethodPost || req.Path != "/onboarding/" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	var body api.SubmitRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Address != "10.0.0.1" || body.Port != 22 || body.CredentialRef != "lab/core" || body.Role != "spine" {
		t.Errorf("body = %+v", body.Request)
	}
	if len(body.Tags) != 1 || body.Tags[0] != "rack=r1" {
		t.Errorf("tags = %v", body.Tags)
	}
}

func TestSubmitPasswordFromEnv(t *testing.T) {
	t.Setenv(EnvPassword, "from-env")
	fs, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, api.SubmitResponse{ID: "task-2", Status: engine.StatusPending})
	})

	if _, err := run(t, "--server", srv.URL, "submit", "--address", "10.0.0.2", "--username", "admin"); err != nil {
		t.Fatal(err)
	}
	var body api.SubmitRequest
	if err := json.Unmarshal(fs.last().Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Username != "admin" || body.Password != "from-env" {
		t.Errorf("inline credentials = %q/%q", body.Username, body.Password)
	}
}

func TestSubmitAndWait(t *testing.T) {
	fs, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusAccepted, api.SubmitResponse{ID: "task-1", Status: engine.StatusPending})
			return
		}
		writeJSON(w, http.StatusOK, sampleTask())
	})

	out, err := run(t, "--server", srv.URL, "submit", "--address", "10.0.0.1", "--credential-ref", "lab/core", "--wait", "30s")
	if err != nil {
		t.Fatal(err)
	}
	if got := fs.last(); got.Path != "/onboarding/task-1/" || got.Query != "wait=30s" {
		t.Errorf("wait request = %s?%s", got.Path, got.Query)
	}
	for _, want := range []string{"task-1", "SUCCEEDED", "core1", "FOC123", "cisco_ios"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	_, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sampleTask())
	})

	out, err := run(t, "--server", srv.URL, "--json", "status", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	var task engine.Task
	if err := json.Unmarshal([]byte(out), &task); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if task.ID != "task-1" || task.Result.Facts.Serial != "FOC123" {
		t.Errorf("task = %+v", task)
	}
}

func TestStatusNotFound(t *testing.T) {
	_, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, api.ErrorBody{Error: api.ErrorDetail{Kind: engine.KindNotFound, Message: "task missing"}})
	})

	_, err := run(t, "--server", srv.URL, "status", "missing")
	if !engine.IsKind(err, engine.KindNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestListFilter(t *testing.T) {
	pending := sampleTask()
	pending.ID = "task-2"
	pending.Status = engine.StatusPending
	pending.Result = nil

	_, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.TaskList{Count: 2, Tasks: []*engine.Task{sampleTask(), pending}})
	})

	out, err := run(t, "--server", srv.URL, "list", "--status", "PENDING")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "task-2") || strings.Contains(out, "task-1") {
		t.Errorf("filtered output:\n%s", out)
	}
	if !strings.Contains(out, "1 task(s)") {
		t.Errorf("missing count:\n%s", out)
	}

	if _, err := run(t, "--server", srv.URL, "list", "--status", "DONE"); err == nil {
		t.Error("expected error for invalid status filter")
	}
}

func TestCancelConflict(t *testing.T) {
	fs, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, api.ErrorBody{Error: api.ErrorDetail{Kind: engine.KindConflict, Message: "task already finished"}})
	})

	_, err := run(t, "--server", srv.URL, "cancel", "task-1")
	if !engine.IsKind(err, engine.KindConflict) {
		t.Fatalf("error = %v, want conflict", err)
	}
	if got := fs.last(); got.Method != http.MethodPost || got.Path != "/onboarding/task-1/cancel/" {
		t.Errorf("request = %s %s", got.Method, got.Path)
	}
}

func TestDelete(t *testing.T) {
	fs, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if _, err := run(t, "--server", srv.URL, "delete", "task-1"); err != nil {
		t.Fatal(err)
	}
	if got := fs.last(); got.Method != http.MethodDelete || got.Path != "/onboarding/task-1/" {
		t.Errorf("request = %s %s", got.Method, got.Path)
	}
}

func TestDrivers(t *testing.T) {
	_, srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.DriverList{Drivers: []engine.Descriptor{
			{Platform: "cisco_ios", Vendor: "Cisco", Transport: "ssh", Capabilities: []engine.Capability{"get_facts", "detect"}},
		}})
	})

	out, err := run(t, "--server", srv.URL, "drivers")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "cisco_ios") || !strings.Contains(out, "get_facts,detect") {
		t.Errorf("output:\n%s", out)
	}
}

func TestValidateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netonboard.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen: 127.0.0.1:9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "-c", path, "--json", "validate")
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got["valid"] != true {
		t.Errorf("valid = %v", got["valid"])
	}
	if n, _ := got["mappers"].(float64); n < 1 {
		t.Errorf("mappers = %v, want built-ins", got["mappers"])
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netonboard.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: redis\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "-c", path, "validate"); !engine.IsKind(err, engine.KindValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestMigrateSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	t.Setenv("NETONBOARD_DB", dbPath)

	if _, err := run(t, "migrate"); err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}
