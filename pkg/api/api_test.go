package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/netonboard/pkg/credentials"
	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/engine"
	"github.com/openfroyo/netonboard/pkg/stores"
	"github.com/openfroyo/netonboard/pkg/telemetry"
)

// stubDriver returns fixed facts and records the credentials it saw.
type stubDriver struct {
	mu    sync.Mutex
	seen  []engine.Credentials
	block chan struct{}
}

func (d *stubDriver) Open(ctx context.Context, _ engine.Target, creds engine.Credentials) (engine.Session, error) {
	d.mu.Lock()
	d.seen = append(d.seen, creds)
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, engine.NewCancelledError("open interrupted")
		}
	}
	return "session", nil
}

func (d *stubDriver) GetFacts(context.Context, engine.Session) (*engine.DeviceFacts, error) {
	return &engine.DeviceFacts{Serial: "SN123", Model: "X1", OSVersion: "1.2.3"}, nil
}

func (d *stubDriver) Close(engine.Session) {}

func (d *stubDriver) credentials() []engine.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.Credentials(nil), d.seen...)
}

// syncBuffer is a bytes.Buffer safe for the server goroutines to write.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	server *httptest.Server
	client *Client
	orch   *engine.Orchestrator
	vault  *credentials.Vault
	driver *stubDriver
	logs   *syncBuffer
}

func newTestEnv(t *testing.T, block bool) *testEnv {
	t.Helper()

	driver := &stubDriver{}
	if block {
		driver.block = make(chan struct{})
	}
	registry := drivers.NewRegistry()
	registry.MustRegister(engine.Descriptor{Platform: "vendor_a", Vendor: "A", Transport: "ssh"}, driver)
	registry.Seal()

	vault := credentials.NewVault(time.Hour)
	store := stores.NewMemoryTaskStore()

	cfg := engine.DefaultOrchestratorConfig()
	cfg.Pool.MaxWorkers = 2
	cfg.Pool.PerAttemptTimeout = 5 * time.Second
	cfg.DeleteGrace = time.Second

	orch, err := engine.NewOrchestrator(cfg, engine.Dependencies{
		Store:       store,
		Drivers:     registry,
		Credentials: credentials.Chain{vault},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "netonboard", "test", "test", nil)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	srv := NewServer(orch, Options{
		Drivers: registry,
		Vault:   vault,
		Health:  store,
		Metrics: metrics.Handler(),
		Tracer:  tracer,
		Logger:  &logger,
		MaxWait: 5 * time.Second,
	})
	ts := httptest.NewServer(srv)

	env := &testEnv{
		server: ts,
		client: NewClient(ts.URL),
		orch:   orch,
		vault:  vault,
		driver: driver,
		logs:   logs,
	}
	t.Cleanup(func() {
		if driver.block != nil {
			select {
			case <-driver.block:
			default:
				close(driver.block)
			}
		}
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return env
}

func decodeErrorBody(t *testing.T, resp *http.Response) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	return body
}

func TestSubmitAndWait(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	resp, err := env.client.Submit(ctx, SubmitRequest{
		Request:  engine.Request{Address: "10.0.0.1", Platform: "vendor_a"},
		Username: "admin",
		Password: "s3cret",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.ID == "" || resp.Status != engine.StatusPending {
		t.Fatalf("Unexpected submit response: %+v", resp)
	}

	task, err := env.client.Get(ctx, resp.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != engine.StatusSucceeded {
		t.Fatalf("Expected SUCCEEDED, got %s (%+v)", task.Status, task.Failure)
	}
	if task.Result.Facts.Serial != "SN123" {
		t.Errorf("Serial = %s, want SN123", task.Result.Facts.Serial)
	}
	if !strings.HasPrefix(task.Request.CredentialRef, credentials.InlinePrefix) {
		t.Errorf("Task should carry an inline reference, got %q", task.Request.CredentialRef)
	}

	seen := env.driver.credentials()
	if len(seen) != 1 || seen[0].Username != "admin" || seen[0].Password != "s3cret" {
		t.Errorf("Driver saw %+v", seen)
	}

	raw, err := http.Get(env.server.URL + "/onboarding/" + resp.ID + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer raw.Body.Close()
	var generic map[string]interface{}
	if err := json.NewDecoder(raw.Body).Decode(&generic); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	encoded, _ := json.Marshal(generic)
	if strings.Contains(string(encoded), "s3cret") {
		t.Error("Task record must never contain the raw password")
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"address":`},
		{"unknown field", `{"address":"10.0.0.1","credential_ref":"lab","colour":"red"}`},
		{"missing address", `{"credential_ref":"lab"}`},
		{"missing credentials", `{"address":"10.0.0.1"}`},
		{"bad port", `{"address":"10.0.0.1","port":70000,"credential_ref":"lab"}`},
		{"ref and inline", `{"address":"10.0.0.1","credential_ref":"lab","username":"admin"}`},
		{"unknown platform", `{"address":"10.0.0.1","credential_ref":"lab","platform":"nope"}`},
		{"two objects", `{"address":"10.0.0.1","credential_ref":"lab"}{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.server.URL+"/onboarding/", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", resp.StatusCode)
			}
			body := decodeErrorBody(t, resp)
			if body.Error.Kind != engine.KindValidation {
				t.Errorf("Expected ValidationError, got %s", body.Error.Kind)
			}
		})
	}

	if env.vault.Len() != 0 {
		t.Errorf("Rejected submissions must not leave inline credentials behind, vault has %d", env.vault.Len())
	}
}

func TestGetUnknownTask(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.client.Get(context.Background(), "missing", 0)
	if !engine.IsKind(err, engine.KindNotFound) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}

	_, err = env.client.Get(context.Background(), "missing", time.Second)
	if !engine.IsKind(err, engine.KindNotFound) {
		t.Fatalf("Expected NotFoundError with wait, got %v", err)
	}
}

func TestGetInvalidWait(t *testing.T) {
	env := newTestEnv(t, false)

	resp, err := http.Get(env.server.URL + "/onboarding/any/?wait=soon")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	resp, err := env.client.Submit(ctx, SubmitRequest{
		Request:  engine.Request{Address: "10.0.0.1", Platform: "vendor_a"},
		Username: "admin",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := env.client.Get(ctx, resp.ID, 5*time.Second); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := env.client.Delete(ctx, resp.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if env.vault.Len() != 0 {
		t.Errorf("Delete should forget the inline credential, vault has %d", env.vault.Len())
	}

	err = env.client.Delete(ctx, resp.ID)
	if !engine.IsKind(err, engine.KindNotFound) {
		t.Fatalf("Second delete should be NotFoundError, got %v", err)
	}
}

func TestDeleteRunningTask(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	resp, err := env.client.Submit(ctx, SubmitRequest{
		Request:  engine.Request{Address: "10.0.0.1", Platform: "vendor_a"},
		Username: "admin",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(env.driver.credentials()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Task never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/onboarding/"+resp.ID+"/", nil)
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", raw.StatusCode)
	}

	if _, err := env.orch.Status(ctx, resp.ID); !engine.IsKind(err, engine.KindNotFound) {
		t.Fatalf("Record should be gone, got %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	resp, err := env.client.Submit(ctx, SubmitRequest{
		Request:  engine.Request{Address: "10.0.0.1", Platform: "vendor_a"},
		Username: "admin",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := env.client.Cancel(ctx, resp.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	task, err := env.client.Get(ctx, resp.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != engine.StatusFailed || task.Failure.Kind != engine.KindCancelled {
		t.Fatalf("Expected FAILED(Cancelled), got %s %+v", task.Status, task.Failure)
	}

	err = env.client.Cancel(ctx, resp.ID)
	if !engine.IsKind(err, engine.KindConflict) {
		t.Fatalf("Cancelling a terminal task should conflict, got %v", err)
	}

	err = env.client.Cancel(ctx, "missing")
	if !engine.IsKind(err, engine.KindNotFound) {
		t.Fatalf("Cancelling an unknown task should be NotFoundError, got %v", err)
	}
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	tasks, err := env.client.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("Expected empty list, got %d", len(tasks))
	}

	var ids []string
	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		resp, err := env.client.Submit(ctx, SubmitRequest{
			Request:  engine.Request{Address: addr, Platform: "vendor_a"},
			Username: "admin",
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, resp.ID)
	}

	tasks, err = env.client.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != len(ids) {
		t.Fatalf("Expected %d tasks, got %d", len(ids), len(tasks))
	}
	for i, task := range tasks {
		if task.ID != ids[i] {
			t.Errorf("tasks[%d] = %s, want %s", i, task.ID, ids[i])
		}
	}
}

func TestDriversAndHealth(t *testing.T) {
	env := newTestEnv(t, false)

	descs, err := env.client.Drivers(context.Background())
	if err != nil {
		t.Fatalf("Drivers failed: %v", err)
	}
	if len(descs) != 1 || descs[0].Platform != "vendor_a" {
		t.Errorf("Unexpected drivers: %+v", descs)
	}

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /healthz, got %d", resp.StatusCode)
	}

	resp, err = http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

func TestRouting(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		kind   engine.Kind
	}{
		{"unknown route", http.MethodGet, "/devices/", http.StatusNotFound, engine.KindNotFound},
		{"missing trailing slash", http.MethodGet, "/onboarding/abc", http.StatusNotFound, engine.KindNotFound},
		{"task id routed", http.MethodGet, "/onboarding/abc/", http.StatusNotFound, engine.KindNotFound},
		{"wrong method on collection", http.MethodPut, "/onboarding/", http.StatusMethodNotAllowed, engine.KindValidation},
		{"wrong method on cancel", http.MethodGet, "/onboarding/abc/cancel/", http.StatusMethodNotAllowed, engine.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, env.server.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s failed: %v", tt.method, tt.path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Fatalf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
			if body := decodeErrorBody(t, resp); body.Error.Kind != tt.kind {
				t.Errorf("Expected %s body, got %+v", tt.kind, body.Error)
			}
		})
	}
}

func TestAccessLog(t *testing.T) {
	env := newTestEnv(t, false)

	resp, err := http.Get(env.server.URL + "/onboarding/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if !strings.Contains(env.logs.String(), `"path":"/onboarding/"`) {
		t.Errorf("Expected access log line, got %s", env.logs.String())
	}
}

// fakeOrchestrator returns canned errors for status mapping tests.
type fakeOrchestrator struct {
	mu  sync.Mutex
	err error
}

func (f *fakeOrchestrator) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeOrchestrator) Submit(context.Context, engine.Request) (string, error) {
	return "", f.fail()
}

func (f *fakeOrchestrator) Status(context.Context, string) (*engine.Task, error) {
	return nil, f.fail()
}

func (f *fakeOrchestrator) List(context.Context) ([]*engine.Task, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	panic("list exploded")
}

func (f *fakeOrchestrator) Wait(context.Context, string) (*engine.Task, error) {
	return nil, f.fail()
}

func (f *fakeOrchestrator) Cancel(context.Context, string) error {
	return f.fail()
}

func (f *fakeOrchestrator) CancelOrDelete(context.Context, string) error {
	return f.fail()
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   engine.Kind
	}{
		{"throttled", engine.NewThrottledError("queue full", nil), http.StatusTooManyRequests, engine.KindThrottled},
		{"policy denied", engine.NewValidationError("denied", nil).WithCode(engine.ErrCodePolicyDenied), http.StatusBadRequest, engine.KindValidation},
		{"persistence", engine.NewPersistenceError("disk full", nil), http.StatusInternalServerError, engine.KindPersistence},
		{"wrapped", errors.New("plain failure"), http.StatusInternalServerError, engine.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeOrchestrator{err: tt.err}
			srv := NewServer(fake, Options{})

			rec := httptest.NewRecorder()
			body := `{"address":"10.0.0.1","credential_ref":"lab"}`
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/onboarding/", strings.NewReader(body)))

			if rec.Code != tt.status {
				t.Fatalf("Expected %d, got %d", tt.status, rec.Code)
			}
			var out ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if out.Error.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", out.Error.Kind, tt.kind)
			}
			if tt.kind == engine.KindInternal && strings.Contains(out.Error.Message, "plain failure") {
				t.Error("Internal error details must not leak")
			}
		})
	}
}

func TestPolicyCodeRoundTrip(t *testing.T) {
	fake := &fakeOrchestrator{err: engine.NewValidationError("request denied by policy", nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", []string{"loopback"})}
	ts := httptest.NewServer(NewServer(fake, Options{}))
	defer ts.Close()

	_, err := NewClient(ts.URL).Submit(context.Background(), SubmitRequest{
		Request: engine.Request{Address: "127.0.0.1", CredentialRef: "lab"},
	})
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected EngineError, got %v", err)
	}
	if ee.Code != engine.ErrCodePolicyDenied || ee.Details["violations"] == nil {
		t.Errorf("Unexpected error: %+v", ee)
	}
}

func TestRecoverer(t *testing.T) {
	srv := NewServer(&fakeOrchestrator{}, Options{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/onboarding/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500 after panic, got %d", rec.Code)
	}
}

func TestInlineCredentialsDisabled(t *testing.T) {
	srv := NewServer(&fakeOrchestrator{}, Options{})

	rec := httptest.NewRecorder()
	body := `{"address":"10.0.0.1","username":"admin","password":"x"}`
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/onboarding/", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"5s", 5 * time.Second, false},
		{"10", 10 * time.Second, false},
		{"10m", time.Minute, false},
		{"-1s", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := parseWait(tt.raw, time.Minute)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWait(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseWait(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestStatusCode(t *testing.T) {
	if StatusCode(engine.KindConflict) != http.StatusConflict {
		t.Error("Conflict should map to 409")
	}
	if StatusCode(engine.KindAuth) != http.StatusInternalServerError {
		t.Error("Unmapped kinds should be 500")
	}
}
