package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/netonboard/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != len(GetBuiltinPolicies()) {
		t.Fatalf("Expected %d built-in policies, got %d", len(GetBuiltinPolicies()), len(policies))
	}
	if policies[0].Name != "address-denylist" {
		t.Errorf("Expected policies sorted by name, first is %s", policies[0].Name)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	eng := newTestEngine(t, WithDenyCIDRs([]string{"192.168.0.0/16"}))

	tests := []struct {
		name          string
		req           engine.Request
		expectAllowed bool
		expectField   string
		expectWarning bool
	}{
		{
			name:          "plain device",
			req:           engine.Request{Address: "10.0.0.1", Port: 22, Tags: []string{"site=lab", "core"}},
			expectAllowed: true,
		},
		{
			name:          "loopback",
			req:           engine.Request{Address: "127.0.0.1", Port: 22},
			expectAllowed: false,
			expectField:   "address",
		},
		{
			name:          "localhost",
			req:           engine.Request{Address: "LocalHost", Port: 22},
			expectAllowed: false,
			expectField:   "address",
		},
		{
			name:          "denied range",
			req:           engine.Request{Address: "192.168.4.20", Port: 22},
			expectAllowed: false,
			expectField:   "address",
		},
		{
			name:          "hostname skips range check",
			req:           engine.Request{Address: "core1.lab", Port: 22},
			expectAllowed: true,
		},
		{
			name:          "uppercase tag key",
			req:           engine.Request{Address: "10.0.0.1", Port: 22, Tags: []string{"Site=lab"}},
			expectAllowed: false,
			expectField:   "tags",
		},
		{
			name:          "unusual port warns",
			req:           engine.Request{Address: "10.0.0.1", Port: 8022},
			expectAllowed: true,
			expectWarning: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (%+v)", tt.expectAllowed, decision.Allowed, decision.Violations)
			}
			if tt.expectField != "" {
				found := false
				for _, v := range decision.Violations {
					if v.Field == tt.expectField {
						found = true
					}
				}
				if !found {
					t.Errorf("Expected a violation on %s, got %+v", tt.expectField, decision.Violations)
				}
			}
			if hasWarning := len(decision.Warnings) > 0; hasWarning != tt.expectWarning {
				t.Errorf("Expected warning=%v, got %v", tt.expectWarning, decision.Warnings)
			}
			if len(decision.EvaluatedPolicies) != 3 {
				t.Errorf("Expected 3 evaluated policies, got %v", decision.EvaluatedPolicies)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.Admit(context.Background(), engine.Request{Address: "10.0.0.1", Port: 22}); err != nil {
		t.Fatalf("Expected request to be admitted, got %v", err)
	}

	err := eng.Admit(context.Background(), engine.Request{Address: "127.0.0.1", Port: 22})
	if err == nil {
		t.Fatal("Expected loopback request to be denied")
	}

	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected *engine.EngineError, got %T", err)
	}
	if engErr.Kind != engine.KindValidation {
		t.Errorf("Expected ValidationError, got %s", engErr.Kind)
	}
	if engErr.Code != engine.ErrCodePolicyDenied {
		t.Errorf("Expected code %s, got %s", engine.ErrCodePolicyDenied, engErr.Code)
	}
	if !strings.Contains(engErr.Message, "loopback") {
		t.Errorf("Expected message to mention loopback, got %q", engErr.Message)
	}
	if engine.IsRetryable(err) {
		t.Error("Policy denial must not be retryable")
	}
}

func TestAdmit_WarningDoesNotBlock(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.Admit(context.Background(), engine.Request{Address: "10.0.0.1", Port: 9999}); err != nil {
		t.Fatalf("Warning severity must not block admission: %v", err)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("address-denylist"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if err := eng.Admit(context.Background(), engine.Request{Address: "127.0.0.1", Port: 22}); err != nil {
		t.Errorf("Expected disabled policy to be skipped, got %v", err)
	}

	if err := eng.EnablePolicy("address-denylist"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := eng.Admit(context.Background(), engine.Request{Address: "127.0.0.1", Port: 22}); err == nil {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := eng.DisablePolicy("missing"); !engine.IsKind(err, engine.KindNotFound) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

const sitePolicy = `# Only lab devices.
# severity: error
package custom.site

import rego.v1

deny contains violation if {
	input.request.location != "lab"
	violation := {"message": "only lab devices", "field": "location"}
}
`

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "site.rego"), []byte(sitePolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("site")
	if err != nil {
		t.Fatalf("Expected loaded policy: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity from header, got %s", p.Severity)
	}

	if err := eng.Admit(context.Background(), engine.Request{Address: "10.0.0.1", Port: 22, Location: "lab"}); err != nil {
		t.Errorf("Expected lab device to be admitted, got %v", err)
	}
	if err := eng.Admit(context.Background(), engine.Request{Address: "10.0.0.1", Port: 22, Location: "dc1"}); err == nil {
		t.Error("Expected non-lab device to be denied")
	}
}

func TestLoadPolicies_InvalidRego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Fatal("Expected compile error")
	}
}

func TestReplaceKeepsPreviousOnFailure(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())

	good := Policy{Name: "site", Rego: sitePolicy, Severity: SeverityError, Enabled: true}
	if err := eng.Replace(context.Background(), []Policy{good}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	bad := Policy{Name: "bad", Rego: "package bad\n\ndeny contains", Enabled: true}
	if err := eng.Replace(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("Expected Replace to fail")
	}

	if _, err := eng.GetPolicy("site"); err != nil {
		t.Errorf("Expected previous set to survive a failed replace: %v", err)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, WithoutBuiltins())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	req := engine.Request{Address: "10.0.0.1", Port: 22, Location: "dc1"}
	if err := eng.Admit(ctx, req); err != nil {
		t.Fatalf("Expected empty policy set to admit, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "site.rego"), []byte(sitePolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := eng.Admit(ctx, req); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected reloaded policy to deny the request")
}
