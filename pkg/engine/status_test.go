package engine

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	all := []TaskStatus{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}
	allowed := map[[2]TaskStatus]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusFailed}:    true,
		{StatusRunning, StatusSucceeded}: true,
		{StatusRunning, StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := ValidTransition(from, to); got != allowed[[2]TaskStatus{from, to}] {
				t.Errorf("ValidTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusPending.IsActive() || !StatusRunning.IsActive() || StatusFailed.IsActive() {
		t.Error("unexpected IsActive")
	}
	if !StatusSucceeded.IsTerminal() || !StatusFailed.IsTerminal() || StatusRunning.IsTerminal() {
		t.Error("unexpected IsTerminal")
	}
}

func TestStatusJSON(t *testing.T) {
	var s TaskStatus
	if err := json.Unmarshal([]byte(`"RUNNING"`), &s); err != nil || s != StatusRunning {
		t.Errorf("expected RUNNING, got %s (%v)", s, err)
	}
	if err := json.Unmarshal([]byte(`"DONE"`), &s); err == nil {
		t.Error("expected unknown status to be rejected")
	}
}

func TestEventSeverity(t *testing.T) {
	if EventTaskFailed.Severity() != "error" || EventTaskRetrying.Severity() != "warning" || EventTaskSucceeded.Severity() != "info" {
		t.Error("unexpected severities")
	}
}

func TestNormalizeAndValidateRequest(t *testing.T) {
	req := NormalizeRequest(Request{
		Address:       " 10.0.0.1 ",
		Platform:      " Cisco_IOS ",
		Protocol:      "SSH",
		CredentialRef: " vault:net/lab ",
	})
	if req.Address != "10.0.0.1" || req.Platform != "cisco_ios" || req.Protocol != "ssh" || req.Port != DefaultPort {
		t.Errorf("unexpected normalized request: %+v", req)
	}
	if err := ValidateRequest(NewValidator(), req); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	err := ValidateRequest(NewValidator(), NormalizeRequest(Request{Address: "bad host", Timeout: -1}))
	if !IsKind(err, KindValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	var e *EngineError
	e, _ = err.(*EngineError)
	fields, _ := e.Details["fields"].(map[string]interface{})
	for _, f := range []string{"address", "credential_ref", "timeout"} {
		if _, ok := fields[f]; !ok {
			t.Errorf("expected field %s in %v", f, fields)
		}
	}
}

func TestRequestFieldRules(t *testing.T) {
	long := "a" + strings.Repeat("b", 255)
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"ssh protocol", Request{Protocol: "ssh"}, ""},
		{"snmp protocol", Request{Protocol: "snmp"}, ""},
		{"sftp protocol", Request{Protocol: "sftp"}, "protocol"},
		{"inline ref", Request{CredentialRef: "inline:4f1c2a9e-0d7b-4c1e-9a51-2b8f6c3d7e10"}, ""},
		{"user at site ref", Request{CredentialRef: "netops@dc1/core"}, ""},
		{"leading separator", Request{CredentialRef: "/core"}, "credential_ref"},
		{"ref too long", Request{CredentialRef: long}, "credential_ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Address = "10.0.0.1"
			if req.CredentialRef == "" {
				req.CredentialRef = "lab"
			}
			err := ValidateRequest(NewValidator(), NormalizeRequest(req))
			if tt.field == "" {
				if err != nil {
					t.Errorf("expected valid request, got %v", err)
				}
				return
			}
			e, ok := err.(*EngineError)
			if !ok {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			fields, _ := e.Details["fields"].(map[string]interface{})
			if _, ok := fields[tt.field]; !ok {
				t.Errorf("expected field %s in %v", tt.field, fields)
			}
		})
	}
}

func TestAttemptTimeout(t *testing.T) {
	tests := []struct {
		timeout  int
		fallback time.Duration
		want     time.Duration
	}{
		{0, 30 * time.Second, 30 * time.Second},
		{10, 30 * time.Second, 10 * time.Second},
		{60, 30 * time.Second, 30 * time.Second},
		{10, 0, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := (Request{Timeout: tt.timeout}).AttemptTimeout(tt.fallback); got != tt.want {
			t.Errorf("AttemptTimeout(%d, %v) = %v, want %v", tt.timeout, tt.fallback, got, tt.want)
		}
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:      "t1",
		Request: Request{Tags: []string{"core"}},
		Result: &Result{
			Facts:    &DeviceFacts{Serial: "S", Interfaces: []ManagementInterface{{Name: "mgmt0"}}},
			Warnings: []Warning{{Kind: KindPersistence}},
		},
	}
	c := orig.Clone()
	c.Request.Tags[0] = "edge"
	c.Result.Facts.Serial = "X"
	c.Result.Facts.Interfaces[0].Name = "eth0"
	c.Result.Warnings[0].Message = "changed"

	if orig.Request.Tags[0] != "core" || orig.Result.Facts.Serial != "S" ||
		orig.Result.Facts.Interfaces[0].Name != "mgmt0" || orig.Result.Warnings[0].Message != "" {
		t.Errorf("clone aliases the original: %+v", orig)
	}
	if (*Task)(nil).Clone() != nil {
		t.Error("expected nil clone of nil task")
	}
}

func TestCancelToken(t *testing.T) {
	tok := NewCancelToken(t.Context())
	if tok.Cancelled() {
		t.Fatal("new token must not be cancelled")
	}
	tok.Cancel()
	tok.Cancel()
	if !tok.Cancelled() || tok.Context().Err() == nil {
		t.Error("expected token and context to be cancelled")
	}
	select {
	case <-tok.Done():
	default:
		t.Error("expected Done to be closed")
	}

	released := NewCancelToken(t.Context())
	released.release()
	if released.Cancelled() {
		t.Error("release must not mark the token cancelled")
	}
}
