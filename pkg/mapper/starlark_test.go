package mapper

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestPostProcessorBuiltins(t *testing.T) {
	script := `
def process(facts, outputs):
    facts["hostname"] = re_find("hostname (\\S+)", outputs["run"])
    facts["ports"] = len(lines(outputs["ports"]))
    pairs = re_findall("(\\w+)=(\\d+)", outputs["kv"])
    facts["kv"] = {k: v for k, v in pairs}
    return facts
`
	pp, err := NewPostProcessor("test", script, time.Second)
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}

	out, err := pp.Run(context.Background(), map[string]interface{}{"serial": "X"}, map[string]string{
		"run":   "!\nhostname core-1\n!",
		"ports": "eth0\n\n eth1 \n",
		"kv":    "a=1 b=2",
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if out["serial"] != "X" {
		t.Errorf("expected serial to pass through, got %v", out["serial"])
	}
	if out["hostname"] != "core-1" {
		t.Errorf("expected hostname core-1, got %v", out["hostname"])
	}
	if out["ports"] != int64(2) {
		t.Errorf("expected 2 ports, got %v", out["ports"])
	}
	kv, ok := out["kv"].(map[string]interface{})
	if !ok || kv["a"] != "1" || kv["b"] != "2" {
		t.Errorf("unexpected kv: %v", out["kv"])
	}
}

func TestPostProcessorErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"syntax error", "def process(:", "starlark execution failed"},
		{"missing process", "x = 1", "must define process"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPostProcessor("test", tt.script, time.Second)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	pp, err := NewPostProcessor("test", "def process(facts, outputs):\n    return 42\n", time.Second)
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	if _, err := pp.Run(context.Background(), map[string]interface{}{}, nil); err == nil {
		t.Error("expected error when process returns a non-dict")
	}
}

func TestPostProcessorTimeout(t *testing.T) {
	script := `
def process(facts, outputs):
    n = 0
    for i in range(100000000):
        n += i
    return facts
`
	pp, err := NewPostProcessor("spin", script, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}

	start := time.Now()
	_, err = pp.Run(context.Background(), map[string]interface{}{}, nil)
	if err == nil {
		t.Fatal("expected timeout or step-limit error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("post-processor was not interrupted, took %v", time.Since(start))
	}
}
