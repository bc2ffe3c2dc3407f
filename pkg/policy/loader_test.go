package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := writePolicyFile(t, t.TempDir(), "site.rego", sitePolicy)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "site" {
		t.Errorf("Expected name 'site', got '%s'", policy.Name)
	}
	if policy.Description != "Only lab devices." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadFromFile_Definitions(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		file     string
		content  string
		wantName string
		wantSev  Severity
		enabled  bool
	}{
		{
			name:     "json",
			file:     "ports.json",
			content:  `{"name": "ports", "severity": "critical", "rego": "package p\n\nimport rego.v1\n\ndeny contains \"x\" if { false }"}`,
			wantName: "ports",
			wantSev:  SeverityCritical,
			enabled:  true,
		},
		{
			name:     "yaml defaults",
			file:     "roles.yaml",
			content:  "rego: |\n  package r\n",
			wantName: "roles",
			wantSev:  SeverityWarning,
			enabled:  true,
		},
		{
			name:     "yaml disabled",
			file:     "off.yml",
			content:  "name: off\nenabled: false\nrego: |\n  package off\n",
			wantName: "off",
			wantSev:  SeverityWarning,
			enabled:  false,
		},
	}

	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePolicyFile(t, dir, tt.file, tt.content)

			policy, err := loader.loadFromFile(context.Background(), path)
			if err != nil {
				t.Fatalf("Failed to load policy: %v", err)
			}
			if policy.Name != tt.wantName {
				t.Errorf("Expected name %s, got %s", tt.wantName, policy.Name)
			}
			if policy.Severity != tt.wantSev {
				t.Errorf("Expected severity %s, got %s", tt.wantSev, policy.Severity)
			}
			if policy.Enabled != tt.enabled {
				t.Errorf("Expected enabled=%v, got %v", tt.enabled, policy.Enabled)
			}
		})
	}
}

func TestLoadFromFile_DefinitionWithoutRego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := writePolicyFile(t, t.TempDir(), "empty.json", `{"name": "empty"}`)

	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Fatal("Expected error for definition without rego")
	}
}

func TestLoadFromDirectory_SkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "site.rego", sitePolicy)
	writePolicyFile(t, dir, "broken.json", "{not json")
	writePolicyFile(t, dir, "README.md", "# notes")

	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	writePolicyFile(t, sub, "roles.yaml", "rego: |\n  package r\n")

	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPaths_Missing(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Fatal("Expected error for missing path")
	}
}

func TestLoadBundle(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), "bundle.json", `{
		"name": "site-bundle",
		"version": "1.2.0",
		"policies": [
			{"name": "a", "rego": "package a", "enabled": true},
			{"name": "b", "rego": "package b", "severity": "error", "enabled": true}
		]
	}`)

	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	bundle, err := loader.LoadBundle(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if bundle.Name != "site-bundle" || len(bundle.Policies) != 2 {
		t.Fatalf("Unexpected bundle %+v", bundle)
	}
	if bundle.Policies[0].Severity != SeverityWarning {
		t.Errorf("Expected default severity, got %s", bundle.Policies[0].Severity)
	}
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "site.rego", sitePolicy)

	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	writePolicyFile(t, dir, "site.rego", "package changed\n")
	cached, _ := loader.loadFromFile(context.Background(), path)
	if cached != first {
		t.Error("Expected cached policy")
	}

	loader.ClearCache()
	fresh, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if fresh.Rego != "package changed\n" {
		t.Error("Expected fresh content after ClearCache")
	}
}

func TestParseHeader(t *testing.T) {
	desc, sev := parseHeader("\n# First line\n#\n# severity: Critical\n# second\npackage x\n# trailing\n")
	if desc != "First line second" {
		t.Errorf("Unexpected description %q", desc)
	}
	if sev != SeverityCritical {
		t.Errorf("Expected critical, got %s", sev)
	}
}
