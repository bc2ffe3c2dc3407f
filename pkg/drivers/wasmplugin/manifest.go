package wasmplugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/netonboard/pkg/engine"
)

var (
	platformPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
	commandNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// Command is one CLI command whose output is handed to the parser.
type Command struct {
	Name    string `yaml:"name" validate:"required,alphanum_underscore"`
	Command string `yaml:"command" validate:"required"`
}

// Manifest describes a driver plugin.
type Manifest struct {
	// Platform is the registered platform identifier.
	Platform string `yaml:"platform" validate:"required,platform_id"`

	Vendor  string `yaml:"vendor" validate:"required"`
	Version string `yaml:"version"`

	// Entrypoint is the WebAssembly module, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the hex SHA-256 of the module. Empty skips verification.
	Checksum string `yaml:"checksum" validate:"omitempty,len=64,hexadecimal"`

	Commands []Command         `yaml:"commands" validate:"required,min=1,dive"`
	Match    engine.MatchRules `yaml:"match"`

	// Path is the manifest file the plugin was loaded from.
	Path string `yaml:"-"`
}

var manifestValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("platform_id", func(fl validator.FieldLevel) bool {
		return platformPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("alphanum_underscore", func(fl validator.FieldLevel) bool {
		return commandNamePattern.MatchString(fl.Field().String())
	})
	return v
}()

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := manifestValidator.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Commands))
	for _, c := range m.Commands {
		if seen[c.Name] {
			return nil, fmt.Errorf("invalid manifest: duplicate command name %q", c.Name)
		}
		seen[c.Name] = true
	}
	for _, rule := range []string{m.Match.SSHBanner, m.Match.SysDescr, m.Match.ServiceProduct} {
		if rule == "" {
			continue
		}
		if _, err := regexp.Compile(rule); err != nil {
			return nil, fmt.Errorf("invalid manifest: match expression %q: %w", rule, err)
		}
	}
	return &m, nil
}

// VerifyChecksum checks module against the manifest checksum.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(module)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, m.Checksum) {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", m.Entrypoint, m.Checksum, got)
	}
	return nil
}

// LoadManifestFile reads a manifest and its module from disk.
func LoadManifestFile(path string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path

	entry := m.Entrypoint
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(filepath.Dir(path), entry)
	}
	module, err := os.ReadFile(entry)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: failed to read module: %w", path, err)
	}
	if err := m.VerifyChecksum(module); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, module, nil
}

// manifestFiles lists *.yaml and *.yml files under dir in lexical order.
func manifestFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
