package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/drivers/snmp"
	"github.com/openfroyo/netonboard/pkg/drivers/wasmplugin"
	"github.com/openfroyo/netonboard/pkg/engine"
	"github.com/openfroyo/netonboard/pkg/events"
	"github.com/openfroyo/netonboard/pkg/stores"
	"github.com/openfroyo/netonboard/pkg/telemetry"
)

// Environment variables applied on top of the file.
const (
	EnvListen     = "NETONBOARD_LISTEN"
	EnvMaxWorkers = "NETONBOARD_MAX_WORKERS"
	EnvDB         = "NETONBOARD_DB"
	EnvNATSURL    = "NETONBOARD_NATS_URL"
	EnvLogLevel   = "LOG_LEVEL"
)

// Config is the service configuration.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Orchestrator engine.OrchestratorConfig `yaml:"orchestrator"`
	Store        StoreConfig               `yaml:"store"`
	Inventory    InventoryConfig           `yaml:"inventory"`
	Detector     DetectorConfig            `yaml:"detector"`
	Drivers      DriversConfig             `yaml:"drivers"`
	Credentials  CredentialsConfig         `yaml:"credentials"`
	Policy       PolicyConfig              `yaml:"policy"`
	Events       EventsConfig              `yaml:"events"`
	Telemetry    *telemetry.Config         `yaml:"telemetry" validate:"required"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen            string        `yaml:"listen" validate:"required,hostname_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"min=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"min=0"`

	// MaxWait caps the ?wait long-poll on task reads.
	MaxWait time.Duration `yaml:"max_wait" validate:"min=0"`
}

// StoreConfig selects the task store.
type StoreConfig struct {
	Driver string        `yaml:"driver" validate:"oneof=memory sqlite"`
	SQLite stores.Config `yaml:"sqlite"`
}

// InventoryConfig selects where onboarded devices are recorded.
type InventoryConfig struct {
	// Driver is none, sqlite (shares the task store database) or postgres.
	Driver   string                 `yaml:"driver" validate:"oneof=none sqlite postgres"`
	Postgres *stores.PostgresConfig `yaml:"postgres" validate:"required_if=Driver postgres"`
}

// DetectorConfig configures platform detection.
type DetectorConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"min=0"`
	Probes       []string      `yaml:"probes" validate:"dive,oneof=ssh_banner snmp nmap"`
	SNMP         snmp.Options  `yaml:"snmp"`
	NmapPorts    []int         `yaml:"nmap_ports" validate:"dive,min=1,max=65535"`
}

// ProbeEnabled reports whether the named probe is configured.
func (d DetectorConfig) ProbeEnabled(name string) bool {
	for _, p := range d.Probes {
		if p == name {
			return true
		}
	}
	return false
}

// DriversConfig configures the built-in drivers and plugin discovery.
type DriversConfig struct {
	SSH drivers.SSHOptions `yaml:"ssh"`

	// MapperDir holds extra command mapper YAML files for sshcli platforms.
	MapperDir string `yaml:"mapper_dir"`

	// PluginDir holds WASM driver plugins.
	PluginDir string                `yaml:"plugin_dir"`
	Plugins   wasmplugin.HostConfig `yaml:"plugins"`

	// LinuxFlavors limits the linuxnos platforms registered; empty means all.
	LinuxFlavors []string `yaml:"linux_flavors"`
}

// CredentialsConfig configures credential resolution. Providers are tried in
// the order inline, file, environment.
type CredentialsConfig struct {
	File      string        `yaml:"file"`
	Watch     bool          `yaml:"watch"`
	EnvPrefix string        `yaml:"env_prefix"`
	InlineTTL time.Duration `yaml:"inline_ttl" validate:"min=0"`
}

// PolicyConfig configures request admission.
type PolicyConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Builtins  bool     `yaml:"builtins"`
	Paths     []string `yaml:"paths"`
	DenyCIDRs []string `yaml:"deny_cidrs" validate:"dive,cidr"`
	Watch     bool     `yaml:"watch"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	Log       bool            `yaml:"log"`
	MinLevel  string          `yaml:"min_level" validate:"omitempty,oneof=info warning error"`
	JetStream JetStreamConfig `yaml:"jetstream"`
}

// JetStreamConfig enables the NATS JetStream publisher.
type JetStreamConfig struct {
	Enabled                bool `yaml:"enabled"`
	events.JetStreamConfig `yaml:",inline"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            "127.0.0.1:8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxWait:           60 * time.Second,
		},
		Orchestrator: engine.DefaultOrchestratorConfig(),
		Store: StoreConfig{
			Driver: "memory",
			SQLite: stores.Config{
				Path:         "netonboard.db",
				MaxOpenConns: 1,
				BusyTimeout:  5 * time.Second,
			},
		},
		Inventory: InventoryConfig{Driver: "none"},
		Detector: DetectorConfig{
			ProbeTimeout: 5 * time.Second,
			Probes:       []string{"ssh_banner", "snmp"},
			SNMP:         snmp.DefaultOptions(),
		},
		Drivers: DriversConfig{
			SSH:     drivers.DefaultSSHOptions(),
			Plugins: wasmplugin.DefaultHostConfig(),
		},
		Credentials: CredentialsConfig{
			EnvPrefix: "NETONBOARD_CRED_",
			InlineTTL: time.Hour,
		},
		Policy: PolicyConfig{
			Enabled:  true,
			Builtins: true,
		},
		Events: EventsConfig{
			Log:       true,
			MinLevel:  "info",
			JetStream: JetStreamConfig{JetStreamConfig: events.DefaultJetStreamConfig()},
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads a YAML or CUE file over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Decode(cfg, path, data); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges a document into cfg. Files ending in .cue are evaluated with
// CUE and must be concrete; anything else is YAML.
func Decode(cfg *Config, name string, data []byte) error {
	if strings.EqualFold(filepath.Ext(name), ".cue") {
		exported, err := exportCUE(name, data)
		if err != nil {
			return err
		}
		data = exported
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", name, err)
	}
	return nil
}

// exportCUE evaluates a CUE document to JSON, which the YAML decoder accepts.
func exportCUE(name string, data []byte) ([]byte, error) {
	val := cuecontext.New().CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config %s: %s", name, errors.Details(err, nil))
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("config %s is not concrete: %s", name, errors.Details(err, nil))
	}
	out, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export config %s: %w", name, err)
	}
	return out, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Server.Listen = v
	}
	if v, ok := lookup(EnvMaxWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxWorkers, v, err)
		}
		c.Orchestrator.Pool.MaxWorkers = n
	}
	if v, ok := lookup(EnvDB); ok && v != "" {
		c.Store.Driver = "sqlite"
		c.Store.SQLite.Path = v
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.Events.JetStream.Enabled = true
		c.Events.JetStream.URL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
	return nil
}

// Validate checks struct constraints and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return engine.NewValidationError(fmt.Sprintf("invalid configuration: %v", err), err).
			WithOperation("load_config")
	}
	if c.Inventory.Driver == "sqlite" && c.Store.Driver != "sqlite" {
		return engine.NewValidationError("sqlite inventory requires the sqlite task store", nil).
			WithOperation("load_config")
	}
	if c.Events.JetStream.Enabled && c.Events.JetStream.URL == "" {
		return engine.NewValidationError("jetstream events require a url", nil).
			WithOperation("load_config")
	}
	return c.Telemetry.Validate()
}
