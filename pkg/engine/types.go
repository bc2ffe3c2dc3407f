package engine

import (
	"net"
	"strconv"
	"time"
)

// DefaultPort is the management port assumed when a request omits one.
const DefaultPort = 22

// Request holds the caller-supplied parameters of an onboarding task.
type Request struct {
	// Address is the management IP or hostname of the device.
	Address string `json:"address" yaml:"address" validate:"required,hostname_rfc1123|ip"`

	// Port is the management port.
	Port int `json:"port" yaml:"port" validate:"min=1,max=65535"`

	// Protocol optionally restricts detection to drivers using this transport.
	// The ssh hint also admits drivers that read files over SFTP.
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty" validate:"omitempty,oneof=ssh snmp"`

	// Platform optionally names the driver to use, bypassing detection.
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty" validate:"omitempty,platform_id"`

	// CredentialRef is the opaque handle resolved by the credential provider.
	CredentialRef string `json:"credential_ref" yaml:"credential_ref" validate:"required,credential_ref"`

	// Timeout overrides the per-attempt deadline in seconds; it is capped by the pool setting.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"min=0,max=3600"`

	// Location, Role, DeviceType and Tags are passed through to the inventory store.
	Location   string   `json:"location,omitempty" yaml:"location,omitempty" validate:"max=100"`
	Role       string   `json:"role,omitempty" yaml:"role,omitempty" validate:"max=100"`
	DeviceType string   `json:"device_type,omitempty" yaml:"device_type,omitempty" validate:"max=100"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty" validate:"max=32,dive,max=64"`
}

// Target returns the network endpoint the request points at.
func (r Request) Target() Target {
	return Target{Address: r.Address, Port: r.Port}
}

// AttemptTimeout returns the request's attempt deadline, or fallback when unset or larger.
func (r Request) AttemptTimeout(fallback time.Duration) time.Duration {
	if r.Timeout <= 0 {
		return fallback
	}
	d := time.Duration(r.Timeout) * time.Second
	if fallback > 0 && d > fallback {
		return fallback
	}
	return d
}

// Target is a device management endpoint.
type Target struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// String returns host:port.
func (t Target) String() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// Credentials are resolved secrets. They are never persisted.
type Credentials struct {
	Username string `json:"-"`
	Password string `json:"-"`

	// Secret is the enable/privileged secret, when the platform needs one.
	Secret string `json:"-"`

	// PrivateKey is a PEM encoded SSH key used instead of a password.
	PrivateKey []byte `json:"-"`

	// Community is the SNMPv2c community string.
	Community string `json:"-"`
}

// ManagementInterface is the interface carrying the management address.
type ManagementInterface struct {
	Name         string `json:"name"`
	Address      string `json:"address,omitempty"`
	PrefixLength int    `json:"prefix_length,omitempty"`
	MAC          string `json:"mac,omitempty"`
}

// DeviceFacts are the canonical attributes extracted from a device.
// A DeviceFacts value is never mutated once a driver returns it.
type DeviceFacts struct {
	Hostname   string                `json:"hostname,omitempty"`
	Vendor     string                `json:"vendor,omitempty"`
	Serial     string                `json:"serial"`
	Model      string                `json:"model"`
	OSVersion  string                `json:"os_version"`
	Interfaces []ManagementInterface `json:"interfaces,omitempty"`
}

// Clone returns a deep copy of the facts.
func (f *DeviceFacts) Clone() *DeviceFacts {
	if f == nil {
		return nil
	}
	out := *f
	if f.Interfaces != nil {
		out.Interfaces = append([]ManagementInterface(nil), f.Interfaces...)
	}
	return &out
}

// Warning is a non-fatal problem attached to a succeeded task.
type Warning struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Result is populated only on SUCCEEDED tasks.
type Result struct {
	// Platform is the identifier of the driver that produced the facts.
	Platform string `json:"platform"`

	Facts    *DeviceFacts `json:"facts"`
	Attempts int          `json:"attempts"`
	Warnings []Warning    `json:"warnings,omitempty"`
}

// Failure is populated only on FAILED tasks.
type Failure struct {
	Kind     Kind         `json:"kind"`
	Reason   FailedReason `json:"reason"`
	Message  string       `json:"message"`
	Platform string       `json:"platform,omitempty"`
	Attempts int          `json:"attempts"`
}

// Task is one onboarding attempt's tracked unit of work.
type Task struct {
	// ID is assigned at creation and never changes.
	ID string `json:"id"`

	Request Request    `json:"request"`
	Status  TaskStatus `json:"status"`

	Result  *Result  `json:"result,omitempty"`
	Failure *Failure `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can never alias store-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Request.Tags != nil {
		out.Request.Tags = append([]string(nil), t.Request.Tags...)
	}
	if t.Result != nil {
		r := *t.Result
		r.Facts = t.Result.Facts.Clone()
		if t.Result.Warnings != nil {
			r.Warnings = append([]Warning(nil), t.Result.Warnings...)
		}
		out.Result = &r
	}
	if t.Failure != nil {
		f := *t.Failure
		out.Failure = &f
	}
	return &out
}

// DeviceRecord is handed to the inventory store once facts are obtained.
type DeviceRecord struct {
	Address    string       `json:"address"`
	Platform   string       `json:"platform"`
	Facts      *DeviceFacts `json:"facts"`
	Location   string       `json:"location,omitempty"`
	Role       string       `json:"role,omitempty"`
	DeviceType string       `json:"device_type,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	TaskID     string       `json:"task_id"`
}

// Event is a task lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	TaskID    string                 `json:"task_id"`
	Status    TaskStatus             `json:"status"`
	Address   string                 `json:"address"`
	Platform  string                 `json:"platform,omitempty"`
	Attempt   int                    `json:"attempt,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
