package engine

//go:generate mockgen -destination=mock_engine.go -package=engine github.com/openfroyo/netonboard/pkg/engine Driver,PlatformDetector,CredentialProvider,InventoryStore,RequestPolicy,EventPublisher

import (
	"context"
	"time"
)

// Capability is an operation a driver supports.
type Capability string

const (
	CapabilityConnect  Capability = "connect"
	CapabilityDetect   Capability = "detect"
	CapabilityGetFacts Capability = "get-facts"
)

// MatchRules describe the evidence a platform is recognised by.
// Empty rules never match.
type MatchRules struct {
	// SSHBanner is a regular expression applied to the SSH server version string.
	SSHBanner string `json:"ssh_banner,omitempty" yaml:"ssh_banner,omitempty"`

	// SysObjectIDPrefixes are SNMP sysObjectID prefixes (enterprise subtrees).
	SysObjectIDPrefixes []string `json:"sys_object_id_prefixes,omitempty" yaml:"sys_object_id_prefixes,omitempty"`

	// SysDescr is a regular expression applied to SNMP sysDescr.
	SysDescr string `json:"sys_descr,omitempty" yaml:"sys_descr,omitempty"`

	// ServiceProduct is a regular expression applied to nmap service product/version strings.
	ServiceProduct string `json:"service_product,omitempty" yaml:"service_product,omitempty"`
}

// Descriptor is a registered driver's identity and capabilities.
type Descriptor struct {
	// Platform is the unique platform identifier (e.g. "cisco_ios").
	Platform string `json:"platform"`

	Vendor    string `json:"vendor"`
	Transport string `json:"transport"`

	Capabilities []Capability `json:"capabilities"`
	Match        MatchRules   `json:"match"`
}

// Supports reports whether the descriptor lists a capability.
func (d Descriptor) Supports(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Session is an open driver connection. Its contents are private to the driver.
type Session interface{}

// Driver is the uniform contract every vendor/platform variant implements.
type Driver interface {
	// Open connects and authenticates. Errors are ConnectionError or AuthError.
	Open(ctx context.Context, target Target, creds Credentials) (Session, error)

	// GetFacts extracts canonical facts. Errors are ProtocolError or ParseError.
	GetFacts(ctx context.Context, session Session) (*DeviceFacts, error)

	// Close releases the session. It is idempotent.
	Close(session Session)
}

// Evidence is what the detector's probes learned about a target.
type Evidence struct {
	SSHBanner      string   `json:"ssh_banner,omitempty"`
	SysObjectID    string   `json:"sys_object_id,omitempty"`
	SysDescr       string   `json:"sys_descr,omitempty"`
	ServiceProduct []string `json:"service_product,omitempty"`
}

// Empty reports whether no probe produced anything.
func (e *Evidence) Empty() bool {
	return e == nil || (e.SSHBanner == "" && e.SysObjectID == "" && e.SysDescr == "" && len(e.ServiceProduct) == 0)
}

// Detectable is implemented by drivers that contribute their own detection check.
type Detectable interface {
	Detect(ctx context.Context, target Target, evidence *Evidence) (bool, error)
}

// DriverRegistry resolves platforms to drivers.
type DriverRegistry interface {
	// Lookup returns the driver registered for a platform.
	Lookup(platform string) (Driver, Descriptor, bool)

	// Descriptors returns all descriptors in registration order.
	Descriptors() []Descriptor
}

// PlatformDetector selects a descriptor for a target when no hint is given.
type PlatformDetector interface {
	Detect(ctx context.Context, req Request) (Descriptor, error)
}

// TaskStore is the engine's task bookkeeping.
// Update methods are compare-and-set against the current status.
type TaskStore interface {
	Create(ctx context.Context, req Request) (string, error)
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context) ([]*Task, error)
	UpdateStatus(ctx context.Context, id string, from, to TaskStatus) error
	UpdateResult(ctx context.Context, id string, from TaskStatus, result Result) error
	UpdateFailure(ctx context.Context, id string, from TaskStatus, failure Failure) error
	Delete(ctx context.Context, id string) error
}

// CredentialProvider resolves opaque credential references at connection time.
type CredentialProvider interface {
	Resolve(ctx context.Context, ref string) (Credentials, error)
}

// InventoryStore records onboarded devices.
type InventoryStore interface {
	SaveDevice(ctx context.Context, record DeviceRecord) error
}

// RequestPolicy admits or rejects requests before a task is created.
type RequestPolicy interface {
	Admit(ctx context.Context, req Request) error
}

// EventPublisher publishes task lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordTaskSubmitted()
	RecordTaskCompleted(status TaskStatus, kind Kind, duration time.Duration)
	RecordAttempt(platform string, outcome string, duration time.Duration)
	RecordDetection(platform string, outcome string, duration time.Duration)
	SetQueueDepth(depth int)
	SetRunningWorkers(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordTaskSubmitted()                                 {}
func (noopMetrics) RecordTaskCompleted(TaskStatus, Kind, time.Duration)  {}
func (noopMetrics) RecordAttempt(string, string, time.Duration)          {}
func (noopMetrics) RecordDetection(string, string, time.Duration)        {}
func (noopMetrics) SetQueueDepth(int)                                    {}
func (noopMetrics) SetRunningWorkers(int)                                {}
