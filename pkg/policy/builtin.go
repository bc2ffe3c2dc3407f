package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		addressDenylistPolicy(),
		tagFormatPolicy(),
		managementPortPolicy(),
	}
}

// addressDenylistPolicy rejects loopback and unspecified addresses, plus any
// address inside data.netonboard.deny_cidrs.
func addressDenylistPolicy() Policy {
	return Policy{
		Name:        "address-denylist",
		Description: "Rejects loopback, unspecified and operator-denied management addresses",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"address", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package netonboard.admission.address

import rego.v1

ip_like(addr) if regex.match("^[0-9.]+$", addr)

ip_like(addr) if contains(addr, ":")

deny contains violation if {
	addr := lower(input.request.address)
	addr in {"localhost", "0.0.0.0", "::", "::1"}
	violation := {
		"message": sprintf("address %s is not a device", [input.request.address]),
		"field": "address",
	}
}

deny contains violation if {
	regex.match("^127\\.", input.request.address)
	violation := {
		"message": sprintf("address %s is a loopback address", [input.request.address]),
		"field": "address",
	}
}

deny contains violation if {
	addr := input.request.address
	ip_like(addr)
	some cidr in data.netonboard.deny_cidrs
	net.cidr_contains(cidr, addr)
	violation := {
		"message": sprintf("address %s is inside denied range %s", [addr, cidr]),
		"field": "address",
	}
}`,
	}
}

// tagFormatPolicy requires inventory tags to be lowercase keys with an optional value.
func tagFormatPolicy() Policy {
	return Policy{
		Name:        "tag-format",
		Description: "Requires tags of the form key or key=value with a lowercase key",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"inventory", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package netonboard.admission.tags

import rego.v1

deny contains violation if {
	some tag in input.request.tags
	not regex.match("^[a-z0-9_.-]+(=[A-Za-z0-9_.:/-]+)?$", tag)
	violation := {
		"message": sprintf("tag %s must be key or key=value with a lowercase key", [tag]),
		"field": "tags",
	}
}`,
	}
}

// managementPortPolicy warns when a request targets a port no built-in
// transport normally listens on.
func managementPortPolicy() Policy {
	return Policy{
		Name:        "management-port",
		Description: "Warns about unusual management ports",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"transport"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package netonboard.admission.port

import rego.v1

known_ports := {22, 161, 830, 2222}

deny contains violation if {
	port := input.request.port
	port > 0
	not port in known_ports
	violation := {
		"message": sprintf("port %d is not a usual management port", [port]),
		"field": "port",
	}
}`,
	}
}
