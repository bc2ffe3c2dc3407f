// Package policy provides Open Policy Agent (OPA) admission control for onboarding requests.
//
// Every submitted request is evaluated against the enabled Rego policies
// before a task is created. An *Engine implements engine.RequestPolicy, so the
// orchestrator rejects a request with a ValidationError carrying code
// POLICY_DENIED when any blocking violation is found.
//
// # Usage
//
//	logger := zerolog.New(os.Stdout)
//	pol, err := policy.NewEngine(logger, policy.WithDenyCIDRs([]string{"10.99.0.0/16"}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, err := pol.Evaluate(ctx, engine.Request{Address: "10.0.0.1", Port: 22})
//
// # Input
//
// Policies see the request under input.request using its JSON field names
// (address, port, protocol, platform, credential_ref, location, role,
// device_type, tags) and evaluation metadata under input.context. Operator
// data is available under data.netonboard.
//
// # Built-in Policies
//
//  1. address-denylist - rejects loopback, unspecified and denied addresses
//  2. tag-format - requires key or key=value tags with lowercase keys
//  3. management-port - warns about unusual management ports
//
// # Custom Policies
//
// Violations are read from the package's deny set. Members may be strings or
// objects with message, severity and field keys:
//
//	# Only the lab site may be onboarded from this instance.
//	# severity: error
//	package custom.site
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.request.location != "lab"
//	    violation := {"message": "only lab devices", "field": "location"}
//	}
//
// Files ending in .rego, .json or .yaml are loaded from the configured paths.
// Bare .rego files default to warning severity unless the header sets one.
//
// # Severity Levels
//
//   - info and warning: logged, never block
//   - error and critical: block admission
//
// # Hot Reload
//
// Engine.Watch loads the configured paths and reloads them after changes. A
// reload that fails to compile leaves the previous set in place.
package policy
