// Package engine provides the core types and the task engine for network device onboarding.
//
// # Overview
//
// A caller submits a Request naming a device address and a credential reference.
// The engine records a Task, schedules it on a bounded WorkerPool and drives it
// through a small state machine:
//
//	PENDING -> RUNNING -> SUCCEEDED
//	PENDING -> FAILED             (cancelled while queued)
//	RUNNING -> FAILED
//
// Each attempt runs the same cycle:
//
//  1. Resolve - use the platform hint or run the PlatformDetector
//  2. Credentials - resolve the opaque reference through a CredentialProvider
//  3. Open - connect and authenticate with the selected Driver
//  4. Get facts - read serial, model, OS version and management interfaces
//  5. Close - release the session on every path
//
// Successful results are handed to an InventoryStore. An inventory failure is
// recorded as a PersistenceError warning on a task that still SUCCEEDED.
//
// # Collaborators
//
// The Orchestrator depends only on the interfaces in this package:
//
//   - TaskStore: compare-and-set task bookkeeping
//   - DriverRegistry and Driver: the uniform vendor contract
//   - PlatformDetector: evidence based platform selection
//   - CredentialProvider: secret resolution at connection time
//   - InventoryStore: persistence of onboarded devices
//   - RequestPolicy: admission control before a task exists
//   - EventPublisher and MetricsRecorder: lifecycle notification
//
// # Error Classification
//
// Every failure is an *EngineError carrying a Kind and a retry class:
//
//   - Transient: ConnectionError (including timeouts), retried with backoff
//   - Throttled: queue saturation, retried with a longer backoff
//   - Conflict: a lost compare-and-set, never retried
//   - Permanent: everything else
//
// Use the helpers to inspect errors:
//
//	if IsRetryable(err) {
//	    // schedule another attempt
//	}
//
// ReasonFor maps a terminal error onto the coarse failed_reason bucket reported
// to inventory operators.
//
// # Cancellation
//
// Cancel trips the task's CancelToken. A queued task is withdrawn and settles
// immediately; a running task observes the token at the next blocking boundary
// or when the in-flight call returns on its cancelled context.
//
// # Thread Safety
//
// All Orchestrator and WorkerPool methods are safe for concurrent use.
// Tasks returned from a TaskStore are copies and never alias store state.
package engine
