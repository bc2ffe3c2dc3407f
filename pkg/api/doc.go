// Package api exposes the onboarding orchestrator over HTTP.
//
// Routes:
//
//	GET    /onboarding/               list tasks in submission order
//	POST   /onboarding/               submit; 202 {"id", "status": "PENDING"}
//	GET    /onboarding/{id}/?wait=30s task record, optionally long-polled to terminal
//	DELETE /onboarding/{id}/          cancel if active, then remove; 204
//	POST   /onboarding/{id}/cancel/   cancel without removing; 202
//	GET    /drivers/                  registered descriptors
//	GET    /healthz                   task store health
//	GET    /metrics                   Prometheus exposition, when configured
//
// Errors share one body, {"error": {"kind", "message", "code", "details"}},
// with ValidationError mapped to 400, NotFoundError to 404, Conflict to 409
// and Throttled to 429.
//
// A submission may carry username, password and secret in place of
// credential_ref. Those go into the in-memory credentials.Vault and only the
// generated inline: reference is stored on the task.
//
// Client is the matching Go client used by the netonboard CLI.
package api
