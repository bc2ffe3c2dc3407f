// Package config loads the netonboard service configuration.
//
// A configuration file is YAML or, when its name ends in .cue, a CUE
// document that evaluates to concrete values. Either way it is merged over
// Default, then environment overrides are applied:
//
//	NETONBOARD_LISTEN       server.listen
//	NETONBOARD_MAX_WORKERS  orchestrator.pool.max_workers
//	NETONBOARD_DB           store.driver=sqlite, store.sqlite.path
//	NETONBOARD_NATS_URL     events.jetstream.enabled=true, events.jetstream.url
//	LOG_LEVEL               telemetry.logging.level
//
// The result is checked with validator struct tags plus a few cross-field
// rules before it is returned.
//
// # Example
//
//	server:
//	  listen: 0.0.0.0:8080
//	orchestrator:
//	  pool:
//	    max_workers: 25
//	    max_retries: 3
//	store:
//	  driver: sqlite
//	  sqlite:
//	    path: /var/lib/netonboard/tasks.db
//	credentials:
//	  file: /etc/netonboard/credentials.yaml
//	  watch: true
//	events:
//	  jetstream:
//	    enabled: true
//	    url: nats://nats:4222
package config
