// Package stores holds the task stores and inventory stores used by the
// onboarding engine: an in-memory task store, a SQLite store that persists
// tasks and onboarded devices with embedded golang-migrate migrations, and a
// Postgres device inventory on a pgx pool.
package stores
