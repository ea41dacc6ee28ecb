// Package store persists the school records served by the built-in tools
// and the upstream peer: students, teachers, and teacher grade assignments.
//
// SQLiteStore is the only implementation. It uses modernc.org/sqlite (pure Go,
// no cgo), creates its schema on open, and applies idempotent migrations.
package store
