// Package stores persists invocation state for the ops automator.
// It includes a SQLite store with WAL mode and embedded migrations that
// keeps invocations, task dispatch times and the lifecycle event log, so
// in-flight invocations and minimum dispatch intervals survive a restart.
package stores
