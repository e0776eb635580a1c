// Package idempotency caches the results of retried side-effecting calls so
// a replayed key observes the first successful result instead of a second
// execution.
package idempotency
