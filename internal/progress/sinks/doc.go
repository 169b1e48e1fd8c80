// Package sinks contains progress.Sink implementations: structured logging,
// Prometheus collectors, and the persistence store.
package sinks
