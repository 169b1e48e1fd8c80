// Package progress carries scan lifecycle events from the coordinator to
// pluggable sinks. The Hub batches events on a background goroutine and fans
// them out to sinks such as structured logs, Prometheus collectors, or the
// persistence store, so the admission and batch paths never wait on I/O.
package progress
