// Package progress carries check and alert milestones from the worker pool and
// the alert dispatcher to observers.
//
// Producers call Emit on a Hub, which never blocks. A background goroutine
// groups events into batches and hands each batch to every Sink; the sinks
// subpackage provides log and Prometheus implementations.
package progress
