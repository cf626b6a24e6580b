// Package workers implements the worker pool that runs engine jobs.
//
// The pool is the engine's scheduler: node starts and resumes are queued on
// a bounded channel and drained by a fixed number of goroutines. A full
// queue never blocks the caller, since workers schedule follow-up jobs
// themselves.
//
// The health monitor tracks worker status and records pool metrics.
package workers
