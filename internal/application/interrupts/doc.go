// Package interrupts consumes interrupts registered against running plan
// executions.
//
// The Processor persists an interrupt, hands it to the handler registered
// for its type and records how processing ended. AbortAllHandler implements
// ABORT_ALL: it marks the in-flight leaves of the plan execution
// DISCONTINUING in one store operation, then discontinues each marked node
// independently. Per-node failures are reported without stopping the rest
// of the batch.
package interrupts
