// Package orchestrator is the entry point for running plans.
//
// The manager validates a plan graph, creates its plan execution, declares
// its barriers and triggers the root node. It also fronts the read side
// (plan and node execution status, barriers, interrupts) for the APIs.
//
// The validator ensures plans are well-formed: every reference resolves,
// the graph has no cycles and every step type is registered for the mode it
// is facilitated with.
package orchestrator
