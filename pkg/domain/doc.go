// Package domain holds the value types shared by the engine, the interrupt
// processor, the barrier service and the adapters.
//
// The Status type and its groups form the node-status state machine. The
// allowed-predecessor table returned by AllowedPredecessors is the single
// source of truth for every status transition in the repository.
package domain
