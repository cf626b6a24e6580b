// Package engine drives node executions through the status state machine.
//
// The engine creates node executions for plan nodes, starts them according
// to their facilitation mode, resumes them when an external callback or a
// barrier releases them, and runs the end transition that hands control to
// the next sibling or back to the parent. Every status change goes through
// UpdateStatus, which asks the store for a legality-checked conditional
// update and publishes a node status event on success.
//
// A transition rejected because another writer moved the node first is a
// benign race: the engine drops its attempt without retrying.
package engine
