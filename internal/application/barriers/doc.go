// Package barriers implements the barrier rendezvous between parallel
// branches of a plan execution.
//
// A barrier instance stands until every expected party has arrived at it.
// The last arrival flips it DOWN with a check-and-set on the store, and the
// caller that won the flip resumes every waiting node exactly once. The
// EventHandler drives the service from node status events under a lock
// scoped to the plan execution.
package barriers
