// Package lock provides named, TTL-bounded lock implementations.
//
// Implementations:
//   - redis: SET NX PX leases released through a compare-and-delete script
//   - memory: process-local leases for single-node deployments and tests
package lock
