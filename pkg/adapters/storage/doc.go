// Package storage provides node, plan, interrupt and barrier record stores.
//
// Implementations:
//   - redis: CBOR records with optimistic WATCH/MULTI updates and TTL
//   - memory: mutex-guarded maps for single-node deployments and tests
//
// Both pass the contract tests in storagetest.
package storage
