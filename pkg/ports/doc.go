// Package ports defines the boundary contracts between the orchestration
// core and its external collaborators: stores, the task dispatch service,
// the distributed lock service, the event bus and metrics.
package ports
