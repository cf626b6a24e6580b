// Package tasks provides task dispatcher implementations. A task is a unit
// of work handed to an external worker; the engine only submits and aborts.
package tasks
