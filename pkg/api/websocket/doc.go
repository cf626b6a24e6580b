// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/executions/:id/ws to receive the node status
// and plan lifecycle events of one plan execution as they happen.
package websocket
