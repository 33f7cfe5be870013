// Package api exposes the swap orchestrator over HTTP: the current state
// snapshot, event submission, a server-sent state stream, a WebSocket
// session carrying both, swap history, health and Prometheus metrics.
package api
