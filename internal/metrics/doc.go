// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Command outcomes and round-trip latency
//   - Framing errors and reconnects per transport
//   - Attached websocket peers by announced kind
//   - Pending and held correlator entries
//   - Audit log and event fan-out throughput
package metrics
