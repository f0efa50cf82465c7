// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single active transport to the editor peer
//   - Dials lazily and shares one reconnect attempt between concurrent callers
//   - Health-checks stale connections with a ping before use
//   - Invalidates the transport on any I/O error and fails pending requests
//   - Feeds inbound responses and events to the request correlator
//
// Two transports are provided: a TCP stream the bridge dials, and a
// websocket Hub the editor attaches to.
package connection
