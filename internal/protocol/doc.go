// Package protocol defines the JSON envelope exchanged with the editor peer.
//
// Outgoing commands carry a name, a params object and a message_id the peer
// echoes back. Inbound frames are classified into announcements, responses,
// events and everything else. The package does not interpret command
// semantics.
package protocol
