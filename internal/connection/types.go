package connection

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrTransport       = errors.New("transport error")
	ErrNotConnected    = errors.New("not connected")
	ErrConnectionLost  = errors.New("connection lost")
	ErrNoPeer          = errors.New("no primary peer attached")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// IsTransportError reports whether err belongs to the transport class.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoPeer)
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // One complete JSON frame
	ReceivedAt time.Time // Local timestamp when the frame was completed
}

// Transport is a single live connection to the peer.
type Transport interface {
	// Send writes one complete message. Writes are serialized.
	Send(data []byte) error

	// Messages returns a channel of complete inbound frames.
	Messages() <-chan TimestampedMessage

	// Errors returns a channel carrying the error that ended the transport.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool

	// Close releases the transport. Safe to call repeatedly.
	Close() error

	// Addr describes the remote end.
	Addr() string
}

// Dialer produces transports for the Manager.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)

	// Name identifies the transport kind ("tcp" or "websocket").
	Name() string
}

// Observer receives connection-level signals, typically for metrics.
type Observer interface {
	FramingError(transport string)
	Reconnected(transport string)
	PeerAttached(kind string)
	PeerDetached(kind string)
}

type nopObserver struct{}

func (nopObserver) FramingError(string) {}
func (nopObserver) Reconnected(string)  {}
func (nopObserver) PeerAttached(string) {}
func (nopObserver) PeerDetached(string) {}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	CommandKey          string        // JSON key carrying the command name
	DialTimeout         time.Duration // Bounds a shared connect attempt
	HealthCheckTimeout  time.Duration // Max wait for a ping reply
	HealthCheckInterval time.Duration // Re-check a connection idle this long; negative = every use
	LegacyEventIDs      bool          // Correlate id-less events under a shared key
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CommandKey:          "type",
		DialTimeout:         10 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// TCPConfig configures the stream transport.
type TCPConfig struct {
	Addr           string        // host:port of the peer
	DialTimeout    time.Duration // Max time to establish the connection
	WriteTimeout   time.Duration // Write deadline for sends
	ReceiveTimeout time.Duration // Bounds accumulation of a partial frame
	ChunkSize      int           // Read size
	BufferSize     int           // Message channel buffer size
}

// DefaultTCPConfig returns sensible defaults.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		Addr:           "localhost:9876",
		DialTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReceiveTimeout: 15 * time.Second,
		ChunkSize:      8192,
		BufferSize:     256,
	}
}

// HubConfig configures the websocket hub.
type HubConfig struct {
	Addr          string        // Listen address
	PrimaryClient string        // Announced kind that becomes the primary peer
	PingInterval  time.Duration // Keepalive ping period
	PongTimeout   time.Duration // Peer considered dead after this long without a pong
	WriteTimeout  time.Duration // Write deadline for sends
	BufferSize    int           // Per-peer message channel buffer size
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Addr:          "localhost:6076",
		PrimaryClient: "Unity",
		PingInterval:  20 * time.Second,
		PongTimeout:   30 * time.Second,
		WriteTimeout:  5 * time.Second,
		BufferSize:    256,
	}
}

// ClientConfig configures a websocket client attaching to a Hub.
type ClientConfig struct {
	URL          string        // Hub URL (e.g., ws://localhost:6076/ws)
	Announce     string        // Kind sent in the first message; empty sends nothing
	PingTimeout  time.Duration // Max time without ping before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   256,
	}
}

// Stats describes the Manager's connection.
type Stats struct {
	Transport   string    `json:"transport"`
	Connected   bool      `json:"connected"`
	Addr        string    `json:"addr,omitempty"`
	Generation  uint64    `json:"generation"`
	Reconnects  uint64    `json:"reconnects"`
	LastContact time.Time `json:"last_contact,omitempty"`
}
