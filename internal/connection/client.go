package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a websocket connection from a peer to a Hub. Editor plugins and
// the peer simulator attach this way.
type Client interface {
	Transport

	// Connect establishes the websocket connection and sends the
	// announcement, if configured.
	Connect(ctx context.Context) error
}

const handshakeTimeout = 10 * time.Second

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
	lastPing  atomic.Int64 // unix nanos of the last hub ping
	closeOnce sync.Once
}

// NewClient creates a websocket client for a Hub.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:      cfg,
		logger:   logger.With("component", "peer-client", "url", cfg.URL),
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrTransport, c.cfg.URL, err)
	}

	c.conn = conn
	c.notePing()
	c.connected.Store(true)
	conn.SetPingHandler(c.pong)

	go c.readLoop()
	go c.watchPings()

	if err := c.announce(); err != nil {
		c.Close()
		return err
	}
	return nil
}

// announce identifies the peer kind to the hub.
func (c *client) announce() error {
	if c.cfg.Announce == "" {
		return nil
	}
	data, err := json.Marshal(map[string]string{"client": c.cfg.Announce})
	if err != nil {
		return err
	}
	if err := c.Send(data); err != nil {
		return fmt.Errorf("announce %s: %w", c.cfg.Announce, err)
	}
	c.logger.Debug("announced", "client", c.cfg.Announce)
	return nil
}

// pong answers a hub ping and records liveness.
func (c *client) pong(data string) error {
	c.notePing()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
}

func (c *client) notePing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// Close sends a close frame and releases the connection.
func (c *client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.connected.Store(false)
	c.closeOnce.Do(func() { close(c.done) })

	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Send writes one text frame.
func (c *client) Send(data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage { return c.messages }
func (c *client) Errors() <-chan error                { return c.errors }
func (c *client) IsConnected() bool                   { return c.connected.Load() }
func (c *client) Addr() string                        { return c.cfg.URL }

// fail reports the error that ended the connection, unless Close ended it.
func (c *client) fail(err error) {
	c.connected.Store(false)
	if c.closed.Load() {
		return
	}
	select {
	case c.errors <- err:
	default:
	}
}

// readLoop forwards each text frame until the connection ends. Frames are
// never dropped; a full buffer holds the loop back.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		select {
		case c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}:
		case <-c.done:
			return
		}
	}
}

// watchPings reports a stale connection when the hub stops pinging.
func (c *client) watchPings() {
	if c.cfg.PingTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.PingTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastPing.Load())
			if time.Since(last) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale", "last_ping", last, "timeout", c.cfg.PingTimeout)
				c.fail(ErrStaleConnection)
				return
			}
		}
	}
}
