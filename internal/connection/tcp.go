package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gamegenie/genie-bridge/internal/frame"
)

// TCPDialer connects to a peer listening on a TCP stream socket.
type TCPDialer struct {
	cfg      TCPConfig
	observer Observer
	logger   *slog.Logger
}

// NewTCPDialer creates a dialer for the stream transport.
func NewTCPDialer(cfg TCPConfig, observer Observer, logger *slog.Logger) *TCPDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &TCPDialer{
		cfg:      cfg,
		observer: observer,
		logger:   logger.With("transport", "tcp"),
	}
}

// Name returns "tcp".
func (d *TCPDialer) Name() string {
	return "tcp"
}

// Dial opens the stream. No retry is attempted.
func (d *TCPDialer) Dial(ctx context.Context) (Transport, error) {
	if d.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.Addr, err)
	}

	t := &tcpTransport{
		cfg:      d.cfg,
		observer: d.observer,
		logger:   d.logger,
		conn:     conn,
		reader:   frame.NewReader(conn, d.cfg.ChunkSize, d.cfg.ReceiveTimeout),
		messages: make(chan TimestampedMessage, d.cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	t.connected.Store(true)

	go t.readLoop()

	d.logger.Info("connected to peer", "addr", d.cfg.Addr)
	return t, nil
}

// tcpTransport implements Transport over a stream socket.
type tcpTransport struct {
	cfg      TCPConfig
	observer Observer
	logger   *slog.Logger

	conn   net.Conn
	reader *frame.Reader

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	connected atomic.Bool
}

func (t *tcpTransport) Send(data []byte) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpTransport) Messages() <-chan TimestampedMessage {
	return t.messages
}

func (t *tcpTransport) Errors() <-chan error {
	return t.errors
}

func (t *tcpTransport) IsConnected() bool {
	return t.connected.Load()
}

func (t *tcpTransport) Addr() string {
	return t.cfg.Addr
}

func (t *tcpTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// readLoop pulls frames until the stream ends. Framing errors are reported
// and skipped.
func (t *tcpTransport) readLoop() {
	defer t.connected.Store(false)

	for {
		data, err := t.reader.Next()
		if err != nil {
			var ferr *frame.Error
			if errors.As(err, &ferr) {
				t.logger.Warn("discarding unparseable data",
					"reason", ferr.Reason,
					"bytes", len(ferr.Data),
					"error", ferr.Err,
				)
				t.observer.FramingError("tcp")
				continue
			}

			select {
			case <-t.done:
				return
			default:
			}
			select {
			case t.errors <- err:
			default:
			}
			return
		}

		msg := TimestampedMessage{
			Data:       data,
			ReceivedAt: time.Now(),
		}

		select {
		case t.messages <- msg:
		case <-t.done:
			return
		}
	}
}
