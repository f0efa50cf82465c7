package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gamegenie/genie-bridge/internal/correlator"
	"github.com/gamegenie/genie-bridge/internal/protocol"
)

// Manager owns the single connection to the editor peer.
type Manager interface {
	// Connect opens the transport if none is active. No retry is attempted.
	Connect(ctx context.Context) error

	// HealthCheck pings the peer. On failure the connection is torn down and
	// rebuilt on next use.
	HealthCheck(ctx context.Context) error

	// Disconnect releases the transport. Safe to call repeatedly.
	Disconnect()

	// SendCommand mints an id, writes the command and returns without
	// waiting for the response.
	SendCommand(ctx context.Context, name string, params map[string]any) (string, error)

	// Send writes a prepared command, connecting first if needed.
	Send(ctx context.Context, cmd protocol.Command) error

	// Stats returns the current connection state.
	Stats() Stats
}

// ManagerOption configures a Manager.
type ManagerOption func(*manager)

// WithObserver reports connection signals to o.
func WithObserver(o Observer) ManagerOption {
	return func(m *manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithEventHandler receives every event the peer emits, correlated or not.
func WithEventHandler(fn func(protocol.Event)) ManagerOption {
	return func(m *manager) {
		m.onEvent = fn
	}
}

// session is one live transport.
type session struct {
	transport   Transport
	generation  uint64
	lastContact atomic.Int64 // unix nanos
	uses        atomic.Int64
	done        chan struct{}
	doneOnce    sync.Once
}

func (s *session) touch(t time.Time) {
	s.lastContact.Store(t.UnixNano())
}

func (s *session) lastContactTime() time.Time {
	return time.Unix(0, s.lastContact.Load())
}

func (s *session) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// manager implements the Manager interface.
type manager struct {
	cfg        ManagerConfig
	dialer     Dialer
	correlator *correlator.Correlator
	encoder    protocol.Encoder
	observer   Observer
	onEvent    func(protocol.Event)
	logger     *slog.Logger

	mu         sync.RWMutex
	sess       *session
	generation uint64
	reconnects uint64

	group singleflight.Group
}

// NewManager creates a Connection Manager. Responses read from the transport
// are handed to corr.
func NewManager(cfg ManagerConfig, dialer Dialer, corr *correlator.Correlator, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:        cfg,
		dialer:     dialer,
		correlator: corr,
		encoder:    protocol.Encoder{CommandKey: cfg.CommandKey},
		observer:   nopObserver{},
		logger:     logger.With("component", "connection", "transport", dialer.Name()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *manager) current() *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess
}

// Connect opens the transport if none is active.
func (m *manager) Connect(ctx context.Context) error {
	_, err := m.connect(ctx)
	return err
}

// connect returns the active session, dialing once on behalf of every
// concurrent caller that finds none. The dial is not bound to any single
// caller's ctx; a caller that gives up stops waiting for it.
func (m *manager) connect(ctx context.Context) (*session, error) {
	if s := m.current(); s != nil {
		return s, nil
	}

	ch := m.group.DoChan("connect", func() (any, error) {
		if s := m.current(); s != nil {
			return s, nil
		}
		return m.dial(context.WithoutCancel(ctx))
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *manager) dial(ctx context.Context) (*session, error) {
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}

	t, err := m.dialer.Dial(ctx)
	if err != nil {
		m.logger.Warn("connect failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	s := &session{
		transport: t,
		done:      make(chan struct{}),
	}
	s.touch(time.Now())

	m.mu.Lock()
	m.generation++
	if m.generation > 1 {
		m.reconnects++
	}
	s.generation = m.generation
	m.sess = s
	m.mu.Unlock()

	if s.generation > 1 {
		m.observer.Reconnected(m.dialer.Name())
	}

	go m.readLoop(s)

	m.logger.Info("connected", "addr", t.Addr(), "generation", s.generation)
	return s, nil
}

// ensure returns a session fit for use, health-checking a stale one first.
// Only requests already written on a failed session are failed with it.
func (m *manager) ensure(ctx context.Context) (*session, error) {
	s, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	if !s.transport.IsConnected() {
		m.invalidate(s, ErrNotConnected)
		return m.connect(ctx)
	}

	if !m.needsCheck(s) {
		return s, nil
	}

	if err := m.check(ctx, s); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return m.connect(ctx)
	}
	return s, nil
}

// needsCheck reports whether s should be pinged before use. The first use
// of a fresh session never is.
func (m *manager) needsCheck(s *session) bool {
	if s.uses.Add(1) == 1 {
		return false
	}
	if m.cfg.HealthCheckInterval < 0 {
		return true
	}
	return time.Since(s.lastContactTime()) > m.cfg.HealthCheckInterval
}

// HealthCheck pings the active connection.
func (m *manager) HealthCheck(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return ErrNotConnected
	}
	return m.check(ctx, s)
}

// check pings s under HealthCheckTimeout. If ctx ends first the caller gets
// ctx.Err() while the ping runs to completion, and s is only torn down if
// the peer itself fails to answer.
func (m *manager) check(ctx context.Context, s *session) error {
	done := make(chan error, 1)
	go func() {
		err := m.ping(s)
		if err != nil {
			m.logger.Warn("health check failed", "error", err, "generation", s.generation)
			m.invalidate(s, err)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) ping(s *session) error {
	cmd := protocol.NewCommand(string(protocol.CommandPing), nil)

	p, err := m.correlator.Register(cmd.ID, m.cfg.HealthCheckTimeout)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if err := m.write(s, cmd); err != nil {
		m.correlator.Cancel(cmd.ID)
		return fmt.Errorf("health check: %w", err)
	}

	resp, err := p.Wait(context.Background())
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("health check: peer error: %s", resp.Message)
	}
	return nil
}

// Send writes cmd on a healthy connection. A write failure invalidates the
// connection; it is not retried.
func (m *manager) Send(ctx context.Context, cmd protocol.Command) error {
	s, err := m.ensure(ctx)
	if err != nil {
		return err
	}
	return m.write(s, cmd)
}

// SendCommand builds a command with a fresh id and sends it.
func (m *manager) SendCommand(ctx context.Context, name string, params map[string]any) (string, error) {
	cmd := protocol.NewCommand(name, params)
	if err := m.Send(ctx, cmd); err != nil {
		return "", err
	}
	return cmd.ID, nil
}

func (m *manager) write(s *session, cmd protocol.Command) error {
	data, err := m.encoder.Encode(cmd)
	if err != nil {
		return err
	}

	m.correlator.Bind(cmd.ID, s.generation)
	if err := s.transport.Send(data); err != nil {
		m.invalidate(s, err)
		return fmt.Errorf("%w: send %s: %w", ErrTransport, cmd.Name, err)
	}

	m.logger.Debug("command sent", "command", cmd.Name, "id", cmd.ID, "bytes", len(data))
	return nil
}

// Disconnect releases the active transport.
func (m *manager) Disconnect() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()

	if s != nil {
		m.teardown(s, fmt.Errorf("%w: disconnected", ErrConnectionLost))
		m.logger.Info("disconnected", "generation", s.generation)
	}
}

// invalidate tears s down if it is still the active session.
func (m *manager) invalidate(s *session, cause error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.mu.Unlock()

	m.logger.Warn("connection invalidated", "error", cause, "generation", s.generation)
	m.teardown(s, fmt.Errorf("%w: %v", ErrConnectionLost, cause))
}

func (m *manager) teardown(s *session, err error) {
	s.stop()
	s.transport.Close()
	m.correlator.FailSession(s.generation, err)
}

// readLoop feeds inbound frames to the correlator until the session ends.
func (m *manager) readLoop(s *session) {
	for {
		select {
		case <-s.done:
			return

		case err := <-s.transport.Errors():
			m.drain(s)
			m.logger.Warn("connection error", "error", err, "generation", s.generation)
			m.invalidate(s, err)
			return

		case msg := <-s.transport.Messages():
			m.handle(s, msg)
		}
	}
}

// drain delivers frames that were read before the transport failed.
func (m *manager) drain(s *session) {
	for {
		select {
		case msg := <-s.transport.Messages():
			m.handle(s, msg)
		default:
			return
		}
	}
}

func (m *manager) handle(s *session, msg TimestampedMessage) {
	decoded, err := protocol.Decode(msg.Data)
	if err != nil {
		m.logger.Warn("dropping unparseable message", "error", err, "bytes", len(msg.Data))
		m.observer.FramingError(m.dialer.Name())
		return
	}
	s.touch(msg.ReceivedAt)

	switch decoded.Kind {
	case protocol.KindResponse:
		resp := decoded.Response
		resp.ReceivedAt = msg.ReceivedAt
		if resp.ID == "" {
			m.ingestUnaddressed(resp)
			return
		}
		if !m.correlator.Ingest(resp.ID, resp) {
			m.logger.Debug("response has no waiter", "id", resp.ID)
		}

	case protocol.KindEvent:
		ev := decoded.Event
		ev.ReceivedAt = msg.ReceivedAt
		m.routeEvent(ev)

	case protocol.KindAnnouncement:
		m.logger.Info("peer announced", "client", decoded.Client)

	default:
		m.logger.Debug("unmatched message", "bytes", len(msg.Data))
	}
}

// ingestUnaddressed matches a response without an id to the only
// outstanding request.
func (m *manager) ingestUnaddressed(resp protocol.Response) {
	id, ok := m.correlator.IngestUnaddressed(resp)
	if !ok {
		m.logger.Warn("dropping response without id",
			"status", resp.Status,
			"message", resp.Message,
			"pending", m.correlator.Stats().Pending,
		)
		return
	}
	m.logger.Debug("matched response without id", "id", id)
}

// routeEvent correlates follow-up events and passes every event to the
// event handler.
func (m *manager) routeEvent(ev protocol.Event) {
	var key string
	switch {
	case ev.ID != "":
		key = protocol.FollowUpKey(ev.ID, ev.Name)
	case m.cfg.LegacyEventIDs:
		key = protocol.LegacyEventKey(ev.Name)
	}
	if key != "" {
		m.correlator.Ingest(key, ev.Response(key))
	}

	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// Stats returns current connection state.
func (m *manager) Stats() Stats {
	m.mu.RLock()
	s := m.sess
	stats := Stats{
		Transport:  m.dialer.Name(),
		Generation: m.generation,
		Reconnects: m.reconnects,
	}
	m.mu.RUnlock()

	if s != nil {
		stats.Connected = s.transport.IsConnected()
		stats.Addr = s.transport.Addr()
		stats.LastContact = s.lastContactTime()
	}
	return stats
}
