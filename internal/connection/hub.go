package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/gamegenie/genie-bridge/internal/protocol"
)

const unannounced = "unknown"

// PeerInfo describes an attached websocket peer.
type PeerInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	RemoteAddr  string    `json:"remote_addr"`
	Primary     bool      `json:"primary"`
	Claimed     bool      `json:"claimed"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Hub is a websocket server the editor attaches to. It tracks every
// attached peer and designates at most one primary, the peer that announced
// itself as the configured primary kind. Commands go only to the primary.
// When the primary leaves, no other peer is promoted.
type Hub struct {
	cfg      HubConfig
	observer Observer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener

	mu      sync.RWMutex
	peers   map[string]*peer
	primary *peer
}

// NewHub creates a Hub. Call Start to begin listening.
func NewHub(cfg HubConfig, observer Observer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Hub{
		cfg:      cfg,
		observer: observer,
		logger:   logger.With("transport", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}
}

// Name returns "websocket".
func (h *Hub) Name() string {
	return "websocket"
}

// Handler returns the websocket routes. Peers may attach on / or /ws.
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", h.ServeWS)
	r.HandleFunc("/ws", h.ServeWS)
	return r
}

// Start listens on the configured address and serves in the background.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}

	h.mu.Lock()
	h.listener = ln
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := h.server
	h.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("websocket server failed", "error", err)
		}
	}()

	h.logger.Info("websocket server started", "addr", ln.Addr().String())
	return nil
}

// ListenAddr returns the bound address, or the configured one before Start.
func (h *Hub) ListenAddr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.cfg.Addr
}

// Stop shuts down the server and disconnects every peer.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.RLock()
	server := h.server
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}
	for _, p := range peers {
		p.Close()
	}

	h.logger.Info("websocket server stopped")
	return err
}

// Dial returns the primary peer as a Transport.
func (h *Hub) Dial(ctx context.Context) (Transport, error) {
	h.mu.RLock()
	p := h.primary
	h.mu.RUnlock()

	if p == nil || !p.IsConnected() {
		return nil, fmt.Errorf("%w (waiting for a %q client on %s)", ErrNoPeer, h.cfg.PrimaryClient, h.ListenAddr())
	}

	p.claimed.Store(true)
	return p, nil
}

// Peers lists attached peers.
func (h *Hub) Peers() []PeerInfo {
	h.mu.RLock()
	infos := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		infos = append(infos, h.infoLocked(p))
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Primary returns the primary peer, if any.
func (h *Hub) Primary() (PeerInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.primary == nil {
		return PeerInfo{}, false
	}
	return h.infoLocked(h.primary), true
}

func (h *Hub) infoLocked(p *peer) PeerInfo {
	return PeerInfo{
		ID:          p.id,
		Kind:        p.kind,
		RemoteAddr:  p.remote,
		Primary:     p == h.primary,
		Claimed:     p.claimed.Load(),
		ConnectedAt: p.connectedAt,
	}
}

// ServeWS upgrades the request and attaches the peer.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := &peer{
		id:          uuid.NewString()[:8],
		remote:      r.RemoteAddr,
		kind:        unannounced,
		connectedAt: time.Now(),
		hub:         h,
		conn:        conn,
		messages:    make(chan TimestampedMessage, h.cfg.BufferSize),
		errors:      make(chan error, 1),
		done:        make(chan struct{}),
	}
	p.connected.Store(true)

	h.mu.Lock()
	h.peers[p.id] = p
	total := len(h.peers)
	h.mu.Unlock()

	h.observer.PeerAttached(unannounced)
	h.logger.Info("peer connected", "peer", p.id, "remote", p.remote, "total", total)

	go p.pingLoop()
	go p.readLoop()
}

// announce records the peer's kind and designates the primary.
func (h *Hub) announce(p *peer, kind string) {
	h.mu.Lock()
	previous := p.kind
	p.kind = kind
	var replaced *peer
	if kind == h.cfg.PrimaryClient {
		if h.primary != nil && h.primary != p {
			replaced = h.primary
		}
		h.primary = p
	}
	h.mu.Unlock()

	if previous != kind {
		h.observer.PeerDetached(previous)
		h.observer.PeerAttached(kind)
	}
	if replaced != nil {
		h.logger.Warn("primary peer replaced", "old", replaced.id, "new", p.id)
	}
	h.logger.Info("peer announced", "peer", p.id, "kind", kind, "primary", kind == h.cfg.PrimaryClient)
}

// remove detaches the peer. The primary slot is cleared, never reassigned.
func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.id)
	wasPrimary := h.primary == p
	if wasPrimary {
		h.primary = nil
	}
	kind := p.kind
	total := len(h.peers)
	h.mu.Unlock()

	h.observer.PeerDetached(kind)
	h.logger.Info("peer disconnected", "peer", p.id, "kind", kind, "primary", wasPrimary, "total", total)
}

// peer is one attached websocket endpoint. It implements Transport.
type peer struct {
	id          string
	remote      string
	kind        string // guarded by hub.mu
	connectedAt time.Time

	hub  *Hub
	conn *websocket.Conn

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	connected atomic.Bool
	claimed   atomic.Bool
}

func (p *peer) Send(data []byte) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(p.hub.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) Messages() <-chan TimestampedMessage {
	return p.messages
}

func (p *peer) Errors() <-chan error {
	return p.errors
}

func (p *peer) IsConnected() bool {
	return p.connected.Load()
}

func (p *peer) Addr() string {
	return p.remote
}

func (p *peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.connected.Store(false)
		close(p.done)

		p.writeMu.Lock()
		p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		p.writeMu.Unlock()

		err = p.conn.Close()
	})
	return err
}

func (p *peer) readLoop() {
	h := p.hub
	defer func() {
		p.connected.Store(false)
		h.remove(p)
		p.Close()
	}()

	p.extendDeadline()
	p.conn.SetPongHandler(func(string) error {
		p.extendDeadline()
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("peer read failed", "peer", p.id, "error", err)
			}
			select {
			case p.errors <- err:
			default:
			}
			return
		}
		p.extendDeadline()

		msg, derr := protocol.Decode(data)
		if derr == nil && msg.Kind == protocol.KindAnnouncement {
			h.announce(p, msg.Client)
			continue
		}

		if !p.claimed.Load() {
			if derr != nil {
				h.logger.Warn("discarding non-JSON message", "peer", p.id, "error", derr)
				h.observer.FramingError("websocket")
			} else {
				h.logger.Debug("message from unclaimed peer", "peer", p.id, "kind", msg.Kind.String())
			}
			continue
		}

		select {
		case p.messages <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		case <-p.done:
			return
		}
	}
}

// extendDeadline keeps the peer alive for another pong timeout.
func (p *peer) extendDeadline() {
	if timeout := p.hub.cfg.PongTimeout; timeout > 0 {
		p.conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

func (p *peer) pingLoop() {
	interval := p.hub.cfg.PingInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(p.hub.cfg.WriteTimeout))
			p.writeMu.Unlock()
			if err != nil {
				p.hub.logger.Debug("failed to send ping", "peer", p.id, "error", err)
				return
			}
		}
	}
}
