// Package correlator matches peer responses to the callers waiting for them.
//
// Each outstanding request owns a single-slot channel keyed by its id.
// Responses that arrive with no registered waiter are held for a retention
// period so a caller registering late can still claim them.
package correlator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gamegenie/genie-bridge/internal/protocol"
)

// Errors
var (
	ErrTimedOut    = errors.New("timed out waiting for response")
	ErrDuplicateID = errors.New("request id already pending")
	ErrCancelled   = errors.New("request cancelled")
)

// Default settings.
const (
	DefaultRetention     = 2 * time.Minute
	DefaultSweepInterval = time.Second
)

// Config configures a Correlator.
type Config struct {
	Retention     time.Duration // how long unmatched responses are held
	SweepInterval time.Duration // how often held responses are aged out
}

// Stats is a point-in-time view of correlator counters.
type Stats struct {
	Pending   int
	Held      int
	Delivered uint64 // responses handed to a waiter
	Claimed   uint64 // held responses claimed by a late registration
	TimedOut  uint64
	Expired   uint64 // held responses dropped by the sweep
	Failed    uint64 // waiters failed by FailSession or Cancel
}

// PendingInfo describes an outstanding request.
type PendingInfo struct {
	ID      string        `json:"id"`
	Age     time.Duration `json:"age"`
	Timeout time.Duration `json:"timeout"`
}

type result struct {
	resp protocol.Response
	err  error
}

type heldResponse struct {
	resp       protocol.Response
	receivedAt time.Time
}

// Correlator routes responses to waiters by id.
type Correlator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*Pending
	held    map[string]heldResponse
	stats   Stats
}

// New creates a Correlator.
func New(cfg Config, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	return &Correlator{
		cfg:     cfg,
		logger:  logger.With("component", "correlator"),
		now:     time.Now,
		pending: make(map[string]*Pending),
		held:    make(map[string]heldResponse),
	}
}

// Pending is a registered request awaiting its response. Wait must be called
// at most once.
type Pending struct {
	id        string
	createdAt time.Time
	timeout   time.Duration
	session   uint64 // connection the request was written on; 0 until bound
	ch        chan result
	c         *Correlator
}

// ID returns the correlation id.
func (p *Pending) ID() string {
	return p.id
}

// Register creates a waiter for id. Register must happen before the command
// is sent. If a response for id is already held, the waiter is satisfied
// immediately.
func (c *Correlator) Register(id string, timeout time.Duration) (*Pending, error) {
	p := &Pending{
		id:        id,
		createdAt: c.now(),
		timeout:   timeout,
		ch:        make(chan result, 1),
		c:         c,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateID
	}

	if h, ok := c.held[id]; ok {
		delete(c.held, id)
		c.stats.Claimed++
		p.ch <- result{resp: h.resp}
		return p, nil
	}

	c.pending[id] = p
	return p, nil
}

// Wait blocks until the response arrives, the timeout elapses or ctx is done.
// The waiter is retired in every case.
func (p *Pending) Wait(ctx context.Context) (protocol.Response, error) {
	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-timeout:
		return p.abandon(ErrTimedOut)
	case <-ctx.Done():
		return p.abandon(ctx.Err())
	}
}

// abandon retires the waiter. If a response won the race it is returned
// instead of err.
func (p *Pending) abandon(err error) (protocol.Response, error) {
	c := p.c
	c.mu.Lock()
	if c.pending[p.id] == p {
		delete(c.pending, p.id)
		if errors.Is(err, ErrTimedOut) {
			c.stats.TimedOut++
		}
		c.mu.Unlock()
		return protocol.Response{}, err
	}
	c.mu.Unlock()

	// Already removed by a delivery or failure, which filled the slot under
	// the lock.
	r := <-p.ch
	return r.resp, r.err
}

// Await registers id and waits for its response.
func (c *Correlator) Await(ctx context.Context, id string, timeout time.Duration) (protocol.Response, error) {
	p, err := c.Register(id, timeout)
	if err != nil {
		return protocol.Response{}, err
	}
	return p.Wait(ctx)
}

// Ingest hands resp to the waiter registered under id, or holds it. It
// reports whether a waiter received it.
func (c *Correlator) Ingest(id string, resp protocol.Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.stats.Delivered++
		p.ch <- result{resp: resp}
		return true
	}

	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = c.now()
	}
	c.held[id] = heldResponse{resp: resp, receivedAt: c.now()}
	c.logger.Debug("holding unmatched response", "id", id, "held", len(c.held))
	return false
}

// Cancel retires the waiter for id, waking it with ErrCancelled.
func (c *Correlator) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.stats.Failed++
		p.ch <- result{err: ErrCancelled}
	}
}

// Bind ties the waiter for id, and any follow-up waiter derived from it, to
// the connection generation the command is written on.
func (c *Correlator) Bind(id string, session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[id]; ok {
		p.session = session
	}
	for key, p := range c.pending {
		if protocol.FollowUpOwner(key) == id {
			p.session = session
		}
	}
}

// FailSession wakes every waiter bound to session with err. Waiters whose
// command has not been written yet are left alone.
func (c *Correlator) FailSession(session uint64, err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, p := range c.pending {
		if p.session != session {
			continue
		}
		delete(c.pending, id)
		p.ch <- result{err: err}
		n++
	}
	c.stats.Failed += uint64(n)

	if n > 0 {
		c.logger.Warn("failed pending requests", "count", n, "session", session, "error", err)
	}
	return n
}

// IngestUnaddressed delivers a response that carries no id. It goes to the
// only bound command waiter; with none or several it is dropped.
func (c *Correlator) IngestUnaddressed(resp protocol.Response) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target *Pending
	for key, p := range c.pending {
		if p.session == 0 || protocol.IsEventKey(key) {
			continue
		}
		if target != nil {
			return "", false
		}
		target = p
	}
	if target == nil {
		return "", false
	}

	delete(c.pending, target.id)
	c.stats.Delivered++
	resp.ID = target.id
	target.ch <- result{resp: resp}
	return target.id, true
}

// Sweep drops held responses older than the retention period.
func (c *Correlator) Sweep() int {
	cutoff := c.now().Add(-c.cfg.Retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for id, h := range c.held {
		if h.receivedAt.Before(cutoff) {
			delete(c.held, id)
			dropped++
		}
	}
	c.stats.Expired += uint64(dropped)

	if dropped > 0 {
		c.logger.Debug("expired held responses", "count", dropped, "remaining", len(c.held))
	}
	return dropped
}

// Run sweeps the holding area until ctx is done.
func (c *Correlator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns current counters.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Pending = len(c.pending)
	s.Held = len(c.held)
	return s
}

// Outstanding lists pending requests, oldest first.
func (c *Correlator) Outstanding() []PendingInfo {
	now := c.now()

	c.mu.Lock()
	infos := make([]PendingInfo, 0, len(c.pending))
	for _, p := range c.pending {
		infos = append(infos, PendingInfo{
			ID:      p.id,
			Age:     now.Sub(p.createdAt),
			Timeout: p.timeout,
		})
	}
	c.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Age > infos[j].Age
	})
	return infos
}
