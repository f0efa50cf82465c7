// Package dispatch is the public entry point for executing commands on the
// editor peer. It registers a waiter, sends through the connection manager
// and turns every failure into a reportable Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gamegenie/genie-bridge/internal/connection"
	"github.com/gamegenie/genie-bridge/internal/correlator"
	"github.com/gamegenie/genie-bridge/internal/protocol"
)

// DefaultTimeout bounds the wait for a response.
const DefaultTimeout = 30 * time.Second

// Sender writes a command to the peer.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) error
}

// Recorder persists results, e.g. to an audit log.
type Recorder interface {
	Record(r Result)
}

// Observer receives every result, e.g. for metrics.
type Observer interface {
	ObserveResult(r Result)
}

// Dispatcher executes commands and waits for their responses.
type Dispatcher struct {
	sender     Sender
	correlator *correlator.Correlator
	timeout    time.Duration
	legacy     bool
	recorder   Recorder
	observer   Observer
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the response timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithRecorder records every result.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// WithObserver reports every result.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithLegacyEventIDs waits for follow-up events under the shared per-event
// key instead of the command id.
func WithLegacyEventIDs(enabled bool) Option {
	return func(d *Dispatcher) {
		d.legacy = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Dispatcher.
func New(sender Sender, corr *correlator.Correlator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:     sender,
		correlator: corr,
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Timeout returns the response timeout.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Execute sends name with params and waits for the matching response.
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]any) Result {
	return d.execute(ctx, name, params, "")
}

// ExecuteWithFollowUp additionally waits for the peer to emit event after
// responding, e.g. scripts_reloaded after a script is added.
func (d *Dispatcher) ExecuteWithFollowUp(ctx context.Context, name string, params map[string]any, event string) Result {
	return d.execute(ctx, name, params, event)
}

func (d *Dispatcher) execute(ctx context.Context, name string, params map[string]any, event string) (res Result) {
	cmd := protocol.NewCommand(name, params)
	res = Result{
		ID:        cmd.ID,
		Command:   name,
		StartedAt: time.Now(),
		Timeout:   d.timeout,
	}

	defer func() {
		res.Duration = time.Since(res.StartedAt)
		d.finish(res)
	}()

	if name == "" {
		res.Outcome = OutcomeInvalid
		res.Err = errors.New("command name is required")
		return res
	}

	// Register before sending so an immediate reply has a waiter.
	pending, err := d.correlator.Register(cmd.ID, d.timeout)
	if err != nil {
		res.Outcome, res.Err = classify(err), err
		return res
	}

	var follow *correlator.Pending
	if event != "" {
		key := protocol.FollowUpKey(cmd.ID, event)
		if d.legacy {
			key = protocol.LegacyEventKey(event)
		}
		follow, err = d.correlator.Register(key, d.timeout)
		if err != nil {
			d.correlator.Cancel(cmd.ID)
			res.Outcome = OutcomeInvalid
			res.Err = fmt.Errorf("await %s: %w", event, err)
			return res
		}
	}

	d.logger.Info("sending command", "command", name, "id", cmd.ID)

	if err := d.sender.Send(ctx, cmd); err != nil {
		d.correlator.Cancel(cmd.ID)
		if follow != nil {
			d.correlator.Cancel(follow.ID())
		}
		res.Outcome, res.Err = classify(err), err
		return res
	}

	resp, err := pending.Wait(ctx)
	if err != nil {
		if follow != nil {
			d.correlator.Cancel(follow.ID())
		}
		res.Outcome, res.Err = classify(err), err
		return res
	}
	res.Payload = resp.Data

	if resp.IsError() {
		if follow != nil {
			d.correlator.Cancel(follow.ID())
		}
		res.Outcome = OutcomePeerError
		res.Err = &PeerError{Command: name, Message: resp.Message}
		return res
	}

	if follow != nil {
		ev, err := follow.Wait(ctx)
		if err != nil {
			res.Outcome = classify(err)
			res.Err = fmt.Errorf("waiting for %s: %w", event, err)
			return res
		}
		res.FollowUp = ev.Data
	}

	res.Outcome = OutcomeSuccess
	return res
}

// classify maps an error to an Outcome.
func classify(err error) Outcome {
	var pe *PeerError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, correlator.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimedOut
	case errors.Is(err, context.Canceled), errors.Is(err, correlator.ErrCancelled):
		return OutcomeCancelled
	case connection.IsTransportError(err):
		return OutcomeTransportError
	case errors.As(err, &pe):
		return OutcomePeerError
	default:
		return OutcomeInvalid
	}
}

func (d *Dispatcher) finish(res Result) {
	if res.OK() {
		d.logger.Info("command completed", "command", res.Command, "id", res.ID, "duration", res.Duration)
	} else {
		d.logger.Warn("command failed",
			"command", res.Command,
			"id", res.ID,
			"outcome", res.Outcome.String(),
			"error", res.Err,
			"duration", res.Duration,
		)
	}

	if d.observer != nil {
		d.observer.ObserveResult(res)
	}
	if d.recorder != nil {
		d.recorder.Record(res)
	}
}
