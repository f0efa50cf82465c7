package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outcome classifies how a command ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransportError
	OutcomeTimedOut
	OutcomePeerError
	OutcomeCancelled
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomePeerError:
		return "peer_error"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// PeerError is a failure reported by the peer itself.
type PeerError struct {
	Command string
	Message string
}

func (e *PeerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer rejected %s", e.Command)
	}
	return fmt.Sprintf("peer rejected %s: %s", e.Command, e.Message)
}

// Result is the outcome of one dispatched command.
type Result struct {
	ID        string
	Command   string
	Outcome   Outcome
	Payload   json.RawMessage
	FollowUp  json.RawMessage // payload of the awaited follow-up event, if any
	Err       error
	StartedAt time.Time
	Duration  time.Duration
	Timeout   time.Duration
}

// OK reports whether the command succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Text renders the result as a message an agent can act on.
func (r Result) Text() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return payloadText(r.Payload)
	case OutcomeTimedOut:
		return fmt.Sprintf("Timeout after %s waiting for Unity to respond to %s - try simplifying your request", r.Timeout, r.Command)
	case OutcomeTransportError:
		return fmt.Sprintf("Could not reach Unity (%v). Make sure the Unity editor is running with the Game Genie plugin connected.", r.Err)
	case OutcomePeerError:
		return fmt.Sprintf("Unity reported an error: %s", peerMessage(r.Err))
	case OutcomeCancelled:
		return fmt.Sprintf("Request %s was cancelled before Unity responded", r.Command)
	default:
		if r.Err != nil {
			return fmt.Sprintf("Invalid command: %v", r.Err)
		}
		return "Invalid command"
	}
}

func peerMessage(err error) string {
	var pe *PeerError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}

// payloadText unwraps JSON strings and renders anything else as compact JSON.
func payloadText(payload json.RawMessage) string {
	if len(payload) == 0 || string(payload) == "null" {
		return "ok"
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}
