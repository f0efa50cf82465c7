package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Encoder serializes commands for a peer.
type Encoder struct {
	// CommandKey is the JSON key carrying the command name.
	CommandKey string
}

// Encode returns the wire form of cmd.
func (e Encoder) Encode(cmd Command) ([]byte, error) {
	key := e.CommandKey
	if key == "" {
		key = "type"
	}
	if cmd.Name == "" {
		return nil, fmt.Errorf("encode command: empty name")
	}
	if key == "params" || key == "message_id" {
		return nil, fmt.Errorf("encode command: reserved command key %q", key)
	}

	params := cmd.Params
	if params == nil {
		params = map[string]any{}
	}

	data, err := json.Marshal(map[string]any{
		key:          cmd.Name,
		"params":     params,
		"message_id": cmd.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.Name, err)
	}
	return data, nil
}

// envelope covers every field the peer is known to send.
type envelope struct {
	Client    *string         `json:"client"`
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	ID        json.RawMessage `json:"id"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Result    json.RawMessage `json:"result"`
}

// Decode classifies a single JSON frame. A frame that is not a JSON object
// returns ErrMalformed.
func Decode(data []byte) (Message, error) {
	receivedAt := time.Now()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id := env.MessageID
	if id == "" {
		id = rawID(env.ID)
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = env.Result
	}

	msg := Message{Raw: json.RawMessage(trimmed)}

	switch {
	case env.Type == "event" || env.Event != "":
		msg.Kind = KindEvent
		msg.Event = Event{
			Name:       env.Event,
			ID:         id,
			Data:       payload,
			ReceivedAt: receivedAt,
		}
	case id != "":
		msg.Kind = KindResponse
		msg.Response = Response{
			ID:         id,
			Status:     env.Status,
			Message:    env.Message,
			Data:       payload,
			ReceivedAt: receivedAt,
		}
	case env.Client != nil:
		msg.Kind = KindAnnouncement
		msg.Client = *env.Client
	case env.Status != "":
		// Stream peers may answer without echoing the id.
		msg.Kind = KindResponse
		msg.Response = Response{
			Status:     env.Status,
			Message:    env.Message,
			Data:       payload,
			ReceivedAt: receivedAt,
		}
	default:
		msg.Kind = KindOther
	}

	return msg, nil
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
