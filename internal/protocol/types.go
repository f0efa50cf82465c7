package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrMalformed = errors.New("malformed message")
)

// CommandName identifies a command understood by the editor peer.
type CommandName string

// Commands offered to agents. The core passes any name through; this set is
// what the tool layer exposes.
const (
	CommandPing            CommandName = "ping"
	CommandGetSceneContext CommandName = "get_scene_context"
	CommandExecuteCode     CommandName = "execute_unity_code_in_editor"
	CommandAddScript       CommandName = "add_script_to_project"
)

// Events the peer emits after a command completes asynchronously.
const (
	EventScriptsReloaded = "scripts_reloaded"
)

// Command is a single request to the peer. Immutable once sent.
type Command struct {
	ID     string
	Name   string
	Params map[string]any
}

// NewCommand builds a command with a fresh message id.
func NewCommand(name string, params map[string]any) Command {
	if params == nil {
		params = map[string]any{}
	}
	return Command{
		ID:     uuid.NewString(),
		Name:   name,
		Params: params,
	}
}

// Response is a peer reply correlated by ID.
type Response struct {
	ID         string
	Status     string          // "ok", "success", "error" or empty
	Message    string          // error text when Status is "error"
	Data       json.RawMessage // "data" or "result" payload
	Event      string          // set when the response is a follow-up event
	ReceivedAt time.Time
}

// IsError reports whether the peer flagged the response as failed.
func (r Response) IsError() bool {
	return r.Status == "error"
}

// Event is an asynchronous notification from the peer.
type Event struct {
	Name       string
	ID         string // originating command id, empty for unsolicited events
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Response converts a follow-up event into a response keyed for correlation.
func (e Event) Response(key string) Response {
	return Response{
		ID:         key,
		Data:       e.Data,
		Event:      e.Name,
		ReceivedAt: e.ReceivedAt,
	}
}

// Kind classifies an inbound message.
type Kind int

const (
	KindOther Kind = iota
	KindAnnouncement
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindAnnouncement:
		return "announcement"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "other"
	}
}

// Message is a decoded inbound frame. Exactly one of Client, Response or
// Event is meaningful, selected by Kind.
type Message struct {
	Kind     Kind
	Client   string // announced peer kind
	Response Response
	Event    Event
	Raw      json.RawMessage
}

// FollowUpKey is the correlation key for an event that follows the command
// with the given id.
func FollowUpKey(id, event string) string {
	return id + "#" + event
}

// FollowUpOwner returns the command id a follow-up key was derived from, or
// "" if key is not a follow-up key.
func FollowUpOwner(key string) string {
	id, _, ok := strings.Cut(key, "#")
	if !ok {
		return ""
	}
	return id
}

// IsEventKey reports whether key correlates an event rather than a command
// response.
func IsEventKey(key string) bool {
	return strings.Contains(key, "#") || strings.HasPrefix(key, legacyEventPrefix)
}

const legacyEventPrefix = "event:"

// LegacyEventKey is the shared correlation key for events that carry no
// originating id. Only one waiter per event name can hold it at a time.
func LegacyEventKey(event string) string {
	return legacyEventPrefix + event
}
