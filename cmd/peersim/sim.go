package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/gamegenie/genie-bridge/internal/protocol"
)

// sender writes one encoded message to the bridge.
type sender interface {
	Send(data []byte) error
}

// command is an inbound command in either key style.
type command struct {
	Type      string         `json:"type"`
	Command   string         `json:"command"`
	MessageID string         `json:"message_id"`
	Params    map[string]any `json:"params"`
}

func (c command) name() string {
	if c.Type != "" {
		return c.Type
	}
	return c.Command
}

type simulator struct {
	delay    time.Duration
	jitter   time.Duration
	reload   time.Duration
	failRate float64
	logger   *slog.Logger
}

func (s *simulator) handle(ctx context.Context, data []byte, out sender) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Warn("ignoring non-command message", "error", err)
		return
	}

	name := cmd.name()
	s.logger.Info("command", "name", name, "message_id", cmd.MessageID)

	select {
	case <-ctx.Done():
		return
	case <-time.After(randomDelay(s.delay, s.jitter)):
	}

	resp := map[string]any{"message_id": cmd.MessageID}
	result, err := s.execute(name, cmd.Params)
	if err == nil && name != string(protocol.CommandPing) && s.failRate > 0 && rand.Float64() < s.failRate {
		err = fmt.Errorf("simulated failure")
	}
	if err != nil {
		resp["status"] = "error"
		resp["message"] = err.Error()
	} else {
		resp["status"] = "success"
		resp["result"] = result
	}

	s.send(out, resp)

	if err == nil && name == string(protocol.CommandAddScript) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reload):
		}
		s.send(out, map[string]any{
			"type":       "event",
			"event":      protocol.EventScriptsReloaded,
			"message_id": cmd.MessageID,
			"data":       map[string]any{"path": cmd.Params["path"]},
		})
	}
}

func (s *simulator) execute(name string, params map[string]any) (any, error) {
	switch protocol.CommandName(name) {
	case protocol.CommandPing:
		return map[string]any{"message": "pong"}, nil
	case protocol.CommandGetSceneContext:
		return map[string]any{
			"scene": "SampleScene",
			"hierarchy": []map[string]any{
				{"name": "Main Camera", "components": []string{"Transform", "Camera", "AudioListener"}},
				{"name": "Directional Light", "components": []string{"Transform", "Light"}},
			},
			"selected": []string{},
		}, nil
	case protocol.CommandExecuteCode:
		code, _ := params["code"].(string)
		if code == "" {
			return nil, fmt.Errorf("no code provided")
		}
		return fmt.Sprintf("Executed %d characters of C#", len(code)), nil
	case protocol.CommandAddScript:
		path, _ := params["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("no path provided")
		}
		return fmt.Sprintf("Wrote %s", path), nil
	default:
		return nil, fmt.Errorf("Unknown command: %s", name)
	}
}

func (s *simulator) send(out sender, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		return
	}
	if err := out.Send(data); err != nil {
		s.logger.Warn("send failed", "error", err)
	}
}

// tcpWriter serializes writes to the bridge, optionally splitting each
// message so the bridge sees partial frames.
type tcpWriter struct {
	mu    sync.Mutex
	conn  net.Conn
	split bool
}

func (w *tcpWriter) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.split || len(data) < 2 {
		_, err := w.conn.Write(data)
		return err
	}

	half := len(data) / 2
	if _, err := w.conn.Write(data[:half]); err != nil {
		return err
	}
	time.Sleep(20 * time.Millisecond)
	_, err := w.conn.Write(data[half:])
	return err
}
