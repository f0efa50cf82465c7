package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gamegenie/genie-bridge/internal/connection"
	"github.com/gamegenie/genie-bridge/internal/correlator"
	"github.com/gamegenie/genie-bridge/internal/frame"
	"github.com/gamegenie/genie-bridge/internal/protocol"
)

// scriptedSender answers each command through the correlator, as the
// connection read loop would.
type scriptedSender struct {
	corr    *correlator.Correlator
	respond func(cmd protocol.Command) []protocol.Response
	err     error

	mu   sync.Mutex
	sent []protocol.Command
}

func (s *scriptedSender) Send(ctx context.Context, cmd protocol.Command) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	s.mu.Unlock()

	if s.respond != nil {
		go func() {
			for _, resp := range s.respond(cmd) {
				s.corr.Ingest(resp.ID, resp)
			}
		}()
	}
	return nil
}

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (l *resultLog) Record(r Result) {
	l.mu.Lock()
	l.results = append(l.results, r)
	l.mu.Unlock()
}

func (l *resultLog) ObserveResult(r Result) {
	l.Record(r)
}

func ok(data string) func(cmd protocol.Command) []protocol.Response {
	return func(cmd protocol.Command) []protocol.Response {
		return []protocol.Response{{ID: cmd.ID, Status: "success", Data: json.RawMessage(data)}}
	}
}

func newTestDispatcher(respond func(protocol.Command) []protocol.Response, opts ...Option) (*Dispatcher, *scriptedSender, *correlator.Correlator) {
	corr := correlator.New(correlator.Config{}, nil)
	sender := &scriptedSender{corr: corr, respond: respond}
	return New(sender, corr, opts...), sender, corr
}

func TestDispatcher_ExecuteSuccess(t *testing.T) {
	log := &resultLog{}
	d, sender, corr := newTestDispatcher(ok(`{"objects":["Main Camera"]}`), WithRecorder(log))

	res := d.Execute(context.Background(), "get_scene_context", nil)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success (err %v)", res.Outcome, res.Err)
	}
	if res.Text() != `{"objects":["Main Camera"]}` {
		t.Errorf("Text() = %q", res.Text())
	}
	if len(sender.sent) != 1 || sender.sent[0].ID != res.ID {
		t.Errorf("sent = %+v, want one command with id %s", sender.sent, res.ID)
	}
	if len(log.results) != 1 || log.results[0].ID != res.ID {
		t.Errorf("recorded %d results, want 1 matching", len(log.results))
	}
	if res.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", res.Duration)
	}
	if got := corr.Stats().Pending; got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

func TestDispatcher_ExecuteStringPayload(t *testing.T) {
	d, _, _ := newTestDispatcher(ok(`"Code executed"`))

	res := d.Execute(context.Background(), "execute_unity_code_in_editor", map[string]any{"code": "x"})
	if res.Text() != "Code executed" {
		t.Errorf("Text() = %q, want %q", res.Text(), "Code executed")
	}
}

func TestDispatcher_ExecutePeerError(t *testing.T) {
	d, _, _ := newTestDispatcher(func(cmd protocol.Command) []protocol.Response {
		return []protocol.Response{{ID: cmd.ID, Status: "error", Message: "CS0103: The name 'foo' does not exist"}}
	})

	res := d.Execute(context.Background(), "execute_unity_code_in_editor", nil)

	if res.Outcome != OutcomePeerError {
		t.Fatalf("Outcome = %v, want peer_error", res.Outcome)
	}
	var pe *PeerError
	if !errors.As(res.Err, &pe) {
		t.Fatalf("Err = %v, want *PeerError", res.Err)
	}
	if !strings.Contains(res.Text(), "CS0103") {
		t.Errorf("Text() = %q, want peer message", res.Text())
	}
}

func TestDispatcher_ExecuteNoResponseTimesOut(t *testing.T) {
	d, _, corr := newTestDispatcher(nil, WithTimeout(50*time.Millisecond))

	start := time.Now()
	res := d.Execute(context.Background(), "get_scene_context", nil)

	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("Outcome = %v, want timed_out", res.Outcome)
	}
	if !errors.Is(res.Err, correlator.ErrTimedOut) {
		t.Errorf("Err = %v, want ErrTimedOut", res.Err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute took %v, want about 50ms", elapsed)
	}
	if !strings.Contains(res.Text(), "Timeout") {
		t.Errorf("Text() = %q, want timeout message", res.Text())
	}
	if got := corr.Stats().Pending; got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

func TestDispatcher_ExecuteTransportError(t *testing.T) {
	d, sender, corr := newTestDispatcher(nil)
	sender.err = fmt.Errorf("%w: dial localhost:9876: connection refused", connection.ErrTransport)

	res := d.Execute(context.Background(), "get_scene_context", nil)

	if res.Outcome != OutcomeTransportError {
		t.Fatalf("Outcome = %v, want transport_error", res.Outcome)
	}
	if !strings.Contains(res.Text(), "connection refused") {
		t.Errorf("Text() = %q", res.Text())
	}
	if got := corr.Stats().Pending; got != 0 {
		t.Errorf("Pending = %d after send failure, want 0", got)
	}
}

func TestDispatcher_ExecuteInvalid(t *testing.T) {
	obs := &resultLog{}
	d, sender, _ := newTestDispatcher(nil, WithObserver(obs))

	res := d.Execute(context.Background(), "", nil)

	if res.Outcome != OutcomeInvalid {
		t.Fatalf("Outcome = %v, want invalid", res.Outcome)
	}
	if len(sender.sent) != 0 {
		t.Error("invalid command was sent")
	}
	if len(obs.results) != 1 {
		t.Errorf("observed %d results, want 1", len(obs.results))
	}
}

func TestDispatcher_ExecuteCancelled(t *testing.T) {
	d, _, _ := newTestDispatcher(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Execute(ctx, "get_scene_context", nil)
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("Outcome = %v, want cancelled", res.Outcome)
	}
}

func TestDispatcher_ExecuteWithFollowUp(t *testing.T) {
	d, _, _ := newTestDispatcher(func(cmd protocol.Command) []protocol.Response {
		key := protocol.FollowUpKey(cmd.ID, protocol.EventScriptsReloaded)
		return []protocol.Response{
			{ID: cmd.ID, Status: "success", Data: json.RawMessage(`"Script written"`)},
			{ID: key, Event: protocol.EventScriptsReloaded, Data: json.RawMessage(`{"errors":0}`)},
		}
	})

	res := d.ExecuteWithFollowUp(context.Background(), "add_script_to_project",
		map[string]any{"path": "Assets/Scripts/Spin.cs", "content": "class Spin {}"},
		protocol.EventScriptsReloaded)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success (err %v)", res.Outcome, res.Err)
	}
	if string(res.FollowUp) != `{"errors":0}` {
		t.Errorf("FollowUp = %s", res.FollowUp)
	}
}

func TestDispatcher_ExecuteWithFollowUpTimesOut(t *testing.T) {
	d, _, corr := newTestDispatcher(ok(`"Script written"`), WithTimeout(50*time.Millisecond))

	res := d.ExecuteWithFollowUp(context.Background(), "add_script_to_project", nil, protocol.EventScriptsReloaded)

	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("Outcome = %v, want timed_out", res.Outcome)
	}
	if string(res.Payload) != `"Script written"` {
		t.Errorf("Payload = %s, want the initial response", res.Payload)
	}
	if got := corr.Stats().Pending; got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

func TestDispatcher_LegacyFollowUpRejectsOverlap(t *testing.T) {
	d, _, corr := newTestDispatcher(nil, WithLegacyEventIDs(true), WithTimeout(time.Second))

	// Another waiter already holds the shared key.
	if _, err := corr.Register(protocol.LegacyEventKey(protocol.EventScriptsReloaded), time.Second); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	res := d.ExecuteWithFollowUp(context.Background(), "add_script_to_project", nil, protocol.EventScriptsReloaded)
	if res.Outcome != OutcomeInvalid || !errors.Is(res.Err, correlator.ErrDuplicateID) {
		t.Fatalf("result = %v/%v, want invalid with ErrDuplicateID", res.Outcome, res.Err)
	}
	if got := corr.Stats().Pending; got != 1 {
		t.Errorf("Pending = %d, want only the pre-existing waiter", got)
	}
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeSuccess, "success"},
		{OutcomeTransportError, "transport_error"},
		{OutcomeTimedOut, "timed_out"},
		{OutcomePeerError, "peer_error"},
		{OutcomeCancelled, "cancelled"},
		{OutcomeInvalid, "invalid"},
		{Outcome(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.outcome, got, tt.want)
		}
	}
}

// TestDispatcher_ReconnectAfterTransportError drives a real TCP connection
// through a peer crash.
func TestDispatcher_ReconnectAfterTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var accepted int
	var mu sync.Mutex
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted++
			first := accepted == 1
			mu.Unlock()

			go func(conn net.Conn, crash bool) {
				defer conn.Close()
				r := frame.NewReader(conn, 0, 0)
				for {
					data, err := r.Next()
					if err != nil {
						return
					}
					if crash {
						return
					}
					var cmd map[string]any
					json.Unmarshal(data, &cmd)
					out, _ := json.Marshal(map[string]any{"message_id": cmd["message_id"], "status": "ok", "result": "pong"})
					conn.Write(out)
				}
			}(conn, first)
		}
	}()

	corr := correlator.New(correlator.Config{}, nil)
	tcpCfg := connection.DefaultTCPConfig()
	tcpCfg.Addr = ln.Addr().String()
	m := connection.NewManager(connection.DefaultManagerConfig(), connection.NewTCPDialer(tcpCfg, nil, nil), corr, nil)
	defer m.Disconnect()

	d := New(m, corr, WithTimeout(2*time.Second))
	ctx := context.Background()

	first := d.Execute(ctx, "get_scene_context", nil)
	if first.Outcome != OutcomeTransportError {
		t.Fatalf("first Outcome = %v (%v), want transport_error", first.Outcome, first.Err)
	}

	second := d.Execute(ctx, "get_scene_context", nil)
	if second.Outcome != OutcomeSuccess {
		t.Fatalf("second Outcome = %v (%v), want success", second.Outcome, second.Err)
	}
	if second.Text() != "pong" {
		t.Errorf("Text() = %q, want pong", second.Text())
	}
	if got := m.Stats().Generation; got != 2 {
		t.Errorf("Generation = %d, want 2", got)
	}
}

// tcpPeer serves framed commands on a loopback listener, passing each one
// to handle.
func tcpPeer(t *testing.T, handle func(conn net.Conn, cmd map[string]any)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := frame.NewReader(conn, 0, 0)
				for {
					data, err := r.Next()
					if err != nil {
						return
					}
					var cmd map[string]any
					if json.Unmarshal(data, &cmd) == nil {
						handle(conn, cmd)
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func answer(conn net.Conn, v map[string]any) {
	out, _ := json.Marshal(v)
	conn.Write(out)
}

func newTCPDispatcher(t *testing.T, addr string, cfg connection.ManagerConfig) (*Dispatcher, connection.Manager) {
	t.Helper()
	corr := correlator.New(correlator.Config{}, nil)
	tcpCfg := connection.DefaultTCPConfig()
	tcpCfg.Addr = addr
	m := connection.NewManager(cfg, connection.NewTCPDialer(tcpCfg, nil, nil), corr, nil)
	t.Cleanup(m.Disconnect)
	return New(m, corr, WithTimeout(2*time.Second)), m
}

func TestDispatcher_FailedCheckBeforeUseRunsCommandOnce(t *testing.T) {
	var mu sync.Mutex
	executed := 0
	addr := tcpPeer(t, func(conn net.Conn, cmd map[string]any) {
		if cmd["type"] == "ping" {
			return
		}
		mu.Lock()
		executed++
		mu.Unlock()
		answer(conn, map[string]any{"message_id": cmd["message_id"], "status": "ok", "result": "done"})
	})

	cfg := connection.DefaultManagerConfig()
	cfg.HealthCheckInterval = -1
	cfg.HealthCheckTimeout = 100 * time.Millisecond
	d, m := newTCPDispatcher(t, addr, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := d.Execute(ctx, "execute_unity_code_in_editor", map[string]any{"code": fmt.Sprint(i)})
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("Execute #%d Outcome = %v (%v), want success", i, res.Outcome, res.Err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if executed != 2 {
		t.Errorf("peer executed %d commands, want 2", executed)
	}
	if got := m.Stats().Generation; got != 2 {
		t.Errorf("Generation = %d, want 2", got)
	}
}

func TestDispatcher_CallerDeadlineSparesOtherCallers(t *testing.T) {
	addr := tcpPeer(t, func(conn net.Conn, cmd map[string]any) {
		go func() {
			time.Sleep(300 * time.Millisecond)
			answer(conn, map[string]any{"message_id": cmd["message_id"], "status": "ok", "result": "done"})
		}()
	})

	cfg := connection.DefaultManagerConfig()
	cfg.HealthCheckInterval = -1
	cfg.HealthCheckTimeout = 2 * time.Second
	d, m := newTCPDispatcher(t, addr, cfg)

	if res := d.Execute(context.Background(), "get_scene_context", nil); !res.OK() {
		t.Fatalf("warm-up Outcome = %v (%v), want success", res.Outcome, res.Err)
	}

	var wg sync.WaitGroup
	var other Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		other = d.Execute(context.Background(), "get_scene_context", nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	impatient := d.Execute(ctx, "get_scene_context", nil)
	wg.Wait()

	if impatient.Outcome != OutcomeTimedOut {
		t.Errorf("impatient Outcome = %v (%v), want timed_out", impatient.Outcome, impatient.Err)
	}
	if other.Outcome != OutcomeSuccess {
		t.Errorf("other Outcome = %v (%v), want success", other.Outcome, other.Err)
	}
	if got := m.Stats().Generation; got != 1 {
		t.Errorf("Generation = %d, want 1", got)
	}
}

func TestDispatcher_PeerErrorWithoutID(t *testing.T) {
	addr := tcpPeer(t, func(conn net.Conn, cmd map[string]any) {
		answer(conn, map[string]any{"status": "error", "message": "Unknown command"})
	})
	d, _ := newTCPDispatcher(t, addr, connection.DefaultManagerConfig())

	res := d.Execute(context.Background(), "no_such_command", nil)
	if res.Outcome != OutcomePeerError {
		t.Fatalf("Outcome = %v (%v), want peer_error", res.Outcome, res.Err)
	}
	if !strings.Contains(res.Err.Error(), "Unknown command") {
		t.Errorf("Err = %v, want it to mention the peer message", res.Err)
	}
}
