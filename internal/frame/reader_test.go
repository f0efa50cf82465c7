package frame

import (
	"errors"
	"net"
	"testing"
	"time"
)

// pipe returns a Reader over one end of an in-memory connection and the
// other end for the test to write to.
func pipe(t *testing.T, chunkSize int, timeout time.Duration) (*Reader, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewReader(client, chunkSize, timeout), server
}

// write sends each part as a separate write from a background goroutine.
func write(t *testing.T, conn net.Conn, parts ...string) {
	t.Helper()
	go func() {
		for _, p := range parts {
			if _, err := conn.Write([]byte(p)); err != nil {
				return
			}
		}
	}()
}

func next(t *testing.T, r *Reader) ([]byte, error) {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := r.Next()
		ch <- result{data, err}
	}()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not return")
		return nil, nil
	}
}

func mustNext(t *testing.T, r *Reader, want string) {
	t.Helper()
	got, err := next(t, r)
	if err != nil {
		t.Fatalf("Next() error = %v, want frame %s", err, want)
	}
	if string(got) != want {
		t.Fatalf("Next() = %s, want %s", got, want)
	}
}

func TestReader_SingleFrame(t *testing.T) {
	r, conn := pipe(t, 0, time.Second)
	write(t, conn, `{"message_id":"a","status":"ok"}`)

	mustNext(t, r, `{"message_id":"a","status":"ok"}`)
}

func TestReader_MultipleFramesInOneChunk(t *testing.T) {
	r, conn := pipe(t, 0, time.Second)
	write(t, conn, "{\"a\":1}\n{\"b\":2} {\"c\":3}")

	mustNext(t, r, `{"a":1}`)
	mustNext(t, r, `{"b":2}`)
	mustNext(t, r, `{"c":3}`)
}

func TestReader_FrameSplitAcrossChunks(t *testing.T) {
	r, conn := pipe(t, 0, time.Second)
	write(t, conn, `{"message_id":"a",`, `"data":{"text":"he`, `llo"}}`)

	mustNext(t, r, `{"message_id":"a","data":{"text":"hello"}}`)
	if r.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", r.Buffered())
	}
}

func TestReader_SmallChunkSize(t *testing.T) {
	r, conn := pipe(t, 4, time.Second)
	write(t, conn, `{"message_id":"abcdef","data":[1,2,3]}{"x":true}`)

	mustNext(t, r, `{"message_id":"abcdef","data":[1,2,3]}`)
	mustNext(t, r, `{"x":true}`)
}

func TestReader_MalformedIsNotFatal(t *testing.T) {
	r, conn := pipe(t, 0, time.Second)
	write(t, conn, `}}} garbage`, `{"ok":true}`)

	_, err := next(t, r)
	var ferr *Error
	if !errors.As(err, &ferr) {
		t.Fatalf("Next() error = %v, want *Error", err)
	}
	if ferr.Reason != ReasonMalformed {
		t.Errorf("Reason = %q, want %q", ferr.Reason, ReasonMalformed)
	}
	if string(ferr.Data) != `}}} garbage` {
		t.Errorf("Data = %q, want %q", ferr.Data, `}}} garbage`)
	}

	mustNext(t, r, `{"ok":true}`)
}

func TestReader_FramesBeforeMalformedAreKept(t *testing.T) {
	r, conn := pipe(t, 0, time.Second)
	write(t, conn, `{"a":1}]`)

	mustNext(t, r, `{"a":1}`)

	_, err := next(t, r)
	var ferr *Error
	if !errors.As(err, &ferr) {
		t.Fatalf("Next() error = %v, want *Error", err)
	}
}

func TestReader_TruncatedAfterTimeout(t *testing.T) {
	r, conn := pipe(t, 0, 50*time.Millisecond)
	write(t, conn, `{"message_id":"a","data":`)

	_, err := next(t, r)
	var ferr *Error
	if !errors.As(err, &ferr) {
		t.Fatalf("Next() error = %v, want *Error", err)
	}
	if ferr.Reason != ReasonTruncated {
		t.Errorf("Reason = %q, want %q", ferr.Reason, ReasonTruncated)
	}
	if r.Buffered() != 0 {
		t.Errorf("Buffered() = %d after truncation, want 0", r.Buffered())
	}

	// The reader keeps going after a truncated burst.
	write(t, conn, `{"message_id":"b"}`)
	mustNext(t, r, `{"message_id":"b"}`)
}

func TestReader_IdleTimeoutIsNotAnError(t *testing.T) {
	r, conn := pipe(t, 0, 20*time.Millisecond)

	go func() {
		time.Sleep(100 * time.Millisecond)
		conn.Write([]byte(`{"late":true}`))
	}()

	mustNext(t, r, `{"late":true}`)
}

func TestReader_PeerClosed(t *testing.T) {
	r, conn := pipe(t, 0, time.Second)
	conn.Close()

	_, err := next(t, r)
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("Next() error = %v, want ErrPeerClosed", err)
	}

	// Stays closed.
	_, err = next(t, r)
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("second Next() error = %v, want ErrPeerClosed", err)
	}
}

func TestReader_PeerClosedMidFrame(t *testing.T) {
	r, conn := pipe(t, 0, time.Second)
	go func() {
		conn.Write([]byte(`{"a":1}{"b":`))
		conn.Close()
	}()

	mustNext(t, r, `{"a":1}`)

	_, err := next(t, r)
	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Reason != ReasonTruncated {
		t.Fatalf("Next() error = %v, want truncated *Error", err)
	}

	_, err = next(t, r)
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("Next() error = %v, want ErrPeerClosed", err)
	}
}

func TestReader_PeerClosedAfterCompleteFrame(t *testing.T) {
	r, conn := pipe(t, 0, time.Second)
	go func() {
		conn.Write([]byte(`{"a":1}`))
		conn.Close()
	}()

	mustNext(t, r, `{"a":1}`)

	_, err := next(t, r)
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("Next() error = %v, want ErrPeerClosed", err)
	}
}
