// Package frame reassembles self-delimiting JSON messages from a byte stream.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = 8192

// ErrPeerClosed is returned once the stream has ended and every buffered frame
// has been consumed. It is fatal to the connection.
var ErrPeerClosed = errors.New("peer closed connection")

// Reasons reported by Error.
const (
	ReasonMalformed = "malformed"
	ReasonTruncated = "truncated"
)

// Error is a non-fatal framing failure. The offending bytes have been
// discarded and the Reader can be used again.
type Error struct {
	Reason string
	Data   []byte
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame %s (%d bytes): %v", e.Reason, len(e.Data), e.Err)
	}
	return fmt.Sprintf("frame %s (%d bytes)", e.Reason, len(e.Data))
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conn is the stream a Reader consumes. net.Conn satisfies it.
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Reader yields complete JSON values from a stream, one per call to Next.
// It is not safe for concurrent use.
type Reader struct {
	conn    Conn
	timeout time.Duration
	chunk   []byte
	buf     []byte

	ready   [][]byte
	pending error
	fatal   error
}

// NewReader creates a Reader. receiveTimeout bounds how long a partial value
// may sit in the buffer without new bytes; zero disables the bound.
func NewReader(conn Conn, chunkSize int, receiveTimeout time.Duration) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{
		conn:    conn,
		timeout: receiveTimeout,
		chunk:   make([]byte, chunkSize),
	}
}

// Buffered returns the number of bytes held towards an incomplete value.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Next returns the next complete JSON value.
//
// A *Error reports discarded bytes; the caller may keep reading. ErrPeerClosed
// and any other I/O error end the stream.
func (r *Reader) Next() ([]byte, error) {
	for {
		if len(r.ready) > 0 {
			frame := r.ready[0]
			r.ready[0] = nil
			r.ready = r.ready[1:]
			return frame, nil
		}
		if r.pending != nil {
			err := r.pending
			r.pending = nil
			return nil, err
		}
		if r.fatal != nil {
			return nil, r.fatal
		}

		if r.timeout > 0 {
			if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
				return nil, err
			}
		}

		n, err := r.conn.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			r.extract()
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			// Idle with nothing buffered is not an error.
			if len(r.buf) > 0 {
				r.finish()
			}
		case errors.Is(err, io.EOF):
			if len(r.buf) > 0 {
				r.finish()
			}
			r.fatal = ErrPeerClosed
		default:
			r.fatal = err
		}
	}
}

// extract moves every complete value at the front of the buffer to the ready
// queue. A syntax error discards the whole buffer.
func (r *Reader) extract() {
	for {
		r.buf = trimLeft(r.buf)
		if len(r.buf) == 0 {
			return
		}

		dec := json.NewDecoder(bytes.NewReader(r.buf))
		var v json.RawMessage
		err := dec.Decode(&v)
		if err == nil {
			r.ready = append(r.ready, []byte(v))
			r.buf = r.buf[dec.InputOffset():]
			continue
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return
		}

		r.fail(ReasonMalformed, err)
		return
	}
}

// finish makes a final attempt on the buffered bytes when no more are coming
// for this burst. Whatever cannot be decoded is reported as truncated.
func (r *Reader) finish() {
	r.extract()
	if len(r.buf) > 0 {
		r.fail(ReasonTruncated, nil)
	}
}

func (r *Reader) fail(reason string, err error) {
	if r.pending == nil {
		r.pending = &Error{
			Reason: reason,
			Data:   append([]byte(nil), r.buf...),
			Err:    err,
		}
	}
	r.buf = r.buf[:0]
}

func trimLeft(b []byte) []byte {
	for len(b) > 0 {
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			b = b[1:]
		default:
			return b
		}
	}
	return b
}
