// Package adapter provides adapters for shmpipe integration with external systems:
// byte streams, Prometheus, health checks and OpenTelemetry.
package adapter

import (
	"bufio"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmpipe/api"
)

// DefaultSinkLimit is the number of bytes a Sink stages before it writes
// through without waiting for Flush.
const DefaultSinkLimit = 64 << 10

// NewSource returns a buffered byte source over r.
func NewSource(r io.Reader) api.Source {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

// Sink stages received bytes in a pooled buffer and writes them to the
// underlying writer on Flush or when the buffer reaches its limit.
type Sink struct {
	w     io.Writer
	buf   *bytebufferpool.ByteBuffer
	limit int
	n     int64
}

var _ api.Sink = (*Sink)(nil)

// NewSink returns a Sink writing to w. A non-positive limit selects
// DefaultSinkLimit. Release must be called once the Sink is no longer used.
func NewSink(w io.Writer, limit int) *Sink {
	if limit <= 0 {
		limit = DefaultSinkLimit
	}
	return &Sink{w: w, buf: bytebufferpool.Get(), limit: limit}
}

// WriteByte stages c.
func (s *Sink) WriteByte(c byte) error {
	if err := s.buf.WriteByte(c); err != nil {
		return err
	}
	if s.buf.Len() >= s.limit {
		return s.Flush()
	}
	return nil
}

// Flush writes all staged bytes.
func (s *Sink) Flush() error {
	if s.buf.Len() == 0 {
		return nil
	}
	n, err := s.w.Write(s.buf.B)
	s.n += int64(n)
	if err == nil && n < s.buf.Len() {
		err = io.ErrShortWrite
	}
	if err != nil {
		s.buf.B = s.buf.B[:copy(s.buf.B, s.buf.B[n:])]
		return err
	}
	s.buf.Reset()
	return nil
}

// Buffered returns the number of staged bytes.
func (s *Sink) Buffered() int { return s.buf.Len() }

// Written returns the number of bytes handed to the underlying writer.
func (s *Sink) Written() int64 { return s.n }

// Release returns the staging buffer to the pool. Staged bytes are dropped.
func (s *Sink) Release() {
	if s.buf != nil {
		bytebufferpool.Put(s.buf)
		s.buf = nil
	}
}
