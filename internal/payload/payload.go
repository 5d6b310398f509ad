// Package payload provides synthetic byte sources and sinks for speed tests.
// Content is a repeating pattern; it exists only to saturate the transport.
package payload

import (
	"io"
	"sync/atomic"
)

// ChunkSize is the read granularity of a Reader. Large enough to keep
// syscall overhead low, small enough for progress reporting.
const ChunkSize = 64 * 1024

var pattern = func() []byte {
	buf := make([]byte, ChunkSize)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	return buf
}()

// Reader yields exactly Size bytes and then io.EOF. It is finite and
// non-restartable; a Reader that reached EOF stays at EOF.
type Reader struct {
	remaining int64
}

// NewReader returns a Reader producing exactly size bytes. A zero or
// negative size yields an immediately exhausted Reader.
func NewReader(size int64) *Reader {
	if size < 0 {
		size = 0
	}
	return &Reader{remaining: size}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > r.remaining {
		n = int(r.remaining)
	}
	if n > ChunkSize {
		n = ChunkSize
	}
	copy(p[:n], pattern[:n])
	r.remaining -= int64(n)
	if r.remaining == 0 {
		return n, io.EOF
	}
	return n, nil
}

// Remaining reports how many bytes the Reader has yet to produce.
func (r *Reader) Remaining() int64 {
	return r.remaining
}

// Sink accepts and discards arbitrary byte chunks, counting what it consumed.
// Safe for concurrent writers.
type Sink struct {
	count atomic.Int64
}

func (s *Sink) Write(p []byte) (int, error) {
	s.count.Add(int64(len(p)))
	return len(p), nil
}

// Count returns the total number of bytes discarded so far.
func (s *Sink) Count() int64 {
	return s.count.Load()
}
