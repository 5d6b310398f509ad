package payload

import (
	"io"
	"testing"
)

func TestReaderExactSize(t *testing.T) {
	for _, size := range []int64{1, 100, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17} {
		r := NewReader(size)
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			t.Fatalf("size %d: copy error: %v", size, err)
		}
		if n != size {
			t.Fatalf("size %d: copied %d bytes", size, n)
		}
		if r.Remaining() != 0 {
			t.Fatalf("size %d: %d bytes remaining after drain", size, r.Remaining())
		}
	}
}

func TestReaderZeroAndNegative(t *testing.T) {
	for _, size := range []int64{0, -1, -1000} {
		r := NewReader(size)
		buf := make([]byte, 16)
		n, err := r.Read(buf)
		if n != 0 || err != io.EOF {
			t.Fatalf("size %d: Read = (%d, %v), want (0, EOF)", size, n, err)
		}
	}
}

func TestReaderNotRestartable(t *testing.T) {
	r := NewReader(10)
	if _, err := io.Copy(io.Discard, r); err != nil {
		t.Fatalf("copy error: %v", err)
	}
	buf := make([]byte, 4)
	if n, err := r.Read(buf); n != 0 || err != io.EOF {
		t.Fatalf("Read after EOF = (%d, %v), want (0, EOF)", n, err)
	}
}

func TestReaderChunking(t *testing.T) {
	r := NewReader(ChunkSize * 2)
	buf := make([]byte, ChunkSize*2)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if n != ChunkSize {
		t.Fatalf("single read returned %d bytes, want at most %d", n, ChunkSize)
	}
}

func TestSinkCount(t *testing.T) {
	var s Sink
	total := 0
	for _, chunk := range []int{0, 1, 512, 64 * 1024} {
		n, err := s.Write(make([]byte, chunk))
		if err != nil {
			t.Fatalf("write error: %v", err)
		}
		if n != chunk {
			t.Fatalf("short write: %d != %d", n, chunk)
		}
		total += chunk
	}
	if s.Count() != int64(total) {
		t.Fatalf("Count = %d, want %d", s.Count(), total)
	}
}
