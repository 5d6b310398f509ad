package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nodeprobe/nodeprobe/internal/payload"
)

// testServer serves the same /download and /upload contract the real
// server exposes, plus a counter of bytes accepted on upload.
func testServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var uploaded atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		size, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
		if err != nil {
			http.Error(w, "bad size", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, payload.NewReader(size)); err != nil {
			return
		}
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		var sink payload.Sink
		if _, err := io.Copy(&sink, r.Body); err != nil {
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}
		uploaded.Add(sink.Count())
		fmt.Fprintf(w, `{"bytes":%d}`, sink.Count())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &uploaded
}

func TestSingleStreamDownloadExactBytes(t *testing.T) {
	srv, _ := testServer(t)
	const size = 3*1024*1024 + 17

	s := NewSession(Config{
		Direction:  DirectionDownload,
		TotalBytes: size,
		Streams:    1,
		BaseURL:    srv.URL,
	})
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.BytesTransferred != size {
		t.Fatalf("transferred %d bytes, want %d", res.BytesTransferred, size)
	}
	if s.Progress().TransferredBytes != size {
		t.Fatalf("progress counter %d, want %d", s.Progress().TransferredBytes, size)
	}
}

func TestMultiStreamDownloadExactBytes(t *testing.T) {
	srv, _ := testServer(t)
	const size = 4*1024*1024 + 3

	for _, streams := range []int{1, 2, 8} {
		s := NewSession(Config{
			Direction:  DirectionDownload,
			TotalBytes: size,
			Streams:    streams,
			BaseURL:    srv.URL,
		})
		res, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("streams=%d: run: %v", streams, err)
		}
		if res.BytesTransferred != size {
			t.Fatalf("streams=%d: transferred %d bytes, want %d", streams, res.BytesTransferred, size)
		}
		want := float64(size*8) / res.Elapsed.Seconds() / 1e6
		if math.Abs(res.Mbps-want) > 1e-9 {
			t.Fatalf("streams=%d: rate %v does not match %v", streams, res.Mbps, want)
		}
	}
}

func TestMultiStreamUploadExactBytes(t *testing.T) {
	srv, uploaded := testServer(t)
	const size = 2*1024*1024 + 11

	s := NewSession(Config{
		Direction:  DirectionUpload,
		TotalBytes: size,
		Streams:    4,
		BaseURL:    srv.URL,
	})
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.BytesTransferred != size {
		t.Fatalf("client counted %d bytes, want %d", res.BytesTransferred, size)
	}
	if uploaded.Load() != size {
		t.Fatalf("server received %d bytes, want %d", uploaded.Load(), size)
	}
}

func TestZeroSizeCompletesImmediately(t *testing.T) {
	s := NewSession(Config{Direction: DirectionDownload, TotalBytes: 0, BaseURL: "http://127.0.0.1:0"})
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.NoData {
		t.Fatalf("expected NoData result")
	}
	if res.BytesTransferred != 0 {
		t.Fatalf("transferred %d bytes, want 0", res.BytesTransferred)
	}
	if math.IsNaN(res.Mbps) || res.Mbps != 0 {
		t.Fatalf("rate must be a defined zero, got %v", res.Mbps)
	}
}

func TestCancelResetsProgress(t *testing.T) {
	started := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := make([]byte, 1024)
		for i := 0; ; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
			if i == 0 {
				close(started)
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSession(Config{
		Direction:  DirectionDownload,
		TotalBytes: 1 << 30,
		Streams:    2,
		BaseURL:    srv.URL,
	})
	go func() {
		<-started
		s.Cancel()
	}()

	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("err = %v, want ErrTransferCancelled", err)
	}
	if got := s.Progress().TransferredBytes; got != 0 {
		t.Fatalf("progress not reset after cancel: %d bytes", got)
	}
	if got := s.Progress().RateMbps; got != 0 {
		t.Fatalf("rate not reset after cancel: %v", got)
	}
}

func TestTimeoutTreatedAsCancellation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSession(Config{
		Direction:  DirectionDownload,
		TotalBytes: 1 << 20,
		BaseURL:    srv.URL,
		Timeout:    200 * time.Millisecond,
	})
	start := time.Now()
	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("err = %v, want ErrTransferCancelled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("run did not return promptly after timeout")
	}
}

func TestTransportErrorSurfacesAsFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSession(Config{
		Direction:  DirectionDownload,
		TotalBytes: 1 << 20,
		BaseURL:    srv.URL,
	})
	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if got := s.Progress().TransferredBytes; got != 0 {
		t.Fatalf("progress not reset after failure: %d bytes", got)
	}
}

func TestSplitBytes(t *testing.T) {
	cases := []struct {
		total int64
		n     int
	}{
		{100, 1},
		{100, 3},
		{1 << 20, 8},
		{7, 8},
		{1<<30 + 1, 13},
	}
	for _, tc := range cases {
		chunks := splitBytes(tc.total, tc.n)
		if len(chunks) != tc.n {
			t.Fatalf("split(%d, %d): %d chunks", tc.total, tc.n, len(chunks))
		}
		var sum int64
		for _, c := range chunks {
			if c < 0 {
				t.Fatalf("split(%d, %d): negative chunk %d", tc.total, tc.n, c)
			}
			sum += c
		}
		if sum != tc.total {
			t.Fatalf("split(%d, %d): chunks sum to %d", tc.total, tc.n, sum)
		}
		for i := 0; i < tc.n-1; i++ {
			if chunks[i] != chunks[0] {
				t.Fatalf("split(%d, %d): uneven non-final chunk", tc.total, tc.n)
			}
		}
	}
}
