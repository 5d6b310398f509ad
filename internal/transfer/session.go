// Package transfer drives one direction of an HTTP speed test across one
// or more parallel streams, with live progress and a final wall-clock rate.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nodeprobe/nodeprobe/internal/payload"
)

var (
	// ErrTransferCancelled reports a user- or timeout-initiated abort.
	// A cancelled session leaves no record and resets its progress.
	ErrTransferCancelled = errors.New("transfer cancelled")
	// ErrTransferFailed reports a transport-level failure.
	ErrTransferFailed = errors.New("transfer failed")
)

// Direction describes traffic flow relative to the measuring side.
type Direction int

const (
	DirectionDownload Direction = iota
	DirectionUpload
)

func (d Direction) String() string {
	switch d {
	case DirectionUpload:
		return "upload"
	default:
		return "download"
	}
}

const (
	// DefaultTimeout bounds a whole direction. A direction that does not
	// finish in time is treated as cancelled, not reported partially.
	DefaultTimeout = 30 * time.Second

	readChunkSize = 64 * 1024
)

// Config defines one direction of a speed test.
type Config struct {
	Direction  Direction
	TotalBytes int64
	// Streams is the number of parallel transfers the total is split
	// across. Values below 1 mean a single stream.
	Streams int
	// BaseURL is the peer exposing /download and /upload.
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// Progress is a point-in-time snapshot for live display.
type Progress struct {
	Direction        Direction `json:"-"`
	TransferredBytes int64     `json:"transferred_bytes"`
	TotalBytes       int64     `json:"total_bytes"`
	RateMbps         float64   `json:"rate_mbps"`
	Samples          []float64 `json:"samples,omitempty"`
}

// Result is the outcome of a completed direction. Mbps is computed from
// total bytes over the whole direction's wall clock, never from the
// live samples.
type Result struct {
	BytesTransferred int64
	Elapsed          time.Duration
	Mbps             float64
	Streams          int
	// NoData marks a zero-size run that completed trivially; Mbps is a
	// defined zero in that case, not NaN.
	NoData bool
}

// Session executes one direction of a speed test. A Session is owned by
// one caller and runs at most once; progress state is shared between its
// streams through one atomic counter and one rate estimator.
type Session struct {
	cfg       Config
	client    *http.Client
	estimator *RateEstimator

	transferred atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewSession(cfg Config) *Session {
	if cfg.Streams < 1 {
		cfg.Streams = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Session{
		cfg:       cfg,
		client:    client,
		estimator: NewRateEstimator(),
	}
}

// Run transfers the configured total, split into equal per-stream chunks
// with the remainder on the last stream. It returns only once every
// stream has completed, failed, or been cancelled.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if s.cfg.TotalBytes <= 0 {
		return &Result{Streams: s.cfg.Streams, NoData: true}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for _, chunk := range splitBytes(s.cfg.TotalBytes, s.cfg.Streams) {
		chunk := chunk
		g.Go(func() error {
			if s.cfg.Direction == DirectionUpload {
				return s.uploadStream(gctx, chunk)
			}
			return s.downloadStream(gctx, chunk)
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)

	if err != nil {
		// A failed or aborted run starts the next one clean.
		s.resetProgress()
		if runCtx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTransferCancelled
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	return &Result{
		BytesTransferred: s.transferred.Load(),
		Elapsed:          elapsed,
		Mbps:             float64(s.cfg.TotalBytes*8) / elapsed.Seconds() / 1e6,
		Streams:          s.cfg.Streams,
	}, nil
}

// Cancel aborts every in-flight stream. Pending reads and writes return
// promptly and progress resets to zero.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Progress returns the live snapshot for UI feedback.
func (s *Session) Progress() Progress {
	total := s.cfg.TotalBytes
	if total < 0 {
		total = 0
	}
	return Progress{
		Direction:        s.cfg.Direction,
		TransferredBytes: s.transferred.Load(),
		TotalBytes:       total,
		RateMbps:         s.estimator.CurrentMbps(),
		Samples:          s.estimator.Samples(),
	}
}

func (s *Session) resetProgress() {
	s.transferred.Store(0)
	s.estimator.Reset()
}

func (s *Session) downloadStream(ctx context.Context, size int64) error {
	url := fmt.Sprintf("%s/download?bytes=%d", strings.TrimSuffix(s.cfg.BaseURL, "/"), size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download endpoint returned %s", resp.Status)
	}

	buf := make([]byte, readChunkSize)
	var got int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			got += int64(n)
			s.addDelta(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	if got != size {
		return fmt.Errorf("short download: got %d of %d bytes", got, size)
	}
	return nil
}

func (s *Session) uploadStream(ctx context.Context, size int64) error {
	// Counting happens as the transport drains the body, so the tracked
	// bytes reflect what the connection accepted under backpressure, not
	// what the generator could produce.
	body := &countingReader{r: payload.NewReader(size), session: s}
	url := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload endpoint returned %s", resp.Status)
	}
	return nil
}

func (s *Session) addDelta(n int64) {
	s.transferred.Add(n)
	s.estimator.Add(n)
}

type countingReader struct {
	r       io.Reader
	session *Session
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.session.addDelta(int64(n))
	}
	return n, err
}

// splitBytes divides total into n chunks, equal sized with the remainder
// on the last chunk. Rounding must not lose or duplicate bytes.
func splitBytes(total int64, n int) []int64 {
	if n < 1 {
		n = 1
	}
	chunks := make([]int64, n)
	each := total / int64(n)
	var assigned int64
	for i := range chunks {
		chunks[i] = each
		assigned += each
	}
	chunks[n-1] += total - assigned
	return chunks
}
