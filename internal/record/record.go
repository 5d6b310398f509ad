// Package record defines the append-only test record model and the store
// contract it is persisted through.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable reports that the persistence backend cannot be
// reached. Callers may keep showing in-memory results, but nothing is
// durable while this persists.
var ErrStoreUnavailable = errors.New("record store unavailable")

// StreamClass distinguishes single- and multi-stream throughput records.
type StreamClass string

const (
	StreamClassSingle StreamClass = "single"
	StreamClassMulti  StreamClass = "multi"
)

// ClientAttributes are externally resolved properties of a client address.
type ClientAttributes struct {
	Location string `json:"location,omitempty"`
	ASN      string `json:"asn,omitempty"`
	ISP      string `json:"isp,omitempty"`
}

// IsZero reports whether no attribute was resolved.
func (a ClientAttributes) IsZero() bool {
	return a.Location == "" && a.ASN == "" && a.ISP == ""
}

// LatencyStats summarizes a ping run in milliseconds.
type LatencyStats struct {
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
}

// ThroughputStats summarizes a speed test run in megabits per second.
type ThroughputStats struct {
	DownloadMbps float64     `json:"download_mbps"`
	UploadMbps   float64     `json:"upload_mbps"`
	StreamClass  StreamClass `json:"stream_class"`
}

// TestRecord is one observation. Records are single-purpose events: at
// most one of Latency, Throughput, PathTrace is populated. They are
// created once and never mutated or deleted.
type TestRecord struct {
	ID             int64             `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	ClientIdentity string            `json:"client_identity"`
	Attributes     *ClientAttributes `json:"attributes,omitempty"`
	Latency        *LatencyStats     `json:"latency,omitempty"`
	Throughput     *ThroughputStats  `json:"throughput,omitempty"`
	PathTrace      string            `json:"path_trace,omitempty"`
	TargetHost     string            `json:"target_host,omitempty"`
}

// Validate enforces the single-purpose invariant and field sanity.
func (r *TestRecord) Validate() error {
	populated := 0
	if r.Latency != nil {
		populated++
	}
	if r.Throughput != nil {
		populated++
	}
	if r.PathTrace != "" {
		populated++
	}
	if populated > 1 {
		return errors.New("record must carry at most one of latency, throughput, path trace")
	}
	if r.Throughput != nil {
		switch r.Throughput.StreamClass {
		case StreamClassSingle, StreamClassMulti:
		default:
			return fmt.Errorf("invalid stream class %q", r.Throughput.StreamClass)
		}
	}
	return nil
}

// Filter narrows QueryAll results. Zero values match everything.
type Filter struct {
	Client string
	Since  time.Time
	Until  time.Time
}

// Store is the append-only record store. No update or delete exists.
type Store interface {
	// Append persists the record and returns its assigned id.
	Append(ctx context.Context, rec *TestRecord) (int64, error)
	// QueryAll returns matching records ordered by (timestamp, id).
	QueryAll(ctx context.Context, filter Filter) ([]TestRecord, error)
	Close() error
}
