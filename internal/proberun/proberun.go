// Package proberun invokes the OS ping and traceroute utilities against a
// target host and parses their output. Both operations carry their own
// wall-clock bound so a hung utility never blocks the caller.
package proberun

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrProbeUnavailable means the utility is missing or misconfigured.
	// Fatal to a diagnostic session.
	ErrProbeUnavailable = errors.New("probe utility unavailable")
	// ErrProbeTimeout means the overall wall-clock bound was exceeded.
	ErrProbeTimeout = errors.New("probe timed out")
	// ErrHostUnreachable means the utility ran but the target did not answer.
	ErrHostUnreachable = errors.New("host unreachable")
)

// ProbeError classifies a failed probe while preserving the raw
// transcript for display. Use errors.Is against the sentinel values.
type ProbeError struct {
	Op  string
	Raw string
	Err error
}

func (e *ProbeError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// PingResult holds parsed latency statistics plus the verbatim transcript.
type PingResult struct {
	AvgMs float64
	MinMs float64
	MaxMs float64
	Raw   string
}

// TraceResult holds the verbatim traceroute report. Partial traces with
// starred hops are valid output.
type TraceResult struct {
	Raw string
}

const (
	defaultPingCount    = 5
	defaultPingTimeout  = 20 * time.Second
	defaultTraceMaxHops = 30
	defaultTraceHopWait = 2 * time.Second
	defaultTraceTimeout = 45 * time.Second
	defaultPingBinary   = "ping"
	defaultTraceBinary  = "traceroute"
	perProbeWaitSeconds = 2
)

// Config tunes the external utilities. Zero values select defaults.
type Config struct {
	PingBinary       string
	TracerouteBinary string
	PingCount        int
	PingTimeout      time.Duration
	TraceMaxHops     int
	TraceHopWait     time.Duration
	TraceTimeout     time.Duration
}

// Runner executes probes. The zero value is not usable; construct with New.
type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	if cfg.PingBinary == "" {
		cfg.PingBinary = defaultPingBinary
	}
	if cfg.TracerouteBinary == "" {
		cfg.TracerouteBinary = defaultTraceBinary
	}
	if cfg.PingCount <= 0 {
		cfg.PingCount = defaultPingCount
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.TraceMaxHops <= 0 {
		cfg.TraceMaxHops = defaultTraceMaxHops
	}
	if cfg.TraceHopWait <= 0 {
		cfg.TraceHopWait = defaultTraceHopWait
	}
	if cfg.TraceTimeout <= 0 {
		cfg.TraceTimeout = defaultTraceTimeout
	}
	return &Runner{cfg: cfg}
}

// Ping sends the configured number of echo probes to host and parses the
// min/avg/max round-trip line. It never substitutes fabricated numbers:
// an unreachable host or missing utility comes back as a classified
// *ProbeError with the raw output preserved.
func (r *Runner) Ping(ctx context.Context, host string) (*PingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PingTimeout)
	defer cancel()

	args := []string{
		"-n",
		"-c", strconv.Itoa(r.cfg.PingCount),
		"-W", strconv.Itoa(perProbeWaitSeconds),
		host,
	}
	raw, err := runCommand(ctx, r.cfg.PingBinary, args...)
	if err != nil {
		return nil, classify("ping", raw, ctx, err)
	}

	stats, ok := parsePingOutput(raw)
	if !ok {
		// Utility ran and exited zero but produced no rtt summary.
		return nil, &ProbeError{Op: "ping", Raw: raw, Err: ErrHostUnreachable}
	}
	stats.Raw = raw
	return stats, nil
}

// Traceroute runs the path-trace utility with bounded hops and per-hop
// wait and returns the multi-line report verbatim.
func (r *Runner) Traceroute(ctx context.Context, host string) (*TraceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.TraceTimeout)
	defer cancel()

	waitSec := int(r.cfg.TraceHopWait / time.Second)
	if waitSec < 1 {
		waitSec = 1
	}
	args := []string{
		"-n",
		"-m", strconv.Itoa(r.cfg.TraceMaxHops),
		"-w", strconv.Itoa(waitSec),
		host,
	}
	raw, err := runCommand(ctx, r.cfg.TracerouteBinary, args...)
	if err != nil {
		// Hops that time out produce starred lines, not a non-zero exit;
		// any error here is a real failure of the utility itself.
		return nil, classify("traceroute", raw, ctx, err)
	}
	return &TraceResult{Raw: raw}, nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	// Without a wait delay, a killed utility whose children inherited the
	// output pipe could still hold Wait hostage past the deadline.
	cmd.WaitDelay = 2 * time.Second
	err := cmd.Run()
	return buf.String(), err
}

func classify(op, raw string, ctx context.Context, err error) error {
	if raw == "" {
		raw = err.Error()
	}
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return &ProbeError{Op: op, Raw: raw, Err: ErrProbeUnavailable}
	case ctx.Err() != nil:
		return &ProbeError{Op: op, Raw: raw, Err: ErrProbeTimeout}
	case looksUnreachable(raw):
		return &ProbeError{Op: op, Raw: raw, Err: ErrHostUnreachable}
	}
	return &ProbeError{Op: op, Raw: raw, Err: pkgerrors.Wrap(err, "probe failed")}
}
