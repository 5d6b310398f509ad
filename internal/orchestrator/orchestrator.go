// Package orchestrator sequences a client's full measurement session:
// attribute resolution, ping, traceroute, then multi- and single-stream
// speed tests, persisting one record per completed step.
package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodeprobe/nodeprobe/internal/geo"
	"github.com/nodeprobe/nodeprobe/internal/proberun"
	"github.com/nodeprobe/nodeprobe/internal/record"
	"github.com/nodeprobe/nodeprobe/internal/transfer"
	"github.com/nodeprobe/nodeprobe/internal/util"
)

// Step identifies the session's position in the fixed pipeline.
type Step int

const (
	StepInit Step = iota
	StepPing
	StepTrace
	StepSpeedtestMulti
	StepSpeedtestSingle
	StepDone
	StepFailed
)

// stepCount covers the pipeline through Done; Failed is outside it.
const stepCount = int(StepDone) + 1

func (s Step) String() string {
	switch s {
	case StepInit:
		return "init"
	case StepPing:
		return "ping"
	case StepTrace:
		return "trace"
	case StepSpeedtestMulti:
		return "speedtest_multi"
	case StepSpeedtestSingle:
		return "speedtest_single"
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrSessionNotFound reports an unknown or expired session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionBusy reports a speedtest re-run request against a session
// that has not reached Done.
var ErrSessionBusy = errors.New("session still running")

// Prober runs the external latency and path probes.
type Prober interface {
	Ping(ctx context.Context, host string) (*proberun.PingResult, error)
	Traceroute(ctx context.Context, host string) (*proberun.TraceResult, error)
}

// TransferConfig carries the speed test parameters shared by all sessions.
type TransferConfig struct {
	// BaseURL of the /download and /upload peer.
	BaseURL     string
	SingleBytes int64
	MultiBytes  int64
	Streams     int
	Timeout     time.Duration
	Client      *http.Client
}

// Config wires the orchestrator's collaborators. Store, Prober and
// Resolver are interfaces so tests can substitute fakes.
type Config struct {
	Store    record.Store
	Prober   Prober
	Resolver geo.Resolver
	Logger   util.Logger
	Transfer TransferConfig
	// Notify, when set, receives a status snapshot on every step change
	// and on live transfer progress. Must not block.
	Notify func(Status)
}

// Status is a point-in-time snapshot of a session, safe to serialize.
type Status struct {
	ID             string                   `json:"id"`
	ClientIdentity string                   `json:"client_identity"`
	Step           string                   `json:"step"`
	StepIndex      int                      `json:"step_index"`
	StepTotal      int                      `json:"step_total"`
	Errors         []string                 `json:"errors,omitempty"`
	Attributes     *record.ClientAttributes `json:"attributes,omitempty"`
	Latency        *record.LatencyStats     `json:"latency,omitempty"`
	Multi          *record.ThroughputStats  `json:"throughput_multi,omitempty"`
	Single         *record.ThroughputStats  `json:"throughput_single,omitempty"`
	HasTrace       bool                     `json:"has_trace"`
	Progress       *transfer.Progress       `json:"progress,omitempty"`
}

// Orchestrator owns the session registry.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = geo.Static{}
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Start registers a new session for the client address and launches its
// pipeline. The address may carry a port; only the host part identifies
// the client.
func (o *Orchestrator) Start(clientAddr string) *Session {
	s := &Session{
		id:     uuid.NewString(),
		client: clientHost(clientAddr),
		orch:   o,
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	o.mu.Lock()
	o.sessions[s.id] = s
	o.mu.Unlock()

	go s.run(ctx)
	return s
}

// Get returns the session with the given id.
func (o *Orchestrator) Get(id string) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Shutdown cancels every running session and waits for them to stop.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()
	for _, s := range sessions {
		s.Cancel()
		<-s.done
	}
}

func clientHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Session is one client's run through the pipeline. All mutable state is
// guarded by mu; the pipeline goroutine is the only writer of step data.
type Session struct {
	id     string
	client string
	orch   *Orchestrator
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	step     Step
	errs     []string
	attrs    record.ClientAttributes
	latency  *record.LatencyStats
	multi    *record.ThroughputStats
	single   *record.ThroughputStats
	trace    string
	transfer *transfer.Session
}

func (s *Session) ID() string { return s.id }

// Cancel aborts the pipeline and any in-flight transfer.
func (s *Session) Cancel() {
	s.mu.Lock()
	t := s.transfer
	s.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
	s.cancel()
}

// Done closes when the pipeline goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Trace returns the raw traceroute transcript, empty until the trace
// step has completed.
func (s *Session) Trace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace
}

// Status returns a serializable snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:             s.id,
		ClientIdentity: s.client,
		Step:           s.step.String(),
		StepIndex:      int(s.step),
		StepTotal:      stepCount,
		Errors:         append([]string(nil), s.errs...),
		Latency:        s.latency,
		Multi:          s.multi,
		Single:         s.single,
		HasTrace:       s.trace != "",
	}
	if st.StepIndex > stepCount-1 {
		st.StepIndex = stepCount - 1
	}
	if !s.attrs.IsZero() {
		attrs := s.attrs
		st.Attributes = &attrs
	}
	if s.transfer != nil {
		p := s.transfer.Progress()
		st.Progress = &p
	}
	return st
}

// RunSpeedtest re-runs one speed test class on a finished session. The
// new result replaces the previous one for that class and persists a
// fresh record.
func (s *Session) RunSpeedtest(ctx context.Context, class record.StreamClass) error {
	s.mu.Lock()
	if s.step != StepDone {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	switch class {
	case record.StreamClassSingle:
		s.step = StepSpeedtestSingle
	case record.StreamClassMulti:
		s.step = StepSpeedtestMulti
	default:
		s.mu.Unlock()
		return errors.New("unknown stream class")
	}
	s.mu.Unlock()
	s.notify()

	err := s.runSpeedtest(ctx, class)
	if !s.failed() {
		s.setStep(StepDone)
	}
	return err
}

func (s *Session) logger() util.Logger {
	return s.orch.cfg.Logger
}

func (s *Session) setStep(step Step) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
	s.notify()
}

func (s *Session) addError(msg string) {
	s.mu.Lock()
	s.errs = append(s.errs, msg)
	s.mu.Unlock()
}

func (s *Session) notify() {
	if notify := s.orch.cfg.Notify; notify != nil {
		notify(s.Status())
	}
}

func (s *Session) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step == StepFailed
}

func (s *Session) fail(msg string) {
	s.addError(msg)
	s.setStep(StepFailed)
	s.logger().Error("session failed", "id", s.id, "client", s.client, "reason", msg)
}

func (s *Session) persist(ctx context.Context, rec *record.TestRecord) error {
	rec.ClientIdentity = s.client
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.orch.cfg.Store.Append(ctx, rec)
	return err
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	log := s.logger()
	log.Info("session started", "id", s.id, "client", s.client)

	s.setStep(StepInit)
	attrs := s.orch.cfg.Resolver.Resolve(ctx, s.client)
	s.mu.Lock()
	s.attrs = attrs
	s.mu.Unlock()
	rec := &record.TestRecord{}
	if !attrs.IsZero() {
		rec.Attributes = &attrs
	}
	if err := s.persist(ctx, rec); err != nil {
		s.fail("persist session record: " + err.Error())
		return
	}

	if !s.runPing(ctx) {
		return
	}
	if ctx.Err() != nil {
		s.fail("session cancelled")
		return
	}
	if !s.runTrace(ctx) {
		return
	}
	if ctx.Err() != nil {
		s.fail("session cancelled")
		return
	}

	s.setStep(StepSpeedtestMulti)
	if err := s.runSpeedtest(ctx, record.StreamClassMulti); err != nil {
		if ctx.Err() != nil {
			s.fail("session cancelled")
			return
		}
		if s.failed() {
			return
		}
	}
	s.setStep(StepSpeedtestSingle)
	if err := s.runSpeedtest(ctx, record.StreamClassSingle); err != nil {
		if ctx.Err() != nil {
			s.fail("session cancelled")
			return
		}
		if s.failed() {
			return
		}
	}

	s.setStep(StepDone)
	log.Info("session finished", "id", s.id, "client", s.client)
}

// runPing reports whether the pipeline should continue. A missing ping
// utility is fatal; a timeout or unreachable host is a step error the
// rest of the pipeline survives.
func (s *Session) runPing(ctx context.Context) bool {
	s.setStep(StepPing)
	res, err := s.orch.cfg.Prober.Ping(ctx, s.client)
	if err != nil {
		if errors.Is(err, proberun.ErrProbeUnavailable) {
			s.fail("ping: " + err.Error())
			return false
		}
		s.addError("ping: " + err.Error())
		s.logger().Warn("ping step failed", "id", s.id, "client", s.client, "err", err)
		s.notify()
		return true
	}
	lat := &record.LatencyStats{AvgMs: res.AvgMs, MinMs: res.MinMs, MaxMs: res.MaxMs}
	s.mu.Lock()
	s.latency = lat
	s.mu.Unlock()
	if err := s.persist(ctx, &record.TestRecord{Latency: lat, TargetHost: s.client}); err != nil {
		s.fail("persist latency record: " + err.Error())
		return false
	}
	s.notify()
	return true
}

func (s *Session) runTrace(ctx context.Context) bool {
	s.setStep(StepTrace)
	res, err := s.orch.cfg.Prober.Traceroute(ctx, s.client)
	if err != nil {
		if errors.Is(err, proberun.ErrProbeUnavailable) {
			s.fail("traceroute: " + err.Error())
			return false
		}
		s.addError("traceroute: " + err.Error())
		s.logger().Warn("trace step failed", "id", s.id, "client", s.client, "err", err)
		s.notify()
		return true
	}
	s.mu.Lock()
	s.trace = res.Raw
	s.mu.Unlock()
	if err := s.persist(ctx, &record.TestRecord{PathTrace: res.Raw, TargetHost: s.client}); err != nil {
		s.fail("persist trace record: " + err.Error())
		return false
	}
	s.notify()
	return true
}

// runSpeedtest measures both directions for one stream class and
// persists a single throughput record. Cancellation persists nothing
// and leaves no partial result.
func (s *Session) runSpeedtest(ctx context.Context, class record.StreamClass) error {
	cfg := s.orch.cfg.Transfer
	total := cfg.SingleBytes
	streams := 1
	if class == record.StreamClassMulti {
		total = cfg.MultiBytes
		streams = cfg.Streams
		if streams < 1 {
			streams = 1
		}
	}

	down, err := s.runDirection(ctx, transfer.DirectionDownload, total, streams)
	if err != nil {
		return s.speedtestError(class, transfer.DirectionDownload, err)
	}
	up, err := s.runDirection(ctx, transfer.DirectionUpload, total, streams)
	if err != nil {
		return s.speedtestError(class, transfer.DirectionUpload, err)
	}

	tp := &record.ThroughputStats{
		DownloadMbps: down.Mbps,
		UploadMbps:   up.Mbps,
		StreamClass:  class,
	}
	s.logger().Info("speedtest completed", "id", s.id, "class", class,
		"down", util.FormatBitsPerSecond(down.Mbps*1e6),
		"up", util.FormatBitsPerSecond(up.Mbps*1e6))
	s.mu.Lock()
	if class == record.StreamClassMulti {
		s.multi = tp
	} else {
		s.single = tp
	}
	s.mu.Unlock()
	if err := s.persist(ctx, &record.TestRecord{Throughput: tp}); err != nil {
		s.fail("persist throughput record: " + err.Error())
		return err
	}
	s.notify()
	return nil
}

func (s *Session) speedtestError(class record.StreamClass, dir transfer.Direction, err error) error {
	msg := string(class) + " " + dir.String() + ": " + err.Error()
	s.addError(msg)
	s.logger().Warn("speedtest step failed", "id", s.id, "client", s.client, "err", msg)
	s.notify()
	return err
}

func (s *Session) runDirection(ctx context.Context, dir transfer.Direction, total int64, streams int) (*transfer.Result, error) {
	cfg := s.orch.cfg.Transfer
	t := transfer.NewSession(transfer.Config{
		Direction:  dir,
		TotalBytes: total,
		Streams:    streams,
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		Client:     cfg.Client,
	})
	s.mu.Lock()
	s.transfer = t
	s.mu.Unlock()

	// Progress pushes keep websocket clients updating between step
	// transitions while a direction is in flight.
	stop := make(chan struct{})
	if s.orch.cfg.Notify != nil {
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					s.notify()
				}
			}
		}()
	}

	res, err := t.Run(ctx)
	close(stop)

	s.mu.Lock()
	s.transfer = nil
	s.mu.Unlock()
	s.notify()
	return res, err
}
