// Package server exposes the measurement service over HTTP: the raw
// /download and /upload transfer endpoints, the session and record API,
// and a websocket feed of live session progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/nodeprobe/nodeprobe/internal/aggregate"
	"github.com/nodeprobe/nodeprobe/internal/config"
	"github.com/nodeprobe/nodeprobe/internal/orchestrator"
	"github.com/nodeprobe/nodeprobe/internal/payload"
	"github.com/nodeprobe/nodeprobe/internal/record"
	"github.com/nodeprobe/nodeprobe/internal/util"
	"github.com/nodeprobe/nodeprobe/internal/version"
)

const (
	maxRecordBodyBytes = 1 << 20
	// maxDownloadBytes caps a single /download request so one client
	// cannot hold a worker streaming forever.
	maxDownloadBytes = int64(10) << 30

	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

type apiResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type healthResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Time    int64  `json:"time"`
}

type uploadResult struct {
	Bytes int64 `json:"bytes"`
}

// Server binds the HTTP surface to the orchestrator and the store.
type Server struct {
	cfg    config.ServerConfig
	store  record.Store
	orch   *orchestrator.Orchestrator
	hub    *ProgressHub
	logger util.Logger
	server *http.Server
}

func New(cfg config.ServerConfig, store record.Store, orch *orchestrator.Orchestrator, hub *ProgressHub, logger util.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		orch:   orch,
		hub:    hub,
		logger: logger,
	}
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /api/sessions", s.handleStartSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionStatus)
	mux.HandleFunc("POST /api/sessions/{id}/speedtest", s.handleSpeedtest)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCancelSession)
	mux.HandleFunc("GET /api/sessions/{id}/trace", s.handleSessionTrace)
	mux.HandleFunc("GET /api/records", s.handleQueryRecords)
	mux.HandleFunc("POST /api/records", s.handlePostRecord)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start listens and serves until ctx is cancelled. Concurrent clients
// are capped at the listener.
func (s *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.BindAddr, s.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	s.server = &http.Server{Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()
	s.logger.Info("server started", "addr", addr)
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: healthResponse{
		Service: "nodeprobe",
		Version: version.Version,
		Time:    time.Now().UnixMilli(),
	}})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: "bytes must be a non-negative integer"})
		return
	}
	if n > maxDownloadBytes {
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: "requested size too large"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	reader := payload.NewReader(n)
	buf := make([]byte, payload.ChunkSize)
	for {
		read, readErr := reader.Read(buf)
		if read > 0 {
			if _, writeErr := w.Write(buf[:read]); writeErr != nil {
				return
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var sink payload.Sink
	if _, err := io.Copy(&sink, r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: "upload aborted"})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: uploadResult{Bytes: sink.Count()}})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess := s.orch.Start(clientAddr(r))
	s.logger.Info("session requested", "id", sess.ID(), "client", clientAddr(r))
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: sess.Status()})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiResponse{Ok: false, Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: sess.Status()})
}

func (s *Server) handleSpeedtest(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiResponse{Ok: false, Error: "session not found"})
		return
	}
	var class record.StreamClass
	switch r.URL.Query().Get("class") {
	case "single":
		class = record.StreamClassSingle
	case "multi":
		class = record.StreamClassMulti
	default:
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: "class must be single or multi"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := sess.RunSpeedtest(ctx, class); err != nil {
			s.logger.Warn("speedtest re-run failed", "id", sess.ID(), "class", class, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, apiResponse{Ok: true, Result: sess.Status()})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiResponse{Ok: false, Error: "session not found"})
		return
	}
	sess.Cancel()
	s.logger.Info("session cancelled", "id", sess.ID())
	writeJSON(w, http.StatusOK, apiResponse{Ok: true})
}

func (s *Server) handleSessionTrace(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiResponse{Ok: false, Error: "session not found"})
		return
	}
	trace := sess.Trace()
	if trace == "" {
		writeJSON(w, http.StatusNotFound, apiResponse{Ok: false, Error: "no trace available"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(trace))
}

func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: err.Error()})
		return
	}
	records, err := s.store.QueryAll(r.Context(), filter)
	if err != nil {
		s.logger.Error("record query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, apiResponse{Ok: false, Error: "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: records})
}

func (s *Server) handlePostRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRecordBodyBytes)
	var rec record.TestRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: "invalid json"})
		return
	}
	if rec.ClientIdentity == "" {
		rec.ClientIdentity = clientHost(clientAddr(r))
	}
	rec.ID = 0
	if err := rec.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Ok: false, Error: err.Error()})
		return
	}
	id, err := s.store.Append(r.Context(), &rec)
	if err != nil {
		s.logger.Error("record append failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, apiResponse{Ok: false, Error: "store unavailable"})
		return
	}
	rec.ID = id
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: rec})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.QueryAll(r.Context(), record.Filter{})
	if err != nil {
		s.logger.Error("summary query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, apiResponse{Ok: false, Error: "store unavailable"})
		return
	}
	rows := aggregate.Build(records)
	if col := r.URL.Query().Get("sort"); col != "" {
		desc := r.URL.Query().Get("order") != "asc"
		aggregate.SortRows(rows, aggregate.Column(col), desc)
	}
	writeJSON(w, http.StatusOK, apiResponse{Ok: true, Result: rows})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return originAllowed(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := &hubClient{send: make(chan []byte, 32)}
	s.hub.Register(client)

	done := make(chan struct{})
	go func() {
		defer s.hub.Unregister(client)
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func parseFilter(q url.Values) (record.Filter, error) {
	var filter record.Filter
	filter.Client = q.Get("client")
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("since must be RFC 3339")
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("until must be RFC 3339")
		}
		filter.Until = t
	}
	return filter, nil
}

// clientAddr prefers the first X-Forwarded-For hop so deployments behind
// a reverse proxy still identify the real client.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	return r.RemoteAddr
}

func clientHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
