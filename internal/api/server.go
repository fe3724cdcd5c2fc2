// =============================================================================
// HTTP ADMIN API - OPERATOR INTERFACE FOR THE DELAY STORE
// =============================================================================
//
// WHAT IS THIS?
// A small REST surface for operating a running delay store: health probes,
// statistics, segment listings, Prometheus scraping, and a hook to schedule
// messages by hand.
//
// ENDPOINT OVERVIEW:
//
//   PROBES
//   GET    /health              Liveness (always 200 while the process runs)
//   GET    /readyz              Readiness (200 only while the service is started)
//   GET    /version             Build information
//
//   STORE
//   GET    /stats               Service statistics (segments, wheel, progress)
//   GET    /segments            Per-segment positions of both logs
//   GET    /metrics             Prometheus exposition
//
//   MESSAGES
//   POST   /messages            Schedule a message
//   GET    /ready               Messages re-published after their delay
//
// =============================================================================

package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/WuJingLearn/rocketmq/internal/commitlog"
	"github.com/WuJingLearn/rocketmq/internal/delay"
	"github.com/WuJingLearn/rocketmq/internal/metrics"
	"github.com/WuJingLearn/rocketmq/internal/storage"
)

// =============================================================================
// API SERVER
// =============================================================================

// Server is the HTTP admin server.
type Server struct {
	service    *delay.Service
	store      commitlog.Store
	metrics    *metrics.Registry
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	health     *HealthState
	clock      func() time.Time
	addr       atomic.Value
	wg         sync.WaitGroup
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Store receives POST /messages bodies and serves GET /ready. Optional.
	Store commitlog.Store

	// TLS serves HTTPS when set.
	TLS *tls.Config

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server for svc.
func NewServer(svc *delay.Service, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	s := &Server{
		service: svc,
		store:   config.Store,
		metrics: config.Metrics,
		router:  r,
		logger:  logger.With("component", "http_api"),
		health:  NewHealthState(),
		clock:   time.Now,
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		TLSConfig:    config.TLS,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)

	s.router.Get("/stats", s.handleStats)
	s.router.Get("/segments", s.handleSegments)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Post("/messages", s.scheduleMessage)
	s.router.Get("/ready", s.listReady)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health returns the probe state.
func (s *Server) Health() *HealthState {
	return s.health
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start binds the listen address and serves in the background. Bind errors
// are returned; serve errors after that are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.addr.Store(listener.Addr().String())
	tlsOn := s.httpServer.TLSConfig != nil
	s.logger.Info("starting HTTP API server", "addr", listener.Addr().String(), "tls", tlsOn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if tlsOn {
			err = s.httpServer.ServeTLS(listener, "", "")
		} else {
			err = s.httpServer.Serve(listener)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if addr, ok := s.addr.Load().(string); ok {
		return addr
	}
	return s.httpServer.Addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// =============================================================================
// STORE HANDLERS
// =============================================================================

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Stats())
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	BaseOffset      int64  `json:"base_offset"`
	WrotePosition   int64  `json:"wrote_position"`
	FlushedPosition int64  `json:"flushed_position"`
	Dispatched      *int   `json:"dispatched,omitempty"`
	Path            string `json:"path"`
}

// SegmentsResponse lists both logs, oldest bucket first.
type SegmentsResponse struct {
	Schedule []SegmentInfo `json:"schedule"`
	Dispatch []SegmentInfo `json:"dispatch"`
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	logs := s.service.Logs()
	if logs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "service is "+s.service.State().String())
		return
	}

	resp := SegmentsResponse{Schedule: []SegmentInfo{}, Dispatch: []SegmentInfo{}}
	for _, seg := range logs.Schedule().Segments() {
		resp.Schedule = append(resp.Schedule, SegmentInfo{
			BaseOffset:      seg.BaseOffset(),
			WrotePosition:   seg.WrotePosition(),
			FlushedPosition: seg.FlushedPosition(),
			Path:            seg.Path(),
		})
	}
	for _, base := range logs.Dispatch().BaseOffsets() {
		seg, ok := logs.Dispatch().Segment(base)
		if !ok {
			continue
		}
		n := seg.DispatchedCount()
		resp.Dispatch = append(resp.Dispatch, SegmentInfo{
			BaseOffset:      base,
			WrotePosition:   seg.WrotePosition(),
			FlushedPosition: seg.FlushedPosition(),
			Dispatched:      &n,
			Path:            seg.Path(),
		})
	}
	sort.Slice(resp.Schedule, func(i, j int) bool { return resp.Schedule[i].BaseOffset < resp.Schedule[j].BaseOffset })
	sort.Slice(resp.Dispatch, func(i, j int) bool { return resp.Dispatch[i].BaseOffset < resp.Dispatch[j].BaseOffset })

	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// MESSAGE HANDLERS
// =============================================================================

// ScheduleRequest is the body of POST /messages. Exactly one of DelaySeconds
// and ScheduleTime must be set.
type ScheduleRequest struct {
	Subject   string `json:"subject"`
	MessageID string `json:"message_id,omitempty"`
	Payload   string `json:"payload"`

	// DelaySeconds goes through the commit log, like a broker write.
	DelaySeconds *int64 `json:"delay_seconds,omitempty"`

	// ScheduleTime (epoch ms) is written straight to the schedule log.
	ScheduleTime *int64 `json:"schedule_time,omitempty"`
}

// ScheduleResponse reports where the message landed.
type ScheduleResponse struct {
	MessageID    string `json:"message_id"`
	ScheduleTime int64  `json:"schedule_time"`
	BaseOffset   int64  `json:"base_offset"`
	Offset       int64  `json:"offset"`
	Size         int32  `json:"size"`
}

// newMessageID names admin-submitted messages that carry no id.
func newMessageID() string {
	return uuid.NewString()
}

func (s *Server) scheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Subject == "" {
		s.errorResponse(w, http.StatusBadRequest, "subject is required")
		return
	}
	if (req.DelaySeconds == nil) == (req.ScheduleTime == nil) {
		s.errorResponse(w, http.StatusBadRequest, "exactly one of delay_seconds and schedule_time is required")
		return
	}
	if req.MessageID == "" {
		req.MessageID = newMessageID()
	}

	var (
		res storage.RecordResult[storage.ScheduleIndex]
		err error
	)
	if req.DelaySeconds != nil {
		res, err = s.scheduleViaCommitLog(r.Context(), req)
	} else {
		res, err = s.service.Schedule(req.Subject, req.MessageID, *req.ScheduleTime, []byte(req.Payload))
	}
	if err != nil {
		s.errorResponse(w, scheduleErrorStatus(res.Status, err), err.Error())
		return
	}

	idx := res.Data()
	s.writeJSON(w, http.StatusCreated, ScheduleResponse{
		MessageID:    req.MessageID,
		ScheduleTime: idx.ScheduleTime,
		BaseOffset:   storage.ResolveSegment(idx.ScheduleTime, s.service.Logs().Schedule().SegmentScale()),
		Offset:       idx.Offset,
		Size:         idx.Size,
	})
}

func (s *Server) scheduleViaCommitLog(ctx context.Context, req ScheduleRequest) (storage.RecordResult[storage.ScheduleIndex], error) {
	if s.store == nil {
		return storage.RecordResult[storage.ScheduleIndex]{}, errNoCommitLog
	}
	if len(req.Payload) == 0 {
		return storage.RecordResult[storage.ScheduleIndex]{}, commitlog.ErrEmptyMessage
	}
	offset, err := s.store.Append(ctx, []byte(req.Payload))
	if err != nil {
		return storage.RecordResult[storage.ScheduleIndex]{}, err
	}
	return s.service.BuildScheduleLog(ctx, delay.DispatchRequest{
		Topic:           req.Subject,
		UniqKey:         req.MessageID,
		StoreTimestamp:  s.clock().UnixMilli(),
		CommitLogOffset: offset,
		Properties:      map[string]string{delay.PropertyDelay: strconv.FormatInt(*req.DelaySeconds, 10)},
	})
}

var errNoCommitLog = errors.New("no commit log configured; use schedule_time")

func scheduleErrorStatus(status storage.AppendStatus, err error) int {
	switch {
	case errors.Is(err, delay.ErrNotStarted), errors.Is(err, delay.ErrServiceShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, delay.ErrInvalidDelay), errors.Is(err, commitlog.ErrEmptyMessage), errors.Is(err, errNoCommitLog):
		return http.StatusBadRequest
	}
	switch status {
	case storage.StatusMessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case storage.StatusSegmentExpired:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ReadyResponse is one page of re-published messages.
type ReadyResponse struct {
	Messages []commitlog.ReadyMessage `json:"messages"`
	Next     uint64                   `json:"next"`
}

func (s *Server) listReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusNotFound, "no commit log configured")
		return
	}

	from, err := parseUintParam(r, "from", 0)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	limit, err := parseUintParam(r, "limit", 100)
	if err != nil || limit == 0 || limit > 1000 {
		s.errorResponse(w, http.StatusBadRequest, "limit must be 1..1000")
		return
	}

	msgs, err := s.store.Ready(from, int(limit))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := ReadyResponse{Messages: msgs, Next: from}
	if resp.Messages == nil {
		resp.Messages = []commitlog.ReadyMessage{}
	}
	if n := len(msgs); n > 0 {
		resp.Next = msgs[n-1].Seq + 1
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func parseUintParam(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
