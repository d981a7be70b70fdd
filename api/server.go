// Package api exposes the memory service over HTTP and provides a client
// for it.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/mcp"
	"github.com/vinayprograms/memoryd/memory"
	"github.com/vinayprograms/memoryd/service"
	"github.com/vinayprograms/memoryd/tasks"
	"github.com/vinayprograms/memoryd/transport"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 4 << 20

// Memory is the set of operations the HTTP surface exposes. *service.Service
// implements it in-process and *Client implements it remotely.
type Memory interface {
	mcp.Memory
	Upsert(ctx context.Context, req service.UpsertRequest) (string, error)
	BatchUpsert(ctx context.Context, reqs []service.UpsertRequest) (int, error)
	SummarizeAndStore(ctx context.Context, texts []string, payload memory.Payload) (string, error)
	Info(ctx context.Context) (memory.CollectionInfo, error)
	Task(ctx context.Context, id string) (*tasks.Task, error)
}

// Wire bodies shared by Server and Client.
type (
	statusResponse struct {
		Status string `json:"status"`
		ID     string `json:"id,omitempty"`
		Count  *int   `json:"count,omitempty"`
	}

	searchResponse struct {
		Matches []memory.Match `json:"matches"`
	}

	summarizeRequest struct {
		Texts    []string       `json:"texts"`
		Metadata memory.Payload `json:"metadata"`
	}

	summarizeResponse struct {
		Status string `json:"status"`
		Items  int    `json:"items"`
		TaskID string `json:"task_id"`
	}

	observeResponse struct {
		service.ObserveResult
		Message string `json:"message"`
	}

	errorResponse struct {
		Error *errors.Error `json:"error"`
	}
)

// Server routes HTTP requests to a Memory.
type Server struct {
	mem     Memory
	tools   *mcp.Server
	logger  *logging.Logger
	maxBody int64
	ws      transport.WebSocketConfig
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l.WithComponent("api") }
}

// WithTools mounts the tool server at GET /mcp.
func WithTools(t *mcp.Server) Option {
	return func(s *Server) { s.tools = t }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithWebSocketConfig configures /mcp connections.
func WithWebSocketConfig(cfg transport.WebSocketConfig) Option {
	return func(s *Server) { s.ws = cfg }
}

// NewServer creates the HTTP surface.
func NewServer(mem Memory, opts ...Option) *Server {
	s := &Server{
		mem:     mem,
		logger:  logging.Nop(),
		maxBody: DefaultMaxBodyBytes,
		ws:      transport.DefaultWebSocketConfig(),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /memory/upsert", s.handleUpsert)
	s.mux.HandleFunc("POST /memory/batch_upsert", s.handleBatchUpsert)
	s.mux.HandleFunc("POST /memory/search", s.handleSearch)
	s.mux.HandleFunc("POST /memory/summarize_and_store", s.handleSummarize)
	s.mux.HandleFunc("POST /memory/observe", s.handleObserve)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	s.mux.HandleFunc("GET /collection", s.handleCollection)
	if s.tools != nil {
		s.mux.HandleFunc("GET /mcp", s.handleMCP)
	}
	return s
}

// Handler returns the traced root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.logRequests(s.mux), "memoryd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/mcp" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", logging.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req service.UpsertRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.mem.Upsert(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "stored", ID: id})
}

func (s *Server) handleBatchUpsert(w http.ResponseWriter, r *http.Request) {
	var reqs []service.UpsertRequest
	if !s.decode(w, r, &reqs) {
		return
	}
	n, err := s.mem.BatchUpsert(r.Context(), reqs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "stored", Count: &n})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req service.SearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	matches, err := s.mem.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []memory.Match{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Matches: matches})
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	taskID, err := s.mem.SummarizeAndStore(r.Context(), req.Texts, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarizeResponse{Status: "scheduled", Items: countNonBlank(req.Texts), TaskID: taskID})
}

// countNonBlank matches what the service schedules: blank texts are dropped.
func countNonBlank(texts []string) int {
	n := 0
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			n++
		}
	}
	return n
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req service.ObserveRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.mem.Observe(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, observeResponse{ObserveResult: res, Message: res.Message()})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.mem.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	info, err := s.mem.Info(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.NewWebSocketUpgrader(nil).Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered.
		s.logger.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}
	t := transport.NewWebSocketTransport(conn, s.ws)

	// The request context ends when the handler returns, so the session
	// runs on its own.
	ctx := context.WithoutCancel(r.Context())
	s.logger.Info("tool session opened", logging.Fields{"remote": r.RemoteAddr})
	if err := s.tools.Serve(ctx, t); err != nil {
		s.logger.Warn("tool session ended", logging.Fields{"error": err.Error()})
		return
	}
	s.logger.Info("tool session closed", logging.Fields{"remote": r.RemoteAddr})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.writeError(w, r, errors.InvalidInput("request body too large",
				errors.WithMetadata("limit", strconv.FormatInt(s.maxBody, 10))))
			return false
		}
		if err == io.EOF {
			s.writeError(w, r, errors.InvalidInput("request body is empty"))
			return false
		}
		s.writeError(w, r, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "malformed request body"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errors.AsError(err)
	if e == nil {
		e = errors.Wrap(err, "request failed")
	}
	status := errors.HTTPStatus(e)
	fields := logging.Fields{"path": r.URL.Path, "status": status, "error": e.Error()}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields)
	} else {
		s.logger.Debug("request rejected", fields)
	}
	writeJSON(w, status, errorResponse{Error: e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
