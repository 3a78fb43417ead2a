package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"replog/pkg/member"
	"replog/pkg/replog"
	"replog/pkg/snapshot"
	"replog/pkg/statemachine"
	"replog/pkg/types"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
	defaultMaxEntries        = 100
)

type iStoreAPI interface {
	Get(key string) ([]byte, bool)
}

type iMember interface {
	IsLeader() bool
	LeaderAddr() string
	Propose(ctx context.Context, cmd statemachine.Cmd) (types.LogIndex, error)
	Step(ctx context.Context, msg raftpb.Message) error
	Status(ctx context.Context) (member.Status, error)
	Entries(ctx context.Context, from types.LogIndex, maxEntries int, maxBytes int64) ([]replog.Entry, error)
	Snapshot(ctx context.Context) error
	Trim(ctx context.Context, desired types.LogIndex) (types.LogIndex, error)

	Run(ctx context.Context) error
	Stop() error
}

// Server represents the HTTP API of one member
type Server struct {
	node       iMember
	store      iStoreAPI
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	logger            *slog.Logger
}

type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithURL sets the address the server advertises, used to avoid
// redirecting to itself.
func WithURL(u string) Option {
	return func(s *Server) { s.URL = u }
}

func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new server instance
func NewServer(node iMember, store iStoreAPI, port string, opts ...Option) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	s := &Server{
		node:              node,
		store:             store,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: defaultReadHeaderTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the member and starts serving
func (s *Server) Start(ctx context.Context) error {
	if s.node != nil {
		go func() {
			if err := s.node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("member error", "error", err)
			}
		}()
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.node != nil {
		_ = s.node.Stop()
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/log", s.handleStatus)
		r.Get("/log/entries", s.handleEntries)
		r.Post("/log/trim", s.handleTrim)
		r.Post("/snapshot", s.handleSnapshot)

		r.Post("/propose", s.handlePropose)
		r.Get("/kv", s.handleGet)
		r.Put("/kv", s.handlePut)
		r.Delete("/kv", s.handleDelete)

		r.Post("/internal/raft", s.handleRaft)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.addr, "url", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, statemachine.ErrInvalidCmd), errors.Is(err, statemachine.ErrUnknownOp):
		return http.StatusBadRequest
	case errors.Is(err, member.ErrNotLeader), errors.Is(err, member.ErrUnexpectedMessage):
		return http.StatusMisdirectedRequest
	case errors.Is(err, snapshot.ErrBusy), errors.Is(err, member.ErrEmptyLog):
		return http.StatusConflict
	case errors.Is(err, member.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" || leaderAddr == s.URL {
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}
	if r.URL.RawQuery != "" {
		leaderURL += "?" + r.URL.RawQuery
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if _, err := w.Write([]byte("# replog metrics are disabled\n")); err != nil {
		s.logger.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseInt(q.Get("from"), 0)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid from"))
		return
	}
	maxEntries, err := parseInt(q.Get("max"), defaultMaxEntries)
	if err != nil || maxEntries < 1 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid max"))
		return
	}
	maxBytes, err := parseInt(q.Get("max_bytes"), replog.NoMaxSize)
	if err != nil || maxBytes < replog.NoMaxSize {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid max_bytes"))
		return
	}

	entries, err := s.node.Entries(r.Context(), types.LogIndex(from), int(maxEntries), maxBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EntriesResponse{Entries: entries})
}

func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	to, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing or invalid to"))
		return
	}
	trimmed, err := s.node.Trim(r.Context(), types.LogIndex(to))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewIndexResponse(trimmed))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Snapshot(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}
	op, err := statemachine.ParseOp(r.FormValue("op"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.propose(w, r, op, r.FormValue("key"), r.FormValue("value"))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")

	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}
	s.propose(w, r, statemachine.PutOp, key, value)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	s.propose(w, r, statemachine.DeleteOp, key, "")
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request, op statemachine.Op, key, value string) {
	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			s.logger.Error("Failed to redirect to leader", "error", err)
		}
		return
	}

	var val []byte
	if value != "" {
		val = []byte(value)
	}
	idx, err := s.node.Propose(r.Context(), statemachine.NewCmd(op, []byte(key), val))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewIndexResponse(idx))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, found := s.store.Get(key)
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Step(r.Context(), msg); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func parseInt(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
