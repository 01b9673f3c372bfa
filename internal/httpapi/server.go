package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/schedule"
	"github.com/xiot/watch/internal/xiot/service"
	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

// JobRunner runs a scheduled function on demand.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

type Dependencies struct {
	Logger        *zap.SugaredLogger
	Addr          string
	Store         store.Store
	IngestService *service.IngestService
	Jobs          JobRunner

	// AuthSecret, when set, must be passed as ?auth= on /db and /v1 routes.
	AuthSecret string
}

type Server struct {
	httpServer    *http.Server
	logger        *zap.SugaredLogger
	mux           *http.ServeMux
	store         store.Store
	ingestService *service.IngestService
	jobs          JobRunner
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:        d.Logger,
		mux:           mux,
		store:         d.Store,
		ingestService: d.IngestService,
		jobs:          d.Jobs,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /db/{file}", s.handleQuery)
	mux.HandleFunc("POST /db/{file}", s.handlePush)
	mux.HandleFunc("GET /db/{type}/{file}", s.handleGet)
	mux.HandleFunc("PUT /db/{type}/{file}", s.handleSet)
	mux.HandleFunc("PATCH /db/{type}/{file}", s.handleMerge)
	mux.HandleFunc("DELETE /db/{type}/{file}", s.handleDelete)

	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/log", s.handleLog)
	mux.HandleFunc("POST /v1/jobs/{name}", s.handleRunJob)

	handler := loggingMiddleware(d.Logger, authMiddleware(d.AuthSecret, mux))

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}

	resp, err := s.ingestService.Heartbeat(r.Context(), req)
	if err != nil {
		s.ingestError(w, "heartbeat", err)
		return
	}

	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req types.LogRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}

	resp, err := s.ingestService.Log(r.Context(), req)
	if err != nil {
		s.ingestError(w, "log", err)
		return
	}

	respond(w, r, http.StatusOK, resp)
}

func (s *Server) ingestError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidMAC):
		writeError(w, http.StatusBadRequest, "invalid_mac", err.Error())
	case errors.Is(err, service.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
	default:
		s.logger.Errorf("%s error: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.jobs == nil {
		writeError(w, http.StatusNotFound, "unknown_job", "no jobs configured")
		return
	}

	err := s.jobs.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, schedule.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown_job", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "job_failed", err.Error())
	default:
		respond(w, r, http.StatusOK, map[string]any{"ok": true, "job": name})
	}
}
