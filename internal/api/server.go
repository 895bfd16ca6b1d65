// Package api exposes the HTTP interface for the capture service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/permacap/kubecaptures/internal/capture"
	"github.com/permacap/kubecaptures/internal/config"
	"github.com/permacap/kubecaptures/internal/jobspec"
	"github.com/permacap/kubecaptures/internal/metrics"
	"github.com/permacap/kubecaptures/internal/orchestrator"
	"github.com/permacap/kubecaptures/internal/relay"
	"github.com/permacap/kubecaptures/internal/worker"
)

const requestTimeout = 60 * time.Second

// CaptureService is the orchestration surface the handlers depend on.
type CaptureService interface {
	StartJob(ctx context.Context, req capture.Request) (capture.StartResult, error)
	ListJobs(ctx context.Context, f orchestrator.Filter) ([]capture.Job, error)
	DeleteJob(ctx context.Context, jobid string, index int, userid string) (bool, error)
	StopJob(ctx context.Context, jobid string, index int) error
}

// WorkerGateway reaches the per-job worker endpoints.
type WorkerGateway interface {
	Status(ctx context.Context, jobName string) (worker.StatusReport, error)
	Download(ctx context.Context, jobName string) (io.ReadCloser, error)
}

// Server wires HTTP handlers to the orchestrator and worker gateway.
type Server struct {
	router   chi.Router
	svc      CaptureService
	gateway  WorkerGateway
	relayCfg relay.Config
	upgrader websocket.Upgrader
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc CaptureService, gateway WorkerGateway, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	patterns, err := relay.CompilePatterns(cfg.Relay.AllowedURLPatterns)
	if err != nil {
		return nil, err
	}
	s := &Server{
		svc:     svc,
		gateway: gateway,
		relayCfg: relay.Config{
			AllowedPatterns: patterns,
			PollInterval:    cfg.PollInterval(),
			MaxPollFailures: cfg.Relay.MaxPollFailures,
		},
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// The websocket route stays outside the timeout group: TimeoutHandler
	// cannot hijack connections.
	r.Get("/captures/ws", s.captureAndWatch)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Post("/captures", s.startCaptureJobs)
		r.Get("/captures", s.listCaptureJobs)
		r.Route("/capture/{id}", func(r chi.Router) {
			r.Delete("/", s.deleteCaptureJob)
			r.Get("/done", s.captureDone)
			r.Get("/download", s.downloadCapture)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startCaptureJobs(w http.ResponseWriter, r *http.Request) {
	var req capture.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.StartJob(r.Context(), req)
	if err != nil {
		if errors.Is(err, capture.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("start capture jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start capture jobs")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listCaptureJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orchestrator.Filter{
		JobID:  strings.TrimSpace(q.Get("jobid")),
		UserID: strings.TrimSpace(q.Get("userid")),
	}
	if err := capture.ValidateUserID(filter.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if idxStr := q.Get("index"); idxStr != "" {
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 {
			writeError(w, http.StatusBadRequest, "invalid index")
			return
		}
		filter.Index = &idx
	}
	jobs, err := s.svc.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list capture jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list capture jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) deleteCaptureJob(w http.ResponseWriter, r *http.Request) {
	jobid, index, err := jobspec.SplitID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capture id")
		return
	}
	deleted, err := s.svc.DeleteJob(r.Context(), jobid, index, r.URL.Query().Get("userid"))
	if err != nil {
		s.logger.Error("delete capture job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete capture job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) captureDone(w http.ResponseWriter, r *http.Request) {
	jobid, index, err := jobspec.SplitID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capture id")
		return
	}
	report, err := s.gateway.Status(r.Context(), jobspec.JobName(jobid, index))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) downloadCapture(w http.ResponseWriter, r *http.Request) {
	jobid, index, err := jobspec.SplitID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capture id")
		return
	}
	body, err := s.gateway.Download(r.Context(), jobspec.JobName(jobid, index))
	if err != nil {
		if errors.Is(err, worker.ErrNotReady) {
			writeError(w, http.StatusNotFound, "not_yet_ready")
			return
		}
		s.logger.Error("capture download failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch archive")
		return
	}
	defer body.Close() //nolint:errcheck
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("archive stream interrupted", zap.Error(err))
	}
}

func (s *Server) captureAndWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	session := relay.NewSession(conn, s.svc, s.svc, s.gateway, s.relayCfg, s.logger.Named("relay"))
	session.Run(r.Context())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the websocket upgrade to pass through the logging
// middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	return conn, buf, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
