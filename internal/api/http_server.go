package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"migranthub/internal/config"
	"migranthub/internal/database"
	"migranthub/internal/domain"
	"migranthub/internal/export"
	"migranthub/internal/metrics"
	"migranthub/internal/models"
	"migranthub/internal/queue"
	"migranthub/internal/service"
	"migranthub/internal/status"
	"migranthub/internal/worker"

	"github.com/rs/zerolog"
)

const (
	maxBodyBytes    = 1 << 20
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type StatusSource interface {
	Snapshot() status.Snapshot
}

type Syncer interface {
	Sync(ctx context.Context) (worker.SyncResult, error)
	Trigger(reason string)
}

type OperationStore interface {
	Operations() []*models.QueuedOperation
	DeadOperations() []*models.QueuedOperation
	Get(id string) (*models.QueuedOperation, bool)
	Discard(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*models.QueuedOperation, error)
}

type MutationEnqueuer interface {
	EnqueueMutation(ctx context.Context, m service.Mutation) (string, string, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the components the API layer serves. DeadLetters and Store are optional.
type Deps struct {
	Status      StatusSource
	Engine      Syncer
	Operations  OperationStore
	Mutations   MutationEnqueuer
	DeadLetters domain.DeadLetterReader
	Store       Pinger
	Clock       func() time.Time
}

// HTTPServer exposes the sync status and the queue over HTTP alongside the gRPC service.
type HTTPServer struct {
	cfg    *config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	log    zerolog.Logger
}

func NewHTTPServer(cfg *config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	srv := &HTTPServer{cfg: cfg, deps: deps, log: zerolog.Nop()}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	srv.handle(mux, "GET /healthz", srv.handleHealthz)
	srv.handle(mux, "GET /readyz", srv.handleReadyz)
	srv.handle(mux, "GET /api/v1/sync/status", srv.handleStatus)
	srv.handle(mux, "POST /api/v1/sync", srv.handleSync)
	srv.handle(mux, "POST /api/v1/mutations", srv.handleEnqueue)
	srv.handle(mux, "GET /api/v1/operations", srv.handleOperations)
	srv.handle(mux, "GET /api/v1/operations/dead", srv.handleDead)
	srv.handle(mux, "GET /api/v1/operations/export", srv.handleExport)
	srv.handle(mux, "GET /api/v1/operations/{id}", srv.handleOperation)
	srv.handle(mux, "POST /api/v1/operations/{id}/discard", srv.handleDiscard)
	srv.handle(mux, "POST /api/v1/operations/{id}/retry", srv.handleRetry)
	srv.handle(mux, "GET /api/v1/deadletters", srv.handleDeadLetters)

	handler := srv.loggingMiddleware(corsMiddleware(srv.auth.Wrap(mux)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	return srv
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		h(w, r)
	})
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Snapshot())
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "false" {
		s.deps.Engine.Trigger(worker.TriggerManual)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
		return
	}

	res, err := s.deps.Engine.Sync(r.Context())
	switch {
	case errors.Is(err, worker.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "offline")
	case err != nil:
		s.log.Error().Err(err).Msg("sync failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var m service.Mutation
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	opID, entityID, err := s.deps.Mutations.EnqueueMutation(r.Context(), m)
	if err != nil {
		code := mutationStatus(err)
		if code == http.StatusInternalServerError {
			s.log.Error().Err(err).Msg("enqueue failed")
		}
		writeError(w, code, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"operation_id": opID,
		"entity_id":    entityID,
	})
}

func mutationStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidMutation), errors.Is(err, queue.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrStorageFull):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.deps.Operations.Operations()

	wanted := splitCSV(r.URL.Query().Get("status"))
	if len(wanted) > 0 {
		keep := make(map[models.OpStatus]bool, len(wanted))
		for _, st := range wanted {
			keep[models.OpStatus(st)] = true
		}
		filtered := ops[:0]
		for _, op := range ops {
			if keep[op.Status] {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	if entity := strings.TrimSpace(r.URL.Query().Get("entity_id")); entity != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if op.EntityID == entity {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *HTTPServer) handleDead(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.deps.Operations.DeadOperations()})
}

func (s *HTTPServer) handleOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.deps.Operations.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Operations.Discard(r.Context(), id); err != nil {
		writeError(w, operationStatus(err), err.Error())
		return
	}
	s.log.Info().Str("op_id", id).Msg("operation discarded")
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "discarded"})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Operations.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, operationStatus(err), err.Error())
		return
	}
	s.log.Info().Str("op_id", op.ID).Msg("operation requeued")
	s.deps.Engine.Trigger(worker.TriggerManual)
	writeJSON(w, http.StatusOK, op)
}

func operationStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInFlight), errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, _ *http.Request) {
	now := s.deps.Clock()
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="queue_export_%s.xlsx"`, now.Format("2006-01-02_15-04-05")))
	if err := export.Write(w, s.deps.Operations.Operations(), now); err != nil {
		s.log.Error().Err(err).Msg("export failed")
	}
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusNotFound, "dead-letter history is not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ops, err := s.deps.DeadLetters.RecentDead(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("read dead letters failed")
		writeError(w, http.StatusBadGateway, "dead-letter history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *clientLimiter
}

func NewHTTPAuth(cfg *config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, keys: newKeyring(cfg.Auth), limiter: newClientLimiter(cfg.RateLimit)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || !a.cfg.HTTP.Enabled || isProbe(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(a.keys.keyHeader))
		if a.cfg.Auth.Enabled {
			client, err := a.keys.authenticate(key, strings.TrimSpace(r.Header.Get(a.keys.extraHeader)))
			if err == nil {
				err = authorize(client, requiredPermissionHTTP(r))
			}
			if err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					code = http.StatusForbidden
				}
				writeError(w, code, err.Error())
				return
			}
		}

		if key == "" {
			key = remoteHost(r)
		}
		if !a.limiter.allow(key) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/api/v1/sync/status":
		return permReadStatus
	case path == "/api/v1/sync":
		return permWriteSync
	case path == "/api/v1/mutations":
		return permWriteMutations
	case path == "/api/v1/deadletters":
		return permReadOperations
	case strings.HasPrefix(path, "/api/v1/operations"):
		if r.Method == http.MethodGet {
			return permReadOperations
		}
		return permWriteOperations
	}
	return ""
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-API-Extra")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
