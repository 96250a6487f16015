package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/logstore"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
	"github.com/Pavan0228/SnapDeploy/api/internal/service/deploy"
	"github.com/Pavan0228/SnapDeploy/api/internal/ws"
)

// DeploymentService is the orchestrator surface used by the router.
type DeploymentService interface {
	Trigger(ctx context.Context, projectID string) (*domain.Deployment, error)
	Get(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	Reconcile(ctx context.Context, deploymentID string) (*domain.Deployment, error)
}

// LogGateway serves stored logs and live log streams.
type LogGateway interface {
	History(ctx context.Context, deploymentID string) ([]domain.LogEvent, error)
	Stream(ctx context.Context, deploymentID string, sub ws.Subscriber) error
}

// StoreHealth reports the latest log store check.
type StoreHealth interface {
	Latest() logstore.Health
}

// Options tunes the router.
type Options struct {
	JWTSecret         string
	RateLimitTrigger  int
	RateLimitStream   int
	// MaxStreamsPerUser caps concurrently open log streams per user. Zero disables the cap.
	MaxStreamsPerUser int
	Limiter           RateLimiter
	// Ready reports whether the primary database accepts queries.
	Ready func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    DeploymentService
	logs      LogGateway
	health    StoreHealth
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	streams   *streamSlots
	jwtSecret string
	ready     func(context.Context) error

	rateLimitTrigger int
	rateLimitStream  int
}

const (
	rateWindowDefault  = time.Minute
	healthCheckTimeout = 2 * time.Second
	retryAfterSeconds  = 30
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc DeploymentService, gateway LogGateway, health StoreHealth, opts Options) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		deploy: deploySvc,
		logs:   gateway,
		health: health,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:          opts.Limiter,
		streams:          newStreamSlots(opts.MaxStreamsPerUser),
		jwtSecret:        strings.TrimSpace(opts.JWTSecret),
		ready:            opts.Ready,
		rateLimitTrigger: opts.RateLimitTrigger,
		rateLimitStream:  opts.RateLimitStream,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.HandleFunc("/readyz", r.audit("readyz", r.handleReadyz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deployments", r.audit("deployments", r.requireAuth(r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("deployment", r.requireAuth(r.handleDeployment)))
	r.mux.HandleFunc("/logs/", r.audit("logs", r.requireAuth(r.handleLogs)))
	r.mux.HandleFunc("/ws/logs", r.audit("ws_logs", r.requireAuth(r.handleLogsWS)))
}

type deploymentResponse struct {
	ID          string                  `json:"deploymentId"`
	ProjectID   string                  `json:"projectId"`
	Status      domain.DeploymentStatus `json:"status"`
	WorkerRef   string                  `json:"workerRef,omitempty"`
	Error       string                  `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
	StartedAt   *time.Time              `json:"startedAt,omitempty"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
}

func toDeploymentResponse(dep *domain.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:          dep.ID,
		ProjectID:   dep.ProjectID,
		Status:      dep.Status,
		WorkerRef:   dep.WorkerRef,
		Error:       dep.Error,
		CreatedAt:   dep.CreatedAt,
		UpdatedAt:   dep.UpdatedAt,
		StartedAt:   dep.StartedAt,
		CompletedAt: dep.CompletedAt,
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if info, _ := authInfoFromContext(req.Context()); info.DeploymentID != "" {
		writeError(w, http.StatusForbidden, "deployment-scoped token cannot trigger deployments")
		return
	}
	if !r.allow(w, req, "deployments", "trigger:"+callerKey(req), r.rateLimitTrigger) {
		return
	}
	var payload struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	projectID := strings.TrimSpace(payload.ProjectID)
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	dep, err := r.deploy.Trigger(req.Context(), projectID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{
			"deploymentId": dep.ID,
			"status":       dep.Status,
		})
	case dep == nil && errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case dep == nil && errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid projectId")
	case dep == nil:
		r.logger.Error("failed to queue deployment", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue deployment")
	default:
		status := http.StatusInternalServerError
		if errors.Is(err, deploy.ErrInvalidSource) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{
			"deploymentId": dep.ID,
			"status":       dep.Status,
			"error":        err.Error(),
		})
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	id := parts[0]
	if !r.authorizeDeployment(w, req, id) {
		return
	}
	if len(parts) == 2 {
		if parts[1] != "reconcile" {
			r.notFound(w)
			return
		}
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		dep, err := r.deploy.Reconcile(req.Context(), id)
		if err != nil {
			r.writeDeploymentError(w, id, "reconcile", err)
			return
		}
		writeJSON(w, http.StatusOK, toDeploymentResponse(dep))
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	dep, err := r.deploy.Get(req.Context(), id)
	if err != nil {
		r.writeDeploymentError(w, id, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentResponse(dep))
}

func (r *Router) writeDeploymentError(w http.ResponseWriter, id, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, repository.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "deployment store unavailable")
	default:
		r.logger.Error("deployment request failed", "op", op, "deployment_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "deployment request failed")
	}
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/logs/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "stream") {
		r.notFound(w)
		return
	}
	id := parts[0]
	if !r.authorizeDeployment(w, req, id) {
		return
	}
	if len(parts) == 2 {
		release, ok := r.admitStream(w, req, "logs_stream", id)
		if !ok {
			return
		}
		defer release()
		r.streamSSE(w, req, id)
		return
	}

	events, err := r.logs.History(req.Context(), id)
	if err != nil {
		if logstore.IsUnavailable(err) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":      "log store temporarily unavailable",
				"message":    "Please try again in a few moments.",
				"retryAfter": retryAfterSeconds,
			})
			return
		}
		r.logger.Error("failed to load logs", "deployment_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	if events == nil {
		events = []domain.LogEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deploymentId": id, "logs": events})
}

func (r *Router) streamSSE(w http.ResponseWriter, req *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := r.logs.Stream(req.Context(), id, client); err != nil {
		r.logger.Warn("log stream ended with error", "deployment_id", id, "error", err)
	}
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	if !r.authorizeDeployment(w, req, id) {
		return
	}
	release, ok := r.admitStream(w, req, "ws_logs", id)
	if !ok {
		return
	}
	defer release()
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "deployment_id", id, "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)

	// Hijacked connections do not cancel the request context on disconnect.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	gone := client.Listen()
	go func() {
		select {
		case <-gone:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := r.logs.Stream(ctx, id, client); err != nil {
		r.logger.Warn("websocket log stream ended with error", "deployment_id", id, "error", err)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := "ok"
	code := http.StatusOK
	components := make(map[string]any)

	if r.health != nil {
		store := r.health.Latest()
		components["logStore"] = store
		if !store.Healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if r.ready != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.ready(ctx)
		cancel()
		if err != nil {
			r.logger.Error("database health check failed", "error", err)
			components["database"] = map[string]string{"status": "error", "error": err.Error()}
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			components["database"] = map[string]string{"status": "ok"}
		}
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}

func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	if r.ready != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
