package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucified/minard-backend-sub001/internal/eventbus"
	"github.com/lucified/minard-backend-sub001/internal/repository"
	"github.com/lucified/minard-backend-sub001/internal/service/stream"
	"github.com/lucified/minard-backend-sub001/internal/ws"
)

// Router wires HTTP endpoints to the event bus, the deployment store and
// the live stream service.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	repo       repository.DeploymentRepository
	bus        eventbus.Bus
	stream     *stream.Service
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	ciToken    string
	queueDepth func() int
	dbHealth   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	defaultListLimit   = 50
	maxListLimit       = 500

	rateWindowDefault = time.Minute
	rateLimitCI       = 600
)

// NewRouter assembles routes with dependencies. queueDepth may be nil when
// no extraction queue runs in this process.
func NewRouter(logger *slog.Logger, repo repository.DeploymentRepository, bus eventbus.Bus, streamSvc *stream.Service, limiter RateLimiter, ciToken string, queueDepth func() int, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		repo:   repo,
		bus:    bus,
		stream: streamSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		ciToken:    strings.TrimSpace(ciToken),
		queueDepth: queueDepth,
		dbHealth:   dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/ci/builds", r.audit("/ci/builds", r.withRateLimit("/ci/builds", rateLimitCI, rateWindowDefault, r.handleBuildCreated)))
	r.mux.HandleFunc("/ci/builds/status", r.audit("/ci/builds/status", r.withRateLimit("/ci/builds/status", rateLimitCI, rateWindowDefault, r.handleBuildStatus)))
	r.mux.HandleFunc("/teams/", r.audit("/teams/:id/deployments", r.handleTeamSubroutes))
	r.mux.HandleFunc("/projects/", r.audit("/projects/:id/deployments", r.handleProjectSubroutes))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/:id", r.handleDeployment))
	r.mux.HandleFunc("/streams/", r.handleStreamSubroutes)
}

// handleBuildCreated accepts the CI "build created" callback and turns it
// into a bus event; the deployment reactor does the rest.
func (r *Router) handleBuildCreated(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyCIToken(w, req) {
		return
	}
	var payload eventbus.BuildCreatedPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ID <= 0 || payload.ProjectID <= 0 {
		writeError(w, http.StatusBadRequest, "id and project_id are required")
		return
	}
	if err := r.bus.Post(req.Context(), eventbus.NewBuildCreatedEvent(payload)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleBuildStatus accepts the CI "build status changed" callback.
func (r *Router) handleBuildStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyCIToken(w, req) {
		return
	}
	var payload eventbus.BuildStatusChangedPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.DeploymentID <= 0 {
		writeError(w, http.StatusBadRequest, "deploymentId is required")
		return
	}
	if payload.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := r.bus.Post(req.Context(), eventbus.NewBuildStatusChangedEvent(payload)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) handleTeamSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/teams/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[1] != "deployments" {
		r.notFound(w)
		return
	}
	teamID, err := strconv.Atoi(parts[0])
	if err != nil || teamID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployments, err := r.repo.ListDeploymentsByTeam(req.Context(), teamID, listLimit(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[1] != "deployments" {
		r.notFound(w)
		return
	}
	projectID, err := strconv.Atoi(parts[0])
	if err != nil || projectID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	switch {
	case len(parts) == 2:
		deployments, err := r.repo.ListDeploymentsByProject(req.Context(), projectID, listLimit(req))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	case len(parts) == 3 && parts[2] == "latest":
		ref := strings.TrimSpace(req.URL.Query().Get("ref"))
		if ref == "" {
			writeError(w, http.StatusBadRequest, "ref query parameter required")
			return
		}
		deployment, err := r.repo.GetLatestSuccessfulForBranch(req.Context(), projectID, ref)
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	deploymentID, err := strconv.Atoi(trimmed)
	if err != nil || deploymentID <= 0 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.repo.GetDeploymentByID(req.Context(), deploymentID)
	if errors.Is(err, repository.ErrNotFound) {
		r.notFound(w)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleStreamSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/streams/")
	parts := strings.Split(trimmed, "/")
	teamID, err := strconv.Atoi(parts[0])
	if err != nil || teamID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleStreamSSE(w, req, teamID)
	case len(parts) == 2 && parts[1] == "ws":
		r.handleStreamWS(w, req, teamID)
	default:
		r.notFound(w)
	}
}

// handleStreamSSE serves the team event stream as Server-Sent Events. The
// SSE id field carries the stream revision, so a reconnecting client
// resumes by echoing it back via Last-Event-ID (or ?since=).
func (r *Router) handleStreamSSE(w http.ResponseWriter, req *http.Request, teamID int) {
	since, err := parseSince(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since value")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	events, err := r.stream.Open(req.Context(), teamID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer func() {
		client.Close()
		r.logger.Info("event stream closed",
			"team_id", teamID,
			"last_activity", client.LastActivity(),
		)
	}()
	for event := range events {
		if event.Type == eventbus.TypeControlPing {
			if err := client.Heartbeat(); err != nil {
				return
			}
			continue
		}
		if err := client.Send(event); err != nil {
			return
		}
	}
}

// handleStreamWS serves the same stream over a websocket; frames are JSON
// envelopes identical to the SSE data payloads.
func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request, teamID int) {
	since, err := parseSince(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since value")
		return
	}
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	events, err := r.stream.Open(ctx, teamID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	defer client.Close()
	// Drain the read side so peer close cancels the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for event := range events {
		if err := client.Send(event); err != nil {
			return
		}
	}
}

// parseSince extracts the resume revision, preferring the SSE
// Last-Event-ID header over the since query parameter.
func parseSince(req *http.Request) (*int64, error) {
	raw := strings.TrimSpace(req.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(req.URL.Query().Get("since"))
	}
	if raw == "" {
		return nil, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return nil, errors.New("since must be a non-negative integer")
	}
	return &since, nil
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// verifyCIToken ensures CI callbacks include the configured secret.
func (r *Router) verifyCIToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.ciToken
	if expected == "" {
		r.logger.Error("ci token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "ci authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-CI-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("ci_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("ci token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid ci token")
		return false
	}
	return true
}

func listLimit(req *http.Request) int {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// audit logs each request after completion and feeds the prometheus
// request counters. route is the low-cardinality pattern label, not the
// raw path.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.recordRequestMetrics(req.Method, route, status, time.Since(start))
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", recorder.bytes,
			"ip", clientIP(req),
		}
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
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
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

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
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
