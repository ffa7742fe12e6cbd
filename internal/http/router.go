package httpx

import (
	"bufio"
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

	"github.com/hostedeth/deployer/internal/domain"
	"github.com/hostedeth/deployer/internal/service/auth"
	"github.com/hostedeth/deployer/internal/service/deploy"
	"github.com/hostedeth/deployer/internal/service/events"
	"github.com/hostedeth/deployer/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	auth          *auth.Service
	deploy        *deploy.Service
	events        events.Service
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	pipelineToken string
	rootDomain    string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault     = time.Minute
	rateWindowRealtime    = 30 * time.Second
	rateLimitLogin        = 12
	rateLimitUserWrite    = 30
	rateLimitUserRead     = 120
	rateLimitStream       = 30
	rateLimitPipelineHook = 600
	healthCheckTimeout    = 2 * time.Second
	sseHeartbeatInterval  = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc *auth.Service, deploySvc *deploy.Service, eventsSvc events.Service,
	limiter RateLimiter, pipelineToken, rootDomain string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		auth:   authSvc,
		deploy: deploySvc,
		events: eventsSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		pipelineToken: strings.TrimSpace(pipelineToken),
		rootDomain:    rootDomain,
		dbHealth:      dbHealth,
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
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handlerAuthRate("/deployments", rateLimitUserWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{name}", r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/pipeline/callback", r.audit("/pipeline/callback", r.withRateLimit("/pipeline/callback", rateLimitPipelineHook, rateWindowDefault, rateLimitKeyIP, r.handlePipelineCallback)))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := r.auth.Login(req.Context(), payload.Code)
	if err != nil {
		if errors.Is(err, auth.ErrBadCode) || errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deployments route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name       string `json:"name"`
			Owner      string `json:"owner"`
			Repository string `json:"repository"`
			Branch     string `json:"branch"`
			PackageDir string `json:"package_dir"`
			BuildDir   string `json:"build_dir"`
			OAuthToken string `json:"oauth_token"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rec, err := r.deploy.CreateDeployment(req.Context(), deploy.CreateInput{
			Name:          payload.Name,
			Owner:         payload.Owner,
			Repository:    payload.Repository,
			Branch:        payload.Branch,
			PackageDir:    payload.PackageDir,
			BuildDir:      payload.BuildDir,
			OwnerUsername: info.Username,
			OAuthToken:    payload.OAuthToken,
		})
		if err != nil {
			switch {
			case errors.Is(err, deploy.ErrInvalidInput):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, deploy.ErrNameTaken):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusCreated, r.toDeploymentResponse(rec))
	case http.MethodGet:
		records, err := r.deploy.ListDeployments(req.Context(), info.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		items := make([]map[string]any, 0, len(records))
		for i := range records {
			items = append(items, r.toDeploymentResponse(&records[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	name := parts[0]
	if name == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "events" {
		r.handlerAuthRate("/deployments/{name}/events", rateLimitStream, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentEvents(w, req, name)
		})(w, req)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	r.handlerAuthRate("/deployments/{name}", rateLimitUserRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
		info, _ := authInfoFromContext(req.Context())
		rec, err := r.deploy.GetDeployment(req.Context(), name, info.Username)
		if err != nil {
			r.writeDeployError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, r.toDeploymentResponse(rec))
	})(w, req)
}

// handleDeploymentEvents streams progress snapshots, over a websocket when
// the client asks for an upgrade and as Server-Sent Events otherwise.
func (r *Router) handleDeploymentEvents(w http.ResponseWriter, req *http.Request, name string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	rec, err := r.deploy.GetDeployment(req.Context(), name, info.Username)
	if err != nil {
		r.writeDeployError(w, err)
		return
	}

	if websocket.IsWebSocketUpgrade(req) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		client := ws.NewClient(conn, r.logger)
		r.events.Hub().Register(name, client)
		if snapshot, err := events.MarshalSnapshot(rec); err == nil {
			_ = client.Send(snapshot)
		}
		go func() {
			defer func() {
				r.events.Hub().Unregister(name, client)
				client.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.events.Hub().Register(name, client)
	defer func() {
		r.events.Hub().Unregister(name, client)
		client.Close()
	}()
	if snapshot, err := events.MarshalSnapshot(rec); err == nil {
		if err := client.Send(snapshot); err != nil {
			return
		}
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handlePipelineCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyPipelineToken(w, req) {
		return
	}
	var payload deploy.TransitionEvent
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deploy.ProcessPipelineTransition(req.Context(), payload); err != nil {
		switch {
		case errors.Is(err, deploy.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, deploy.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
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

func (r *Router) writeDeployError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deploy.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, deploy.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) toDeploymentResponse(d *domain.Deployment) map[string]any {
	payload := map[string]any{
		"name":        d.Name,
		"ens_name":    d.Name + "." + r.rootDomain,
		"state":       d.State,
		"owner":       d.Owner,
		"repository":  d.Repository,
		"branch":      d.Branch,
		"package_dir": d.PackageDir,
		"build_dir":   d.BuildDir,
		"transitions": d.Transitions,
		"created_at":  d.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if d.LastError != nil {
		payload["last_error"] = d.LastError
	}
	if cid := d.ContentID(); cid != "" {
		payload["content_id"] = cid
	}
	if d.State == domain.StateAvailable {
		payload["available"] = true
	}
	return payload
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
		r.recordRequestMetrics(req.Method, route, status, duration)

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
			fields = append(fields, "user", info.Username)
		} else if req.URL.Path == "/pipeline/callback" {
			actor = "pipeline"
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
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
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

// verifyPipelineToken ensures pipeline callbacks include the configured secret.
func (r *Router) verifyPipelineToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.pipelineToken
	if expected == "" {
		r.logger.Error("pipeline token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "pipeline authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Pipeline-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("pipeline token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid pipeline token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
