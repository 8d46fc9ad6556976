package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obslabs/apiwatch/internal/analytics"
	"github.com/obslabs/apiwatch/internal/domain"
	"github.com/obslabs/apiwatch/internal/monitor"
	"github.com/obslabs/apiwatch/internal/ratelimit"
	"github.com/obslabs/apiwatch/internal/ws"
)

// Router wires the monitor and analytics engine to HTTP endpoints.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	monitor     *monitor.Monitor
	analytics   *analytics.Engine
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     ratelimit.Limiter
	ingestToken string
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	ingestTotal        *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitIngest    = 6000
	rateLimitQuery     = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies. dbHealth may be nil when no
// archive store is configured.
func NewRouter(logger *slog.Logger, mon *monitor.Monitor, engine *analytics.Engine, hub *ws.Hub, limiter ratelimit.Limiter, ingestToken string, dbHealth func(context.Context) error) *Router {
	if hub == nil {
		hub = ws.NewHub()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		monitor:   mon,
		analytics: engine,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		ingestToken: strings.TrimSpace(ingestToken),
		dbHealth:    dbHealth,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/v1/requests", r.audit("/v1/requests", r.withRateLimit("/v1/requests", rateLimitIngest, rateWindowDefault, r.requireToken(r.handleStartRequest))))
	r.mux.HandleFunc("/v1/responses", r.audit("/v1/responses", r.withRateLimit("/v1/responses", rateLimitIngest, rateWindowDefault, r.handleResponses)))
	r.mux.HandleFunc("/v1/endpoints", r.audit("/v1/endpoints", r.withRateLimit("/v1/endpoints", rateLimitQuery, rateWindowDefault, r.handleEndpoints)))
	r.mux.HandleFunc("/v1/metrics", r.audit("/v1/metrics", r.withRateLimit("/v1/metrics", rateLimitQuery, rateWindowDefault, r.handleMetrics)))
	r.mux.HandleFunc("/v1/health", r.audit("/v1/health", r.withRateLimit("/v1/health", rateLimitQuery, rateWindowDefault, r.handleMonitorHealth)))
	r.mux.HandleFunc("/v1/report", r.audit("/v1/report", r.withRateLimit("/v1/report", rateLimitQuery, rateWindowDefault, r.handleReport)))
	r.mux.HandleFunc("/v1/anomalies", r.audit("/v1/anomalies", r.withRateLimit("/v1/anomalies", rateLimitQuery, rateWindowDefault, r.handleAnomalies)))
	r.mux.HandleFunc("/v1/predict", r.audit("/v1/predict", r.withRateLimit("/v1/predict", rateLimitQuery, rateWindowDefault, r.handlePredict)))
	r.mux.HandleFunc("/ws/alerts", r.audit("/ws/alerts", r.withRateLimit("/ws/alerts", rateLimitWebsocket, rateWindowDefault, r.handleAlertsWS)))
	r.mux.Handle("/metrics", promhttp.Handler())
}

type startRequestPayload struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	CallerID  string            `json:"caller_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	RemoteIP  string            `json:"remote_ip,omitempty"`
}

func (r *Router) handleStartRequest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload startRequestPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Method) == "" || strings.TrimSpace(payload.URL) == "" {
		writeError(w, http.StatusBadRequest, "method and url required")
		return
	}

	decision := r.monitor.Allow(payload.CallerID, payload.Method, payload.URL)
	if !decision.Allowed {
		applyRateHeaders(w, decision.Limit, decision)
		r.recordRateLimitHit("/v1/requests")
		writeError(w, http.StatusTooManyRequests, "endpoint rate limit exceeded")
		return
	}

	id := r.monitor.StartRequest(domain.RequestStart{
		Method:    payload.Method,
		URL:       payload.URL,
		Headers:   payload.Headers,
		Body:      payload.Body,
		CallerID:  payload.CallerID,
		TenantID:  payload.TenantID,
		SessionID: payload.SessionID,
		UserAgent: payload.UserAgent,
		RemoteIP:  payload.RemoteIP,
	})
	r.recordIngest("request")
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

type endRequestPayload struct {
	RequestID      string            `json:"request_id"`
	StatusCode     int               `json:"status_code"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ResponseTimeMS float64           `json:"response_time_ms,omitempty"`
	SizeBytes      int64             `json:"size_bytes,omitempty"`
	ErrorType      string            `json:"error_type,omitempty"`
}

// handleResponses splits the route by verb: POST ingests a completion,
// GET queries the archive store.
func (r *Router) handleResponses(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		if !r.verifyIngestToken(w, req) {
			return
		}
		r.handleEndRequest(w, req)
	case http.MethodGet:
		r.handleArchivedResponses(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEndRequest(w http.ResponseWriter, req *http.Request) {
	var payload endRequestPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.RequestID) == "" {
		writeError(w, http.StatusBadRequest, "request_id required")
		return
	}
	r.monitor.EndRequest(domain.ResponseEnd{
		RequestID:      payload.RequestID,
		StatusCode:     payload.StatusCode,
		Headers:        payload.Headers,
		Body:           payload.Body,
		ResponseTimeMS: payload.ResponseTimeMS,
		SizeBytes:      payload.SizeBytes,
		ErrorType:      payload.ErrorType,
	})
	r.recordIngest("response")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

const (
	archiveQueryLimit    = 100
	archiveQueryMaxLimit = 1000
	archiveQueryLookback = 24 * time.Hour
)

func (r *Router) handleArchivedResponses(w http.ResponseWriter, req *http.Request) {
	limit := archiveQueryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > archiveQueryMaxLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}
	since := time.Now().UTC().Add(-archiveQueryLookback)
	if raw := req.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	endpoint := req.URL.Query().Get("endpoint")
	responses, err := r.monitor.ArchivedResponses(req.Context(), endpoint, since, limit)
	if err != nil {
		if errors.Is(err, monitor.ErrNoArchiveStore) {
			writeError(w, http.StatusServiceUnavailable, "archive store not configured")
			return
		}
		r.logger.Error("archive query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}

	out := make([]map[string]any, 0, len(responses))
	for _, resp := range responses {
		row := map[string]any{
			"request_id":       resp.RequestID,
			"method":           resp.Method,
			"url":              resp.URL,
			"status_code":      resp.StatusCode,
			"response_time_ms": resp.ResponseTimeMS,
			"size_bytes":       resp.SizeBytes,
			"recorded_at":      resp.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if resp.CallerID != "" {
			row["caller_id"] = resp.CallerID
		}
		if resp.ErrorType != "" {
			row["error_type"] = resp.ErrorType
		}
		if resp.ErrorCategory != "" {
			row["error_category"] = resp.ErrorCategory
			row["error_severity"] = resp.ErrorSeverity
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": out, "count": len(out)})
}

type endpointPayload struct {
	Path      string  `json:"path"`
	Method    string  `json:"method"`
	RateLimit *struct {
		WindowSeconds int `json:"window_seconds"`
		MaxRequests   int `json:"max_requests"`
	} `json:"rate_limit,omitempty"`
	Alerting *struct {
		Enabled              bool    `json:"enabled"`
		ResponseTimeWarning  float64 `json:"response_time_warning_ms"`
		ResponseTimeCritical float64 `json:"response_time_critical_ms"`
		ErrorRateWarning     float64 `json:"error_rate_warning"`
		ErrorRateCritical    float64 `json:"error_rate_critical"`
	} `json:"alerting,omitempty"`
	SamplingRate *float64 `json:"sampling_rate,omitempty"`
}

func (r *Router) handleEndpoints(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		endpoints := r.monitor.Endpoints()
		out := make([]map[string]any, 0, len(endpoints))
		for _, ep := range endpoints {
			out = append(out, endpointJSON(ep))
		}
		writeJSON(w, http.StatusOK, map[string]any{"endpoints": out})
	case http.MethodPost:
		if !r.verifyIngestToken(w, req) {
			return
		}
		var payload endpointPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(payload.Path) == "" || strings.TrimSpace(payload.Method) == "" {
			writeError(w, http.StatusBadRequest, "path and method required")
			return
		}
		ep := domain.Endpoint{
			Path:         payload.Path,
			Method:       payload.Method,
			SamplingRate: -1,
		}
		if payload.SamplingRate != nil {
			ep.SamplingRate = *payload.SamplingRate
		}
		if payload.RateLimit != nil {
			ep.RateLimit = &domain.RateLimitConfig{
				Window:      time.Duration(payload.RateLimit.WindowSeconds) * time.Second,
				MaxRequests: payload.RateLimit.MaxRequests,
			}
		}
		if payload.Alerting != nil {
			ep.Alerting = &domain.AlertConfig{
				Enabled:                payload.Alerting.Enabled,
				ResponseTimeThresholds: domain.Thresholds{Warning: payload.Alerting.ResponseTimeWarning, Critical: payload.Alerting.ResponseTimeCritical},
				ErrorRateThresholds:    domain.Thresholds{Warning: payload.Alerting.ErrorRateWarning, Critical: payload.Alerting.ErrorRateCritical},
			}
		}
		registered := r.monitor.RegisterEndpoint(ep)
		writeJSON(w, http.StatusCreated, endpointJSON(registered))
	default:
		r.methodNotAllowed(w)
	}
}

func endpointJSON(ep domain.Endpoint) map[string]any {
	out := map[string]any{
		"path":          ep.Path,
		"method":        ep.Method,
		"key":           ep.Key(),
		"registered_at": ep.RegisteredAt.UTC().Format(time.RFC3339Nano),
	}
	if ep.SamplingRate >= 0 {
		out["sampling_rate"] = ep.SamplingRate
	}
	if ep.RateLimit != nil {
		out["rate_limit"] = map[string]any{
			"window_seconds": int(ep.RateLimit.Window / time.Second),
			"max_requests":   ep.RateLimit.MaxRequests,
		}
	}
	if ep.Alerting != nil {
		out["alerting"] = map[string]any{
			"enabled":                   ep.Alerting.Enabled,
			"response_time_warning_ms":  ep.Alerting.ResponseTimeThresholds.Warning,
			"response_time_critical_ms": ep.Alerting.ResponseTimeThresholds.Critical,
			"error_rate_warning":        ep.Alerting.ErrorRateThresholds.Warning,
			"error_rate_critical":       ep.Alerting.ErrorRateThresholds.Critical,
		}
	}
	return out
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	window := domain.Window(req.URL.Query().Get("window"))
	if window == "" {
		window = domain.Window1h
	}
	if !window.Valid() {
		writeError(w, http.StatusBadRequest, "unknown window")
		return
	}
	endpoint := req.URL.Query().Get("endpoint")
	writeJSON(w, http.StatusOK, r.monitor.GetMetrics(endpoint, window))
}

// healthResponse merges the analytics health composite with the monitor's
// own operational counters.
type healthResponse struct {
	analytics.HealthReport
	Monitor monitor.Status `json:"monitor"`
}

func (r *Router) handleMonitorHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	report := r.analytics.Health()
	status := r.monitor.HealthStatus()
	report.UptimeSeconds = status.UptimeSeconds
	writeJSON(w, http.StatusOK, healthResponse{HealthReport: report, Monitor: status})
}

func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	window := domain.Window(req.URL.Query().Get("window"))
	if window == "" {
		window = domain.Window1h
	}
	if !window.Valid() {
		writeError(w, http.StatusBadRequest, "unknown window")
		return
	}
	writeJSON(w, http.StatusOK, r.analytics.Report(window))
}

func (r *Router) handleAnomalies(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	metric := req.URL.Query().Get("metric")
	if metric == "" {
		metric = analytics.MetricAvgResponseTime
	}
	endpoint := req.URL.Query().Get("endpoint")
	anomalies := r.analytics.DetectAnomalies(endpoint, metric)
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":  endpoint,
		"metric":    metric,
		"anomalies": anomalies,
	})
}

func (r *Router) handlePredict(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	metric := req.URL.Query().Get("metric")
	if metric == "" {
		metric = analytics.MetricAvgResponseTime
	}
	horizon := 6
	if raw := req.URL.Query().Get("horizon"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 168 {
			writeError(w, http.StatusBadRequest, "horizon must be between 1 and 168")
			return
		}
		horizon = parsed
	}
	endpoint := req.URL.Query().Get("endpoint")
	writeJSON(w, http.StatusOK, r.analytics.Predict(endpoint, metric, horizon))
}

func (r *Router) handleAlertsWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register("alerts", client)
	go func() {
		defer func() {
			r.hub.Unregister("alerts", client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
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
	monitorStatus := r.monitor.HealthStatus()
	if monitorStatus.Healthy {
		components["monitor"] = map[string]any{"status": "up"}
	} else {
		status = "degraded"
		components["monitor"] = map[string]any{"status": "saturated"}
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
