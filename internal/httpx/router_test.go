package httpx

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obslabs/apiwatch/internal/analytics"
	"github.com/obslabs/apiwatch/internal/domain"
	"github.com/obslabs/apiwatch/internal/monitor"
	"github.com/obslabs/apiwatch/internal/ratelimit"
	"github.com/obslabs/apiwatch/internal/ws"
	"github.com/obslabs/apiwatch/pkg/config"
)

func newTestRouter(t *testing.T, token string) (*Router, *monitor.Monitor) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.MonitorConfig{
		Enabled:             true,
		SamplingRate:        1.0,
		SampleErrorRequests: true,
	}.Normalize()
	limiter := ratelimit.NewMemoryLimiter()
	t.Cleanup(limiter.Close)
	mon := monitor.New(cfg, monitor.WithLogger(logger), monitor.WithLimiter(limiter))
	engine := analytics.NewEngine(mon, analytics.WithLogger(logger))
	router := NewRouter(logger, mon, engine, ws.NewHub(), limiter, token, nil)
	return router, mon
}

func postJSON(t *testing.T, router *Router, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func getPath(t *testing.T, router *Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestIngestRoundTripOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t, "")

	res := postJSON(t, router, "/v1/requests", map[string]any{
		"method": "GET",
		"url":    "/api/users",
	}, nil)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	var started struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if started.RequestID == "" {
		t.Fatal("expected a request id")
	}

	res = postJSON(t, router, "/v1/responses", map[string]any{
		"request_id":       started.RequestID,
		"status_code":      200,
		"response_time_ms": 42.0,
	}, nil)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}

	res = getPath(t, router, "/v1/metrics?endpoint=GET+/api/users&window=5m")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var window struct {
		TotalRequests int64 `json:"total_requests"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &window); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if window.TotalRequests != 1 {
		t.Fatalf("expected 1 recorded request, got %d", window.TotalRequests)
	}
}

func TestIngestTokenEnforced(t *testing.T) {
	router, _ := newTestRouter(t, "secret-token")

	body := map[string]any{"method": "GET", "url": "/x"}
	if res := postJSON(t, router, "/v1/requests", body, nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}
	if res := postJSON(t, router, "/v1/requests", body, map[string]string{"X-Apiwatch-Token": "wrong"}); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.Code)
	}
	if res := postJSON(t, router, "/v1/requests", body, map[string]string{"X-Apiwatch-Token": "secret-token"}); res.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with valid token, got %d", res.Code)
	}
}

func TestEndpointRegistrationAndListing(t *testing.T) {
	router, _ := newTestRouter(t, "")

	res := postJSON(t, router, "/v1/endpoints", map[string]any{
		"path":   "/api/orders",
		"method": "post",
		"rate_limit": map[string]any{
			"window_seconds": 60,
			"max_requests":   100,
		},
	}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}

	res = getPath(t, router, "/v1/endpoints")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var listing struct {
		Endpoints []map[string]any `json:"endpoints"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(listing.Endpoints))
	}
	if key := listing.Endpoints[0]["key"]; key != "POST /api/orders" {
		t.Fatalf("unexpected endpoint key %v", key)
	}
}

func TestEndpointRateLimitAppliedOnIngest(t *testing.T) {
	router, _ := newTestRouter(t, "")

	res := postJSON(t, router, "/v1/endpoints", map[string]any{
		"path":   "/api/limited",
		"method": "POST",
		"rate_limit": map[string]any{
			"window_seconds": 60,
			"max_requests":   2,
		},
	}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("register endpoint: %d", res.Code)
	}

	body := map[string]any{"method": "POST", "url": "/api/limited", "caller_id": "client-9"}
	for i := 0; i < 2; i++ {
		if res := postJSON(t, router, "/v1/requests", body, nil); res.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i+1, res.Code)
		}
	}
	res = postJSON(t, router, "/v1/requests", body, nil)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the limit, got %d", res.Code)
	}
	if res.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("expected rate limit headers, got %q", res.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMetricsRejectsUnknownWindow(t *testing.T) {
	router, _ := newTestRouter(t, "")
	if res := getPath(t, router, "/v1/metrics?window=2w"); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown window, got %d", res.Code)
	}
}

func TestPredictValidatesHorizon(t *testing.T) {
	router, _ := newTestRouter(t, "")
	if res := getPath(t, router, "/v1/predict?horizon=0"); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero horizon, got %d", res.Code)
	}
	if res := getPath(t, router, "/v1/predict?horizon=4"); res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestAnomaliesEmptyHistory(t *testing.T) {
	router, _ := newTestRouter(t, "")
	res := getPath(t, router, "/v1/anomalies?endpoint=GET+/api/none")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var payload struct {
		Anomalies []json.RawMessage `json:"anomalies"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode anomalies: %v", err)
	}
	if len(payload.Anomalies) != 0 {
		t.Fatalf("expected no anomalies, got %d", len(payload.Anomalies))
	}
}

func TestMonitorHealthEndpoint(t *testing.T) {
	router, mon := newTestRouter(t, "")

	id := mon.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/ping"})
	mon.EndRequest(domain.ResponseEnd{RequestID: id, StatusCode: 200, ResponseTimeMS: 12})

	res := getPath(t, router, "/v1/health")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var status struct {
		Overall   string  `json:"overall"`
		Score     float64 `json:"score"`
		ErrorRate float64 `json:"error_rate"`
		Monitor   struct {
			Healthy           bool  `json:"healthy"`
			CompletedRequests int64 `json:"completed_requests"`
		} `json:"monitor"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Overall != "healthy" || status.Score != 100 {
		t.Fatalf("expected a clean composite grade, got %+v", status)
	}
	if !status.Monitor.Healthy || status.Monitor.CompletedRequests != 1 {
		t.Fatalf("unexpected monitor counters: %+v", status.Monitor)
	}
}

func TestArchivedResponsesWithoutStore(t *testing.T) {
	router, _ := newTestRouter(t, "")
	res := getPath(t, router, "/v1/responses?limit=10")
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no archive store, got %d", res.Code)
	}
}

func TestArchivedResponsesValidatesLimit(t *testing.T) {
	router, _ := newTestRouter(t, "")
	if res := getPath(t, router, "/v1/responses?limit=0"); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero limit, got %d", res.Code)
	}
	if res := getPath(t, router, "/v1/responses?limit=5000"); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 past the limit cap, got %d", res.Code)
	}
}

func TestHealthzReportsOK(t *testing.T) {
	router, _ := newTestRouter(t, "")
	res := getPath(t, router, "/healthz")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("expected ok, got %s", payload.Status)
	}
}

func TestIngestMethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t, "")
	if res := getPath(t, router, "/v1/requests"); res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestReportOverHTTP(t *testing.T) {
	router, mon := newTestRouter(t, "")
	for i := 0; i < 3; i++ {
		id := mon.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/data"})
		mon.EndRequest(domain.ResponseEnd{RequestID: id, StatusCode: 200, ResponseTimeMS: 30})
	}

	res := getPath(t, router, "/v1/report?window=1h")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var report struct {
		Summary struct {
			TotalRequests int64   `json:"total_requests"`
			HealthScore   float64 `json:"health_score"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Summary.TotalRequests != 3 {
		t.Fatalf("expected 3 requests in summary, got %d", report.Summary.TotalRequests)
	}
	if report.Summary.HealthScore != 100 {
		t.Fatalf("expected perfect health, got %v", report.Summary.HealthScore)
	}
}
