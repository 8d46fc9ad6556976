package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/obslabs/apiwatch/internal/alerting"
	"github.com/obslabs/apiwatch/internal/domain"
	"github.com/obslabs/apiwatch/internal/ratelimit"
	"github.com/obslabs/apiwatch/pkg/config"
)

type testClock struct {
	mu sync.Mutex
	at time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{at: at}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

type stubStore struct {
	mu        sync.Mutex
	inserted  [][]domain.Response
	archived  []domain.Response
	rollups   map[string][]domain.MetricsWindow
	insertErr error
}

func (s *stubStore) InsertResponses(ctx context.Context, responses []domain.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	batch := make([]domain.Response, len(responses))
	copy(batch, responses)
	s.inserted = append(s.inserted, batch)
	s.archived = append(s.archived, batch...)
	return nil
}

func (s *stubStore) InsertRollups(ctx context.Context, endpoint string, windows []domain.MetricsWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rollups == nil {
		s.rollups = make(map[string][]domain.MetricsWindow)
	}
	s.rollups[endpoint] = append(s.rollups[endpoint], windows...)
	return nil
}

func (s *stubStore) ListResponses(ctx context.Context, endpoint string, since time.Time, limit int) ([]domain.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Response
	for _, resp := range s.archived {
		if resp.RecordedAt.Before(since) {
			continue
		}
		if endpoint != "" && resp.EndpointKey() != endpoint {
			continue
		}
		out = append(out, resp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubStore) DeleteResponsesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.archived[:0]
	var deleted int64
	for _, resp := range s.archived {
		if resp.RecordedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, resp)
	}
	s.archived = kept
	return deleted, nil
}

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Enabled:             true,
		CollectHeaders:      true,
		SamplingRate:        1.0,
		SampleErrorRequests: true,
	}.Normalize()
}

func newTestMonitor(t *testing.T, clock *testClock, opts ...Option) *Monitor {
	t.Helper()
	all := append([]Option{WithClock(clock.Now)}, opts...)
	return New(testConfig(), all...)
}

func endOK(t *testing.T, m *Monitor, id string, status int, rtMS float64) {
	t.Helper()
	if id == "" {
		t.Fatal("expected a request id")
	}
	m.EndRequest(domain.ResponseEnd{RequestID: id, StatusCode: status, ResponseTimeMS: rtMS})
}

func TestStartEndRoundTrip(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clock)

	id := m.StartRequest(domain.RequestStart{Method: "get", URL: "/api/users"})
	if id == "" {
		t.Fatal("expected a request id")
	}
	clock.Advance(150 * time.Millisecond)
	m.EndRequest(domain.ResponseEnd{RequestID: id, StatusCode: 200, SizeBytes: 512})

	w := m.GetMetrics("GET /api/users", domain.Window5m)
	if w.TotalRequests != 1 {
		t.Fatalf("expected 1 request, got %d", w.TotalRequests)
	}
	if w.SuccessCount != 1 || w.FailCount != 0 {
		t.Fatalf("unexpected success/fail split: %d/%d", w.SuccessCount, w.FailCount)
	}
	if w.AvgResponseTimeMS != 150 {
		t.Fatalf("expected derived response time 150ms, got %v", w.AvgResponseTimeMS)
	}
	st := m.HealthStatus()
	if st.InFlight != 0 {
		t.Fatalf("expected empty in-flight map, got %d", st.InFlight)
	}
}

func TestDisabledMonitorReturnsEmptyID(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m := New(cfg)

	if id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/x"}); id != "" {
		t.Fatalf("expected empty id when disabled, got %q", id)
	}
}

func TestOrphanCompletionIsIgnored(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 0).UTC())
	m := newTestMonitor(t, clock)

	m.EndRequest(domain.ResponseEnd{RequestID: "no-such-request", StatusCode: 200})

	if got := m.GetMetrics("", domain.Window5m).TotalRequests; got != 0 {
		t.Fatalf("orphan completion must not be recorded, got %d", got)
	}
	if st := m.HealthStatus(); st.OrphanedCompletions != 1 {
		t.Fatalf("expected 1 orphaned completion, got %d", st.OrphanedCompletions)
	}
}

func TestCriticalResponseTimeAlert(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	sink := alerting.NewChannelSink(8)
	m := newTestMonitor(t, clock, WithAlertSink(sink))

	m.RegisterEndpoint(domain.Endpoint{
		Path:   "/api/slow",
		Method: "GET",
		Alerting: &domain.AlertConfig{
			Enabled:                true,
			ResponseTimeThresholds: domain.Thresholds{Warning: 1000, Critical: 3000},
		},
		SamplingRate: -1,
	})

	id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/slow"})
	endOK(t, m, id, 200, 3500)

	select {
	case alert := <-sink.Alerts():
		if alert.Type != domain.AlertResponseTimeCritical {
			t.Fatalf("expected critical response time alert, got %s", alert.Type)
		}
		if alert.Severity != domain.AlertCritical {
			t.Fatalf("expected critical severity, got %s", alert.Severity)
		}
	default:
		t.Fatal("expected an alert to be delivered")
	}
	select {
	case alert := <-sink.Alerts():
		t.Fatalf("expected exactly one alert, got extra %s", alert.Type)
	default:
	}

	if avg := m.GetMetrics("GET /api/slow", domain.Window5m).AvgResponseTimeMS; avg != 3500 {
		t.Fatalf("expected avg 3500ms, got %v", avg)
	}
}

func TestPreflightRateLimit(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	m := newTestMonitor(t, clock, WithLimiter(limiter))

	m.RegisterEndpoint(domain.Endpoint{
		Path:         "/api/data",
		Method:       "POST",
		RateLimit:    &domain.RateLimitConfig{Window: time.Minute, MaxRequests: 20},
		SamplingRate: -1,
	})

	allowed := 0
	for i := 0; i < 25; i++ {
		if m.Allow("client-1", "POST", "/api/data").Allowed {
			allowed++
		}
	}
	if allowed != 20 {
		t.Fatalf("expected 20 of 25 calls allowed, got %d", allowed)
	}
	if st := m.HealthStatus(); st.RateLimitedCalls != 5 {
		t.Fatalf("expected 5 rate limited calls, got %d", st.RateLimitedCalls)
	}
}

func TestUnlimitedEndpointAlwaysAllowed(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 0).UTC())
	m := newTestMonitor(t, clock)

	for i := 0; i < 100; i++ {
		if !m.Allow("client-1", "GET", "/api/open").Allowed {
			t.Fatal("endpoint without a rate limit must always be allowed")
		}
	}
}

func TestAllErrorsYieldFullErrorRate(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clock)

	for i := 0; i < 4; i++ {
		id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/broken"})
		endOK(t, m, id, 500, 50)
	}

	w := m.GetMetrics("GET /api/broken", domain.Window5m)
	if w.ErrorRate != 1.0 {
		t.Fatalf("expected error rate 1.0, got %v", w.ErrorRate)
	}
	if w.ErrorsByCategory[domain.CategoryServerError] != 4 {
		t.Fatalf("expected 4 server errors, got %d", w.ErrorsByCategory[domain.CategoryServerError])
	}
}

func TestSampledOutErrorStillRetained(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.SamplingRate = 0.5
	m := New(cfg, WithClock(clock.Now), WithSampler(func() float64 { return 0.99 }))

	successID := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/thing"})
	m.EndRequest(domain.ResponseEnd{RequestID: successID, StatusCode: 200, ResponseTimeMS: 10})

	errorID := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/thing"})
	m.EndRequest(domain.ResponseEnd{RequestID: errorID, StatusCode: 500, ResponseTimeMS: 10})

	w := m.GetMetrics("GET /api/thing", domain.Window5m)
	if w.TotalRequests != 1 {
		t.Fatalf("expected only the error retained, got %d records", w.TotalRequests)
	}
	if w.FailCount != 1 {
		t.Fatalf("expected the retained record to be the error, got fail count %d", w.FailCount)
	}
}

func TestStaleInFlightEviction(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clock)

	id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/hang"})
	clock.Advance(10 * time.Minute)
	m.evictStale(clock.Now())

	m.EndRequest(domain.ResponseEnd{RequestID: id, StatusCode: 200})

	st := m.HealthStatus()
	if st.AbandonedRequests != 1 {
		t.Fatalf("expected 1 abandoned request, got %d", st.AbandonedRequests)
	}
	if st.OrphanedCompletions != 1 {
		t.Fatalf("late completion after eviction should be orphaned, got %d", st.OrphanedCompletions)
	}
}

func TestFlushArchivesInBatches(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	store := &stubStore{}
	cfg := testConfig()
	cfg.BatchSize = 2
	m := New(cfg, WithClock(clock.Now), WithArchiveStore(store))

	for i := 0; i < 5; i++ {
		id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/x"})
		endOK(t, m, id, 200, 10)
	}
	m.Shutdown(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	total := 0
	for _, batch := range store.inserted {
		if len(batch) > 2 {
			t.Fatalf("batch exceeds configured size: %d", len(batch))
		}
		total += len(batch)
	}
	if total != 5 {
		t.Fatalf("expected all 5 responses archived, got %d", total)
	}

	// Archived responses stay queryable until retention prunes them.
	if got := m.GetMetrics("GET /api/x", domain.Window5m).TotalRequests; got != 5 {
		t.Fatalf("archived responses must remain queryable, got %d", got)
	}
}

func TestRegisterEndpointIdempotent(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clock)

	first := m.RegisterEndpoint(domain.Endpoint{Path: "/api/a", Method: "GET", SamplingRate: -1})
	id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/a"})
	endOK(t, m, id, 200, 25)

	clock.Advance(time.Hour)
	second := m.RegisterEndpoint(domain.Endpoint{
		Path:         "/api/a",
		Method:       "GET",
		RateLimit:    &domain.RateLimitConfig{Window: time.Minute, MaxRequests: 10},
		SamplingRate: -1,
	})

	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("re-registration must keep the original registration time")
	}
	if second.RateLimit == nil || second.RateLimit.MaxRequests != 10 {
		t.Fatal("re-registration must replace the configuration")
	}
	if got := m.GetMetrics("GET /api/a", domain.Window24h).TotalRequests; got != 1 {
		t.Fatalf("history must survive re-registration, got %d", got)
	}
}

func TestRegisterWithoutSamplingOverrideInheritsGlobal(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clock)

	// No SamplingRate set: the endpoint must inherit the global rate, not
	// read the zero value as a 0% override.
	m.RegisterEndpoint(domain.Endpoint{
		Path:   "/api/fleet",
		Method: "GET",
		Alerting: &domain.AlertConfig{
			Enabled:                true,
			ResponseTimeThresholds: domain.Thresholds{Warning: 500, Critical: 2000},
		},
	})

	id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/fleet"})
	endOK(t, m, id, 200, 25)

	w := m.GetMetrics("GET /api/fleet", domain.Window5m)
	if w.TotalRequests != 1 {
		t.Fatalf("expected the request recorded under the global rate, got %d of 1", w.TotalRequests)
	}
	if w.SuccessCount != 1 {
		t.Fatalf("expected 1 success, got %d", w.SuccessCount)
	}
}

func TestBufferPressureStepsSamplingDown(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.MaxBufferedResponses = 10
	cfg.BufferPressureRatio = 0.5
	m := New(cfg, WithClock(clock.Now), WithSampler(func() float64 { return 0 }))

	fill := func(n int, status int) {
		t.Helper()
		for i := 0; i < n; i++ {
			id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/busy"})
			endOK(t, m, id, status, 10)
		}
	}

	fill(5, 200)
	if got := m.HealthStatus().EffectiveSamplingRate; got != 0.5 {
		t.Fatalf("expected sampling halved at the pressure threshold, got %v", got)
	}

	fill(5, 200)
	st := m.HealthStatus()
	if st.BufferedResponses != 10 {
		t.Fatalf("expected buffer at its cap, got %d", st.BufferedResponses)
	}
	if st.EffectiveSamplingRate >= 0.5 {
		t.Fatalf("expected further step-down under sustained pressure, got %v", st.EffectiveSamplingRate)
	}

	// Past the cap a success is dropped but an error is still retained.
	fill(1, 200)
	if st := m.HealthStatus(); st.DroppedResponses != 1 || st.BufferedResponses != 10 {
		t.Fatalf("expected the success past the cap dropped, got %+v", st)
	}
	fill(1, 500)
	if st := m.HealthStatus(); st.BufferedResponses != 11 {
		t.Fatalf("errors must bypass the buffer cap, got %d buffered", st.BufferedResponses)
	}

	// Pressure clears once the buffer is pruned.
	m.agg.PruneBefore(clock.Now().Add(time.Hour))
	m.adjustPressure()
	if got := m.HealthStatus().EffectiveSamplingRate; got != 1.0 {
		t.Fatalf("expected the configured rate restored after pruning, got %v", got)
	}
}

func TestFlushArchivesRollupsAndPrunesArchive(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC))
	store := &stubStore{}
	m := New(testConfig(), WithClock(clock.Now), WithArchiveStore(store))

	m.RegisterEndpoint(domain.Endpoint{Path: "/api/r", Method: "GET"})
	for i := 0; i < 3; i++ {
		id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/r"})
		endOK(t, m, id, 200, 20)
	}
	m.Shutdown(context.Background())

	store.mu.Lock()
	global, endpoint := store.rollups[""], store.rollups["GET /api/r"]
	store.mu.Unlock()
	if len(global) == 0 || global[0].TotalRequests != 3 {
		t.Fatalf("expected a global rollup with 3 requests, got %+v", global)
	}
	if len(endpoint) == 0 || endpoint[0].TotalRequests != 3 {
		t.Fatalf("expected an endpoint rollup with 3 requests, got %+v", endpoint)
	}
	if ws := global[0].WindowStart; ws.Minute() != 0 || ws.Second() != 0 {
		t.Fatalf("rollup rows must be keyed by hour, got window start %s", ws)
	}

	listed, err := m.ArchivedResponses(context.Background(), "GET /api/r", clock.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("archive query: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 archived responses, got %d", len(listed))
	}

	// Retention applies to the archive as well as the buffer.
	clock.Advance(31 * 24 * time.Hour)
	m.Shutdown(context.Background())
	listed, err = m.ArchivedResponses(context.Background(), "GET /api/r", clock.Now().Add(-40*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("archive query: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected archive pruned past retention, got %d rows", len(listed))
	}
}

func TestArchivedResponsesWithoutStore(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 0).UTC())
	m := newTestMonitor(t, clock)

	if _, err := m.ArchivedResponses(context.Background(), "", clock.Now(), 10); err != ErrNoArchiveStore {
		t.Fatalf("expected ErrNoArchiveStore, got %v", err)
	}
}

func TestAsyncCollectionDefersRecording(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.AsyncCollection = true
	m := New(cfg, WithClock(clock.Now))

	id := m.StartRequest(domain.RequestStart{Method: "GET", URL: "/api/later"})
	endOK(t, m, id, 200, 10)

	if st := m.HealthStatus(); st.BufferedResponses != 0 || st.CompletedRequests != 0 {
		t.Fatalf("completion must be queued, not recorded inline: %+v", st)
	}

	// Shutdown drains the queue before flushing.
	m.Shutdown(context.Background())
	st := m.HealthStatus()
	if st.BufferedResponses != 1 {
		t.Fatalf("expected the queued completion recorded on drain, got %d buffered", st.BufferedResponses)
	}
	if st.CompletedRequests != 1 {
		t.Fatalf("expected 1 completion, got %d", st.CompletedRequests)
	}
}
