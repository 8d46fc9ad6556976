package monitor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/obslabs/apiwatch/internal/alerting"
	"github.com/obslabs/apiwatch/internal/domain"
	"github.com/obslabs/apiwatch/internal/metrics"
	"github.com/obslabs/apiwatch/internal/ratelimit"
	"github.com/obslabs/apiwatch/internal/repository"
	"github.com/obslabs/apiwatch/pkg/config"
)

// Monitor is the ingestion core. It owns the in-flight request map, the
// response buffer, the endpoint registry, and the background aggregation and
// flush loops. Instances are independent; construct as many as needed.
type Monitor struct {
	cfg      config.MonitorConfig
	logger   *slog.Logger
	registry *Registry
	agg      *metrics.Aggregator
	limiter  ratelimit.Limiter
	alerts   *alerting.Engine
	store    repository.ArchiveStore

	now  func() time.Time
	draw func() float64

	// async carries completions to the Run loop when asynchronous
	// collection is enabled. Nil when collection is synchronous.
	async chan completion

	mu            sync.Mutex
	inflight      map[string]domain.Request
	effectiveRate float64

	startedAt    time.Time
	once         sync.Once
	pendingSinks []alerting.Sink

	started     atomic.Int64
	completed   atomic.Int64
	orphaned    atomic.Int64
	abandoned   atomic.Int64
	dropped     atomic.Int64
	rateLimited atomic.Int64
	flushErrors atomic.Int64
}

// asyncQueueSize bounds the deferred-completion queue. When it fills,
// EndRequest falls back to recording synchronously.
const asyncQueueSize = 1024

// ErrNoArchiveStore is returned by archive queries when no store is
// configured.
var ErrNoArchiveStore = errors.New("no archive store configured")

// completion pairs a finished response with its sampling outcome.
type completion struct {
	resp    domain.Response
	sampled bool
}

// Option customises a Monitor at construction time.
type Option func(*Monitor)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger.With("component", "monitor")
		}
	}
}

// WithLimiter installs the rate-limit backend used by Allow.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(m *Monitor) { m.limiter = l }
}

// WithArchiveStore installs the persistence sink for the flush loop.
func WithArchiveStore(s repository.ArchiveStore) Option {
	return func(m *Monitor) { m.store = s }
}

// WithAlertSink registers a delivery target on the alerting engine.
func WithAlertSink(s alerting.Sink) Option {
	return func(m *Monitor) { m.pendingSinks = append(m.pendingSinks, s) }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now == nil {
			return
		}
		m.now = now
		m.registry = NewRegistry(now)
		m.agg = metrics.New(now)
	}
}

// WithSampler overrides the sampling draw. Used in tests.
func WithSampler(draw func() float64) Option {
	return func(m *Monitor) {
		if draw != nil {
			m.draw = draw
		}
	}
}

// New constructs a Monitor. The zero-value MonitorConfig is normalized to
// safe defaults first.
func New(cfg config.MonitorConfig, opts ...Option) *Monitor {
	cfg = cfg.Normalize()
	now := time.Now
	m := &Monitor{
		cfg:           cfg,
		registry:      NewRegistry(now),
		agg:           metrics.New(now),
		now:           now,
		draw:          rand.Float64,
		inflight:      make(map[string]domain.Request),
		effectiveRate: cfg.SamplingRate,
	}
	if cfg.AsyncCollection {
		m.async = make(chan completion, asyncQueueSize)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.alerts = alerting.NewEngine(m.logger)
	for _, s := range m.pendingSinks {
		m.alerts.AddSink(s)
	}
	m.pendingSinks = nil
	m.startedAt = m.now().UTC()
	return m
}

// RegisterEndpoint upserts endpoint configuration. History accumulated under
// the same key is preserved.
func (m *Monitor) RegisterEndpoint(ep domain.Endpoint) domain.Endpoint {
	return m.registry.Register(ep)
}

// Endpoints returns the registered endpoints.
func (m *Monitor) Endpoints() []domain.Endpoint {
	return m.registry.All()
}

// StartRequest records an outbound call and returns its request ID. Returns
// the empty string only when monitoring is disabled. Never panics; ingestion
// is fail-open.
func (m *Monitor) StartRequest(start domain.RequestStart) (id string) {
	if !m.cfg.Enabled {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.Error("panic in start request", "panic", r)
			}
		}
	}()

	req := domain.Request{
		ID:        uuid.NewString(),
		Method:    strings.ToUpper(strings.TrimSpace(start.Method)),
		URL:       strings.TrimSpace(start.URL),
		CallerID:  start.CallerID,
		TenantID:  start.TenantID,
		SessionID: start.SessionID,
		StartedAt: m.now().UTC(),
	}
	if m.cfg.CollectHeaders {
		req.Headers = start.Headers
	}
	if m.cfg.CollectRequestBody {
		req.Body = start.Body
	}
	if m.cfg.CollectUserAgent {
		req.UserAgent = start.UserAgent
	}
	if m.cfg.CollectIPAddress {
		req.RemoteIP = start.RemoteIP
	}
	req.Sampled = m.sampleDraw(req.Method, req.URL)

	m.mu.Lock()
	m.inflight[req.ID] = req
	m.mu.Unlock()

	m.started.Add(1)
	return req.ID
}

// sampleDraw resolves the effective sampling rate for the endpoint and rolls
// the dice. Unsampled requests still keep an in-flight entry so an error
// completion can be retained.
func (m *Monitor) sampleDraw(method, url string) bool {
	rate := m.cfg.SamplingRate
	if ep, ok := m.registry.Lookup(method, url); ok && ep.SamplingRate >= 0 {
		rate = ep.SamplingRate
	}
	// Pressure step-down caps endpoint overrides too.
	if eff := m.currentRate(); eff < m.cfg.SamplingRate && eff < rate {
		rate = eff
	}
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return m.draw() < rate
}

func (m *Monitor) currentRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveRate
}

// EndRequest completes a monitored call. Orphan completions (unknown request
// ID) log a warning and are otherwise ignored. Error responses are retained
// even when the request was sampled out.
func (m *Monitor) EndRequest(end domain.ResponseEnd) {
	if !m.cfg.Enabled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.Error("panic in end request", "panic", r, "request_id", end.RequestID)
			}
		}
	}()

	m.mu.Lock()
	req, ok := m.inflight[end.RequestID]
	if ok {
		delete(m.inflight, end.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		m.orphaned.Add(1)
		if m.logger != nil {
			m.logger.Warn("completion for unknown request", "request_id", end.RequestID)
		}
		return
	}

	recordedAt := m.now().UTC()
	resp := domain.Response{
		RequestID:      req.ID,
		Method:         req.Method,
		URL:            req.URL,
		CallerID:       req.CallerID,
		StatusCode:     end.StatusCode,
		ResponseTimeMS: end.ResponseTimeMS,
		SizeBytes:      end.SizeBytes,
		ErrorType:      end.ErrorType,
		ErrorCategory:  end.ErrorCategory,
		ErrorSeverity:  end.ErrorSeverity,
		RecordedAt:     recordedAt,
	}
	if m.cfg.CollectHeaders {
		resp.Headers = end.Headers
	}
	if m.cfg.CollectResponseBody {
		resp.Body = end.Body
	}
	if resp.ResponseTimeMS <= 0 {
		resp.ResponseTimeMS = float64(recordedAt.Sub(req.StartedAt)) / float64(time.Millisecond)
	}
	isError := resp.StatusCode <= 0 || resp.StatusCode >= 400
	if isError && resp.ErrorCategory == "" {
		resp.ErrorCategory, resp.ErrorSeverity = domain.CategorizeStatus(resp.StatusCode)
	}

	c := completion{resp: resp, sampled: req.Sampled}
	if m.async != nil {
		select {
		case m.async <- c:
			return
		default:
			// Queue full; record inline rather than losing the completion.
		}
	}
	m.record(c)
}

// record appends a completion to the buffer and runs per-event alert rules.
// Called inline for synchronous collection and from the Run loop otherwise.
func (m *Monitor) record(c completion) {
	isError := c.resp.StatusCode <= 0 || c.resp.StatusCode >= 400
	retain := c.sampled || (isError && m.cfg.SampleErrorRequests)
	if retain {
		if m.agg.Len() >= m.cfg.MaxBufferedResponses && !isError {
			m.dropped.Add(1)
		} else {
			m.agg.Append(c.resp)
			m.adjustPressure()
		}
	}

	ep, _ := m.registry.Lookup(c.resp.Method, c.resp.URL)
	if ep.Alerting != nil {
		m.alerts.EvaluateResponse(*ep.Alerting, ep.Key(), c.resp)
	}
	m.completed.Add(1)
}

// drainAsync records everything still queued. Called before flushing so a
// shutdown never strands deferred completions.
func (m *Monitor) drainAsync() {
	if m.async == nil {
		return
	}
	for {
		select {
		case c := <-m.async:
			m.record(c)
		default:
			return
		}
	}
}

// adjustPressure steps the effective sampling rate down while the response
// buffer sits above its pressure threshold, and restores the configured rate
// once it clears. Errors are retained regardless of the effective rate.
func (m *Monitor) adjustPressure() {
	threshold := int(float64(m.cfg.MaxBufferedResponses) * m.cfg.BufferPressureRatio)
	pressured := m.agg.Len() >= threshold

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case pressured && m.effectiveRate > 0.01:
		m.effectiveRate = m.effectiveRate / 2
		if m.effectiveRate < 0.01 {
			m.effectiveRate = 0.01
		}
		if m.logger != nil {
			m.logger.Warn("response buffer under pressure, sampling stepped down",
				"effective_rate", m.effectiveRate, "buffered", m.agg.Len())
		}
	case !pressured && m.effectiveRate != m.cfg.SamplingRate:
		m.effectiveRate = m.cfg.SamplingRate
	}
}

// Allow runs the pre-flight rate-limit check for a caller against an
// endpoint. Endpoints without a rate-limit configuration are always allowed,
// as are all calls when no limiter backend is installed.
func (m *Monitor) Allow(callerID, method, path string) ratelimit.Decision {
	ep, _ := m.registry.Lookup(method, path)
	if ep.RateLimit == nil || ep.RateLimit.MaxRequests <= 0 || m.limiter == nil {
		return ratelimit.Decision{Allowed: true}
	}
	key := callerID + "|" + ep.Key()
	decision := m.limiter.Allow(key, ep.RateLimit.MaxRequests, ep.RateLimit.Window)
	if !decision.Allowed {
		m.rateLimited.Add(1)
	}
	return decision
}

// GetMetrics returns aggregated metrics for an endpoint ("" means all
// endpoints) over the given window.
func (m *Monitor) GetMetrics(endpoint string, w domain.Window) domain.MetricsWindow {
	return m.agg.Window(endpoint, w)
}

// HourlyHistory returns the hourly rollup ring for an endpoint, oldest first.
func (m *Monitor) HourlyHistory(endpoint string) []domain.MetricsWindow {
	return m.agg.HourlyHistory(endpoint)
}

// DailyHistory returns the daily rollup ring for an endpoint, oldest first.
func (m *Monitor) DailyHistory(endpoint string) []domain.MetricsWindow {
	return m.agg.DailyHistory(endpoint)
}

// Alerts exposes the alerting engine so callers can attach sinks after
// construction.
func (m *Monitor) Alerts() *alerting.Engine {
	return m.alerts
}

// Run starts the aggregation and flush loops. It blocks until the context is
// cancelled, then performs a final flush.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	m.once.Do(func() {
		if m.logger != nil {
			m.logger.Info("monitor started",
				"aggregation_interval", m.cfg.AggregationInterval,
				"flush_interval", m.cfg.FlushInterval,
				"sampling_rate", m.cfg.SamplingRate)
		}
	})
	aggTicker := time.NewTicker(m.cfg.AggregationInterval)
	defer aggTicker.Stop()
	flushTicker := time.NewTicker(m.cfg.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.drainAsync()
			m.flush(context.Background(), true)
			if m.logger != nil {
				m.logger.Info("monitor stopped")
			}
			return
		case c := <-m.async:
			m.record(c)
		case <-aggTicker.C:
			m.aggregate()
		case <-flushTicker.C:
			m.flush(ctx, false)
		}
	}
}

// aggregate runs one tick: rollups, per-window alert rules, and eviction of
// abandoned in-flight requests.
func (m *Monitor) aggregate() {
	at := m.now().UTC()
	keys := m.registry.Keys()
	m.agg.Tick(at, keys)

	for _, ep := range m.registry.All() {
		if ep.Alerting == nil || !ep.Alerting.Enabled {
			continue
		}
		w := m.agg.Window(ep.Key(), domain.Window5m)
		m.alerts.EvaluateWindow(*ep.Alerting, ep.Key(), w)
	}

	m.evictStale(at)
}

func (m *Monitor) evictStale(at time.Time) {
	cutoff := at.Add(-m.cfg.StaleRequestAfter)
	var evicted int
	m.mu.Lock()
	for id, req := range m.inflight {
		if req.StartedAt.Before(cutoff) {
			delete(m.inflight, id)
			evicted++
		}
	}
	m.mu.Unlock()
	if evicted > 0 {
		m.abandoned.Add(int64(evicted))
		if m.logger != nil {
			m.logger.Warn("abandoned in-flight requests evicted", "count", evicted)
		}
	}
}

// flush persists unarchived responses in batches, archives the current
// rollups, enforces retention on the archive, and prunes the buffer. With no
// archive store configured it only prunes.
func (m *Monitor) flush(ctx context.Context, drain bool) {
	cutoff := m.now().UTC().AddDate(0, 0, -m.cfg.RetentionPeriodDays)

	if m.store != nil {
		for {
			batch := m.agg.Unarchived(m.cfg.BatchSize)
			if len(batch) == 0 {
				break
			}
			if err := m.store.InsertResponses(ctx, batch); err != nil {
				m.flushErrors.Add(1)
				if m.logger != nil {
					m.logger.Warn("failed to archive responses", "error", err, "count", len(batch))
				}
				break
			}
			m.agg.MarkArchived(len(batch))
			if !drain {
				break
			}
		}
		m.flushRollups(ctx)
		if _, err := m.store.DeleteResponsesBefore(ctx, cutoff); err != nil {
			if m.logger != nil {
				m.logger.Warn("failed to prune archive", "error", err)
			}
		}
	}

	if pruned := m.agg.PruneBefore(cutoff); pruned > 0 && m.logger != nil {
		m.logger.Info("retention prune", "removed", pruned)
	}
	m.adjustPressure()
}

// flushRollups upserts the trailing one-hour window for the global bucket
// and every registered endpoint. Rows are keyed by the containing hour, so
// repeated flushes within an hour update the same row.
func (m *Monitor) flushRollups(ctx context.Context) {
	keys := append([]string{""}, m.registry.Keys()...)
	for _, key := range keys {
		w := m.agg.Window(key, domain.Window1h)
		if w.TotalRequests == 0 {
			continue
		}
		w.WindowStart = w.WindowStart.Truncate(time.Hour)
		if err := m.store.InsertRollups(ctx, key, []domain.MetricsWindow{w}); err != nil {
			m.flushErrors.Add(1)
			if m.logger != nil {
				m.logger.Warn("failed to archive rollup", "endpoint", key, "error", err)
			}
			return
		}
	}
}

// ArchivedResponses queries the archive store for previously flushed
// responses. The empty endpoint key returns all endpoints.
func (m *Monitor) ArchivedResponses(ctx context.Context, endpoint string, since time.Time, limit int) ([]domain.Response, error) {
	if m.store == nil {
		return nil, ErrNoArchiveStore
	}
	return m.store.ListResponses(ctx, endpoint, since, limit)
}

// Shutdown drains remaining responses to the archive store. Safe to call
// after the Run context is cancelled.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.drainAsync()
	m.flush(ctx, true)
}

// Status is a point-in-time snapshot of the monitor's own health.
type Status struct {
	Healthy               bool    `json:"healthy"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
	StartedRequests       int64   `json:"started_requests"`
	CompletedRequests     int64   `json:"completed_requests"`
	InFlight              int     `json:"in_flight"`
	BufferedResponses     int     `json:"buffered_responses"`
	OrphanedCompletions   int64   `json:"orphaned_completions"`
	AbandonedRequests     int64   `json:"abandoned_requests"`
	DroppedResponses      int64   `json:"dropped_responses"`
	RateLimitedCalls      int64   `json:"rate_limited_calls"`
	FlushErrors           int64   `json:"flush_errors"`
	EffectiveSamplingRate float64 `json:"effective_sampling_rate"`
}

// HealthStatus reports the monitor's own operational state. Uptime is the
// wall-clock duration since construction. Unhealthy means the response buffer
// is saturated or archiving is failing.
func (m *Monitor) HealthStatus() Status {
	m.mu.Lock()
	inflight := len(m.inflight)
	rate := m.effectiveRate
	m.mu.Unlock()

	buffered := m.agg.Len()
	st := Status{
		UptimeSeconds:         m.now().UTC().Sub(m.startedAt).Seconds(),
		StartedRequests:       m.started.Load(),
		CompletedRequests:     m.completed.Load(),
		InFlight:              inflight,
		BufferedResponses:     buffered,
		OrphanedCompletions:   m.orphaned.Load(),
		AbandonedRequests:     m.abandoned.Load(),
		DroppedResponses:      m.dropped.Load(),
		RateLimitedCalls:      m.rateLimited.Load(),
		FlushErrors:           m.flushErrors.Load(),
		EffectiveSamplingRate: rate,
	}
	st.Healthy = buffered < m.cfg.MaxBufferedResponses
	return st
}
