package metrics

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/obslabs/apiwatch/internal/domain"
)

const windowCacheSize = 256

// Aggregator owns the raw response buffer and derives windowed statistics
// from it. Ingestion appends, queries read, and the retention manager is the
// only writer that removes entries.
type Aggregator struct {
	mu        sync.RWMutex
	responses []domain.Response
	archived  int // responses[:archived] have been handed to the flush sink

	cache *lru.Cache[string, domain.MetricsWindow]

	histMu    sync.RWMutex
	history   map[string]*endpointHistory
	lastDaily time.Time // hour of the most recent daily snapshot

	now func() time.Time
}

// New constructs an Aggregator. The now function is injectable for tests.
func New(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	cache, _ := lru.New[string, domain.MetricsWindow](windowCacheSize)
	return &Aggregator{
		cache:   cache,
		history: make(map[string]*endpointHistory),
		now:     now,
	}
}

// Append records a completed response.
func (a *Aggregator) Append(resp domain.Response) {
	a.mu.Lock()
	a.responses = append(a.responses, resp)
	a.mu.Unlock()
}

// Len reports the current buffer size.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.responses)
}

// Unarchived returns up to max responses that have not been flushed yet.
func (a *Aggregator) Unarchived(max int) []domain.Response {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pending := a.responses[a.archived:]
	if max > 0 && len(pending) > max {
		pending = pending[:max]
	}
	out := make([]domain.Response, len(pending))
	copy(out, pending)
	return out
}

// MarkArchived advances the flush cursor after a successful batch write.
func (a *Aggregator) MarkArchived(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.archived += n
	if a.archived > len(a.responses) {
		a.archived = len(a.responses)
	}
	a.mu.Unlock()
}

// PruneBefore drops responses recorded before the cutoff and returns how
// many were removed. The exclusive lock covers only the splice.
func (a *Aggregator) PruneBefore(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for removed < len(a.responses) && a.responses[removed].RecordedAt.Before(cutoff) {
		removed++
	}
	if removed == 0 {
		return 0
	}
	a.responses = append([]domain.Response(nil), a.responses[removed:]...)
	a.archived -= removed
	if a.archived < 0 {
		a.archived = 0
	}
	return removed
}

// Window returns aggregated statistics for the endpoint key (empty key
// means all endpoints) over the given span. Results are memoized until the
// next aggregation tick.
func (a *Aggregator) Window(endpoint string, w domain.Window) domain.MetricsWindow {
	cacheKey := endpoint + "|" + string(w)
	if cached, ok := a.cache.Get(cacheKey); ok {
		return cached
	}
	computed := a.compute(endpoint, w, a.now())
	a.cache.Add(cacheKey, computed)
	return computed
}

func (a *Aggregator) compute(endpoint string, w domain.Window, at time.Time) domain.MetricsWindow {
	span := w.Duration()
	cutoff := at.Add(-span)

	a.mu.RLock()
	var sample []domain.Response
	for _, resp := range a.responses {
		if resp.RecordedAt.Before(cutoff) {
			continue
		}
		if endpoint != "" && resp.EndpointKey() != endpoint {
			continue
		}
		sample = append(sample, resp)
	}
	a.mu.RUnlock()

	out := domain.MetricsWindow{
		WindowStart: cutoff,
		Window:      w,
	}
	if len(sample) == 0 {
		return out
	}

	times := make([]float64, 0, len(sample))
	for _, resp := range sample {
		times = append(times, resp.ResponseTimeMS)
	}
	sort.Float64s(times)

	var sum float64
	for _, v := range times {
		sum += v
	}

	out.TotalRequests = int64(len(sample))
	out.AvgResponseTimeMS = sum / float64(len(times))
	out.P95ResponseTimeMS = times[percentileIndex(len(times), 0.95)]
	out.P99ResponseTimeMS = times[percentileIndex(len(times), 0.99)]
	out.ErrorsByCategory = make(map[domain.ErrorCategory]int64)
	out.ErrorsByStatus = make(map[int]int64)

	for _, resp := range sample {
		out.BytesTransferred += resp.SizeBytes
		if resp.StatusCode > 0 && resp.StatusCode < 400 {
			out.SuccessCount++
			continue
		}
		out.FailCount++
		out.ErrorsByStatus[resp.StatusCode]++
		if resp.ErrorCategory != "" {
			out.ErrorsByCategory[resp.ErrorCategory]++
		}
	}

	out.ErrorRate = float64(out.FailCount) / float64(out.TotalRequests)
	out.ThroughputPerMin = float64(out.TotalRequests) / span.Minutes()
	return out
}

// percentileIndex maps a fraction onto a sorted sample of n elements.
func percentileIndex(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Tick recomputes rollups for the given endpoint keys (plus the global
// bucket) and invalidates the memoized window cache. One daily snapshot is
// taken per hour, whatever the tick cadence.
func (a *Aggregator) Tick(at time.Time, endpoints []string) {
	keys := append([]string{""}, endpoints...)

	a.histMu.Lock()
	hour := at.Truncate(time.Hour)
	takeDaily := a.lastDaily.IsZero() || hour.After(a.lastDaily)
	for _, key := range keys {
		hist := a.history[key]
		if hist == nil {
			hist = newEndpointHistory()
			a.history[key] = hist
		}
		hist.hourly.push(a.compute(key, domain.Window1h, at))
		if takeDaily {
			hist.daily.push(a.compute(key, domain.Window24h, at))
		}
	}
	if takeDaily {
		a.lastDaily = hour
	}
	a.histMu.Unlock()

	a.cache.Purge()
}

// HourlyHistory returns up to 24 hourly rollups for the endpoint key,
// oldest first.
func (a *Aggregator) HourlyHistory(endpoint string) []domain.MetricsWindow {
	a.histMu.RLock()
	defer a.histMu.RUnlock()
	if hist, ok := a.history[endpoint]; ok {
		return hist.hourly.snapshot()
	}
	return nil
}

// DailyHistory returns up to 30 daily rollups for the endpoint key.
func (a *Aggregator) DailyHistory(endpoint string) []domain.MetricsWindow {
	a.histMu.RLock()
	defer a.histMu.RUnlock()
	if hist, ok := a.history[endpoint]; ok {
		return hist.daily.snapshot()
	}
	return nil
}
