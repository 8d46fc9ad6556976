package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

func testResponse(method, url string, status int, latency float64, size int64, at time.Time) domain.Response {
	resp := domain.Response{
		RequestID:      "req",
		Method:         method,
		URL:            url,
		StatusCode:     status,
		ResponseTimeMS: latency,
		SizeBytes:      size,
		RecordedAt:     at,
	}
	if status >= 400 || status == 0 {
		resp.ErrorCategory, resp.ErrorSeverity = domain.CategorizeStatus(status)
	}
	return resp
}

func TestWindowCountsAndPercentiles(t *testing.T) {
	base := time.Date(2026, time.January, 10, 15, 0, 0, 0, time.UTC)
	agg := New(func() time.Time { return base })

	latencies := []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}
	for i, lat := range latencies {
		agg.Append(testResponse("GET", "/vehicles", 200, lat, 1024, base.Add(-time.Duration(i)*time.Second)))
	}
	agg.Append(testResponse("GET", "/vehicles", 503, 2000, 512, base.Add(-time.Second)))

	w := agg.Window("GET /vehicles", domain.Window1h)
	if w.TotalRequests != 11 {
		t.Fatalf("expected 11 requests, got %d", w.TotalRequests)
	}
	if w.SuccessCount+w.FailCount != w.TotalRequests {
		t.Fatalf("success %d + fail %d != total %d", w.SuccessCount, w.FailCount, w.TotalRequests)
	}
	if w.FailCount != 1 {
		t.Fatalf("expected 1 failure, got %d", w.FailCount)
	}
	if w.P95ResponseTimeMS > w.P99ResponseTimeMS {
		t.Fatalf("p95 %.0f must not exceed p99 %.0f", w.P95ResponseTimeMS, w.P99ResponseTimeMS)
	}
	if w.ErrorsByStatus[503] != 1 {
		t.Fatalf("expected one 503, got %d", w.ErrorsByStatus[503])
	}
	if w.ErrorsByCategory[domain.CategoryServerError] != 1 {
		t.Fatalf("expected one server_error, got %d", w.ErrorsByCategory[domain.CategoryServerError])
	}
	if w.BytesTransferred != 10*1024+512 {
		t.Fatalf("unexpected bytes transferred %d", w.BytesTransferred)
	}
}

func TestWindowEmptyIsZeroed(t *testing.T) {
	agg := New(nil)
	w := agg.Window("GET /nothing", domain.Window5m)
	if w.TotalRequests != 0 || w.ErrorRate != 0 || w.AvgResponseTimeMS != 0 {
		t.Fatalf("expected zeroed window, got %+v", w)
	}
	if w.ThroughputPerMin != 0 {
		t.Fatalf("expected zero throughput, got %f", w.ThroughputPerMin)
	}
}

func TestWindowScopesToEndpoint(t *testing.T) {
	base := time.Date(2026, time.January, 10, 15, 0, 0, 0, time.UTC)
	agg := New(func() time.Time { return base })

	agg.Append(testResponse("GET", "/vehicles", 200, 100, 0, base))
	agg.Append(testResponse("POST", "/contracts", 200, 100, 0, base))
	agg.Append(testResponse("POST", "/contracts", 200, 100, 0, base))

	if got := agg.Window("POST /contracts", domain.Window1h).TotalRequests; got != 2 {
		t.Fatalf("expected 2 scoped requests, got %d", got)
	}
	if got := agg.Window("", domain.Window1h).TotalRequests; got != 3 {
		t.Fatalf("expected 3 global requests, got %d", got)
	}
}

func TestWindowExcludesOldResponses(t *testing.T) {
	base := time.Date(2026, time.January, 10, 15, 0, 0, 0, time.UTC)
	agg := New(func() time.Time { return base })

	agg.Append(testResponse("GET", "/vehicles", 200, 100, 0, base.Add(-2*time.Hour)))
	agg.Append(testResponse("GET", "/vehicles", 200, 100, 0, base.Add(-10*time.Minute)))

	if got := agg.Window("GET /vehicles", domain.Window1h).TotalRequests; got != 1 {
		t.Fatalf("expected 1 request inside window, got %d", got)
	}
}

func TestWindowMemoizedUntilTick(t *testing.T) {
	base := time.Date(2026, time.January, 10, 15, 0, 0, 0, time.UTC)
	agg := New(func() time.Time { return base })

	agg.Append(testResponse("GET", "/vehicles", 200, 100, 0, base))
	first := agg.Window("GET /vehicles", domain.Window1h)

	agg.Append(testResponse("GET", "/vehicles", 200, 900, 0, base))
	cached := agg.Window("GET /vehicles", domain.Window1h)
	if cached.TotalRequests != first.TotalRequests {
		t.Fatalf("expected memoized window before tick, got %d requests", cached.TotalRequests)
	}

	agg.Tick(base, []string{"GET /vehicles"})
	fresh := agg.Window("GET /vehicles", domain.Window1h)
	if fresh.TotalRequests != 2 {
		t.Fatalf("expected recomputed window after tick, got %d requests", fresh.TotalRequests)
	}
}

func TestTickBuildsBoundedRollups(t *testing.T) {
	base := time.Date(2026, time.January, 10, 15, 0, 0, 0, time.UTC)
	agg := New(func() time.Time { return base })
	agg.Append(testResponse("GET", "/vehicles", 200, 150, 0, base))

	for i := 0; i < 30; i++ {
		agg.Tick(base.Add(time.Duration(i)*time.Minute), []string{"GET /vehicles"})
	}

	hourly := agg.HourlyHistory("GET /vehicles")
	if len(hourly) != hourlySlots {
		t.Fatalf("expected hourly history capped at %d, got %d", hourlySlots, len(hourly))
	}

	// All 30 ticks fall inside one hour, so only one daily snapshot.
	daily := agg.DailyHistory("GET /vehicles")
	if len(daily) != 1 {
		t.Fatalf("expected a single daily snapshot, got %d", len(daily))
	}
}

func TestDailySnapshotSurvivesOffMinuteTicks(t *testing.T) {
	base := time.Date(2026, time.January, 10, 15, 0, 30, 0, time.UTC)
	agg := New(func() time.Time { return base })
	agg.Append(testResponse("GET", "/vehicles", 200, 150, 0, base))

	// 90s ticks never land on minute zero, yet each hour still snapshots.
	for i := 0; i < 50; i++ {
		agg.Tick(base.Add(time.Duration(i)*90*time.Second), []string{"GET /vehicles"})
	}

	daily := agg.DailyHistory("GET /vehicles")
	if len(daily) != 2 {
		t.Fatalf("expected one daily snapshot per hour (2 hours spanned), got %d", len(daily))
	}
}

func TestPruneBeforeDropsOnlyOldEntries(t *testing.T) {
	base := time.Date(2026, time.January, 10, 15, 0, 0, 0, time.UTC)
	agg := New(func() time.Time { return base })

	for i := 0; i < 10; i++ {
		agg.Append(testResponse("GET", "/vehicles", 200, 100, 0, base.Add(time.Duration(i)*time.Minute)))
	}

	removed := agg.PruneBefore(base.Add(5 * time.Minute))
	if removed != 5 {
		t.Fatalf("expected 5 pruned, got %d", removed)
	}
	if agg.Len() != 5 {
		t.Fatalf("expected 5 remaining, got %d", agg.Len())
	}
}

func TestUnarchivedCursor(t *testing.T) {
	base := time.Date(2026, time.January, 10, 15, 0, 0, 0, time.UTC)
	agg := New(func() time.Time { return base })

	for i := 0; i < 7; i++ {
		agg.Append(testResponse("GET", fmt.Sprintf("/r%d", i), 200, 10, 0, base))
	}

	batch := agg.Unarchived(5)
	if len(batch) != 5 {
		t.Fatalf("expected batch of 5, got %d", len(batch))
	}
	agg.MarkArchived(len(batch))

	rest := agg.Unarchived(5)
	if len(rest) != 2 {
		t.Fatalf("expected 2 pending after archive, got %d", len(rest))
	}
	if rest[0].URL != "/r5" {
		t.Fatalf("expected cursor to advance to /r5, got %s", rest[0].URL)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 5; i++ {
		r.push(domain.MetricsWindow{TotalRequests: int64(i)})
	}
	snap := r.snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(snap))
	}
	if snap[0].TotalRequests != 3 || snap[2].TotalRequests != 5 {
		t.Fatalf("unexpected ring order: %+v", snap)
	}
}
