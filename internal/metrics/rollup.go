package metrics

import "github.com/obslabs/apiwatch/internal/domain"

const (
	hourlySlots = 24
	dailySlots  = 30
)

// ring is a fixed-capacity window history. Slots are allocated once;
// pushing past capacity overwrites the oldest entry.
type ring struct {
	slots []domain.MetricsWindow
	next  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{slots: make([]domain.MetricsWindow, capacity)}
}

func (r *ring) push(w domain.MetricsWindow) {
	r.slots[r.next] = w
	r.next = (r.next + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
	}
}

// snapshot returns the retained windows oldest first.
func (r *ring) snapshot() []domain.MetricsWindow {
	out := make([]domain.MetricsWindow, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.slots)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.slots[(start+i)%len(r.slots)])
	}
	return out
}

// endpointHistory keeps the bounded rollup series for one endpoint key.
type endpointHistory struct {
	hourly *ring
	daily  *ring
}

func newEndpointHistory() *endpointHistory {
	return &endpointHistory{
		hourly: newRing(hourlySlots),
		daily:  newRing(dailySlots),
	}
}
