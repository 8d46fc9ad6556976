package domain

import "time"

// Window names a fixed aggregation span.
type Window string

const (
	Window1m  Window = "1m"
	Window5m  Window = "5m"
	Window15m Window = "15m"
	Window30m Window = "30m"
	Window1h  Window = "1h"
	Window6h  Window = "6h"
	Window12h Window = "12h"
	Window24h Window = "24h"
)

var windowSpans = map[Window]time.Duration{
	Window1m:  time.Minute,
	Window5m:  5 * time.Minute,
	Window15m: 15 * time.Minute,
	Window30m: 30 * time.Minute,
	Window1h:  time.Hour,
	Window6h:  6 * time.Hour,
	Window12h: 12 * time.Hour,
	Window24h: 24 * time.Hour,
}

// Duration returns the window span. Unknown windows fall back to one hour.
func (w Window) Duration() time.Duration {
	if d, ok := windowSpans[w]; ok {
		return d
	}
	return time.Hour
}

// Valid reports whether the window is one of the recognized spans.
func (w Window) Valid() bool {
	_, ok := windowSpans[w]
	return ok
}
