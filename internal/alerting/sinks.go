package alerting

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
	"github.com/obslabs/apiwatch/internal/ws"
)

// FuncSink adapts a plain callback into a Sink.
type FuncSink func(domain.AlertEvent)

// Deliver invokes the callback.
func (f FuncSink) Deliver(alert domain.AlertEvent) { f(alert) }

// ChannelSink forwards alerts to a buffered channel. Delivery never blocks;
// alerts are dropped when the channel is full.
type ChannelSink struct {
	ch chan domain.AlertEvent
}

// NewChannelSink allocates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan domain.AlertEvent, buffer)}
}

// Deliver enqueues the alert if buffer space remains.
func (s *ChannelSink) Deliver(alert domain.AlertEvent) {
	select {
	case s.ch <- alert:
	default:
	}
}

// Alerts exposes the receive side.
func (s *ChannelSink) Alerts() <-chan domain.AlertEvent { return s.ch }

const defaultGroupingWindow = 5 * time.Minute

// GroupingSink suppresses repeats of the same (type, endpoint) pair within
// a grouping window before forwarding to the wrapped sink.
type GroupingSink struct {
	mu     sync.Mutex
	next   Sink
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// NewGroupingSink wraps next with a deduplication window. A non-positive
// window uses the recommended five minutes.
func NewGroupingSink(next Sink, window time.Duration) *GroupingSink {
	if window <= 0 {
		window = defaultGroupingWindow
	}
	return &GroupingSink{
		next:   next,
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Deliver forwards the alert unless an identical one passed through within
// the grouping window.
func (s *GroupingSink) Deliver(alert domain.AlertEvent) {
	key := string(alert.Type) + "|" + alert.Endpoint
	now := s.now()

	s.mu.Lock()
	last, ok := s.seen[key]
	if ok && now.Sub(last) < s.window {
		s.mu.Unlock()
		return
	}
	s.seen[key] = now
	for k, ts := range s.seen {
		if now.Sub(ts) >= s.window {
			delete(s.seen, k)
		}
	}
	s.mu.Unlock()

	s.next.Deliver(alert)
}

// hubTopic is the broadcast channel streaming clients subscribe to.
const hubTopic = "alerts"

// HubSink broadcasts alerts as JSON to streaming subscribers.
type HubSink struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// NewHubSink wraps a broadcast hub.
func NewHubSink(hub *ws.Hub, logger *slog.Logger) *HubSink {
	return &HubSink{hub: hub, logger: logger}
}

// Deliver marshals and broadcasts the alert.
func (s *HubSink) Deliver(alert domain.AlertEvent) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal alert", "error", err)
		}
		return
	}
	s.hub.Broadcast(hubTopic, payload)
}
