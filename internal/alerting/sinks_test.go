package alerting

import (
	"testing"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
	"github.com/obslabs/apiwatch/internal/ws"
)

type stalledSubscriber struct {
	release chan struct{}
}

func (s *stalledSubscriber) Send(payload []byte) error {
	<-s.release
	return nil
}

func (s *stalledSubscriber) Close() {}

var _ ws.Subscriber = (*stalledSubscriber)(nil)

func TestHubSinkDeliverNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := ws.NewHub()
	release := make(chan struct{})
	defer close(release)
	hub.Register("alerts", &stalledSubscriber{release: release})

	sink := NewHubSink(hub, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			sink.Deliver(domain.AlertEvent{
				Type:     domain.AlertResponseTimeCritical,
				Endpoint: "GET /api/slow",
				Severity: domain.AlertCritical,
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("alert delivery blocked behind a stalled websocket subscriber")
	}
}
