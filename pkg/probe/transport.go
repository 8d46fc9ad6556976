package probe

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
	"github.com/obslabs/apiwatch/internal/ratelimit"
)

// ErrRateLimited is returned by the transport when the pre-flight check
// rejects the call before it leaves the process.
var ErrRateLimited = errors.New("probe: endpoint rate limit exceeded")

// Recorder is the monitor surface the transport needs. *monitor.Monitor
// satisfies it.
type Recorder interface {
	StartRequest(domain.RequestStart) string
	EndRequest(domain.ResponseEnd)
	Allow(callerID, method, path string) ratelimit.Decision
}

// Transport is an http.RoundTripper decorator that records every outbound
// call with start/end events. Monitoring failures never fail the request;
// a rejected pre-flight rate limit does.
type Transport struct {
	next         http.RoundTripper
	recorder     Recorder
	callerID     string
	enforceLimit bool
	now          func() time.Time
}

// TransportOption customises a Transport.
type TransportOption func(*Transport)

// WithCallerID tags recorded requests with a caller identity. The same ID
// keys the pre-flight rate limit.
func WithCallerID(id string) TransportOption {
	return func(t *Transport) { t.callerID = id }
}

// WithEnforcedRateLimit makes the transport reject calls the limiter denies
// instead of merely observing them.
func WithEnforcedRateLimit() TransportOption {
	return func(t *Transport) { t.enforceLimit = true }
}

// WithTransportClock overrides the time source. Used in tests.
func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTransport wraps next with monitoring hooks. A nil next falls back to
// http.DefaultTransport.
func NewTransport(next http.RoundTripper, recorder Recorder, opts ...TransportOption) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	t := &Transport{
		next:     next,
		recorder: recorder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.recorder == nil {
		return t.next.RoundTrip(req)
	}
	method := req.Method
	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	if t.enforceLimit {
		if decision := t.recorder.Allow(t.callerID, method, path); !decision.Allowed {
			return nil, fmt.Errorf("%w: %s %s", ErrRateLimited, method, path)
		}
	}

	id := t.recorder.StartRequest(domain.RequestStart{
		Method:    method,
		URL:       path,
		Headers:   flattenHeader(req.Header),
		CallerID:  t.callerID,
		UserAgent: req.UserAgent(),
	})

	start := t.now()
	resp, err := t.next.RoundTrip(req)
	elapsed := float64(t.now().Sub(start)) / float64(time.Millisecond)

	if id == "" {
		return resp, err
	}
	if err != nil {
		t.recorder.EndRequest(domain.ResponseEnd{
			RequestID:      id,
			StatusCode:     0,
			ResponseTimeMS: elapsed,
			ErrorType:      err.Error(),
		})
		return nil, err
	}
	end := domain.ResponseEnd{
		RequestID:      id,
		StatusCode:     resp.StatusCode,
		Headers:        flattenHeader(resp.Header),
		ResponseTimeMS: elapsed,
	}
	if resp.ContentLength > 0 {
		end.SizeBytes = resp.ContentLength
	}
	t.recorder.EndRequest(end)
	return resp, nil
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
