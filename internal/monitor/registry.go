package monitor

import (
	"strings"
	"sync"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

// Registry tracks the monitored endpoints and their per-endpoint
// configuration. Metric history lives in the aggregator, keyed by the same
// "METHOD path" key, so re-registering an endpoint never discards history.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]domain.Endpoint
	now       func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		endpoints: make(map[string]domain.Endpoint),
		now:       now,
	}
}

// Register upserts an endpoint. Re-registration replaces the configuration
// and keeps the original registration time.
func (r *Registry) Register(ep domain.Endpoint) domain.Endpoint {
	ep.Method = strings.ToUpper(strings.TrimSpace(ep.Method))
	ep.Path = strings.TrimSpace(ep.Path)
	if ep.Alerting == nil {
		cfg := domain.DefaultAlertConfig()
		ep.Alerting = &cfg
	}
	// A zero rate means the caller set no override; inherit the global rate.
	if ep.SamplingRate == 0 {
		ep.SamplingRate = -1
	}
	if ep.SamplingRate > 1 {
		ep.SamplingRate = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := ep.Key()
	if existing, ok := r.endpoints[key]; ok {
		ep.RegisteredAt = existing.RegisteredAt
	} else if ep.RegisteredAt.IsZero() {
		ep.RegisteredAt = r.now().UTC()
	}
	r.endpoints[key] = ep
	return ep
}

// Lookup resolves the endpoint for a (method, path) pair. Unregistered pairs
// resolve to an implicit endpoint with default alerting and no rate limit, so
// ingestion never fails on an unknown route. The boolean reports whether the
// endpoint was explicitly registered.
func (r *Registry) Lookup(method, path string) (domain.Endpoint, bool) {
	method = strings.ToUpper(strings.TrimSpace(method))
	path = strings.TrimSpace(path)

	r.mu.RLock()
	ep, ok := r.endpoints[method+" "+path]
	r.mu.RUnlock()
	if ok {
		return ep, true
	}

	cfg := domain.DefaultAlertConfig()
	return domain.Endpoint{
		Path:         path,
		Method:       method,
		Alerting:     &cfg,
		SamplingRate: -1,
	}, false
}

// Keys returns the registered endpoint keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.endpoints))
	for key := range r.endpoints {
		keys = append(keys, key)
	}
	return keys
}

// All returns a snapshot of the registered endpoints.
func (r *Registry) All() []domain.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}
