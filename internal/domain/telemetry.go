package domain

import "time"

// Request captures an outbound API or database call at the moment it is
// dispatched. It is immutable once created and lives in the in-flight map
// until the matching Response arrives.
type Request struct {
	ID        string
	Method    string
	URL       string
	Headers   map[string]string
	Body      string
	CallerID  string
	TenantID  string
	SessionID string
	UserAgent string
	RemoteIP  string
	StartedAt time.Time

	// Sampled marks whether the detailed record survives the sampling draw.
	// Unsampled requests keep a skeleton entry so error completions can
	// still be retained.
	Sampled bool
}

// RequestStart is the caller-supplied portion of a Request. Collection
// flags decide which optional fields are kept.
type RequestStart struct {
	Method    string
	URL       string
	Headers   map[string]string
	Body      string
	CallerID  string
	TenantID  string
	SessionID string
	UserAgent string
	RemoteIP  string
}

// Response records the completion of a monitored call. Linked to its
// Request by RequestID; immutable once recorded.
type Response struct {
	RequestID      string
	Method         string
	URL            string
	CallerID       string
	StatusCode     int
	Headers        map[string]string
	Body           string
	ResponseTimeMS float64
	SizeBytes      int64
	ErrorType      string
	ErrorCategory  ErrorCategory
	ErrorSeverity  ErrorSeverity
	RecordedAt     time.Time
}

// ResponseEnd is the caller-supplied portion of a Response.
type ResponseEnd struct {
	RequestID      string
	StatusCode     int
	Headers        map[string]string
	Body           string
	ResponseTimeMS float64
	SizeBytes      int64
	ErrorType      string
	ErrorCategory  ErrorCategory
	ErrorSeverity  ErrorSeverity
}

// EndpointKey builds the canonical "METHOD path" key used across the
// registry, aggregator, and rate limiter.
func (r Response) EndpointKey() string {
	return r.Method + " " + r.URL
}

// MetricsWindow holds aggregated statistics for one endpoint (or all
// endpoints) over a fixed time span. Derived data, recomputed from the
// response buffer on demand.
type MetricsWindow struct {
	TotalRequests     int64                   `json:"total_requests"`
	SuccessCount      int64                   `json:"success_count"`
	FailCount         int64                   `json:"fail_count"`
	AvgResponseTimeMS float64                 `json:"avg_response_time_ms"`
	P95ResponseTimeMS float64                 `json:"p95_response_time_ms"`
	P99ResponseTimeMS float64                 `json:"p99_response_time_ms"`
	ErrorRate         float64                 `json:"error_rate"`
	ErrorsByCategory  map[ErrorCategory]int64 `json:"errors_by_category,omitempty"`
	ErrorsByStatus    map[int]int64           `json:"errors_by_status,omitempty"`
	ThroughputPerMin  float64                 `json:"throughput_per_min"`
	BytesTransferred  int64                   `json:"bytes_transferred"`
	WindowStart       time.Time               `json:"window_start"`
	Window            Window                  `json:"window"`
}
