package domain

import "time"

// AlertType names the rule family that produced an alert.
type AlertType string

const (
	AlertResponseTimeCritical AlertType = "response_time_critical"
	AlertResponseTimeWarning  AlertType = "response_time_warning"
	AlertServerError          AlertType = "server_error"
	AlertClientError          AlertType = "client_error"
	AlertErrorRateCritical    AlertType = "error_rate_critical"
	AlertErrorRateWarning     AlertType = "error_rate_warning"
	AlertCustomRule           AlertType = "custom_rule"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// AlertEvent is handed to registered sinks. The engine keeps no copy.
type AlertEvent struct {
	Type       AlertType     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	Endpoint   string        `json:"endpoint"`
	Message    string        `json:"message"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	StatusCode int           `json:"status_code,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}
