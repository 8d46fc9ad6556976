package domain

// ErrorCategory classifies a failed call by its origin.
type ErrorCategory string

const (
	CategoryNetwork        ErrorCategory = "network"
	CategoryServerError    ErrorCategory = "server_error"
	CategoryClientError    ErrorCategory = "client_error"
	CategoryValidation     ErrorCategory = "validation"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryDatabase       ErrorCategory = "database"
)

// ErrorSeverity grades how serious a failure is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// CategorizeStatus derives category and severity from an HTTP status code.
// Status 0 means the call never reached the server (network failure).
func CategorizeStatus(status int) (ErrorCategory, ErrorSeverity) {
	switch {
	case status == 0:
		return CategoryNetwork, SeverityHigh
	case status >= 500:
		return CategoryServerError, SeverityCritical
	case status == 429:
		return CategoryRateLimit, SeverityHigh
	case status == 401:
		return CategoryAuthentication, SeverityMedium
	case status == 403:
		return CategoryAuthorization, SeverityMedium
	case status == 404:
		return CategoryNotFound, SeverityLow
	case status == 400 || status == 422:
		return CategoryValidation, SeverityMedium
	case status >= 400:
		return CategoryClientError, SeverityMedium
	default:
		return "", ""
	}
}

// SeverityRank orders severities for sorting, critical first.
func SeverityRank(s ErrorSeverity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
