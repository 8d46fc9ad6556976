package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the service rejected the ingest token.
var ErrUnauthorized = errors.New("probe: ingest unauthorized")

// ErrInvalidArgument indicates the service rejected the payload.
var ErrInvalidArgument = errors.New("probe: invalid ingest payload")

// ErrRemoteRateLimited indicates the service throttled the ingest call.
var ErrRemoteRateLimited = errors.New("probe: ingest rate limited")

// Emitter posts telemetry events to a remote apiwatch service. Used when the
// monitored process and the monitor run in different processes.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewEmitter creates an emitter for the given service base URL.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("probe: base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
	}, nil
}

// StartRequest reports a request start and returns the assigned request ID.
func (e *Emitter) StartRequest(ctx context.Context, start domain.RequestStart) (string, error) {
	if strings.TrimSpace(start.Method) == "" || strings.TrimSpace(start.URL) == "" {
		return "", errors.New("probe: method and url required")
	}
	payload := map[string]any{
		"method":     start.Method,
		"url":        start.URL,
		"headers":    start.Headers,
		"body":       start.Body,
		"caller_id":  start.CallerID,
		"tenant_id":  start.TenantID,
		"session_id": start.SessionID,
		"user_agent": start.UserAgent,
		"remote_ip":  start.RemoteIP,
	}
	var reply struct {
		RequestID string `json:"request_id"`
	}
	if err := e.post(ctx, "/v1/requests", payload, &reply); err != nil {
		return "", err
	}
	return reply.RequestID, nil
}

// EndRequest reports a request completion.
func (e *Emitter) EndRequest(ctx context.Context, end domain.ResponseEnd) error {
	if strings.TrimSpace(end.RequestID) == "" {
		return errors.New("probe: request_id required")
	}
	payload := map[string]any{
		"request_id":       end.RequestID,
		"status_code":      end.StatusCode,
		"headers":          end.Headers,
		"body":             end.Body,
		"response_time_ms": end.ResponseTimeMS,
		"size_bytes":       end.SizeBytes,
		"error_type":       end.ErrorType,
	}
	return e.post(ctx, "/v1/responses", payload, nil)
}

func (e *Emitter) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ingest payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Apiwatch-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ingest request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode ingest response: %w", err)
		}
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRemoteRateLimited, summary)
	default:
		return fmt.Errorf("ingest request failed: %s", summary)
	}
}
