package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obslabs/apiwatch/internal/domain"
	"github.com/obslabs/apiwatch/internal/repository"
)

// Store implements the archive sink on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ repository.ArchiveStore = (*Store)(nil)

// InsertResponses writes a batch of flushed responses.
func (s *Store) InsertResponses(ctx context.Context, responses []domain.Response) error {
	if len(responses) == 0 {
		return nil
	}
	const query = `INSERT INTO api_responses (
		request_id,
		method,
		url,
		caller_id,
		status_code,
		response_time_ms,
		size_bytes,
		error_type,
		error_category,
		error_severity,
		headers,
		recorded_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	batch := &pgx.Batch{}
	for _, resp := range responses {
		var headers []byte
		if len(resp.Headers) > 0 {
			encoded, err := json.Marshal(resp.Headers)
			if err != nil {
				return fmt.Errorf("encode headers for %s: %w", resp.RequestID, err)
			}
			headers = encoded
		}
		batch.Queue(query,
			resp.RequestID,
			resp.Method,
			resp.URL,
			nullString(resp.CallerID),
			resp.StatusCode,
			resp.ResponseTimeMS,
			resp.SizeBytes,
			nullString(resp.ErrorType),
			nullString(string(resp.ErrorCategory)),
			nullString(string(resp.ErrorSeverity)),
			headers,
			resp.RecordedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range responses {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert response batch: %w", err)
		}
	}
	return nil
}

// InsertRollups archives aggregated windows for one endpoint key. The
// empty key stores the global rollup.
func (s *Store) InsertRollups(ctx context.Context, endpoint string, windows []domain.MetricsWindow) error {
	if len(windows) == 0 {
		return nil
	}
	const query = `INSERT INTO api_metric_rollups (
		endpoint,
		window_start,
		window_span_seconds,
		total_requests,
		success_count,
		fail_count,
		avg_response_time_ms,
		p95_response_time_ms,
		p99_response_time_ms,
		error_rate,
		throughput_per_min,
		bytes_transferred,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
	ON CONFLICT (endpoint, window_start, window_span_seconds)
	DO UPDATE SET
		total_requests = EXCLUDED.total_requests,
		success_count = EXCLUDED.success_count,
		fail_count = EXCLUDED.fail_count,
		avg_response_time_ms = EXCLUDED.avg_response_time_ms,
		p95_response_time_ms = EXCLUDED.p95_response_time_ms,
		p99_response_time_ms = EXCLUDED.p99_response_time_ms,
		error_rate = EXCLUDED.error_rate,
		throughput_per_min = EXCLUDED.throughput_per_min,
		bytes_transferred = EXCLUDED.bytes_transferred,
		updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, w := range windows {
		batch.Queue(query,
			endpoint,
			w.WindowStart,
			int64(w.Window.Duration().Seconds()),
			w.TotalRequests,
			w.SuccessCount,
			w.FailCount,
			w.AvgResponseTimeMS,
			w.P95ResponseTimeMS,
			w.P99ResponseTimeMS,
			w.ErrorRate,
			w.ThroughputPerMin,
			w.BytesTransferred,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range windows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert rollup batch: %w", err)
		}
	}
	return nil
}

// ListResponses returns archived responses for one endpoint key, newest
// first. An empty endpoint returns all.
func (s *Store) ListResponses(ctx context.Context, endpoint string, since time.Time, limit int) ([]domain.Response, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT
		request_id,
		method,
		url,
		caller_id,
		status_code,
		response_time_ms,
		size_bytes,
		error_type,
		error_category,
		error_severity,
		recorded_at
	FROM api_responses
	WHERE recorded_at >= $1 AND ($2 = '' OR method || ' ' || url = $2)
	ORDER BY recorded_at DESC
	LIMIT $3`
	rows, err := s.pool.Query(ctx, query, since, endpoint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	responses := make([]domain.Response, 0)
	for rows.Next() {
		var (
			resp     domain.Response
			caller   sql.NullString
			errType  sql.NullString
			category sql.NullString
			severity sql.NullString
		)
		if err := rows.Scan(
			&resp.RequestID,
			&resp.Method,
			&resp.URL,
			&caller,
			&resp.StatusCode,
			&resp.ResponseTimeMS,
			&resp.SizeBytes,
			&errType,
			&category,
			&severity,
			&resp.RecordedAt,
		); err != nil {
			return nil, err
		}
		resp.CallerID = caller.String
		resp.ErrorType = errType.String
		resp.ErrorCategory = domain.ErrorCategory(category.String)
		resp.ErrorSeverity = domain.ErrorSeverity(severity.String)
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}

// DeleteResponsesBefore enforces the retention policy on the archive.
func (s *Store) DeleteResponsesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_responses WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
