package repository

import (
	"context"
	"time"

	"github.com/obslabs/apiwatch/internal/domain"
)

// ArchiveStore persists flushed telemetry off the hot path. The monitor
// treats it as a sink only: queries always run against the in-memory buffer
// and rollup rings.
type ArchiveStore interface {
	InsertResponses(ctx context.Context, responses []domain.Response) error
	InsertRollups(ctx context.Context, endpoint string, windows []domain.MetricsWindow) error
	ListResponses(ctx context.Context, endpoint string, since time.Time, limit int) ([]domain.Response, error)
	DeleteResponsesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
