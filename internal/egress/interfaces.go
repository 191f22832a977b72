package egress

import (
	"context"
	"time"
)

// FetchRecord summarizes one dispatched fetch for audit sinks.
type FetchRecord struct {
	URL        string
	Method     Method
	EgressKind string
	EgressAddr string
	StatusCode int
	Duration   time.Duration
	Body       []byte
	Err        error
	FetchedAt  time.Time
}

// Recorder persists fetch records. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordFetch(ctx context.Context, record FetchRecord) error
}

// Limiter gates outbound requests per target.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}
