package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is the stored outcome of a command keyed by its idempotency key.
// Result holds the serialized result returned to the first caller.
type Record struct {
	Key         string    `json:"key"`
	CommandType string    `json:"command_type"`
	AggregateID uuid.UUID `json:"aggregate_id"`
	Result      []byte    `json:"result"`
	ProcessedAt time.Time `json:"processed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store remembers processed commands for a bounded time
type Store interface {
	// CheckIdempotency returns the unexpired record for key, if any
	CheckIdempotency(ctx context.Context, key string) (Record, bool, error)

	// RecordProcessedCommand stores rec for ttl. An existing unexpired record for the key is kept.
	RecordProcessedCommand(ctx context.Context, rec Record, ttl time.Duration) error

	// PurgeExpired removes records that expired before now and returns how many were removed
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Option configures a store
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for expiry decisions
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
