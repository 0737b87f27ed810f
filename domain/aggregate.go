package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultPriceChangeThreshold is the largest unconfirmed price change, in percent, allowed on an active product
const DefaultPriceChangeThreshold = 20.0

// Aggregate is the interface for all event-sourced aggregates
type Aggregate interface {
	GetID() uuid.UUID
	GetType() string
	GetVersion() int
	// GetEvents returns the events produced since the aggregate was loaded or last committed
	GetEvents() []Event
}

// Option adjusts how a single aggregate operation records its event
type Option func(*mutation)

type mutation struct {
	metadata  Metadata
	now       func() time.Time
	threshold float64
}

func newMutation(opts []Option) mutation {
	m := mutation{
		now:       func() time.Time { return time.Now().UTC() },
		threshold: DefaultPriceChangeThreshold,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// WithMetadata attaches correlation data to the produced event
func WithMetadata(md Metadata) Option {
	return func(m *mutation) { m.metadata = md }
}

// WithClock overrides the clock used to stamp the produced event
func WithClock(now func() time.Time) Option {
	return func(m *mutation) {
		if now != nil {
			m.now = now
		}
	}
}

// WithPriceChangeThreshold overrides the percentage above which an active product's price change needs confirmation
func WithPriceChangeThreshold(percent float64) Option {
	return func(m *mutation) {
		if percent > 0 {
			m.threshold = percent
		}
	}
}

func (m mutation) event(aggregateID uuid.UUID, version int, data Payload) Event {
	return Event{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: ProductAggregateType,
		Type:          data.EventType(),
		Version:       version,
		OccurredAt:    m.now(),
		Metadata:      m.metadata,
		Data:          data,
	}
}
