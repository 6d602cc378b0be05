package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBatchSize = 100
	defaultLease     = 30 * time.Second
)

// ErrInvalidRelayConfig reports missing relay dependencies.
var ErrInvalidRelayConfig = errors.New("invalid outbox relay config")

// Store persists outbox rows. LockBatch claims up to batchSize rows that are pending or
// whose previous claim lease ran out, and leases them until now+lease.
type Store interface {
	LockBatch(ctx context.Context, now time.Time, batchSize int, lease time.Duration) ([]Record, error)
	MarkSent(ctx context.Context, ids []int64, sentAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errMessage string, maxAttempts int) error
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithBatchSize bounds how many events one pass claims.
func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		relay.batchSize = size
	}
}

// WithLease sets how long claimed events stay invisible to other relays.
func WithLease(lease time.Duration) RelayOption {
	return func(relay *Relay) {
		relay.lease = lease
	}
}

// WithMaxAttempts sets how many failed publishes park an event as failed.
func WithMaxAttempts(attempts int) RelayOption {
	return func(relay *Relay) {
		relay.maxAttempts = attempts
	}
}

// WithClock overrides the relay clock.
func WithClock(now func() time.Time) RelayOption {
	return func(relay *Relay) {
		relay.now = now
	}
}

// Relay moves committed outbox rows to Kafka.
type Relay struct {
	logger      *zap.Logger
	store       Store
	dispatcher  *Dispatcher
	now         func() time.Time
	batchSize   int
	lease       time.Duration
	maxAttempts int
}

// NewRelay validates dependencies and returns a Relay.
func NewRelay(logger *zap.Logger, store Store, dispatcher *Dispatcher, options ...RelayOption) (*Relay, error) {
	if store == nil || dispatcher == nil {
		return nil, errors.Join(ErrInvalidRelayConfig, errors.New("store and dispatcher are required"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	relay := &Relay{
		logger:      logger,
		store:       store,
		dispatcher:  dispatcher,
		now:         time.Now,
		batchSize:   defaultBatchSize,
		lease:       defaultLease,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(relay)
		}
	}
	if relay.batchSize < 1 || relay.lease <= 0 || relay.maxAttempts < 1 || relay.now == nil {
		return nil, errors.Join(ErrInvalidRelayConfig, errors.New("batch size, lease, attempts and clock must be set"))
	}
	return relay, nil
}

// RunOnce claims one batch, publishes it and records the outcome of every event.
// It returns how many events were sent.
func (relay *Relay) RunOnce(ctx context.Context) (int, error) {
	records, err := relay.store.LockBatch(ctx, relay.now().UTC(), relay.batchSize, relay.lease)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	sentIDs := make([]int64, 0, len(records))
	var failures error
	for _, record := range records {
		if err := relay.dispatcher.Dispatch(ctx, record); err != nil {
			if markErr := relay.store.MarkFailed(ctx, record.ID, err.Error(), relay.maxAttempts); markErr != nil {
				failures = errors.Join(failures, markErr)
			}
			if record.Attempts+1 >= relay.maxAttempts {
				relay.logger.Error("outbox event parked", zap.Int64("event_id", record.ID), zap.String("event_type", record.Type), zap.Int("attempts", record.Attempts+1))
			}
			continue
		}
		sentIDs = append(sentIDs, record.ID)
	}
	if len(sentIDs) > 0 {
		if err := relay.store.MarkSent(ctx, sentIDs, relay.now().UTC()); err != nil {
			failures = errors.Join(failures, err)
		}
	}
	return len(sentIDs), failures
}
