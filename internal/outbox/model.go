package outbox

import "time"

// Status is the delivery state of an outbox row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// DefaultMaxAttempts is how many failed publishes an event gets before it is parked as failed.
const DefaultMaxAttempts = 5

// Record is one stored domain event awaiting publication.
type Record struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Headers       map[string]string
	Status        Status
	Attempts      int
	LastError     string
	CreatedAt     time.Time
}
