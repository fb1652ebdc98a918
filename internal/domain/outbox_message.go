package domain

import "time"

type OutboxMessageState string

const (
	OutboxStatePending      OutboxMessageState = "PENDING"
	OutboxStateClaimed      OutboxMessageState = "CLAIMED"
	OutboxStatePublished    OutboxMessageState = "PUBLISHED"
	OutboxStateDeadLettered OutboxMessageState = "DEAD_LETTERED"
)

// OutboxMessage is an event recorded atomically with the business state it
// announces. It is born PENDING inside the producing transaction and is
// mutated only by the processor's state transitions afterwards. ID is
// globally unique and doubles as the idempotency key on the consumer side.
type OutboxMessage struct {
	ID             string
	Type           string
	Payload        []byte
	OrderingKey    string
	CorrelationID  string
	CausationID    string
	State          OutboxMessageState
	Attempts       int
	NextAttemptAt  time.Time
	LastError      *string
	ClaimOwner     *string
	ClaimExpiresAt *time.Time
	CreatedAt      time.Time
	PublishedAt    *time.Time
}

// BacklogStats is a point-in-time snapshot of the not-yet-published backlog.
type BacklogStats struct {
	PendingCount  int64
	ClaimedCount  int64
	OldestPending *time.Time
}
