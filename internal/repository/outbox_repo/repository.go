package outbox_repo

import (
	"context"
	"time"

	"eventrelay/internal/domain"
)

// OutboxRepository persists outbox messages and performs the processor's
// state transitions. Every transition is a single atomic store operation.
type OutboxRepository interface {
	// CreateMessageTx inserts one PENDING message using the caller's
	// transaction, so the event commits or rolls back together with the
	// business mutation it announces.
	CreateMessageTx(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error

	// ClaimBatch atomically selects up to limit claimable rows (PENDING and
	// due, or CLAIMED with an expired claim), oldest first, and transitions
	// them to CLAIMED for owner. Rows locked by a concurrent claimer are
	// skipped, never double-claimed.
	ClaimBatch(ctx context.Context, owner string, limit int, claimTTL time.Duration, now time.Time) ([]domain.OutboxMessage, error)

	// MarkPublished finalizes a message claimed by owner. Returns
	// domain.ErrMessageNotFound if owner no longer holds the claim: the
	// claim expired and another instance took the row over, so only that
	// instance may transition it.
	MarkPublished(ctx context.Context, id, owner string, publishedAt time.Time) error

	// Requeue returns a message claimed by owner to PENDING with the given
	// attempt count and next-attempt time, recording the last publish
	// error. Same ownership rule as MarkPublished.
	Requeue(ctx context.Context, id, owner string, attempts int, nextAttemptAt time.Time, lastError string) error

	// MoveToDeadLetter removes the outbox row claimed by owner and inserts
	// the matching dead-letter record in one transaction. Same ownership
	// rule as MarkPublished.
	MoveToDeadLetter(ctx context.Context, msg domain.OutboxMessage, owner, finalError string, failedAt time.Time) error

	// BacklogStats reports the current pending/claimed depth and the age of
	// the oldest unpublished message.
	BacklogStats(ctx context.Context) (domain.BacklogStats, error)

	// DeletePublishedBefore drops PUBLISHED rows older than cutoff and
	// returns the number of rows removed.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
