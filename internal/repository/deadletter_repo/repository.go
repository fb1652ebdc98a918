package deadletter_repo

import (
	"context"
	"time"

	"eventrelay/internal/domain"
)

// Filter narrows dead-letter queries for the peek and replay operations.
// Zero-valued fields are ignored.
type Filter struct {
	OriginalMessageID string
	Type              string
	FailedAfter       time.Time
	FailedBefore      time.Time
}

// Stats summarizes the dead-letter backlog for the inspection surface.
type Stats struct {
	Count  int64
	Oldest *time.Time
}

// DeadLetterRepository reads and removes parked messages. Insertion happens
// on the outbox side, atomically with the outbox-row removal.
type DeadLetterRepository interface {
	List(ctx context.Context, filter Filter, limit int) ([]domain.DeadLetterMessage, error)

	// DeleteTx removes a dead-letter record inside the caller's transaction.
	// Used by replay so the removal commits together with the re-inserted
	// outbox message. Returns domain.ErrMessageNotFound for a missing row.
	DeleteTx(ctx context.Context, q domain.Querier, id string) error

	Stats(ctx context.Context) (Stats, error)
}
