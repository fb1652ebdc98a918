package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eventrelay/internal/domain"
	"eventrelay/internal/repository/outbox_repo"
)

// Writer appends outbox messages inside the caller's business transaction.
// No network call happens here; if the insert fails the whole transaction
// fails, so the business mutation and the event record commit or roll back
// together.
type Writer struct {
	repo  outbox_repo.OutboxRepository
	clock func() time.Time
}

func NewWriter(repo outbox_repo.OutboxRepository) *Writer {
	return &Writer{repo: repo, clock: time.Now}
}

// Append inserts one PENDING message and returns its freshly generated id,
// which identifies the message for the rest of its life. An empty
// correlation seeds a new chain rooted at the message itself.
func (w *Writer) Append(ctx context.Context, q domain.Querier, eventType string, payload []byte, orderingKey string, corr domain.Correlation) (string, error) {
	if eventType == "" {
		return "", fmt.Errorf("outbox append: event type is empty")
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("outbox append: payload is empty")
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("outbox append: payload is not valid JSON")
	}

	id := uuid.NewString()
	if corr.CorrelationID == "" {
		corr.CorrelationID = id
	}
	if corr.CausationID == "" {
		corr.CausationID = id
	}

	now := w.clock().UTC()
	msg := &domain.OutboxMessage{
		ID:            id,
		Type:          eventType,
		Payload:       payload,
		OrderingKey:   orderingKey,
		CorrelationID: corr.CorrelationID,
		CausationID:   corr.CausationID,
		State:         domain.OutboxStatePending,
		Attempts:      0,
		NextAttemptAt: now,
		CreatedAt:     now,
	}

	if err := w.repo.CreateMessageTx(ctx, q, msg); err != nil {
		return "", fmt.Errorf("outbox append: %w", err)
	}
	return id, nil
}
