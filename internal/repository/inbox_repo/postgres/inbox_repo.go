package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"eventrelay/internal/domain"
	"eventrelay/internal/repository/inbox_repo"
)

const uniqueViolationCode = "23505"

type InboxRepository struct {
	db *sql.DB
}

func NewInboxRepository(db *sql.DB) *InboxRepository {
	return &InboxRepository{db: db}
}

func (r *InboxRepository) CreateRecordTx(ctx context.Context, q domain.Querier, rec *domain.InboxRecord) error {
	query := `
		INSERT INTO inbox_messages (message_id, handler_type, processed_at)
		VALUES ($1, $2, $3)
	`
	_, err := q.ExecContext(ctx, query, rec.MessageID, rec.HandlerType, rec.ProcessedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode {
			return inbox_repo.ErrMessageAlreadyProcessed
		}
		return fmt.Errorf("failed to insert inbox record for message %s: %w", rec.MessageID, err)
	}
	return nil
}

func (r *InboxRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM inbox_messages WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old inbox records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for inbox cleanup: %w", err)
	}
	return affected, nil
}
