package postgres

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"eventrelay/internal/domain"
	"eventrelay/internal/repository/deadletter_repo"
)

type DeadLetterRepository struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

func NewDeadLetterRepository(db *sql.DB) *DeadLetterRepository {
	return &DeadLetterRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *DeadLetterRepository) List(ctx context.Context, filter deadletter_repo.Filter, limit int) ([]domain.DeadLetterMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.sb.
		Select("id", "original_message_id", "message_type", "payload",
			"ordering_key", "correlation_id", "final_error", "attempts", "failed_at").
		From("dead_letter_messages").
		OrderBy("failed_at ASC").
		Limit(uint64(limit))
	q = applyFilter(q, filter)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build dead-letter select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.DeadLetterMessage
	for rows.Next() {
		var msg domain.DeadLetterMessage
		if err := rows.Scan(
			&msg.ID,
			&msg.OriginalMessageID,
			&msg.Type,
			&msg.Payload,
			&msg.OrderingKey,
			&msg.CorrelationID,
			&msg.FinalError,
			&msg.Attempts,
			&msg.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead-letter message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead-letter messages: %w", err)
	}
	return messages, nil
}

func (r *DeadLetterRepository) DeleteTx(ctx context.Context, q domain.Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM dead_letter_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead-letter message %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for dead-letter delete: %w", err)
	}
	if affected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *DeadLetterRepository) Stats(ctx context.Context) (deadletter_repo.Stats, error) {
	var stats deadletter_repo.Stats
	var oldest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(failed_at) FROM dead_letter_messages`).
		Scan(&stats.Count, &oldest)
	if err != nil {
		return deadletter_repo.Stats{}, fmt.Errorf("failed to get dead-letter stats: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time
		stats.Oldest = &t
	}
	return stats, nil
}

func applyFilter(q sq.SelectBuilder, filter deadletter_repo.Filter) sq.SelectBuilder {
	if filter.OriginalMessageID != "" {
		q = q.Where(sq.Eq{"original_message_id": filter.OriginalMessageID})
	}
	if filter.Type != "" {
		q = q.Where(sq.Eq{"message_type": filter.Type})
	}
	if !filter.FailedAfter.IsZero() {
		q = q.Where(sq.GtOrEq{"failed_at": filter.FailedAfter})
	}
	if !filter.FailedBefore.IsZero() {
		q = q.Where(sq.Lt{"failed_at": filter.FailedBefore})
	}
	return q
}
