package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"eventrelay/internal/domain"
	"eventrelay/internal/metrics"
)

type OutboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) CreateMessageTx(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages
			(id, message_type, payload, ordering_key, correlation_id, causation_id,
			 state, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.ExecContext(ctx, query,
		msg.ID,
		msg.Type,
		msg.Payload,
		msg.OrderingKey,
		msg.CorrelationID,
		msg.CausationID,
		msg.State,
		msg.Attempts,
		msg.NextAttemptAt,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

// ClaimBatch is the single synchronization point between processor
// instances: the locking select skips rows held by a concurrent claimer, and
// claims whose expiry has passed count as abandoned and become claimable
// again. The select and the state update run as one statement.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, owner string, limit int, claimTTL time.Duration, now time.Time) ([]domain.OutboxMessage, error) {
	query := `
		WITH claimable AS (
			SELECT id, state AS prev_state
			FROM outbox_messages
			WHERE (state = $1 AND next_attempt_at <= $4)
			   OR (state = $2 AND claim_expires_at <= $4)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages m
		SET state = $2, claim_owner = $5, claim_expires_at = $6
		FROM claimable
		WHERE m.id = claimable.id
		RETURNING m.id, m.message_type, m.payload, m.ordering_key,
		          m.correlation_id, m.causation_id, m.state, m.attempts,
		          m.next_attempt_at, m.last_error, m.claim_owner,
		          m.claim_expires_at, m.created_at, m.published_at,
		          claimable.prev_state
	`
	rows, err := r.db.QueryContext(ctx, query,
		domain.OutboxStatePending,
		domain.OutboxStateClaimed,
		limit,
		now,
		owner,
		now.Add(claimTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	reclaimed := 0
	for rows.Next() {
		msg, prevState, err := scanClaimedMessage(rows)
		if err != nil {
			return nil, err
		}
		if prevState == domain.OutboxStateClaimed {
			reclaimed++
		}
		messages = append(messages, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed outbox messages: %w", err)
	}
	if reclaimed > 0 {
		metrics.AddReclaimed(reclaimed)
	}
	return messages, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id, owner string, publishedAt time.Time) error {
	query := `
		UPDATE outbox_messages
		SET state = $1, published_at = $2, claim_owner = NULL, claim_expires_at = NULL
		WHERE id = $3 AND state = $4 AND claim_owner = $5
	`
	res, err := r.db.ExecContext(ctx, query, domain.OutboxStatePublished, publishedAt, id, domain.OutboxStateClaimed, owner)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %s published: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for mark published: %w", err)
	}
	if affected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *OutboxRepository) Requeue(ctx context.Context, id, owner string, attempts int, nextAttemptAt time.Time, lastError string) error {
	query := `
		UPDATE outbox_messages
		SET state = $1, attempts = $2, next_attempt_at = $3, last_error = $4,
		    claim_owner = NULL, claim_expires_at = NULL
		WHERE id = $5 AND state = $6 AND claim_owner = $7
	`
	res, err := r.db.ExecContext(ctx, query,
		domain.OutboxStatePending, attempts, nextAttemptAt, lastError, id, domain.OutboxStateClaimed, owner)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox message %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for requeue: %w", err)
	}
	if affected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *OutboxRepository) MoveToDeadLetter(ctx context.Context, msg domain.OutboxMessage, owner, finalError string, failedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM outbox_messages WHERE id = $1 AND state = $2 AND claim_owner = $3`,
		msg.ID, domain.OutboxStateClaimed, owner)
	if err != nil {
		return fmt.Errorf("failed to delete outbox message %s for dead-lettering: %w", msg.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for dead-letter delete: %w", err)
	}
	if affected == 0 {
		return domain.ErrMessageNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter_messages
			(id, original_message_id, message_type, payload, ordering_key,
			 correlation_id, final_error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		msg.ID, msg.ID, msg.Type, msg.Payload, msg.OrderingKey,
		msg.CorrelationID, finalError, msg.Attempts, failedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter record for %s: %w", msg.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter transaction for %s: %w", msg.ID, err)
	}
	return nil
}

func (r *OutboxRepository) BacklogStats(ctx context.Context) (domain.BacklogStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE state = $1),
			COUNT(*) FILTER (WHERE state = $2),
			MIN(created_at) FILTER (WHERE state IN ($1, $2))
		FROM outbox_messages
	`
	var stats domain.BacklogStats
	var oldest sql.NullTime
	err := r.db.QueryRowContext(ctx, query, domain.OutboxStatePending, domain.OutboxStateClaimed).
		Scan(&stats.PendingCount, &stats.ClaimedCount, &oldest)
	if err != nil {
		return domain.BacklogStats{}, fmt.Errorf("failed to get outbox backlog stats: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestPending = &t
	}
	return stats, nil
}

func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox_messages WHERE state = $1 AND published_at < $2`,
		domain.OutboxStatePublished, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published outbox messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for outbox cleanup: %w", err)
	}
	return affected, nil
}

func scanClaimedMessage(rows *sql.Rows) (domain.OutboxMessage, domain.OutboxMessageState, error) {
	var (
		msg            domain.OutboxMessage
		lastError      sql.NullString
		claimOwner     sql.NullString
		claimExpiresAt sql.NullTime
		publishedAt    sql.NullTime
		prevState      domain.OutboxMessageState
	)
	err := rows.Scan(
		&msg.ID,
		&msg.Type,
		&msg.Payload,
		&msg.OrderingKey,
		&msg.CorrelationID,
		&msg.CausationID,
		&msg.State,
		&msg.Attempts,
		&msg.NextAttemptAt,
		&lastError,
		&claimOwner,
		&claimExpiresAt,
		&msg.CreatedAt,
		&publishedAt,
		&prevState,
	)
	if err != nil {
		return domain.OutboxMessage{}, "", fmt.Errorf("failed to scan claimed outbox message: %w", err)
	}
	if lastError.Valid {
		s := lastError.String
		msg.LastError = &s
	}
	if claimOwner.Valid {
		s := claimOwner.String
		msg.ClaimOwner = &s
	}
	if claimExpiresAt.Valid {
		t := claimExpiresAt.Time
		msg.ClaimExpiresAt = &t
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		msg.PublishedAt = &t
	}
	return msg, prevState, nil
}
