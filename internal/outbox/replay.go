package outbox

import (
	"context"

	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/metrics"
	"eventrelay/internal/repository/deadletter_repo"
)

const defaultReplayBatchSize = 50

// ReplayResult counts the outcome of one replay call. Failures leave their
// dead-letter records untouched and are not retried automatically.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Replayer turns parked dead-letter messages back into fresh PENDING outbox
// messages. Each replayed message gets a new id and a zero attempt count,
// keeps the original type, payload and correlation id, and records the
// original message as its cause. From there it is an ordinary message
// subject to the full retry and dead-letter cycle again.
type Replayer struct {
	tx          domain.TxRunner
	writer      *Writer
	deadLetters deadletter_repo.DeadLetterRepository
	logger      *zap.Logger
}

func NewReplayer(
	tx domain.TxRunner,
	writer *Writer,
	deadLetters deadletter_repo.DeadLetterRepository,
	logger *zap.Logger,
) *Replayer {
	return &Replayer{tx: tx, writer: writer, deadLetters: deadLetters, logger: logger}
}

func (r *Replayer) Replay(ctx context.Context, filter deadletter_repo.Filter, batchSize int) (ReplayResult, error) {
	if batchSize <= 0 {
		batchSize = defaultReplayBatchSize
	}

	parked, err := r.deadLetters.List(ctx, filter, batchSize)
	if err != nil {
		return ReplayResult{}, err
	}

	var result ReplayResult
	for _, dl := range parked {
		corr := domain.Correlation{
			CorrelationID: dl.CorrelationID,
			CausationID:   dl.OriginalMessageID,
		}
		err := r.tx.RunInTx(ctx, func(q domain.Querier) error {
			if _, err := r.writer.Append(ctx, q, dl.Type, dl.Payload, dl.OrderingKey, corr); err != nil {
				return err
			}
			return r.deadLetters.DeleteTx(ctx, q, dl.ID)
		})
		if err != nil {
			result.Failed++
			r.logger.Error("dead-letter replay failed",
				zap.String("original_message_id", dl.OriginalMessageID),
				zap.String("type", dl.Type),
				zap.Error(err),
			)
			continue
		}
		result.Replayed++
	}

	if result.Replayed > 0 {
		metrics.AddReplayed(result.Replayed)
		r.logger.Info("dead-letter replay completed",
			zap.Int("replayed", result.Replayed),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}
