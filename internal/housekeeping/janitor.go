package housekeeping

import (
	"context"
	"time"

	"go.uber.org/zap"

	"eventrelay/internal/metrics"
	"eventrelay/internal/repository/deadletter_repo"
	"eventrelay/internal/repository/inbox_repo"
	"eventrelay/internal/repository/outbox_repo"
)

// Janitor removes rows that only matter for a limited window: PUBLISHED
// outbox messages kept for audit, and inbox records older than the broker's
// maximum redelivery window. Runs well off the hot path.
type Janitor struct {
	outboxRepo      outbox_repo.OutboxRepository
	inboxRepo       inbox_repo.InboxRepository
	deadLetters     deadletter_repo.DeadLetterRepository
	interval        time.Duration
	outboxRetention time.Duration
	inboxRetention  time.Duration
	logger          *zap.Logger
}

func NewJanitor(
	outboxRepo outbox_repo.OutboxRepository,
	inboxRepo inbox_repo.InboxRepository,
	deadLetters deadletter_repo.DeadLetterRepository,
	interval, outboxRetention, inboxRetention time.Duration,
	logger *zap.Logger,
) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		outboxRepo:      outboxRepo,
		inboxRepo:       inboxRepo,
		deadLetters:     deadLetters,
		interval:        interval,
		outboxRetention: outboxRetention,
		inboxRetention:  inboxRetention,
		logger:          logger,
	}
}

func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("housekeeping started", zap.Duration("interval", j.interval))
	defer j.logger.Info("housekeeping stopped")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *Janitor) runOnce(ctx context.Context) {
	now := time.Now().UTC()

	if j.outboxRetention > 0 {
		n, err := j.outboxRepo.DeletePublishedBefore(ctx, now.Add(-j.outboxRetention))
		if err != nil {
			j.logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
		}
	}

	if j.inboxRetention > 0 {
		n, err := j.inboxRepo.DeleteProcessedBefore(ctx, now.Add(-j.inboxRetention))
		if err != nil {
			j.logger.Error("inbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
		}
	}

	if stats, err := j.deadLetters.Stats(ctx); err == nil {
		metrics.SetDeadLetterBacklog(stats.Count)
	}
}
