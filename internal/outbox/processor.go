package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/metrics"
)

// Store is the slice of the outbox repository the processor drives.
type Store interface {
	ClaimBatch(ctx context.Context, owner string, limit int, claimTTL time.Duration, now time.Time) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id, owner string, publishedAt time.Time) error
	Requeue(ctx context.Context, id, owner string, attempts int, nextAttemptAt time.Time, lastError string) error
	MoveToDeadLetter(ctx context.Context, msg domain.OutboxMessage, owner, finalError string, failedAt time.Time) error
	BacklogStats(ctx context.Context) (domain.BacklogStats, error)
}

// Transport publishes an outbox message to the broker. Implementations must
// return within the context deadline; a timeout is a retryable failure.
type Transport interface {
	Publish(ctx context.Context, msg domain.OutboxMessage) error
}

type ProcessorConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	ClaimTTL       time.Duration
	PublishTimeout time.Duration
}

func (c *ProcessorConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
}

// Processor relays claimed outbox messages to the transport, advancing each
// message's state machine: Claimed -> Published, Claimed -> Pending with
// backoff, or Claimed -> DeadLettered. Multiple instances may run against
// the same store; the claim coordinator keeps their batches disjoint.
type Processor struct {
	store     Store
	transport Transport
	types     *TypeRegistry
	classify  ErrorClassifier
	retry     RetryPolicy
	cfg       ProcessorConfig
	owner     string
	logger    *zap.Logger
	clock     func() time.Time
	wake      chan struct{}
}

func NewProcessor(
	store Store,
	transport Transport,
	types *TypeRegistry,
	retry RetryPolicy,
	cfg ProcessorConfig,
	logger *zap.Logger,
) *Processor {
	cfg.normalize()
	return &Processor{
		store:     store,
		transport: transport,
		types:     types,
		classify:  DefaultClassifier,
		retry:     retry,
		cfg:       cfg,
		owner:     uuid.NewString(),
		logger:    logger,
		clock:     time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// Owner identifies this processor instance in claim records.
func (p *Processor) Owner() string { return p.owner }

// Wake triggers a cycle ahead of the next poll tick. Used by push
// notifications from the store; a latency optimization, not a correctness
// requirement.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. A failed cycle is logged and retried on
// the next tick; the processor never fabricates progress when the store is
// unreachable.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("outbox processor started",
		zap.String("owner", p.owner),
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
	)
	defer p.logger.Info("outbox processor stopped", zap.String("owner", p.owner))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		if err := p.RunCycle(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("outbox cycle failed", zap.Error(err))
		}
	}
}

// RunCycle claims one batch and processes it. Exported so tests and push
// triggers can drive single cycles.
func (p *Processor) RunCycle(ctx context.Context) error {
	start := p.clock()

	batch, err := p.store.ClaimBatch(ctx, p.owner, p.cfg.BatchSize, p.cfg.ClaimTTL, start.UTC())
	if err != nil {
		metrics.IncCycleFailure()
		return err
	}

	for _, msg := range batch {
		if ctx.Err() != nil {
			// Shutdown mid-batch: remaining claims expire and are re-claimed.
			return ctx.Err()
		}
		p.processOne(ctx, msg)
	}

	if stats, err := p.store.BacklogStats(ctx); err == nil {
		metrics.SetPendingBacklog(stats.PendingCount + stats.ClaimedCount)
	}
	metrics.ObserveCycle(p.clock().Sub(start))

	if len(batch) > 0 {
		p.logger.Debug("outbox cycle completed",
			zap.Int("claimed", len(batch)),
			zap.Duration("took", p.clock().Sub(start)),
		)
	}
	return nil
}

func (p *Processor) processOne(ctx context.Context, msg domain.OutboxMessage) {
	if _, err := p.types.Decode(msg.Type, msg.Payload); err != nil {
		p.deadLetter(ctx, msg, err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	pubStart := p.clock()
	err := p.transport.Publish(pubCtx, msg)
	cancel()
	metrics.ObservePublish(p.clock().Sub(pubStart))

	if err == nil {
		p.markPublished(ctx, msg)
		return
	}

	if !p.classify(err) {
		metrics.IncPublishFailure("permanent")
		p.deadLetter(ctx, msg, err)
		return
	}

	metrics.IncPublishFailure("retryable")
	if msg.Attempts >= p.retry.MaxAttempts {
		p.deadLetter(ctx, msg, err)
		return
	}

	attempts := msg.Attempts + 1
	delay := p.retry.NextDelay(attempts)
	if reqErr := p.store.Requeue(ctx, msg.ID, p.owner, attempts, p.clock().UTC().Add(delay), err.Error()); reqErr != nil {
		if errors.Is(reqErr, domain.ErrMessageNotFound) {
			p.logger.Warn("claim lost before requeue, row now owned elsewhere",
				zap.String("message_id", msg.ID))
			return
		}
		p.logger.Error("failed to requeue outbox message",
			zap.String("message_id", msg.ID), zap.Error(reqErr))
		return
	}
	p.logger.Warn("publish failed, retry scheduled",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}

func (p *Processor) markPublished(ctx context.Context, msg domain.OutboxMessage) {
	if err := p.store.MarkPublished(ctx, msg.ID, p.owner, p.clock().UTC()); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			// The claim expired during a slow publish and another instance
			// re-claimed the row. The resulting duplicate is absorbed by the
			// consumer-side inbox.
			p.logger.Warn("claim lost after publish, duplicate delivery possible",
				zap.String("message_id", msg.ID))
			return
		}
		p.logger.Error("failed to mark outbox message published",
			zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	metrics.IncPublished()
	metrics.ObserveDeliveryLag(p.clock().Sub(msg.CreatedAt))
}

func (p *Processor) deadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) {
	if err := p.store.MoveToDeadLetter(ctx, msg, p.owner, cause.Error(), p.clock().UTC()); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			// The claim expired and another instance owns the row now; its
			// transition wins, a stale dead-letter here would park a message
			// that instance may deliver.
			p.logger.Warn("claim lost before dead-lettering, row now owned elsewhere",
				zap.String("message_id", msg.ID))
			return
		}
		p.logger.Error("failed to dead-letter outbox message",
			zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	metrics.IncDeadLettered()
	p.logger.Error("outbox message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.Int("attempts", msg.Attempts),
		zap.Error(cause),
	)
}
