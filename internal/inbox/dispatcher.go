package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/metrics"
	"eventrelay/internal/repository/inbox_repo"
)

// Handler processes one inbound message inside the dispatch transaction.
// The querier gives it the open transaction, so business writes and any
// chained outbox appends commit atomically with the inbox record.
type Handler interface {
	// Type names the handler in inbox records; two handlers with different
	// types each process the same message once.
	Type() string
	Handle(ctx context.Context, q domain.Querier, msg domain.ConsumedMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, q domain.Querier, msg domain.ConsumedMessage) error
}

func (h HandlerFunc) Type() string { return h.Name }
func (h HandlerFunc) Handle(ctx context.Context, q domain.Querier, msg domain.ConsumedMessage) error {
	return h.Fn(ctx, q, msg)
}

// Dispatcher makes consumers idempotent under at-least-once delivery. One
// dispatch is one transaction: insert the inbox record, run the handler,
// commit. A duplicate insert resolves the message as already processed; a
// handler error rolls everything back, including the inbox record, so the
// redelivery is not mistaken for a duplicate.
type Dispatcher struct {
	tx     domain.TxRunner
	inbox  inbox_repo.InboxRepository
	logger *zap.Logger
	clock  func() time.Time
}

func NewDispatcher(tx domain.TxRunner, inbox inbox_repo.InboxRepository, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{tx: tx, inbox: inbox, logger: logger, clock: time.Now}
}

// Dispatch returns nil when the message was processed or was already
// processed before; both outcomes acknowledge the message. A non-nil error
// means the transaction rolled back and the message should be redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.ConsumedMessage, handler Handler) error {
	if msg.ID == "" {
		return fmt.Errorf("dispatch: message id is empty")
	}

	rec := &domain.InboxRecord{
		MessageID:   msg.ID,
		HandlerType: handler.Type(),
		ProcessedAt: d.clock().UTC(),
	}

	err := d.tx.RunInTx(ctx, func(q domain.Querier) error {
		if err := d.inbox.CreateRecordTx(ctx, q, rec); err != nil {
			return err
		}
		return handler.Handle(ctx, q, msg)
	})

	if errors.Is(err, inbox_repo.ErrMessageAlreadyProcessed) {
		metrics.IncInboxDuplicate()
		d.logger.Debug("duplicate message dropped",
			zap.String("message_id", msg.ID),
			zap.String("handler", handler.Type()),
		)
		return nil
	}
	if err != nil {
		metrics.IncInboxFailure()
		return fmt.Errorf("dispatch %s to %s: %w", msg.ID, handler.Type(), err)
	}

	metrics.IncInboxProcessed()
	return nil
}
