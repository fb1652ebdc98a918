package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"eventrelay/internal/domain"
)

// AuditHandler records every dispatched event into the event_audit table.
// The insert runs on the dispatch transaction, so an audit row exists if and
// only if the dispatch committed.
type AuditHandler struct {
	logger *zap.Logger
}

func NewAuditHandler(logger *zap.Logger) *AuditHandler {
	return &AuditHandler{logger: logger}
}

func (h *AuditHandler) Type() string { return "relay.audit" }

func (h *AuditHandler) Handle(ctx context.Context, q domain.Querier, msg domain.ConsumedMessage) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO event_audit (message_id, event_type, correlation_id, causation_id, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		msg.ID, msg.Type, msg.CorrelationID, msg.CausationID, msg.Payload, msg.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record event audit for %s: %w", msg.ID, err)
	}

	h.logger.Debug("event audited",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.String("correlation_id", msg.CorrelationID),
	)
	return nil
}
