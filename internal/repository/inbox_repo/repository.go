package inbox_repo

import (
	"context"
	"errors"
	"time"

	"eventrelay/internal/domain"
)

// ErrMessageAlreadyProcessed signals that an inbox record for the same
// (message id, handler type) pair already exists. The dispatcher treats it
// as a resolved duplicate, not a failure.
var ErrMessageAlreadyProcessed = errors.New("inbox message already processed")

// InboxRepository persists processed-message markers for consumer-side
// deduplication.
type InboxRepository interface {
	// CreateRecordTx inserts the marker using the caller's transaction so it
	// commits or rolls back together with the handler's business changes.
	// A uniqueness conflict is reported as ErrMessageAlreadyProcessed,
	// distinctly from any other error.
	CreateRecordTx(ctx context.Context, q domain.Querier, rec *domain.InboxRecord) error

	// DeleteProcessedBefore drops records older than cutoff; they are only
	// needed within the broker's maximum redelivery window.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
