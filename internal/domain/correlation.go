package domain

import "github.com/google/uuid"

// Correlation carries the identifiers that trace an event back to its
// originating trigger. CorrelationID is constant across a causal chain;
// CausationID is the id of the immediate parent message or request.
// It is passed explicitly through the writer/dispatcher call chain rather
// than held in ambient context.
type Correlation struct {
	CorrelationID string
	CausationID   string
}

// NewCorrelation seeds a fresh causal chain, typically at the originating
// external request. The request itself is recorded as the first cause.
func NewCorrelation(requestID string) Correlation {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Correlation{
		CorrelationID: requestID,
		CausationID:   requestID,
	}
}

// Child derives the correlation for an event emitted while handling msg:
// the chain id is preserved and the handled message becomes the cause.
func (m ConsumedMessage) Child() Correlation {
	return Correlation{
		CorrelationID: m.CorrelationID,
		CausationID:   m.ID,
	}
}
