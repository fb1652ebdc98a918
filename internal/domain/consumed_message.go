package domain

import "time"

// ConsumedMessage is an inbound event as seen by the consumer dispatcher,
// reconstructed from the transport's payload and metadata headers.
type ConsumedMessage struct {
	ID            string
	Type          string
	Payload       []byte
	OrderingKey   string
	CorrelationID string
	CausationID   string
	ReceivedAt    time.Time
}
