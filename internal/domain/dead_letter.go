package domain

import "time"

// DeadLetterMessage is an outbox message parked after a permanent publish
// failure or attempts exhaustion. It keeps everything needed to replay the
// event as a fresh PENDING outbox message.
type DeadLetterMessage struct {
	ID                string
	OriginalMessageID string
	Type              string
	Payload           []byte
	OrderingKey       string
	CorrelationID     string
	FinalError        string
	Attempts          int
	FailedAt          time.Time
}
