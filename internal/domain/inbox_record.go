package domain

import "time"

// InboxRecord marks an inbound message as processed by one handler. It is
// written in the same transaction as the handler's business changes and is
// never updated; its only purpose is duplicate detection under at-least-once
// delivery, so rows older than the broker's redelivery window can be dropped.
type InboxRecord struct {
	MessageID   string
	HandlerType string
	ProcessedAt time.Time
}
