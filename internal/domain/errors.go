package domain

import "errors"

var (
	// ErrUnknownMessageType means no codec is registered for a message's
	// type tag. Treated as a permanent failure.
	ErrUnknownMessageType = errors.New("unknown outbox message type")

	// ErrInvalidPayload means a payload could not be decoded for its
	// declared type. Treated as a permanent failure.
	ErrInvalidPayload = errors.New("outbox payload is not valid for its type")

	// ErrMessageNotFound is returned when a state transition targets a row
	// that no longer exists or is no longer in the expected state.
	ErrMessageNotFound = errors.New("outbox message not found in expected state")
)
