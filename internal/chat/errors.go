package chat

import (
	"errors"
	"fmt"
)

// Store-level sentinels. Edit/delete on a missing (or already deleted)
// message yields ErrNotFound; an author mismatch yields ErrForbidden.
var (
	ErrNotFound  = errors.New("message not found")
	ErrForbidden = errors.New("not the message author")
)

// errHubClosed signals that a room hub was torn down between lookup and
// command delivery; callers retry against the registry.
var errHubClosed = errors.New("room hub closed")

// ValidationError rejects bad inbound content (length, empty body, invalid
// kind, bad reply target). Reported to the sender only; never broadcast,
// never stored.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// CapacityError refuses admission to a full room.
type CapacityError struct {
	RoomID string
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("room %s is full (limit %d)", e.RoomID, e.Limit)
}

// ProtocolError marks a malformed inbound envelope. Non-fatal to the
// connection until repeated beyond the configured threshold.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// TransientStoreError wraps store failures (timeouts, connectivity) that the
// sender may retry. The triggering event is never broadcast.
type TransientStoreError struct {
	Err error
}

func (e *TransientStoreError) Error() string {
	return "store unavailable: " + e.Err.Error()
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// errorCode maps an error to its wire code for error events and REST bodies.
func errorCode(err error) string {
	var ve *ValidationError
	var pe *ProtocolError
	var ce *CapacityError
	var te *TransientStoreError
	switch {
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &pe):
		return "protocol_error"
	case errors.As(err, &ce):
		return "room_full"
	case errors.As(err, &te):
		return "store_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	}
	return "internal_error"
}
