package chat

import "errors"

var (
	// ErrEmptyContent is returned when a message is blank after trimming.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrInvalidRoomID is returned for non-positive room ids.
	ErrInvalidRoomID = errors.New("invalid room id")
	// ErrInvalidRequest is returned for malformed or unknown inbound requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrForbidden is returned when a principal may not perform an action.
	ErrForbidden = errors.New("forbidden")
	// ErrNotSubscribed is returned when a connection acts on a room it has not joined.
	ErrNotSubscribed = errors.New("not subscribed to room")
	// ErrNotAuthenticated is returned for room operations before authentication.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRoomNotFound is returned when a room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomClosed is returned when joining or publishing to an inactive room.
	ErrRoomClosed = errors.New("room is closed")

	// ErrPersistence wraps transient storage failures.
	ErrPersistence = errors.New("storage unavailable")

	// ErrSessionClosed is returned for any operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Wire codes for errors surfaced to the originating connection.
const (
	CodeValidation  = "validation"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeRoomClosed  = "room_closed"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

// ErrorCode classifies err into a wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrEmptyContent), errors.Is(err, ErrInvalidRoomID), errors.Is(err, ErrInvalidRequest):
		return CodeValidation
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotSubscribed), errors.Is(err, ErrNotAuthenticated):
		return CodeForbidden
	case errors.Is(err, ErrRoomNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRoomClosed):
		return CodeRoomClosed
	case errors.Is(err, ErrPersistence):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
