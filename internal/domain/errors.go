package domain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the failure class of an orchestrator operation.
// Every operation fails with exactly one of these; the numeric value is
// what goes on the wire in the error payload.
type ErrorCode int

const (
	CodeRoomNotFound         ErrorCode = 101
	CodeRoomClosing          ErrorCode = 102
	CodeDuplicateParticipant ErrorCode = 103
	CodeParticipantNotFound  ErrorCode = 201
	CodeParticipantClosed    ErrorCode = 202
	CodeStreamNotFound       ErrorCode = 301
	CodeEndpointNotFound     ErrorCode = 302
	CodeMediaNegotiation     ErrorCode = 303
	CodeNoCapacity           ErrorCode = 401
	CodeGeneric              ErrorCode = 999
)

func (c ErrorCode) String() string {
	switch c {
	case CodeRoomNotFound:
		return "ROOM_NOT_FOUND"
	case CodeRoomClosing:
		return "ROOM_CLOSING"
	case CodeDuplicateParticipant:
		return "DUPLICATE_PARTICIPANT"
	case CodeParticipantNotFound:
		return "PARTICIPANT_NOT_FOUND"
	case CodeParticipantClosed:
		return "PARTICIPANT_CLOSED"
	case CodeStreamNotFound:
		return "STREAM_NOT_FOUND"
	case CodeEndpointNotFound:
		return "ENDPOINT_NOT_FOUND"
	case CodeMediaNegotiation:
		return "MEDIA_NEGOTIATION_ERROR"
	case CodeNoCapacity:
		return "NO_CAPACITY_AVAILABLE"
	default:
		return "GENERIC_ERROR"
	}
}

// RoomError is the typed failure returned by every orchestrator operation.
type RoomError struct {
	Code    ErrorCode
	Message string
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewRoomError(code ErrorCode, format string, args ...any) *RoomError {
	return &RoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code from err, falling back to CodeGeneric for
// anything that is not a RoomError. The dispatcher uses this to normalize
// failures into the wire taxonomy; nothing undocumented escapes.
func CodeOf(err error) ErrorCode {
	var re *RoomError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeGeneric
}
