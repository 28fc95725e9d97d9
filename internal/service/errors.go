package service

import (
	"encoding/json"
	"errors"
)

// ErrInvalidRequest marks caller mistakes; the HTTP layer maps it to 400
var ErrInvalidRequest = errors.New("invalid request")

// ConflictMessage is reported when an incoming play time is behind the server
const ConflictMessage = "conflict: a game state with a greater gamePlayTime exists"

// ConflictError rejects a stale update. The event itself was still logged
// under EventID; Snapshot is the highest play-time state of the session.
type ConflictError struct {
	Snapshot  json.RawMessage
	EventID   int64
	SessionID string
}

func (e *ConflictError) Error() string {
	return ConflictMessage
}
