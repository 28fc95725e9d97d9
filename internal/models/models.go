package models

import (
	"encoding/json"
	"time"
)

// Event names the system knows about. GAME_START is the only one with
// server-side meaning: it always allocates a fresh session.
const (
	EventGameStart        = "GAME_START"
	EventGameStarted      = "GAME_STARTED"
	EventUserClick        = "USER_CLICK"
	EventUserNavigate     = "USER_NAVIGATE"
	EventUserTryExit      = "USER_TRY_EXIT"
	EventClippyAppear     = "CLIPPY_APPEAR"
	EventClippyInterrupt  = "CLIPPY_INTERRUPT"
	EventNavigate         = "NAVIGATE"
	EventNavigateOverride = "NAVIGATE_OVERRIDE"
)

// KnownEvents is the fixed list reported by the event stats endpoint
var KnownEvents = []string{
	EventGameStart,
	EventGameStarted,
	EventUserClick,
	EventUserNavigate,
	EventUserTryExit,
	EventClippyAppear,
	EventClippyInterrupt,
	EventNavigate,
	EventNavigateOverride,
}

// Session represents one visitor session. EndTime is nil while active.
type Session struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	StartTime int64           `json:"startTime"` // unix millis
	EndTime   *int64          `json:"endTime"`   // unix millis
	GameState json.RawMessage `json:"gameState"` // last known snapshot, compatibility field
	CreatedAt time.Time       `json:"createdAt"`
}

// Active reports whether the session has not been ended
func (s *Session) Active() bool {
	return s.EndTime == nil
}

// GameStateEntry is one immutable history record of a session's snapshot
type GameStateEntry struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	GameState json.RawMessage `json:"gameState"`
	PlayTime  int64           `json:"-"`
	Timestamp int64           `json:"timestamp"` // server receive time, unix millis
	CreatedAt time.Time       `json:"createdAt"`
}

// EventRecord is one immutable entry of the event log
type EventRecord struct {
	ID        int64           `json:"id"`
	SessionID *string         `json:"sessionId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Ts        int64           `json:"ts"` // client supplied, unix millis
	CreatedAt time.Time       `json:"createdAt"`
}

// EventRequest is the body of POST /events
type EventRequest struct {
	Event        string          `json:"event"`
	Name         string          `json:"name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Ts           int64           `json:"ts,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	GamePlayTime int64           `json:"gamePlayTime"`
	GameState    json.RawMessage `json:"gameState,omitempty"`
}

// UnmarshalJSON accepts a fractional or null gamePlayTime and truncates it
// to whole seconds
func (r *EventRequest) UnmarshalJSON(data []byte) error {
	type plain EventRequest
	aux := struct {
		*plain
		GamePlayTime *float64 `json:"gamePlayTime"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.GamePlayTime = 0
	if aux.GamePlayTime != nil {
		r.GamePlayTime = int64(*aux.GamePlayTime)
	}
	return nil
}

// EventName returns the event name, accepting the legacy "name" field
func (r EventRequest) EventName() string {
	if r.Event != "" {
		return r.Event
	}
	return r.Name
}

// TimestampOr returns the client timestamp, falling back to now
func (r EventRequest) TimestampOr(now time.Time) int64 {
	switch {
	case r.Ts > 0:
		return r.Ts
	case r.Timestamp > 0:
		return r.Timestamp
	default:
		return now.UnixMilli()
	}
}

// EventResponse is returned when an event was accepted
type EventResponse struct {
	Success   bool            `json:"success"`
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	GameState json.RawMessage `json:"gameState,omitempty"` // only on GAME_START
}

// ConflictResponse is returned with 409 when the incoming play time is stale
type ConflictResponse struct {
	Error     string          `json:"error"`
	GameState json.RawMessage `json:"gameState"`
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SessionsResponse lists sessions
type SessionsResponse struct {
	Count    int        `json:"count"`
	Sessions []*Session `json:"sessions"`
}

// ActiveSessionResponse wraps the active session (null when none)
type ActiveSessionResponse struct {
	ActiveSession *Session `json:"activeSession"`
}

// SessionResponse is returned by session create/end
type SessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

// GameStatesResponse lists a session's history
type GameStatesResponse struct {
	Count      int               `json:"count"`
	SessionID  string            `json:"sessionId"`
	GameStates []*GameStateEntry `json:"gameStates"`
}

// EventsResponse lists events
type EventsResponse struct {
	Count  int            `json:"count"`
	Events []*EventRecord `json:"events"`
}

// DeleteEventsResponse is returned by DELETE /events
type DeleteEventsResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DeletedCount int64  `json:"deletedCount"`
}

// ResetCounts holds per-table row counts removed by a full reset
type ResetCounts struct {
	EventsDeleted     int64 `json:"eventsDeleted"`
	GameStatesDeleted int64 `json:"gameStatesDeleted"`
	SessionsDeleted   int64 `json:"sessionsDeleted"`
	Total             int64 `json:"total"`
}

// ResetResponse is returned by DELETE /database/reset
type ResetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ResetCounts
}
