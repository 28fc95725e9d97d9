package storage

import (
	"context"
	"encoding/json"

	"github.com/portfolio-narrator/internal/models"
)

// DefaultLimit caps list queries when the caller gives no limit
const DefaultLimit = 100

// SessionRepository defines operations on sessions
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// ActiveSession returns the most recently started session that has not ended
	ActiveSession(ctx context.Context) (*models.Session, error)
	// EndSession sets the end time; reports false when the session is unknown or already ended
	EndSession(ctx context.Context, sessionID string, endTime int64) (bool, error)
	UpdateSessionGameState(ctx context.Context, sessionID string, snapshot json.RawMessage) error
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)
}

// GameStateRepository defines operations on the append-only snapshot history
type GameStateRepository interface {
	// InsertGameState appends an entry and refreshes the session's
	// denormalized snapshot in the same write.
	InsertGameState(ctx context.Context, entry *models.GameStateEntry) (int64, error)
	// LatestGameState returns the last inserted entry of a session
	LatestGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error)
	// MaxPlayTimeGameState returns the entry with the highest play time,
	// latest insertion winning ties
	MaxPlayTimeGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error)
	ListGameStates(ctx context.Context, sessionID string, limit int) ([]*models.GameStateEntry, error)
}

// EventRepository defines operations on the append-only event log
type EventRepository interface {
	InsertEvent(ctx context.Context, event *models.EventRecord) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.EventRecord, error)
	CountEvents(ctx context.Context, eventName string) (int64, error)
	DeleteEvents(ctx context.Context) (int64, error)
}

// Store is the full persistence contract used by the sync service
type Store interface {
	SessionRepository
	GameStateRepository
	EventRepository
	// Reset deletes every event, game state and session atomically
	Reset(ctx context.Context) (models.ResetCounts, error)
	Close() error
}

// EventFilter narrows ListEvents. Zero values mean "no constraint";
// a zero Limit means DefaultLimit.
type EventFilter struct {
	EventName string
	SessionID string
	StartTime int64
	EndTime   int64
	Limit     int
}

// Matches reports whether an event passes the filter (limit excluded)
func (f EventFilter) Matches(e *models.EventRecord) bool {
	if f.EventName != "" && e.Event != f.EventName {
		return false
	}
	if f.SessionID != "" && (e.SessionID == nil || *e.SessionID != f.SessionID) {
		return false
	}
	if f.StartTime > 0 && e.Ts < f.StartTime {
		return false
	}
	if f.EndTime > 0 && e.Ts > f.EndTime {
		return false
	}
	return true
}

// EffectiveLimit resolves the limit with DefaultLimit for non-positive values
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// Errors
var (
	ErrSessionNotFound   = &StorageError{Message: "session not found"}
	ErrSessionExists     = &StorageError{Message: "session already exists"}
	ErrGameStateNotFound = &StorageError{Message: "game state not found"}
)

// StorageError represents a storage error
type StorageError struct {
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}
