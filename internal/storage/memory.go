package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/portfolio-narrator/internal/models"
)

// MemoryStorage provides in-memory storage for sessions, game states and events
type MemoryStorage struct {
	mu         sync.RWMutex
	sessions   map[string]*models.Session
	order      []string // session ids in creation order
	gameStates map[string][]*models.GameStateEntry
	events     []*models.EventRecord
	nextID     struct{ session, gameState, event int64 }
	now        func() time.Time
}

var _ Store = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions:   make(map[string]*models.Session),
		gameStates: make(map[string][]*models.GameStateEntry),
		now:        time.Now,
	}
}

// CreateSession creates a new session
func (s *MemoryStorage) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return ErrSessionExists
	}

	s.nextID.session++
	stored := copySession(session)
	stored.ID = s.nextID.session
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.sessions[session.SessionID] = stored
	s.order = append(s.order, session.SessionID)
	session.ID = stored.ID
	session.CreatedAt = stored.CreatedAt
	return nil
}

// GetSession retrieves a session by ID
func (s *MemoryStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return copySession(session), nil
}

// ActiveSession returns the most recently started unterminated session
func (s *MemoryStorage) ActiveSession(ctx context.Context) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Session
	for _, id := range s.order {
		session := s.sessions[id]
		if !session.Active() {
			continue
		}
		// later creation wins start time ties
		if best == nil || session.StartTime >= best.StartTime {
			best = session
		}
	}
	if best == nil {
		return nil, ErrSessionNotFound
	}
	return copySession(best), nil
}

// EndSession marks a session as ended
func (s *MemoryStorage) EndSession(ctx context.Context, sessionID string, endTime int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists || !session.Active() {
		return false, nil
	}
	session.EndTime = &endTime
	return true, nil
}

// UpdateSessionGameState replaces the session's denormalized snapshot
func (s *MemoryStorage) UpdateSessionGameState(ctx context.Context, sessionID string, snapshot json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	session.GameState = copyRaw(snapshot)
	return nil
}

// ListSessions returns sessions by start time, newest first
func (s *MemoryStorage) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*models.Session, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		sessions = append(sessions, copySession(s.sessions[s.order[i]]))
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime > sessions[j].StartTime
	})
	if limit = EffectiveLimit(limit); len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// InsertGameState appends a snapshot to the session history
func (s *MemoryStorage) InsertGameState(ctx context.Context, entry *models.GameStateEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID.gameState++
	stored := *entry
	stored.ID = s.nextID.gameState
	stored.GameState = copyRaw(entry.GameState)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.gameStates[entry.SessionID] = append(s.gameStates[entry.SessionID], &stored)

	if session, exists := s.sessions[entry.SessionID]; exists {
		session.GameState = copyRaw(entry.GameState)
	}
	entry.ID = stored.ID
	return stored.ID, nil
}

// LatestGameState returns the last inserted snapshot of a session
func (s *MemoryStorage) LatestGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.gameStates[sessionID]
	if len(history) == 0 {
		return nil, ErrGameStateNotFound
	}
	return copyEntry(history[len(history)-1]), nil
}

// MaxPlayTimeGameState returns the snapshot with the highest play time
func (s *MemoryStorage) MaxPlayTimeGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.GameStateEntry
	for _, entry := range s.gameStates[sessionID] {
		if best == nil || entry.PlayTime >= best.PlayTime {
			best = entry
		}
	}
	if best == nil {
		return nil, ErrGameStateNotFound
	}
	return copyEntry(best), nil
}

// ListGameStates returns a session's history, newest first
func (s *MemoryStorage) ListGameStates(ctx context.Context, sessionID string, limit int) ([]*models.GameStateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.gameStates[sessionID]
	limit = EffectiveLimit(limit)
	out := make([]*models.GameStateEntry, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyEntry(history[i]))
	}
	return out, nil
}

// InsertEvent appends to the event log
func (s *MemoryStorage) InsertEvent(ctx context.Context, event *models.EventRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID.event++
	stored := copyEvent(event)
	stored.ID = s.nextID.event
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.events = append(s.events, stored)
	event.ID = stored.ID
	event.CreatedAt = stored.CreatedAt
	return stored.ID, nil
}

// ListEvents returns matching events, newest timestamp first
func (s *MemoryStorage) ListEvents(ctx context.Context, filter EventFilter) ([]*models.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.EventRecord, 0)
	for _, event := range s.events {
		if filter.Matches(event) {
			out = append(out, copyEvent(event))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts > out[j].Ts
		}
		return out[i].ID > out[j].ID
	})
	if limit := EffectiveLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountEvents counts events with the given name
func (s *MemoryStorage) CountEvents(ctx context.Context, eventName string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, event := range s.events {
		if event.Event == eventName {
			n++
		}
	}
	return n, nil
}

// DeleteEvents removes every event
func (s *MemoryStorage) DeleteEvents(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.events))
	s.events = nil
	return n, nil
}

// Reset clears all three collections under one lock
func (s *MemoryStorage) Reset(ctx context.Context) (models.ResetCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts models.ResetCounts
	counts.EventsDeleted = int64(len(s.events))
	for _, history := range s.gameStates {
		counts.GameStatesDeleted += int64(len(history))
	}
	counts.SessionsDeleted = int64(len(s.sessions))
	counts.Total = counts.EventsDeleted + counts.GameStatesDeleted + counts.SessionsDeleted

	s.sessions = make(map[string]*models.Session)
	s.order = nil
	s.gameStates = make(map[string][]*models.GameStateEntry)
	s.events = nil
	return counts, nil
}

// Close is a no-op for memory storage
func (s *MemoryStorage) Close() error {
	return nil
}

func copySession(in *models.Session) *models.Session {
	out := *in
	if in.EndTime != nil {
		end := *in.EndTime
		out.EndTime = &end
	}
	out.GameState = copyRaw(in.GameState)
	return &out
}

func copyEntry(in *models.GameStateEntry) *models.GameStateEntry {
	out := *in
	out.GameState = copyRaw(in.GameState)
	return &out
}

func copyEvent(in *models.EventRecord) *models.EventRecord {
	out := *in
	if in.SessionID != nil {
		id := *in.SessionID
		out.SessionID = &id
	}
	out.Payload = copyRaw(in.Payload)
	return &out
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
