package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/internal/storage"
	"github.com/portfolio-narrator/pkg/logger"
)

// EventObserver is told about every event written to the log.
// Implementations must not block.
type EventObserver interface {
	ObserveEvent(event models.EventRecord)
}

// SyncService owns sessions, the game state history and the event log, and
// arbitrates play-time conflicts between clients.
type SyncService struct {
	store  storage.Store
	logger *logger.Logger
	locks  *sessionLocks

	obsMu     sync.RWMutex
	observers []EventObserver

	now          func() time.Time
	newSessionID func() string
}

// NewSyncService creates a new sync service
func NewSyncService(store storage.Store, log *logger.Logger, observers ...EventObserver) *SyncService {
	return &SyncService{
		store:        store,
		logger:       log,
		locks:        newSessionLocks(),
		observers:    observers,
		now:          time.Now,
		newSessionID: func() string { return "session_" + uuid.NewString() },
	}
}

// AddObserver registers an observer for subsequently recorded events
func (s *SyncService) AddObserver(o EventObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// RecordEvent ingests one client event. GAME_START always opens a new
// session; any other event runs the play-time regression check and returns
// *ConflictError when the session already holds a greater play time.
func (s *SyncService) RecordEvent(ctx context.Context, req models.EventRequest) (*models.EventResponse, error) {
	name := req.EventName()
	if name == "" {
		return nil, fmt.Errorf("%w: event is required", ErrInvalidRequest)
	}
	if !models.IsNull(req.GameState) && !models.IsObject(req.GameState) {
		return nil, fmt.Errorf("%w: gameState must be a JSON object", ErrInvalidRequest)
	}
	if req.GamePlayTime < 0 {
		return nil, fmt.Errorf("%w: gamePlayTime must not be negative", ErrInvalidRequest)
	}

	now := s.now()
	event := &models.EventRecord{
		Event:   name,
		Payload: payloadOrNil(req.Payload),
		Ts:      req.TimestampOr(now),
	}

	if name == models.EventGameStart {
		return s.startGame(ctx, event)
	}

	sessionID, err := s.resolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	event.SessionID = &sessionID

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	best, err := s.store.MaxPlayTimeGameState(ctx, sessionID)
	if err != nil && !errors.Is(err, storage.ErrGameStateNotFound) {
		return nil, fmt.Errorf("failed to read game state history: %w", err)
	}
	if best != nil && best.PlayTime > req.GamePlayTime {
		id, err := s.appendEvent(ctx, event)
		if err != nil {
			return nil, err
		}
		s.logger.Warn("Rejected stale game state",
			logger.F("session_id", sessionID),
			logger.F("event", name),
			logger.F("incoming_play_time", strconv.FormatInt(req.GamePlayTime, 10)),
			logger.F("stored_play_time", strconv.FormatInt(best.PlayTime, 10)))
		return nil, &ConflictError{Snapshot: best.GameState, EventID: id, SessionID: sessionID}
	}

	snapshot, err := s.nextSnapshot(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.InsertGameState(ctx, &models.GameStateEntry{
		SessionID: sessionID,
		GameState: snapshot,
		PlayTime:  req.GamePlayTime,
		Timestamp: now.UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("failed to save game state: %w", err)
	}

	id, err := s.appendEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	return &models.EventResponse{Success: true, ID: id, SessionID: sessionID}, nil
}

func (s *SyncService) startGame(ctx context.Context, event *models.EventRecord) (*models.EventResponse, error) {
	sessionID := s.newSessionID()
	snapshot := models.InitialSnapshot(event.Ts)

	if err := s.store.CreateSession(ctx, &models.Session{
		SessionID: sessionID,
		StartTime: s.now().UnixMilli(),
		GameState: snapshot,
	}); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if _, err := s.store.InsertGameState(ctx, &models.GameStateEntry{
		SessionID: sessionID,
		GameState: snapshot,
		Timestamp: s.now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("failed to save initial game state: %w", err)
	}

	event.SessionID = &sessionID
	id, err := s.appendEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Game started", logger.F("session_id", sessionID))
	return &models.EventResponse{Success: true, ID: id, SessionID: sessionID, GameState: snapshot}, nil
}

// nextSnapshot picks what an accepted update stores: the client snapshot,
// else the latest stored one, else the initial state, with gamePlayTime
// forced to the incoming value.
func (s *SyncService) nextSnapshot(ctx context.Context, sessionID string, req models.EventRequest) (json.RawMessage, error) {
	base := req.GameState
	if models.IsNull(base) {
		latest, err := s.store.LatestGameState(ctx, sessionID)
		switch {
		case err == nil:
			base = latest.GameState
		case errors.Is(err, storage.ErrGameStateNotFound):
			base = models.InitialSnapshot(0)
		default:
			return nil, fmt.Errorf("failed to read latest game state: %w", err)
		}
	}

	snapshot, err := models.WithPlayTime(base, req.GamePlayTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return snapshot, nil
}

// resolveSession returns the explicit id if it exists, else the active session
func (s *SyncService) resolveSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID != "" {
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			return "", fmt.Errorf("session %s: %w", sessionID, err)
		}
		return sessionID, nil
	}

	active, err := s.store.ActiveSession(ctx)
	if err != nil {
		return "", fmt.Errorf("no active session: %w", err)
	}
	return active.SessionID, nil
}

func (s *SyncService) appendEvent(ctx context.Context, event *models.EventRecord) (int64, error) {
	id, err := s.store.InsertEvent(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("failed to save event: %w", err)
	}
	s.notify(*event)
	return id, nil
}

func (s *SyncService) notify(event models.EventRecord) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o.ObserveEvent(event)
	}
}

// GetGameState returns the latest snapshot of the given (or active) session,
// falling back to the session's own copy. Nil means nothing is known.
func (s *SyncService) GetGameState(ctx context.Context, sessionID string) (json.RawMessage, error) {
	sessionID, err := s.resolveSession(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	latest, err := s.store.LatestGameState(ctx, sessionID)
	if err == nil {
		return latest.GameState, nil
	}
	if !errors.Is(err, storage.ErrGameStateNotFound) {
		return nil, fmt.Errorf("failed to read latest game state: %w", err)
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if models.IsNull(session.GameState) {
		return nil, nil
	}
	return session.GameState, nil
}

// SaveGameState appends a client snapshot to the history of its session
// without a conflict check. The sessionId field is stripped before storing;
// with no resolvable session nothing is stored.
func (s *SyncService) SaveGameState(ctx context.Context, body json.RawMessage) error {
	if !models.IsObject(body) {
		return fmt.Errorf("%w: game state must be a JSON object", ErrInvalidRequest)
	}

	snapshot, err := models.WithoutSessionID(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sessionID, err := s.resolveSession(ctx, gjson.GetBytes(body, "sessionId").String())
	if errors.Is(err, storage.ErrSessionNotFound) {
		s.logger.Warn("Game state save without a session, ignoring", logger.Err(err))
		return nil
	}
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if _, err := s.store.InsertGameState(ctx, &models.GameStateEntry{
		SessionID: sessionID,
		GameState: snapshot,
		PlayTime:  models.PlayTimeOf(snapshot),
		Timestamp: s.now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("failed to save game state: %w", err)
	}
	return nil
}

// CreateSession opens an empty session
func (s *SyncService) CreateSession(ctx context.Context) (string, error) {
	sessionID := s.newSessionID()
	if err := s.store.CreateSession(ctx, &models.Session{
		SessionID: sessionID,
		StartTime: s.now().UnixMilli(),
	}); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return sessionID, nil
}

// EndSession ends a session; false when it was unknown or already ended
func (s *SyncService) EndSession(ctx context.Context, sessionID string) (bool, error) {
	ended, err := s.store.EndSession(ctx, sessionID, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to end session: %w", err)
	}
	return ended, nil
}

// ListSessions lists sessions newest first
func (s *SyncService) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// ActiveSession returns the active session or nil
func (s *SyncService) ActiveSession(ctx context.Context) (*models.Session, error) {
	session, err := s.store.ActiveSession(ctx)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return session, nil
}

// GameStates returns a session's history newest first
func (s *SyncService) GameStates(ctx context.Context, sessionID string, limit int) ([]*models.GameStateEntry, error) {
	entries, err := s.store.ListGameStates(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list game states: %w", err)
	}
	return entries, nil
}

// LatestGameState returns the newest history entry or storage.ErrGameStateNotFound
func (s *SyncService) LatestGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error) {
	entry, err := s.store.LatestGameState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return entry, nil
}

// Events queries the event log
func (s *SyncService) Events(ctx context.Context, filter storage.EventFilter) ([]*models.EventRecord, error) {
	events, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// EventStats counts each known event name
func (s *SyncService) EventStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(models.KnownEvents))
	for _, name := range models.KnownEvents {
		n, err := s.store.CountEvents(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		stats[name] = n
	}
	return stats, nil
}

// DeleteEvents clears the event log
func (s *SyncService) DeleteEvents(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	s.logger.Info("Events deleted", logger.F("count", strconv.FormatInt(n, 10)))
	return n, nil
}

// Reset wipes sessions, history and events atomically
func (s *SyncService) Reset(ctx context.Context) (models.ResetCounts, error) {
	counts, err := s.store.Reset(ctx)
	if err != nil {
		return models.ResetCounts{}, fmt.Errorf("failed to reset database: %w", err)
	}
	s.logger.Warn("Database reset",
		logger.F("events", strconv.FormatInt(counts.EventsDeleted, 10)),
		logger.F("game_states", strconv.FormatInt(counts.GameStatesDeleted, 10)),
		logger.F("sessions", strconv.FormatInt(counts.SessionsDeleted, 10)))
	return counts, nil
}

func payloadOrNil(raw json.RawMessage) json.RawMessage {
	if models.IsNull(raw) {
		return nil
	}
	return raw
}
