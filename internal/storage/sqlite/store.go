// Package sqlite provides the SQLite-backed session, game state and event store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/internal/storage"
	"github.com/portfolio-narrator/internal/storage/sqlite/migrations"
)

// Store persists sessions, game state history and events in SQLite
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer connection; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateSession inserts a new session row
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, start_time, end_time, game_state, created_at)
VALUES (?, ?, ?, ?, ?)`,
		session.SessionID,
		session.StartTime,
		nullInt(session.EndTime),
		nullJSON(session.GameState),
		toMillis(session.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	session.ID = id
	return nil
}

const sessionColumns = `id, session_id, start_time, end_time, game_state, created_at`

// GetSession loads a session by its external id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ActiveSession returns the most recently started session without an end time
func (s *Store) ActiveSession(ctx context.Context) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE end_time IS NULL
ORDER BY start_time DESC, id DESC
LIMIT 1`)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	return session, nil
}

// EndSession stamps end_time on an active session
func (s *Store) EndSession(ctx context.Context, sessionID string, endTime int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = ? WHERE session_id = ? AND end_time IS NULL`,
		endTime, sessionID)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	return n > 0, nil
}

// UpdateSessionGameState overwrites the session's denormalized snapshot
func (s *Store) UpdateSessionGameState(ctx context.Context, sessionID string, snapshot json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET game_state = ? WHERE session_id = ?`,
		nullJSON(snapshot), sessionID)
	if err != nil {
		return fmt.Errorf("update session game state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session game state: %w", err)
	}
	if n == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// ListSessions lists sessions newest start first
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
ORDER BY start_time DESC, id DESC
LIMIT ?`, storage.EffectiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// InsertGameState appends a history row and refreshes sessions.game_state in one transaction
func (s *Store) InsertGameState(ctx context.Context, entry *models.GameStateEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert game state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO game_states (session_id, game_state, play_time, timestamp, created_at)
VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID,
		string(entry.GameState),
		entry.PlayTime,
		entry.Timestamp,
		toMillis(entry.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert game state: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("game state id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET game_state = ? WHERE session_id = ?`,
		string(entry.GameState), entry.SessionID); err != nil {
		return 0, fmt.Errorf("refresh session game state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit game state: %w", err)
	}
	entry.ID = id
	return id, nil
}

const gameStateColumns = `id, session_id, game_state, play_time, timestamp, created_at`

// LatestGameState returns the last inserted history row of a session
func (s *Store) LatestGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error) {
	return s.oneGameState(ctx, `
SELECT `+gameStateColumns+` FROM game_states
WHERE session_id = ?
ORDER BY id DESC
LIMIT 1`, sessionID)
}

// MaxPlayTimeGameState returns the highest play time row, latest insertion on ties
func (s *Store) MaxPlayTimeGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error) {
	return s.oneGameState(ctx, `
SELECT `+gameStateColumns+` FROM game_states
WHERE session_id = ?
ORDER BY play_time DESC, id DESC
LIMIT 1`, sessionID)
}

func (s *Store) oneGameState(ctx context.Context, query, sessionID string) (*models.GameStateEntry, error) {
	entry, err := scanGameState(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrGameStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get game state: %w", err)
	}
	return entry, nil
}

// ListGameStates returns a session's history newest first
func (s *Store) ListGameStates(ctx context.Context, sessionID string, limit int) ([]*models.GameStateEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+gameStateColumns+` FROM game_states
WHERE session_id = ?
ORDER BY id DESC
LIMIT ?`, sessionID, storage.EffectiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list game states: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.GameStateEntry, 0)
	for rows.Next() {
		entry, err := scanGameState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game state: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate game states: %w", err)
	}
	return entries, nil
}

// InsertEvent appends to the event log
func (s *Store) InsertEvent(ctx context.Context, event *models.EventRecord) (int64, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	var sessionID sql.NullString
	if event.SessionID != nil {
		sessionID = sql.NullString{String: *event.SessionID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO events (session_id, event_name, payload, timestamp, created_at)
VALUES (?, ?, ?, ?, ?)`,
		sessionID,
		event.Event,
		nullJSON(event.Payload),
		event.Ts,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	event.ID = id
	return id, nil
}

// ListEvents returns filtered events, newest timestamp first
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*models.EventRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.EventName != "" {
		where = append(where, "event_name = ?")
		args = append(args, filter.EventName)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.StartTime > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.EndTime)
	}

	query := `SELECT id, session_id, event_name, payload, timestamp, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, storage.EffectiveLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.EventRecord, 0)
	for rows.Next() {
		var (
			event     models.EventRecord
			sessionID sql.NullString
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&event.ID, &sessionID, &event.Event, &payload, &event.Ts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if sessionID.Valid {
			id := sessionID.String
			event.SessionID = &id
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		event.CreatedAt = fromMillis(createdAt)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountEvents counts rows with the given event name
func (s *Store) CountEvents(ctx context.Context, eventName string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE event_name = ?`, eventName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteEvents truncates the event log
func (s *Store) DeleteEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events`)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return n, nil
}

// Reset deletes all rows from the three tables in a single transaction
func (s *Store) Reset(ctx context.Context) (models.ResetCounts, error) {
	var counts models.ResetCounts

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		table string
		dst   *int64
	}{
		{"events", &counts.EventsDeleted},
		{"game_states", &counts.GameStatesDeleted},
		{"sessions", &counts.SessionsDeleted},
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+step.table)
		if err != nil {
			return models.ResetCounts{}, fmt.Errorf("reset %s: %w", step.table, err)
		}
		if *step.dst, err = res.RowsAffected(); err != nil {
			return models.ResetCounts{}, fmt.Errorf("reset %s: %w", step.table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.ResetCounts{}, fmt.Errorf("commit reset: %w", err)
	}
	counts.Total = counts.EventsDeleted + counts.GameStatesDeleted + counts.SessionsDeleted
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		session   models.Session
		endTime   sql.NullInt64
		gameState sql.NullString
		createdAt int64
	)
	if err := row.Scan(&session.ID, &session.SessionID, &session.StartTime, &endTime, &gameState, &createdAt); err != nil {
		return nil, err
	}
	if endTime.Valid {
		end := endTime.Int64
		session.EndTime = &end
	}
	if gameState.Valid {
		session.GameState = json.RawMessage(gameState.String)
	}
	session.CreatedAt = fromMillis(createdAt)
	return &session, nil
}

func scanGameState(row scanner) (*models.GameStateEntry, error) {
	var (
		entry     models.GameStateEntry
		gameState string
		createdAt int64
	)
	if err := row.Scan(&entry.ID, &entry.SessionID, &gameState, &entry.PlayTime, &entry.Timestamp, &createdAt); err != nil {
		return nil, err
	}
	entry.GameState = json.RawMessage(gameState)
	entry.CreatedAt = fromMillis(createdAt)
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
