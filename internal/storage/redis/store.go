// Package redis implements storage.Store on Redis.
//
// Layout (all keys under a configurable prefix):
//
//	<p>:session:<sid>      JSON session
//	<p>:sessions           ZSET sid scored by start time
//	<p>:sessions:active    ZSET of sessions without end time
//	<p>:gamestates:<sid>   LIST of JSON history entries, oldest first
//	<p>:gamestates         SET of sids that have history
//	<p>:events             LIST of JSON event records, oldest first
//	<p>:seq:<kind>         INCR id counters
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/portfolio-narrator/internal/config"
	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/internal/storage"
)

const maxTxRetries = 5

// Store implements storage.Store using Redis
type Store struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "portfolio"
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionKey(sid string) string { return s.prefix + ":session:" + sid }
func (s *Store) sessionsKey() string { return s.prefix + ":sessions" }
func (s *Store) activeKey() string { return s.prefix + ":sessions:active" }
func (s *Store) gameStatesKey(sid string) string { return s.prefix + ":gamestates:" + sid }
func (s *Store) historyIndexKey() string { return s.prefix + ":gamestates" }
func (s *Store) eventsKey() string { return s.prefix + ":events" }
func (s *Store) seqKey(kind string) string { return s.prefix + ":seq:" + kind }

// gameStateRecord persists the play time the model keeps out of JSON
type gameStateRecord struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	GameState json.RawMessage `json:"gameState"`
	PlayTime  int64           `json:"playTime"`
	Timestamp int64           `json:"timestamp"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CreateSession stores a session, failing if the id is taken
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	id, err := s.client.Incr(ctx, s.seqKey("session")).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate session id: %w", err)
	}
	stored := *session
	stored.ID = id
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(session.SessionID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return storage.ErrSessionExists
	}

	member := goredis.Z{Score: float64(session.StartTime), Member: session.SessionID}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, s.sessionsKey(), member)
		if stored.Active() {
			pipe.ZAdd(ctx, s.activeKey(), member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}

	session.ID = stored.ID
	session.CreatedAt = stored.CreatedAt
	return nil
}

// GetSession retrieves a session by id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return getSession(ctx, s.client, s.sessionKey(sessionID))
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func getSession(ctx context.Context, c getter, key string) (*models.Session, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// ActiveSession returns the highest-scored member of the active set
func (s *Store) ActiveSession(ctx context.Context) (*models.Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.activeKey(), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, storage.ErrSessionNotFound
	}
	return s.GetSession(ctx, ids[0])
}

// EndSession sets the end time of an active session
func (s *Store) EndSession(ctx context.Context, sessionID string, endTime int64) (bool, error) {
	ended := false
	err := s.updateSession(ctx, sessionID, func(session *models.Session, pipe goredis.Pipeliner) bool {
		if !session.Active() {
			return false
		}
		session.EndTime = &endTime
		pipe.ZRem(ctx, s.activeKey(), sessionID)
		ended = true
		return true
	})
	if errors.Is(err, storage.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ended, nil
}

// UpdateSessionGameState overwrites the denormalized snapshot
func (s *Store) UpdateSessionGameState(ctx context.Context, sessionID string, snapshot json.RawMessage) error {
	return s.updateSession(ctx, sessionID, func(session *models.Session, _ goredis.Pipeliner) bool {
		session.GameState = snapshot
		return true
	})
}

// updateSession runs an optimistic read-modify-write on one session key.
// mutate returns false to skip the write.
func (s *Store) updateSession(ctx context.Context, sessionID string, mutate func(*models.Session, goredis.Pipeliner) bool) error {
	key := s.sessionKey(sessionID)
	txf := func(tx *goredis.Tx) error {
		session, err := getSession(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if !mutate(session, pipe) {
				return nil
			}
			data, err := json.Marshal(session)
			if err != nil {
				return fmt.Errorf("failed to marshal session: %w", err)
			}
			pipe.Set(ctx, key, data, goredis.KeepTTL)
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, key)
}

// ListSessions lists sessions newest start first
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	limit = storage.EffectiveLimit(limit)
	ids, err := s.client.ZRevRange(ctx, s.sessionsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if errors.Is(err, storage.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// InsertGameState appends a history entry and updates the session snapshot atomically
func (s *Store) InsertGameState(ctx context.Context, entry *models.GameStateEntry) (int64, error) {
	id, err := s.client.Incr(ctx, s.seqKey("gamestate")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate game state id: %w", err)
	}
	record := gameStateRecord{
		ID:        id,
		SessionID: entry.SessionID,
		GameState: entry.GameState,
		PlayTime:  entry.PlayTime,
		Timestamp: entry.Timestamp,
		CreatedAt: entry.CreatedAt,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal game state: %w", err)
	}

	key := s.sessionKey(entry.SessionID)
	txf := func(tx *goredis.Tx) error {
		session, err := getSession(ctx, tx, key)
		if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.RPush(ctx, s.gameStatesKey(entry.SessionID), data)
			pipe.SAdd(ctx, s.historyIndexKey(), entry.SessionID)
			if session != nil {
				session.GameState = entry.GameState
				sessionData, err := json.Marshal(session)
				if err != nil {
					return fmt.Errorf("failed to marshal session: %w", err)
				}
				pipe.Set(ctx, key, sessionData, goredis.KeepTTL)
			}
			return nil
		})
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return 0, fmt.Errorf("failed to insert game state: %w", err)
	}

	entry.ID = id
	entry.CreatedAt = record.CreatedAt
	return id, nil
}

func (s *Store) history(ctx context.Context, sessionID string, start, stop int64) ([]*models.GameStateEntry, error) {
	raw, err := s.client.LRange(ctx, s.gameStatesKey(sessionID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read game states: %w", err)
	}
	entries := make([]*models.GameStateEntry, 0, len(raw))
	for _, item := range raw {
		var record gameStateRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal game state: %w", err)
		}
		entries = append(entries, &models.GameStateEntry{
			ID:        record.ID,
			SessionID: record.SessionID,
			GameState: record.GameState,
			PlayTime:  record.PlayTime,
			Timestamp: record.Timestamp,
			CreatedAt: record.CreatedAt,
		})
	}
	return entries, nil
}

// LatestGameState returns the tail of the history list
func (s *Store) LatestGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error) {
	entries, err := s.history(ctx, sessionID, -1, -1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, storage.ErrGameStateNotFound
	}
	return entries[0], nil
}

// MaxPlayTimeGameState scans the whole history for the highest play time
func (s *Store) MaxPlayTimeGameState(ctx context.Context, sessionID string) (*models.GameStateEntry, error) {
	entries, err := s.history(ctx, sessionID, 0, -1)
	if err != nil {
		return nil, err
	}
	var best *models.GameStateEntry
	for _, entry := range entries {
		if best == nil || entry.PlayTime >= best.PlayTime {
			best = entry
		}
	}
	if best == nil {
		return nil, storage.ErrGameStateNotFound
	}
	return best, nil
}

// ListGameStates returns the newest entries first
func (s *Store) ListGameStates(ctx context.Context, sessionID string, limit int) ([]*models.GameStateEntry, error) {
	limit = storage.EffectiveLimit(limit)
	entries, err := s.history(ctx, sessionID, -int64(limit), -1)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// InsertEvent appends to the event list
func (s *Store) InsertEvent(ctx context.Context, event *models.EventRecord) (int64, error) {
	id, err := s.client.Incr(ctx, s.seqKey("event")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate event id: %w", err)
	}
	stored := *event
	stored.ID = id
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(), data).Err(); err != nil {
		return 0, fmt.Errorf("failed to store event: %w", err)
	}
	event.ID = id
	event.CreatedAt = stored.CreatedAt
	return id, nil
}

func (s *Store) allEvents(ctx context.Context) ([]*models.EventRecord, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	events := make([]*models.EventRecord, 0, len(raw))
	for _, item := range raw {
		var event models.EventRecord
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}

// ListEvents filters the event list in memory
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*models.EventRecord, error) {
	events, err := s.allEvents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.EventRecord, 0)
	for _, event := range events {
		if filter.Matches(event) {
			out = append(out, event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts > out[j].Ts
		}
		return out[i].ID > out[j].ID
	})
	if limit := storage.EffectiveLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountEvents counts events by name
func (s *Store) CountEvents(ctx context.Context, eventName string) (int64, error) {
	events, err := s.allEvents(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, event := range events {
		if event.Event == eventName {
			n++
		}
	}
	return n, nil
}

// DeleteEvents drops the event list
func (s *Store) DeleteEvents(ctx context.Context) (int64, error) {
	var n int64
	txf := func(tx *goredis.Tx) error {
		count, err := tx.LLen(ctx, s.eventsKey()).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, s.eventsKey())
			return nil
		})
		n = count
		return err
	}
	if err := s.watch(ctx, txf, s.eventsKey()); err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return n, nil
}

// Reset deletes every key of the three collections in one MULTI, retrying
// when a concurrent writer touches any key it counted.
func (s *Store) Reset(ctx context.Context) (models.ResetCounts, error) {
	var counts models.ResetCounts
	txf := func(tx *goredis.Tx) error {
		counts = models.ResetCounts{}

		sessionIDs, err := tx.ZRange(ctx, s.sessionsKey(), 0, -1).Result()
		if err != nil {
			return err
		}
		historyIDs, err := tx.SMembers(ctx, s.historyIndexKey()).Result()
		if err != nil {
			return err
		}
		perSession := s.sessionScopedKeys(sessionIDs, historyIDs)
		if len(perSession) > 0 {
			if err := tx.Watch(ctx, perSession...).Err(); err != nil {
				return err
			}
		}

		if counts.EventsDeleted, err = tx.LLen(ctx, s.eventsKey()).Result(); err != nil {
			return err
		}
		for _, sid := range historyIDs {
			n, err := tx.LLen(ctx, s.gameStatesKey(sid)).Result()
			if err != nil {
				return err
			}
			counts.GameStatesDeleted += n
		}
		counts.SessionsDeleted = int64(len(sessionIDs))

		keys := append(s.collectionKeys(), perSession...)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, s.collectionKeys()...); err != nil {
		return models.ResetCounts{}, fmt.Errorf("failed to reset store: %w", err)
	}
	counts.Total = counts.EventsDeleted + counts.GameStatesDeleted + counts.SessionsDeleted
	return counts, nil
}

// collectionKeys are the index keys shared by every session
func (s *Store) collectionKeys() []string {
	return []string{s.sessionsKey(), s.activeKey(), s.historyIndexKey(), s.eventsKey()}
}

// sessionScopedKeys lists the session and history keys of the given ids
func (s *Store) sessionScopedKeys(sessionIDs, historyIDs []string) []string {
	keys := make([]string, 0, len(sessionIDs)+len(historyIDs))
	for _, sid := range sessionIDs {
		keys = append(keys, s.sessionKey(sid))
	}
	for _, sid := range historyIDs {
		keys = append(keys, s.gameStatesKey(sid))
	}
	return keys
}

func (s *Store) watch(ctx context.Context, txf func(*goredis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return err
}
