// Package storagetest holds the behavior every storage.Store backend must share.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/internal/storage"
)

// Factory returns an empty store for one subtest
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"SessionLifecycle", testSessionLifecycle},
		{"DuplicateSession", testDuplicateSession},
		{"ActiveSessionMostRecent", testActiveSessionMostRecent},
		{"ListSessions", testListSessions},
		{"GameStateHistory", testGameStateHistory},
		{"MaxPlayTimeTieBreak", testMaxPlayTimeTieBreak},
		{"EventFilters", testEventFilters},
		{"CountAndDeleteEvents", testCountAndDeleteEvents},
		{"Reset", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func createSession(t *testing.T, s storage.Store, id string, start int64) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), &models.Session{
		SessionID: id,
		StartTime: start,
		GameState: models.InitialSnapshot(start),
	}))
}

func insertState(t *testing.T, s storage.Store, sessionID string, playTime int64) int64 {
	t.Helper()
	snapshot := json.RawMessage(fmt.Sprintf(`{"gamePlayTime":%d}`, playTime))
	id, err := s.InsertGameState(context.Background(), &models.GameStateEntry{
		SessionID: sessionID,
		GameState: snapshot,
		PlayTime:  playTime,
		Timestamp: 1000 + playTime,
	})
	require.NoError(t, err)
	return id
}

func insertEvent(t *testing.T, s storage.Store, name string, sessionID *string, ts int64) int64 {
	t.Helper()
	id, err := s.InsertEvent(context.Background(), &models.EventRecord{
		SessionID: sessionID,
		Event:     name,
		Payload:   json.RawMessage(`{"k":"v"}`),
		Ts:        ts,
	})
	require.NoError(t, err)
	return id
}

func testSessionLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	createSession(t, s, "session_a", 100)

	got, err := s.GetSession(ctx, "session_a")
	require.NoError(t, err)
	assert.Equal(t, "session_a", got.SessionID)
	assert.Equal(t, int64(100), got.StartTime)
	assert.True(t, got.Active())
	assert.NotZero(t, got.ID)
	assert.JSONEq(t, string(models.InitialSnapshot(100)), string(got.GameState))

	require.NoError(t, s.UpdateSessionGameState(ctx, "session_a", json.RawMessage(`{"gamePlayTime":7}`)))
	got, err = s.GetSession(ctx, "session_a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gamePlayTime":7}`, string(got.GameState))

	ended, err := s.EndSession(ctx, "session_a", 500)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = s.EndSession(ctx, "session_a", 600)
	require.NoError(t, err)
	assert.False(t, ended, "ending twice must report false")

	got, err = s.GetSession(ctx, "session_a")
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, int64(500), *got.EndTime)

	_, err = s.ActiveSession(ctx)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	ended, err = s.EndSession(ctx, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ended)

	err = s.UpdateSessionGameState(ctx, "missing", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func testDuplicateSession(t *testing.T, s storage.Store) {
	createSession(t, s, "session_dup", 1)
	err := s.CreateSession(context.Background(), &models.Session{SessionID: "session_dup", StartTime: 2})
	assert.ErrorIs(t, err, storage.ErrSessionExists)
}

func testActiveSessionMostRecent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	createSession(t, s, "old", 100)
	createSession(t, s, "new", 200)
	createSession(t, s, "older", 50)

	active, err := s.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", active.SessionID)

	_, err = s.EndSession(ctx, "new", 300)
	require.NoError(t, err)

	active, err = s.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", active.SessionID)
}

func testListSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		createSession(t, s, fmt.Sprintf("s%d", i), int64(i*10))
	}

	all, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "s5", all[0].SessionID)
	assert.Equal(t, "s1", all[4].SessionID)

	limited, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "s4", limited[1].SessionID)
}

func testGameStateHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	createSession(t, s, "hist", 1)

	_, err := s.LatestGameState(ctx, "hist")
	assert.ErrorIs(t, err, storage.ErrGameStateNotFound)
	_, err = s.MaxPlayTimeGameState(ctx, "hist")
	assert.ErrorIs(t, err, storage.ErrGameStateNotFound)

	insertState(t, s, "hist", 10)
	insertState(t, s, "hist", 100)
	lastID := insertState(t, s, "hist", 40)

	latest, err := s.LatestGameState(ctx, "hist")
	require.NoError(t, err)
	assert.Equal(t, lastID, latest.ID)
	assert.Equal(t, int64(40), latest.PlayTime)

	best, err := s.MaxPlayTimeGameState(ctx, "hist")
	require.NoError(t, err)
	assert.Equal(t, int64(100), best.PlayTime)
	assert.Equal(t, int64(100), models.PlayTimeOf(best.GameState))

	history, err := s.ListGameStates(ctx, "hist", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(40), history[0].PlayTime)
	assert.Equal(t, int64(100), history[1].PlayTime)

	session, err := s.GetSession(ctx, "hist")
	require.NoError(t, err)
	assert.Equal(t, int64(40), models.PlayTimeOf(session.GameState), "session snapshot follows the latest insert")

	empty, err := s.ListGameStates(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testMaxPlayTimeTieBreak(t *testing.T, s storage.Store) {
	createSession(t, s, "tie", 1)
	insertState(t, s, "tie", 50)
	second := insertState(t, s, "tie", 50)

	best, err := s.MaxPlayTimeGameState(context.Background(), "tie")
	require.NoError(t, err)
	assert.Equal(t, second, best.ID)
}

func testEventFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := "sa", "sb"
	insertEvent(t, s, models.EventUserClick, &a, 100)
	insertEvent(t, s, models.EventUserClick, &b, 200)
	insertEvent(t, s, models.EventUserNavigate, &a, 300)
	insertEvent(t, s, models.EventUserNavigate, nil, 400)

	all, err := s.ListEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(400), all[0].Ts)
	assert.Nil(t, all[0].SessionID)
	assert.JSONEq(t, `{"k":"v"}`, string(all[0].Payload))

	byName, err := s.ListEvents(ctx, storage.EventFilter{EventName: models.EventUserClick})
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	bySession, err := s.ListEvents(ctx, storage.EventFilter{SessionID: a})
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	assert.Equal(t, a, *bySession[0].SessionID)

	window, err := s.ListEvents(ctx, storage.EventFilter{StartTime: 150, EndTime: 300})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, int64(300), window[0].Ts)
	assert.Equal(t, int64(200), window[1].Ts)

	limited, err := s.ListEvents(ctx, storage.EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testCountAndDeleteEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	insertEvent(t, s, models.EventGameStart, nil, 1)
	insertEvent(t, s, models.EventGameStart, nil, 2)
	insertEvent(t, s, models.EventUserClick, nil, 3)

	n, err := s.CountEvents(ctx, models.EventGameStart)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountEvents(ctx, models.EventClippyAppear)
	require.NoError(t, err)
	assert.Zero(t, n)

	deleted, err := s.DeleteEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	remaining, err := s.ListEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func testReset(t *testing.T, s storage.Store) {
	ctx := context.Background()
	createSession(t, s, "r1", 1)
	createSession(t, s, "r2", 2)
	insertState(t, s, "r1", 5)
	insertState(t, s, "r1", 6)
	insertState(t, s, "r2", 1)
	sid := "r1"
	insertEvent(t, s, models.EventUserClick, &sid, 1)

	counts, err := s.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ResetCounts{
		EventsDeleted:     1,
		GameStatesDeleted: 3,
		SessionsDeleted:   2,
		Total:             6,
	}, counts)

	_, err = s.GetSession(ctx, "r1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	_, err = s.LatestGameState(ctx, "r1")
	assert.ErrorIs(t, err, storage.ErrGameStateNotFound)
	events, err := s.ListEvents(ctx, storage.EventFilter{SessionID: sid})
	require.NoError(t, err)
	assert.Empty(t, events)
	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
