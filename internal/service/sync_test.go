package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/internal/storage"
	"github.com/portfolio-narrator/pkg/logger"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []models.EventRecord
}

func (o *recordingObserver) ObserveEvent(event models.EventRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *recordingObserver) names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Event)
	}
	return out
}

func newTestService(t *testing.T) (*SyncService, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	svc := NewSyncService(store, logger.Nop())
	var clock atomic.Int64
	clock.Store(1_700_000_000_000)
	svc.now = func() time.Time {
		return time.UnixMilli(clock.Add(1))
	}
	return svc, store
}

func startGame(t *testing.T, svc *SyncService) string {
	t.Helper()
	resp, err := svc.RecordEvent(context.Background(), models.EventRequest{Event: models.EventGameStart})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func snapshotWith(playTime int64, scene string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"currentScene":%q,"gamePlayTime":%d,"achievements":["game_start"]}`, scene, playTime))
}

func TestSyncService_GameStart(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	resp, err := svc.RecordEvent(ctx, models.EventRequest{Event: models.EventGameStart, Ts: 1234})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Regexp(t, `^session_[0-9a-f-]{36}$`, resp.SessionID)
	assert.JSONEq(t, `{"currentScene":"HOME","gamePlayTime":0,"startDate":1234,"achievements":[]}`, string(resp.GameState))

	session, err := store.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.True(t, session.Active())

	history, err := store.ListGameStates(ctx, resp.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(0), history[0].PlayTime)

	events, err := store.ListEvents(ctx, storage.EventFilter{SessionID: resp.SessionID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, resp.ID, events[0].ID)
}

func TestSyncService_GameStartIsolation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first := startGame(t, svc)
	second := startGame(t, svc)
	assert.NotEqual(t, first, second)

	firstSession, err := store.GetSession(ctx, first)
	require.NoError(t, err)
	assert.True(t, firstSession.Active(), "older session stays unterminated")

	active, err := svc.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, active.SessionID)
}

func TestSyncService_ConflictRoundTrip(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sid := startGame(t, svc)

	_, err := svc.RecordEvent(ctx, models.EventRequest{
		Event: models.EventUserNavigate, SessionID: sid, GamePlayTime: 100, GameState: snapshotWith(100, "ABOUT"),
	})
	require.NoError(t, err)

	resp, err := svc.RecordEvent(ctx, models.EventRequest{
		Event: models.EventUserClick, SessionID: sid, GamePlayTime: 50, GameState: snapshotWith(50, "HOME"),
		Payload: json.RawMessage(`{"target":"logo"}`),
	})
	assert.Nil(t, resp)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, sid, conflict.SessionID)
	assert.Equal(t, int64(100), models.PlayTimeOf(conflict.Snapshot))
	assert.NotZero(t, conflict.EventID)

	events, err := store.ListEvents(ctx, storage.EventFilter{EventName: models.EventUserClick})
	require.NoError(t, err)
	require.Len(t, events, 1, "rejected event is still logged")
	assert.Equal(t, conflict.EventID, events[0].ID)
	assert.JSONEq(t, `{"target":"logo"}`, string(events[0].Payload))

	latest, err := svc.LatestGameState(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(100), latest.PlayTime, "stale state is not stored")
}

func TestSyncService_AcceptsMonotonicUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := startGame(t, svc)

	for _, pt := range []int64{100, 150} {
		_, err := svc.RecordEvent(ctx, models.EventRequest{
			Event: models.EventUserClick, SessionID: sid, GamePlayTime: pt, GameState: snapshotWith(pt, "ABOUT"),
		})
		require.NoError(t, err)
	}

	latest, err := svc.LatestGameState(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(150), latest.PlayTime)
	assert.Equal(t, int64(150), models.PlayTimeOf(latest.GameState))
}

func TestSyncService_EqualPlayTimeIsAccepted(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := startGame(t, svc)

	for i := 0; i < 2; i++ {
		_, err := svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserClick, SessionID: sid, GamePlayTime: 10})
		require.NoError(t, err)
	}
}

func TestSyncService_ForcesPlayTimeIntoSnapshot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := startGame(t, svc)

	_, err := svc.RecordEvent(ctx, models.EventRequest{
		Event: models.EventUserClick, SessionID: sid, GamePlayTime: 42, GameState: snapshotWith(7, "ABOUT"),
	})
	require.NoError(t, err)

	state, err := svc.GetGameState(ctx, sid)
	require.NoError(t, err)
	assert.JSONEq(t, `{"currentScene":"ABOUT","gamePlayTime":42,"achievements":["game_start"]}`, string(state))
}

func TestSyncService_MergesIntoLatestWithoutSnapshot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := startGame(t, svc)

	_, err := svc.RecordEvent(ctx, models.EventRequest{
		Event: models.EventUserNavigate, SessionID: sid, GamePlayTime: 5, GameState: snapshotWith(5, "PROJECTS"),
	})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserClick, SessionID: sid, GamePlayTime: 9})
	require.NoError(t, err)

	state, err := svc.GetGameState(ctx, sid)
	require.NoError(t, err)
	assert.JSONEq(t, string(snapshotWith(9, "PROJECTS")), string(state))
}

func TestSyncService_InitialSnapshotWhenNoHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserClick, SessionID: sid, GamePlayTime: 3})
	require.NoError(t, err)

	state, err := svc.GetGameState(ctx, sid)
	require.NoError(t, err)
	assert.JSONEq(t, `{"currentScene":"HOME","gamePlayTime":3,"startDate":null,"achievements":[]}`, string(state))
}

func TestSyncService_ResolvesActiveSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := startGame(t, svc)

	resp, err := svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserClick, GamePlayTime: 1})
	require.NoError(t, err)
	assert.Equal(t, sid, resp.SessionID)
}

func TestSyncService_RecordEventErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     models.EventRequest
		wantErr error
	}{
		{"missing name", models.EventRequest{}, ErrInvalidRequest},
		{"array game state", models.EventRequest{Event: models.EventUserClick, GameState: json.RawMessage(`[1]`)}, ErrInvalidRequest},
		{"negative play time", models.EventRequest{Event: models.EventUserClick, GamePlayTime: -1}, ErrInvalidRequest},
		{"no active session", models.EventRequest{Event: models.EventUserClick}, storage.ErrSessionNotFound},
		{"unknown session", models.EventRequest{Event: models.EventUserClick, SessionID: "nope"}, storage.ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RecordEvent(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSyncService_LegacyAliases(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sid := startGame(t, svc)

	_, err := svc.RecordEvent(ctx, models.EventRequest{Name: models.EventUserClick, Timestamp: 777, SessionID: sid})
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, storage.EventFilter{EventName: models.EventUserClick})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(777), events[0].Ts)
}

func TestSyncService_ObserversSeeEveryLoggedEvent(t *testing.T) {
	svc, _ := newTestService(t)
	obs := &recordingObserver{}
	svc.AddObserver(obs)
	ctx := context.Background()

	sid := startGame(t, svc)
	_, err := svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserNavigate, SessionID: sid, GamePlayTime: 10})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserClick, SessionID: sid, GamePlayTime: 1})
	require.Error(t, err)

	assert.Equal(t, []string{models.EventGameStart, models.EventUserNavigate, models.EventUserClick}, obs.names())
}

func TestSyncService_GetGameState(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	state, err := svc.GetGameState(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, state, "no session yet")

	state, err = svc.GetGameState(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, state)

	// a session without history falls back to the session's own copy
	require.NoError(t, store.CreateSession(ctx, &models.Session{
		SessionID: "legacy", StartTime: 1, GameState: json.RawMessage(`{"gamePlayTime":8}`),
	}))
	state, err = svc.GetGameState(ctx, "legacy")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gamePlayTime":8}`, string(state))

	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	state, err = svc.GetGameState(ctx, sid)
	require.NoError(t, err)
	assert.Nil(t, state, "fresh empty session has nothing stored")
}

func TestSyncService_SaveGameState(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// no session: accepted and dropped
	require.NoError(t, svc.SaveGameState(ctx, json.RawMessage(`{"gamePlayTime":1}`)))

	sid := startGame(t, svc)
	body := json.RawMessage(fmt.Sprintf(`{"sessionId":%q,"gamePlayTime":30,"currentScene":"CONTACT"}`, sid))
	require.NoError(t, svc.SaveGameState(ctx, body))

	latest, err := store.LatestGameState(ctx, sid)
	require.NoError(t, err)
	assert.JSONEq(t, `{"gamePlayTime":30,"currentScene":"CONTACT"}`, string(latest.GameState))
	assert.Equal(t, int64(30), latest.PlayTime)

	session, err := store.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.JSONEq(t, `{"gamePlayTime":30,"currentScene":"CONTACT"}`, string(session.GameState))

	err = svc.SaveGameState(ctx, json.RawMessage(`"text"`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSyncService_SessionsAndStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sid := startGame(t, svc)
	_, err := svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserClick, SessionID: sid, GamePlayTime: 1})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, models.EventRequest{Event: "CUSTOM", SessionID: sid, GamePlayTime: 2})
	require.NoError(t, err)

	stats, err := svc.EventStats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats, len(models.KnownEvents))
	assert.Equal(t, int64(1), stats[models.EventGameStart])
	assert.Equal(t, int64(1), stats[models.EventUserClick])
	assert.Zero(t, stats[models.EventClippyInterrupt])
	_, custom := stats["CUSTOM"]
	assert.False(t, custom)

	ended, err := svc.EndSession(ctx, sid)
	require.NoError(t, err)
	assert.True(t, ended)
	active, err := svc.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	deleted, err := svc.DeleteEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestSyncService_Reset(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sid := startGame(t, svc)
	_, err := svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserClick, SessionID: sid, GamePlayTime: 1})
	require.NoError(t, err)

	counts, err := svc.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ResetCounts{EventsDeleted: 2, GameStatesDeleted: 2, SessionsDeleted: 1, Total: 5}, counts)

	state, err := svc.GetGameState(ctx, sid)
	require.NoError(t, err)
	assert.Nil(t, state)
	_, err = svc.LatestGameState(ctx, sid)
	assert.ErrorIs(t, err, storage.ErrGameStateNotFound)
}

// Concurrent writers to one session must never store a play time lower than
// one already stored.
func TestSyncService_ConcurrentWritesStayMonotonic(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	sid := startGame(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(pt int64) {
			defer wg.Done()
			_, _ = svc.RecordEvent(ctx, models.EventRequest{Event: models.EventUserClick, SessionID: sid, GamePlayTime: pt})
		}(int64(rand.Intn(100)))
	}
	wg.Wait()

	history, err := store.ListGameStates(ctx, sid, 1000)
	require.NoError(t, err)
	// history is newest first
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i-1].PlayTime, history[i].PlayTime)
	}

	events, err := store.ListEvents(ctx, storage.EventFilter{EventName: models.EventUserClick, Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, events, 40, "accepted or not, every event is logged")
	assert.Zero(t, svc.locks.size())
}
