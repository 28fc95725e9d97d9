package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-narrator/internal/eventbus"
	"github.com/portfolio-narrator/internal/gamestate"
	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/pkg/logger"
)

type fakePoster struct {
	mu       sync.Mutex
	requests []models.EventRequest
	respond  func(models.EventRequest) (*models.EventResponse, error)
}

func (p *fakePoster) PostEvent(ctx context.Context, req models.EventRequest) (*models.EventResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		return respond(req)
	}
	return &models.EventResponse{Success: true, ID: 1, SessionID: req.SessionID}, nil
}

func (p *fakePoster) sent() []models.EventRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

type loggerFixture struct {
	bus      *eventbus.Bus
	holder   *gamestate.Holder
	poster   *fakePoster
	sessions *MemorySessionStore
	logger   *EventLogger
}

func newLoggerFixture(t *testing.T, queueSize int) *loggerFixture {
	t.Helper()
	f := &loggerFixture{
		bus:      eventbus.New(),
		holder:   gamestate.NewHolder(gamestate.Initial()),
		poster:   &fakePoster{},
		sessions: &MemorySessionStore{},
	}
	f.logger = NewEventLogger(f.bus, f.poster, f.sessions, f.holder, logger.Nop(), queueSize)
	f.logger.Init()
	t.Cleanup(f.logger.Close)
	return f
}

func (f *loggerFixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.logger.Flush(ctx))
}

func TestEventLogger_OnlyEventsWithListeners(t *testing.T) {
	f := newLoggerFixture(t, 0)
	f.bus.On(models.EventUserClick, func(*eventbus.Event) {}, 0)

	f.bus.Emit("NOISE", nil)
	f.bus.Emit(models.EventUserClick, map[string]any{"id": "cta"})
	f.flush(t)

	sent := f.poster.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventUserClick, sent[0].Event)
	assert.JSONEq(t, `{"id":"cta"}`, string(sent[0].Payload))
	assert.NotZero(t, sent[0].Ts)
}

func TestEventLogger_CapturesStateAfterListeners(t *testing.T) {
	f := newLoggerFixture(t, 0)
	f.bus.On(models.EventUserNavigate, func(*eventbus.Event) {
		f.holder.Update(func(s *gamestate.State) {
			s.GamePlayTime = 42
			s.CurrentScene = "ABOUT"
		})
	}, 0)

	f.bus.Emit(models.EventUserNavigate, map[string]any{"path": "/about"})
	f.flush(t)

	sent := f.poster.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(42), sent[0].GamePlayTime)

	var posted gamestate.State
	require.NoError(t, json.Unmarshal(sent[0].GameState, &posted))
	assert.Equal(t, "ABOUT", posted.CurrentScene)
	assert.Equal(t, int64(42), posted.GamePlayTime)
}

func TestEventLogger_InitIdempotent(t *testing.T) {
	f := newLoggerFixture(t, 0)
	f.logger.Init()
	f.logger.Init()
	f.bus.On("E", func(*eventbus.Event) {}, 0)

	f.bus.Emit("E", nil)
	f.flush(t)

	assert.Len(t, f.poster.sent(), 1)
}

func TestEventLogger_AdoptsNewSession(t *testing.T) {
	f := newLoggerFixture(t, 0)
	f.poster.respond = func(req models.EventRequest) (*models.EventResponse, error) {
		if req.Event == models.EventGameStart {
			return &models.EventResponse{Success: true, SessionID: "session_new"}, nil
		}
		return &models.EventResponse{Success: true, SessionID: req.SessionID}, nil
	}
	require.NoError(t, f.sessions.Save("session_old"))
	f.bus.On(models.EventGameStart, func(*eventbus.Event) {}, 0)
	f.bus.On(models.EventUserClick, func(*eventbus.Event) {}, 0)

	f.bus.Emit(models.EventGameStart, nil)
	f.bus.Emit(models.EventUserClick, nil)
	f.flush(t)

	sent := f.poster.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "session_old", sent[0].SessionID)
	assert.Equal(t, "session_new", sent[1].SessionID, "session id is read when sending")
	assert.Equal(t, "session_new", f.sessions.Load())
}

func TestEventLogger_Conflict(t *testing.T) {
	f := newLoggerFixture(t, 0)
	f.poster.respond = func(models.EventRequest) (*models.EventResponse, error) {
		return nil, &ConflictError{Message: "stale", GameState: json.RawMessage(`{"gamePlayTime":100}`), SessionID: "s"}
	}

	got := make(chan *ConflictError, 1)
	f.logger.OnConflict(func(c *ConflictError) { got <- c })
	f.bus.On("E", func(*eventbus.Event) {}, 0)

	f.bus.Emit("E", nil)
	f.flush(t)

	select {
	case c := <-got:
		assert.JSONEq(t, `{"gamePlayTime":100}`, string(c.GameState))
	default:
		t.Fatal("conflict handler not called")
	}
}

func TestEventLogger_FailuresAreDropped(t *testing.T) {
	f := newLoggerFixture(t, 0)
	f.poster.respond = func(models.EventRequest) (*models.EventResponse, error) {
		return nil, errors.New("connection refused")
	}
	f.bus.On("E", func(*eventbus.Event) {}, 0)

	assert.NotPanics(t, func() {
		f.bus.Emit("E", nil)
		f.bus.Emit("E", nil)
	})
	f.flush(t)

	assert.Len(t, f.poster.sent(), 2, "no retries")
	assert.Empty(t, f.sessions.Load())
}

func TestEventLogger_DisabledAndCancelled(t *testing.T) {
	f := newLoggerFixture(t, 0)
	f.bus.On("E", func(e *eventbus.Event) {}, 0)
	f.bus.On("C", func(e *eventbus.Event) { e.Cancelled = true }, 0)

	f.logger.SetEnabled(false)
	assert.False(t, f.logger.Enabled())
	f.bus.Emit("E", nil)

	f.logger.SetEnabled(true)
	f.bus.Emit("C", nil)
	f.bus.Emit("E", nil)
	f.flush(t)

	sent := f.poster.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "E", sent[0].Event)
}

func TestEventLogger_QueueFullDrops(t *testing.T) {
	f := newLoggerFixture(t, 1)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	f.poster.respond = func(models.EventRequest) (*models.EventResponse, error) {
		started <- struct{}{}
		<-release
		return &models.EventResponse{Success: true}, nil
	}
	f.bus.On("E", func(*eventbus.Event) {}, 0)

	f.bus.Emit("E", map[string]any{"n": 1})
	<-started
	f.bus.Emit("E", map[string]any{"n": 2})
	f.bus.Emit("E", map[string]any{"n": 3})
	close(release)
	f.flush(t)

	sent := f.poster.sent()
	require.Len(t, sent, 2)
	assert.JSONEq(t, `{"n":1}`, string(sent[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(sent[1].Payload))
}

func TestEventLogger_FlushHonoursContext(t *testing.T) {
	f := newLoggerFixture(t, 0)
	release := make(chan struct{})
	f.poster.respond = func(models.EventRequest) (*models.EventResponse, error) {
		<-release
		return &models.EventResponse{Success: true}, nil
	}
	f.bus.On("E", func(*eventbus.Event) {}, 0)
	f.bus.Emit("E", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.logger.Flush(ctx), context.DeadlineExceeded)

	close(release)
	f.flush(t)
}

func TestEventLogger_CloseDrains(t *testing.T) {
	bus := eventbus.New()
	poster := &fakePoster{}
	l := NewEventLogger(bus, poster, &MemorySessionStore{}, gamestate.NewHolder(gamestate.Initial()), logger.Nop(), 8)
	l.Init()
	bus.On("E", func(*eventbus.Event) {}, 0)

	for i := 0; i < 5; i++ {
		bus.Emit("E", nil)
	}
	l.Close()
	assert.Len(t, poster.sent(), 5)

	bus.Emit("E", nil)
	l.Close()
	assert.Len(t, poster.sent(), 5)
}
