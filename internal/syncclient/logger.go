package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/portfolio-narrator/internal/eventbus"
	"github.com/portfolio-narrator/internal/gamestate"
	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/pkg/logger"
)

// DefaultQueueSize bounds the number of events waiting to be posted
const DefaultQueueSize = 64

// EventPoster sends one event to the server
type EventPoster interface {
	PostEvent(ctx context.Context, event models.EventRequest) (*models.EventResponse, error)
}

// ConflictHandler receives server corrections
type ConflictHandler func(conflict *ConflictError)

// EventLogger is a bus middleware that posts every event somebody listens
// to, together with the game state its listeners produced. Posting happens
// on a single background worker in emit order; failures are logged and
// dropped.
type EventLogger struct {
	bus      *eventbus.Bus
	poster   EventPoster
	sessions SessionStore
	state    gamestate.Reader
	logger   *logger.Logger

	enabled     atomic.Bool
	initialized atomic.Bool

	handlerMu  sync.RWMutex
	onConflict ConflictHandler

	mu      sync.Mutex
	queue   chan models.EventRequest
	pending int
	idle    chan struct{}
	closed  bool
	done    chan struct{}
}

// NewEventLogger creates a logger and starts its worker. Close stops it.
func NewEventLogger(
	bus *eventbus.Bus,
	poster EventPoster,
	sessions SessionStore,
	state gamestate.Reader,
	log *logger.Logger,
	queueSize int,
) *EventLogger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	idle := make(chan struct{})
	close(idle)

	l := &EventLogger{
		bus:      bus,
		poster:   poster,
		sessions: sessions,
		state:    state,
		logger:   log,
		queue:    make(chan models.EventRequest, queueSize),
		idle:     idle,
		done:     make(chan struct{}),
	}
	l.enabled.Store(true)

	go l.worker()
	return l
}

// Init installs the middleware; later calls do nothing
func (l *EventLogger) Init() {
	if !l.initialized.CompareAndSwap(false, true) {
		return
	}
	l.bus.Use(l.middleware)
}

// SetEnabled turns posting on or off
func (l *EventLogger) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Enabled reports whether posting is on
func (l *EventLogger) Enabled() bool {
	return l.enabled.Load()
}

// OnConflict sets the function told about 409 responses
func (l *EventLogger) OnConflict(fn ConflictHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.onConflict = fn
}

// Flush waits until every queued event has been posted
func (l *EventLogger) Flush(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close posts what is queued and stops the worker
func (l *EventLogger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
}

// middleware lets listeners run first so the state it captures includes
// their changes
func (l *EventLogger) middleware(e *eventbus.Event, next func()) {
	next()

	if e.Cancelled || !l.enabled.Load() || !l.bus.HasListeners(e.Name) {
		return
	}
	if l.state == nil {
		l.logger.Warn("Event logger has no game state, skipping", logger.F("event", e.Name))
		return
	}

	state := l.state.Get()
	snapshot, err := json.Marshal(state)
	if err != nil {
		l.logger.Error("Failed to encode game state", logger.Err(err), logger.F("event", e.Name))
		return
	}

	req := models.EventRequest{
		Event:        e.Name,
		Ts:           e.Timestamp.UnixMilli(),
		GamePlayTime: state.GamePlayTime,
		GameState:    snapshot,
	}
	if e.Payload != nil {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			l.logger.Error("Failed to encode event payload", logger.Err(err), logger.F("event", e.Name))
			return
		}
		req.Payload = payload
	}

	l.enqueue(req)
}

func (l *EventLogger) enqueue(req models.EventRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if l.pending == 0 {
		l.idle = make(chan struct{})
	}
	l.pending++

	select {
	case l.queue <- req:
	default:
		l.finishLocked()
		l.logger.Warn("Event queue full, dropping event", logger.F("event", req.Event))
	}
}

func (l *EventLogger) finishLocked() {
	l.pending--
	if l.pending == 0 {
		close(l.idle)
	}
}

func (l *EventLogger) worker() {
	defer close(l.done)

	for req := range l.queue {
		l.send(req)

		l.mu.Lock()
		l.finishLocked()
		l.mu.Unlock()
	}
}

// send reads the session id now, not at emit time, so events queued behind
// a GAME_START use the session it created
func (l *EventLogger) send(req models.EventRequest) {
	req.SessionID = l.sessions.Load()

	resp, err := l.poster.PostEvent(context.Background(), req)

	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		l.logger.Warn("Server rejected stale game state",
			logger.F("event", req.Event),
			logger.F("session_id", conflict.SessionID),
			logger.F("play_time", strconv.FormatInt(req.GamePlayTime, 10)))

		l.handlerMu.RLock()
		fn := l.onConflict
		l.handlerMu.RUnlock()
		if fn != nil {
			fn(conflict)
		}
	case err != nil:
		l.logger.Error("Failed to log event", logger.Err(err), logger.F("event", req.Event))
	case resp != nil && resp.SessionID != "" && resp.SessionID != req.SessionID:
		if err := l.sessions.Save(resp.SessionID); err != nil {
			l.logger.Error("Failed to save session id", logger.Err(err))
			return
		}
		l.logger.Info("Session changed", logger.F("session_id", resp.SessionID))
	}
}
