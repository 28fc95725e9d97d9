// Package app wires the visitor-side services into one application context.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/portfolio-narrator/internal/achievement"
	"github.com/portfolio-narrator/internal/config"
	"github.com/portfolio-narrator/internal/eventbus"
	"github.com/portfolio-narrator/internal/gameloop"
	"github.com/portfolio-narrator/internal/gamestate"
	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/internal/narrator"
	"github.com/portfolio-narrator/internal/syncclient"
	"github.com/portfolio-narrator/internal/trigger"
	"github.com/portfolio-narrator/pkg/logger"
)

// GameStartAchievement is granted when a game starts
const GameStartAchievement = "game_start"

// Option customises an App
type Option func(*App)

// WithNavigator sets the function told to show a page
func WithNavigator(fn func(path string)) Option {
	return func(a *App) { a.navigate = fn }
}

// WithPlayer sets the narrator cue player
func WithPlayer(p narrator.Player) Option {
	return func(a *App) { a.player = p }
}

// WithSessionStore replaces the file-backed session store
func WithSessionStore(s syncclient.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// App owns every client service and the game state they share
type App struct {
	logger   *logger.Logger
	bus      *eventbus.Bus
	state    *gamestate.Holder
	engine   *trigger.Engine
	tracker  *achievement.Tracker
	loop     *gameloop.Loop
	client   *syncclient.Client
	sessions syncclient.SessionStore
	events   *syncclient.EventLogger
	narrator *narrator.Narrator
	player   narrator.Player
	navigate func(path string)
	now      func() time.Time

	mu          sync.Mutex
	started     bool
	stopped     bool
	listeners   map[string]eventbus.ListenerID
	unsubscribe func()
}

// New builds the application. Nothing runs until Start.
func New(cfg *config.ClientConfig, log *logger.Logger, opts ...Option) (*App, error) {
	script, err := narrator.Load(cfg.NarratorScript)
	if err != nil {
		return nil, err
	}

	a := &App{
		logger:    log,
		bus:       eventbus.New(),
		state:     gamestate.NewHolder(gamestate.Initial()),
		loop:      gameloop.New(cfg.TickInterval),
		client:    syncclient.NewClient(cfg.APIURL, cfg.HTTPTimeout),
		listeners: make(map[string]eventbus.ListenerID),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sessions == nil {
		a.sessions = syncclient.NewFileSessionStore(cfg.SessionFile)
	}
	if a.player == nil {
		a.player = narrator.NewLogPlayer(log.With(logger.F("component", "narrator")))
	}
	if a.navigate == nil {
		a.navigate = func(path string) { log.Info("Navigate", logger.F("path", path)) }
	}

	a.narrator, err = narrator.New(script, a.player, log)
	if err != nil {
		return nil, err
	}
	a.engine = trigger.NewEngine(a.bus, a.state, log)
	a.tracker = achievement.NewTracker(a.state, log)
	a.events = syncclient.NewEventLogger(a.bus, a.client, a.sessions, a.state, log, cfg.QueueSize)

	return a, nil
}

// Start loads the server state, wires listeners and rules and begins
// logging events. A second call does nothing.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.New("app stopped")
	}
	if a.started {
		return nil
	}

	// the clock is read when the update applies, so a tick that raced a
	// baseline sync writes the synced value rather than a stale one
	a.loop.SetUpdater(func(int64) {
		a.state.Update(func(s *gamestate.State) { s.GamePlayTime = a.loop.Status().GamePlayTimeBase })
	})
	a.unsubscribe = a.state.Subscribe(a.onStateChange)

	a.state.Replace(a.loadState(ctx))

	a.listeners[models.EventUserNavigate] = a.bus.On(models.EventUserNavigate, a.onNavigate, 0)
	a.listeners[models.EventUserClick] = a.bus.On(models.EventUserClick, a.onClick, 0)
	a.listeners[models.EventGameStart] = a.bus.On(models.EventGameStart, a.onGameStart, 0)

	if err := a.narrator.Install(a.engine, a.bus, a.state); err != nil {
		a.logger.Warn("Narrator rules not fully installed", logger.Err(err))
	}

	a.events.OnConflict(a.reconcile)
	a.events.Init()

	a.started = true
	a.logger.Info("App started", logger.F("session_id", a.sessions.Load()))
	return nil
}

// Reload replaces local state with the server's copy
func (a *App) Reload(ctx context.Context) {
	s := a.loadState(ctx)
	a.loop.SyncGamePlayTime(s.GamePlayTime)
	a.state.Replace(s)
}

// Stop halts the loop, posts queued events and detaches everything
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	for name, id := range a.listeners {
		a.bus.Off(name, id)
	}
	unsubscribe := a.unsubscribe
	a.mu.Unlock()

	a.loop.Stop()
	err := a.events.Flush(ctx)
	a.events.Close()
	a.engine.Close()
	if unsubscribe != nil {
		unsubscribe()
	}
	return err
}

// StartGame emits GAME_START
func (a *App) StartGame() { a.bus.Emit(models.EventGameStart, nil) }

// Navigate emits USER_NAVIGATE for path
func (a *App) Navigate(path string) {
	a.bus.Emit(models.EventUserNavigate, map[string]any{"path": path})
}

// Click emits USER_CLICK for the element id
func (a *App) Click(target string) {
	a.bus.Emit(models.EventUserClick, map[string]any{"id": target})
}

// TryExit emits USER_TRY_EXIT
func (a *App) TryExit() { a.bus.Emit(models.EventUserTryExit, nil) }

// Emit sends any event through the bus
func (a *App) Emit(name string, payload map[string]any) *eventbus.Event {
	return a.bus.Emit(name, payload)
}

// Flush waits for queued events to be posted
func (a *App) Flush(ctx context.Context) error { return a.events.Flush(ctx) }

// SetSyncEnabled turns event posting on or off
func (a *App) SetSyncEnabled(enabled bool) { a.events.SetEnabled(enabled) }

// State returns a copy of the current game state
func (a *App) State() gamestate.State { return a.state.Get() }

// SessionID returns the session events are posted for
func (a *App) SessionID() string { return a.sessions.Load() }

// LoopStatus describes the play-time clock
func (a *App) LoopStatus() gameloop.Status { return a.loop.Status() }

// Achievements returns the granted achievements
func (a *App) Achievements() []string { return a.tracker.Achievements() }

// loadState fetches the stored session's snapshot. Unknown sessions are
// forgotten; any failure falls back to the initial state.
func (a *App) loadState(ctx context.Context) gamestate.State {
	sessionID := a.sessions.Load()
	if sessionID == "" {
		return gamestate.Initial()
	}

	raw, err := a.client.GameState(ctx, sessionID)
	switch {
	case errors.Is(err, syncclient.ErrNotFound), err == nil && raw == nil:
		a.logger.Info("Stored session unknown to the server, starting over", logger.F("session_id", sessionID))
		a.forgetSession()
		return gamestate.Initial()
	case err != nil:
		a.logger.Warn("Failed to load game state", logger.Err(err), logger.F("session_id", sessionID))
		return gamestate.Initial()
	}

	s, err := gamestate.FromSnapshot(raw)
	if err != nil {
		a.logger.Warn("Server game state unreadable", logger.Err(err), logger.F("session_id", sessionID))
		return gamestate.Initial()
	}
	return s
}

func (a *App) forgetSession() {
	if err := a.sessions.Clear(); err != nil {
		a.logger.Error("Failed to clear session", logger.Err(err))
	}
}

// onStateChange runs the loop exactly while a game is started
func (a *App) onStateChange(c gamestate.Change) {
	switch {
	case c.New.GameStarted && !c.Old.GameStarted:
		a.loop.SyncGamePlayTime(c.New.GamePlayTime)
		a.loop.Start()
	case !c.New.GameStarted && c.Old.GameStarted:
		a.loop.Stop()
	}
}

// reconcile adopts the server's snapshot after a conflict
func (a *App) reconcile(conflict *syncclient.ConflictError) {
	s, err := gamestate.FromSnapshot(conflict.GameState)
	if err != nil {
		a.logger.Warn("Conflict snapshot unreadable", logger.Err(err))
		return
	}

	a.loop.SyncGamePlayTime(s.GamePlayTime)
	a.state.Replace(s)

	page := s.CurrentPage
	if page == "" {
		page = gamestate.HomePage
	}
	a.logger.Info("Game state reconciled with server",
		logger.F("session_id", conflict.SessionID),
		logger.F("play_time", strconv.FormatInt(s.GamePlayTime, 10)),
		logger.F("page", page))
	a.navigate(page)
}

func (a *App) onNavigate(e *eventbus.Event) {
	path := payloadString(e, "path", gamestate.HomePage)
	scene := a.narrator.SceneFor(path)

	a.state.Update(func(s *gamestate.State) {
		s.CurrentScene = scene
		s.CurrentPage = path
		s.LastAction = "NAVIGATE"
	})

	if route, ok := a.narrator.RouteFor(path); ok && route.AchievementBase != "" {
		a.tracker.AddCumulativeAchievement(route.AchievementBase, route.MaxAchievements)
	}
}

func (a *App) onClick(e *eventbus.Event) {
	target := payloadString(e, "id", "")
	a.state.Update(func(s *gamestate.State) {
		s.LastAction = "CLICK"
		s.LastClickTarget = target
	})
}

func (a *App) onGameStart(*eventbus.Event) {
	a.tracker.AddAchievement(GameStartAchievement)

	startDate := a.now().UnixMilli()
	a.state.Update(func(s *gamestate.State) {
		s.GameStarted = true
		s.StartDate = &startDate
		s.CurrentScene = gamestate.HomeScene
		s.CurrentPage = gamestate.HomePage
		s.LastAction = "GAME_START"
	})
	a.navigate(gamestate.HomePage)
}

func payloadString(e *eventbus.Event, key, fallback string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
