package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/internal/service"
	"github.com/portfolio-narrator/internal/storage"
	"github.com/portfolio-narrator/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Handler holds all HTTP handlers
type Handler struct {
	sync    *service.SyncService
	feed    http.Handler
	timeout time.Duration
	logger  *logger.Logger
}

// NewHandler creates a new handler. feed may be nil to disable the event stream.
func NewHandler(sync *service.SyncService, feed http.Handler, timeout time.Duration, log *logger.Logger) *Handler {
	return &Handler{
		sync:    sync,
		feed:    feed,
		timeout: timeout,
		logger:  log,
	}
}

// Routes sets up all routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// the websocket stream outlives any request timeout
		if h.feed != nil {
			r.Method(http.MethodGet, "/events/stream", h.feed)
		}

		r.Group(func(r chi.Router) {
			if h.timeout > 0 {
				r.Use(middleware.Timeout(h.timeout))
			}

			r.Get("/gamestate", h.GetGameState)
			r.Post("/gamestate", h.SaveGameState)

			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/active", h.ActiveSession)
			r.Post("/sessions", h.CreateSession)
			r.Delete("/sessions/{sessionId}", h.EndSession)

			r.Get("/gamestates/{sessionId}", h.ListGameStates)
			r.Get("/gamestates/{sessionId}/latest", h.LatestGameState)

			r.Post("/events", h.RecordEvent)
			r.Get("/events", h.ListEvents)
			r.Get("/events/stats", h.EventStats)
			r.Delete("/events", h.DeleteEvents)

			r.Delete("/database/reset", h.ResetDatabase)
		})
	})

	return r
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RecordEvent handles POST /api/events
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req models.EventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	resp, err := h.sync.RecordEvent(r.Context(), req)
	if err != nil {
		var conflict *service.ConflictError
		if errors.As(err, &conflict) {
			h.respondJSON(w, http.StatusConflict, models.ConflictResponse{
				Error:     conflict.Error(),
				GameState: conflict.Snapshot,
				ID:        conflict.EventID,
				SessionID: conflict.SessionID,
			})
			return
		}
		h.fail(w, r, "failed to record event", err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// GetGameState handles GET /api/gamestate; the body is the snapshot or null
func (h *Handler) GetGameState(w http.ResponseWriter, r *http.Request) {
	state, err := h.sync.GetGameState(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		h.fail(w, r, "failed to get game state", err)
		return
	}
	if state == nil {
		state = json.RawMessage("null")
	}
	h.respondJSON(w, http.StatusOK, state)
}

// SaveGameState handles POST /api/gamestate and echoes the body
func (h *Handler) SaveGameState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := h.sync.SaveGameState(r.Context(), body); err != nil {
		h.fail(w, r, "failed to save game state", err)
		return
	}
	h.respondJSON(w, http.StatusOK, json.RawMessage(body))
}

// ListSessions handles GET /api/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intQuery(w, r, "limit")
	if !ok {
		return
	}
	sessions, err := h.sync.ListSessions(r.Context(), int(limit))
	if err != nil {
		h.fail(w, r, "failed to list sessions", err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.SessionsResponse{Count: len(sessions), Sessions: sessions})
}

// ActiveSession handles GET /api/sessions/active
func (h *Handler) ActiveSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sync.ActiveSession(r.Context())
	if err != nil {
		h.fail(w, r, "failed to get active session", err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.ActiveSessionResponse{ActiveSession: session})
}

// CreateSession handles POST /api/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sync.CreateSession(r.Context())
	if err != nil {
		h.fail(w, r, "failed to create session", err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.SessionResponse{Success: true, SessionID: sessionID})
}

// EndSession handles DELETE /api/sessions/{sessionId}
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	ended, err := h.sync.EndSession(r.Context(), sessionID)
	if err != nil {
		h.fail(w, r, "failed to end session", err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.SessionResponse{Success: ended, SessionID: sessionID})
}

// ListGameStates handles GET /api/gamestates/{sessionId}
func (h *Handler) ListGameStates(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intQuery(w, r, "limit")
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	entries, err := h.sync.GameStates(r.Context(), sessionID, int(limit))
	if err != nil {
		h.fail(w, r, "failed to list game states", err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.GameStatesResponse{
		Count:      len(entries),
		SessionID:  sessionID,
		GameStates: entries,
	})
}

// LatestGameState handles GET /api/gamestates/{sessionId}/latest
func (h *Handler) LatestGameState(w http.ResponseWriter, r *http.Request) {
	entry, err := h.sync.LatestGameState(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, r, "failed to get latest game state", err)
		return
	}
	h.respondJSON(w, http.StatusOK, entry)
}

// ListEvents handles GET /api/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.EventFilter{
		EventName: q.Get("event"),
		SessionID: q.Get("sessionId"),
	}
	var ok bool
	if filter.StartTime, ok = h.intQuery(w, r, "startTime"); !ok {
		return
	}
	if filter.EndTime, ok = h.intQuery(w, r, "endTime"); !ok {
		return
	}
	limit, ok := h.intQuery(w, r, "limit")
	if !ok {
		return
	}
	filter.Limit = int(limit)

	events, err := h.sync.Events(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "failed to list events", err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.EventsResponse{Count: len(events), Events: events})
}

// EventStats handles GET /api/events/stats
func (h *Handler) EventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sync.EventStats(r.Context())
	if err != nil {
		h.fail(w, r, "failed to count events", err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// DeleteEvents handles DELETE /api/events
func (h *Handler) DeleteEvents(w http.ResponseWriter, r *http.Request) {
	n, err := h.sync.DeleteEvents(r.Context())
	if err != nil {
		h.fail(w, r, "failed to delete events", err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.DeleteEventsResponse{
		Success:      true,
		Message:      fmt.Sprintf("Deleted %d events", n),
		DeletedCount: n,
	})
}

// ResetDatabase handles DELETE /api/database/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	counts, err := h.sync.Reset(r.Context())
	if err != nil {
		h.fail(w, r, "failed to reset database", err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.ResetResponse{
		Success:     true,
		Message:     "Database reset",
		ResetCounts: counts,
	})
}

// intQuery parses an optional integer query parameter; zero when absent.
// On a malformed value it writes 400 and reports false.
func (h *Handler) intQuery(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid query parameter", fmt.Sprintf("%s must be an integer", key))
		return 0, false
	}
	return v, true
}

// fail maps a service error onto a status code and logs it
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	fields := []logger.Field{logger.Err(err), logger.F("request_id", GetRequestID(r.Context()))}
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, fields...)
	} else {
		h.logger.Warn(msg, fields...)
	}

	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		h.respondError(w, status, storage.ErrSessionNotFound.Error(), "")
	case errors.Is(err, storage.ErrGameStateNotFound):
		h.respondError(w, status, storage.ErrGameStateNotFound.Error(), "")
	default:
		h.respondError(w, status, msg, err.Error())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrSessionNotFound), errors.Is(err, storage.ErrGameStateNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON sends a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", logger.Err(err))
	}
}

// respondError sends an error response
func (h *Handler) respondError(w http.ResponseWriter, status int, errorMsg, message string) {
	h.respondJSON(w, status, models.ErrorResponse{
		Error:   errorMsg,
		Message: message,
	})
}
