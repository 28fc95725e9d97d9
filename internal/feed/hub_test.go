package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/pkg/logger"
)

func TestHub_FilterAndFanOut(t *testing.T) {
	hub := NewHub(logger.Nop())
	all := hub.subscribe("")
	clicks := hub.subscribe(models.EventUserClick)

	hub.ObserveEvent(models.EventRecord{ID: 1, Event: models.EventUserNavigate})
	hub.ObserveEvent(models.EventRecord{ID: 2, Event: models.EventUserClick})

	assert.Len(t, all.send, 2)
	require.Len(t, clicks.send, 1)

	var got models.EventRecord
	require.NoError(t, json.Unmarshal(<-clicks.send, &got))
	assert.Equal(t, int64(2), got.ID)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(logger.Nop())
	hub.bufferSize = 1
	slow := hub.subscribe("")

	hub.ObserveEvent(models.EventRecord{ID: 1, Event: models.EventUserClick})
	hub.ObserveEvent(models.EventRecord{ID: 2, Event: models.EventUserClick})

	assert.Zero(t, hub.Clients())
	_, ok := <-slow.send
	assert.True(t, ok, "buffered event is still delivered")
	_, ok = <-slow.send
	assert.False(t, ok, "channel closed after drop")

	hub.unsubscribe(slow)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(logger.Nop())
	sub := hub.subscribe("")
	hub.Close()

	_, ok := <-sub.send
	assert.False(t, ok)
	assert.Zero(t, hub.Clients())
}

func TestHandler_StreamsEvents(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(NewHandler(hub, logger.Nop(), nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?event=" + models.EventGameStart
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.ObserveEvent(models.EventRecord{ID: 1, Event: models.EventUserClick})
	hub.ObserveEvent(models.EventRecord{ID: 2, Event: models.EventGameStart})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got models.EventRecord
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, int64(2), got.ID)
	assert.Equal(t, models.EventGameStart, got.Event)
}

func TestHandler_UnsubscribesOnDisconnect(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(NewHandler(hub, logger.Nop(), nil))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	hub := NewHub(logger.Nop())
	rec := httptest.NewRecorder()
	NewHandler(hub, logger.Nop(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, hub.Clients())
}
