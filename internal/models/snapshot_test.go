package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayTimeOf(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
	}{
		{"present", `{"gamePlayTime":42}`, 42},
		{"missing", `{"currentScene":"HOME"}`, 0},
		{"null snapshot", `null`, 0},
		{"empty", ``, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlayTimeOf(json.RawMessage(tt.raw)))
		})
	}
}

func TestWithPlayTime_DoesNotMutateInput(t *testing.T) {
	in := json.RawMessage(`{"gamePlayTime":5,"currentScene":"ABOUT","extra":{"a":1}}`)
	orig := string(in)

	out, err := WithPlayTime(in, 99)
	require.NoError(t, err)

	assert.Equal(t, orig, string(in))
	assert.Equal(t, int64(99), PlayTimeOf(out))
	assert.JSONEq(t, `{"gamePlayTime":99,"currentScene":"ABOUT","extra":{"a":1}}`, string(out))
}

func TestWithoutSessionID(t *testing.T) {
	out, err := WithoutSessionID(json.RawMessage(`{"sessionId":"s1","gamePlayTime":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"gamePlayTime":3}`, string(out))

	out, err = WithoutSessionID(json.RawMessage(`{"gamePlayTime":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"gamePlayTime":3}`, string(out))
}

func TestIsObject(t *testing.T) {
	assert.True(t, IsObject(json.RawMessage(`{}`)))
	assert.False(t, IsObject(json.RawMessage(`[1,2]`)))
	assert.False(t, IsObject(json.RawMessage(`{"broken"`)))
	assert.True(t, IsNull(json.RawMessage(` null `)))
	assert.False(t, IsNull(json.RawMessage(`{}`)))
}

func TestInitialSnapshot(t *testing.T) {
	assert.JSONEq(t,
		`{"currentScene":"HOME","gamePlayTime":0,"startDate":1700000000000,"achievements":[]}`,
		string(InitialSnapshot(1700000000000)))
	assert.JSONEq(t,
		`{"currentScene":"HOME","gamePlayTime":0,"startDate":null,"achievements":[]}`,
		string(InitialSnapshot(0)))
}

func TestEventRequest_Aliases(t *testing.T) {
	now := time.UnixMilli(5000)

	assert.Equal(t, "A", EventRequest{Event: "A", Name: "B"}.EventName())
	assert.Equal(t, "B", EventRequest{Name: "B"}.EventName())

	assert.Equal(t, int64(10), EventRequest{Ts: 10, Timestamp: 20}.TimestampOr(now))
	assert.Equal(t, int64(20), EventRequest{Timestamp: 20}.TimestampOr(now))
	assert.Equal(t, int64(5000), EventRequest{}.TimestampOr(now))
}

func TestEventRequest_DecodesPlayTime(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{name: "integer", body: `{"event":"USER_CLICK","gamePlayTime":12}`, want: 12},
		{name: "fraction is truncated", body: `{"event":"USER_CLICK","gamePlayTime":12.5}`, want: 12},
		{name: "null", body: `{"event":"USER_CLICK","gamePlayTime":null}`, want: 0},
		{name: "missing", body: `{"event":"USER_CLICK"}`, want: 0},
		{name: "negative stays negative", body: `{"event":"USER_CLICK","gamePlayTime":-3}`, want: -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req EventRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			assert.Equal(t, tt.want, req.GamePlayTime)
			assert.Equal(t, "USER_CLICK", req.Event)
		})
	}

	var req EventRequest
	require.NoError(t, json.Unmarshal([]byte(`{"event":"E","sessionId":"s","ts":7,"gameState":{"a":1},"gamePlayTime":1.9}`), &req))
	assert.Equal(t, "s", req.SessionID)
	assert.Equal(t, int64(7), req.Ts)
	assert.JSONEq(t, `{"a":1}`, string(req.GameState))
	assert.Equal(t, int64(1), req.GamePlayTime)

	assert.Error(t, json.Unmarshal([]byte(`{"gamePlayTime":"ten"}`), &req))
}
