package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Snapshot field paths the server inspects or rewrites. Everything else in
// a snapshot is opaque and stored verbatim.
const (
	playTimePath  = "gamePlayTime"
	sessionIDPath = "sessionId"
)

// IsNull reports whether raw is absent or the JSON literal null
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// IsObject reports whether raw is a valid JSON object
func IsObject(raw json.RawMessage) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}
	return gjson.ParseBytes(raw).IsObject()
}

// PlayTimeOf extracts gamePlayTime from a snapshot; missing counts as 0
func PlayTimeOf(raw json.RawMessage) int64 {
	if IsNull(raw) {
		return 0
	}
	return gjson.GetBytes(raw, playTimePath).Int()
}

// WithPlayTime returns a copy of the snapshot with gamePlayTime forced to v
func WithPlayTime(raw json.RawMessage, v int64) (json.RawMessage, error) {
	out, err := sjson.SetBytes(clone(raw), playTimePath, v)
	if err != nil {
		return nil, fmt.Errorf("set gamePlayTime: %w", err)
	}
	return out, nil
}

// WithoutSessionID returns a copy of the snapshot without the sessionId field
func WithoutSessionID(raw json.RawMessage) (json.RawMessage, error) {
	if !gjson.GetBytes(raw, sessionIDPath).Exists() {
		return clone(raw), nil
	}
	out, err := sjson.DeleteBytes(clone(raw), sessionIDPath)
	if err != nil {
		return nil, fmt.Errorf("strip sessionId: %w", err)
	}
	return out, nil
}

type initialSnapshot struct {
	CurrentScene string   `json:"currentScene"`
	GamePlayTime int64    `json:"gamePlayTime"`
	StartDate    *int64   `json:"startDate"`
	Achievements []string `json:"achievements"`
}

// InitialSnapshot builds the zeroed snapshot a new session starts from.
// A zero startDate is encoded as null.
func InitialSnapshot(startDate int64) json.RawMessage {
	s := initialSnapshot{
		CurrentScene: "HOME",
		Achievements: []string{},
	}
	if startDate > 0 {
		s.StartDate = &startDate
	}
	data, _ := json.Marshal(s)
	return data
}

func clone(raw json.RawMessage) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
