// Package gamestate holds the visitor-side game state and the holder every
// client component reads and updates it through.
package gamestate

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Scene and page a fresh state starts on
const (
	HomeScene = "HOME"
	HomePage  = "/"
)

// State is the client-owned snapshot posted to the server with every event
type State struct {
	CurrentScene    string           `json:"currentScene"`
	CurrentPage     string           `json:"currentPage"`
	GamePlayTime    int64            `json:"gamePlayTime"` // seconds
	StartDate       *int64           `json:"startDate"`    // unix millis
	GameStarted     bool             `json:"gameStarted"`
	Achievements    []string         `json:"achievements"`
	LastAction      string           `json:"lastAction,omitempty"`
	LastClickTarget string           `json:"lastClickTarget,omitempty"`
	Counters        map[string]int64 `json:"counters,omitempty"`
}

// Initial returns the state a visitor starts from
func Initial() State {
	return State{
		CurrentScene: HomeScene,
		CurrentPage:  HomePage,
		Achievements: []string{},
	}
}

// FromSnapshot overlays a server snapshot on the initial state
func FromSnapshot(raw json.RawMessage) (State, error) {
	s := Initial()
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Initial(), fmt.Errorf("decode game state: %w", err)
	}
	if s.Achievements == nil {
		s.Achievements = []string{}
	}
	return s, nil
}

// Clone returns a deep copy
func (s State) Clone() State {
	out := s
	if s.StartDate != nil {
		v := *s.StartDate
		out.StartDate = &v
	}
	if s.Achievements != nil {
		out.Achievements = slices.Clone(s.Achievements)
	}
	if s.Counters != nil {
		out.Counters = make(map[string]int64, len(s.Counters))
		for k, v := range s.Counters {
			out.Counters[k] = v
		}
	}
	return out
}

// HasAchievement reports whether id is in the achievement set
func (s State) HasAchievement(id string) bool {
	return slices.Contains(s.Achievements, id)
}

// Counter returns a named counter, zero when unset
func (s State) Counter(name string) int64 {
	return s.Counters[name]
}

// Env exposes the state as a map keyed by its JSON field names
func (s State) Env() map[string]any {
	counters := make(map[string]any, len(s.Counters))
	for k, v := range s.Counters {
		counters[k] = v
	}
	var startDate any
	if s.StartDate != nil {
		startDate = *s.StartDate
	}
	return map[string]any{
		"currentScene":    s.CurrentScene,
		"currentPage":     s.CurrentPage,
		"gamePlayTime":    s.GamePlayTime,
		"startDate":       startDate,
		"gameStarted":     s.GameStarted,
		"achievements":    slices.Clone(s.Achievements),
		"lastAction":      s.LastAction,
		"lastClickTarget": s.LastClickTarget,
		"counters":        counters,
	}
}

// Change is one applied update
type Change struct {
	Old State
	New State
}

// AddedAchievements lists ids present in New but not in Old, in New's order
func (c Change) AddedAchievements() []string {
	var added []string
	for _, id := range c.New.Achievements {
		if !c.Old.HasAchievement(id) {
			added = append(added, id)
		}
	}
	return added
}
