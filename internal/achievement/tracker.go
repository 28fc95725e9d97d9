// Package achievement keeps the achievement set inside the game state
package achievement

import (
	"fmt"
	"slices"

	"github.com/portfolio-narrator/internal/gamestate"
	"github.com/portfolio-narrator/pkg/logger"
)

// DefaultMaxCount caps a cumulative family when no maximum is configured
const DefaultMaxCount = 10

// CumulativeID returns the n-th id of a cumulative family, e.g. about_2
func CumulativeID(base string, n int) string {
	return fmt.Sprintf("%s_%d", base, n)
}

// Tracker grants and removes achievements through the state updater
type Tracker struct {
	state  gamestate.Updater
	logger *logger.Logger
}

// NewTracker creates a tracker; a nil updater turns every call into a no-op
func NewTracker(state gamestate.Updater, log *logger.Logger) *Tracker {
	return &Tracker{state: state, logger: log}
}

// AddAchievement grants id if absent and reports whether it was added
func (t *Tracker) AddAchievement(id string) bool {
	if !t.wired() || id == "" {
		return false
	}

	added := false
	t.state.Update(func(s *gamestate.State) {
		if s.HasAchievement(id) {
			return
		}
		s.Achievements = append(s.Achievements, id)
		added = true
	})

	if added {
		t.logger.Debug("Achievement unlocked", logger.F("achievement", id))
	}
	return added
}

// AddCumulativeAchievement grants the lowest missing id of base_1..base_max.
// It returns false once the whole family is granted.
func (t *Tracker) AddCumulativeAchievement(base string, maxCount int) (string, bool) {
	if !t.wired() || base == "" {
		return "", false
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}

	var granted string
	t.state.Update(func(s *gamestate.State) {
		for n := 1; n <= maxCount; n++ {
			id := CumulativeID(base, n)
			if !s.HasAchievement(id) {
				s.Achievements = append(s.Achievements, id)
				granted = id
				return
			}
		}
	})

	if granted == "" {
		return "", false
	}
	t.logger.Debug("Achievement unlocked", logger.F("achievement", granted))
	return granted, true
}

// HasAchievement reports whether id has been granted
func (t *Tracker) HasAchievement(id string) bool {
	if !t.wired() {
		return false
	}
	return t.state.Get().HasAchievement(id)
}

// RemoveAchievement revokes id and reports whether it was present
func (t *Tracker) RemoveAchievement(id string) bool {
	if !t.wired() {
		return false
	}

	removed := false
	t.state.Update(func(s *gamestate.State) {
		if i := slices.Index(s.Achievements, id); i >= 0 {
			s.Achievements = slices.Delete(s.Achievements, i, i+1)
			removed = true
		}
	})
	return removed
}

// Achievements returns the granted ids
func (t *Tracker) Achievements() []string {
	if !t.wired() {
		return nil
	}
	return t.state.Get().Achievements
}

func (t *Tracker) wired() bool {
	if t.state == nil {
		t.logger.Warn("Achievement tracker used without a game state")
		return false
	}
	return true
}
