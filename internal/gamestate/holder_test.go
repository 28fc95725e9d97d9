package gamestate

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder_GetReturnsCopy(t *testing.T) {
	h := NewHolder(Initial())

	s := h.Get()
	s.Achievements = append(s.Achievements, "leak")
	s.CurrentScene = "ABOUT"

	got := h.Get()
	assert.Empty(t, got.Achievements)
	assert.Equal(t, HomeScene, got.CurrentScene)
}

func TestHolder_UpdateNotifies(t *testing.T) {
	h := NewHolder(Initial())

	var changes []Change
	unsubscribe := h.Subscribe(func(c Change) { changes = append(changes, c) })

	h.Update(func(s *State) { s.GamePlayTime = 3 })
	h.Update(func(s *State) { s.Achievements = append(s.Achievements, "about_1") })

	require.Len(t, changes, 2)
	assert.Equal(t, int64(0), changes[0].Old.GamePlayTime)
	assert.Equal(t, int64(3), changes[0].New.GamePlayTime)
	assert.Equal(t, []string{"about_1"}, changes[1].AddedAchievements())

	unsubscribe()
	h.Update(func(s *State) { s.GamePlayTime = 4 })
	assert.Len(t, changes, 2)
}

func TestHolder_NestedUpdatesKeepOrder(t *testing.T) {
	h := NewHolder(Initial())

	var seen []int64
	h.Subscribe(func(c Change) {
		seen = append(seen, c.New.GamePlayTime)
		if c.New.GamePlayTime == 1 {
			h.Update(func(s *State) { s.GamePlayTime = 2 })
		}
	})
	h.Subscribe(func(c Change) {
		seen = append(seen, c.New.GamePlayTime*10)
	})

	h.Update(func(s *State) { s.GamePlayTime = 1 })

	// the nested change is delivered to every subscriber after the first one
	assert.Equal(t, []int64{1, 10, 2, 20}, seen)
	assert.Equal(t, int64(2), h.Get().GamePlayTime)
}

func TestHolder_ConcurrentUpdates(t *testing.T) {
	h := NewHolder(Initial())

	var mu sync.Mutex
	count := 0
	h.Subscribe(func(c Change) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Update(func(s *State) { s.GamePlayTime++ })
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), h.Get().GamePlayTime)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, count)
}

func TestFromSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    func(*testing.T, State)
		wantErr bool
	}{
		{
			name: "null gives initial",
			raw:  "null",
			want: func(t *testing.T, s State) {
				assert.Equal(t, Initial(), s)
			},
		},
		{
			name: "overlay keeps defaults for missing fields",
			raw:  `{"gamePlayTime":42,"achievements":["game_start"],"currentScene":"ABOUT"}`,
			want: func(t *testing.T, s State) {
				assert.Equal(t, int64(42), s.GamePlayTime)
				assert.Equal(t, "ABOUT", s.CurrentScene)
				assert.Equal(t, HomePage, s.CurrentPage)
				assert.Equal(t, []string{"game_start"}, s.Achievements)
			},
		},
		{
			name: "null achievements normalised",
			raw:  `{"achievements":null}`,
			want: func(t *testing.T, s State) {
				assert.NotNil(t, s.Achievements)
			},
		},
		{
			name:    "not an object",
			raw:     `[1]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FromSnapshot(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.want(t, s)
		})
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	start := int64(5)
	s := State{StartDate: &start, Achievements: []string{"a"}, Counters: map[string]int64{"x": 1}}

	c := s.Clone()
	*c.StartDate = 6
	c.Achievements[0] = "b"
	c.Counters["x"] = 2

	assert.Equal(t, int64(5), *s.StartDate)
	assert.Equal(t, "a", s.Achievements[0])
	assert.Equal(t, int64(1), s.Counters["x"])
}

func TestState_Env(t *testing.T) {
	s := Initial()
	s.GamePlayTime = 9
	s.Counters = map[string]int64{"exitAttempts": 2}

	env := s.Env()
	assert.Equal(t, int64(9), env["gamePlayTime"])
	assert.Nil(t, env["startDate"])
	assert.Equal(t, map[string]any{"exitAttempts": int64(2)}, env["counters"])
}

func TestHolder_PanickingUpdaterLeavesStateUsable(t *testing.T) {
	h := NewHolder(Initial())
	h.Update(func(s *State) { s.GamePlayTime = 3 })

	notified := 0
	h.Subscribe(func(Change) { notified++ })

	assert.Panics(t, func() {
		h.Update(func(s *State) {
			s.GamePlayTime = 99
			panic("updater failed")
		})
	})

	assert.Equal(t, int64(3), h.Get().GamePlayTime)
	assert.Equal(t, 0, notified)

	h.Update(func(s *State) { s.GamePlayTime = 4 })
	assert.Equal(t, int64(4), h.Get().GamePlayTime)
	assert.Equal(t, 1, notified)
}

func TestHolder_UpdaterMayRead(t *testing.T) {
	h := NewHolder(Initial())
	h.Update(func(s *State) { s.GamePlayTime = 7 })

	h.Update(func(s *State) { s.GamePlayTime = h.Get().GamePlayTime + 1 })

	assert.Equal(t, int64(8), h.Get().GamePlayTime)
}
