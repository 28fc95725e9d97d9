// Package narrator turns a TOML script of routes, achievements and event
// triggers into trigger rules that play narrator cues.
package narrator

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultScript []byte

// DefaultPriority applies to route and achievement rules without one
const DefaultPriority = 20

// Script is the decoded narrator file
type Script struct {
	Routes       []Route          `toml:"route"`
	Achievements []AchievementCue `toml:"achievement"`
	Triggers     []EventTrigger   `toml:"trigger"`
	Cues         []Cue            `toml:"cue"`
}

// Route describes a page: its scene name and the cumulative achievement
// family granted on each visit
type Route struct {
	Path            string `toml:"path"`
	Scene           string `toml:"scene"`
	AchievementBase string `toml:"achievement_base"`
	MaxAchievements int    `toml:"max_achievements"`
	Priority        int    `toml:"priority"`
	Condition       string `toml:"condition"`
	Cue             string `toml:"cue"`
}

// AchievementCue reacts to one achievement, or to every member of a
// cumulative family when Base is set
type AchievementCue struct {
	ID        string `toml:"id"`
	Base      string `toml:"base"`
	MaxCount  int    `toml:"max_count"`
	Once      *bool  `toml:"once"`
	Priority  int    `toml:"priority"`
	Condition string `toml:"condition"`
	Cue       string `toml:"cue"`
}

// EventTrigger reacts to bus events
type EventTrigger struct {
	ID        string   `toml:"id"`
	Events    []string `toml:"events"`
	Once      bool     `toml:"once"`
	Priority  int      `toml:"priority"`
	Condition string   `toml:"condition"`
	Cue       string   `toml:"cue"`
	Emit      string   `toml:"emit"`
	Increment string   `toml:"increment"`
}

// Cue is something the narrator says or plays
type Cue struct {
	ID     string   `toml:"id"`
	Lines  []string `toml:"lines"`
	Audio  string   `toml:"audio"`
	Volume float64  `toml:"volume"`
}

// Parse decodes and validates a script. Unknown keys are an error.
func Parse(data []byte) (*Script, error) {
	var s Script
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return nil, fmt.Errorf("decode narrator script: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown narrator script keys: %s", strings.Join(keys, ", "))
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile parses the script at path
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read narrator script: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in script
func Default() *Script {
	s, err := Parse(defaultScript)
	if err != nil {
		panic(fmt.Sprintf("embedded narrator script: %v", err))
	}
	return s
}

// Load returns the script at path, or the built-in one when path is empty
func Load(path string) (*Script, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

func (s *Script) validate() error {
	var errs []error

	cues := make(map[string]bool, len(s.Cues))
	for i, c := range s.Cues {
		switch {
		case c.ID == "":
			errs = append(errs, fmt.Errorf("cue #%d: id is required", i+1))
		case cues[c.ID]:
			errs = append(errs, fmt.Errorf("cue %q: duplicate id", c.ID))
		}
		cues[c.ID] = true
	}
	checkCue := func(owner, cue string) {
		if cue != "" && !cues[cue] {
			errs = append(errs, fmt.Errorf("%s: unknown cue %q", owner, cue))
		}
	}

	paths := make(map[string]bool, len(s.Routes))
	for i, r := range s.Routes {
		owner := fmt.Sprintf("route %q", r.Path)
		switch {
		case !strings.HasPrefix(r.Path, "/"):
			errs = append(errs, fmt.Errorf("route #%d: path must start with /", i+1))
		case paths[r.Path]:
			errs = append(errs, fmt.Errorf("%s: duplicate path", owner))
		}
		paths[r.Path] = true
		if r.MaxAchievements < 0 {
			errs = append(errs, fmt.Errorf("%s: max_achievements must not be negative", owner))
		}
		checkCue(owner, r.Cue)
	}

	for i, a := range s.Achievements {
		owner := fmt.Sprintf("achievement #%d", i+1)
		switch {
		case a.ID == "" && a.Base == "":
			errs = append(errs, fmt.Errorf("%s: id or base is required", owner))
		case a.Base != "" && a.MaxCount <= 0:
			errs = append(errs, fmt.Errorf("%s: base %q needs a positive max_count", owner, a.Base))
		}
		checkCue(owner, a.Cue)
	}

	ids := make(map[string]bool, len(s.Triggers))
	for i, t := range s.Triggers {
		owner := fmt.Sprintf("trigger %q", t.ID)
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("trigger #%d: id is required", i+1))
		case ids[t.ID]:
			errs = append(errs, fmt.Errorf("%s: duplicate id", owner))
		}
		ids[t.ID] = true
		if len(t.Events) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one event is required", owner))
		}
		checkCue(owner, t.Cue)
	}

	return errors.Join(errs...)
}
