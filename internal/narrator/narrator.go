package narrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/portfolio-narrator/internal/achievement"
	"github.com/portfolio-narrator/internal/eventbus"
	"github.com/portfolio-narrator/internal/gamestate"
	"github.com/portfolio-narrator/internal/trigger"
	"github.com/portfolio-narrator/pkg/logger"
)

// Player performs a cue
type Player interface {
	Play(cue Cue)
}

// PlayerFunc adapts a function to Player
type PlayerFunc func(cue Cue)

// Play calls f
func (f PlayerFunc) Play(cue Cue) { f(cue) }

// LogPlayer writes cue lines to the log
type LogPlayer struct {
	logger *logger.Logger
}

// NewLogPlayer creates a player backed by log
func NewLogPlayer(log *logger.Logger) *LogPlayer {
	return &LogPlayer{logger: log}
}

// Play logs every line of the cue
func (p *LogPlayer) Play(cue Cue) {
	for _, line := range cue.Lines {
		p.logger.Info(line, logger.F("cue", cue.ID))
	}
	if cue.Audio != "" {
		p.logger.Debug("Narrator audio",
			logger.F("cue", cue.ID),
			logger.F("file", cue.Audio),
			logger.F("volume", fmt.Sprintf("%.2f", cue.Volume)))
	}
}

// Narrator owns a parsed script with its conditions compiled
type Narrator struct {
	script     *Script
	routes     map[string]Route
	cues       map[string]Cue
	conditions map[string]*vm.Program
	player     Player
	logger     *logger.Logger
}

// New compiles every condition in the script
func New(script *Script, player Player, log *logger.Logger) (*Narrator, error) {
	n := &Narrator{
		script:     script,
		routes:     make(map[string]Route, len(script.Routes)),
		cues:       make(map[string]Cue, len(script.Cues)),
		conditions: make(map[string]*vm.Program),
		player:     player,
		logger:     log,
	}
	for _, r := range script.Routes {
		n.routes[r.Path] = r
	}
	for _, c := range script.Cues {
		n.cues[c.ID] = c
	}

	var errs []error
	compile := func(owner, src string) {
		if src == "" || n.conditions[src] != nil {
			return
		}
		program, err := expr.Compile(src, expr.Env(conditionEnv(trigger.Context{})), expr.AsBool())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: condition %q: %w", owner, src, err))
			return
		}
		n.conditions[src] = program
	}
	for _, r := range script.Routes {
		compile("route "+r.Path, r.Condition)
	}
	for _, a := range script.Achievements {
		compile("achievement "+a.ID+a.Base, a.Condition)
	}
	for _, t := range script.Triggers {
		compile("trigger "+t.ID, t.Condition)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return n, nil
}

// RouteFor returns the route configured for path
func (n *Narrator) RouteFor(path string) (Route, bool) {
	r, ok := n.routes[path]
	return r, ok
}

// SceneFor names the scene shown at path: the route's scene, else the
// upper-cased path
func (n *Narrator) SceneFor(path string) string {
	if r, ok := n.routes[path]; ok && r.Scene != "" {
		return r.Scene
	}
	if path == "" || path == gamestate.HomePage {
		return gamestate.HomeScene
	}
	return strings.ToUpper(strings.TrimPrefix(path, "/"))
}

// Cue looks up a cue by id
func (n *Narrator) Cue(id string) (Cue, bool) {
	c, ok := n.cues[id]
	return c, ok
}

// Rules builds the trigger rules of the script. Emitted events go to bus
// and counters are bumped through state.
func (n *Narrator) Rules(bus *eventbus.Bus, state gamestate.Updater) []trigger.Rule {
	var rules []trigger.Rule

	for _, r := range n.script.Routes {
		if r.AchievementBase == "" {
			continue
		}
		for i := 1; i <= r.MaxAchievements; i++ {
			id := achievement.CumulativeID(r.AchievementBase, i)
			rules = append(rules, trigger.Rule{
				ID:        "narrator_route_" + id,
				Targets:   []trigger.Target{trigger.Achievement(id)},
				Once:      true,
				Priority:  priorityOr(r.Priority),
				Condition: n.condition(r.Condition),
				Action:    n.action("narrator_route_"+id, r.Cue, "", "", bus, state),
			})
		}
	}

	for _, a := range n.script.Achievements {
		ids := []string{a.ID}
		if a.Base != "" {
			ids = ids[:0]
			for i := 1; i <= a.MaxCount; i++ {
				ids = append(ids, achievement.CumulativeID(a.Base, i))
			}
		}
		once := a.Once == nil || *a.Once
		for _, id := range ids {
			rules = append(rules, trigger.Rule{
				ID:        "narrator_achievement_" + id,
				Targets:   []trigger.Target{trigger.Achievement(id)},
				Once:      once,
				Priority:  priorityOr(a.Priority),
				Condition: n.condition(a.Condition),
				Action:    n.action("narrator_achievement_"+id, a.Cue, "", "", bus, state),
			})
		}
	}

	for _, t := range n.script.Triggers {
		targets := make([]trigger.Target, len(t.Events))
		for i, name := range t.Events {
			targets[i] = trigger.Event(name)
		}
		rules = append(rules, trigger.Rule{
			ID:        "narrator_trigger_" + t.ID,
			Targets:   targets,
			Once:      t.Once,
			Priority:  t.Priority,
			Condition: n.condition(t.Condition),
			Action:    n.action("narrator_trigger_"+t.ID, t.Cue, t.Emit, t.Increment, bus, state),
		})
	}

	return rules
}

// Install registers every rule of the script with engine. Rules already
// registered are skipped.
func (n *Narrator) Install(engine *trigger.Engine, bus *eventbus.Bus, state gamestate.Updater) error {
	var errs []error
	installed := 0
	for _, rule := range n.Rules(bus, state) {
		err := engine.Register(rule)
		switch {
		case err == nil:
			installed++
		case errors.Is(err, trigger.ErrDuplicateRule):
		default:
			errs = append(errs, err)
		}
	}
	n.logger.Info("Narrator installed", logger.F("rules", fmt.Sprintf("%d", installed)))
	return errors.Join(errs...)
}

func (n *Narrator) condition(src string) func(trigger.Context) bool {
	program := n.conditions[src]
	if program == nil {
		return nil
	}
	return func(ctx trigger.Context) bool {
		out, err := expr.Run(program, conditionEnv(ctx))
		if err != nil {
			n.logger.Warn("Narrator condition failed", logger.F("condition", src), logger.Err(err))
			return false
		}
		ok, _ := out.(bool)
		return ok
	}
}

func (n *Narrator) action(ruleID, cueID, emit, increment string, bus *eventbus.Bus, state gamestate.Updater) func(trigger.Context) {
	return func(ctx trigger.Context) {
		if increment != "" && state != nil {
			state.Update(func(s *gamestate.State) {
				if s.Counters == nil {
					s.Counters = make(map[string]int64)
				}
				s.Counters[increment]++
			})
		}
		if cue, ok := n.cues[cueID]; ok && n.player != nil {
			n.player.Play(cue)
		}
		if emit != "" && bus != nil {
			bus.Emit(emit, map[string]any{"source": ruleID})
		}
	}
}

func conditionEnv(ctx trigger.Context) map[string]any {
	event := ""
	payload := map[string]any{}
	if ctx.Event != nil {
		event = ctx.Event.Name
		if ctx.Event.Payload != nil {
			payload = ctx.Event.Payload
		}
	}
	return map[string]any{
		"state":       ctx.State.Env(),
		"event":       event,
		"payload":     payload,
		"achievement": ctx.AchievementID,
	}
}

func priorityOr(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	return p
}
