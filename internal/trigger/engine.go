// Package trigger maps events and achievements to conditional side effects.
package trigger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/portfolio-narrator/internal/eventbus"
	"github.com/portfolio-narrator/internal/gamestate"
	"github.com/portfolio-narrator/pkg/logger"
)

// ErrDuplicateRule is returned when a rule id is already registered
var ErrDuplicateRule = errors.New("trigger already registered")

// Kind tells what a Target listens to
type Kind int

const (
	KindEvent Kind = iota
	KindAchievement
)

func (k Kind) String() string {
	if k == KindAchievement {
		return "achievement"
	}
	return "event"
}

// Target is a bus event or an achievement id
type Target struct {
	Kind Kind
	Name string
}

// Event targets a bus event
func Event(name string) Target {
	return Target{Kind: KindEvent, Name: name}
}

// Achievement targets an achievement id being granted
func Achievement(id string) Target {
	return Target{Kind: KindAchievement, Name: id}
}

// Context is handed to conditions and actions. Event is set for event
// targets, AchievementID for achievement targets.
type Context struct {
	Event         *eventbus.Event
	AchievementID string
	State         gamestate.State
	Timestamp     time.Time
}

// Rule is one trigger
type Rule struct {
	ID        string
	Targets   []Target
	Condition func(Context) bool // nil means always
	Action    func(Context)
	Once      bool
	Priority  int
}

type registration struct {
	rule      Rule
	seq       uint64
	listeners map[string]eventbus.ListenerID
}

// Engine owns the rule table
type Engine struct {
	bus    *eventbus.Bus
	state  gamestate.Source
	logger *logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	rules    map[string]*registration
	executed map[string]bool
	seq      uint64

	unsubscribe func()
}

// NewEngine creates an engine bound to a bus and a state source. Achievement
// rules fire when the state gains the achievement.
func NewEngine(bus *eventbus.Bus, state gamestate.Source, log *logger.Logger) *Engine {
	e := &Engine{
		bus:      bus,
		state:    state,
		logger:   log,
		now:      time.Now,
		rules:    make(map[string]*registration),
		executed: make(map[string]bool),
	}
	e.unsubscribe = state.Subscribe(e.onStateChange)
	return e
}

// Register adds a rule. A second rule with the same id is rejected with
// ErrDuplicateRule and logged. Achievement targets already present in the
// current state fire before Register returns.
func (e *Engine) Register(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("trigger id is required")
	}

	e.mu.Lock()
	if _, exists := e.rules[rule.ID]; exists {
		e.mu.Unlock()
		e.logger.Warn("Trigger already registered, ignoring duplicate", logger.F("trigger_id", rule.ID))
		return fmt.Errorf("%s: %w", rule.ID, ErrDuplicateRule)
	}
	e.seq++
	reg := &registration{
		rule:      rule,
		seq:       e.seq,
		listeners: make(map[string]eventbus.ListenerID),
	}
	e.rules[rule.ID] = reg
	e.mu.Unlock()

	var replay []string
	for _, target := range rule.Targets {
		switch target.Kind {
		case KindEvent:
			if _, ok := reg.listeners[target.Name]; ok {
				continue
			}
			id := e.bus.On(target.Name, func(ev *eventbus.Event) {
				e.fire(rule.ID, Context{Event: ev, State: e.state.Get(), Timestamp: e.now()})
			}, rule.Priority)
			e.mu.Lock()
			reg.listeners[target.Name] = id
			e.mu.Unlock()
		case KindAchievement:
			if e.state.Get().HasAchievement(target.Name) {
				replay = append(replay, target.Name)
			}
		}
	}

	for _, id := range replay {
		e.fire(rule.ID, Context{AchievementID: id, State: e.state.Get(), Timestamp: e.now()})
	}
	return nil
}

// Unregister removes a rule and its bus listeners. A once rule that already
// fired stays spent if the id is registered again.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	reg, ok := e.rules[id]
	if ok {
		delete(e.rules, id)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	for name, lid := range reg.listeners {
		e.bus.Off(name, lid)
	}
	return true
}

// Clear removes every rule. Fired once flags are kept; see ResetExecuted.
func (e *Engine) Clear() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.rules))
	for id := range e.rules {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Unregister(id)
	}
}

// ResetExecuted forgets which once rules fired, or only the given ids
func (e *Engine) ResetExecuted(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(ids) == 0 {
		e.executed = make(map[string]bool)
		return
	}
	for _, id := range ids {
		delete(e.executed, id)
	}
}

// Executed reports whether a once rule has already fired
func (e *Engine) Executed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed[id]
}

// Registered reports whether id is in the rule table
func (e *Engine) Registered(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.rules[id]
	return ok
}

// Close detaches the engine from its state source
func (e *Engine) Close() {
	e.Clear()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

func (e *Engine) onStateChange(change gamestate.Change) {
	for _, achievementID := range change.AddedAchievements() {
		for _, ruleID := range e.rulesFor(achievementID) {
			e.fire(ruleID, Context{AchievementID: achievementID, State: change.New, Timestamp: e.now()})
		}
	}
}

// rulesFor lists rules listening to an achievement by priority, then
// registration order
func (e *Engine) rulesFor(achievementID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matched []*registration
	for _, reg := range e.rules {
		for _, target := range reg.rule.Targets {
			if target.Kind == KindAchievement && target.Name == achievementID {
				matched = append(matched, reg)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].rule.Priority != matched[j].rule.Priority {
			return matched[i].rule.Priority > matched[j].rule.Priority
		}
		return matched[i].seq < matched[j].seq
	})

	ids := make([]string, len(matched))
	for i, reg := range matched {
		ids[i] = reg.rule.ID
	}
	return ids
}

// fire evaluates one rule. The once flag is claimed before the action runs
// and stays claimed if the action panics.
func (e *Engine) fire(id string, ctx Context) {
	e.mu.Lock()
	reg, ok := e.rules[id]
	if !ok || (reg.rule.Once && e.executed[id]) {
		e.mu.Unlock()
		return
	}
	rule := reg.rule
	e.mu.Unlock()

	if rule.Condition != nil && !e.evaluate(rule, ctx) {
		return
	}

	if rule.Once {
		e.mu.Lock()
		if e.executed[id] {
			e.mu.Unlock()
			return
		}
		e.executed[id] = true
		e.mu.Unlock()
	}

	if rule.Action != nil {
		e.run(rule, ctx)
	}
}

func (e *Engine) evaluate(rule Rule, ctx Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Trigger condition panicked",
				logger.F("trigger_id", rule.ID),
				logger.F("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	return rule.Condition(ctx)
}

func (e *Engine) run(rule Rule, ctx Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Trigger action panicked",
				logger.F("trigger_id", rule.ID),
				logger.F("panic", fmt.Sprint(r)))
		}
	}()
	rule.Action(ctx)
}
