// Package gameloop runs the local play-time clock
package gameloop

import (
	"sync"
	"time"
)

// DefaultInterval is one second of wall time per play-time unit
const DefaultInterval = time.Second

// Status describes the loop
type Status struct {
	Running          bool          `json:"running"`
	Interval         time.Duration `json:"interval"`
	GamePlayTimeBase int64         `json:"gamePlayTimeBase"`
}

// Loop increments a play-time counter once per tick and hands the new value
// to the updater. It knows nothing about sessions or the network; callers
// keep its baseline right with SyncGamePlayTime.
type Loop struct {
	mu       sync.Mutex
	interval time.Duration
	base     int64
	updater  func(playTime int64)
	stop     chan struct{}
}

// New creates a stopped loop. A non-positive interval uses DefaultInterval.
func New(interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{interval: interval}
}

// SetUpdater wires the function receiving each new play time. Ticks before
// an updater is set do nothing.
func (l *Loop) SetUpdater(fn func(playTime int64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updater = fn
}

// Start runs the ticker; no-op when already running
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startLocked()
}

// Stop halts the ticker; safe to call at any time
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

// Restart stops and starts the loop
func (l *Loop) Restart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	l.startLocked()
}

// SetInterval changes the tick interval, restarting a running loop
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = d
	if l.stop != nil {
		l.stopLocked()
		l.startLocked()
	}
}

// SyncGamePlayTime resets the counter to an external baseline without
// touching the running state
func (l *Loop) SyncGamePlayTime(v int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base = v
}

// Status reports whether the loop runs, its interval and current counter
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{Running: l.stop != nil, Interval: l.interval, GamePlayTimeBase: l.base}
}

func (l *Loop) startLocked() {
	if l.stop != nil {
		return
	}
	stop := make(chan struct{})
	l.stop = stop
	go l.run(l.interval, stop)
}

// stopLocked does not wait for the goroutine: a tick racing with Stop sees
// the channel swap and does nothing.
func (l *Loop) stopLocked() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	l.stop = nil
}

func (l *Loop) run(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.tick(stop)
		}
	}
}

func (l *Loop) tick(stop chan struct{}) {
	l.mu.Lock()
	if l.stop != stop || l.updater == nil {
		l.mu.Unlock()
		return
	}
	l.base++
	v := l.base
	fn := l.updater
	l.mu.Unlock()

	fn(v)
}
