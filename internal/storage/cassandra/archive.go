package cassandra

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/portfolio-narrator/internal/models"
	"github.com/portfolio-narrator/pkg/logger"
)

// EventWriter persists one archived event
type EventWriter interface {
	WriteEvent(ctx context.Context, event models.EventRecord) error
}

// Archiver mirrors recorded events into the archive on a background worker.
// A full queue drops the event; failures are logged only.
type Archiver struct {
	writer  EventWriter
	logger  *logger.Logger
	timeout time.Duration

	queue     chan models.EventRecord
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewArchiver starts the archive worker
func NewArchiver(writer EventWriter, log *logger.Logger, queueSize int, timeout time.Duration) *Archiver {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Archiver{
		writer:  writer,
		logger:  log,
		timeout: timeout,
		queue:   make(chan models.EventRecord, queueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// ObserveEvent enqueues an event for archiving without blocking
func (a *Archiver) ObserveEvent(event models.EventRecord) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- event:
	default:
		a.logger.Warn("Archive queue full, dropping event",
			logger.F("event", event.Event),
			logger.F("event_id", strconv.FormatInt(event.ID, 10)))
	}
}

// Close stops accepting events and waits for the queue to drain
func (a *Archiver) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
}

func (a *Archiver) run() {
	defer close(a.done)
	for event := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.writer.WriteEvent(ctx, event); err != nil {
			a.logger.Error("Failed to archive event",
				logger.F("event", event.Event),
				logger.F("event_id", strconv.FormatInt(event.ID, 10)),
				logger.Err(err))
		}
		cancel()
	}
}
