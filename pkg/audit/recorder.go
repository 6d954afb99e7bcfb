package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Buffer is the size of the async write queue.
	// Default: 256
	Buffer int

	// WriteTimeout bounds each storage write.
	// Default: 5 seconds
	WriteTimeout time.Duration
}

// Recorder writes events to storage on a background goroutine. Record
// never blocks; events are dropped when the queue is full.
type Recorder struct {
	storage Storage
	config  RecorderConfig
	logger  *slog.Logger

	queue   chan *Event
	dropped atomic.Uint64
	written atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder starts a recorder writing to storage.
func NewRecorder(storage Storage, config RecorderConfig, logger *slog.Logger) *Recorder {
	if config.Buffer <= 0 {
		config.Buffer = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		storage: storage,
		config:  config,
		logger:  logger.With("component", "audit.recorder"),
		queue:   make(chan *Event, config.Buffer),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues ev, filling in ID and Time if unset. It returns the id.
func (r *Recorder) Record(ev Event) string {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return ev.ID
	}

	select {
	case r.queue <- &ev:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit queue full, dropping event",
			"event_id", ev.ID,
			"outcome", ev.Outcome,
			"capacity", r.config.Buffer,
		)
	}
	return ev.ID
}

// Dropped returns the number of events that could not be queued.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns the number of events stored successfully.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Storage returns the backing store.
func (r *Recorder) Storage() Storage {
	return r.storage
}

// Close drains the queue and waits for pending writes. The storage is not
// closed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for ev := range r.queue {
		r.write(ev)
	}
}

func (r *Recorder) write(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	if err := r.storage.Store(ctx, ev); err != nil {
		r.logger.Error("failed to store audit event",
			"event_id", ev.ID,
			"error", err,
		)
		return
	}
	r.written.Add(1)
}
