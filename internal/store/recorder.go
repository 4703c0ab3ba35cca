// ABOUTME: Asynchronous ledger writer fed by the coordinator
// ABOUTME: Enqueues writes on a bounded channel and drops them when the queue is full

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the recorder's queue capacity when none is given.
const DefaultQueueSize = 1024

const writeTimeout = 5 * time.Second

type write struct {
	name string
	fn   func(ctx context.Context, s Store) error
}

// Recorder applies ledger writes on its own goroutine so callers never wait on disk.
type Recorder struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan write
	closed bool

	dropped atomic.Uint64
	failed  atomic.Uint64
	done    chan struct{}
}

// NewRecorder starts a recorder writing to s.
func NewRecorder(s Store, size int, logger *slog.Logger) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  s,
		logger: logger.With("component", "ledger"),
		queue:  make(chan write, size),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for w := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := w.fn(ctx, r.store)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.logger.Warn("ledger write failed", "op", w.name, "error", err)
		}
	}
}

func (r *Recorder) enqueue(name string, fn func(ctx context.Context, s Store) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- write{name: name, fn: fn}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("ledger queue full, dropping write", "op", name)
	}
}

// CommandStarted records a command. Rejected commands arrive here already terminal.
func (r *Recorder) CommandStarted(rec CommandRecord) {
	r.enqueue("insert_command", func(ctx context.Context, s Store) error {
		return s.InsertCommand(ctx, &rec)
	})
}

// CommandFinished records the terminal outcome of a forwarded command.
func (r *Recorder) CommandFinished(id string, outcome Outcome, errText string, at time.Time) {
	r.enqueue("finish_command", func(ctx context.Context, s Store) error {
		return s.FinishCommand(ctx, id, outcome, errText, at)
	})
}

// SessionOpened records an identified connection.
func (r *Recorder) SessionOpened(sess Session) {
	r.enqueue("open_session", func(ctx context.Context, s Store) error {
		return s.OpenSession(ctx, &sess)
	})
}

// SessionClosed records a connection ending.
func (r *Recorder) SessionClosed(id, reason string, at time.Time) {
	r.enqueue("close_session", func(ctx context.Context, s Store) error {
		return s.CloseSession(ctx, id, reason, at)
	})
}

// Dropped returns how many writes were discarded because the queue was full or closed.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Failed returns how many writes the store rejected.
func (r *Recorder) Failed() uint64 {
	return r.failed.Load()
}

// Close stops accepting writes and waits for queued ones to finish or ctx to end.
// It is safe to call multiple times.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
