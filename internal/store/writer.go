package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxcart/voxcart/internal/resilience"
)

// writeTimeout bounds a single database insert so a stalled connection never
// backs up the writer goroutine.
const writeTimeout = 5 * time.Second

// defaultQueueSize is the number of pending records the writer buffers before
// it starts dropping.
const defaultQueueSize = 256

// record is one queued write.
type record struct {
	sessionID string
	utterance Utterance
}

// Writer decouples the relay path from the database. Records are queued and
// written by a single background goroutine; when the queue is full or the
// circuit breaker is open, records are dropped with a log line instead of
// blocking the caller. A nil *Writer is valid and discards everything.
type Writer struct {
	store   *Store
	breaker *resilience.CircuitBreaker

	ch        chan record
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// WriterConfig holds tuning knobs for a [Writer].
type WriterConfig struct {
	// BreakerThreshold is the consecutive failure count that opens the
	// breaker. Default: 5.
	BreakerThreshold int

	// BreakerCooldown is how long the breaker stays open. Default: 30s.
	BreakerCooldown time.Duration

	// QueueSize is the pending record buffer. Default: 256.
	QueueSize int
}

// NewWriter starts a background writer for s.
func NewWriter(s *Store, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	w := &Writer{
		store: s,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "utterance-store",
			MaxFailures:  cfg.BreakerThreshold,
			ResetTimeout: cfg.BreakerCooldown,
		}),
		ch:   make(chan record, cfg.QueueSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// Record queues u for writing. It never blocks: when the queue is full the
// record is dropped. Safe to call on a nil Writer.
func (w *Writer) Record(sessionID string, u Utterance) {
	if w == nil {
		return
	}
	select {
	case w.ch <- record{sessionID: sessionID, utterance: u}:
	default:
		slog.Debug("utterance writer queue full, dropping record",
			"session_id", sessionID, "kind", u.Kind)
	}
}

// Close stops the writer after draining queued records. Idempotent. Safe to
// call on a nil Writer.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.done
	})
}

// run is the single writer goroutine. On stop it drains whatever is queued
// before exiting.
func (w *Writer) run() {
	defer close(w.done)

	for {
		select {
		case rec := <-w.ch:
			w.write(rec)
		case <-w.stop:
			for {
				select {
				case rec := <-w.ch:
					w.write(rec)
				default:
					return
				}
			}
		}
	}
}

// write performs one breaker-guarded insert.
func (w *Writer) write(rec record) {
	err := w.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return w.store.WriteUtterance(ctx, rec.sessionID, rec.utterance)
	})
	if err != nil {
		slog.Warn("utterance write failed",
			"session_id", rec.sessionID, "kind", rec.utterance.Kind, "error", err)
	}
}
