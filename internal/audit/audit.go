// Package audit writes the immutable trail and operation timings off
// the hot path. Writers never block a state transition: records are
// queued to a bounded channel and flushed by one background goroutine;
// overflow drops the record and counts it rather than stalling the
// caller.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

const (
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

// Writer is the asynchronous audit sink.
type Writer struct {
	store storage.AuditStore
	log   *logger.Logger

	mu      sync.Mutex
	running bool
	queue   chan interface{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewWriter builds a Writer over the audit store. A nil store yields a
// writer that discards everything, which keeps call sites unconditional.
func NewWriter(store storage.AuditStore, log *logger.Logger) *Writer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Writer{
		store: store,
		log:   log,
		queue: make(chan interface{}, defaultQueueSize),
	}
}

// Start launches the flush goroutine. Idempotent.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.store == nil {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.flushLoop()
}

// Stop drains the queue and waits for the flusher.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
	if n := w.dropped.Load(); n > 0 {
		w.log.Warn("audit records dropped under backpressure", "dropped", n)
	}
}

// Record queues an audit record. Never blocks; a full queue drops.
func (w *Writer) Record(level domain.AuditLevel, action, entityType, entityID string, details map[string]interface{}) {
	if w.store == nil {
		return
	}
	rec := domain.AuditRecord{
		ID:         uuid.NewString(),
		Level:      level,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	w.enqueue(rec)
}

// Info is the common-case Record.
func (w *Writer) Info(action, entityType, entityID string, details map[string]interface{}) {
	w.Record(domain.AuditInfo, action, entityType, entityID, details)
}

// Warning records an anomalous but handled condition.
func (w *Writer) Warning(action, entityType, entityID string, details map[string]interface{}) {
	w.Record(domain.AuditWarning, action, entityType, entityID, details)
}

// Critical records a condition an operator must see.
func (w *Writer) Critical(action, entityType, entityID string, details map[string]interface{}) {
	w.Record(domain.AuditCritical, action, entityType, entityID, details)
}

// Operation times fn and queues an operation log entry alongside
// returning fn's error unchanged.
func (w *Writer) Operation(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	w.Timing(operation, time.Since(start), err == nil)
	return err
}

// Timing queues a raw operation timing.
func (w *Writer) Timing(operation string, d time.Duration, success bool) {
	if w.store == nil {
		return
	}
	w.enqueue(domain.OperationLog{
		ID:         uuid.NewString(),
		Operation:  operation,
		DurationMs: d.Milliseconds(),
		Success:    success,
		CreatedAt:  time.Now().UTC(),
	})
}

// Dropped reports how many records were lost to backpressure.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

func (w *Writer) enqueue(item interface{}) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	select {
	case w.queue <- item:
	default:
		w.dropped.Add(1)
	}
	w.mu.Unlock()
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	for item := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch v := item.(type) {
		case domain.AuditRecord:
			err = w.store.InsertAuditRecord(ctx, v)
		case domain.OperationLog:
			err = w.store.InsertOperationLog(ctx, v)
		}
		cancel()
		if err != nil {
			w.log.Warn("audit write failed", "error", err)
		}
	}
}
