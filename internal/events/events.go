// Package events provides bounded in-memory event logging for the
// mixing coordinator. Every lifecycle transition of a request, session,
// wallet or output is recorded here in the order the owning task
// applied it, so subscribers observe per-entity history in lifecycle
// order. The buffer is circular: telemetry never grows without bound.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies a coordinator event.
type EventType string

const (
	// Request lifecycle
	EventRequestCreated       EventType = "request.created"
	EventRequestStatusChanged EventType = "request.status_changed"
	EventDepositConfirmed     EventType = "request.deposit_confirmed"

	// CoinJoin session lifecycle
	EventSessionCreated    EventType = "session.created"
	EventSessionPhase      EventType = "session.phase"
	EventSessionJoined     EventType = "session.joined"
	EventSessionBlamed     EventType = "session.blamed"
	EventSessionCompleted  EventType = "session.completed"
	EventSessionCancelled  EventType = "session.cancelled"
	EventSessionBroadcast  EventType = "session.broadcast"
	EventSessionShuffled   EventType = "session.shuffled"
	EventSessionRegistered EventType = "session.output_registered"

	// Wallet custody
	EventBalanceChanged EventType = "wallet.balance_changed"
	EventWalletRotated  EventType = "wallet.rotated"
	EventWalletArchived EventType = "wallet.archived"

	// Outputs
	EventOutputBroadcast EventType = "output.broadcast"
	EventOutputConfirmed EventType = "output.confirmed"
	EventOutputFailed    EventType = "output.failed"

	// Security
	EventSecurityFlagged  EventType = "security.flagged"
	EventSecurityRejected EventType = "security.rejected"
	EventDoubleSpend      EventType = "security.double_spend"

	// Monitoring
	EventAlertTriggered EventType = "alert.triggered"
	EventAlertResolved  EventType = "alert.resolved"
)

// Severity grades an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one recorded occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// EntityType/EntityID identify the owning entity: request,
	// session, wallet, output, participant.
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`

	// Status carries the post-transition state for lifecycle events.
	Status string `json:"status,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
}

// String renders the event as JSON for logs and debugging.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

// Logger is the event sink handed to every component.
type Logger interface {
	Log(event Event)
	LogWithContext(ctx context.Context, event Event)
	Subscribe(handler Handler) func()
	SubscribeFiltered(filter Filter, handler Handler) func()
	Recent(n int) []Event
	RecentByEntity(entityType, entityID string, n int) []Event
	RecentByType(eventType EventType, n int) []Event
}

// RingBuffer is a thread-safe circular event buffer.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
	seq      int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates a buffer holding at most size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log records an event and notifies subscribers. Handlers run outside
// the buffer lock; a slow subscriber delays its caller but cannot
// deadlock the buffer.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		rb.seq++
		event.ID = generateEventID(rb.seq)
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// LogWithContext attaches the trace id from ctx before logging.
func (rb *RingBuffer) LogWithContext(ctx context.Context, event Event) {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		event.TraceID = traceID
	}
	rb.Log(event)
}

// Subscribe registers a handler for every event. The returned function
// unsubscribes.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler that only sees events passing
// the filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n most recent events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}
	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByEntity returns up to n recent events for one entity, newest
// first.
func (rb *RingBuffer) RecentByEntity(entityType, entityID string, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		ev := rb.events[idx]
		if ev.EntityType == entityType && ev.EntityID == entityID {
			result = append(result, ev)
		}
	}
	return result
}

// RecentByType returns up to n recent events of one type, newest first.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].Type == eventType {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear empties the buffer. Subscriptions survive.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID stores a trace id for LogWithContext to pick up.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func generateEventID(seq int64) string {
	return time.Now().UTC().Format("20060102150405.000000000") + "-" + itoa(seq)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ===== Builder =====

// Builder assembles an event fluently.
type Builder struct {
	event Event
}

// New starts a builder for the given type.
func New(eventType EventType) *Builder {
	return &Builder{event: Event{
		Type:      eventType,
		Severity:  SeverityInfo,
		Timestamp: time.Now().UTC(),
	}}
}

// Entity sets the owning entity.
func (b *Builder) Entity(entityType, entityID string) *Builder {
	b.event.EntityType = entityType
	b.event.EntityID = entityID
	return b
}

// Status sets the post-transition state.
func (b *Builder) Status(status string) *Builder {
	b.event.Status = status
	return b
}

// Severity overrides the default info severity.
func (b *Builder) Severity(severity Severity) *Builder {
	b.event.Severity = severity
	return b
}

// Message sets the human-readable message.
func (b *Builder) Message(msg string) *Builder {
	b.event.Message = msg
	return b
}

// ErrorFrom records an error and raises severity.
func (b *Builder) ErrorFrom(err error) *Builder {
	if err != nil {
		b.event.Error = err.Error()
		b.event.Severity = SeverityError
	}
	return b
}

// Duration records how long the underlying operation took.
func (b *Builder) Duration(d time.Duration) *Builder {
	b.event.Duration = d
	return b
}

// Metadata adds one key to the metadata map.
func (b *Builder) Metadata(key, value string) *Builder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

// Build returns the assembled event.
func (b *Builder) Build() Event {
	return b.event
}

// LogTo builds and logs in one step.
func (b *Builder) LogTo(logger Logger) {
	logger.Log(b.Build())
}

// ===== NoOp =====

// NoOp discards everything. Tests and optional wiring.
type NoOp struct{}

func (NoOp) Log(Event)                                    {}
func (NoOp) LogWithContext(context.Context, Event)        {}
func (NoOp) Subscribe(Handler) func()                     { return func() {} }
func (NoOp) SubscribeFiltered(Filter, Handler) func()     { return func() {} }
func (NoOp) Recent(int) []Event                           { return nil }
func (NoOp) RecentByEntity(string, string, int) []Event   { return nil }
func (NoOp) RecentByType(EventType, int) []Event          { return nil }
