package monitoring

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// ErrAlertNotFound marks an alert ID with no matching active alert.
var ErrAlertNotFound = errors.New("monitoring: alert not active")

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertState tracks an alert through its lifecycle.
type AlertState string

const (
	AlertTriggered    AlertState = "TRIGGERED"
	AlertAcknowledged AlertState = "ACKNOWLEDGED"
	AlertResolved     AlertState = "RESOLVED"
)

// Alert is one threshold breach. Type names the rule, Source names
// the measured subject; together they identify the breach.
type Alert struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Source         string     `json:"source"`
	Severity       Severity   `json:"severity"`
	State          AlertState `json:"state"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     time.Time  `json:"resolved_at,omitempty"`
}

// AlertStats summarizes manager activity since start.
type AlertStats struct {
	Active     int   `json:"active"`
	Triggered  int64 `json:"triggered"`
	Suppressed int64 `json:"suppressed"`
	Resolved   int64 `json:"resolved"`
}

const alertHistoryLimit = 500

func alertKey(alertType, source string) string {
	return alertType + "|" + source
}

// AlertManager holds the active alert set, suppresses repeats of the
// same (type, source) inside the suppression window, and fans new
// breaches out to the notifier, the event log and Prometheus.
type AlertManager struct {
	mu         sync.Mutex
	active     map[string]*Alert
	history    []Alert
	lastFired  map[string]time.Time
	suppressed int64
	triggered  int64
	resolved   int64

	suppression time.Duration
	notifier    *Notifier
	metrics     MetricsCollector
	events      events.Logger
	log         *logger.Logger
}

// NewAlertManager wires the manager. notifier may be nil when no
// channel is configured.
func NewAlertManager(suppression time.Duration, notifier *Notifier, metrics MetricsCollector, ev events.Logger, log *logger.Logger) *AlertManager {
	if metrics == nil {
		metrics = NewNoOpCollector()
	}
	if ev == nil {
		ev = events.NoOp{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &AlertManager{
		active:      make(map[string]*Alert),
		lastFired:   make(map[string]time.Time),
		suppression: suppression,
		notifier:    notifier,
		metrics:     metrics,
		events:      ev,
		log:         log.WithField("component", "alerts"),
	}
}

// Trigger raises an alert. While the same (type, source) is active or
// inside the suppression window the call only refreshes the measured
// value; nothing is re-notified. Reports whether a new alert fired.
func (m *AlertManager) Trigger(a Alert) (Alert, bool) {
	now := time.Now().UTC()
	key := alertKey(a.Type, a.Source)

	m.mu.Lock()
	if existing, ok := m.active[key]; ok {
		existing.Value = a.Value
		out := *existing
		m.suppressed++
		m.mu.Unlock()
		return out, false
	}
	if last, ok := m.lastFired[key]; ok && now.Sub(last) < m.suppression {
		m.suppressed++
		m.mu.Unlock()
		return Alert{}, false
	}
	a.ID = uuid.NewString()
	a.State = AlertTriggered
	a.TriggeredAt = now
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}
	stored := a
	m.active[key] = &a
	m.lastFired[key] = now
	m.triggered++
	activeCount := len(m.active)
	m.mu.Unlock()

	m.metrics.RecordAlert(string(stored.Severity))
	m.metrics.SetActiveAlerts(activeCount)
	events.New(events.EventAlertTriggered).
		Entity("alert", stored.ID).
		Severity(eventSeverity(stored.Severity)).
		Status(string(AlertTriggered)).
		Message(stored.Message).
		Metadata("alert_type", stored.Type).
		Metadata("source", stored.Source).
		Metadata("value", strconv.FormatFloat(stored.Value, 'f', -1, 64)).
		Metadata("threshold", strconv.FormatFloat(stored.Threshold, 'f', -1, 64)).
		LogTo(m.events)
	m.log.Warn("alert triggered",
		"alert_type", stored.Type,
		"source", stored.Source,
		"severity", string(stored.Severity),
		"value", stored.Value,
		"threshold", stored.Threshold,
	)
	if m.notifier != nil {
		m.notifier.Send(Notification{
			Title:    stored.Type,
			Message:  stored.Message,
			Severity: stored.Severity,
			Source:   stored.Source,
			At:       stored.TriggeredAt,
		})
	}
	return stored, true
}

// Acknowledge marks an active alert as seen by an operator.
func (m *AlertManager) Acknowledge(id, by string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.active {
		if a.ID != id {
			continue
		}
		if a.State == AlertAcknowledged {
			return *a, nil
		}
		a.State = AlertAcknowledged
		a.AcknowledgedAt = time.Now().UTC()
		a.AcknowledgedBy = by
		return *a, nil
	}
	return Alert{}, fmt.Errorf("alert %s: %w", id, ErrAlertNotFound)
}

// Resolve closes the active alert for (type, source), if any. The
// collectors call this when the measurement drops back under its
// threshold.
func (m *AlertManager) Resolve(alertType, source string) (Alert, bool) {
	key := alertKey(alertType, source)

	m.mu.Lock()
	a, ok := m.active[key]
	if !ok {
		m.mu.Unlock()
		return Alert{}, false
	}
	delete(m.active, key)
	a.State = AlertResolved
	a.ResolvedAt = time.Now().UTC()
	m.resolved++
	m.pushHistoryLocked(*a)
	out := *a
	activeCount := len(m.active)
	m.mu.Unlock()

	m.metrics.SetActiveAlerts(activeCount)
	events.New(events.EventAlertResolved).
		Entity("alert", out.ID).
		Status(string(AlertResolved)).
		Message(out.Type + " back under threshold").
		Metadata("alert_type", out.Type).
		Metadata("source", out.Source).
		LogTo(m.events)
	m.log.Info("alert resolved", "alert_type", out.Type, "source", out.Source)
	return out, true
}

// ResolveID closes an active alert by ID. Operator path.
func (m *AlertManager) ResolveID(id string) (Alert, error) {
	m.mu.Lock()
	var key string
	for k, a := range m.active {
		if a.ID == id {
			key = k
			break
		}
	}
	m.mu.Unlock()
	if key == "" {
		return Alert{}, fmt.Errorf("alert %s: %w", id, ErrAlertNotFound)
	}
	parts := splitAlertKey(key)
	out, ok := m.Resolve(parts[0], parts[1])
	if !ok {
		return Alert{}, fmt.Errorf("alert %s: %w", id, ErrAlertNotFound)
	}
	return out, nil
}

// Active returns the unresolved alerts, most recent first.
func (m *AlertManager) Active() []Alert {
	m.mu.Lock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return out
}

// ActiveCount reports unresolved alerts.
func (m *AlertManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// History returns up to limit resolved alerts, most recent first.
func (m *AlertManager) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Alert, 0, limit)
	for i := len(m.history) - 1; i >= len(m.history)-limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Stats summarizes manager activity.
func (m *AlertManager) Stats() AlertStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return AlertStats{
		Active:     len(m.active),
		Triggered:  m.triggered,
		Suppressed: m.suppressed,
		Resolved:   m.resolved,
	}
}

func (m *AlertManager) pushHistoryLocked(a Alert) {
	m.history = append(m.history, a)
	if len(m.history) > alertHistoryLimit {
		m.history = m.history[len(m.history)-alertHistoryLimit:]
	}
}

func splitAlertKey(key string) [2]string {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return [2]string{key[:i], key[i+1:]}
		}
	}
	return [2]string{key, ""}
}

func eventSeverity(s Severity) events.Severity {
	switch s {
	case SeverityCritical:
		return events.SeverityError
	case SeverityWarning:
		return events.SeverityWarning
	default:
		return events.SeverityInfo
	}
}
