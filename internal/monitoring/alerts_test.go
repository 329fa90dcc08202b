package monitoring

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

func newTestAlertManager(suppression time.Duration) (*AlertManager, *events.RingBuffer) {
	ev := events.NewRingBuffer(256)
	m := NewAlertManager(suppression, nil, NewNoOpCollector(), ev, logger.NewNop())
	return m, ev
}

func TestAlertTriggerAndResolve(t *testing.T) {
	m, ev := newTestAlertManager(time.Minute)

	a, fired := m.Trigger(Alert{
		Type:      "cpu_high",
		Source:    "system",
		Severity:  SeverityWarning,
		Message:   "cpu_percent at 95.0, threshold 90.0",
		Value:     95,
		Threshold: 90,
	})
	require.True(t, fired)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, AlertTriggered, a.State)
	assert.False(t, a.TriggeredAt.IsZero())
	assert.Equal(t, 1, m.ActiveCount())

	resolved, ok := m.Resolve("cpu_high", "system")
	require.True(t, ok)
	assert.Equal(t, AlertResolved, resolved.State)
	assert.False(t, resolved.ResolvedAt.IsZero())
	assert.Zero(t, m.ActiveCount())

	assert.Len(t, ev.RecentByType(events.EventAlertTriggered, 10), 1)
	assert.Len(t, ev.RecentByType(events.EventAlertResolved, 10), 1)

	hist := m.History(10)
	require.Len(t, hist, 1)
	assert.Equal(t, "cpu_high", hist[0].Type)
}

func TestAlertRepeatWhileActiveRefreshesValue(t *testing.T) {
	m, ev := newTestAlertManager(time.Minute)

	_, fired := m.Trigger(Alert{Type: "cpu_high", Source: "system", Value: 91, Threshold: 90})
	require.True(t, fired)

	again, fired := m.Trigger(Alert{Type: "cpu_high", Source: "system", Value: 97, Threshold: 90})
	assert.False(t, fired)
	assert.Equal(t, 97.0, again.Value)
	assert.Equal(t, 1, m.ActiveCount())
	assert.Len(t, ev.RecentByType(events.EventAlertTriggered, 10), 1)

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.Triggered)
	assert.EqualValues(t, 1, stats.Suppressed)
}

func TestAlertSuppressionWindowAfterResolve(t *testing.T) {
	m, _ := newTestAlertManager(80 * time.Millisecond)

	_, fired := m.Trigger(Alert{Type: "disk_high", Source: "system", Value: 95, Threshold: 90})
	require.True(t, fired)
	_, ok := m.Resolve("disk_high", "system")
	require.True(t, ok)

	// Same breach inside the window stays quiet.
	_, fired = m.Trigger(Alert{Type: "disk_high", Source: "system", Value: 95, Threshold: 90})
	assert.False(t, fired)

	time.Sleep(100 * time.Millisecond)
	_, fired = m.Trigger(Alert{Type: "disk_high", Source: "system", Value: 95, Threshold: 90})
	assert.True(t, fired)
}

func TestAlertDistinctSourcesFireIndependently(t *testing.T) {
	m, _ := newTestAlertManager(time.Minute)

	_, fired := m.Trigger(Alert{Type: "pool_low", Source: "BTC", Value: 1, Threshold: 5})
	require.True(t, fired)
	_, fired = m.Trigger(Alert{Type: "pool_low", Source: "ETH", Value: 2, Threshold: 5})
	require.True(t, fired)

	assert.Equal(t, 2, m.ActiveCount())
	active := m.Active()
	require.Len(t, active, 2)
}

func TestAlertAcknowledge(t *testing.T) {
	m, _ := newTestAlertManager(time.Minute)
	a, _ := m.Trigger(Alert{Type: "cpu_high", Source: "system", Value: 95, Threshold: 90})

	acked, err := m.Acknowledge(a.ID, "oncall")
	require.NoError(t, err)
	assert.Equal(t, AlertAcknowledged, acked.State)
	assert.Equal(t, "oncall", acked.AcknowledgedBy)
	assert.False(t, acked.AcknowledgedAt.IsZero())

	// Acknowledged alerts stay active until resolved.
	assert.Equal(t, 1, m.ActiveCount())

	_, err = m.Acknowledge("nope", "oncall")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAlertResolveByID(t *testing.T) {
	m, _ := newTestAlertManager(time.Minute)
	a, _ := m.Trigger(Alert{Type: "ban_count_high", Source: "security", Value: 30, Threshold: 25})

	resolved, err := m.ResolveID(a.ID)
	require.NoError(t, err)
	assert.Equal(t, AlertResolved, resolved.State)
	assert.Zero(t, m.ActiveCount())

	_, err = m.ResolveID(a.ID)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAlertDefaultSeverity(t *testing.T) {
	m, _ := newTestAlertManager(time.Minute)
	a, fired := m.Trigger(Alert{Type: "anything", Source: "x", Value: 1, Threshold: 1})
	require.True(t, fired)
	assert.Equal(t, SeverityWarning, a.Severity)
}

func TestAlertTriggerNotifies(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(0, time.Millisecond, NewNoOpCollector(), logger.NewNop(), NewWebhookProvider(srv.URL))
	n.Start()
	defer n.Close()

	m := NewAlertManager(time.Minute, n, NewNoOpCollector(), events.NoOp{}, logger.NewNop())
	_, fired := m.Trigger(Alert{Type: "cpu_high", Source: "system", Value: 95, Threshold: 90})
	require.True(t, fired)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	}, 2*time.Second, 10*time.Millisecond)
}
