package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

var errPayoutFailed = errors.New("payout failed")

// Thresholds are the alerting trip points. Percentages are 0-100,
// durations are milliseconds, counts are per security window.
type Thresholds struct {
	CPUPercent         float64
	MemoryPercent      float64
	MemoryPrunePercent float64
	DiskPercent        float64
	FailureRatePercent float64
	DoubleSpendRejects float64
	ActiveBans         float64
	MixP99Ms           float64
	PayoutP99Ms        float64
}

// DefaultThresholds returns the production trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:         90,
		MemoryPercent:      90,
		MemoryPrunePercent: 85,
		DiskPercent:        90,
		FailureRatePercent: 20,
		DoubleSpendRejects: 5,
		ActiveBans:         25,
		MixP99Ms:           600_000, // 10m
		PayoutP99Ms:        30_000,  // 30s
	}
}

// Health is the summary served by the health endpoint.
type Health struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	ActiveAlerts   int               `json:"active_alerts"`
	CriticalAlerts int               `json:"critical_alerts"`
	Checks         map[string]string `json:"checks"`
	At             time.Time         `json:"at"`
}

// Snapshot is the latest sample of every tracked series plus alerting
// and delivery state, for the dashboard endpoint.
type Snapshot struct {
	At          time.Time          `json:"at"`
	System      map[string]float64 `json:"system"`
	Business    map[string]float64 `json:"business"`
	Security    map[string]float64 `json:"security"`
	Performance map[string]float64 `json:"performance"`
	Alerts      AlertStats         `json:"alerts"`
	Channels    []ChannelStats     `json:"channels"`
}

// Monitor runs the four collection loops, folds the event stream into
// Prometheus, and trips alerts when a measurement crosses its
// threshold. One Monitor serves the whole process.
type Monitor struct {
	cfg        config.MonitoringConfig
	thresholds Thresholds
	store      storage.Store
	events     events.Logger
	log        *logger.Logger

	metrics  *Collector
	alerts   *AlertManager
	notifier *Notifier

	system      *SystemCollector
	business    *BusinessCollector
	security    *SecurityCollector
	performance *PerformanceCollector

	systemBoard      *Board
	businessBoard    *Board
	securityBoard    *Board
	performanceBoard *Board

	activeSessions atomic.Int64

	mu          sync.Mutex
	running     bool
	rootCtx     context.Context
	rootStop    context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	startedAt time.Time
}

// New wires a Monitor. Notification channels come from the config
// block; categories with no endpoint configured simply do not notify.
func New(cfg config.MonitoringConfig, store storage.Store, ev events.Logger, log *logger.Logger) *Monitor {
	if ev == nil {
		ev = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("monitoring")
	}
	metrics := NewCollector("")
	notifier := NewNotifier(cfg.NotifyMaxRetries, cfg.NotifyBaseDelay, metrics, log, ProvidersFromConfig(cfg)...)
	return &Monitor{
		cfg:         cfg,
		thresholds:  DefaultThresholds(),
		store:       store,
		events:      ev,
		log:         log.WithField("component", "monitoring"),
		metrics:     metrics,
		alerts:      NewAlertManager(cfg.SuppressionWindow, notifier, metrics, ev, log),
		notifier:    notifier,
		system:      NewSystemCollector(),
		business:    NewBusinessCollector(store, log),
		security:    NewSecurityCollector(store, ev, time.Hour, log),
		performance: NewPerformanceCollector(store, 15*time.Minute, log),

		systemBoard:      NewBoard(SystemSeriesCapacity, cfg.SeriesTTL),
		businessBoard:    NewBoard(BusinessSeriesCapacity, cfg.SeriesTTL),
		securityBoard:    NewBoard(SecuritySeriesCapacity, cfg.SeriesTTL),
		performanceBoard: NewBoard(PerformanceSeriesCapacity, cfg.SeriesTTL),
	}
}

// SetThresholds replaces the trip points. Call before Start.
func (m *Monitor) SetThresholds(t Thresholds) { m.thresholds = t }

// Registry exposes the Prometheus registry for the export handler.
func (m *Monitor) Registry() *prometheus.Registry { return m.metrics.Registry() }

// Metrics exposes the collector for components that record directly.
func (m *Monitor) Metrics() MetricsCollector { return m.metrics }

// Alerts exposes the alert manager for the admin API.
func (m *Monitor) Alerts() *AlertManager { return m.alerts }

// Start subscribes to the event stream and launches the four
// collection loops.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.rootCtx, m.rootStop = context.WithCancel(context.Background())
	m.startedAt = time.Now().UTC()
	m.mu.Unlock()

	m.notifier.Start()
	unsub := m.events.Subscribe(m.onEvent)
	m.mu.Lock()
	m.unsubscribe = unsub
	m.mu.Unlock()

	m.wg.Add(4)
	go m.loop("system", m.cfg.SystemInterval, m.systemBoard, m.system.Collect, m.evaluateSystem, m.cfg.SystemAlertEvery)
	go m.loop("business", m.cfg.BusinessInterval, m.businessBoard, m.business.Collect, m.evaluateBusiness, m.cfg.BusinessAlertEvery)
	go m.loop("security", m.cfg.SecurityInterval, m.securityBoard, m.security.Collect, m.evaluateSecurity, 0)
	go m.loop("performance", m.cfg.PerformanceInterval, m.performanceBoard, m.performance.Collect, m.evaluatePerformance, 0)

	m.log.Info("monitoring started",
		"system_interval", m.cfg.SystemInterval.String(),
		"business_interval", m.cfg.BusinessInterval.String(),
		"security_interval", m.cfg.SecurityInterval.String(),
		"performance_interval", m.cfg.PerformanceInterval.String(),
		"channels", len(m.notifier.providers))
	return nil
}

// Stop halts the loops and drains pending notifications.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	unsub := m.unsubscribe
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.rootStop()
	m.wg.Wait()
	m.notifier.Close()
	m.log.Info("monitoring stopped")
}

func (m *Monitor) loop(category string, interval time.Duration, board *Board, collect collectFunc, evaluate func(map[string]float64), alertEvery time.Duration) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	var lastEval time.Time
	run := func() {
		start := time.Now()
		samples := collect(m.rootCtx)
		for key, value := range samples {
			board.Record(key, value)
		}
		m.metrics.RecordCollection(category, time.Since(start))
		if evaluate != nil && time.Since(lastEval) >= alertEvery {
			evaluate(samples)
			lastEval = time.Now()
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// onEvent folds the coordinator event stream into Prometheus. The
// ring buffer runs handlers synchronously, so nothing here may block.
func (m *Monitor) onEvent(ev events.Event) {
	switch ev.Type {
	case events.EventRequestCreated:
		m.metrics.RecordRequestCreated(ev.Metadata["currency"], ev.Metadata["algorithm"])
	case events.EventRequestStatusChanged:
		m.metrics.RecordTransition(ev.Metadata["from"], ev.Status)
		status := domain.RequestStatus(ev.Status)
		if status.Terminal() {
			m.metrics.RecordRequestSettled(ev.Metadata["currency"], ev.Status)
		}
		if status == domain.StatusCompleting && ev.Metadata["algorithm"] == string(domain.AlgorithmRing) {
			m.metrics.RecordSignature("ring")
		}
	case events.EventSessionCreated:
		m.metrics.RecordSessionStarted()
		m.metrics.SetActiveSessions(int(m.activeSessions.Add(1)))
	case events.EventSessionCompleted:
		m.metrics.RecordSessionSettled("completed")
		m.metrics.SetActiveSessions(int(m.sessionGone()))
	case events.EventSessionCancelled:
		m.metrics.RecordSessionSettled("cancelled")
		m.metrics.SetActiveSessions(int(m.sessionGone()))
	case events.EventSessionJoined:
		m.metrics.RecordSignature("blind")
	case events.EventSessionBlamed:
		m.metrics.RecordBlame(1)
	case events.EventDoubleSpend:
		m.metrics.RecordDoubleSpendReject()
	case events.EventOutputBroadcast:
		m.metrics.RecordPayout(ev.Metadata["currency"], ev.Duration, nil)
	case events.EventOutputFailed:
		m.metrics.RecordPayout(ev.Metadata["currency"], ev.Duration, errPayoutFailed)
	case events.EventBalanceChanged:
		m.metrics.RecordWalletOperation("balance", nil)
	case events.EventWalletRotated:
		m.metrics.RecordWalletOperation("rotate", nil)
	case events.EventWalletArchived:
		m.metrics.RecordWalletOperation("archive", nil)
	}
}

func (m *Monitor) sessionGone() int64 {
	for {
		cur := m.activeSessions.Load()
		if cur <= 0 {
			return 0
		}
		if m.activeSessions.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// ===== Threshold evaluation =====

func (m *Monitor) evaluateSystem(samples map[string]float64) {
	m.check("cpu_high", "system", samples, "cpu_percent", m.thresholds.CPUPercent, SeverityWarning)
	m.check("memory_high", "system", samples, "memory_percent", m.thresholds.MemoryPercent, SeverityCritical)
	m.check("disk_high", "system", samples, "disk_percent", m.thresholds.DiskPercent, SeverityWarning)

	// Memory pressure empties expired samples immediately instead of
	// waiting for reads to trigger eviction.
	if v, ok := samples["memory_percent"]; ok && v >= m.thresholds.MemoryPrunePercent {
		dropped := m.pruneBoards()
		if dropped > 0 {
			m.log.Info("memory pressure prune", "samples_dropped", dropped, "memory_percent", v)
		}
	}
}

func (m *Monitor) evaluateBusiness(samples map[string]float64) {
	m.check("failure_rate_high", "business", samples, "failure_rate_percent", m.thresholds.FailureRatePercent, SeverityCritical)
	for _, currency := range domain.Currencies() {
		if v, ok := samples["pool_balance_"+strings.ToLower(string(currency))]; ok {
			m.metrics.SetPoolBalance(string(currency), v)
		}
	}
}

func (m *Monitor) evaluateSecurity(samples map[string]float64) {
	m.check("double_spend_surge", "security", samples, "double_spend_rejects", m.thresholds.DoubleSpendRejects, SeverityCritical)
	m.check("ban_count_high", "security", samples, "active_bans", m.thresholds.ActiveBans, SeverityWarning)
}

func (m *Monitor) evaluatePerformance(samples map[string]float64) {
	m.check("coinjoin_latency_high", "performance", samples, "mix_coinjoin_p99_ms", m.thresholds.MixP99Ms, SeverityWarning)
	m.check("ring_latency_high", "performance", samples, "mix_ring_p99_ms", m.thresholds.MixP99Ms, SeverityWarning)
	m.check("payout_latency_high", "performance", samples, "payout_broadcast_p99_ms", m.thresholds.PayoutP99Ms, SeverityWarning)
}

// check trips the alert while the measurement sits at or above its
// threshold and resolves it once the measurement drops back under.
func (m *Monitor) check(alertType, source string, samples map[string]float64, key string, threshold float64, severity Severity) {
	value, ok := samples[key]
	if !ok {
		return
	}
	if value >= threshold {
		m.alerts.Trigger(Alert{
			Type:      alertType,
			Source:    source,
			Severity:  severity,
			Message:   fmt.Sprintf("%s at %.1f, threshold %.1f", key, value, threshold),
			Value:     value,
			Threshold: threshold,
		})
		return
	}
	m.alerts.Resolve(alertType, source)
}

func (m *Monitor) pruneBoards() int {
	return m.systemBoard.Prune() +
		m.businessBoard.Prune() +
		m.securityBoard.Prune() +
		m.performanceBoard.Prune()
}

// ===== Read side =====

// Board returns the named category board, or nil.
func (m *Monitor) Board(category string) *Board {
	switch category {
	case "system":
		return m.systemBoard
	case "business":
		return m.businessBoard
	case "security":
		return m.securityBoard
	case "performance":
		return m.performanceBoard
	}
	return nil
}

// Health summarizes process health from the active alert set and the
// freshness of each category's last collection.
func (m *Monitor) Health() Health {
	active := m.alerts.Active()
	critical := 0
	for _, a := range active {
		if a.Severity == SeverityCritical {
			critical++
		}
	}
	status := "healthy"
	switch {
	case critical > 0:
		status = "critical"
	case len(active) > 0:
		status = "degraded"
	}

	checks := map[string]string{
		"system":      m.checkFreshness(m.systemBoard, m.cfg.SystemInterval),
		"business":    m.checkFreshness(m.businessBoard, m.cfg.BusinessInterval),
		"security":    m.checkFreshness(m.securityBoard, m.cfg.SecurityInterval),
		"performance": m.checkFreshness(m.performanceBoard, m.cfg.PerformanceInterval),
	}

	m.mu.Lock()
	startedAt := m.startedAt
	m.mu.Unlock()
	uptime := time.Duration(0)
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Round(time.Second)
	}
	return Health{
		Status:         status,
		Uptime:         uptime.String(),
		ActiveAlerts:   len(active),
		CriticalAlerts: critical,
		Checks:         checks,
		At:             time.Now().UTC(),
	}
}

// checkFreshness flags a category whose collector has not produced a
// sample for three intervals.
func (m *Monitor) checkFreshness(board *Board, interval time.Duration) string {
	var newest time.Time
	for _, name := range board.Names() {
		if s, ok := board.Latest(name); ok && s.At.After(newest) {
			newest = s.At
		}
	}
	if newest.IsZero() {
		return "no data"
	}
	if age := time.Since(newest); age > 3*interval {
		return fmt.Sprintf("stale (%s)", age.Round(time.Second))
	}
	return "ok"
}

// Snapshot captures the latest value of every series.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		At:          time.Now().UTC(),
		System:      boardLatest(m.systemBoard),
		Business:    boardLatest(m.businessBoard),
		Security:    boardLatest(m.securityBoard),
		Performance: boardLatest(m.performanceBoard),
		Alerts:      m.alerts.Stats(),
		Channels:    m.notifier.Stats(),
	}
}

func boardLatest(board *Board) map[string]float64 {
	out := make(map[string]float64)
	for _, name := range board.Names() {
		if s, ok := board.Latest(name); ok {
			out[name] = s.Value
		}
	}
	return out
}
