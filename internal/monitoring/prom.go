package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector is the Prometheus surface the coordinator records
// into. A no-op implementation keeps call sites unconditional.
type MetricsCollector interface {
	RecordRequestCreated(currency, algorithm string)
	RecordRequestSettled(currency, status string)
	RecordTransition(from, to string)
	RecordMix(algorithm string, d time.Duration, err error)
	RecordSessionStarted()
	RecordSessionSettled(result string)
	SetActiveSessions(n int)
	RecordBlame(n int)
	RecordSignature(scheme string)
	RecordDoubleSpendReject()
	RecordPayout(currency string, d time.Duration, err error)
	RecordWalletOperation(operation string, err error)
	SetPoolBalance(currency string, units float64)
	RecordAlert(severity string)
	SetActiveAlerts(n int)
	RecordNotification(channel string, err error)
	RecordCollection(category string, d time.Duration)
	Registry() *prometheus.Registry
}

// Collector implements MetricsCollector on a private Prometheus
// registry so the export handler serves only mixer metrics.
type Collector struct {
	registry *prometheus.Registry

	// Request lifecycle
	requestsCreated   *prometheus.CounterVec
	requestsSettled   *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	mixDuration       *prometheus.HistogramVec

	// CoinJoin sessions
	sessionsStarted  prometheus.Counter
	sessionsSettled  *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	blameAssignments prometheus.Counter

	// Signing
	signaturesIssued   *prometheus.CounterVec
	doubleSpendRejects prometheus.Counter

	// Payouts
	payoutsTotal   *prometheus.CounterVec
	payoutDuration prometheus.Histogram

	// Wallets
	walletOperations *prometheus.CounterVec
	poolBalance      *prometheus.GaugeVec

	// Alerting
	alertsTriggered *prometheus.CounterVec
	alertsActive    prometheus.Gauge
	notifications   *prometheus.CounterVec

	// Telemetry collection itself
	collectDuration *prometheus.HistogramVec
}

// NewCollector builds and registers the full metric set under the
// given namespace. Empty defaults to "mixer".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "mixer"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),

		requestsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "requests_created_total",
				Help:      "Mix requests accepted, by currency and algorithm.",
			},
			[]string{"currency", "algorithm"},
		),
		requestsSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "requests_settled_total",
				Help:      "Mix requests reaching a terminal status.",
			},
			[]string{"currency", "status"},
		),
		statusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "status_transitions_total",
				Help:      "Lifecycle transitions taken, by edge.",
			},
			[]string{"from", "to"},
		),
		mixDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "mix_duration_seconds",
				Help:      "Wall time of algorithm execution per request.",
				// 100ms to ~3.4h
				Buckets: prometheus.ExponentialBuckets(0.1, 3, 11),
			},
			[]string{"algorithm", "result"},
		),

		sessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coinjoin",
				Name:      "sessions_started_total",
				Help:      "CoinJoin sessions opened.",
			},
		),
		sessionsSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coinjoin",
				Name:      "sessions_settled_total",
				Help:      "CoinJoin sessions finished, by result.",
			},
			[]string{"result"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coinjoin",
				Name:      "sessions_active",
				Help:      "CoinJoin sessions currently coordinating.",
			},
		),
		blameAssignments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coinjoin",
				Name:      "blame_assignments_total",
				Help:      "Participants blamed for stalling a session.",
			},
		),

		signaturesIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signing",
				Name:      "signatures_total",
				Help:      "Signatures produced, by scheme.",
			},
			[]string{"scheme"},
		),
		doubleSpendRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signing",
				Name:      "double_spend_rejects_total",
				Help:      "Inputs rejected for a reused key image.",
			},
		),

		payoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "broadcasts_total",
				Help:      "Output transaction broadcasts, by result.",
			},
			[]string{"currency", "result"},
		),
		payoutDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "broadcast_duration_seconds",
				Help:      "Wall time of a single broadcast attempt.",
				// 10ms to ~40s
				Buckets: prometheus.ExponentialBuckets(0.01, 2.3, 10),
			},
		),

		walletOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "operations_total",
				Help:      "Wallet manager operations, by kind and result.",
			},
			[]string{"operation", "result"},
		),
		poolBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "pool_balance_units",
				Help:      "Aggregate active wallet balance in base units.",
			},
			[]string{"currency"},
		),

		alertsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerting",
				Name:      "alerts_triggered_total",
				Help:      "Alerts raised, by severity.",
			},
			[]string{"severity"},
		),
		alertsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "alerting",
				Name:      "alerts_active",
				Help:      "Alerts currently unresolved.",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerting",
				Name:      "notifications_total",
				Help:      "Notification deliveries, by channel and result.",
			},
			[]string{"channel", "result"},
		),

		collectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "collection_duration_seconds",
				Help:      "Wall time of one collection sweep per category.",
				// 1ms to ~1s
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
			},
			[]string{"category"},
		),
	}

	c.registry.MustRegister(
		c.requestsCreated,
		c.requestsSettled,
		c.statusTransitions,
		c.mixDuration,
		c.sessionsStarted,
		c.sessionsSettled,
		c.activeSessions,
		c.blameAssignments,
		c.signaturesIssued,
		c.doubleSpendRejects,
		c.payoutsTotal,
		c.payoutDuration,
		c.walletOperations,
		c.poolBalance,
		c.alertsTriggered,
		c.alertsActive,
		c.notifications,
		c.collectDuration,
	)
	return c
}

// Registry exposes the private registry for the export handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordRequestCreated(currency, algorithm string) {
	c.requestsCreated.WithLabelValues(currency, algorithm).Inc()
}

func (c *Collector) RecordRequestSettled(currency, status string) {
	c.requestsSettled.WithLabelValues(currency, status).Inc()
}

func (c *Collector) RecordTransition(from, to string) {
	c.statusTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordMix(algorithm string, d time.Duration, err error) {
	c.mixDuration.WithLabelValues(algorithm, resultLabel(err)).Observe(d.Seconds())
}

func (c *Collector) RecordSessionStarted() {
	c.sessionsStarted.Inc()
}

func (c *Collector) RecordSessionSettled(result string) {
	c.sessionsSettled.WithLabelValues(result).Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

func (c *Collector) RecordBlame(n int) {
	c.blameAssignments.Add(float64(n))
}

func (c *Collector) RecordSignature(scheme string) {
	c.signaturesIssued.WithLabelValues(scheme).Inc()
}

func (c *Collector) RecordDoubleSpendReject() {
	c.doubleSpendRejects.Inc()
}

func (c *Collector) RecordPayout(currency string, d time.Duration, err error) {
	c.payoutsTotal.WithLabelValues(currency, resultLabel(err)).Inc()
	c.payoutDuration.Observe(d.Seconds())
}

func (c *Collector) RecordWalletOperation(operation string, err error) {
	c.walletOperations.WithLabelValues(operation, resultLabel(err)).Inc()
}

func (c *Collector) SetPoolBalance(currency string, units float64) {
	c.poolBalance.WithLabelValues(currency).Set(units)
}

func (c *Collector) RecordAlert(severity string) {
	c.alertsTriggered.WithLabelValues(severity).Inc()
}

func (c *Collector) SetActiveAlerts(n int) {
	c.alertsActive.Set(float64(n))
}

func (c *Collector) RecordNotification(channel string, err error) {
	c.notifications.WithLabelValues(channel, resultLabel(err)).Inc()
}

func (c *Collector) RecordCollection(category string, d time.Duration) {
	c.collectDuration.WithLabelValues(category).Observe(d.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// NoOpCollector discards every observation.
type NoOpCollector struct{}

func NewNoOpCollector() *NoOpCollector { return &NoOpCollector{} }

func (*NoOpCollector) RecordRequestCreated(string, string)            {}
func (*NoOpCollector) RecordRequestSettled(string, string)            {}
func (*NoOpCollector) RecordTransition(string, string)                {}
func (*NoOpCollector) RecordMix(string, time.Duration, error)         {}
func (*NoOpCollector) RecordSessionStarted()                          {}
func (*NoOpCollector) RecordSessionSettled(string)                    {}
func (*NoOpCollector) SetActiveSessions(int)                          {}
func (*NoOpCollector) RecordBlame(int)                                {}
func (*NoOpCollector) RecordSignature(string)                         {}
func (*NoOpCollector) RecordDoubleSpendReject()                       {}
func (*NoOpCollector) RecordPayout(string, time.Duration, error)      {}
func (*NoOpCollector) RecordWalletOperation(string, error)            {}
func (*NoOpCollector) SetPoolBalance(string, float64)                 {}
func (*NoOpCollector) RecordAlert(string)                             {}
func (*NoOpCollector) SetActiveAlerts(int)                            {}
func (*NoOpCollector) RecordNotification(string, error)               {}
func (*NoOpCollector) RecordCollection(string, time.Duration)         {}
func (*NoOpCollector) Registry() *prometheus.Registry                 { return prometheus.NewRegistry() }

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = (*NoOpCollector)(nil)
)
