package monitoring

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// A collectFunc samples one category and returns named measurements.
// Partial results are fine; a source that errors is skipped.
type collectFunc func(ctx context.Context) map[string]float64

// SystemCollector samples host health. Percentages are 0-100.
type SystemCollector struct {
	diskPath string
}

func NewSystemCollector() *SystemCollector {
	return &SystemCollector{diskPath: "/"}
}

func (c *SystemCollector) Collect(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, 8)
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		out["cpu_percent"] = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["memory_percent"] = vm.UsedPercent
		out["memory_used_mb"] = float64(vm.Used) / (1 << 20)
	}
	if du, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		out["disk_percent"] = du.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out["load1"] = avg.Load1
		out["load5"] = avg.Load5
	}
	out["goroutines"] = float64(runtime.NumGoroutine())
	return out
}

// BusinessCollector samples the request pipeline and pool liquidity
// from the stats queries.
type BusinessCollector struct {
	store storage.Store
	log   *logger.Logger
}

func NewBusinessCollector(store storage.Store, log *logger.Logger) *BusinessCollector {
	return &BusinessCollector{store: store, log: log}
}

func (c *BusinessCollector) Collect(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, 24)

	counts, err := c.store.CountRequestsByStatus(ctx)
	if err != nil {
		c.log.Warn("business collection: status counts", "error", err)
	} else {
		var active float64
		for status, n := range counts {
			out["requests_"+string(status)] = float64(n)
			if !status.Terminal() {
				active += float64(n)
			}
		}
		out["requests_active"] = active
	}

	var totalDone, totalFailed float64
	for _, currency := range domain.Currencies() {
		key := strings.ToLower(string(currency))
		stats, err := c.store.GetMixStats(ctx, currency)
		if err != nil {
			c.log.Warn("business collection: mix stats", "currency", currency, "error", err)
			continue
		}
		out["volume_"+key] = stats.TotalVolume.Float64()
		out["fees_"+key] = stats.TotalFees.Float64()
		totalDone += float64(stats.CompletedRequests)
		totalFailed += float64(stats.FailedRequests)

		balance, err := c.store.SumWalletBalances(ctx, currency)
		if err != nil {
			c.log.Warn("business collection: wallet balances", "currency", currency, "error", err)
			continue
		}
		out["pool_balance_"+key] = balance.Float64()
	}
	if settled := totalDone + totalFailed; settled > 0 {
		out["failure_rate_percent"] = totalFailed / settled * 100
	} else {
		out["failure_rate_percent"] = 0
	}
	return out
}

// SecurityCollector samples ban pressure, key image growth and recent
// double spend rejections.
type SecurityCollector struct {
	store  storage.Store
	events events.Logger
	window time.Duration
	log    *logger.Logger
}

func NewSecurityCollector(store storage.Store, ev events.Logger, window time.Duration, log *logger.Logger) *SecurityCollector {
	if window <= 0 {
		window = time.Hour
	}
	return &SecurityCollector{store: store, events: ev, window: window, log: log}
}

func (c *SecurityCollector) Collect(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, 6)
	now := time.Now().UTC()

	if bans, err := c.store.ListActiveBans(ctx, now); err != nil {
		c.log.Warn("security collection: bans", "error", err)
	} else {
		out["active_bans"] = float64(len(bans))
	}
	if images, err := c.store.ListKeyImagesSince(ctx, now.Add(-c.window)); err != nil {
		c.log.Warn("security collection: key images", "error", err)
	} else {
		out["key_images_window"] = float64(len(images))
	}

	cutoff := now.Add(-c.window)
	out["double_spend_rejects"] = float64(countEventsSince(c.events, events.EventDoubleSpend, cutoff))
	out["policy_rejections"] = float64(countEventsSince(c.events, events.EventSecurityRejected, cutoff))
	out["security_flags"] = float64(countEventsSince(c.events, events.EventSecurityFlagged, cutoff))
	return out
}

func countEventsSince(ev events.Logger, eventType events.EventType, cutoff time.Time) int {
	count := 0
	for _, e := range ev.RecentByType(eventType, 512) {
		if !e.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count
}

// PerformanceCollector samples operation latency percentiles from the
// audit timing log plus process heap pressure.
type PerformanceCollector struct {
	store      storage.Store
	window     time.Duration
	operations []string
	log        *logger.Logger
}

func NewPerformanceCollector(store storage.Store, window time.Duration, log *logger.Logger) *PerformanceCollector {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &PerformanceCollector{
		store:  store,
		window: window,
		operations: []string{
			"mix." + string(domain.AlgorithmCoinJoin),
			"mix." + string(domain.AlgorithmRing),
			"payout.broadcast",
		},
		log: log,
	}
}

func (c *PerformanceCollector) Collect(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, 12)
	now := time.Now().UTC()

	for _, op := range c.operations {
		pct, err := c.store.OperationDurationPercentiles(ctx, op, now.Add(-c.window), now)
		if err != nil {
			c.log.Warn("performance collection: percentiles", "operation", op, "error", err)
			continue
		}
		key := strings.ReplaceAll(op, ".", "_")
		out[key+"_p50_ms"] = float64(pct.P50)
		out[key+"_p90_ms"] = float64(pct.P90)
		out[key+"_p99_ms"] = float64(pct.P99)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out["heap_alloc_mb"] = float64(ms.HeapAlloc) / (1 << 20)
	out["gc_runs"] = float64(ms.NumGC)
	return out
}
