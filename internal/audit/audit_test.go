package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

func TestWriterFlushesRecords(t *testing.T) {
	store := storage.NewMemory()
	w := NewWriter(store, logger.NewNop())
	w.Start()

	w.Info("request.created", "mix_request", "req-1", map[string]interface{}{"currency": "BTC"})
	w.Warning("request.flagged", "mix_request", "req-1", nil)
	w.Critical("request.blocked", "mix_request", "req-2", nil)
	w.Stop()

	recs, err := store.ListAuditRecords(context.Background(), "mix_request", "req-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	blocked, err := store.ListAuditRecords(context.Background(), "mix_request", "req-2", 10)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, domain.AuditCritical, blocked[0].Level)
	assert.Equal(t, "request.blocked", blocked[0].Action)
	assert.Equal(t, int64(0), w.Dropped())
}

func TestWriterTimesOperations(t *testing.T) {
	store := storage.NewMemory()
	w := NewWriter(store, logger.NewNop())
	w.Start()

	err := w.Operation("broadcast", func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	w.Stop()

	pcts, err := store.OperationDurationPercentiles(context.Background(), "broadcast",
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pcts.P50, int64(1))
}

func TestWriterNilStoreDiscards(t *testing.T) {
	w := NewWriter(nil, nil)
	w.Start()
	w.Info("noop", "x", "y", nil)
	w.Timing("noop", time.Millisecond, true)
	w.Stop()
	assert.Equal(t, int64(0), w.Dropped())
}

func TestWriterStopIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	w := NewWriter(store, logger.NewNop())
	w.Start()
	w.Stop()
	w.Stop()
}
