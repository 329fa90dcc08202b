package chain

import (
	"context"
	"time"

	"github.com/R3E-Network/mixer_core/pkg/logger"
)

type depositFetcher func(ctx context.Context) ([]Deposit, error)

// pollDeposits drives a fetch loop and forwards deposits whose
// confirmation count advanced since the last poll. The channel closes
// when ctx is cancelled. Fetch errors are logged and retried on the
// next tick; chains flap and the subscriber should not care.
func pollDeposits(ctx context.Context, interval time.Duration, log *logger.Logger, fetch depositFetcher) <-chan Deposit {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	out := make(chan Deposit, 16)
	go func() {
		defer close(out)
		seen := make(map[string]int64)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			deposits, err := fetch(ctx)
			if err != nil {
				log.WithError(err).Debug("deposit poll failed")
			}
			for _, d := range deposits {
				if last, ok := seen[d.TxID]; ok && d.Confirmations <= last {
					continue
				}
				seen[d.TxID] = d.Confirmations
				if d.ObservedAt.IsZero() {
					d.ObservedAt = time.Now().UTC()
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-tick.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
