package main

import (
	"context"

	"github.com/R3E-Network/mixer_core/internal/chain"
	"github.com/R3E-Network/mixer_core/internal/ring"
)

// tipTrackingSource anchors the decoy age window at the live chain
// tip while drawing candidate members from the coordinator-side pool.
// Ring members are coordinator constructs over custody outputs, not
// literal chain UTXOs, so the pool itself does not need an on-chain
// indexer; deployments that run one substitute their own
// ring.DecoySource here.
type tipTrackingSource struct {
	chains *chain.Registry
	pool   *ring.SyntheticSource
}

func newTipTrackingSource(chains *chain.Registry, confidential bool) *tipTrackingSource {
	return &tipTrackingSource{
		chains: chains,
		pool:   ring.NewSyntheticSource(0, confidential),
	}
}

// TipHeight reads the highest tip across the registered clients, so
// the age window is valid for whichever chain the request is on.
func (s *tipTrackingSource) TipHeight(ctx context.Context) (int64, error) {
	var best int64
	var lastErr error
	for _, currency := range s.chains.Currencies() {
		client, err := s.chains.Client(currency)
		if err != nil {
			continue
		}
		h, err := client.GetBlockHeight(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if h > best {
			best = h
		}
	}
	if best == 0 && lastErr != nil {
		return 0, lastErr
	}
	s.pool.SetTip(best)
	return best, nil
}

// CandidatesInRange implements ring.DecoySource.
func (s *tipTrackingSource) CandidatesInRange(ctx context.Context, minHeight, maxHeight int64, limit int) ([]ring.Member, error) {
	return s.pool.CandidatesInRange(ctx, minHeight, maxHeight, limit)
}

var _ ring.DecoySource = (*tipTrackingSource)(nil)
