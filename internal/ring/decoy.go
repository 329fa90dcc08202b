package ring

import (
	"context"
	"math"
	mrand "math/rand"
	"sort"
	"sync"
	"time"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// DecoySource supplies spendable-looking historical outputs for ring
// construction.
type DecoySource interface {
	// TipHeight returns the current chain tip.
	TipHeight(ctx context.Context) (int64, error)
	// CandidatesInRange returns up to limit distinct outputs with
	// block height in [minHeight, maxHeight].
	CandidatesInRange(ctx context.Context, minHeight, maxHeight int64, limit int) ([]Member, error)
}

// Age-distribution parameters. The gamma shape/rate pair models
// observed spend ages over ln(seconds); sampled ages convert to blocks
// at the nominal spacing and clamp into the configured window.
const (
	gammaShape        = 19.28
	gammaRate         = 1.61
	decoyBlockSeconds = 120
)

// Selector draws decoys whose ages follow the configured distribution,
// so rings blend into organic spend patterns instead of clustering at
// one depth.
type Selector struct {
	cfg config.RingConfig
	src DecoySource

	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSelector validates the decoy parameters and seeds the sampler.
func NewSelector(cfg config.RingConfig, src DecoySource) (*Selector, error) {
	if src == nil {
		return nil, errors.InputValidation("decoy source is required")
	}
	switch cfg.DecoySelection {
	case "", "gamma", "uniform", "triangular":
	default:
		return nil, errors.InputValidationf("decoy selection %q unknown", cfg.DecoySelection)
	}
	if cfg.DecoyMinimumAge < 0 || cfg.DecoyMaximumAge <= cfg.DecoyMinimumAge {
		return nil, errors.InputValidationf("decoy age window [%d,%d] is invalid",
			cfg.DecoyMinimumAge, cfg.DecoyMaximumAge)
	}
	return &Selector{
		cfg: cfg,
		src: src,
		rng: mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Seed re-seeds the sampler. Tests use it for reproducible draws.
func (s *Selector) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = mrand.New(mrand.NewSource(seed))
}

// Select picks count decoys from the source, excluding the real key.
// Candidates are matched to sampled target ages by nearest height so
// the selection tracks the distribution even when the pool is sparse.
func (s *Selector) Select(ctx context.Context, count int, exclude *secp256k1.PublicKey) ([]Member, error) {
	if count <= 0 {
		return nil, nil
	}
	tip, err := s.src.TipHeight(ctx)
	if err != nil {
		return nil, errors.Transient("decoy source tip height", err)
	}
	lo := tip - s.cfg.DecoyMaximumAge
	hi := tip - s.cfg.DecoyMinimumAge
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		return nil, errors.Transient("chain shorter than decoy window", nil)
	}

	limit := 4 * count
	if limit < 64 {
		limit = 64
	}
	pool, err := s.src.CandidatesInRange(ctx, lo, hi, limit)
	if err != nil {
		return nil, errors.Transient("decoy candidates", err)
	}
	if exclude != nil {
		kept := pool[:0]
		for _, c := range pool {
			if !crypto.PointsEqual(c.PubKey, exclude) {
				kept = append(kept, c)
			}
		}
		pool = kept
	}
	if len(pool) < count {
		return nil, errors.Transient("decoy pool too small", nil).
			WithDetails("have", len(pool)).WithDetails("need", count)
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].Height < pool[j].Height })

	used := make([]bool, len(pool))
	selected := make([]Member, 0, count)
	for len(selected) < count {
		target := tip - s.sampleAge()
		idx := nearestUnused(pool, used, target)
		used[idx] = true
		selected = append(selected, pool[idx])
	}
	return selected, nil
}

// sampleAge draws one block age from the configured distribution,
// clamped into [DecoyMinimumAge, DecoyMaximumAge].
func (s *Selector) sampleAge() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	min, max := s.cfg.DecoyMinimumAge, s.cfg.DecoyMaximumAge
	var age int64
	switch s.cfg.DecoySelection {
	case "uniform":
		age = min + s.rng.Int63n(max-min+1)
	case "triangular":
		// Mode at the young edge: recent outputs are spent most often.
		span := float64(max - min)
		age = max - int64(span*math.Sqrt(s.rng.Float64()))
	default: // gamma
		g := sampleGamma(s.rng, gammaShape, 1/gammaRate)
		seconds := math.Exp(g)
		age = int64(seconds / decoyBlockSeconds)
	}
	if age < min {
		age = min
	}
	if age > max {
		age = max
	}
	return age
}

// sampleGamma draws from Gamma(shape, scale) by Marsaglia–Tsang.
func sampleGamma(rng *mrand.Rand, shape, scale float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1, scale) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// nearestUnused finds the unused pool entry whose height is closest to
// target. The pool is sorted by height.
func nearestUnused(pool []Member, used []bool, target int64) int {
	idx := sort.Search(len(pool), func(i int) bool { return pool[i].Height >= target })
	best, bestDist := -1, int64(math.MaxInt64)
	for lo, hi := idx-1, idx; lo >= 0 || hi < len(pool); lo, hi = lo-1, hi+1 {
		if hi < len(pool) && !used[hi] {
			if d := pool[hi].Height - target; d < bestDist {
				best, bestDist = hi, d
			}
		}
		if lo >= 0 && !used[lo] {
			if d := target - pool[lo].Height; d < bestDist {
				best, bestDist = lo, d
			}
		}
		if best >= 0 {
			// Entries further out in both directions can only be
			// further from the target.
			loDone := lo < 0 || target-pool[lo].Height > bestDist
			hiDone := hi >= len(pool) || pool[hi].Height-target > bestDist
			if loDone && hiDone {
				break
			}
		}
	}
	if best < 0 {
		for i := range pool {
			if !used[i] {
				return i
			}
		}
	}
	return best
}

// SyntheticSource fabricates decoy outputs with fresh keypairs. It
// backs the ring path on simulated chains, where no real output
// history exists to draw from.
type SyntheticSource struct {
	mu           sync.Mutex
	tip          int64
	confidential bool
}

// NewSyntheticSource creates a source reporting the given tip height.
func NewSyntheticSource(tip int64, confidential bool) *SyntheticSource {
	return &SyntheticSource{tip: tip, confidential: confidential}
}

// SetTip moves the reported tip height.
func (s *SyntheticSource) SetTip(h int64) {
	s.mu.Lock()
	s.tip = h
	s.mu.Unlock()
}

// TipHeight implements DecoySource.
func (s *SyntheticSource) TipHeight(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tip, nil
}

// CandidatesInRange implements DecoySource: limit fresh outputs spread
// evenly across the window.
func (s *SyntheticSource) CandidatesInRange(ctx context.Context, minHeight, maxHeight int64, limit int) ([]Member, error) {
	if limit <= 0 || maxHeight < minHeight {
		return nil, nil
	}
	span := maxHeight - minHeight + 1
	out := make([]Member, 0, limit)
	for i := 0; i < limit; i++ {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		m := Member{
			PubKey: kp.Pub,
			Height: minHeight + int64(i)*span/int64(limit),
		}
		if s.confidential {
			blind, err := crypto.RandomScalar()
			if err != nil {
				return nil, err
			}
			m.Commitment = crypto.ScalarBaseMult(blind)
		}
		out = append(out, m)
	}
	return out, nil
}
