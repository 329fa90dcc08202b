package ring

import (
	"context"
	"testing"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

func testSelectorConfig(selection string) config.RingConfig {
	return config.RingConfig{
		RingSize:        11,
		MinRingSize:     7,
		MaxRingSize:     64,
		Algorithm:       "clsag",
		DecoySelection:  selection,
		DecoyMinimumAge: 10,
		DecoyMaximumAge: 1000,
	}
}

func TestSelectRespectsAgeWindow(t *testing.T) {
	const tip = 5000
	for _, selection := range []string{"gamma", "uniform", "triangular"} {
		t.Run(selection, func(t *testing.T) {
			cfg := testSelectorConfig(selection)
			sel, err := NewSelector(cfg, NewSyntheticSource(tip, false))
			if err != nil {
				t.Fatalf("NewSelector: %v", err)
			}
			sel.Seed(1)

			decoys, err := sel.Select(context.Background(), 10, nil)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if len(decoys) != 10 {
				t.Fatalf("selected %d, want 10", len(decoys))
			}
			lo, hi := int64(tip-cfg.DecoyMaximumAge), int64(tip-cfg.DecoyMinimumAge)
			for i, d := range decoys {
				if d.Height < lo || d.Height > hi {
					t.Errorf("decoy %d height %d outside [%d,%d]", i, d.Height, lo, hi)
				}
				if d.PubKey == nil {
					t.Errorf("decoy %d has no key", i)
				}
			}
		})
	}
}

func TestSelectReturnsDistinctMembers(t *testing.T) {
	sel, err := NewSelector(testSelectorConfig("uniform"), NewSyntheticSource(5000, false))
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	sel.Seed(2)

	decoys, err := sel.Select(context.Background(), 16, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	seen := make(map[string]struct{}, len(decoys))
	for _, d := range decoys {
		k := string(d.PubKey.SerializeCompressed())
		if _, dup := seen[k]; dup {
			t.Fatal("duplicate decoy selected")
		}
		seen[k] = struct{}{}
	}
}

func TestSelectExcludesRealKey(t *testing.T) {
	real := mustKeyPair(t)
	src := &fixedSource{tip: 5000}
	// Pool of 12 with the real key planted inside.
	for i := 0; i < 12; i++ {
		src.pool = append(src.pool, Member{PubKey: mustKeyPair(t).Pub, Height: int64(4000 + i*10)})
	}
	src.pool[4].PubKey = real.Pub

	sel, err := NewSelector(testSelectorConfig("uniform"), src)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	sel.Seed(3)

	decoys, err := sel.Select(context.Background(), 10, real.Pub)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for _, d := range decoys {
		if d.PubKey.IsEqual(real.Pub) {
			t.Fatal("real key selected as decoy")
		}
	}
}

func TestSelectFailsOnSmallPool(t *testing.T) {
	src := &fixedSource{tip: 5000}
	for i := 0; i < 3; i++ {
		src.pool = append(src.pool, Member{PubKey: mustKeyPair(t).Pub, Height: int64(4500 + i)})
	}
	sel, err := NewSelector(testSelectorConfig("uniform"), src)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	_, err = sel.Select(context.Background(), 10, nil)
	if errors.KindOf(err) != errors.KindTransient {
		t.Errorf("kind = %s, want TRANSIENT", errors.KindOf(err))
	}
}

func TestSampleAgeStaysInBounds(t *testing.T) {
	for _, selection := range []string{"gamma", "uniform", "triangular"} {
		t.Run(selection, func(t *testing.T) {
			cfg := testSelectorConfig(selection)
			sel, err := NewSelector(cfg, NewSyntheticSource(5000, false))
			if err != nil {
				t.Fatalf("NewSelector: %v", err)
			}
			sel.Seed(4)

			for i := 0; i < 500; i++ {
				age := sel.sampleAge()
				if age < cfg.DecoyMinimumAge || age > cfg.DecoyMaximumAge {
					t.Fatalf("draw %d: age %d outside [%d,%d]",
						i, age, cfg.DecoyMinimumAge, cfg.DecoyMaximumAge)
				}
			}
		})
	}
}

func TestNewSelectorRejectsBadWindow(t *testing.T) {
	cfg := testSelectorConfig("gamma")
	cfg.DecoyMinimumAge = 1000
	cfg.DecoyMaximumAge = 10

	_, err := NewSelector(cfg, NewSyntheticSource(5000, false))
	if errors.KindOf(err) != errors.KindInputValidation {
		t.Errorf("kind = %s, want INPUT_VALIDATION", errors.KindOf(err))
	}
}

// fixedSource serves a static candidate pool.
type fixedSource struct {
	tip  int64
	pool []Member
}

func (f *fixedSource) TipHeight(ctx context.Context) (int64, error) { return f.tip, nil }

func (f *fixedSource) CandidatesInRange(ctx context.Context, minHeight, maxHeight int64, limit int) ([]Member, error) {
	var out []Member
	for _, m := range f.pool {
		if m.Height >= minHeight && m.Height <= maxHeight {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
