package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/storage"
)

const testImage = "02" + "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"

func TestTryInsertFirstSeenWins(t *testing.T) {
	r := NewKeyImages(storage.NewMemory(), nil, 0)
	ctx := context.Background()

	if err := r.TryInsert(ctx, testImage, "req-1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := r.TryInsert(ctx, testImage, "req-2")
	if errors.KindOf(err) != errors.KindDoubleSpend {
		t.Errorf("second insert kind = %s, want DOUBLE_SPEND", errors.KindOf(err))
	}

	// Mixed case is the same image.
	err = r.TryInsert(ctx, strings.ToUpper(testImage), "req-3")
	if errors.KindOf(err) != errors.KindDoubleSpend {
		t.Errorf("case-variant insert kind = %s, want DOUBLE_SPEND", errors.KindOf(err))
	}
}

func TestTryInsertRejectsMalformedImage(t *testing.T) {
	r := NewKeyImages(storage.NewMemory(), nil, 0)

	err := r.TryInsert(context.Background(), "not-hex", "req-1")
	if errors.KindOf(err) != errors.KindInputValidation {
		t.Errorf("kind = %s, want INPUT_VALIDATION", errors.KindOf(err))
	}
}

func TestTryInsertConcurrentCollapsesToOneWinner(t *testing.T) {
	r := NewKeyImages(storage.NewMemory(), nil, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.TryInsert(ctx, testImage, "race")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.KindOf(err) == errors.KindDoubleSpend {
				losses++
			}
		}()
	}
	wg.Wait()

	if wins != 1 || losses != 15 {
		t.Errorf("wins=%d losses=%d, want 1/15", wins, losses)
	}
}

func TestContainsDoesNotConsume(t *testing.T) {
	r := NewKeyImages(storage.NewMemory(), nil, 0)
	ctx := context.Background()

	seen, err := r.Contains(ctx, testImage)
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if seen {
		t.Error("fresh image reported as seen")
	}

	// A probe must leave the image spendable.
	if err := r.TryInsert(ctx, testImage, "req-1"); err != nil {
		t.Fatalf("insert after probe: %v", err)
	}
	seen, _ = r.Contains(ctx, testImage)
	if !seen {
		t.Error("registered image reported as unseen")
	}
}

func TestKeyImageCacheEviction(t *testing.T) {
	store := storage.NewMemory()
	r := NewKeyImages(store, nil, 2)
	ctx := context.Background()

	images := []string{
		"02" + strings.Repeat("aa", 32),
		"02" + strings.Repeat("bb", 32),
		"02" + strings.Repeat("cc", 32),
	}
	for _, img := range images {
		if err := r.TryInsert(ctx, img, "req"); err != nil {
			t.Fatalf("insert %s: %v", img[:4], err)
		}
	}

	// The first image fell out of the cache but the store still has it.
	err := r.TryInsert(ctx, images[0], "req-again")
	if errors.KindOf(err) != errors.KindDoubleSpend {
		t.Errorf("evicted image reinsert kind = %s, want DOUBLE_SPEND", errors.KindOf(err))
	}
}

func TestBanLifecycle(t *testing.T) {
	b := NewBans(storage.NewMemory(), nil)
	ctx := context.Background()

	if err := b.Ban(ctx, "peer-1", "invalid signature", 24*time.Hour); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned, err := b.IsBanned(ctx, "peer-1")
	if err != nil {
		t.Fatalf("isbanned: %v", err)
	}
	if !banned {
		t.Error("peer-1 should be banned")
	}
	banned, _ = b.IsBanned(ctx, "peer-2")
	if banned {
		t.Error("peer-2 should not be banned")
	}
}

func TestBanExpiry(t *testing.T) {
	b := NewBans(storage.NewMemory(), nil)
	ctx := context.Background()

	if err := b.Ban(ctx, "peer-1", "stale", -time.Minute); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned, err := b.IsBanned(ctx, "peer-1")
	if err != nil {
		t.Fatalf("isbanned: %v", err)
	}
	if banned {
		t.Error("expired ban still reported")
	}

	removed, err := b.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("swept %d, want 1", removed)
	}
}

func TestBansLoadWarmsCache(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	seed := NewBans(store, nil)
	if err := seed.Ban(ctx, "peer-1", "carryover", 24*time.Hour); err != nil {
		t.Fatalf("seed ban: %v", err)
	}

	fresh := NewBans(store, nil)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	banned, _ := fresh.IsBanned(ctx, "peer-1")
	if !banned {
		t.Error("loaded ban not visible")
	}
}
