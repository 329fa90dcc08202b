// Package registry holds the two process-wide invariant sets: spent
// key images and banned participants. Both are repository-backed and
// fronted by in-memory caches so the hot paths stay off the database.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// DefaultKeyImageCacheSize bounds the in-memory mirror of the spent set.
const DefaultKeyImageCacheSize = 100_000

// KeyImages is the spent key image set. Inserts are first-seen-wins:
// the store's insert-if-absent is authoritative, the cache only
// short-circuits repeat offenders.
type KeyImages struct {
	store storage.KeyImageStore
	log   *logger.Logger

	mu    sync.Mutex
	cache map[string]struct{}
	order []string
	limit int
}

// NewKeyImages builds a registry over the given store. cacheSize <= 0
// selects the default bound.
func NewKeyImages(store storage.KeyImageStore, log *logger.Logger, cacheSize int) *KeyImages {
	if log == nil {
		log = logger.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultKeyImageCacheSize
	}
	return &KeyImages{
		store: store,
		log:   log,
		cache: make(map[string]struct{}, cacheSize),
		limit: cacheSize,
	}
}

// TryInsert records the image as spent. The first caller wins;
// concurrent inserts of the same image collapse to one row and every
// loser gets a DoubleSpend error.
func (r *KeyImages) TryInsert(ctx context.Context, image, sourceID string) error {
	image = strings.ToLower(image)
	if !domain.ValidKeyImageHex(image) {
		return errors.InputValidationf("key image %q is not 33 compressed-point hex bytes", image)
	}

	r.mu.Lock()
	if _, hit := r.cache[image]; hit {
		r.mu.Unlock()
		return errors.DoubleSpend("key image already spent").WithDetails("key_image", image)
	}
	r.mu.Unlock()

	err := r.store.InsertKeyImage(ctx, domain.KeyImageRecord{
		Image:     image,
		SourceID:  sourceID,
		FirstSeen: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			r.remember(image)
			return errors.DoubleSpend("key image already spent").WithDetails("key_image", image)
		}
		return errors.Transient("key image insert failed", err)
	}

	r.remember(image)
	r.log.Debug("key image registered", "key_image", image, "source", sourceID)
	return nil
}

// Contains reports whether an image is already in the spent set
// without consuming it. Verification paths use this; only a completed
// signature calls TryInsert.
func (r *KeyImages) Contains(ctx context.Context, image string) (bool, error) {
	image = strings.ToLower(image)

	r.mu.Lock()
	_, hit := r.cache[image]
	r.mu.Unlock()
	if hit {
		return true, nil
	}

	// The cache is bounded, so a miss still needs the store.
	seen, err := r.store.KeyImageExists(ctx, image)
	if err != nil {
		return false, errors.Transient("key image lookup failed", err)
	}
	if seen {
		r.remember(image)
	}
	return seen, nil
}

func (r *KeyImages) remember(image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[image]; ok {
		return
	}
	if len(r.order) >= r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.cache[image] = struct{}{}
	r.order = append(r.order, image)
}

// Bans is the banned participant set with TTL. Writes go to the store
// and the cache together; reads prefer the cache and fall back to the
// store on miss.
type Bans struct {
	store storage.BanStore
	log   *logger.Logger

	mu    sync.RWMutex
	cache map[string]time.Time
}

// NewBans builds a ban set over the given store.
func NewBans(store storage.BanStore, log *logger.Logger) *Bans {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bans{
		store: store,
		log:   log,
		cache: make(map[string]time.Time),
	}
}

// Load warms the cache from the store. Called once on startup.
func (b *Bans) Load(ctx context.Context) error {
	active, err := b.store.ListActiveBans(ctx, time.Now().UTC())
	if err != nil {
		return errors.Transient("load bans", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ban := range active {
		b.cache[ban.ParticipantID] = ban.ExpiresAt
	}
	return nil
}

// Ban adds or extends a ban for the given duration.
func (b *Bans) Ban(ctx context.Context, participantID, reason string, d time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(d)
	err := b.store.UpsertBan(ctx, domain.BanRecord{
		ParticipantID: participantID,
		Reason:        reason,
		BannedAt:      now,
		ExpiresAt:     expires,
	})
	if err != nil {
		return errors.Transient("persist ban", err)
	}

	b.mu.Lock()
	b.cache[participantID] = expires
	b.mu.Unlock()

	b.log.Warn("participant banned", "participant", participantID, "reason", reason, "until", expires.Format(time.RFC3339))
	return nil
}

// IsBanned reports whether the participant is currently banned.
func (b *Bans) IsBanned(ctx context.Context, participantID string) (bool, error) {
	now := time.Now().UTC()

	b.mu.RLock()
	expires, hit := b.cache[participantID]
	b.mu.RUnlock()
	if hit {
		if now.Before(expires) {
			return true, nil
		}
		b.mu.Lock()
		delete(b.cache, participantID)
		b.mu.Unlock()
		return false, nil
	}

	banned, err := b.store.IsBanned(ctx, participantID, now)
	if err != nil {
		return false, errors.Transient("ban lookup failed", err)
	}
	return banned, nil
}

// Sweep deletes expired bans from store and cache; returns how many
// store rows went.
func (b *Bans) Sweep(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	removed, err := b.store.DeleteExpiredBans(ctx, now)
	if err != nil {
		return 0, errors.Transient("sweep bans", err)
	}

	b.mu.Lock()
	for id, expires := range b.cache {
		if !now.Before(expires) {
			delete(b.cache, id)
		}
	}
	b.mu.Unlock()
	return removed, nil
}
