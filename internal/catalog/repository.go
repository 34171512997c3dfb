package catalog

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"trivia-party/internal/domain"
)

// Repository caches filtered song lists with TTL to avoid repeated loads.
type Repository struct {
	loader Loader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedSongs
}

type cachedSongs struct {
	songs     []domain.Song
	expiresAt time.Time
}

func NewRepository(loader Loader, ttl time.Duration) *Repository {
	return NewRepositoryWithClock(loader, ttl, time.Now)
}

func NewRepositoryWithClock(loader Loader, ttl time.Duration, clock func() time.Time) *Repository {
	return &Repository{
		loader: loader,
		ttl:    ttl,
		clock:  clock,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSongs),
	}
}

func (r *Repository) LoadSongs(ctx context.Context, filter domain.ContentFilter) ([]domain.Song, error) {
	key := FilterKey(filter)
	if songs, ok := r.lookup(key); ok {
		return songs, nil
	}

	result, err, _ := r.sf.Do(key, func() (interface{}, error) {
		// another caller may have filled the entry
		if songs, ok := r.lookup(key); ok {
			return songs, nil
		}

		songs, err := r.loader.LoadSongs(ctx, filter)
		if err != nil {
			return nil, err
		}

		if r.ttl > 0 {
			r.mu.Lock()
			r.cache[key] = cachedSongs{
				songs:     songs,
				expiresAt: r.clock().Add(r.ttlWithJitter()),
			}
			r.mu.Unlock()
		}
		return songs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Song), nil
}

func (r *Repository) lookup(key string) ([]domain.Song, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[key]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return nil, false
	}
	return entry.songs, true
}

func (r *Repository) ttlWithJitter() time.Duration {
	// up to 10% jitter spreads expirations
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
