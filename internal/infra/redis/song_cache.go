package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"trivia-party/internal/catalog"
	"trivia-party/internal/domain"
)

// SongCache caches filtered song lists in Redis and falls back to a loader
// on a miss. Lists are stored as JSON under catalog:{filter key}, so every
// process sharing the Redis instance shares the cache.
type SongCache struct {
	client *redis.Client
	loader catalog.Loader
	prefix string
	ttl    time.Duration
	log    *slog.Logger
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewSongCache(client *redis.Client, loader catalog.Loader, prefix string, ttl time.Duration, logger *slog.Logger) *SongCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SongCache{
		client: client,
		loader: loader,
		prefix: prefix,
		ttl:    ttl,
		log:    logger.With("component", "song-cache"),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *SongCache) LoadSongs(ctx context.Context, filter domain.ContentFilter) ([]domain.Song, error) {
	key := c.prefix + "catalog:" + catalog.FilterKey(filter)
	if songs, ok := c.lookup(ctx, key); ok {
		return songs, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another caller filled it.
		if songs, ok := c.lookup(ctx, key); ok {
			return songs, nil
		}

		songs, err := c.loader.LoadSongs(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(songs) == 0 {
			// an empty list is not cached so a later seed shows up at once
			return songs, nil
		}

		data, err := json.Marshal(songs)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, data, c.ttlWithJitter()).Err(); err != nil {
			c.log.WarnContext(ctx, "song-cache: store failed", "key", key, "err", err)
		}
		return songs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Song), nil
}

func (c *SongCache) lookup(ctx context.Context, key string) ([]domain.Song, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "song-cache: read failed", "key", key, "err", err)
		}
		return nil, false
	}
	var songs []domain.Song
	if err := json.Unmarshal(raw, &songs); err != nil {
		c.log.WarnContext(ctx, "song-cache: dropping unreadable entry", "key", key, "err", err)
		return nil, false
	}
	return songs, true
}

func (c *SongCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
