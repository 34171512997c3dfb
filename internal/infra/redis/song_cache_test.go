package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"trivia-party/internal/catalog"
	"trivia-party/internal/domain"
)

type countingLoader struct {
	catalog.Loader
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadSongs(ctx context.Context, f domain.ContentFilter) ([]domain.Song, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.Loader.LoadSongs(ctx, f)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestSongCacheCachesInRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := newClient(mr)
	defer client.Close()

	bundled, err := catalog.Bundled()
	require.NoError(t, err)
	loader := &countingLoader{Loader: bundled}
	cache := NewSongCache(client, loader, "test:", time.Minute, nil)

	rock := domain.ContentFilter{Genres: []string{"Rock"}}
	first, err := cache.LoadSongs(ctx, rock)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	require.Equal(t, 1, loader.count())
	require.True(t, mr.Exists("test:catalog:"+catalog.FilterKey(rock)))

	// Second call should hit cache, loader not incremented.
	second, err := cache.LoadSongs(ctx, domain.ContentFilter{Genres: []string{"rock"}})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, loader.count())

	_, err = cache.LoadSongs(ctx, domain.ContentFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, loader.count())

	mr.FastForward(2 * time.Minute)
	_, err = cache.LoadSongs(ctx, rock)
	require.NoError(t, err)
	require.Equal(t, 3, loader.count())
}

func TestSongCacheSkipsEmptyResults(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := newClient(mr)
	defer client.Close()

	loader := &countingLoader{Loader: catalog.NewStaticLoader(nil)}
	cache := NewSongCache(client, loader, "test:", time.Minute, nil)

	for i := 0; i < 2; i++ {
		songs, err := cache.LoadSongs(ctx, domain.ContentFilter{})
		require.NoError(t, err)
		require.Empty(t, songs)
	}
	require.Equal(t, 2, loader.count())
}
