package catalog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

type failingLoader struct{}

func (failingLoader) LoadSongs(context.Context, domain.ContentFilter) ([]domain.Song, error) {
	return nil, errors.New("connection refused")
}

func TestBundleIsUsable(t *testing.T) {
	songs, err := catalog.BundledSongs()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(songs), 20)

	seen := make(map[string]struct{})
	for _, s := range songs {
		require.True(t, s.Playable(), s.ID)
		require.NotEmpty(t, s.Title, s.ID)
		_, dup := seen[s.ID]
		require.False(t, dup, s.ID)
		seen[s.ID] = struct{}{}
	}
}

func TestStaticLoaderFilters(t *testing.T) {
	loader, err := catalog.Bundled()
	require.NoError(t, err)

	rock, err := loader.LoadSongs(context.Background(), domain.ContentFilter{Genres: []string{"Rock"}})
	require.NoError(t, err)
	require.NotEmpty(t, rock)
	for _, s := range rock {
		require.Equal(t, "rock", s.Genre)
	}
}

func TestRepositoryCaches(t *testing.T) {
	ctx := context.Background()
	static, err := catalog.Bundled()
	require.NoError(t, err)
	loader := &countingLoader{Loader: static}

	now := time.Date(2024, 11, 22, 12, 0, 0, 0, time.UTC)
	repo := catalog.NewRepositoryWithClock(loader, time.Minute, func() time.Time { return now })

	_, err = repo.LoadSongs(ctx, domain.ContentFilter{Decades: []int{1980}})
	require.NoError(t, err)
	_, err = repo.LoadSongs(ctx, domain.ContentFilter{Decades: []int{1980}})
	require.NoError(t, err)
	require.Equal(t, 1, loader.count())

	_, err = repo.LoadSongs(ctx, domain.ContentFilter{Decades: []int{1990}})
	require.NoError(t, err)
	require.Equal(t, 2, loader.count())

	// past TTL plus the maximum jitter
	now = now.Add(2 * time.Minute)
	_, err = repo.LoadSongs(ctx, domain.ContentFilter{Decades: []int{1980}})
	require.NoError(t, err)
	require.Equal(t, 3, loader.count())
}

func TestFallbackLoader(t *testing.T) {
	ctx := context.Background()
	static, err := catalog.Bundled()
	require.NoError(t, err)

	tests := map[string]catalog.Loader{
		"primary fails": failingLoader{},
		"primary empty": catalog.NewStaticLoader(nil),
	}
	for name, primary := range tests {
		primary := primary
		t.Run(name, func(t *testing.T) {
			songs, err := catalog.FallbackLoader{Primary: primary, Fallback: static}.LoadSongs(ctx, domain.ContentFilter{})
			require.NoError(t, err)
			require.NotEmpty(t, songs)
		})
	}

	_, err = catalog.FallbackLoader{Primary: failingLoader{}}.LoadSongs(ctx, domain.ContentFilter{})
	require.Error(t, err)
}

func TestFilterKeyIsCanonical(t *testing.T) {
	a := catalog.FilterKey(domain.ContentFilter{Genres: []string{"Rock", "pop"}, Decades: []int{1990, 1980}})
	b := catalog.FilterKey(domain.ContentFilter{Genres: []string{"pop", "rock"}, Decades: []int{1980, 1990}})
	require.Equal(t, a, b)
	require.Equal(t, "all", catalog.FilterKey(domain.ContentFilter{}))
}
