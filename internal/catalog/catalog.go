// Package catalog provides the song pool rounds are generated from.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"trivia-party/internal/domain"
)

// Loader fetches the songs matching a content filter.
type Loader interface {
	LoadSongs(ctx context.Context, filter domain.ContentFilter) ([]domain.Song, error)
}

// FilterKey is a canonical cache key for a filter.
func FilterKey(f domain.ContentFilter) string {
	genres := make([]string, 0, len(f.Genres))
	for _, g := range f.Genres {
		genres = append(genres, strings.ToLower(strings.TrimSpace(g)))
	}
	sort.Strings(genres)

	decades := make([]int, len(f.Decades))
	copy(decades, f.Decades)
	sort.Ints(decades)
	ds := make([]string, 0, len(decades))
	for _, d := range decades {
		ds = append(ds, strconv.Itoa(d))
	}

	if len(genres) == 0 && len(ds) == 0 {
		return "all"
	}
	return "g=" + strings.Join(genres, ",") + ";d=" + strings.Join(ds, ",")
}

// FallbackLoader serves from Primary and falls back to the local bundle when
// the primary source fails or has nothing for the filter.
type FallbackLoader struct {
	Primary  Loader
	Fallback Loader
	Logger   *slog.Logger
}

func (l FallbackLoader) LoadSongs(ctx context.Context, filter domain.ContentFilter) ([]domain.Song, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if l.Primary != nil {
		songs, err := l.Primary.LoadSongs(ctx, filter)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "catalog: primary source failed, using fallback", "err", err)
		case len(songs) == 0:
			logger.InfoContext(ctx, "catalog: primary source empty, using fallback", "filter", FilterKey(filter))
		default:
			return songs, nil
		}
	}
	if l.Fallback == nil {
		return nil, errors.New("catalog: no fallback source")
	}
	songs, err := l.Fallback.LoadSongs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("fallback catalog: %w", err)
	}
	return songs, nil
}
