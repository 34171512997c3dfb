package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"trivia-party/internal/domain"
)

//go:embed songs.json
var bundle []byte

// StaticLoader serves a fixed song list, by default the embedded bundle.
type StaticLoader struct {
	songs []domain.Song
}

func NewStaticLoader(songs []domain.Song) *StaticLoader {
	return &StaticLoader{songs: songs}
}

// Bundled returns a loader over the songs shipped with the binary.
func Bundled() (*StaticLoader, error) {
	songs, err := BundledSongs()
	if err != nil {
		return nil, err
	}
	return NewStaticLoader(songs), nil
}

// BundledSongs decodes the embedded bundle.
func BundledSongs() ([]domain.Song, error) {
	var songs []domain.Song
	if err := json.Unmarshal(bundle, &songs); err != nil {
		return nil, fmt.Errorf("decode song bundle: %w", err)
	}
	return songs, nil
}

func (l *StaticLoader) LoadSongs(_ context.Context, filter domain.ContentFilter) ([]domain.Song, error) {
	out := make([]domain.Song, 0, len(l.songs))
	for _, s := range l.songs {
		if filter.Match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}
