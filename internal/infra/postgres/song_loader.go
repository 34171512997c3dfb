package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"trivia-party/internal/domain"
)

// SongLoader reads the song catalog from the songs table.
type SongLoader struct {
	pool *pgxpool.Pool
}

func NewSongLoader(pool *pgxpool.Pool) *SongLoader {
	return &SongLoader{pool: pool}
}

const selectSongs = `
SELECT id, title, artist, preview_url, video_id, genre, decade
FROM songs
WHERE (cardinality($1::text[]) = 0 OR lower(genre) = ANY($1))
  AND (cardinality($2::int[]) = 0 OR decade = ANY($2))
ORDER BY id`

func (l *SongLoader) LoadSongs(ctx context.Context, filter domain.ContentFilter) ([]domain.Song, error) {
	genres := make([]string, 0, len(filter.Genres))
	for _, g := range filter.Genres {
		genres = append(genres, strings.ToLower(strings.TrimSpace(g)))
	}
	decades := make([]int32, 0, len(filter.Decades))
	for _, d := range filter.Decades {
		decades = append(decades, int32(d))
	}

	rows, err := l.pool.Query(ctx, selectSongs, genres, decades)
	if err != nil {
		return nil, fmt.Errorf("load songs: %w", err)
	}
	defer rows.Close()

	songs := make([]domain.Song, 0)
	for rows.Next() {
		var s domain.Song
		var decade int32
		if err := rows.Scan(&s.ID, &s.Title, &s.Artist, &s.PreviewURL, &s.VideoID, &s.Genre, &decade); err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		s.Decade = int(decade)
		songs = append(songs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load songs: %w", err)
	}
	return songs, nil
}

const upsertSong = `
INSERT INTO songs (id, title, artist, preview_url, video_id, genre, decade)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  artist = EXCLUDED.artist,
  preview_url = EXCLUDED.preview_url,
  video_id = EXCLUDED.video_id,
  genre = EXCLUDED.genre,
  decade = EXCLUDED.decade`

// Upsert writes songs in one batch and returns how many rows were written.
func (l *SongLoader) Upsert(ctx context.Context, songs []domain.Song) (int, error) {
	if len(songs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range songs {
		batch.Queue(upsertSong, s.ID, s.Title, s.Artist, s.PreviewURL, s.VideoID, s.Genre, int32(s.Decade))
	}

	results := l.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for _, s := range songs {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("upsert song %s: %w", s.ID, err)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}
