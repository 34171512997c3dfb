package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"trivia-party/internal/catalog"
	"trivia-party/internal/config"
	"trivia-party/internal/domain"
	"trivia-party/internal/infra/postgres"
)

// NewSeedCmd loads songs into the postgres catalog.
func NewSeedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load songs into the postgres catalog (the bundled list by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres url not configured")
			}

			songs, err := readSongs(file)
			if err != nil {
				return err
			}
			if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
				return err
			}

			pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			written, err := postgres.NewSongLoader(pool).Upsert(ctx, songs)
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "seed: songs written", "count", written, "source", sourceName(file))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with a list of songs")
	return cmd
}

func readSongs(path string) ([]domain.Song, error) {
	if path == "" {
		return catalog.BundledSongs()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var songs []domain.Song
	if err := json.Unmarshal(data, &songs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return songs, nil
}

func sourceName(path string) string {
	if path == "" {
		return "bundle"
	}
	return path
}
