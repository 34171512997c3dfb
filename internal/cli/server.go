package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trivia-party/internal/app"
	"trivia-party/internal/backend"
	"trivia-party/internal/catalog"
	"trivia-party/internal/config"
	"trivia-party/internal/infra/memory"
	"trivia-party/internal/infra/postgres"
	redisinfra "trivia-party/internal/infra/redis"
	"trivia-party/internal/localstore"
	transport "trivia-party/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wired, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer wired.close(logger)

	service := app.NewClientService(app.Config{
		Backend: wired.backend,
		Catalog: wired.catalog,
		Stores:  wired.stores,
		Logger:  logger,
		Timing: app.Timing{
			DebounceWindow:   config.TTLDuration(cfg.Game.DebounceWindow, 0),
			NavigationDelay:  config.TTLDuration(cfg.Game.NavigationDelay, 0),
			RoundBudget:      config.TTLDuration(cfg.Game.RoundBudget, 0),
			ScoreInterval:    config.TTLDuration(cfg.Game.ScoreCheckInterval, 0),
			DurationInterval: config.TTLDuration(cfg.Game.DurationCheckInterval, 0),
		},
	})
	defer service.Shutdown()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok clients=" + strconv.Itoa(service.Connected())))
	})
	mux.HandleFunc("/ws", transport.NewWSHandler(service, logger).ServeWS)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting trivia server", "addr", server.Addr, "driver", cfg.Backend.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type deps struct {
	backend backend.Backend
	catalog catalog.Loader
	stores  app.StoreFactory
	closers []func() error
}

func (d *deps) close(logger *slog.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.Warn("close dependency", "err", err)
		}
	}
}

// buildDeps wires the backend driver, the song catalog and per-client
// storage from the config.
func buildDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (*deps, error) {
	d := &deps{}
	fail := func(err error) (*deps, error) {
		d.close(logger)
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.closers = append(d.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 24*time.Hour)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return fail(err)
		}
	}

	switch cfg.Backend.Driver {
	case config.DriverRedis:
		d.backend = redisinfra.NewStore(redisClient, redisinfra.Options{
			Prefix: cfg.Redis.Prefix,
			TTL:    redisTTL,
			Logger: logger,
		})
	case config.DriverPostgres:
		db, err := openBun(cfg)
		if err != nil {
			return fail(err)
		}
		d.closers = append(d.closers, db.Close)
		d.backend = postgres.NewStore(db, logger)
	default:
		d.backend = memory.NewStore()
	}
	d.closers = append(d.closers, d.backend.Close)

	bundled, err := catalog.Bundled()
	if err != nil {
		return fail(err)
	}
	var loader catalog.Loader = bundled
	if cfg.Catalog.Source == "postgres" && cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fail(err)
		}
		d.closers = append(d.closers, func() error { pool.Close(); return nil })
		loader = catalog.FallbackLoader{Primary: postgres.NewSongLoader(pool), Fallback: bundled, Logger: logger}
	}

	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)
	if redisClient != nil {
		d.catalog = redisinfra.NewSongCache(redisClient, loader, cfg.Redis.Prefix, catalogTTL, logger)
		d.stores = func(clientID string) localstore.Store {
			return localstore.NewRedis(redisClient, cfg.Redis.Prefix, clientID, redisTTL)
		}
	} else {
		d.catalog = catalog.NewRepository(loader, catalogTTL)
	}
	return d, nil
}
