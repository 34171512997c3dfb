package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"trivia-party/internal/app"
	"trivia-party/internal/backend"
	"trivia-party/internal/catalog"
	"trivia-party/internal/domain"
	"trivia-party/internal/gamectx"
	"trivia-party/internal/infra/postgres"
	pgmigrations "trivia-party/internal/infra/postgres/migrations"
	infraredis "trivia-party/internal/infra/redis"
	"trivia-party/internal/localstore"
)

type surface struct {
	mu   sync.Mutex
	path string
}

func (s *surface) Navigate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
}

func (s *surface) CurrentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *surface) Toast(string, string)               {}
func (s *surface) SessionChanged(domain.Session)      {}
func (s *surface) RosterChanged([]domain.Participant) {}

func TestRedisBackendGame(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	redisURL, cleanup := startRedis(t, ctx)
	defer cleanup()
	client, err := redisClientFromURL(redisURL)
	require.NoError(t, err)
	defer client.Close()

	store := infraredis.NewStore(client, infraredis.Options{Prefix: "it:", TTL: 5 * time.Minute})
	defer store.Close()

	bundled, err := catalog.Bundled()
	require.NoError(t, err)
	songs := infraredis.NewSongCache(client, bundled, "it:", time.Minute, nil)

	stores := func(clientID string) localstore.Store {
		return localstore.NewRedis(client, "it:", clientID, 5*time.Minute)
	}
	playGame(t, ctx, store, songs, stores)
}

func TestPostgresBackendGame(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, cleanup := startPostgres(t, ctx)
	defer cleanup()

	db := openDB(pgURL)
	defer db.Close()
	runMigrations(t, ctx, db)

	pool, err := pgxpool.Connect(ctx, pgURL)
	require.NoError(t, err)
	defer pool.Close()

	bundle, err := catalog.BundledSongs()
	require.NoError(t, err)
	loader := postgres.NewSongLoader(pool)
	written, err := loader.Upsert(ctx, bundle)
	require.NoError(t, err)
	require.Equal(t, len(bundle), written)

	rock, err := loader.LoadSongs(ctx, domain.ContentFilter{Genres: []string{"ROCK"}})
	require.NoError(t, err)
	require.NotEmpty(t, rock)
	for _, s := range rock {
		require.True(t, strings.EqualFold(s.Genre, "rock"), "unexpected genre %q", s.Genre)
	}

	store := postgres.NewStore(db, nil)
	defer store.Close()
	playGame(t, ctx, store, loader, nil)
}

// playGame runs a short remote game between a host and one player and checks
// that the score reaches the final leaderboard.
func playGame(t *testing.T, ctx context.Context, store backend.Backend, songs catalog.Loader, stores app.StoreFactory) {
	t.Helper()
	service := app.NewClientService(app.Config{
		Backend: store,
		Catalog: songs,
		Stores:  stores,
		Timing:  app.Timing{NavigationDelay: time.Millisecond, DebounceWindow: time.Millisecond},
	})
	defer service.Shutdown()

	host, err := service.Connect(ctx, "host", &surface{})
	require.NoError(t, err)
	code, err := host.HostSession(ctx, "Host", gamectx.Settings{Mode: domain.ModeRemote})
	require.NoError(t, err)

	playerUI := &surface{}
	player, err := service.Connect(ctx, "player", playerUI)
	require.NoError(t, err)
	_, err = player.Join(ctx, code, "Alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(host.Roster()) == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, host.StartGame(ctx))
	require.Eventually(t, func() bool {
		_, ok := player.CurrentRound()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	r, _ := player.CurrentRound()

	outcome, err := player.Answer(ctx, r.CorrectAnswerIndex)
	require.NoError(t, err)
	require.True(t, outcome.Correct)
	require.Positive(t, outcome.Points)

	_, err = player.Answer(ctx, r.CorrectAnswerIndex)
	require.ErrorIs(t, err, domain.ErrAlreadySubmitted)

	require.Eventually(t, func() bool {
		for _, p := range host.Roster() {
			if p.Name == "Alice" && p.Score == outcome.Points {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, host.EndGame(ctx))
	require.Eventually(t, func() bool {
		final, ok := player.EndOverlay()
		return ok && len(final) == 2 && final[0].Name == "Alice"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return playerUI.CurrentPath() == "/" }, 5*time.Second, 10*time.Millisecond)

	// a fresh connection for the same client resumes from durable storage
	service.Disconnect("host", host)
	again, err := service.Connect(ctx, "host", &surface{})
	require.NoError(t, err)
	require.Equal(t, code, again.Identity().Code)
	require.True(t, again.Identity().IsHost)

	require.NoError(t, again.EndAndCleanup(ctx))
	_, err = store.GetSession(ctx, code)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func openDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func runMigrations(t *testing.T, ctx context.Context, db *bun.DB) {
	t.Helper()
	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err := migrator.Migrate(ctx)
	require.NoError(t, err)
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "trivia", "POSTGRES_PASSWORD": "triviapass", "POSTGRES_DB": "trivia"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://trivia:triviapass@%s:%s/trivia?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
