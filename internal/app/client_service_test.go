package app_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trivia-party/internal/app"
	"trivia-party/internal/catalog"
	"trivia-party/internal/domain"
	"trivia-party/internal/gamectx"
	"trivia-party/internal/infra/memory"
)

type surface struct {
	mu     sync.Mutex
	path   string
	toasts []string
	phases []domain.Phase
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

func (s *surface) Toast(title, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toasts = append(s.toasts, title)
}

func (s *surface) SessionChanged(session domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, session.Phase)
}

func (s *surface) RosterChanged([]domain.Participant) {}

func newTestService(t *testing.T) (*app.ClientService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	bundled, err := catalog.Bundled()
	require.NoError(t, err)

	service := app.NewClientService(app.Config{
		Backend: store,
		Catalog: bundled,
		Timing:  app.Timing{NavigationDelay: time.Millisecond, DebounceWindow: time.Millisecond},
	})
	t.Cleanup(service.Shutdown)
	return service, store
}

func TestConnectRequiresClientID(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.Connect(context.Background(), "", &surface{})
	require.ErrorIs(t, err, app.ErrMissingClientID)
}

func TestConnectRejectsInvalidClientIDs(t *testing.T) {
	service, _ := newTestService(t)
	tests := map[string]string{
		"too long":   strings.Repeat("a", app.MaxClientIDLength+1),
		"whitespace": "client 1",
		"control":    "client\x00",
	}
	for name, id := range tests {
		t.Run(name, func(t *testing.T) {
			gc, err := service.Connect(context.Background(), id, &surface{})
			require.ErrorIs(t, err, app.ErrInvalidClientID)
			require.Nil(t, gc)
		})
	}
	require.Zero(t, service.Connected())
}

func TestReconnectResumesStoredSession(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	first, err := service.Connect(ctx, "client-1", &surface{})
	require.NoError(t, err)
	require.False(t, first.Connected())

	code, err := first.HostSession(ctx, "Host", gamectx.Settings{ScoreLimit: 50})
	require.NoError(t, err)
	require.Equal(t, 1, service.Connected())

	service.Disconnect("client-1", first)
	require.Zero(t, service.Connected())
	require.False(t, first.Connected())

	ui := &surface{}
	second, err := service.Connect(ctx, "client-1", ui)
	require.NoError(t, err)
	require.True(t, second.Connected())
	require.Equal(t, code, second.Identity().Code)
	require.True(t, second.Identity().IsHost)
	require.Equal(t, 50, second.Settings().ScoreLimit)

	p, ok := second.Phase()
	require.True(t, ok)
	require.Equal(t, domain.PhaseWaiting, p)
	require.Eventually(t, func() bool { return ui.CurrentPath() == "/waiting-room" }, time.Second, 5*time.Millisecond)
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	first, err := service.Connect(ctx, "client-1", &surface{})
	require.NoError(t, err)
	_, err = first.HostSession(ctx, "Host", gamectx.Settings{})
	require.NoError(t, err)

	second, err := service.Connect(ctx, "client-1", &surface{})
	require.NoError(t, err)
	require.False(t, first.Connected())
	require.True(t, second.Connected())

	// a late disconnect of the replaced connection leaves the new one alone
	service.Disconnect("client-1", first)
	require.Equal(t, 1, service.Connected())
	require.True(t, second.Connected())
}

func TestStaleSessionIsDropped(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)

	host, err := service.Connect(ctx, "host", &surface{})
	require.NoError(t, err)
	code, err := host.HostSession(ctx, "Host", gamectx.Settings{})
	require.NoError(t, err)

	player, err := service.Connect(ctx, "player", &surface{})
	require.NoError(t, err)
	_, err = player.Join(ctx, code, "Alice")
	require.NoError(t, err)
	service.Disconnect("player", player)

	require.NoError(t, store.DeleteParticipants(ctx, code))
	require.NoError(t, store.DeleteSession(ctx, code))

	resumed, err := service.Connect(ctx, "player", &surface{})
	require.NoError(t, err)
	require.False(t, resumed.Connected())
	require.Empty(t, resumed.Identity().Code)
}
