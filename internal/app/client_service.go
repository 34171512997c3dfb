// Package app hosts many game clients in one process: one game context per
// connected client id, resumed from durable storage on reconnect.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"

	"trivia-party/internal/backend"
	"trivia-party/internal/catalog"
	"trivia-party/internal/domain"
	"trivia-party/internal/gamectx"
	"trivia-party/internal/localstore"
	"trivia-party/internal/phase"
	"trivia-party/internal/round"
)

var (
	ErrMissingClientID = errors.New("missing client id")
	ErrInvalidClientID = errors.New("invalid client id")
)

// MaxClientIDLength bounds client ids, which end up in storage keys.
const MaxClientIDLength = 128

// Surface is what a connected client renders: navigation, toasts and state.
type Surface interface {
	phase.Navigator
	gamectx.Notifier
	gamectx.Observer
}

// StoreFactory returns the durable storage of one client id.
type StoreFactory func(clientID string) localstore.Store

// Timing tunes the client cores. Zero values use the component defaults.
type Timing struct {
	DebounceWindow   time.Duration
	NavigationDelay  time.Duration
	RoundBudget      time.Duration
	ScoreInterval    time.Duration
	DurationInterval time.Duration
}

type Config struct {
	Backend backend.Backend
	Catalog catalog.Loader
	// Stores defaults to one in-memory store per client id, kept for the
	// life of the service.
	Stores StoreFactory
	Clock  clockwork.Clock
	Logger *slog.Logger
	Timing Timing
}

// ClientService tracks the game context of every connected client.
type ClientService struct {
	cfg       Config
	log       *slog.Logger
	generator *round.Generator

	mu        sync.Mutex
	clients   map[string]*gamectx.Context
	memStores map[string]*localstore.Memory
}

func NewClientService(cfg Config) *ClientService {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ClientService{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "clients"),
		generator: round.NewGenerator(),
		clients:   make(map[string]*gamectx.Context),
		memStores: make(map[string]*localstore.Memory),
	}
}

// Connect creates the game context for clientID and resumes its stored
// session. A previous connection with the same id is closed first. The
// returned context is usable even when err reports a failed resume.
func (s *ClientService) Connect(ctx context.Context, clientID string, surface Surface) (*gamectx.Context, error) {
	if err := validateClientID(clientID); err != nil {
		return nil, err
	}
	gc := gamectx.New(gamectx.Config{
		Backend:          s.cfg.Backend,
		Catalog:          s.cfg.Catalog,
		Generator:        s.generator,
		Store:            s.store(clientID),
		Navigator:        surface,
		Notifier:         surface,
		Observer:         surface,
		Clock:            s.cfg.Clock,
		Logger:           s.cfg.Logger.With("client", clientID),
		DebounceWindow:   s.cfg.Timing.DebounceWindow,
		NavigationDelay:  s.cfg.Timing.NavigationDelay,
		RoundBudget:      s.cfg.Timing.RoundBudget,
		ScoreInterval:    s.cfg.Timing.ScoreInterval,
		DurationInterval: s.cfg.Timing.DurationInterval,
	})

	s.mu.Lock()
	previous := s.clients[clientID]
	s.clients[clientID] = gc
	s.mu.Unlock()
	if previous != nil {
		s.log.InfoContext(ctx, "clients: replacing connection", "client", clientID)
		previous.Close()
	}

	err := gc.Init(ctx)
	if err == nil && gc.Connected() {
		if _, ok := gc.Session(); !ok {
			_, err = s.cfg.Backend.GetSession(ctx, gc.Identity().Code)
		}
	}
	if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrParticipantNotFound) {
		// the stored game is gone; start fresh
		s.log.InfoContext(ctx, "clients: dropping stale session", "client", clientID, "err", err)
		return gc, gc.ClearGameData(ctx)
	}
	return gc, err
}

// Disconnect closes gc unless a newer connection already replaced it; the
// stored identity is kept so the client can resume.
func (s *ClientService) Disconnect(clientID string, gc *gamectx.Context) {
	s.mu.Lock()
	if s.clients[clientID] == gc {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()
	gc.Close()
}

// Connected returns how many clients are connected.
func (s *ClientService) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown closes every connected client.
func (s *ClientService) Shutdown() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*gamectx.Context)
	s.mu.Unlock()

	for _, gc := range clients {
		gc.Close()
	}
}

func validateClientID(id string) error {
	if id == "" {
		return ErrMissingClientID
	}
	if len(id) > MaxClientIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidClientID, MaxClientIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace", ErrInvalidClientID)
		}
	}
	return nil
}

func (s *ClientService) store(clientID string) localstore.Store {
	if s.cfg.Stores != nil {
		return s.cfg.Stores(clientID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memStores[clientID]
	if !ok {
		m = localstore.NewMemory()
		s.memStores[clientID] = m
	}
	return m
}
