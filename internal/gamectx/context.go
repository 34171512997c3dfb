// Package gamectx composes the per-client game core: identity and settings
// persistence, the phase machine, the roster, answer coordination and, for
// hosts, the end condition monitor.
package gamectx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"trivia-party/internal/answer"
	"trivia-party/internal/backend"
	"trivia-party/internal/catalog"
	"trivia-party/internal/domain"
	"trivia-party/internal/localstore"
	"trivia-party/internal/monitor"
	"trivia-party/internal/phase"
	"trivia-party/internal/roster"
	"trivia-party/internal/round"
)

// Storage keys for the durable client identity.
const (
	KeySessionCode   = "trivia.sessionCode"
	KeyPlayerName    = "trivia.playerName"
	KeyIsHost        = "trivia.isHost"
	KeySettings      = "trivia.settings"
	KeyParticipantID = "trivia.participantId"
	KeySkipsLeft     = "trivia.skipsLeft"
)

var storageKeys = []string{KeySessionCode, KeyPlayerName, KeyIsHost, KeySettings, KeyParticipantID, KeySkipsLeft}

// Identity is who this client is within a session.
type Identity struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	IsHost        bool   `json:"isHost"`
	ParticipantID string `json:"participantId,omitempty"`
}

// Settings are the host's game options.
type Settings struct {
	ScoreLimit      int                  `json:"scoreLimit,omitempty"`
	DurationMinutes float64              `json:"durationMinutes,omitempty"`
	Filter          domain.ContentFilter `json:"filter"`
	Mode            domain.Mode          `json:"mode"`
}

// Notifier raises non-blocking notices to the user.
type Notifier interface {
	Toast(title, message string)
}

// Observer is told about state the surface renders.
type Observer interface {
	SessionChanged(session domain.Session)
	RosterChanged(participants []domain.Participant)
}

type Config struct {
	Backend   backend.Backend
	Catalog   catalog.Loader
	Generator *round.Generator
	Store     localstore.Store
	Navigator phase.Navigator
	Notifier  Notifier
	Observer  Observer
	Clock     clockwork.Clock
	Logger    *slog.Logger

	DebounceWindow   time.Duration
	NavigationDelay  time.Duration
	RoundBudget      time.Duration
	ScoreInterval    time.Duration
	DurationInterval time.Duration

	// NewCode returns a candidate join code. Defaults to six random digits.
	NewCode func() string
}

// Context is one client's view of one game.
type Context struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	identity  Identity
	settings  Settings
	connected bool
	registry  *roster.Registry
	machine   *phase.Machine
	answers   *answer.Coordinator
	monitor   *monitor.Monitor
	cancel    context.CancelFunc

	round      domain.Round
	hasRound   bool
	simplified domain.Round
}

func New(cfg Config) *Context {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Generator == nil {
		cfg.Generator = round.NewGenerator()
	}
	if cfg.Store == nil {
		cfg.Store = localstore.NewMemory()
	}
	if cfg.NewCode == nil {
		cfg.NewCode = randomCode(cfg.Generator)
	}
	return &Context{cfg: cfg, log: cfg.Logger.With("component", "gamectx")}
}

// Init hydrates identity and settings from storage and reconnects when a
// session was stored.
func (c *Context) Init(ctx context.Context) error {
	identity, settings, ok, err := c.load(ctx)
	if err != nil || !ok {
		return err
	}
	if err := c.connect(ctx, identity, settings); err != nil {
		c.log.WarnContext(ctx, "gamectx: reconnect failed", "code", identity.Code, "err", err)
		return err
	}
	return nil
}

// SetGameData persists identity and settings and connects to the session.
// Storage is rolled back when the connection cannot be established.
func (c *Context) SetGameData(ctx context.Context, identity Identity, settings Settings) error {
	if identity.Code == "" {
		return fmt.Errorf("set game data: %w", domain.ErrNoSession)
	}
	c.disconnect()
	if err := c.save(ctx, identity, settings); err != nil {
		return err
	}
	// a new game starts with the full skip allowance
	if err := c.cfg.Store.Delete(ctx, KeySkipsLeft); err != nil {
		return fmt.Errorf("reset skips: %w", err)
	}
	if err := c.connect(ctx, identity, settings); err != nil {
		if derr := c.cfg.Store.Delete(ctx, storageKeys...); derr != nil {
			c.log.WarnContext(ctx, "gamectx: storage rollback failed", "err", derr)
		}
		return err
	}
	return nil
}

// ClearGameData stops every child and forgets the identity.
func (c *Context) ClearGameData(ctx context.Context) error {
	c.disconnect()
	c.mu.Lock()
	c.identity = Identity{}
	c.settings = Settings{}
	c.mu.Unlock()
	if err := c.cfg.Store.Delete(ctx, storageKeys...); err != nil {
		return fmt.Errorf("clear game data: %w", err)
	}
	return nil
}

// Close stops children without touching storage, so Init can resume later.
func (c *Context) Close() {
	c.disconnect()
}

func (c *Context) connect(ctx context.Context, identity Identity, settings Settings) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	registry := roster.NewRegistry(roster.Config{
		Participants: c.cfg.Backend,
		SessionCode:  identity.Code,
		Logger:       c.cfg.Logger,
		OnChange:     c.rosterChanged,
	})
	machine := phase.NewMachine(phase.Config{
		Sessions:  c.cfg.Backend,
		Code:      identity.Code,
		IsHost:    identity.IsHost,
		Navigator: c.cfg.Navigator,
		Clock:     c.cfg.Clock,
		Logger:    c.cfg.Logger,
		Initial: domain.Session{
			ScoreLimit:      settings.ScoreLimit,
			DurationMinutes: settings.DurationMinutes,
			Mode:            settings.Mode,
		},
		DebounceWindow:  c.cfg.DebounceWindow,
		NavigationDelay: c.cfg.NavigationDelay,
		OnPhase:         c.phaseChanged,
		OnDeleted:       c.sessionDeleted,
	})

	var mon *monitor.Monitor
	if identity.IsHost {
		mon = monitor.New(monitor.Config{
			Sessions:         c.cfg.Backend,
			Participants:     c.cfg.Backend,
			Committer:        machine,
			Code:             identity.Code,
			Clock:            c.cfg.Clock,
			Logger:           c.cfg.Logger,
			ScoreInterval:    c.cfg.ScoreInterval,
			DurationInterval: c.cfg.DurationInterval,
		})
	}

	c.mu.Lock()
	c.identity = identity
	c.settings = settings
	c.registry = registry
	c.machine = machine
	c.monitor = mon
	c.cancel = cancel
	c.connected = true
	c.hasRound = false
	c.mu.Unlock()

	fail := func(err error) error {
		c.disconnect()
		return err
	}

	// The host creates the session row here when it is missing, before any
	// participant row references it.
	if err := machine.Start(runCtx); err != nil {
		return fail(err)
	}
	if err := registry.Start(runCtx); err != nil {
		return fail(err)
	}

	if identity.IsHost {
		host, err := registry.EnsureHost(ctx, identity.Name)
		if err != nil {
			return fail(err)
		}
		identity.ParticipantID = host.ID
	} else if identity.ParticipantID == "" {
		p, err := c.cfg.Backend.FindParticipant(ctx, identity.Code, identity.Name)
		if err != nil {
			return fail(fmt.Errorf("find participant %q: %w", identity.Name, err))
		}
		identity.ParticipantID = p.ID
	}
	if err := c.cfg.Store.Set(ctx, KeyParticipantID, identity.ParticipantID); err != nil {
		c.log.WarnContext(ctx, "gamectx: participant id not persisted", "err", err)
	}

	coordinator := answer.NewCoordinator(answer.Config{
		Participants:  c.cfg.Backend,
		Answers:       c.cfg.Backend,
		Notifier:      c.cfg.Notifier,
		Clock:         c.cfg.Clock,
		Logger:        c.cfg.Logger,
		SessionCode:   identity.Code,
		ParticipantID: identity.ParticipantID,
		RoundBudget:   c.cfg.RoundBudget,
		SkipsLeft:     c.storedSkips(ctx),
	})
	c.mu.Lock()
	c.identity = identity
	c.answers = coordinator
	c.mu.Unlock()

	// Transitions applied before the coordinator existed are replayed once.
	if s, ok := machine.Session(); ok {
		if s.Phase.Active() {
			coordinator.BeginRound(s.CurrentRound)
		}
		if mon != nil {
			mon.ObservePhase(s.Phase)
		}
	}
	if mon != nil {
		if err := mon.Start(runCtx); err != nil {
			return fail(err)
		}
	}

	c.log.InfoContext(ctx, "gamectx: connected", "code", identity.Code, "name", identity.Name, "host", identity.IsHost)
	return nil
}

func (c *Context) disconnect() {
	c.mu.Lock()
	registry, machine, mon, cancel := c.registry, c.machine, c.monitor, c.cancel
	c.registry, c.machine, c.monitor, c.answers, c.cancel = nil, nil, nil, nil, nil
	c.connected = false
	c.hasRound = false
	c.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}
	if machine != nil {
		machine.Stop()
	}
	if registry != nil {
		registry.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// phaseChanged runs for every applied transition.
func (c *Context) phaseChanged(s domain.Session) {
	c.mu.Lock()
	coordinator, mon := c.answers, c.monitor
	if r, err := round.Decode(s.RoundPayload); err == nil {
		if !c.hasRound || c.round.Number != r.Number || c.round.CorrectItem.ID != r.CorrectItem.ID {
			c.round = r
			c.hasRound = true
			c.simplified = c.cfg.Generator.Simplify(r)
		}
	} else if s.Phase == domain.PhaseWaiting {
		c.hasRound = false
	}
	c.mu.Unlock()

	if coordinator != nil && s.Phase.Active() {
		coordinator.BeginRound(s.CurrentRound)
	}
	if mon != nil {
		mon.ObservePhase(s.Phase)
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer.SessionChanged(s)
	}
}

func (c *Context) rosterChanged(participants []domain.Participant) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.RosterChanged(participants)
	}
}

// sessionDeleted runs on the phase machine's goroutine, so teardown happens
// on a separate one.
func (c *Context) sessionDeleted() {
	c.mu.Lock()
	isHost := c.identity.IsHost
	c.mu.Unlock()
	if isHost {
		return
	}
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.Toast("Game closed", "The host ended this game.")
	}
	go func() {
		if err := c.ClearGameData(context.Background()); err != nil {
			c.log.Warn("gamectx: clear after delete", "err", err)
		}
		if c.cfg.Navigator != nil {
			c.cfg.Navigator.Navigate(phase.PathHome)
		}
	}()
}

// report raises a toast for transient failures and passes err through.
func (c *Context) report(title string, err error) error {
	if err != nil && domain.IsTransient(err) && c.cfg.Notifier != nil {
		c.cfg.Notifier.Toast(title, "Please try again in a moment.")
	}
	return err
}

func (c *Context) load(ctx context.Context) (Identity, Settings, bool, error) {
	var identity Identity
	var settings Settings

	code, ok, err := c.cfg.Store.Get(ctx, KeySessionCode)
	if err != nil || !ok || code == "" {
		return identity, settings, false, err
	}
	identity.Code = code
	if identity.Name, _, err = c.cfg.Store.Get(ctx, KeyPlayerName); err != nil {
		return identity, settings, false, err
	}
	isHost, _, err := c.cfg.Store.Get(ctx, KeyIsHost)
	if err != nil {
		return identity, settings, false, err
	}
	identity.IsHost, _ = strconv.ParseBool(isHost)
	if identity.ParticipantID, _, err = c.cfg.Store.Get(ctx, KeyParticipantID); err != nil {
		return identity, settings, false, err
	}

	raw, ok, err := c.cfg.Store.Get(ctx, KeySettings)
	if err != nil {
		return identity, settings, false, err
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			c.log.WarnContext(ctx, "gamectx: ignoring unreadable settings", "err", err)
			settings = Settings{}
		}
	}
	return identity, settings, true, nil
}

// storedSkips reads the skip allowance left from an earlier connection.
func (c *Context) storedSkips(ctx context.Context) *int {
	raw, ok, err := c.cfg.Store.Get(ctx, KeySkipsLeft)
	if err != nil {
		c.log.WarnContext(ctx, "gamectx: skips not restored", "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func (c *Context) saveSkips(ctx context.Context, skipsLeft int) {
	if err := c.cfg.Store.Set(ctx, KeySkipsLeft, strconv.Itoa(skipsLeft)); err != nil {
		c.log.WarnContext(ctx, "gamectx: skips not persisted", "err", err)
	}
}

func (c *Context) save(ctx context.Context, identity Identity, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	values := []struct{ key, value string }{
		{KeySessionCode, identity.Code},
		{KeyPlayerName, identity.Name},
		{KeyIsHost, strconv.FormatBool(identity.IsHost)},
		{KeySettings, string(raw)},
		{KeyParticipantID, identity.ParticipantID},
	}
	for _, v := range values {
		if err := c.cfg.Store.Set(ctx, v.key, v.value); err != nil {
			return fmt.Errorf("persist %s: %w", v.key, err)
		}
	}
	return nil
}

// session returns the children, failing when no session is established.
func (c *Context) session() (*phase.Machine, *roster.Registry, *answer.Coordinator, Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.machine == nil {
		return nil, nil, nil, Identity{}, domain.ErrNoSession
	}
	return c.machine, c.registry, c.answers, c.identity, nil
}

func (c *Context) hostSession() (*phase.Machine, Identity, error) {
	machine, _, _, identity, err := c.session()
	if err != nil {
		return nil, Identity{}, err
	}
	if !identity.IsHost {
		return nil, Identity{}, domain.ErrNotHost
	}
	return machine, identity, nil
}

func randomCode(g *round.Generator) func() string {
	return func() string {
		return fmt.Sprintf("%06d", g.Intn(1000000))
	}
}
