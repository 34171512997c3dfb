// Package phase derives the local view of a session's phase from the shared
// session row and drives navigation once per real transition.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
)

const (
	DefaultDebounceWindow  = 500 * time.Millisecond
	DefaultNavigationDelay = 100 * time.Millisecond
)

const (
	PathHome        = "/"
	PathHostSetup   = "/host-setup"
	PathJoin        = "/join"
	PathWaitingRoom = "/waiting-room"
	PathGameplay    = "/gameplay"
)

// PathFor maps a phase to the screen that shows it.
func PathFor(p domain.Phase) string {
	switch p {
	case domain.PhaseWaiting:
		return PathWaitingRoom
	case domain.PhasePlaying, domain.PhaseAnswering, domain.PhaseResults:
		return PathGameplay
	default:
		return PathHome
	}
}

// Navigator routes the embedding surface to a screen.
type Navigator interface {
	Navigate(path string)
	CurrentPath() string
}

type Config struct {
	Sessions  backend.Sessions
	Code      string
	IsHost    bool
	Navigator Navigator
	Clock     clockwork.Clock
	Logger    *slog.Logger

	// Initial is the row a host creates when the session does not exist yet.
	Initial domain.Session

	// DebounceWindow is the minimum gap between two applied transitions
	// that carry the same phase and round.
	DebounceWindow  time.Duration
	NavigationDelay time.Duration

	OnPhase   func(domain.Session)
	OnDeleted func()
}

type Machine struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	session     domain.Session
	known       bool
	lastVersion int64
	lastApplied time.Time
	lastKey     transitionKey

	navigating   bool
	lastNavPhase domain.Phase
	navTimer     clockwork.Timer
	stopped      bool

	cancel func()
	done   chan struct{}
}

type transitionKey struct {
	phase domain.Phase
	round int
}

func NewMachine(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.NavigationDelay <= 0 {
		cfg.NavigationDelay = DefaultNavigationDelay
	}
	return &Machine{
		cfg: cfg,
		log: cfg.Logger.With("component", "phase", "session", cfg.Code),
	}
}

// Start subscribes to the session row, then fetches it. A host creates the
// row when it is missing. A failed fetch leaves the phase indeterminate.
func (m *Machine) Start(ctx context.Context) error {
	changes, cancel, err := m.cfg.Sessions.SubscribeSessions(ctx, m.cfg.Code)
	if err != nil {
		return domain.Transient(fmt.Errorf("subscribe session: %w", err))
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				m.Apply(change)
			case <-ctx.Done():
				return
			}
		}
	}()

	session, err := m.fetch(ctx)
	if err != nil {
		m.log.WarnContext(ctx, "phase: initial fetch failed", "err", err)
		return nil
	}
	m.Apply(domain.SessionChange{Type: domain.EventUpdate, Session: session})
	return nil
}

func (m *Machine) fetch(ctx context.Context) (domain.Session, error) {
	session, err := m.cfg.Sessions.GetSession(ctx, m.cfg.Code)
	if err == nil || !errors.Is(err, domain.ErrSessionNotFound) || !m.cfg.IsHost {
		return session, err
	}

	initial := m.cfg.Initial
	initial.Code = m.cfg.Code
	initial.Phase = domain.PhaseWaiting
	if initial.CurrentRound == 0 {
		initial.CurrentRound = 1
	}
	session, err = m.cfg.Sessions.CreateSession(ctx, initial)
	if errors.Is(err, domain.ErrSessionExists) {
		return m.cfg.Sessions.GetSession(ctx, m.cfg.Code)
	}
	if err == nil {
		m.log.InfoContext(ctx, "phase: session created", "phase", session.Phase)
	}
	return session, err
}

// Apply reconciles one notification and reports whether it produced a
// transition. Older versions are dropped. A notification repeating the
// current phase and round within the debounce window refreshes the row
// without side effects.
func (m *Machine) Apply(change domain.SessionChange) bool {
	s := change.Session
	if s.Code != "" && s.Code != m.cfg.Code {
		return false
	}

	m.mu.Lock()
	if s.Version != 0 && s.Version <= m.lastVersion {
		m.mu.Unlock()
		return false
	}
	if s.Version != 0 {
		m.lastVersion = s.Version
	}

	if change.Type == domain.EventDelete {
		wasKnown := m.known
		m.known = false
		m.session = domain.Session{}
		m.lastKey = transitionKey{}
		m.mu.Unlock()
		if wasKnown && m.cfg.OnDeleted != nil {
			m.cfg.OnDeleted()
		}
		return wasKnown
	}

	if !s.Phase.Valid() {
		m.mu.Unlock()
		m.log.Warn("phase: ignoring row with unknown phase", "phase", s.Phase)
		return false
	}

	now := m.cfg.Clock.Now()
	key := transitionKey{phase: s.Phase, round: s.CurrentRound}
	m.session = s
	m.known = true
	if key == m.lastKey && now.Sub(m.lastApplied) < m.cfg.DebounceWindow {
		m.mu.Unlock()
		return false
	}
	m.lastKey = key
	m.lastApplied = now
	m.mu.Unlock()

	m.log.Debug("phase: transition", "phase", s.Phase, "round", s.CurrentRound, "version", s.Version)
	if m.cfg.OnPhase != nil {
		m.cfg.OnPhase(s)
	}
	m.scheduleNavigation(s.Phase)
	return true
}

func (m *Machine) scheduleNavigation(p domain.Phase) {
	if m.cfg.Navigator == nil {
		return
	}

	m.mu.Lock()
	if m.stopped || m.navigating || m.skipNavigationLocked(p) {
		m.mu.Unlock()
		return
	}
	if p == domain.PhaseWaiting {
		m.lastNavPhase = p
		m.mu.Unlock()
		m.cfg.Navigator.Navigate(PathFor(p))
		return
	}
	m.navigating = true
	m.navTimer = m.cfg.Clock.AfterFunc(m.cfg.NavigationDelay, m.navigateCurrent)
	m.mu.Unlock()
}

// navigateCurrent routes to the phase current when the delay fires, so a
// transition that arrived while navigating is not lost.
func (m *Machine) navigateCurrent() {
	m.mu.Lock()
	m.navigating = false
	m.navTimer = nil
	if m.stopped || !m.known {
		m.mu.Unlock()
		return
	}
	p := m.session.Phase
	if m.skipNavigationLocked(p) {
		m.mu.Unlock()
		return
	}
	m.lastNavPhase = p
	m.mu.Unlock()

	m.cfg.Navigator.Navigate(PathFor(p))
}

func (m *Machine) skipNavigationLocked(p domain.Phase) bool {
	current := m.cfg.Navigator.CurrentPath()
	if PathFor(p) == current {
		return true
	}
	return p == m.lastNavPhase && current == PathGameplay
}

// Phase returns the last applied phase. The second result is false while
// the phase is indeterminate.
func (m *Machine) Phase() (domain.Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Phase, m.known
}

func (m *Machine) Session() (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.known
}

// Commit writes a host patch with last-write-wins semantics and applies the
// result locally.
func (m *Machine) Commit(ctx context.Context, patch domain.SessionPatch) (domain.Session, error) {
	s, err := m.cfg.Sessions.UpdateSession(ctx, m.cfg.Code, patch, 0)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.Session{}, err
		}
		return domain.Session{}, domain.Transient(fmt.Errorf("update session: %w", err))
	}
	m.Apply(domain.SessionChange{Type: domain.EventUpdate, Session: s})
	return s, nil
}

// Stop cancels the subscription and any pending navigation, including a
// delay that already fired but has not navigated yet.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	if m.navTimer != nil {
		m.navTimer.Stop()
		m.navTimer = nil
	}
	m.navigating = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
