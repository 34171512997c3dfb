// Package monitor ends a session when its score limit or time limit is
// reached. Only the host runs it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
)

const (
	DefaultScoreInterval    = 15 * time.Second
	DefaultDurationInterval = 30 * time.Second
)

// Committer writes session patches.
type Committer interface {
	Commit(ctx context.Context, patch domain.SessionPatch) (domain.Session, error)
}

type Config struct {
	Sessions     backend.Sessions
	Participants backend.Participants
	Committer    Committer
	Code         string
	Clock        clockwork.Clock
	Logger       *slog.Logger

	ScoreInterval    time.Duration
	DurationInterval time.Duration
}

type Monitor struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	active    bool
	startedAt time.Time
	sched     gocron.Scheduler
	cancel    context.CancelFunc
}

func New(cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ScoreInterval <= 0 {
		cfg.ScoreInterval = DefaultScoreInterval
	}
	if cfg.DurationInterval <= 0 {
		cfg.DurationInterval = DefaultDurationInterval
	}
	return &Monitor{
		cfg: cfg,
		log: cfg.Logger.With("component", "monitor", "session", cfg.Code),
	}
}

// ObservePhase tracks whether a game is running and when it first entered
// playing. Returning to waiting restarts the duration clock.
func (m *Monitor) ObservePhase(p domain.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = p.Active()
	switch {
	case p == domain.PhaseWaiting:
		m.startedAt = time.Time{}
	case p == domain.PhasePlaying && m.startedAt.IsZero():
		m.startedAt = m.cfg.Clock.Now()
	}
}

func (m *Monitor) state() (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.startedAt
}

// CheckScoreLimit ends the game once any participant reaches the limit.
func (m *Monitor) CheckScoreLimit(ctx context.Context) (bool, error) {
	active, _ := m.state()
	if !active {
		return false, nil
	}
	session, err := m.session(ctx)
	if err != nil || session.ScoreLimit <= 0 {
		return false, err
	}

	participants, err := m.cfg.Participants.ListParticipants(ctx, m.cfg.Code)
	if err != nil {
		return false, domain.Transient(fmt.Errorf("list participants: %w", err))
	}
	best := 0
	for _, p := range participants {
		if p.Score > best {
			best = p.Score
		}
	}
	if best < session.ScoreLimit {
		return false, nil
	}
	m.log.InfoContext(ctx, "monitor: score limit reached", "limit", session.ScoreLimit, "best", best)
	return m.end(ctx)
}

// CheckDuration ends the game once the configured duration has passed since
// it first entered playing.
func (m *Monitor) CheckDuration(ctx context.Context) (bool, error) {
	active, startedAt := m.state()
	if !active || startedAt.IsZero() {
		return false, nil
	}
	session, err := m.session(ctx)
	if err != nil || session.DurationMinutes <= 0 {
		return false, err
	}

	limit := time.Duration(session.DurationMinutes * float64(time.Minute))
	elapsed := m.cfg.Clock.Since(startedAt)
	if elapsed < limit {
		return false, nil
	}
	m.log.InfoContext(ctx, "monitor: duration reached", "limit", limit, "elapsed", elapsed)
	return m.end(ctx)
}

func (m *Monitor) session(ctx context.Context) (domain.Session, error) {
	session, err := m.cfg.Sessions.GetSession(ctx, m.cfg.Code)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.Session{}, err
		}
		return domain.Session{}, domain.Transient(fmt.Errorf("get session: %w", err))
	}
	return session, nil
}

// end is an unconditional write, harmless when another writer already ended
// the session.
func (m *Monitor) end(ctx context.Context) (bool, error) {
	if _, err := m.cfg.Committer.Commit(ctx, domain.SessionPatch{Phase: domain.Ptr(domain.PhaseEnd)}); err != nil {
		return false, err
	}
	m.ObservePhase(domain.PhaseEnd)
	return true, nil
}

// Start schedules both checks. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched != nil {
		return nil
	}

	sched, err := gocron.NewScheduler(gocron.WithClock(m.cfg.Clock))
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)

	jobs := []struct {
		name     string
		interval time.Duration
		check    func(context.Context) (bool, error)
	}{
		{"score-limit", m.cfg.ScoreInterval, m.CheckScoreLimit},
		{"duration", m.cfg.DurationInterval, m.CheckDuration},
	}
	for _, job := range jobs {
		job := job
		_, err := sched.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() {
				if _, err := job.check(ctx); err != nil {
					m.log.WarnContext(ctx, "monitor: check failed", "check", job.name, "err", err)
				}
			}),
			gocron.WithName(m.cfg.Code+"-"+job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = sched.Shutdown()
			return fmt.Errorf("schedule %s check: %w", job.name, err)
		}
	}

	sched.Start()
	m.sched = sched
	m.cancel = cancel
	return nil
}

// Stop shuts the scheduler down and waits for running checks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	sched, cancel := m.sched, m.cancel
	m.sched, m.cancel = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			m.log.Warn("monitor: scheduler shutdown", "err", err)
		}
	}
}
