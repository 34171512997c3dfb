// Package answer records each participant's answer or skip exactly once per
// round and commits the resulting points to the shared participant row.
package answer

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
	"trivia-party/internal/scoring"
)

const (
	DefaultRoundBudget = 30 * time.Second
	defaultMaxRetries  = 3
)

// Status is the per-round submission state of the local participant.
type Status int

const (
	Unanswered Status = iota
	Answered          // accepted locally, not yet confirmed by the shared record
	Committed
)

func (s Status) String() string {
	switch s {
	case Unanswered:
		return "unanswered"
	case Answered:
		return "answered"
	case Committed:
		return "committed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Notifier raises non-blocking notices to the user.
type Notifier interface {
	Toast(title, message string)
}

type Config struct {
	Participants backend.Participants
	Answers      backend.Answers
	Notifier     Notifier
	Clock        clockwork.Clock
	Logger       *slog.Logger

	SessionCode   string
	ParticipantID string

	// RoundBudget bounds how long a playing round accepts submissions.
	RoundBudget time.Duration
	// MaxRetries bounds re-reads after a version conflict.
	MaxRetries int
	// SkipsLeft restores a partly spent skip allowance. Nil starts full.
	SkipsLeft *int
}

// Submission is one answer or skip for the current round.
type Submission struct {
	Selection int
	Skip      bool
	Phase     domain.Phase
	Round     domain.Round
}

// Outcome describes an accepted submission.
type Outcome struct {
	Points    int
	Correct   bool
	Committed bool
}

// Award is a host-driven point update for one participant.
type Award struct {
	ParticipantID string
	Points        int
}

// AwardResult reports what happened to one Award. Err is
// domain.ErrAlreadyAnswered when the guard skipped the write.
type AwardResult struct {
	ParticipantID string
	Applied       bool
	Err           error
}

type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	status     Status
	round      int
	startedAt  time.Time
	local      domain.LocalPlayerState
	commitLock sync.Mutex
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RoundBudget <= 0 {
		cfg.RoundBudget = DefaultRoundBudget
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	skips := scoring.MaxSkips
	if cfg.SkipsLeft != nil {
		skips = min(max(*cfg.SkipsLeft, 0), scoring.MaxSkips)
	}
	return &Coordinator{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "answer", "session", cfg.SessionCode),
		local: domain.LocalPlayerState{SkipsLeft: skips},
	}
}

// BeginRound resets the per-round fields. The skip allowance lasts the whole game.
func (c *Coordinator) BeginRound(number int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number == c.round && !c.startedAt.IsZero() {
		return
	}
	c.round = number
	c.startedAt = c.cfg.Clock.Now()
	c.status = Unanswered
	c.local.SelectedAnswer = nil
	c.local.PendingAnswer = nil
	c.local.LastAnswerCorrect = false
	c.local.LastScore = 0
	c.local.LastAnswer = ""
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) LocalState() domain.LocalPlayerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Elapsed is the time since the current round began.
func (c *Coordinator) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return c.cfg.Clock.Since(c.startedAt)
}

// Submit accepts an answer or skip, updates local state optimistically and
// commits the points. A failed commit keeps the answered state, raises a
// toast and is not retried. When the shared row was already answered the
// local changes are undone and ErrAlreadyAnswered is returned.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	c.mu.Lock()
	if c.status != Unanswered {
		c.mu.Unlock()
		return Outcome{}, domain.ErrAlreadySubmitted
	}
	if !sub.Phase.AcceptsAnswers() {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: phase %s", domain.ErrRoundClosed, sub.Phase)
	}
	elapsed := c.cfg.Clock.Since(c.startedAt)
	if sub.Phase == domain.PhasePlaying && elapsed > c.cfg.RoundBudget {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s elapsed", domain.ErrRoundClosed, elapsed.Round(time.Millisecond))
	}

	prev := c.local
	var out Outcome
	if sub.Skip {
		if !scoring.CanSkip(c.local.SkipsLeft) {
			c.mu.Unlock()
			return Outcome{}, domain.ErrNoSkipsLeft
		}
		c.local.SkipsLeft--
		sub.Selection = -1
		out.Points = scoring.Skip()
		c.local.LastAnswer = "skip"
	} else {
		if sub.Selection < 0 || sub.Selection >= len(sub.Round.Options) {
			c.mu.Unlock()
			return Outcome{}, fmt.Errorf("answer: selection %d out of range", sub.Selection)
		}
		out.Correct = sub.Round.IsCorrect(sub.Selection)
		out.Points = scoring.Compute(scoring.Input{
			Phase:      sub.Phase,
			Elapsed:    elapsed,
			Correct:    out.Correct,
			FinalPhase: sub.Phase == domain.PhaseAnswering,
		})
		selection := sub.Selection
		c.local.SelectedAnswer = &selection
		c.local.PendingAnswer = &selection
		c.local.LastAnswer = sub.Round.Options[sub.Selection].Title
	}
	c.status = Answered
	c.local.LastAnswerCorrect = out.Correct
	c.local.LastScore = out.Points
	round := c.round
	c.mu.Unlock()

	applied, err := c.Commit(ctx, c.cfg.ParticipantID, domain.Answer{
		SessionCode: c.cfg.SessionCode,
		Round:       round,
		Selection:   sub.Selection,
		Skipped:     sub.Skip,
		Correct:     out.Correct,
		Points:      out.Points,
		Elapsed:     elapsed,
	})
	if err != nil {
		c.log.WarnContext(ctx, "answer: commit failed", "round", round, "err", err)
		if c.cfg.Notifier != nil {
			c.cfg.Notifier.Toast("Could not save your answer", "Your answer is kept on this device. Check your connection.")
		}
		return out, err
	}
	if !applied {
		// the shared row already holds an answer for this round
		c.mu.Lock()
		if c.round == round {
			c.local = prev
			c.status = Committed
		}
		c.mu.Unlock()
		return Outcome{}, domain.ErrAlreadyAnswered
	}

	c.mu.Lock()
	if c.round == round {
		c.status = Committed
		c.local.PendingAnswer = nil
	}
	c.mu.Unlock()
	out.Committed = true
	return out, nil
}

// Commit adds a.Points to the participant's score unless the shared row is
// already marked answered. It reports whether points were written. Version
// conflicts are retried with a fresh read so the answered check runs again.
func (c *Coordinator) Commit(ctx context.Context, participantID string, a domain.Answer) (bool, error) {
	c.commitLock.Lock()
	defer c.commitLock.Unlock()

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		p, err := c.cfg.Participants.GetParticipant(ctx, participantID)
		if err != nil {
			if errors.Is(err, domain.ErrParticipantNotFound) {
				return false, err
			}
			return false, domain.Transient(fmt.Errorf("read participant %s: %w", participantID, err))
		}
		if p.HasAnswered {
			c.log.DebugContext(ctx, "answer: already answered, skipping write", "participant", participantID, "round", a.Round)
			return false, nil
		}

		patch := domain.ParticipantPatch{
			Score:       domain.Ptr(p.Score + a.Points),
			HasAnswered: domain.Ptr(true),
		}
		_, err = c.cfg.Participants.UpdateParticipant(ctx, participantID, patch, p.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			c.log.DebugContext(ctx, "answer: version conflict, re-reading", "participant", participantID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return false, domain.Transient(fmt.Errorf("update participant %s: %w", participantID, err))
		}

		c.recordAnswer(ctx, participantID, a)
		return true, nil
	}
	return false, domain.Transient(fmt.Errorf("update participant %s: %w", participantID, domain.ErrVersionConflict))
}

// ApplyBatch awards points to several participants one after another, each
// through the same answered guard as Commit.
func (c *Coordinator) ApplyBatch(ctx context.Context, round int, awards []Award) []AwardResult {
	results := make([]AwardResult, 0, len(awards))
	for _, aw := range awards {
		if err := ctx.Err(); err != nil {
			results = append(results, AwardResult{ParticipantID: aw.ParticipantID, Err: err})
			continue
		}
		applied, err := c.Commit(ctx, aw.ParticipantID, domain.Answer{
			SessionCode: c.cfg.SessionCode,
			Round:       round,
			Selection:   -1,
			Points:      aw.Points,
		})
		if err == nil && !applied {
			err = domain.ErrAlreadyAnswered
		}
		results = append(results, AwardResult{ParticipantID: aw.ParticipantID, Applied: applied, Err: err})
	}
	return results
}

func (c *Coordinator) recordAnswer(ctx context.Context, participantID string, a domain.Answer) {
	if c.cfg.Answers == nil {
		return
	}
	a.ParticipantID = participantID
	if a.SessionCode == "" {
		a.SessionCode = c.cfg.SessionCode
	}
	a.SubmittedAt = c.cfg.Clock.Now()
	err := c.cfg.Answers.InsertAnswer(ctx, a)
	if err != nil && !errors.Is(err, domain.ErrAnswerExists) {
		c.log.WarnContext(ctx, "answer: audit row not written", "participant", participantID, "round", a.Round, "err", err)
	}
}
