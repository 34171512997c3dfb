package gamectx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"trivia-party/internal/answer"
	"trivia-party/internal/domain"
	"trivia-party/internal/phase"
	"trivia-party/internal/round"
	"trivia-party/internal/roster"
)

const codeAttempts = 5

var errNoCode = errors.New("could not allocate a free session code")

var allowedTransitions = map[domain.Phase][]domain.Phase{
	domain.PhaseWaiting:   {domain.PhasePlaying, domain.PhaseEnd},
	domain.PhasePlaying:   {domain.PhasePlaying, domain.PhaseAnswering, domain.PhaseResults, domain.PhaseEnd},
	domain.PhaseAnswering: {domain.PhasePlaying, domain.PhaseResults, domain.PhaseEnd},
	domain.PhaseResults:   {domain.PhasePlaying, domain.PhaseEnd},
	domain.PhaseEnd:       {domain.PhaseWaiting},
}

func canTransition(from, to domain.Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// HostSession allocates a join code, creates the session in waiting and
// connects this client as its host.
func (c *Context) HostSession(ctx context.Context, name string, settings Settings) (string, error) {
	name, err := roster.NormalizeName(name)
	if err != nil {
		return "", err
	}
	if settings.Mode == "" {
		settings.Mode = domain.ModeRemote
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := c.cfg.NewCode()
		_, err := c.cfg.Backend.CreateSession(ctx, domain.Session{
			Code:            code,
			Phase:           domain.PhaseWaiting,
			CurrentRound:    1,
			ScoreLimit:      settings.ScoreLimit,
			DurationMinutes: settings.DurationMinutes,
			Mode:            settings.Mode,
		})
		if errors.Is(err, domain.ErrSessionExists) {
			continue
		}
		if err != nil {
			return "", c.report("Could not create the game", domain.Transient(fmt.Errorf("create session: %w", err)))
		}

		if err := c.SetGameData(ctx, Identity{Code: code, Name: name, IsHost: true}, settings); err != nil {
			return "", c.report("Could not create the game", err)
		}
		c.log.InfoContext(ctx, "gamectx: hosting", "code", code)
		return code, nil
	}
	return "", errNoCode
}

// StartGame opens the first round.
func (c *Context) StartGame(ctx context.Context) error {
	machine, _, err := c.hostSession()
	if err != nil {
		return err
	}
	s, err := c.requirePhase(machine, domain.PhasePlaying)
	if err != nil {
		return err
	}
	if s.Phase != domain.PhaseWaiting {
		return fmt.Errorf("%w: game already started", domain.ErrInvalidTransition)
	}
	n := s.CurrentRound
	if n < 1 {
		n = 1
	}
	return c.report("Could not start the game", c.openRound(ctx, machine, n))
}

// NextRound generates the next round, clears the answered flags and moves
// everyone to playing. Scores carry over.
func (c *Context) NextRound(ctx context.Context) error {
	machine, _, err := c.hostSession()
	if err != nil {
		return err
	}
	s, err := c.requirePhase(machine, domain.PhasePlaying)
	if err != nil {
		return err
	}
	if !s.Phase.Active() {
		return fmt.Errorf("%w: no round in progress", domain.ErrInvalidTransition)
	}
	return c.report("Could not start the next round", c.openRound(ctx, machine, s.CurrentRound+1))
}

func (c *Context) openRound(ctx context.Context, machine *phase.Machine, n int) error {
	c.mu.Lock()
	code, filter := c.identity.Code, c.settings.Filter
	c.mu.Unlock()

	if c.cfg.Catalog == nil {
		return fmt.Errorf("open round: %w", domain.ErrInsufficientContent)
	}
	pool, err := c.cfg.Catalog.LoadSongs(ctx, filter)
	if err != nil {
		return domain.Transient(fmt.Errorf("load catalog: %w", err))
	}
	r, err := c.cfg.Generator.Create(n, round.Filter(pool, filter))
	if err != nil {
		if c.cfg.Notifier != nil {
			c.cfg.Notifier.Toast("Not enough songs", "Pick more genres or decades and try again.")
		}
		return err
	}
	payload, err := round.Encode(r)
	if err != nil {
		return err
	}

	if err := c.cfg.Backend.UpdateParticipants(ctx, code, domain.ParticipantPatch{HasAnswered: domain.Ptr(false)}); err != nil {
		return domain.Transient(fmt.Errorf("reset answered flags: %w", err))
	}
	_, err = machine.Commit(ctx, domain.SessionPatch{
		Phase:        domain.Ptr(domain.PhasePlaying),
		HostReady:    domain.Ptr(true),
		CurrentRound: domain.Ptr(n),
		RoundPayload: payload,
	})
	return err
}

// EnterFinalPhase moves the round into its answering sub-phase.
func (c *Context) EnterFinalPhase(ctx context.Context) error {
	return c.hostTransition(ctx, domain.PhaseAnswering)
}

func (c *Context) ShowResults(ctx context.Context) error {
	return c.hostTransition(ctx, domain.PhaseResults)
}

func (c *Context) EndGame(ctx context.Context) error {
	return c.hostTransition(ctx, domain.PhaseEnd)
}

// Restart returns an ended game to the waiting room with scores cleared.
func (c *Context) Restart(ctx context.Context) error {
	machine, identity, err := c.hostSession()
	if err != nil {
		return err
	}
	if _, err := c.requirePhase(machine, domain.PhaseWaiting); err != nil {
		return err
	}
	reset := domain.ParticipantPatch{Score: domain.Ptr(0), HasAnswered: domain.Ptr(false)}
	if err := c.cfg.Backend.UpdateParticipants(ctx, identity.Code, reset); err != nil {
		return c.report("Could not restart", domain.Transient(fmt.Errorf("reset scores: %w", err)))
	}
	_, err = machine.Commit(ctx, domain.SessionPatch{
		Phase:        domain.Ptr(domain.PhaseWaiting),
		HostReady:    domain.Ptr(false),
		CurrentRound: domain.Ptr(1),
		RoundPayload: json.RawMessage("null"),
	})
	return c.report("Could not restart", err)
}

// AwardBatch applies host-driven points for the current round.
func (c *Context) AwardBatch(ctx context.Context, awards []answer.Award) ([]answer.AwardResult, error) {
	machine, _, err := c.hostSession()
	if err != nil {
		return nil, err
	}
	_, _, coordinator, _, err := c.session()
	if err != nil {
		return nil, err
	}
	s, ok := machine.Session()
	if !ok {
		return nil, domain.ErrNoSession
	}
	return coordinator.ApplyBatch(ctx, s.CurrentRound, awards), nil
}

// LeaveAsHost resets every score to zero and forgets the session locally.
// The session row stays so players can see the game ended.
func (c *Context) LeaveAsHost(ctx context.Context) error {
	_, identity, err := c.hostSession()
	if err != nil {
		return err
	}
	reset := domain.ParticipantPatch{Score: domain.Ptr(0), HasAnswered: domain.Ptr(false)}
	if err := c.cfg.Backend.UpdateParticipants(ctx, identity.Code, reset); err != nil {
		return c.report("Could not leave the game", domain.Transient(fmt.Errorf("reset scores: %w", err)))
	}
	return c.exit(ctx)
}

// EndAndCleanup deletes the answers, participants and session rows, then
// forgets the session locally.
func (c *Context) EndAndCleanup(ctx context.Context) error {
	_, identity, err := c.hostSession()
	if err != nil {
		return err
	}
	steps := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"delete answers", c.cfg.Backend.DeleteAnswers},
		{"delete participants", c.cfg.Backend.DeleteParticipants},
		{"delete session", c.cfg.Backend.DeleteSession},
	}
	for _, step := range steps {
		if err := step.run(ctx, identity.Code); err != nil {
			return c.report("Could not close the game", domain.Transient(fmt.Errorf("%s: %w", step.name, err)))
		}
	}
	c.log.InfoContext(ctx, "gamectx: session cleaned up", "code", identity.Code)
	return c.exit(ctx)
}

func (c *Context) hostTransition(ctx context.Context, to domain.Phase) error {
	machine, _, err := c.hostSession()
	if err != nil {
		return err
	}
	if _, err := c.requirePhase(machine, to); err != nil {
		return err
	}
	_, err = machine.Commit(ctx, domain.SessionPatch{Phase: domain.Ptr(to)})
	return c.report("Could not update the game", err)
}

func (c *Context) requirePhase(machine *phase.Machine, to domain.Phase) (domain.Session, error) {
	s, ok := machine.Session()
	if !ok {
		return domain.Session{}, domain.ErrNoSession
	}
	if !canTransition(s.Phase, to) {
		return s, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, s.Phase, to)
	}
	return s, nil
}

// exit forgets the session and returns to the home screen.
func (c *Context) exit(ctx context.Context) error {
	if err := c.ClearGameData(ctx); err != nil {
		return err
	}
	if c.cfg.Navigator != nil && c.cfg.Navigator.CurrentPath() != phase.PathHome {
		c.cfg.Navigator.Navigate(phase.PathHome)
	}
	return nil
}
