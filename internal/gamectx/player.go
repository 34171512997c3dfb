package gamectx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trivia-party/internal/answer"
	"trivia-party/internal/domain"
	"trivia-party/internal/roster"
)

// Join validates the code and name, inserts the participant row and
// connects. Unknown codes and taken or invalid names are blocking errors.
func (c *Context) Join(ctx context.Context, code, name string) (domain.Participant, error) {
	code = strings.TrimSpace(code)
	s, err := c.cfg.Backend.GetSession(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.Participant{}, err
		}
		return domain.Participant{}, c.report("Could not join", domain.Transient(fmt.Errorf("get session: %w", err)))
	}
	if s.Phase == domain.PhaseEnd {
		return domain.Participant{}, fmt.Errorf("%w: game has ended", domain.ErrSessionNotFound)
	}

	p, err := roster.NewRegistry(roster.Config{
		Participants: c.cfg.Backend,
		SessionCode:  code,
		Logger:       c.cfg.Logger,
	}).Join(ctx, name)
	if err != nil {
		return domain.Participant{}, c.report("Could not join", err)
	}

	settings := Settings{
		ScoreLimit:      s.ScoreLimit,
		DurationMinutes: s.DurationMinutes,
		Mode:            s.Mode,
	}
	if err := c.SetGameData(ctx, Identity{Code: code, Name: p.Name, ParticipantID: p.ID}, settings); err != nil {
		return domain.Participant{}, c.report("Could not join", err)
	}
	return p, nil
}

// Answer submits the option at index of the round currently shown.
func (c *Context) Answer(ctx context.Context, index int) (answer.Outcome, error) {
	return c.submit(ctx, answer.Submission{Selection: index})
}

// Skip uses one of the per-game skips.
func (c *Context) Skip(ctx context.Context) (answer.Outcome, error) {
	return c.submit(ctx, answer.Submission{Skip: true})
}

func (c *Context) submit(ctx context.Context, sub answer.Submission) (answer.Outcome, error) {
	machine, _, coordinator, _, err := c.session()
	if err != nil {
		return answer.Outcome{}, err
	}
	p, ok := machine.Phase()
	if !ok {
		return answer.Outcome{}, fmt.Errorf("%w: phase unknown", domain.ErrRoundClosed)
	}
	r, ok := c.CurrentRound()
	if !ok {
		return answer.Outcome{}, fmt.Errorf("%w: no round", domain.ErrRoundClosed)
	}
	sub.Phase = p
	sub.Round = r
	out, err := coordinator.Submit(ctx, sub)
	if sub.Skip {
		c.saveSkips(ctx, coordinator.LocalState().SkipsLeft)
	}
	return out, err
}

// Leave removes this participant from the session and forgets it locally.
func (c *Context) Leave(ctx context.Context) error {
	_, registry, _, identity, err := c.session()
	if err != nil {
		return err
	}
	if identity.IsHost {
		return c.LeaveAsHost(ctx)
	}
	if err := registry.Leave(ctx, identity.ParticipantID); err != nil {
		return c.report("Could not leave the game", err)
	}
	return c.exit(ctx)
}

// AcknowledgeEnd dismisses the end overlay and returns home.
func (c *Context) AcknowledgeEnd(ctx context.Context) error {
	machine, _, _, _, err := c.session()
	if err != nil {
		return err
	}
	if p, ok := machine.Phase(); ok && p != domain.PhaseEnd {
		return fmt.Errorf("%w: game has not ended", domain.ErrInvalidTransition)
	}
	return c.exit(ctx)
}
