package gamectx

import (
	"time"

	"trivia-party/internal/answer"
	"trivia-party/internal/domain"
)

func (c *Context) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Context) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Connected reports whether a session is established.
func (c *Context) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Phase returns the current phase; false while it is indeterminate.
func (c *Context) Phase() (domain.Phase, bool) {
	machine, _, _, _, err := c.session()
	if err != nil {
		return "", false
	}
	return machine.Phase()
}

func (c *Context) Session() (domain.Session, bool) {
	machine, _, _, _, err := c.session()
	if err != nil {
		return domain.Session{}, false
	}
	return machine.Session()
}

func (c *Context) Roster() []domain.Participant {
	_, registry, _, _, err := c.session()
	if err != nil {
		return nil
	}
	return registry.Roster()
}

func (c *Context) Leaderboard() []domain.LeaderboardEntry {
	_, registry, _, _, err := c.session()
	if err != nil {
		return nil
	}
	return registry.Leaderboard()
}

// CurrentRound returns the round to display. In the answering phase a
// participant who has not answered yet sees the reduced option set.
func (c *Context) CurrentRound() (domain.Round, bool) {
	machine, _, coordinator, _, err := c.session()
	if err != nil {
		return domain.Round{}, false
	}

	c.mu.Lock()
	full, simplified, ok := c.round, c.simplified, c.hasRound
	c.mu.Unlock()
	if !ok {
		return domain.Round{}, false
	}

	p, _ := machine.Phase()
	if p == domain.PhaseAnswering && coordinator != nil && coordinator.Status() == answer.Unanswered {
		return simplified, true
	}
	return full, true
}

func (c *Context) LocalState() domain.LocalPlayerState {
	_, _, coordinator, _, err := c.session()
	if err != nil || coordinator == nil {
		return domain.LocalPlayerState{}
	}
	return coordinator.LocalState()
}

// RoundElapsed is how long the current round has been open on this client.
func (c *Context) RoundElapsed() time.Duration {
	_, _, coordinator, _, err := c.session()
	if err != nil || coordinator == nil {
		return 0
	}
	return coordinator.Elapsed()
}

// EndOverlay returns the final leaderboard once the game has ended.
func (c *Context) EndOverlay() ([]domain.LeaderboardEntry, bool) {
	p, ok := c.Phase()
	if !ok || p != domain.PhaseEnd {
		return nil, false
	}
	return c.Leaderboard(), true
}
