package domain

import "fmt"

// Phase is the coarse stage of a session's lifecycle.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhasePlaying   Phase = "playing"
	PhaseAnswering Phase = "answering" // final sub-phase with the reduced option set
	PhaseResults   Phase = "results"
	PhaseEnd       Phase = "end"
)

func (p Phase) String() string {
	return string(p)
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhasePlaying, PhaseAnswering, PhaseResults, PhaseEnd:
		return true
	}
	return false
}

// Active reports whether a round is in progress.
func (p Phase) Active() bool {
	return p == PhasePlaying || p == PhaseAnswering || p == PhaseResults
}

// AcceptsAnswers reports whether submissions may be scored in this phase.
func (p Phase) AcceptsAnswers() bool {
	return p == PhasePlaying || p == PhaseAnswering
}

func ParsePhase(raw string) (Phase, error) {
	p := Phase(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", raw)
	}
	return p, nil
}

// EventType is the kind of row change carried by a notification.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// SessionChange is a change notification for the session table.
type SessionChange struct {
	Type    EventType `json:"eventType"`
	Session Session   `json:"row"`
}

// ParticipantChange is a change notification for the participants table.
type ParticipantChange struct {
	Type        EventType   `json:"eventType"`
	Participant Participant `json:"row"`
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T {
	return &v
}
