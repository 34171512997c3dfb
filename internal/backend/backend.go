// Package backend declares what the game core needs from the shared hosted
// store: durable keyed records, point-in-time updates and change
// notifications scoped by session code.
package backend

import (
	"context"

	"trivia-party/internal/domain"
)

// Sessions is the session-state table keyed by session code.
type Sessions interface {
	GetSession(ctx context.Context, code string) (domain.Session, error)
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	// UpdateSession applies patch. A non-zero expectedVersion makes the write
	// conditional and yields domain.ErrVersionConflict when the row moved on.
	UpdateSession(ctx context.Context, code string, patch domain.SessionPatch, expectedVersion int64) (domain.Session, error)
	DeleteSession(ctx context.Context, code string) error
	// SubscribeSessions streams changes for one session code. The caller must
	// invoke cancel to release the subscription.
	SubscribeSessions(ctx context.Context, code string) (<-chan domain.SessionChange, func(), error)
}

// Participants is the participants table keyed by id with a session code column.
type Participants interface {
	ListParticipants(ctx context.Context, code string) ([]domain.Participant, error)
	GetParticipant(ctx context.Context, id string) (domain.Participant, error)
	FindParticipant(ctx context.Context, code, name string) (domain.Participant, error)
	InsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error)
	UpdateParticipant(ctx context.Context, id string, patch domain.ParticipantPatch, expectedVersion int64) (domain.Participant, error)
	// UpdateParticipants applies patch to every participant of the session
	// (host "reset all" operations).
	UpdateParticipants(ctx context.Context, code string, patch domain.ParticipantPatch) error
	DeleteParticipant(ctx context.Context, id string) error
	DeleteParticipants(ctx context.Context, code string) error
	SubscribeParticipants(ctx context.Context, code string) (<-chan domain.ParticipantChange, func(), error)
}

// Answers is the answers table keyed by (session code, round, participant).
type Answers interface {
	InsertAnswer(ctx context.Context, a domain.Answer) error
	ListAnswers(ctx context.Context, code string, round int) ([]domain.Answer, error)
	DeleteAnswers(ctx context.Context, code string) error
}

// Backend bundles every table the core consumes.
type Backend interface {
	Sessions
	Participants
	Answers
	Close() error
}
