package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session record exists for a code.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose code is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrParticipantNotFound is returned when a participant row is missing.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrNameTaken is returned when a display name is already used in the session.
	ErrNameTaken = errors.New("name already taken in this session")
	// ErrInvalidName is returned for empty or oversized display names.
	ErrInvalidName = errors.New("invalid display name")
)

var (
	// ErrVersionConflict is returned by conditional writes when the stored row moved on.
	ErrVersionConflict = errors.New("record version conflict")
	// ErrAnswerExists is returned when an answer row for (session, round, participant) exists.
	ErrAnswerExists = errors.New("answer already recorded")
	// ErrAlreadyAnswered is returned when the shared record already marks the participant as answered.
	ErrAlreadyAnswered = errors.New("participant already answered this round")
)

var (
	// ErrInsufficientContent is returned when the content pool cannot fill a round.
	ErrInsufficientContent = errors.New("insufficient playable content for a round")
)

var (
	// ErrRoundClosed is returned when a submission arrives outside the answer window.
	ErrRoundClosed = errors.New("round is not accepting answers")
	// ErrAlreadySubmitted is returned for a second local submission in the same round.
	ErrAlreadySubmitted = errors.New("answer already submitted")
	// ErrNoSkipsLeft is returned once the per-game skip allowance is exhausted.
	ErrNoSkipsLeft = errors.New("no skips left")
	// ErrNotHost is returned when a host-only command is issued by a player.
	ErrNotHost = errors.New("only the host can do this")
	// ErrNoSession is returned when a command needs an established identity.
	ErrNoSession = errors.New("no game session established")
	// ErrInvalidTransition is returned when a host command does not fit the current phase.
	ErrInvalidTransition = errors.New("phase transition not allowed")
)

// ErrTransient marks backend failures that are surfaced as non-blocking notices.
var ErrTransient = errors.New("temporary backend failure")

type transientError struct {
	err error
}

func (e transientError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransient, e.err)
}

func (e transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return transientError{err: err}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsBlocking reports whether err should stop a join form rather than raise a toast.
func IsBlocking(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrNameTaken) ||
		errors.Is(err, ErrInvalidName)
}
