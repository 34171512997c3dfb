package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
)

// Store is an in-process implementation of backend.Backend. Every mutation
// bumps the row version and fans out a change to the subscribers of the
// session code.
type Store struct {
	now func() time.Time

	mu           sync.RWMutex
	sessions     map[string]domain.Session
	participants map[string]domain.Participant
	answers      map[answerKey]domain.Answer

	subsMu          sync.Mutex
	sessionSubs     map[string]map[*backend.Feed[domain.SessionChange]]struct{}
	participantSubs map[string]map[*backend.Feed[domain.ParticipantChange]]struct{}
}

type answerKey struct {
	code          string
	round         int
	participantID string
}

var _ backend.Backend = (*Store)(nil)

func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock allows deterministic timestamps in tests.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		now:             now,
		sessions:        make(map[string]domain.Session),
		participants:    make(map[string]domain.Participant),
		answers:         make(map[answerKey]domain.Answer),
		sessionSubs:     make(map[string]map[*backend.Feed[domain.SessionChange]]struct{}),
		participantSubs: make(map[string]map[*backend.Feed[domain.ParticipantChange]]struct{}),
	}
}

func (s *Store) GetSession(_ context.Context, code string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[code]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) (domain.Session, error) {
	if session.Code == "" {
		return domain.Session{}, fmt.Errorf("create session: empty code")
	}

	s.mu.Lock()
	if _, ok := s.sessions[session.Code]; ok {
		s.mu.Unlock()
		return domain.Session{}, domain.ErrSessionExists
	}
	now := s.now()
	session.Version = 1
	session.CreatedAt = now
	session.UpdatedAt = now
	s.sessions[session.Code] = session
	s.mu.Unlock()

	s.publishSession(domain.SessionChange{Type: domain.EventInsert, Session: session})
	return session, nil
}

func (s *Store) UpdateSession(_ context.Context, code string, patch domain.SessionPatch, expectedVersion int64) (domain.Session, error) {
	s.mu.Lock()
	session, ok := s.sessions[code]
	if !ok {
		s.mu.Unlock()
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if expectedVersion != 0 && session.Version != expectedVersion {
		s.mu.Unlock()
		return domain.Session{}, domain.ErrVersionConflict
	}
	patch.Apply(&session)
	session.Version++
	session.UpdatedAt = s.now()
	s.sessions[code] = session
	s.mu.Unlock()

	s.publishSession(domain.SessionChange{Type: domain.EventUpdate, Session: session})
	return session, nil
}

func (s *Store) DeleteSession(_ context.Context, code string) error {
	s.mu.Lock()
	session, ok := s.sessions[code]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.sessions, code)
	s.mu.Unlock()

	session.Version++
	s.publishSession(domain.SessionChange{Type: domain.EventDelete, Session: session})
	return nil
}

func (s *Store) SubscribeSessions(_ context.Context, code string) (<-chan domain.SessionChange, func(), error) {
	feed := backend.NewFeed[domain.SessionChange]()

	s.subsMu.Lock()
	if s.sessionSubs[code] == nil {
		s.sessionSubs[code] = make(map[*backend.Feed[domain.SessionChange]]struct{})
	}
	s.sessionSubs[code][feed] = struct{}{}
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		delete(s.sessionSubs[code], feed)
		if len(s.sessionSubs[code]) == 0 {
			delete(s.sessionSubs, code)
		}
		s.subsMu.Unlock()
		feed.Close()
	}
	return feed.C(), cancel, nil
}

func (s *Store) publishSession(change domain.SessionChange) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for feed := range s.sessionSubs[change.Session.Code] {
		feed.Push(change)
	}
}

// Close releases every open subscription.
func (s *Store) Close() error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for code, feeds := range s.sessionSubs {
		for feed := range feeds {
			feed.Close()
		}
		delete(s.sessionSubs, code)
	}
	for code, feeds := range s.participantSubs {
		for feed := range feeds {
			feed.Close()
		}
		delete(s.participantSubs, code)
	}
	return nil
}
