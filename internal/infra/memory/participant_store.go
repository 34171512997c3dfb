package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
)

func (s *Store) ListParticipants(_ context.Context, code string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0)
	for _, p := range s.participants {
		if p.SessionCode == code {
			out = append(out, p)
		}
	}
	sortParticipants(out)
	return out, nil
}

func (s *Store) GetParticipant(_ context.Context, id string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

func (s *Store) FindParticipant(_ context.Context, code, name string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.SessionCode == code && p.Name == name {
			return p, nil
		}
	}
	return domain.Participant{}, domain.ErrParticipantNotFound
}

func (s *Store) InsertParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	if p.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Participant{}, fmt.Errorf("generate participant id: %w", err)
		}
		p.ID = id.String()
	}

	s.mu.Lock()
	for _, existing := range s.participants {
		if existing.SessionCode == p.SessionCode && existing.Name == p.Name {
			s.mu.Unlock()
			return domain.Participant{}, domain.ErrNameTaken
		}
	}
	if _, ok := s.participants[p.ID]; ok {
		s.mu.Unlock()
		return domain.Participant{}, fmt.Errorf("insert participant %s: duplicate id", p.ID)
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	p.Version = 1
	s.participants[p.ID] = p
	s.mu.Unlock()

	s.publishParticipant(domain.ParticipantChange{Type: domain.EventInsert, Participant: p})
	return p, nil
}

func (s *Store) UpdateParticipant(_ context.Context, id string, patch domain.ParticipantPatch, expectedVersion int64) (domain.Participant, error) {
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if expectedVersion != 0 && p.Version != expectedVersion {
		s.mu.Unlock()
		return domain.Participant{}, domain.ErrVersionConflict
	}
	patch.Apply(&p)
	p.Version++
	s.participants[id] = p
	s.mu.Unlock()

	s.publishParticipant(domain.ParticipantChange{Type: domain.EventUpdate, Participant: p})
	return p, nil
}

func (s *Store) UpdateParticipants(_ context.Context, code string, patch domain.ParticipantPatch) error {
	s.mu.Lock()
	changed := make([]domain.Participant, 0)
	for id, p := range s.participants {
		if p.SessionCode != code {
			continue
		}
		patch.Apply(&p)
		p.Version++
		s.participants[id] = p
		changed = append(changed, p)
	}
	s.mu.Unlock()

	sortParticipants(changed)
	for _, p := range changed {
		s.publishParticipant(domain.ParticipantChange{Type: domain.EventUpdate, Participant: p})
	}
	return nil
}

func (s *Store) DeleteParticipant(_ context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.participants, id)
	s.mu.Unlock()

	p.Version++
	s.publishParticipant(domain.ParticipantChange{Type: domain.EventDelete, Participant: p})
	return nil
}

func (s *Store) DeleteParticipants(_ context.Context, code string) error {
	s.mu.Lock()
	removed := make([]domain.Participant, 0)
	for id, p := range s.participants {
		if p.SessionCode == code {
			delete(s.participants, id)
			p.Version++
			removed = append(removed, p)
		}
	}
	s.mu.Unlock()

	for _, p := range removed {
		s.publishParticipant(domain.ParticipantChange{Type: domain.EventDelete, Participant: p})
	}
	return nil
}

func (s *Store) SubscribeParticipants(_ context.Context, code string) (<-chan domain.ParticipantChange, func(), error) {
	feed := backend.NewFeed[domain.ParticipantChange]()

	s.subsMu.Lock()
	if s.participantSubs[code] == nil {
		s.participantSubs[code] = make(map[*backend.Feed[domain.ParticipantChange]]struct{})
	}
	s.participantSubs[code][feed] = struct{}{}
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		delete(s.participantSubs[code], feed)
		if len(s.participantSubs[code]) == 0 {
			delete(s.participantSubs, code)
		}
		s.subsMu.Unlock()
		feed.Close()
	}
	return feed.C(), cancel, nil
}

func (s *Store) publishParticipant(change domain.ParticipantChange) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for feed := range s.participantSubs[change.Participant.SessionCode] {
		feed.Push(change)
	}
}

func sortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].Name < ps[j].Name
	})
}
