package memory

import (
	"context"
	"sort"

	"trivia-party/internal/domain"
)

func (s *Store) InsertAnswer(_ context.Context, a domain.Answer) error {
	key := answerKey{code: a.SessionCode, round: a.Round, participantID: a.ParticipantID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.answers[key]; ok {
		return domain.ErrAnswerExists
	}
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = s.now()
	}
	s.answers[key] = a
	return nil
}

func (s *Store) ListAnswers(_ context.Context, code string, round int) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Answer, 0)
	for key, a := range s.answers {
		if key.code == code && key.round == round {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (s *Store) DeleteAnswers(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.answers {
		if key.code == code {
			delete(s.answers, key)
		}
	}
	return nil
}
