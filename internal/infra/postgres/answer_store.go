package postgres

import (
	"context"
	"fmt"

	"trivia-party/internal/domain"
)

func (s *Store) InsertAnswer(ctx context.Context, a domain.Answer) error {
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = s.stamp()
	}
	m := answerFromDomain(a)
	res, err := s.db.NewInsert().Model(&m).On("CONFLICT DO NOTHING").Exec(ctx)
	if err != nil {
		return wrap(fmt.Sprintf("insert answer %s/%d/%s", a.SessionCode, a.Round, a.ParticipantID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAnswerExists
	}
	return nil
}

func (s *Store) ListAnswers(ctx context.Context, code string, round int) ([]domain.Answer, error) {
	var rows []answerModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("session_code = ? AND round = ?", code, round).
		Order("submitted_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list answers %s: %w", code, err)
	}
	out := make([]domain.Answer, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (s *Store) DeleteAnswers(ctx context.Context, code string) error {
	_, err := s.db.NewDelete().Model((*answerModel)(nil)).Where("session_code = ?", code).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete answers %s: %w", code, err)
	}
	return nil
}
