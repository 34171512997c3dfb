package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
)

func (s *Store) ListParticipants(ctx context.Context, code string) ([]domain.Participant, error) {
	var rows []participantModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("session_code = ?", code).
		Order("joined_at ASC", "name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants %s: %w", code, err)
	}
	out := make([]domain.Participant, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	var m participantModel
	err := s.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant %s: %w", id, err)
	}
	return m.toDomain(), nil
}

func (s *Store) FindParticipant(ctx context.Context, code, name string) (domain.Participant, error) {
	var m participantModel
	err := s.db.NewSelect().Model(&m).Where("session_code = ? AND name = ?", code, name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("find participant %q: %w", name, err)
	}
	return m.toDomain(), nil
}

// InsertParticipant relies on the (session_code, name) unique constraint, so
// two concurrent joins with the same name cannot both succeed.
func (s *Store) InsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	if p.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Participant{}, fmt.Errorf("generate participant id: %w", err)
		}
		p.ID = id.String()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.stamp()
	}
	p.Version = 1
	m := participantFromDomain(p)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().Model(&m).On("CONFLICT DO NOTHING").Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNameTaken
		}
		return notify(ctx, tx, participantChannel, domain.ParticipantChange{Type: domain.EventInsert, Participant: p})
	})
	if err != nil {
		return domain.Participant{}, wrap("insert participant "+p.Name, err)
	}
	return p, nil
}

func (s *Store) UpdateParticipant(ctx context.Context, id string, patch domain.ParticipantPatch, expectedVersion int64) (domain.Participant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	var out domain.Participant
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var m participantModel
		err := tx.NewSelect().Model(&m).Where("id = ?", id).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrParticipantNotFound
		}
		if err != nil {
			return err
		}
		if expectedVersion != 0 && m.Version != expectedVersion {
			return domain.ErrVersionConflict
		}
		p, err := updateParticipantTx(ctx, tx, m, patch)
		out = p
		return err
	})
	if err != nil {
		return domain.Participant{}, wrap("update participant "+id, err)
	}
	return out, nil
}

func (s *Store) UpdateParticipants(ctx context.Context, code string, patch domain.ParticipantPatch) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var rows []participantModel
		err := tx.NewSelect().
			Model(&rows).
			Where("session_code = ?", code).
			Order("joined_at ASC", "name ASC").
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			return err
		}
		for _, m := range rows {
			if _, err := updateParticipantTx(ctx, tx, m, patch); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("update participants "+code, err)
}

func (s *Store) DeleteParticipant(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var rows []participantModel
		if err := tx.NewSelect().Model(&rows).Where("id = ?", id).For("UPDATE").Scan(ctx); err != nil {
			return err
		}
		return deleteParticipantsTx(ctx, tx, rows)
	})
	return wrap("delete participant "+id, err)
}

func (s *Store) DeleteParticipants(ctx context.Context, code string) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var rows []participantModel
		if err := tx.NewSelect().Model(&rows).Where("session_code = ?", code).For("UPDATE").Scan(ctx); err != nil {
			return err
		}
		return deleteParticipantsTx(ctx, tx, rows)
	})
	return wrap("delete participants "+code, err)
}

func (s *Store) SubscribeParticipants(ctx context.Context, code string) (<-chan domain.ParticipantChange, func(), error) {
	if err := s.ensureListener(ctx); err != nil {
		return nil, nil, err
	}
	feed := backend.NewFeed[domain.ParticipantChange]()

	s.mu.Lock()
	if s.participantSubs[code] == nil {
		s.participantSubs[code] = make(map[*backend.Feed[domain.ParticipantChange]]struct{})
	}
	s.participantSubs[code][feed] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.participantSubs[code], feed)
		if len(s.participantSubs[code]) == 0 {
			delete(s.participantSubs, code)
		}
		s.mu.Unlock()
		feed.Close()
	}
	return feed.C(), cancel, nil
}

func updateParticipantTx(ctx context.Context, tx bun.Tx, m participantModel, patch domain.ParticipantPatch) (domain.Participant, error) {
	p := m.toDomain()
	patch.Apply(&p)
	p.Version++
	m = participantFromDomain(p)
	if _, err := tx.NewUpdate().Model(&m).WherePK().Exec(ctx); err != nil {
		return domain.Participant{}, err
	}
	return p, notify(ctx, tx, participantChannel, domain.ParticipantChange{Type: domain.EventUpdate, Participant: p})
}

func deleteParticipantsTx(ctx context.Context, tx bun.Tx, rows []participantModel) error {
	for _, m := range rows {
		m := m
		if _, err := tx.NewDelete().Model(&m).WherePK().Exec(ctx); err != nil {
			return err
		}
		p := m.toDomain()
		p.Version++
		if err := notify(ctx, tx, participantChannel, domain.ParticipantChange{Type: domain.EventDelete, Participant: p}); err != nil {
			return err
		}
	}
	return nil
}
