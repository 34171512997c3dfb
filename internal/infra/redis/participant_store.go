package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trivia-party/internal/domain"
)

func (s *Store) ListParticipants(ctx context.Context, code string) ([]domain.Participant, error) {
	ids, err := s.client.SMembers(ctx, s.participantsKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants %s: %w", code, err)
	}
	out := make([]domain.Participant, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.participantKey(id))
	}
	rows, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load participants %s: %w", code, err)
	}
	for i, row := range rows {
		raw, ok := row.(string)
		if !ok {
			// expired or deleted between SMEMBERS and MGET
			continue
		}
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, p)
	}
	sortParticipants(out)
	return out, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	var p domain.Participant
	if err := s.getJSON(ctx, s.participantKey(id), &p); err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Participant{}, domain.ErrParticipantNotFound
		}
		return domain.Participant{}, fmt.Errorf("get participant %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) FindParticipant(ctx context.Context, code, name string) (domain.Participant, error) {
	id, err := s.client.HGet(ctx, s.namesKey(code), name).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("find participant %q: %w", name, err)
	}
	return s.GetParticipant(ctx, id)
}

// InsertParticipant claims the name with HSETNX first, so two concurrent
// joins with the same name cannot both succeed.
func (s *Store) InsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	if p.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Participant{}, fmt.Errorf("generate participant id: %w", err)
		}
		p.ID = id.String()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	p.Version = 1

	data, err := json.Marshal(p)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("encode participant: %w", err)
	}

	claimed, err := s.client.HSetNX(ctx, s.namesKey(p.SessionCode), p.Name, p.ID).Result()
	if err != nil {
		return domain.Participant{}, fmt.Errorf("claim name %q: %w", p.Name, err)
	}
	if !claimed {
		return domain.Participant{}, domain.ErrNameTaken
	}

	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, s.participantKey(p.ID), data, s.ttl)
	pipe.SAdd(ctx, s.participantsKey(p.SessionCode), p.ID)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.participantsKey(p.SessionCode), s.ttl)
		pipe.Expire(ctx, s.namesKey(p.SessionCode), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		_ = s.client.HDel(ctx, s.namesKey(p.SessionCode), p.Name).Err()
		return domain.Participant{}, fmt.Errorf("insert participant %s: %w", p.ID, err)
	}

	s.publish(ctx, s.participantChannel(p.SessionCode), domain.ParticipantChange{Type: domain.EventInsert, Participant: p})
	return p, nil
}

func (s *Store) UpdateParticipant(ctx context.Context, id string, patch domain.ParticipantPatch, expectedVersion int64) (domain.Participant, error) {
	p, err := casUpdate(ctx, s, s.participantKey(id), expectedVersion,
		func(row *domain.Participant) *int64 { return &row.Version },
		func(row *domain.Participant) { patch.Apply(row) })
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("update participant %s: %w", id, err)
	}

	s.publish(ctx, s.participantChannel(p.SessionCode), domain.ParticipantChange{Type: domain.EventUpdate, Participant: p})
	return p, nil
}

func (s *Store) UpdateParticipants(ctx context.Context, code string, patch domain.ParticipantPatch) error {
	ids, err := s.client.SMembers(ctx, s.participantsKey(code)).Result()
	if err != nil {
		return fmt.Errorf("list participants %s: %w", code, err)
	}
	for _, id := range ids {
		_, err := s.UpdateParticipant(ctx, id, patch, 0)
		if errors.Is(err, domain.ErrParticipantNotFound) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteParticipant(ctx context.Context, id string) error {
	p, err := s.GetParticipant(ctx, id)
	if errors.Is(err, domain.ErrParticipantNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.removeParticipant(ctx, p); err != nil {
		return err
	}

	p.Version++
	s.publish(ctx, s.participantChannel(p.SessionCode), domain.ParticipantChange{Type: domain.EventDelete, Participant: p})
	return nil
}

func (s *Store) DeleteParticipants(ctx context.Context, code string) error {
	participants, err := s.ListParticipants(ctx, code)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if err := s.removeParticipant(ctx, p); err != nil {
			return err
		}
		p.Version++
		s.publish(ctx, s.participantChannel(code), domain.ParticipantChange{Type: domain.EventDelete, Participant: p})
	}
	if err := s.client.Del(ctx, s.participantsKey(code), s.namesKey(code)).Err(); err != nil {
		return fmt.Errorf("delete participant index %s: %w", code, err)
	}
	return nil
}

func (s *Store) SubscribeParticipants(ctx context.Context, code string) (<-chan domain.ParticipantChange, func(), error) {
	return subscribe[domain.ParticipantChange](ctx, s, s.participantChannel(code))
}

func (s *Store) removeParticipant(ctx context.Context, p domain.Participant) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.participantKey(p.ID))
	pipe.SRem(ctx, s.participantsKey(p.SessionCode), p.ID)
	pipe.HDel(ctx, s.namesKey(p.SessionCode), p.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete participant %s: %w", p.ID, err)
	}
	return nil
}

func sortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].Name < ps[j].Name
	})
}
