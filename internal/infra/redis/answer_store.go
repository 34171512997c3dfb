package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"trivia-party/internal/domain"
)

// InsertAnswer writes the row with SETNX; the key itself is the
// (session, round, participant) uniqueness constraint.
func (s *Store) InsertAnswer(ctx context.Context, a domain.Answer) error {
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = s.now()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}

	key := s.answerKey(a.SessionCode, a.Round, a.ParticipantID)
	ok, err := s.client.SetNX(ctx, key, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("insert answer %s: %w", key, err)
	}
	if !ok {
		return domain.ErrAnswerExists
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.answersKey(a.SessionCode), key)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.answersKey(a.SessionCode), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index answer %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListAnswers(ctx context.Context, code string, round int) ([]domain.Answer, error) {
	keys, err := s.client.SMembers(ctx, s.answersKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("list answers %s: %w", code, err)
	}
	prefix := s.prefix + "answer:" + code + ":" + strconv.Itoa(round) + ":"
	matching := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matching = append(matching, k)
		}
	}

	out := make([]domain.Answer, 0, len(matching))
	if len(matching) == 0 {
		return out, nil
	}
	rows, err := s.client.MGet(ctx, matching...).Result()
	if err != nil {
		return nil, fmt.Errorf("load answers %s: %w", code, err)
	}
	for i, row := range rows {
		raw, ok := row.(string)
		if !ok {
			continue
		}
		var a domain.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", matching[i], err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (s *Store) DeleteAnswers(ctx context.Context, code string) error {
	keys, err := s.client.SMembers(ctx, s.answersKey(code)).Result()
	if err != nil {
		return fmt.Errorf("list answers %s: %w", code, err)
	}
	keys = append(keys, s.answersKey(code))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete answers %s: %w", code, err)
	}
	return nil
}
