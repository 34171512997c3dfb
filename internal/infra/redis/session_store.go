package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
)

const maxWatchRetries = 5

// Store is a Redis implementation of backend.Backend. Rows are stored as JSON
// strings, versioned writes go through WATCH/MULTI and every change is
// published on a per-session channel.
//
// Layout (prefix omitted):
//
//	session:{code}                 session row
//	session:{code}:participants    set of participant ids
//	session:{code}:names           hash name -> participant id
//	session:{code}:answers         set of answer keys
//	participant:{id}               participant row
//	answer:{code}:{round}:{id}     answer row
//	events:session:{code}          session change channel
//	events:participants:{code}     participant change channel
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]func()
}

type Options struct {
	Prefix string
	// TTL is applied to every row on write; zero keeps rows forever.
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

var _ backend.Backend = (*Store)(nil)

func NewStore(client *redis.Client, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		now:    opts.Now,
		log:    opts.Logger.With("component", "redis-backend"),
		subs:   make(map[*redis.PubSub]func()),
	}
}

func (s *Store) GetSession(ctx context.Context, code string) (domain.Session, error) {
	var session domain.Session
	if err := s.getJSON(ctx, s.sessionKey(code), &session); err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("get session %s: %w", code, err)
	}
	return session, nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	if session.Code == "" {
		return domain.Session{}, fmt.Errorf("create session: empty code")
	}
	now := s.now()
	session.Version = 1
	session.CreatedAt = now
	session.UpdatedAt = now

	data, err := json.Marshal(session)
	if err != nil {
		return domain.Session{}, fmt.Errorf("encode session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.sessionKey(session.Code), data, s.ttl).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session %s: %w", session.Code, err)
	}
	if !ok {
		return domain.Session{}, domain.ErrSessionExists
	}

	s.publish(ctx, s.sessionChannel(session.Code), domain.SessionChange{Type: domain.EventInsert, Session: session})
	return session, nil
}

func (s *Store) UpdateSession(ctx context.Context, code string, patch domain.SessionPatch, expectedVersion int64) (domain.Session, error) {
	session, err := casUpdate(ctx, s, s.sessionKey(code), expectedVersion,
		func(row *domain.Session) *int64 { return &row.Version },
		func(row *domain.Session) {
			patch.Apply(row)
			row.UpdatedAt = s.now()
		})
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session %s: %w", code, err)
	}

	s.publish(ctx, s.sessionChannel(code), domain.SessionChange{Type: domain.EventUpdate, Session: session})
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, code string) error {
	session, err := s.GetSession(ctx, code)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.sessionKey(code)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", code, err)
	}

	session.Version++
	s.publish(ctx, s.sessionChannel(code), domain.SessionChange{Type: domain.EventDelete, Session: session})
	return nil
}

func (s *Store) SubscribeSessions(ctx context.Context, code string) (<-chan domain.SessionChange, func(), error) {
	return subscribe[domain.SessionChange](ctx, s, s.sessionChannel(code))
}

// Close releases every open subscription. The client stays open; it belongs
// to the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.subs))
	for _, cancel := range s.subs {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// casUpdate reads the JSON row at key, mutates it and writes it back with its
// version bumped inside WATCH/MULTI. A non-zero expectedVersion must match the
// stored version. Unconditional writes retry when another writer raced them.
// A missing row yields redis.Nil.
func casUpdate[T any](ctx context.Context, s *Store, key string, expectedVersion int64, version func(*T) *int64, mutate func(*T)) (T, error) {
	var out T
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			var row T
			if err := json.Unmarshal(raw, &row); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			v := version(&row)
			if expectedVersion != 0 && *v != expectedVersion {
				return domain.ErrVersionConflict
			}
			mutate(&row)
			*v++

			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			}); err != nil {
				return err
			}
			out = row
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			if expectedVersion != 0 {
				return out, domain.ErrVersionConflict
			}
			continue
		}
		return out, err
	}
	return out, domain.Transient(fmt.Errorf("%s: gave up after %d attempts: %w", key, maxWatchRetries, domain.ErrVersionConflict))
}

// subscribe confirms the subscription before returning, so a snapshot read
// afterwards cannot miss a change.
func subscribe[T any](ctx context.Context, s *Store, channel string) (<-chan T, func(), error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	feed := backend.NewFeed[T]()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ps)
			s.mu.Unlock()
			feed.Close()
			_ = ps.Close()
		})
	}
	s.mu.Lock()
	s.subs[ps] = cancel
	s.mu.Unlock()

	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-feed.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					feed.Close()
					return
				}
				var change T
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.log.Warn("redis-backend: dropping undecodable change", "channel", channel, "err", err)
					continue
				}
				feed.Push(change)
			}
		}
	}()
	return feed.C(), cancel, nil
}

// publish is best effort: the row is already written, so a failed publish
// is logged and subscribers catch up on their next snapshot.
func (s *Store) publish(ctx context.Context, channel string, change any) {
	data, err := json.Marshal(change)
	if err != nil {
		s.log.WarnContext(ctx, "redis-backend: encode change", "channel", channel, "err", err)
		return
	}
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		s.log.WarnContext(ctx, "redis-backend: publish change", "channel", channel, "err", err)
	}
}

func (s *Store) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) sessionKey(code string) string {
	return s.prefix + "session:" + code
}

func (s *Store) participantsKey(code string) string {
	return s.prefix + "session:" + code + ":participants"
}

func (s *Store) namesKey(code string) string {
	return s.prefix + "session:" + code + ":names"
}

func (s *Store) answersKey(code string) string {
	return s.prefix + "session:" + code + ":answers"
}

func (s *Store) participantKey(id string) string {
	return s.prefix + "participant:" + id
}

func (s *Store) answerKey(code string, round int, participantID string) string {
	return fmt.Sprintf("%sanswer:%s:%d:%s", s.prefix, code, round, participantID)
}

func (s *Store) sessionChannel(code string) string {
	return s.prefix + "events:session:" + code
}

func (s *Store) participantChannel(code string) string {
	return s.prefix + "events:participants:" + code
}
