package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
)

// Notification channels. Payloads are the JSON change events; every write
// notifies inside its own transaction so listeners only see committed rows.
const (
	sessionChannel     = "trivia_sessions"
	participantChannel = "trivia_participants"
)

const foreignKeyViolation = "23503"

// Store is a Postgres implementation of backend.Backend on top of bun.
// Change notifications use LISTEN/NOTIFY with one listener connection per
// Store, fanned out to subscribers by session code.
type Store struct {
	db  *bun.DB
	now func() time.Time
	log *slog.Logger

	mu              sync.Mutex
	listener        *pgdriver.Listener
	sessionSubs     map[string]map[*backend.Feed[domain.SessionChange]]struct{}
	participantSubs map[string]map[*backend.Feed[domain.ParticipantChange]]struct{}
}

var _ backend.Backend = (*Store)(nil)

func NewStore(db *bun.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:              db,
		now:             time.Now,
		log:             logger.With("component", "postgres-backend"),
		sessionSubs:     make(map[string]map[*backend.Feed[domain.SessionChange]]struct{}),
		participantSubs: make(map[string]map[*backend.Feed[domain.ParticipantChange]]struct{}),
	}
}

func (s *Store) GetSession(ctx context.Context, code string) (domain.Session, error) {
	var m sessionModel
	err := s.db.NewSelect().Model(&m).Where("code = ?", code).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session %s: %w", code, err)
	}
	return m.toDomain(), nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	if session.Code == "" {
		return domain.Session{}, fmt.Errorf("create session: empty code")
	}
	now := s.stamp()
	session.Version = 1
	session.CreatedAt = now
	session.UpdatedAt = now
	m := sessionFromDomain(session)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().Model(&m).On("CONFLICT (code) DO NOTHING").Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrSessionExists
		}
		return notify(ctx, tx, sessionChannel, domain.SessionChange{Type: domain.EventInsert, Session: session})
	})
	if err != nil {
		return domain.Session{}, wrap("create session "+session.Code, err)
	}
	return session, nil
}

func (s *Store) UpdateSession(ctx context.Context, code string, patch domain.SessionPatch, expectedVersion int64) (domain.Session, error) {
	var out domain.Session
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var m sessionModel
		err := tx.NewSelect().Model(&m).Where("code = ?", code).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if expectedVersion != 0 && m.Version != expectedVersion {
			return domain.ErrVersionConflict
		}

		session := m.toDomain()
		patch.Apply(&session)
		session.Version++
		session.UpdatedAt = s.stamp()
		m = sessionFromDomain(session)
		if _, err := tx.NewUpdate().Model(&m).WherePK().Exec(ctx); err != nil {
			return err
		}
		out = session
		return notify(ctx, tx, sessionChannel, domain.SessionChange{Type: domain.EventUpdate, Session: session})
	})
	if err != nil {
		return domain.Session{}, wrap("update session "+code, err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, code string) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var m sessionModel
		err := tx.NewSelect().Model(&m).Where("code = ?", code).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model(&m).WherePK().Exec(ctx); err != nil {
			return err
		}
		session := m.toDomain()
		session.Version++
		return notify(ctx, tx, sessionChannel, domain.SessionChange{Type: domain.EventDelete, Session: session})
	})
	return wrap("delete session "+code, err)
}

func (s *Store) SubscribeSessions(ctx context.Context, code string) (<-chan domain.SessionChange, func(), error) {
	if err := s.ensureListener(ctx); err != nil {
		return nil, nil, err
	}
	feed := backend.NewFeed[domain.SessionChange]()

	s.mu.Lock()
	if s.sessionSubs[code] == nil {
		s.sessionSubs[code] = make(map[*backend.Feed[domain.SessionChange]]struct{})
	}
	s.sessionSubs[code][feed] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.sessionSubs[code], feed)
		if len(s.sessionSubs[code]) == 0 {
			delete(s.sessionSubs, code)
		}
		s.mu.Unlock()
		feed.Close()
	}
	return feed.C(), cancel, nil
}

// Close stops the listener and every subscription. The *bun.DB stays open;
// it belongs to the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}
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
	return err
}

// ensureListener starts the shared LISTEN connection. Listen returns once
// the server acknowledged, so a snapshot read afterwards cannot miss a change.
func (s *Store) ensureListener(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln := pgdriver.NewListener(s.db)
	if err := ln.Listen(ctx, sessionChannel, participantChannel); err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	go s.dispatch(ln.Channel())
	return nil
}

func (s *Store) dispatch(notifications <-chan pgdriver.Notification) {
	for n := range notifications {
		switch n.Channel {
		case sessionChannel:
			var change domain.SessionChange
			if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
				s.log.Warn("postgres-backend: dropping undecodable change", "channel", n.Channel, "err", err)
				continue
			}
			s.mu.Lock()
			for feed := range s.sessionSubs[change.Session.Code] {
				feed.Push(change)
			}
			s.mu.Unlock()
		case participantChannel:
			var change domain.ParticipantChange
			if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
				s.log.Warn("postgres-backend: dropping undecodable change", "channel", n.Channel, "err", err)
				continue
			}
			s.mu.Lock()
			for feed := range s.participantSubs[change.Participant.SessionCode] {
				feed.Push(change)
			}
			s.mu.Unlock()
		}
	}
}

// stamp matches the microsecond precision Postgres stores.
func (s *Store) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func notify(ctx context.Context, tx bun.Tx, channel string, change any) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	_, err = tx.ExecContext(ctx, "SELECT pg_notify(?, ?)", channel, string(payload))
	return err
}

// wrap leaves domain sentinels untouched and adds context to driver errors.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		domain.ErrSessionNotFound,
		domain.ErrSessionExists,
		domain.ErrParticipantNotFound,
		domain.ErrNameTaken,
		domain.ErrVersionConflict,
		domain.ErrAnswerExists,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == foreignKeyViolation {
		return fmt.Errorf("%s: %w", op, domain.ErrSessionNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
