// Package roster keeps a per-session list of participants in sync with the
// shared participant table.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
)

// MaxNameLength is the longest display name accepted, in runes.
const MaxNameLength = 24

type Config struct {
	Participants backend.Participants
	SessionCode  string
	Logger       *slog.Logger
	// OnChange receives the ordered roster after every applied change.
	OnChange func([]domain.Participant)
}

// Registry reconciles the roster from a snapshot plus change notifications.
// Changes are keyed by participant id and guarded by row version, so
// duplicated or reordered notifications never produce two entries for one id.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	entries  map[string]domain.Participant
	versions map[string]int64 // survives deletes as a tombstone
	hostID   string
	cancel   func()
	done     chan struct{}
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "roster", "session", cfg.SessionCode),
		entries:  make(map[string]domain.Participant),
		versions: make(map[string]int64),
	}
}

// Start subscribes before taking the snapshot so no change between the two
// is lost. Stale changes are dropped by version.
func (r *Registry) Start(ctx context.Context) error {
	changes, cancel, err := r.cfg.Participants.SubscribeParticipants(ctx, r.cfg.SessionCode)
	if err != nil {
		return domain.Transient(fmt.Errorf("subscribe participants: %w", err))
	}

	if err := r.Refresh(ctx); err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				r.Apply(change)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Refresh merges a full fetch of the participant table into the roster.
func (r *Registry) Refresh(ctx context.Context) error {
	snapshot, err := r.cfg.Participants.ListParticipants(ctx, r.cfg.SessionCode)
	if err != nil {
		return domain.Transient(fmt.Errorf("list participants: %w", err))
	}

	r.mu.Lock()
	changed := false
	for _, p := range snapshot {
		if p.Version != 0 && p.Version <= r.versions[p.ID] {
			continue
		}
		r.entries[p.ID] = p
		r.versions[p.ID] = p.Version
		changed = true
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return nil
}

// Apply reconciles one change notification and reports whether it altered
// the roster.
func (r *Registry) Apply(change domain.ParticipantChange) bool {
	p := change.Participant
	if p.ID == "" || (p.SessionCode != "" && p.SessionCode != r.cfg.SessionCode) {
		return false
	}

	r.mu.Lock()
	if p.Version != 0 && p.Version <= r.versions[p.ID] {
		r.mu.Unlock()
		return false
	}
	switch change.Type {
	case domain.EventInsert:
		if _, ok := r.entries[p.ID]; ok {
			r.mu.Unlock()
			return false
		}
		r.entries[p.ID] = p
	case domain.EventUpdate:
		r.entries[p.ID] = p
	case domain.EventDelete:
		if _, ok := r.entries[p.ID]; !ok {
			r.versions[p.ID] = p.Version
			r.mu.Unlock()
			return false
		}
		delete(r.entries, p.ID)
	default:
		r.mu.Unlock()
		return false
	}
	r.versions[p.ID] = p.Version
	r.mu.Unlock()

	r.notify()
	return true
}

// Roster returns participants ordered by join time, then name.
func (r *Registry) Roster() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Registry) Get(id string) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	return p, ok
}

// Leaderboard orders participants by score, highest first.
func (r *Registry) Leaderboard() []domain.LeaderboardEntry {
	return Rank(r.Roster())
}

// Rank orders a roster by score, highest first. Ties keep roster order.
func Rank(roster []domain.Participant) []domain.LeaderboardEntry {
	sorted := make([]domain.Participant, len(roster))
	copy(sorted, roster)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	out := make([]domain.LeaderboardEntry, 0, len(sorted))
	for _, p := range sorted {
		out = append(out, domain.LeaderboardEntry{ParticipantID: p.ID, Name: p.Name, Score: p.Score})
	}
	return out
}

// Join validates the name and inserts a new participant row.
func (r *Registry) Join(ctx context.Context, name string) (domain.Participant, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return domain.Participant{}, err
	}

	_, err = r.cfg.Participants.FindParticipant(ctx, r.cfg.SessionCode, name)
	switch {
	case err == nil:
		return domain.Participant{}, domain.ErrNameTaken
	case !errors.Is(err, domain.ErrParticipantNotFound):
		return domain.Participant{}, domain.Transient(fmt.Errorf("find participant: %w", err))
	}

	p, err := r.cfg.Participants.InsertParticipant(ctx, domain.Participant{
		SessionCode: r.cfg.SessionCode,
		Name:        name,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNameTaken) {
			return domain.Participant{}, err
		}
		return domain.Participant{}, domain.Transient(fmt.Errorf("insert participant: %w", err))
	}
	r.Apply(domain.ParticipantChange{Type: domain.EventInsert, Participant: p})
	r.log.InfoContext(ctx, "roster: joined", "participant", p.ID, "name", p.Name)
	return p, nil
}

// EnsureHost makes sure the host has a participant row, once per session.
// A row with the same name is reused, which covers a page reload.
func (r *Registry) EnsureHost(ctx context.Context, name string) (domain.Participant, error) {
	r.mu.Lock()
	if r.hostID != "" {
		if p, ok := r.entries[r.hostID]; ok {
			r.mu.Unlock()
			return p, nil
		}
	}
	for _, p := range r.entries {
		if p.Name == name {
			r.hostID = p.ID
			r.mu.Unlock()
			return p, nil
		}
	}
	r.mu.Unlock()

	p, err := r.cfg.Participants.FindParticipant(ctx, r.cfg.SessionCode, name)
	if errors.Is(err, domain.ErrParticipantNotFound) {
		p, err = r.Join(ctx, name)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNameTaken) {
			// Lost a race with our own earlier insert.
			p, err = r.cfg.Participants.FindParticipant(ctx, r.cfg.SessionCode, name)
		}
		if err != nil {
			return domain.Participant{}, err
		}
	}

	r.Apply(domain.ParticipantChange{Type: domain.EventUpdate, Participant: p})
	r.mu.Lock()
	r.hostID = p.ID
	r.mu.Unlock()
	return p, nil
}

// Leave deletes the participant row.
func (r *Registry) Leave(ctx context.Context, id string) error {
	p, ok := r.Get(id)
	if err := r.cfg.Participants.DeleteParticipant(ctx, id); err != nil {
		return domain.Transient(fmt.Errorf("delete participant: %w", err))
	}
	if ok {
		p.Version++
		r.Apply(domain.ParticipantChange{Type: domain.EventDelete, Participant: p})
	}
	return nil
}

// Stop cancels the subscription and waits for the reconcile loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// NormalizeName trims the name and checks its length.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", domain.ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", fmt.Errorf("%w: longer than %d characters", domain.ErrInvalidName, MaxNameLength)
	}
	return name, nil
}

func (r *Registry) notify() {
	if r.cfg.OnChange == nil {
		return
	}
	r.cfg.OnChange(r.Roster())
}

func (r *Registry) sortedLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}
