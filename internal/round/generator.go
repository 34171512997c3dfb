// Package round builds randomized rounds from the content pool.
package round

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"trivia-party/internal/domain"
)

const (
	// OptionCount is the number of options in a full round.
	OptionCount = 4
	distractors = OptionCount - 1
)

// Generator picks correct items and distractors. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewGenerator() *Generator {
	return NewGeneratorWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewGeneratorWithSource allows deterministic rounds in tests.
func NewGeneratorWithSource(src rand.Source) *Generator {
	return &Generator{rnd: rand.New(src)}
}

// Create builds round number from pool. It fails with
// domain.ErrInsufficientContent instead of returning a short round.
func (g *Generator) Create(number int, pool []domain.Song) (domain.Round, error) {
	playable := Playable(pool)
	if len(playable) < OptionCount {
		return domain.Round{}, fmt.Errorf("%w: %d playable songs, need %d", domain.ErrInsufficientContent, len(playable), OptionCount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	correct := playable[g.rnd.Intn(len(playable))]

	candidates := make([]domain.Song, 0, len(playable)-1)
	for _, s := range playable {
		if s.ID == correct.ID || strings.TrimSpace(s.Title) == "" {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) < distractors {
		return domain.Round{}, fmt.Errorf("%w: %d titled distractors, need %d", domain.ErrInsufficientContent, len(candidates), distractors)
	}

	g.rnd.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	options := make([]domain.Song, 0, OptionCount)
	options = append(options, correct)
	options = append(options, candidates[:distractors]...)
	g.rnd.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return domain.Round{
		Number:             number,
		CorrectItem:        correct,
		Options:            options,
		CorrectAnswerIndex: indexOf(options, correct.ID),
	}, nil
}

// Simplify reduces a round to the correct option plus one random incorrect
// option, re-shuffled. Rounds with a single incorrect option are returned as is.
func (g *Generator) Simplify(r domain.Round) domain.Round {
	if r.Simplified || len(r.Options) <= 2 {
		return r
	}
	incorrect := make([]domain.Song, 0, len(r.Options)-1)
	for i, o := range r.Options {
		if i != r.CorrectAnswerIndex {
			incorrect = append(incorrect, o)
		}
	}
	if len(incorrect) <= 1 {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := incorrect[g.rnd.Intn(len(incorrect))]
	options := []domain.Song{r.CorrectItem, kept}
	g.rnd.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return domain.Round{
		Number:             r.Number,
		CorrectItem:        r.CorrectItem,
		Options:            options,
		CorrectAnswerIndex: indexOf(options, r.CorrectItem.ID),
		Simplified:         true,
	}
}

// Intn returns a uniform random number in [0, n).
func (g *Generator) Intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Intn(n)
}

// Playable keeps the songs that carry a media reference.
func Playable(pool []domain.Song) []domain.Song {
	out := make([]domain.Song, 0, len(pool))
	seen := make(map[string]struct{}, len(pool))
	for _, s := range pool {
		if !s.Playable() {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Filter applies a session content filter to the pool.
func Filter(pool []domain.Song, f domain.ContentFilter) []domain.Song {
	out := make([]domain.Song, 0, len(pool))
	for _, s := range pool {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	return out
}

// Encode serializes a round into the session payload.
func Encode(r domain.Round) (json.RawMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode round: %w", err)
	}
	return b, nil
}

// Decode reads a round from the session payload.
func Decode(raw json.RawMessage) (domain.Round, error) {
	var r domain.Round
	if len(raw) == 0 {
		return r, fmt.Errorf("decode round: empty payload")
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode round: %w", err)
	}
	if !r.IsCorrect(r.CorrectAnswerIndex) {
		return r, fmt.Errorf("decode round: correct index %d out of range", r.CorrectAnswerIndex)
	}
	return r, nil
}

func indexOf(options []domain.Song, id string) int {
	for i, o := range options {
		if o.ID == id {
			return i
		}
	}
	return -1
}
