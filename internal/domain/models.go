package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Mode describes whether every player shares one device or plays from their own.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Session is the shared record of one running game, keyed by its join code.
type Session struct {
	Code            string          `json:"code"`
	Phase           Phase           `json:"phase"`
	HostReady       bool            `json:"hostReady"`
	CurrentRound    int             `json:"currentRound"`
	ScoreLimit      int             `json:"scoreLimit,omitempty"`      // 0 disables the score limit
	DurationMinutes float64         `json:"durationMinutes,omitempty"` // 0 disables the time limit
	Mode            Mode            `json:"mode"`
	RoundPayload    json.RawMessage `json:"roundPayload,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// SessionPatch is a partial update; nil fields are left untouched.
type SessionPatch struct {
	Phase           *Phase
	HostReady       *bool
	CurrentRound    *int
	ScoreLimit      *int
	DurationMinutes *float64
	Mode            *Mode
	RoundPayload    json.RawMessage
}

// Apply writes the non-nil fields of p into s.
func (p SessionPatch) Apply(s *Session) {
	if p.Phase != nil {
		s.Phase = *p.Phase
	}
	if p.HostReady != nil {
		s.HostReady = *p.HostReady
	}
	if p.CurrentRound != nil {
		s.CurrentRound = *p.CurrentRound
	}
	if p.ScoreLimit != nil {
		s.ScoreLimit = *p.ScoreLimit
	}
	if p.DurationMinutes != nil {
		s.DurationMinutes = *p.DurationMinutes
	}
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	if p.RoundPayload != nil {
		s.RoundPayload = p.RoundPayload
	}
}

// Participant is one joined identity within a session. Names are unique per session.
type Participant struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"sessionCode"`
	Name        string    `json:"name"`
	Score       int       `json:"score"`
	HasAnswered bool      `json:"hasAnswered"`
	IsReady     bool      `json:"isReady"`
	JoinedAt    time.Time `json:"joinedAt"`
	Version     int64     `json:"version"`
}

// ParticipantPatch is a partial participant update; nil fields are left untouched.
type ParticipantPatch struct {
	Score       *int
	HasAnswered *bool
	IsReady     *bool
}

func (p ParticipantPatch) Apply(pt *Participant) {
	if p.Score != nil {
		pt.Score = *p.Score
	}
	if p.HasAnswered != nil {
		pt.HasAnswered = *p.HasAnswered
	}
	if p.IsReady != nil {
		pt.IsReady = *p.IsReady
	}
}

// Answer is the audit row of one participant's submission for one round.
type Answer struct {
	SessionCode   string        `json:"sessionCode"`
	Round         int           `json:"round"`
	ParticipantID string        `json:"participantId"`
	Selection     int           `json:"selection"`
	Skipped       bool          `json:"skipped"`
	Correct       bool          `json:"correct"`
	Points        int           `json:"points"`
	Elapsed       time.Duration `json:"elapsed"`
	SubmittedAt   time.Time     `json:"submittedAt"`
}

// Song is one entry of the content catalog.
type Song struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	PreviewURL string `json:"previewUrl,omitempty"`
	VideoID    string `json:"videoId,omitempty"`
	Genre      string `json:"genre,omitempty"`
	Decade     int    `json:"decade,omitempty"`
}

// Playable reports whether the song has a media reference a client can play.
func (s Song) Playable() bool {
	return strings.TrimSpace(s.PreviewURL) != "" || strings.TrimSpace(s.VideoID) != ""
}

// ContentFilter narrows the catalog for a session. Empty fields match everything.
type ContentFilter struct {
	Genres  []string `json:"genres,omitempty"`
	Decades []int    `json:"decades,omitempty"`
}

func (f ContentFilter) Match(s Song) bool {
	if len(f.Genres) > 0 {
		ok := false
		for _, g := range f.Genres {
			if strings.EqualFold(g, s.Genre) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Decades) > 0 {
		ok := false
		for _, d := range f.Decades {
			if d == s.Decade {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Round is the host-generated question shared through Session.RoundPayload.
type Round struct {
	Number             int    `json:"number"`
	CorrectItem        Song   `json:"correctItem"`
	Options            []Song `json:"options"`
	CorrectAnswerIndex int    `json:"correctAnswerIndex"`
	Simplified         bool   `json:"simplified,omitempty"`
}

// IsCorrect reports whether the option at index is the correct one.
func (r Round) IsCorrect(index int) bool {
	return index >= 0 && index < len(r.Options) && index == r.CorrectAnswerIndex
}

// LocalPlayerState is per-client state that is never shared.
type LocalPlayerState struct {
	SkipsLeft         int    `json:"skipsLeft"`
	SelectedAnswer    *int   `json:"selectedAnswer,omitempty"`
	PendingAnswer     *int   `json:"pendingAnswer,omitempty"`
	LastAnswerCorrect bool   `json:"lastAnswerCorrect"`
	LastScore         int    `json:"lastScore"`
	LastAnswer        string `json:"lastAnswer,omitempty"`
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
}
