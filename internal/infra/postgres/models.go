package postgres

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"trivia-party/internal/domain"
)

type sessionModel struct {
	bun.BaseModel `bun:"table:sessions"`

	Code            string    `bun:"code,pk"`
	Phase           string    `bun:"phase,notnull"`
	HostReady       bool      `bun:"host_ready,notnull"`
	CurrentRound    int       `bun:"current_round,notnull"`
	ScoreLimit      int       `bun:"score_limit,notnull"`
	DurationMinutes float64   `bun:"duration_minutes,notnull"`
	Mode            string    `bun:"mode,notnull"`
	RoundPayload    string    `bun:"round_payload,type:jsonb,nullzero"`
	Version         int64     `bun:"version,notnull"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

func sessionFromDomain(s domain.Session) sessionModel {
	return sessionModel{
		Code:            s.Code,
		Phase:           string(s.Phase),
		HostReady:       s.HostReady,
		CurrentRound:    s.CurrentRound,
		ScoreLimit:      s.ScoreLimit,
		DurationMinutes: s.DurationMinutes,
		Mode:            string(s.Mode),
		RoundPayload:    string(s.RoundPayload),
		Version:         s.Version,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func (m sessionModel) toDomain() domain.Session {
	var payload json.RawMessage
	if m.RoundPayload != "" {
		payload = json.RawMessage(m.RoundPayload)
	}
	return domain.Session{
		Code:            m.Code,
		Phase:           domain.Phase(m.Phase),
		HostReady:       m.HostReady,
		CurrentRound:    m.CurrentRound,
		ScoreLimit:      m.ScoreLimit,
		DurationMinutes: m.DurationMinutes,
		Mode:            domain.Mode(m.Mode),
		RoundPayload:    payload,
		Version:         m.Version,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

type participantModel struct {
	bun.BaseModel `bun:"table:participants"`

	ID          string    `bun:"id,pk,type:uuid"`
	SessionCode string    `bun:"session_code,notnull"`
	Name        string    `bun:"name,notnull"`
	Score       int       `bun:"score,notnull"`
	HasAnswered bool      `bun:"has_answered,notnull"`
	IsReady     bool      `bun:"is_ready,notnull"`
	JoinedAt    time.Time `bun:"joined_at,notnull"`
	Version     int64     `bun:"version,notnull"`
}

func participantFromDomain(p domain.Participant) participantModel {
	return participantModel{
		ID:          p.ID,
		SessionCode: p.SessionCode,
		Name:        p.Name,
		Score:       p.Score,
		HasAnswered: p.HasAnswered,
		IsReady:     p.IsReady,
		JoinedAt:    p.JoinedAt,
		Version:     p.Version,
	}
}

func (m participantModel) toDomain() domain.Participant {
	return domain.Participant{
		ID:          m.ID,
		SessionCode: m.SessionCode,
		Name:        m.Name,
		Score:       m.Score,
		HasAnswered: m.HasAnswered,
		IsReady:     m.IsReady,
		JoinedAt:    m.JoinedAt,
		Version:     m.Version,
	}
}

type answerModel struct {
	bun.BaseModel `bun:"table:answers"`

	SessionCode   string    `bun:"session_code,pk"`
	Round         int       `bun:"round,pk"`
	ParticipantID string    `bun:"participant_id,pk,type:uuid"`
	Selection     int       `bun:"selection,notnull"`
	Skipped       bool      `bun:"skipped,notnull"`
	Correct       bool      `bun:"correct,notnull"`
	Points        int       `bun:"points,notnull"`
	ElapsedMS     int64     `bun:"elapsed_ms,notnull"`
	SubmittedAt   time.Time `bun:"submitted_at,notnull"`
}

func answerFromDomain(a domain.Answer) answerModel {
	return answerModel{
		SessionCode:   a.SessionCode,
		Round:         a.Round,
		ParticipantID: a.ParticipantID,
		Selection:     a.Selection,
		Skipped:       a.Skipped,
		Correct:       a.Correct,
		Points:        a.Points,
		ElapsedMS:     a.Elapsed.Milliseconds(),
		SubmittedAt:   a.SubmittedAt,
	}
}

func (m answerModel) toDomain() domain.Answer {
	return domain.Answer{
		SessionCode:   m.SessionCode,
		Round:         m.Round,
		ParticipantID: m.ParticipantID,
		Selection:     m.Selection,
		Skipped:       m.Skipped,
		Correct:       m.Correct,
		Points:        m.Points,
		Elapsed:       time.Duration(m.ElapsedMS) * time.Millisecond,
		SubmittedAt:   m.SubmittedAt,
	}
}
