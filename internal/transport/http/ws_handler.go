package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"trivia-party/internal/answer"
	"trivia-party/internal/app"
	"trivia-party/internal/backend"
	"trivia-party/internal/domain"
	"trivia-party/internal/gamectx"
	"trivia-party/internal/roster"
	"trivia-party/internal/scoring"
)

type WSHandler struct {
	service  *app.ClientService
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSHandler(service *app.ClientService, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.With("component", "ws"),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type hostPayload struct {
	Name     string           `json:"name"`
	Settings gamectx.Settings `json:"settings"`
}

type joinPayload struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type answerPayload struct {
	Index int `json:"index"`
}

type awardPayload struct {
	Awards []struct {
		ParticipantID string `json:"participantId"`
		Points        int    `json:"points"`
	} `json:"awards"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Message  string `json:"message"`
	Code     string `json:"code"`
	Blocking bool   `json:"blocking"`
}

type phasePayload struct {
	Code            string       `json:"code"`
	Phase           domain.Phase `json:"phase"`
	Round           int          `json:"round"`
	HostReady       bool         `json:"hostReady"`
	ScoreLimit      int          `json:"scoreLimit,omitempty"`
	DurationMinutes float64      `json:"durationMinutes,omitempty"`
	Mode            domain.Mode  `json:"mode"`
}

type rosterPayload struct {
	Participants []domain.Participant      `json:"participants"`
	Leaderboard  []domain.LeaderboardEntry `json:"leaderboard"`
}

type resultPayload struct {
	Points    int                     `json:"points"`
	Display   string                  `json:"display"`
	Correct   bool                    `json:"correct"`
	Committed bool                    `json:"committed"`
	ElapsedMs int64                   `json:"elapsedMs"`
	Local     domain.LocalPlayerState `json:"local"`
}

type statePayload struct {
	Identity  gamectx.Identity          `json:"identity"`
	Connected bool                      `json:"connected"`
	Phase     *phasePayload             `json:"phase,omitempty"`
	Round     *domain.Round             `json:"round,omitempty"`
	ElapsedMs int64                     `json:"elapsedMs,omitempty"`
	Local     domain.LocalPlayerState   `json:"local"`
	Roster    []domain.Participant      `json:"roster"`
	Final     []domain.LeaderboardEntry `json:"final,omitempty"`
}

// ServeWS upgrades the request and hosts one game client for the
// connection. The clientId query parameter names the durable identity, so
// a reconnecting client resumes its game.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		http.Error(w, "missing clientId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c := &client{out: backend.NewFeed[outboundMessage]()}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range c.out.C() {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Warn("ws: write failed", "client", clientID, "err", err)
				return
			}
		}
	}()

	ctx := r.Context()
	gc, err := h.service.Connect(ctx, clientID, c)
	if gc == nil {
		// the writer is gone once the queue closes, so the rejection is
		// written here
		c.out.Close()
		<-writerDone
		h.reject(conn, clientID, err)
		return
	}
	c.attach(gc)
	if err != nil {
		c.send("error", toErrorPayload(err))
	}
	c.sendState()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if err := c.handle(ctx, inbound); err != nil {
			c.send("error", toErrorPayload(err))
		}
	}

	h.service.Disconnect(clientID, gc)
	c.out.Close()
	<-writerDone
}

func (h *WSHandler) reject(conn *websocket.Conn, clientID string, err error) {
	if werr := conn.WriteJSON(outboundMessage{Type: "error", Payload: toErrorPayload(err)}); werr != nil {
		h.log.Warn("ws: write failed", "client", clientID, "err", werr)
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected"))
}

// client is the surface of one connection. Callbacks arrive on component
// goroutines and only enqueue; the writer goroutine owns the socket.
type client struct {
	out *backend.Feed[outboundMessage]

	mu   sync.Mutex
	gc   *gamectx.Context
	path string
}

func (c *client) attach(gc *gamectx.Context) {
	c.mu.Lock()
	c.gc = gc
	c.mu.Unlock()
}

func (c *client) game() *gamectx.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gc
}

func (c *client) send(typ string, payload any) {
	c.out.Push(outboundMessage{Type: typ, Payload: payload})
}

func (c *client) Navigate(path string) {
	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
	c.send("navigate", map[string]string{"path": path})
}

func (c *client) CurrentPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *client) Toast(title, message string) {
	c.send("toast", map[string]string{"title": title, "message": message})
}

func (c *client) SessionChanged(s domain.Session) {
	c.send("phase", toPhasePayload(s))
	gc := c.game()
	if gc == nil {
		return
	}
	if r, ok := gc.CurrentRound(); ok && s.Phase.Active() {
		c.send("round", r)
	}
	if final, ok := gc.EndOverlay(); ok {
		c.send("ended", map[string]any{"leaderboard": final})
	}
}

func (c *client) RosterChanged(participants []domain.Participant) {
	c.send("roster", rosterPayload{Participants: participants, Leaderboard: roster.Rank(participants)})
}

func (c *client) sendState() {
	gc := c.game()
	state := statePayload{
		Identity:  gc.Identity(),
		Connected: gc.Connected(),
		Local:     gc.LocalState(),
		Roster:    gc.Roster(),
	}
	if s, ok := gc.Session(); ok {
		p := toPhasePayload(s)
		state.Phase = &p
	}
	if r, ok := gc.CurrentRound(); ok {
		state.Round = &r
		state.ElapsedMs = gc.RoundElapsed().Milliseconds()
	}
	if final, ok := gc.EndOverlay(); ok {
		state.Final = final
	}
	c.send("state", state)
}

func (c *client) handle(ctx context.Context, msg inboundMessage) error {
	gc := c.game()
	switch msg.Type {
	case "state":
		c.sendState()
		return nil
	case "host":
		var p hostPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		code, err := gc.HostSession(ctx, p.Name, p.Settings)
		if err != nil {
			return err
		}
		c.send("hosted", map[string]string{"code": code})
		return nil
	case "join":
		var p joinPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		participant, err := gc.Join(ctx, p.Code, p.Name)
		if err != nil {
			return err
		}
		c.send("joined", participant)
		return nil
	case "answer":
		var p answerPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		outcome, err := gc.Answer(ctx, p.Index)
		return c.result(gc, outcome, err)
	case "skip":
		outcome, err := gc.Skip(ctx)
		return c.result(gc, outcome, err)
	case "award":
		var p awardPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		awards := make([]answer.Award, 0, len(p.Awards))
		for _, a := range p.Awards {
			awards = append(awards, answer.Award{ParticipantID: a.ParticipantID, Points: a.Points})
		}
		results, err := gc.AwardBatch(ctx, awards)
		if err != nil {
			return err
		}
		c.send("awarded", awardResults(results))
		return nil
	}

	command, ok := commands[msg.Type]
	if !ok {
		return errUnsupported
	}
	return command(gc, ctx)
}

var commands = map[string]func(*gamectx.Context, context.Context) error{
	"start":       (*gamectx.Context).StartGame,
	"next_round":  (*gamectx.Context).NextRound,
	"final_phase": (*gamectx.Context).EnterFinalPhase,
	"results":     (*gamectx.Context).ShowResults,
	"end":         (*gamectx.Context).EndGame,
	"restart":     (*gamectx.Context).Restart,
	"leave":       (*gamectx.Context).Leave,
	"cleanup":     (*gamectx.Context).EndAndCleanup,
	"ack_end":     (*gamectx.Context).AcknowledgeEnd,
}

var (
	errUnsupported = errors.New("unsupported message type")
	errBadPayload  = errors.New("invalid payload")
)

func (c *client) result(gc *gamectx.Context, outcome answer.Outcome, err error) error {
	if err != nil {
		return err
	}
	c.send("result", resultPayload{
		Points:    outcome.Points,
		Display:   scoring.Format(outcome.Points),
		Correct:   outcome.Correct,
		Committed: outcome.Committed,
		ElapsedMs: gc.RoundElapsed().Milliseconds(),
		Local:     gc.LocalState(),
	})
	return nil
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errBadPayload
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errBadPayload
	}
	return nil
}

func toPhasePayload(s domain.Session) phasePayload {
	return phasePayload{
		Code:            s.Code,
		Phase:           s.Phase,
		Round:           s.CurrentRound,
		HostReady:       s.HostReady,
		ScoreLimit:      s.ScoreLimit,
		DurationMinutes: s.DurationMinutes,
		Mode:            s.Mode,
	}
}

func awardResults(results []answer.AwardResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{"participantId": r.ParticipantID, "applied": r.Applied}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
		}
		out = append(out, entry)
	}
	return out
}

// errorCodes maps domain errors to stable codes a UI can switch on.
var errorCodes = []struct {
	err  error
	code string
}{
	{domain.ErrSessionNotFound, "session_not_found"},
	{domain.ErrNameTaken, "name_taken"},
	{domain.ErrInvalidName, "invalid_name"},
	{domain.ErrInsufficientContent, "insufficient_content"},
	{domain.ErrRoundClosed, "round_closed"},
	{domain.ErrAlreadySubmitted, "already_submitted"},
	{domain.ErrAlreadyAnswered, "already_answered"},
	{domain.ErrNoSkipsLeft, "no_skips_left"},
	{domain.ErrNotHost, "not_host"},
	{domain.ErrNoSession, "no_session"},
	{domain.ErrInvalidTransition, "invalid_transition"},
	{domain.ErrTransient, "transient"},
	{app.ErrMissingClientID, "missing_client_id"},
	{app.ErrInvalidClientID, "invalid_client_id"},
	{errUnsupported, "unsupported"},
	{errBadPayload, "bad_payload"},
}

func toErrorPayload(err error) errorPayload {
	if err == nil {
		return errorPayload{Message: "unknown error", Code: "internal"}
	}
	p := errorPayload{Message: err.Error(), Code: "internal", Blocking: domain.IsBlocking(err)}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			p.Code = e.code
			break
		}
	}
	return p
}
