package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"trivia-party/internal/app"
	"trivia-party/internal/catalog"
	"trivia-party/internal/domain"
	"trivia-party/internal/infra/memory"
)

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	bundled, err := catalog.Bundled()
	require.NoError(t, err)

	service := app.NewClientService(app.Config{
		Backend: memory.NewStore(),
		Catalog: bundled,
		Timing:  app.Timing{NavigationDelay: time.Millisecond, DebounceWindow: time.Millisecond},
	})
	t.Cleanup(service.Shutdown)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", NewWSHandler(service, nil).ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/ws?clientId=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	readUntil(t, conn, "state", nil)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

// readUntil skips messages until one of type typ arrives and decodes its
// payload into dst.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, dst any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg received
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type != typ {
			continue
		}
		if dst != nil {
			require.NoError(t, json.Unmarshal(msg.Payload, dst))
		}
		return
	}
}

func TestRejectsMissingClientID(t *testing.T) {
	server := newTestServer(t)
	resp, err := http.Get(server.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectedConnectionGetsErrorFrame(t *testing.T) {
	server := newTestServer(t)
	u := "ws" + server.URL[len("http"):] + "/ws?clientId=" + strings.Repeat("x", app.MaxClientIDLength+1)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg.Type)
	var failure errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &failure))
	require.Equal(t, "invalid_client_id", failure.Code)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected read result: %v", err)
}

func TestWebSocketGameFlow(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server, "host")
	player := dial(t, server, "player")

	send(t, host, "host", map[string]any{"name": "Host", "settings": map[string]any{"mode": "remote"}})
	var hosted struct {
		Code string `json:"code"`
	}
	readUntil(t, host, "hosted", &hosted)
	require.Len(t, hosted.Code, 6)

	send(t, player, "join", map[string]any{"code": hosted.Code, "name": "Alice"})
	var joined domain.Participant
	readUntil(t, player, "joined", &joined)
	require.Equal(t, "Alice", joined.Name)

	var roster rosterPayload
	for len(roster.Participants) < 2 {
		readUntil(t, host, "roster", &roster)
	}

	send(t, host, "start", nil)
	var r domain.Round
	readUntil(t, player, "round", &r)
	require.Len(t, r.Options, 4)
	var nav struct {
		Path string `json:"path"`
	}
	readUntil(t, player, "navigate", &nav)
	require.Equal(t, "/gameplay", nav.Path)

	send(t, player, "answer", map[string]any{"index": r.CorrectAnswerIndex})
	var res resultPayload
	readUntil(t, player, "result", &res)
	require.True(t, res.Correct)
	require.Equal(t, 13, res.Points)
	require.Equal(t, "13", res.Display)
	require.GreaterOrEqual(t, res.ElapsedMs, int64(0))
	require.Less(t, res.ElapsedMs, int64(3000))

	send(t, player, "answer", map[string]any{"index": r.CorrectAnswerIndex})
	var failure errorPayload
	readUntil(t, player, "error", &failure)
	require.Equal(t, "already_submitted", failure.Code)

	send(t, host, "end", nil)
	var ended struct {
		Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
	}
	readUntil(t, player, "ended", &ended)
	require.Len(t, ended.Leaderboard, 2)

	// the score update and the end transition travel on separate feeds
	var state statePayload
	for attempt := 0; attempt < 50; attempt++ {
		send(t, player, "state", nil)
		readUntil(t, player, "state", &state)
		if len(state.Final) == 2 && state.Final[0].Score == 13 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, state.Final, 2)
	require.Equal(t, "Alice", state.Final[0].Name)
	require.Equal(t, 13, state.Final[0].Score)
}

func TestErrorsAreReported(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server, "solo")

	tests := map[string]struct {
		typ     string
		payload any
		code    string
		block   bool
	}{
		"unknown type":      {typ: "dance", code: "unsupported"},
		"missing payload":   {typ: "join", code: "bad_payload"},
		"unknown session":   {typ: "join", payload: map[string]any{"code": "000000", "name": "Bo"}, code: "session_not_found", block: true},
		"no session":        {typ: "skip", code: "no_session"},
		"host only command": {typ: "start", code: "no_session"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			send(t, conn, tc.typ, tc.payload)
			var got errorPayload
			readUntil(t, conn, "error", &got)
			require.Equal(t, tc.code, got.Code)
			require.Equal(t, tc.block, got.Blocking)
		})
	}
}

func TestReconnectRestoresState(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server, "host")

	send(t, host, "host", map[string]any{"name": "Host"})
	var hosted struct {
		Code string `json:"code"`
	}
	readUntil(t, host, "hosted", &hosted)
	require.NoError(t, host.Close())

	u := "ws" + server.URL[len("http"):] + "/ws?clientId=host"
	again, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer again.Close()

	var state statePayload
	readUntil(t, again, "state", &state)
	require.True(t, state.Connected)
	require.Equal(t, hosted.Code, state.Identity.Code)
	require.True(t, state.Identity.IsHost)
	require.NotNil(t, state.Phase)
	require.Equal(t, domain.PhaseWaiting, state.Phase.Phase)
}
