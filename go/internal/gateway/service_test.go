package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/symbolduel/go/internal/directory/memrelay"
	"github.com/mcdev12/symbolduel/go/internal/history"
	"github.com/mcdev12/symbolduel/go/internal/matchmaking"
	"github.com/mcdev12/symbolduel/go/internal/models"
	"github.com/mcdev12/symbolduel/go/internal/round"
	"github.com/mcdev12/symbolduel/go/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type harness struct {
	svc    *Service
	server *httptest.Server
}

func newHarness(t *testing.T, ctx context.Context) *harness {
	t.Helper()
	svc := NewService(DefaultConfig())
	go func() { _ = svc.Start(ctx) }()

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &harness{svc: svc, server: server}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := h.svc.GetStats().TotalConnections
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool {
		return h.svc.GetStats().TotalConnections == before+1
	}, waitFor, time.Millisecond)
	return conn
}

func newApp(t *testing.T, ctx context.Context, relay *memrelay.Relay, clock clockwork.Clock, h *harness) *session.App {
	t.Helper()
	client := memrelay.NewClient(relay)
	t.Cleanup(client.Close)
	deps := session.Deps{
		Service:  client,
		Clock:    clock,
		Recorder: history.NewMemoryRecorder(),
		Seeds:    func() (uint64, error) { return 99, nil },
	}
	if h != nil {
		deps.Spawner = h.svc.Presenter()
	}
	app := session.New(session.DefaultConfig(), deps)
	if h != nil {
		h.svc.Attach(app)
	}
	go func() { _ = app.Run(ctx) }()
	return app
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil returns the first envelope accepted by match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Envelope) bool) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if match(env) {
			return env
		}
	}
}

func ofType(want EventType) func(Envelope) bool {
	return func(env Envelope) bool { return env.Type == want }
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)
	a := h.dial(t)
	b := h.dial(t)

	env, err := NewEnvelope(EventTypeCountdown, CountdownPayload{Cue: "3"})
	require.NoError(t, err)
	h.svc.connectionManager.Broadcast(env)

	for _, conn := range []*websocket.Conn{a, b} {
		got := readUntil(t, conn, ofType(EventTypeCountdown))
		assert.Equal(t, env.ID, got.ID)
		assert.JSONEq(t, `{"cue":"3"}`, string(got.Data))
	}
	assert.Len(t, h.svc.GetStats().ConnectionIDs, 2)
}

func TestClosedClientIsUnregistered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)
	conn := h.dial(t)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.svc.GetStats().TotalConnections == 0
	}, waitFor, time.Millisecond)
}

func TestCommandWithoutSessionIsRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)
	conn := h.dial(t)

	send(t, conn, ClientMessage{Type: CommandSubmit})
	env := readUntil(t, conn, ofType(EventTypeError))

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Contains(t, payload.Message, ErrNotAttached.Error())
}

func TestStateAndHistoryEndpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)
	conn := h.dial(t)

	assert.Equal(t, http.StatusInternalServerError, getJSON(t, h.server.URL+"/api/state", nil))

	app := newApp(t, ctx, memrelay.NewRelay(), clockwork.NewFakeClock(), h)
	require.NoError(t, app.Connect(ctx))

	env := readUntil(t, conn, func(env Envelope) bool {
		if env.Type != EventTypeMatchmaking {
			return false
		}
		var p MatchmakingPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		return p.State == matchmaking.StateInRoom.String()
	})
	var mm MatchmakingPayload
	require.NoError(t, json.Unmarshal(env.Data, &mm))
	assert.Equal(t, string(models.RoleHost), mm.Role)

	entered := readUntil(t, conn, ofType(EventTypeParticipantEntered))
	var seat ParticipantPayload
	require.NoError(t, json.Unmarshal(entered.Data, &seat))
	assert.True(t, seat.Local)
	assert.Equal(t, int(models.SlotHost), seat.Slot)

	var state SessionStateResponse
	require.Equal(t, http.StatusOK, getJSON(t, h.server.URL+"/api/state", &state))
	assert.Equal(t, string(app.LocalID()), state.Participant)
	assert.Equal(t, "InRoom", state.Matchmaking.State)
	assert.Equal(t, mm.RoomID, state.Matchmaking.RoomID)
	assert.Equal(t, round.StateIdle.String(), state.Round.State)
	assert.Nil(t, state.Round.Target)
	assert.Len(t, state.Seats, 1)

	var records []history.Record
	require.Equal(t, http.StatusOK, getJSON(t, h.server.URL+"/api/history?limit=5", &records))
	assert.Empty(t, records)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, h.server.URL+"/api/history?limit=zero", nil))

	send(t, conn, ClientMessage{Type: CommandStartRound})
	rejected := readUntil(t, conn, ofType(EventTypeError))
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(rejected.Data, &payload))
	assert.Equal(t, session.ErrPeerMissing.Error(), payload.Message)
}

func TestClientPlaysThroughGateway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	relay := memrelay.NewRelay()

	host := newApp(t, ctx, relay, clock, nil)
	require.NoError(t, host.Connect(ctx))
	require.Eventually(t, func() bool {
		return host.Coordinator().State() == matchmaking.StateInRoom
	}, waitFor, time.Millisecond)

	h := newHarness(t, ctx)
	conn := h.dial(t)
	guest := newApp(t, ctx, relay, clock, h)
	require.NoError(t, guest.Connect(ctx))

	require.Eventually(t, func() bool {
		return host.Engine().State() == round.StateCountdown && guest.Engine().State() == round.StateCountdown
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return guest.Engine().State() == round.StateActive
	}, waitFor, 5*time.Millisecond)

	readUntil(t, conn, func(env Envelope) bool {
		if env.Type != EventTypeCountdown {
			return false
		}
		var p CountdownPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		return p.Cue == round.CueGo.String()
	})
	targetEnv := readUntil(t, conn, ofType(EventTypeTarget))
	var target TargetPayload
	require.NoError(t, json.Unmarshal(targetEnv.Data, &target))

	send(t, conn, ClientMessage{Type: CommandChooseColor, Color: target.Color})
	send(t, conn, ClientMessage{Type: CommandChooseSymbol, Symbol: target.Symbol})
	send(t, conn, ClientMessage{Type: CommandSubmit})

	scoreEnv := readUntil(t, conn, ofType(EventTypeLocalScore))
	var score ScorePayload
	require.NoError(t, json.Unmarshal(scoreEnv.Data, &score))
	assert.Equal(t, int(models.SlotGuest), score.Slot)
	assert.Equal(t, 1000, score.Score)
	assert.Equal(t, 1, score.Streak)

	fbEnv := readUntil(t, conn, ofType(EventTypeFeedback))
	var fb FeedbackPayload
	require.NoError(t, json.Unmarshal(fbEnv.Data, &fb))
	assert.Equal(t, "good", fb.Kind)
	assert.True(t, fb.On)

	send(t, conn, ClientMessage{Type: CommandPause})
	readUntil(t, conn, func(env Envelope) bool {
		if env.Type != EventTypeRoundState {
			return false
		}
		var p RoundStatePayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		return p.State == round.StateIdle.String()
	})
	require.Eventually(t, func() bool {
		return guest.Coordinator().State() == matchmaking.StatePaused
	}, waitFor, time.Millisecond)
}
