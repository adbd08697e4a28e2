package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/arena-core/internal/anticheat"
	"github.com/gokatarajesh/arena-core/internal/auth/jwt"
	"github.com/gokatarajesh/arena-core/internal/fairness"
	"github.com/gokatarajesh/arena-core/internal/matchmaking"
	"github.com/gokatarajesh/arena-core/internal/round"
	"github.com/gokatarajesh/arena-core/internal/wallet"
	httperrors "github.com/gokatarajesh/arena-core/pkg/http/errors"
	ws "github.com/gokatarajesh/arena-core/pkg/http/ws"
)

type stubRounds struct {
	round  *round.Round
	err    error
	betErr error
	bets   []round.BetRequest
}

func (s *stubRounds) Get(_ context.Context, key round.Key) (*round.Round, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.round, nil
}

func (s *stubRounds) Verify(_ context.Context, _ round.Key, seed string) (bool, error) {
	return seed == "secret", nil
}

func (s *stubRounds) PlaceBet(_ context.Context, req round.BetRequest) (*round.Bet, *round.Round, error) {
	if s.betErr != nil {
		return nil, nil, s.betErr
	}
	s.bets = append(s.bets, req)
	return &round.Bet{ID: uuid.New(), RoundID: s.round.ID, UserID: req.UserID, Amount: req.Amount}, s.round, nil
}

type stubQueues struct {
	mu     sync.Mutex
	joined map[uuid.UUID]matchmaking.QueueKey
	err    error
}

func newStubQueues() *stubQueues {
	return &stubQueues{joined: map[uuid.UUID]matchmaking.QueueKey{}}
}

func (s *stubQueues) Join(_ context.Context, key matchmaking.QueueKey, req matchmaking.JoinRequest) (*matchmaking.JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.joined[req.UserID] = key
	return &matchmaking.JoinResult{
		Player:   matchmaking.QueuePlayer{UserID: req.UserID, EstimatedWait: 20 * time.Second},
		Position: 0,
	}, nil
}

func (s *stubQueues) Leave(_ context.Context, key matchmaking.QueueKey, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, userID)
	return nil
}

func (s *stubQueues) QueueOf(userID uuid.UUID) (matchmaking.QueueKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.joined[userID]
	return k, ok
}

type sinkFunc func(uuid.UUID, string, string, anticheat.Sample) error

func (f sinkFunc) Ingest(userID uuid.UUID, gameID, sessionID string, s anticheat.Sample) error {
	return f(userID, gameID, sessionID, s)
}

type fixture struct {
	tokens  *jwt.Manager
	rounds  *stubRounds
	queues  *stubQueues
	hub     *ws.Hub
	handler http.Handler
	userID  uuid.UUID
	token   string
}

func newFixture(t *testing.T, sink TelemetrySink) *fixture {
	t.Helper()
	tokens := jwt.NewManager(jwt.TokenConfig{Secret: []byte("test-secret")})
	bucket := time.UnixMilli(1_700_000_000_000).UTC()
	f := &fixture{
		tokens: tokens,
		rounds: &stubRounds{round: &round.Round{
			ID:           uuid.New(),
			GameID:       "dice",
			BucketStart:  bucket,
			SeedHash:     "abc123",
			SeedRevealed: "secret",
			Status:       round.StatusOpen,
		}},
		queues: newStubQueues(),
		hub:    ws.NewHub(zerolog.Nop()),
		userID: uuid.New(),
	}
	catalog, err := round.NewCatalog(round.GameConfig{
		GameID:           "dice",
		Outcome:          fairness.OutcomeDice,
		BucketSeconds:    60,
		BetWindowSeconds: 30,
		MinBet:           10,
		MaxPayoutRatio:   decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	f.handler = NewHandler(Deps{
		Rounds:    f.rounds,
		Catalog:   catalog,
		Queues:    f.queues,
		Telemetry: sink,
		Hub:       f.hub,
		Tokens:    tokens,
	}, zerolog.Nop())

	f.token, err = tokens.Issue(jwt.Session{UserID: f.userID, SessionID: "sess-1", Tier: "premium", MMR: 1234}, time.Now())
	require.NoError(t, err)
	return f
}

func (f *fixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httperrors.ErrorResponse {
	t.Helper()
	var body httperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndGames(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/v1/games", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Games []gameView `json:"games"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Games, 1)
	assert.Equal(t, "dice", body.Games[0].GameID)
	assert.Equal(t, 30, body.Games[0].BetWindowSeconds)
}

func TestGetRoundHidesSeedUntilSettled(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/v1/rounds/dice/1700000000000", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var got round.Round
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "abc123", got.SeedHash)
	assert.Empty(t, got.SeedRevealed)
}

func TestGetRoundErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/v1/rounds/dice/not-a-number", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.rounds.err = round.ErrRoundNotFound
	rec = f.do(http.MethodGet, "/v1/rounds/dice/1700000000000", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, httperrors.ErrCodeRoundNotFound, decodeError(t, rec).Error)
}

func TestVerifyRound(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/v1/rounds/dice/1700000000000/verify?seed=secret", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var got verifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Valid)
	assert.Equal(t, int64(1_700_000_000_000), got.BucketMs)

	rec = f.do(http.MethodGet, "/v1/rounds/dice/1700000000000/verify", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceBet(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"amount":50,"request_id":"` + uuid.NewString() + `"}`

	rec := f.do(http.MethodPost, "/v1/rounds/dice/1700000000000/bets", body, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/v1/rounds/dice/1700000000000/bets", body, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.rounds.bets, 1)
	assert.Equal(t, f.userID, f.rounds.bets[0].UserID)
	assert.Equal(t, int64(50), f.rounds.bets[0].Amount)

	rec = f.do(http.MethodPost, "/v1/rounds/dice/1700000000000/bets", `{"amount":50}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceBetErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{round.ErrRoundClosed, http.StatusConflict, httperrors.ErrCodeRoundClosed},
		{wallet.ErrInsufficientFunds, http.StatusPaymentRequired, httperrors.ErrCodeInsufficientFunds},
		{round.ErrAIWinRateOutOfBounds, http.StatusServiceUnavailable, httperrors.ErrCodeGameUnavailable},
		{round.ErrUnknownGame, http.StatusNotFound, httperrors.ErrCodeUnknownGame},
		{round.ErrNotParticipant, http.StatusForbidden, httperrors.ErrCodeNotParticipant},
		{round.ErrRequestConflict, http.StatusConflict, httperrors.ErrCodeConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError, httperrors.ErrCodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture(t, nil)
			f.rounds.betErr = tc.err
			body := `{"amount":50,"request_id":"` + uuid.NewString() + `"}`
			rec := f.do(http.MethodPost, "/v1/rounds/dice/1700000000000/bets", body, true)
			assert.Equal(t, tc.status, rec.Code)
			got := decodeError(t, rec)
			assert.Equal(t, tc.code, got.Error)
			assert.NotContains(t, got.Message, "win rate")
		})
	}
}

func TestPlaceBetInvalidAmountCarriesLimits(t *testing.T) {
	f := newFixture(t, nil)
	f.rounds.betErr = round.ErrInvalidAmount
	body := `{"amount":5,"request_id":"` + uuid.NewString() + `"}`

	rec := f.do(http.MethodPost, "/v1/rounds/dice/1700000000000/bets", body, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	got := decodeError(t, rec)
	assert.Equal(t, httperrors.ErrCodeInvalidAmount, got.Error)
	assert.Equal(t, float64(10), got.Details["min_bet"])
	assert.NotContains(t, got.Details, "max_bet", "no upper limit configured")
}

func TestUnknownRouteAndFailedPing(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/v1/nowhere", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, httperrors.ErrCodeNotFound, decodeError(t, rec).Error)

	handler := NewHandler(Deps{
		Tokens: f.tokens,
		Ping:   func(context.Context) error { return errors.New("redis down") },
	}, zerolog.Nop())
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, httperrors.ErrCodeUpstreamError, decodeError(t, rec).Error)
}

func TestQueueJoinAndLeave(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/v1/queues/join", `{"game_type":"duel","game_mode":"ranked","region":"eu"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got joinResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "duel:ranked:eu:12", got.Queue)
	assert.Equal(t, 20, got.WaitSeconds)

	rec = f.do(http.MethodPost, "/v1/queues/leave", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, queued := f.queues.QueueOf(f.userID)
	assert.False(t, queued)

	// not queued anymore, still fine
	rec = f.do(http.MethodPost, "/v1/queues/leave", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestQueueJoinBlocked(t *testing.T) {
	f := newFixture(t, nil)
	f.queues.err = matchmaking.ErrPlayerBlocked

	rec := f.do(http.MethodPost, "/v1/queues/join", `{"game_type":"duel","game_mode":"ranked","region":"eu"}`, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httperrors.ErrCodeSessionFlagged, decodeError(t, rec).Error)
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newFixture(t, nil)
	old, err := f.tokens.Issue(jwt.Session{UserID: f.userID, SessionID: "s"}, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/queues/join", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+old)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, httperrors.ErrCodeTokenExpired, decodeError(t, rec).Error)
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/play?token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msgType string, payload any, requestID string) ws.Message {
	t.Helper()
	msg, err := ws.NewMessage(msgType, payload)
	require.NoError(t, err)
	msg.RequestID = requestID
	require.NoError(t, conn.WriteJSON(msg))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply ws.Message
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func TestPlayPingAndQueue(t *testing.T) {
	f := newFixture(t, nil)
	conn := dial(t, f)

	reply := roundTrip(t, conn, ws.TypePing, struct{}{}, "r1")
	assert.Equal(t, ws.TypePong, reply.Type)
	assert.Equal(t, "r1", reply.RequestID)

	reply = roundTrip(t, conn, ws.TypeJoinQueue, ws.JoinQueuePayload{GameType: "duel", GameMode: "ranked", Region: "eu"}, "r2")
	require.Equal(t, ws.TypeQueueUpdate, reply.Type)
	var update ws.QueueUpdatePayload
	require.NoError(t, json.Unmarshal(reply.Payload, &update))
	assert.Equal(t, "waiting", update.Status)
	assert.Equal(t, "duel:ranked:eu:12", update.Queue)

	reply = roundTrip(t, conn, "dance", struct{}{}, "r3")
	require.Equal(t, ws.TypeError, reply.Type)
	var e ws.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &e))
	assert.Equal(t, httperrors.ErrCodeUnknownMessageType, e.Code)

	_, queued := f.queues.QueueOf(f.userID)
	require.True(t, queued)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		_, queued := f.queues.QueueOf(f.userID)
		return !queued
	}, 2*time.Second, 10*time.Millisecond, "a dropped socket leaves the queue")
}

func TestPlayRoundSubscription(t *testing.T) {
	f := newFixture(t, nil)
	conn := dial(t, f)
	topic := ws.RoundTopic("dice", 1_700_000_000_000)

	sub := ws.SubscribeRoundPayload{GameID: "dice", BucketMs: 1_700_000_000_000}
	for _, msgType := range []string{ws.TypeSubscribeRound, ws.TypeUnsubscribeRound} {
		msg, err := ws.NewMessage(msgType, sub)
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(msg))
		if msgType == ws.TypeSubscribeRound {
			assert.Eventually(t, func() bool { return len(f.hub.Subscribers(topic)) == 1 }, 2*time.Second, 10*time.Millisecond)
		}
	}
	assert.Eventually(t, func() bool { return len(f.hub.Subscribers(topic)) == 0 }, 2*time.Second, 10*time.Millisecond)

	reply := roundTrip(t, conn, ws.TypeUnsubscribeRound, struct{}{}, "u1")
	require.Equal(t, ws.TypeError, reply.Type)
}

func TestPlayForwardsTelemetry(t *testing.T) {
	got := make(chan anticheat.Sample, 1)
	var gotSession string
	sink := sinkFunc(func(_ uuid.UUID, _ string, sessionID string, s anticheat.Sample) error {
		gotSession = sessionID
		got <- s
		return nil
	})
	f := newFixture(t, sink)
	conn := dial(t, f)

	bucket := int64(1_700_000_000_000)
	msg, err := ws.NewMessage(ws.TypeTelemetry, ws.TelemetryPayload{
		GameID:        "dice",
		Score:         10,
		Inputs:        3,
		RoundBucketMs: &bucket,
		ReplayHash:    "deadbeef",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))

	select {
	case s := <-got:
		assert.Equal(t, "sess-1", gotSession)
		require.NotNil(t, s.Round)
		assert.Equal(t, "dice:1700000000000", s.Round.String())
		assert.Equal(t, "deadbeef", s.ReplayHash)
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry not forwarded")
	}
}

func TestPlayRateLimitedTelemetryReportsError(t *testing.T) {
	sink := sinkFunc(func(uuid.UUID, string, string, anticheat.Sample) error { return anticheat.ErrRateLimited })
	f := newFixture(t, sink)
	conn := dial(t, f)

	reply := roundTrip(t, conn, ws.TypeTelemetry, ws.TelemetryPayload{GameID: "dice"}, "t1")
	require.Equal(t, ws.TypeError, reply.Type)
	var e ws.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &e))
	assert.Equal(t, httperrors.ErrCodeRateLimited, e.Code)
}

func TestPlayRequiresAuth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/ws/play", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
