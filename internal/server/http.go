package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/arena-core/internal/anticheat"
	"github.com/gokatarajesh/arena-core/internal/auth"
	"github.com/gokatarajesh/arena-core/internal/matchmaking"
	"github.com/gokatarajesh/arena-core/internal/metrics"
	"github.com/gokatarajesh/arena-core/internal/round"
	httperrors "github.com/gokatarajesh/arena-core/pkg/http/errors"
	ws "github.com/gokatarajesh/arena-core/pkg/http/ws"
)

// WSUpgrader handles WebSocket upgrades.
var WSUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the configured web origins once the frontend domains are fixed
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// RoundService is the round surface the edge needs.
type RoundService interface {
	Get(ctx context.Context, key round.Key) (*round.Round, error)
	Verify(ctx context.Context, key round.Key, seed string) (bool, error)
	PlaceBet(ctx context.Context, req round.BetRequest) (*round.Bet, *round.Round, error)
}

// QueueService is the matchmaking surface the edge needs.
type QueueService interface {
	Join(ctx context.Context, key matchmaking.QueueKey, req matchmaking.JoinRequest) (*matchmaking.JoinResult, error)
	Leave(ctx context.Context, key matchmaking.QueueKey, userID uuid.UUID) error
	QueueOf(userID uuid.UUID) (matchmaking.QueueKey, bool)
}

// TelemetrySink accepts anti-cheat telemetry.
type TelemetrySink interface {
	Ingest(userID uuid.UUID, gameID, sessionID string, sample anticheat.Sample) error
}

// Deps are the services behind the HTTP surface. Any may be nil except Tokens.
type Deps struct {
	Rounds         RoundService
	Catalog        *round.Catalog
	Queues         QueueService
	Telemetry      TelemetrySink
	Hub            *ws.Hub
	Tokens         auth.TokenValidator
	Metrics        *metrics.Collector
	Ping           func(ctx context.Context) error
	MMRBucketWidth int
}

// NewHTTPServer wires health, metrics, round, queue and WebSocket routes.
func NewHTTPServer(addr string, deps Deps, logger zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewHandler builds the routed handler; split out so tests can drive it directly.
func NewHandler(deps Deps, logger zerolog.Logger) http.Handler {
	if deps.MMRBucketWidth <= 0 {
		deps.MMRBucketWidth = 100
	}
	api := &api{deps: deps, logger: logger.With().Str("component", "http").Logger()}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	mux.HandleFunc("GET /v1/ping", api.ping)

	mux.HandleFunc("GET /v1/games", api.listGames)
	mux.HandleFunc("GET /v1/rounds/{gameId}/{bucket}", api.getRound)
	mux.HandleFunc("GET /v1/rounds/{gameId}/{bucket}/verify", api.verifyRound)
	mux.Handle("POST /v1/rounds/{gameId}/{bucket}/bets", auth.RequireAuth(http.HandlerFunc(api.placeBet)))

	mux.Handle("POST /v1/queues/join", auth.RequireAuth(http.HandlerFunc(api.joinQueue)))
	mux.Handle("POST /v1/queues/leave", auth.RequireAuth(http.HandlerFunc(api.leaveQueue)))

	mux.Handle("GET /ws/play", auth.RequireAuth(http.HandlerFunc(api.play)))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeNotFound, "No route for "+r.Method+" "+r.URL.Path)
	})

	return auth.Middleware(deps.Tokens, logger)(mux)
}

type api struct {
	deps   Deps
	logger zerolog.Logger
}

func (a *api) ping(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Ping(ctx); err != nil {
			a.logger.Error().Err(err).Msg("dependency ping failed")
			httperrors.RespondError(w, http.StatusBadGateway, httperrors.ErrCodeUpstreamError, "Upstream dependency unavailable")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"pong":true}`))
}
