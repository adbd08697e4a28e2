package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gokatarajesh/arena-core/internal/auth"
	"github.com/gokatarajesh/arena-core/internal/round"
	httperrors "github.com/gokatarajesh/arena-core/pkg/http/errors"
)

type gameView struct {
	GameID           string `json:"game_id"`
	Outcome          string `json:"outcome"`
	BucketSeconds    int    `json:"bucket_seconds"`
	BetWindowSeconds int    `json:"bet_window_seconds"`
	Capacity         int    `json:"capacity,omitempty"`
	MinBet           int64  `json:"min_bet"`
	MaxBet           int64  `json:"max_bet,omitempty"`
}

func (a *api) listGames(w http.ResponseWriter, r *http.Request) {
	if a.deps.Catalog == nil {
		respondJSON(w, http.StatusOK, map[string]any{"games": []gameView{}})
		return
	}
	configs := a.deps.Catalog.All()
	games := make([]gameView, 0, len(configs))
	for _, c := range configs {
		games = append(games, gameView{
			GameID:           c.GameID,
			Outcome:          string(c.Outcome),
			BucketSeconds:    c.BucketSeconds,
			BetWindowSeconds: c.BetWindowSeconds,
			Capacity:         c.Capacity,
			MinBet:           c.MinBet,
			MaxBet:           c.MaxBet,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"games": games})
}

// roundKey parses /{gameId}/{bucket} where bucket is unix milliseconds.
func roundKey(w http.ResponseWriter, r *http.Request) (round.Key, bool) {
	gameID := r.PathValue("gameId")
	ms, err := strconv.ParseInt(r.PathValue("bucket"), 10, 64)
	if gameID == "" || err != nil || ms < 0 {
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidRequest, "bucket must be unix milliseconds", "bucket")
		return round.Key{}, false
	}
	return round.NewKey(gameID, time.UnixMilli(ms)), true
}

func (a *api) getRound(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rounds == nil {
		httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeServiceUnavailable, "Rounds unavailable")
		return
	}
	key, ok := roundKey(w, r)
	if !ok {
		return
	}
	rd, err := a.deps.Rounds.Get(r.Context(), key)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rd.Public())
}

type verifyResponse struct {
	GameID   string `json:"game_id"`
	BucketMs int64  `json:"bucket_ms"`
	SeedHash string `json:"seed_hash"`
	Valid    bool   `json:"valid"`
}

func (a *api) verifyRound(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rounds == nil {
		httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeServiceUnavailable, "Rounds unavailable")
		return
	}
	key, ok := roundKey(w, r)
	if !ok {
		return
	}
	seed := r.URL.Query().Get("seed")
	if seed == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "seed is required", "seed")
		return
	}
	rd, err := a.deps.Rounds.Get(r.Context(), key)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	valid, err := a.deps.Rounds.Verify(r.Context(), key, seed)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, verifyResponse{
		GameID:   key.GameID,
		BucketMs: key.BucketStart.UnixMilli(),
		SeedHash: rd.SeedHash,
		Valid:    valid,
	})
}

type placeBetRequest struct {
	Amount    int64     `json:"amount"`
	RequestID uuid.UUID `json:"request_id"`
}

type placeBetResponse struct {
	Bet   *round.Bet  `json:"bet"`
	Round round.Round `json:"round"`
}

func (a *api) placeBet(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rounds == nil {
		httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeServiceUnavailable, "Rounds unavailable")
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	key, ok := roundKey(w, r)
	if !ok {
		return
	}
	var body placeBetRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if body.RequestID == uuid.Nil {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "request_id is required for safe retries", "request_id")
		return
	}

	bet, rd, err := a.deps.Rounds.PlaceBet(r.Context(), round.BetRequest{
		Key:       key,
		UserID:    claims.UserID,
		Amount:    body.Amount,
		RequestID: body.RequestID,
	})
	if errors.Is(err, round.ErrInvalidAmount) && a.deps.Catalog != nil {
		if cfg, cerr := a.deps.Catalog.Get(key.GameID); cerr == nil {
			details := map[string]interface{}{"min_bet": cfg.MinBet}
			if cfg.MaxBet > 0 {
				details["max_bet"] = cfg.MaxBet
			}
			httperrors.RespondErrorWithDetails(w, http.StatusBadRequest, httperrors.ErrCodeInvalidAmount, "Bet amount outside game limits", details)
			return
		}
	}
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, placeBetResponse{Bet: bet, Round: rd.Public()})
}
