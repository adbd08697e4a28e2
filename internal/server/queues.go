package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gokatarajesh/arena-core/internal/auth"
	"github.com/gokatarajesh/arena-core/internal/auth/jwt"
	"github.com/gokatarajesh/arena-core/internal/matchmaking"
	httperrors "github.com/gokatarajesh/arena-core/pkg/http/errors"
	ws "github.com/gokatarajesh/arena-core/pkg/http/ws"
)

type joinResponse struct {
	Queue       string             `json:"queue"`
	Position    int                `json:"position"`
	WaitSeconds int                `json:"wait_seconds"`
	Match       *matchmaking.Match `json:"match,omitempty"`
}

// queueKeyFor buckets the caller by the MMR carried in their token.
func (a *api) queueKeyFor(claims *jwt.Claims, p ws.JoinQueuePayload) matchmaking.QueueKey {
	return matchmaking.QueueKey{
		GameType:   p.GameType,
		GameMode:   p.GameMode,
		Region:     p.Region,
		SkillLevel: matchmaking.SkillLevelFor(claims.MMR, a.deps.MMRBucketWidth),
	}
}

func joinRequestFor(claims *jwt.Claims, p ws.JoinQueuePayload) matchmaking.JoinRequest {
	tier := matchmaking.Tier(claims.Tier)
	if tier == "" {
		tier = matchmaking.TierStandard
	}
	return matchmaking.JoinRequest{
		UserID:      claims.UserID,
		SessionID:   claims.SessionID,
		MMR:         claims.MMR,
		Tier:        tier,
		Preferences: matchmaking.Preferences{MaxMMRGap: p.MaxMMRGap},
	}
}

func (a *api) joinQueue(w http.ResponseWriter, r *http.Request) {
	if a.deps.Queues == nil {
		httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeServiceUnavailable, "Matchmaking unavailable")
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	var body ws.JoinQueuePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	key := a.queueKeyFor(claims, body)
	res, err := a.deps.Queues.Join(r.Context(), key, joinRequestFor(claims, body))
	if err != nil {
		a.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, joinResponse{
		Queue:       key.String(),
		Position:    res.Position,
		WaitSeconds: int(res.Player.EstimatedWait.Seconds()),
		Match:       res.Match,
	})
}

func (a *api) leaveQueue(w http.ResponseWriter, r *http.Request) {
	if a.deps.Queues == nil {
		httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeServiceUnavailable, "Matchmaking unavailable")
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	var body ws.LeaveQueuePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	key, ok := a.leaveKey(claims, body)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := a.deps.Queues.Leave(r.Context(), key, claims.UserID); err != nil {
		a.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// leaveKey uses the queue named in the body, or the one the caller is waiting in.
func (a *api) leaveKey(claims *jwt.Claims, body ws.LeaveQueuePayload) (matchmaking.QueueKey, bool) {
	if body.GameType != "" {
		return matchmaking.QueueKey{GameType: body.GameType, GameMode: body.GameMode, Region: body.Region, SkillLevel: body.SkillLevel}, true
	}
	return a.deps.Queues.QueueOf(claims.UserID)
}
