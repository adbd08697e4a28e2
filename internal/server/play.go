package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/arena-core/internal/anticheat"
	"github.com/gokatarajesh/arena-core/internal/auth"
	"github.com/gokatarajesh/arena-core/internal/auth/jwt"
	"github.com/gokatarajesh/arena-core/internal/fairness"
	httperrors "github.com/gokatarajesh/arena-core/pkg/http/errors"
	ws "github.com/gokatarajesh/arena-core/pkg/http/ws"
)

// play upgrades to the session socket: telemetry and queue commands in,
// round and match events out.
func (a *api) play(w http.ResponseWriter, r *http.Request) {
	if a.deps.Hub == nil {
		httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeServiceUnavailable, "Realtime channel unavailable")
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	conn, err := WSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := a.logger.With().Str("user_id", claims.UserID.String()).Str("session_id", claims.SessionID).Logger()
	c := ws.NewConnection(conn, claims.SessionID, logger)
	a.deps.Hub.RegisterConnection(claims.UserID, c)
	go c.WritePump()

	c.ReadPump(func(msg ws.Message) error {
		return a.handleMessage(r, claims, c, msg)
	})
	a.deps.Hub.UnregisterConnection(claims.UserID, c)
	c.Close()
	<-c.Done()

	// a newer socket for the same user keeps the queue entry
	if _, live := a.deps.Hub.GetConnection(claims.UserID); !live {
		a.leaveOnDisconnect(context.WithoutCancel(r.Context()), claims.UserID, logger)
	}
}

func (a *api) leaveOnDisconnect(ctx context.Context, userID uuid.UUID, logger zerolog.Logger) {
	if a.deps.Queues == nil {
		return
	}
	key, queued := a.deps.Queues.QueueOf(userID)
	if !queued {
		return
	}
	if err := a.deps.Queues.Leave(ctx, key, userID); err != nil {
		logger.Warn().Err(err).Str("queue", key.String()).Msg("leave queue on disconnect failed")
		return
	}
	logger.Info().Str("queue", key.String()).Msg("left queue on disconnect")
}

func (a *api) handleMessage(r *http.Request, claims *jwt.Claims, c *ws.Connection, msg ws.Message) error {
	ctx := r.Context()
	switch msg.Type {
	case ws.TypePing:
		return reply(c, msg, ws.TypePong, struct{}{})

	case ws.TypeTelemetry:
		if a.deps.Telemetry == nil {
			return nil
		}
		var p ws.TelemetryPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return replyError(c, msg, httperrors.ErrCodeInvalidPayload, "Invalid telemetry payload")
		}
		if err := a.deps.Telemetry.Ingest(claims.UserID, p.GameID, claims.SessionID, sampleFrom(p)); err != nil {
			pr := classify(err)
			return replyError(c, msg, pr.code, pr.message)
		}
		return nil

	case ws.TypeJoinQueue:
		if a.deps.Queues == nil {
			return replyError(c, msg, httperrors.ErrCodeServiceUnavailable, "Matchmaking unavailable")
		}
		var p ws.JoinQueuePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return replyError(c, msg, httperrors.ErrCodeInvalidPayload, "Invalid queue payload")
		}
		key := a.queueKeyFor(claims, p)
		res, err := a.deps.Queues.Join(ctx, key, joinRequestFor(claims, p))
		if err != nil {
			pr := classify(err)
			return replyError(c, msg, pr.code, pr.message)
		}
		status := "waiting"
		if res.Match != nil {
			status = "matched"
		}
		return reply(c, msg, ws.TypeQueueUpdate, ws.QueueUpdatePayload{
			Queue:       key.String(),
			Status:      status,
			Position:    res.Position,
			WaitSeconds: int(res.Player.EstimatedWait.Seconds()),
		})

	case ws.TypeLeaveQueue:
		if a.deps.Queues == nil {
			return nil
		}
		var p ws.LeaveQueuePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return replyError(c, msg, httperrors.ErrCodeInvalidPayload, "Invalid queue payload")
			}
		}
		key, ok := a.leaveKey(claims, p)
		if !ok {
			return nil
		}
		if err := a.deps.Queues.Leave(ctx, key, claims.UserID); err != nil {
			pr := classify(err)
			return replyError(c, msg, pr.code, pr.message)
		}
		return reply(c, msg, ws.TypeQueueUpdate, ws.QueueUpdatePayload{Queue: key.String(), Status: "left", Position: -1})

	case ws.TypeSubscribeRound:
		var p ws.SubscribeRoundPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.GameID == "" {
			return replyError(c, msg, httperrors.ErrCodeInvalidPayload, "Invalid round subscription")
		}
		a.deps.Hub.Subscribe(ws.RoundTopic(p.GameID, p.BucketMs), claims.UserID)
		return nil

	case ws.TypeUnsubscribeRound:
		var p ws.SubscribeRoundPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.GameID == "" {
			return replyError(c, msg, httperrors.ErrCodeInvalidPayload, "Invalid round subscription")
		}
		a.deps.Hub.Unsubscribe(ws.RoundTopic(p.GameID, p.BucketMs), claims.UserID)
		return nil
	}
	return replyError(c, msg, httperrors.ErrCodeUnknownMessageType, fmt.Sprintf("Unknown message type %q", msg.Type))
}

func sampleFrom(p ws.TelemetryPayload) anticheat.Sample {
	s := anticheat.Sample{
		GameID:                 p.GameID,
		ElapsedMs:              p.ElapsedMs,
		Score:                  p.Score,
		Inputs:                 p.Inputs,
		ReactionTimesMs:        p.ReactionTimesMs,
		ReplayHash:             p.ReplayHash,
		ClientIntegrityFailure: p.ClientIntegrityFailure,
	}
	if p.ClientTimestampMs > 0 {
		s.Timestamp = time.UnixMilli(p.ClientTimestampMs).UTC()
	}
	if p.RoundBucketMs != nil {
		key := fairness.NewRoundKey(p.GameID, time.UnixMilli(*p.RoundBucketMs))
		s.Round = &key
	}
	return s
}

func reply(c *ws.Connection, req ws.Message, msgType string, payload any) error {
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.RequestID = req.RequestID
	return c.Send(msg)
}

func replyError(c *ws.Connection, req ws.Message, code, message string) error {
	return reply(c, req, ws.TypeError, ws.ErrorPayload{Code: code, Message: message})
}
