package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/arena-core/internal/matchmaking"
	"github.com/gokatarajesh/arena-core/internal/round"
	ws "github.com/gokatarajesh/arena-core/pkg/http/ws"
)

// MatchRoundOpener opens a dedicated round that only the matched players may bet on.
type MatchRoundOpener interface {
	OpenMatchRound(ctx context.Context, gameID string, matchedAt time.Time, players []uuid.UUID) (*round.Round, error)
}

// MatchNotifier turns a formed match into a round and tells each player where to go.
type MatchNotifier struct {
	rounds MatchRoundOpener
	hub    *ws.Hub
	logger zerolog.Logger
}

func NewMatchNotifier(rounds MatchRoundOpener, hub *ws.Hub, logger zerolog.Logger) *MatchNotifier {
	return &MatchNotifier{rounds: rounds, hub: hub, logger: logger.With().Str("component", "match_notifier").Logger()}
}

// HandleMatch implements matchmaking.MatchHandler.
func (n *MatchNotifier) HandleMatch(ctx context.Context, m matchmaking.Match) error {
	players := make([]uuid.UUID, len(m.Players))
	for i, p := range m.Players {
		players[i] = p.UserID
	}
	r, err := n.rounds.OpenMatchRound(ctx, m.Key.GameType, m.CreatedAt, players)
	if err != nil {
		return fmt.Errorf("open round for match %s: %w", m.ID, err)
	}

	payload := ws.MatchFoundPayload{
		MatchID:  m.ID,
		Queue:    m.Key.String(),
		Players:  make([]ws.Player, len(m.Players)),
		GameID:   r.GameID,
		BucketMs: r.BucketStart.UnixMilli(),
		SeedHash: r.SeedHash,
	}
	for i, p := range m.Players {
		payload.Players[i] = ws.Player{UserID: p.UserID.String(), MMR: p.MMR}
	}
	msg, err := ws.NewMessage(ws.TypeMatchFound, payload)
	if err != nil {
		return err
	}

	roundTopic := ws.RoundTopic(r.GameID, payload.BucketMs)
	matchTopic := ws.MatchTopic(m.ID)
	for _, p := range m.Players {
		n.hub.Subscribe(roundTopic, p.UserID)
		n.hub.Subscribe(matchTopic, p.UserID)
	}
	if err := n.hub.Publish(matchTopic, msg); err != nil {
		n.logger.Warn().Err(err).Str("match_id", m.ID).Msg("match notification incomplete")
	}
	n.logger.Info().Str("match_id", m.ID).Str("round", r.Key().String()).Int("players", len(m.Players)).Msg("match round opened")
	return nil
}
