package round

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gokatarajesh/arena-core/internal/fairness"
)

// GameConfig is the per-game envelope the manager enforces.
type GameConfig struct {
	GameID           string               `json:"game_id"`
	Outcome          fairness.OutcomeKind `json:"outcome"`
	BucketSeconds    int                  `json:"bucket_seconds"`
	BetWindowSeconds int                  `json:"bet_window_seconds"`
	Capacity         int                  `json:"capacity"`
	MinBet           int64                `json:"min_bet"`
	MaxBet           int64                `json:"max_bet"`
	MaxPayoutRatio   decimal.Decimal      `json:"max_payout_ratio"`
	RakePercent      int64                `json:"rake_percent"`
	AIAssisted       bool                 `json:"ai_assisted"`
	AIWinRate        float64              `json:"ai_win_rate"`
	AutoSettle       bool                 `json:"auto_settle"`
}

// Bucket is the round cadence; zero means rounds are opened on demand (matched groups).
func (c GameConfig) Bucket() time.Duration {
	return time.Duration(c.BucketSeconds) * time.Second
}

// BetWindow is the lock deadline offset from bucket start.
func (c GameConfig) BetWindow() time.Duration {
	return time.Duration(c.BetWindowSeconds) * time.Second
}

// Validate checks structural fields. The AI win-rate band is enforced at play time, not here.
func (c GameConfig) Validate() error {
	if c.GameID == "" {
		return fmt.Errorf("game_id is required")
	}
	switch c.Outcome {
	case fairness.OutcomeCrash, fairness.OutcomeDice, fairness.OutcomePick:
	default:
		return fmt.Errorf("game %s: unknown outcome kind %q", c.GameID, c.Outcome)
	}
	if c.BetWindowSeconds <= 0 {
		return fmt.Errorf("game %s: bet_window_seconds must be positive", c.GameID)
	}
	if c.BucketSeconds < 0 || (c.BucketSeconds > 0 && c.BetWindowSeconds > c.BucketSeconds) {
		return fmt.Errorf("game %s: bet window exceeds bucket", c.GameID)
	}
	if !c.MaxPayoutRatio.IsPositive() {
		return fmt.Errorf("game %s: max_payout_ratio must be positive", c.GameID)
	}
	if c.MaxBet > 0 && c.MinBet > c.MaxBet {
		return fmt.Errorf("game %s: min_bet exceeds max_bet", c.GameID)
	}
	if c.RakePercent < 0 || c.RakePercent > 100 {
		return fmt.Errorf("game %s: rake_percent out of range", c.GameID)
	}
	return nil
}

// Catalog holds live game configuration; entries may change while rounds are open.
type Catalog struct {
	mu    sync.RWMutex
	games map[string]GameConfig
}

func NewCatalog(configs ...GameConfig) (*Catalog, error) {
	c := &Catalog{games: make(map[string]GameConfig, len(configs))}
	for _, cfg := range configs {
		if err := c.Put(cfg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads a JSON array of game configs.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read games config: %w", err)
	}
	var configs []GameConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("decode games config: %w", err)
	}
	return NewCatalog(configs...)
}

func (c *Catalog) Put(cfg GameConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.games[cfg.GameID] = cfg
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Get(gameID string) (GameConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.games[gameID]
	if !ok {
		return GameConfig{}, fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	return cfg, nil
}

// All returns configs sorted by game id.
func (c *Catalog) All() []GameConfig {
	c.mu.RLock()
	out := make([]GameConfig, 0, len(c.games))
	for _, cfg := range c.games {
		out = append(out, cfg)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GameID < out[j].GameID })
	return out
}
