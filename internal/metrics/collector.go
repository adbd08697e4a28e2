package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the core emits. It is built once in the composition
// root and handed to each component; a nil *Collector is a valid no-op.
type Collector struct {
	registry *prometheus.Registry

	roundsOpened     *prometheus.CounterVec
	betsPlaced       *prometheus.CounterVec
	betCoins         *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	payoutCoins      *prometheus.CounterVec
	flags            *prometheus.CounterVec
	telemetryDropped *prometheus.CounterVec
	matches          *prometheus.CounterVec
	queueWait        *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
}

// New registers the arena metrics (plus Go/process collectors) on a fresh registry.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		roundsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "opened_total",
			Help: "Rounds opened per game.",
		}, []string{"game"}),
		betsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "bets_total",
			Help: "Accepted bets per game.",
		}, []string{"game"}),
		betCoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "bet_coins_total",
			Help: "Coins wagered per game.",
		}, []string{"game"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "settlements_total",
			Help: "Settlement attempts by result (settled, blocked).",
		}, []string{"game", "result"}),
		payoutCoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "payout_coins_total",
			Help: "Coins paid out per game.",
		}, []string{"game"}),
		flags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "anticheat", Name: "flags_total",
			Help: "Anomaly flags by type and severity.",
		}, []string{"flag", "severity"}),
		telemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "anticheat", Name: "telemetry_dropped_total",
			Help: "Telemetry samples dropped before classification.",
		}, []string{"reason"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matchmaking", Name: "matches_total",
			Help: "Match groups formed per game type.",
		}, []string{"game_type"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "matchmaking", Name: "wait_seconds",
			Help:    "Time players spent queued before being matched.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"game_type"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "matchmaking", Name: "queue_depth",
			Help: "Players currently waiting per queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		c.roundsOpened, c.betsPlaced, c.betCoins, c.settlements, c.payoutCoins,
		c.flags, c.telemetryDropped, c.matches, c.queueWait, c.queueDepth,
	)
	return c
}

// Handler exposes the registry for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry is exposed for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RoundOpened(game string) {
	if c == nil {
		return
	}
	c.roundsOpened.WithLabelValues(game).Inc()
}

func (c *Collector) BetPlaced(game string, amount int64) {
	if c == nil {
		return
	}
	c.betsPlaced.WithLabelValues(game).Inc()
	c.betCoins.WithLabelValues(game).Add(float64(amount))
}

func (c *Collector) RoundSettled(game string, payouts int64) {
	if c == nil {
		return
	}
	c.settlements.WithLabelValues(game, "settled").Inc()
	c.payoutCoins.WithLabelValues(game).Add(float64(payouts))
}

func (c *Collector) SettlementBlocked(game string) {
	if c == nil {
		return
	}
	c.settlements.WithLabelValues(game, "blocked").Inc()
}

func (c *Collector) FlagRaised(flag, severity string) {
	if c == nil {
		return
	}
	c.flags.WithLabelValues(flag, severity).Inc()
}

func (c *Collector) TelemetryDropped(reason string) {
	if c == nil {
		return
	}
	c.telemetryDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) MatchMade(gameType string, waits []time.Duration) {
	if c == nil {
		return
	}
	c.matches.WithLabelValues(gameType).Inc()
	for _, w := range waits {
		c.queueWait.WithLabelValues(gameType).Observe(w.Seconds())
	}
}

func (c *Collector) QueueDepth(queue string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
