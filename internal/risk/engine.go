package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/you/arb-engine/internal/config"
	"github.com/you/arb-engine/internal/metrics"
	"github.com/you/arb-engine/internal/types"
	"go.uber.org/zap"
)

// Portfolio is one observation from the portfolio/price feed.
type Portfolio struct {
	ValueUSD        float64
	OpenExposureUSD float64
	CapitalUSD      float64
	Ts              time.Time
}

// PortfolioSource delivers periodic portfolio snapshots; the redis feed
// implements it.
type PortfolioSource interface {
	Portfolio(ctx context.Context) (Portfolio, error)
}

// Engine recomputes rolling risk metrics on a fixed cadence and trips the
// circuit breaker the first time any configured threshold is breached.
type Engine struct {
	cfg     *config.Config
	src     PortfolioSource
	breaker *CircuitBreaker
	log     *zap.Logger

	mu       sync.RWMutex
	snapshot types.RiskSnapshot
	values   []float64 // rolling portfolio values for log returns
	peak     float64
	maxDD    float64
	losses   int
}

func NewEngine(cfg *config.Config, src PortfolioSource, log *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		src:     src,
		breaker: NewCircuitBreaker(cfg.RecoveryTime(), cfg.Risk.AutoRestart),
		log:     log,
	}
}

func (e *Engine) Breaker() *CircuitBreaker { return e.breaker }

// Run drives the recompute cadence until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.RiskCadence())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p, err := e.src.Portfolio(ctx)
			if err != nil {
				e.log.Warn("portfolio feed unavailable, keeping last snapshot", zap.Error(err))
				continue
			}
			e.Observe(p)
		}
	}
}

// Observe folds one portfolio observation into the rolling metrics and
// evaluates the breaker thresholds.
func (e *Engine) Observe(p Portfolio) {
	e.mu.Lock()

	if p.ValueUSD > 0 {
		e.values = append(e.values, p.ValueUSD)
		if n := e.cfg.Risk.ReturnsWindow; len(e.values) > n {
			e.values = e.values[len(e.values)-n:]
		}
		if p.ValueUSD > e.peak {
			e.peak = p.ValueUSD
		}
	}

	dd := 0.0
	if e.peak > 0 {
		dd = math.Max(0, (e.peak-p.ValueUSD)/e.peak) * 100
	}
	if dd > e.maxDD {
		e.maxDD = dd
	}

	vol := stddevLogReturns(e.values)
	vaR := p.ValueUSD * vol * zScore(e.cfg.Risk.VaRConfidence)

	exposure := 0.0
	if p.CapitalUSD > 0 {
		exposure = p.OpenExposureUSD / p.CapitalUSD
	}

	score := e.score(dd, vol, exposure, e.losses)

	e.snapshot = types.RiskSnapshot{
		CurrentDrawdown:   dd,
		MaxDrawdown:       e.maxDD,
		Volatility:        vol,
		ValueAtRisk:       vaR,
		ExposureRatio:     exposure,
		ConsecutiveLosses: e.losses,
		Score:             score,
		UpdatedAt:         time.Now(),
	}
	losses := e.losses
	e.mu.Unlock()

	metrics.RiskScore.Set(score)
	metrics.Drawdown.Set(dd)

	e.evaluate(dd, vol, score, losses)
}

// evaluate trips the breaker on the first threshold breach, recording which
// limit was crossed.
func (e *Engine) evaluate(dd, vol, score float64, losses int) {
	r := e.cfg.Risk
	switch {
	case dd > r.MaxDrawdownPct:
		e.trip(fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", dd, r.MaxDrawdownPct))
	case losses >= r.MaxConsecutiveLosses:
		e.trip(fmt.Sprintf("%d consecutive losses at limit %d", losses, r.MaxConsecutiveLosses))
	case vol > r.VolatilityCeiling:
		e.trip(fmt.Sprintf("volatility %.4f exceeds ceiling %.4f", vol, r.VolatilityCeiling))
	case score > r.ScoreCeiling:
		e.trip(fmt.Sprintf("risk score %.1f exceeds ceiling %.1f", score, r.ScoreCeiling))
	}
}

func (e *Engine) trip(reason string) {
	if st, _, _ := e.breaker.State(); st == BreakerOpen {
		return
	}
	e.log.Error("circuit breaker tripped", zap.String("reason", reason))
	e.breaker.Trip(reason)
}

// RecordTradeResult feeds a realized execution outcome into the
// consecutive-loss counter and re-evaluates thresholds immediately rather
// than waiting for the next cadence tick.
func (e *Engine) RecordTradeResult(pnlUSD float64) {
	e.mu.Lock()
	if pnlUSD < 0 {
		e.losses++
	} else {
		e.losses = 0
	}
	e.snapshot.ConsecutiveLosses = e.losses
	dd := e.snapshot.CurrentDrawdown
	vol := e.snapshot.Volatility
	losses := e.losses
	score := e.score(dd, vol, e.snapshot.ExposureRatio, losses)
	e.snapshot.Score = score
	e.mu.Unlock()

	e.evaluate(dd, vol, score, losses)
}

// Snapshot returns a copy of the latest risk snapshot.
func (e *Engine) Snapshot() types.RiskSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// score is the configured weighted sum of normalized sub-scores, 0..100.
func (e *Engine) score(dd, vol, exposure float64, losses int) float64 {
	r := e.cfg.Risk
	w := r.Weights
	nd := clamp01(dd / r.MaxDrawdownPct)
	nv := clamp01(vol / r.VolatilityCeiling)
	ne := clamp01(exposure)
	nl := clamp01(float64(losses) / float64(r.MaxConsecutiveLosses))
	return 100 * (w.Drawdown*nd + w.Volatility*nv + w.Exposure*ne + w.LossStreak*nl)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// stddevLogReturns is the volatility of the rolling value window.
func stddevLogReturns(values []float64) float64 {
	if len(values) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 && values[i] > 0 {
			rets = append(rets, math.Log(values[i]/values[i-1]))
		}
	}
	if len(rets) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	varsum := 0.0
	for _, r := range rets {
		d := r - mean
		varsum += d * d
	}
	return math.Sqrt(varsum / float64(len(rets)-1))
}

// zScore maps a VaR confidence level to its one-tailed z value.
func zScore(confidence float64) float64 {
	switch confidence {
	case 0.90:
		return 1.28
	case 0.99:
		return 2.33
	default:
		return 1.65 // 0.95
	}
}
