package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/arb-engine/internal/config"
	"go.uber.org/zap"
)

func riskConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskCfg{
			CadenceMs:            1000,
			ReturnsWindow:        60,
			VaRConfidence:        0.95,
			Weights:              config.RiskWeights{Drawdown: 0.35, Volatility: 0.25, Exposure: 0.2, LossStreak: 0.2},
			MaxDrawdownPct:       10,
			MaxConsecutiveLosses: 3,
			VolatilityCeiling:    0.08,
			ScoreCeiling:         75,
			RecoveryTimeSec:      300,
		},
	}
}

func newRiskEngine(cfg *config.Config) *Engine {
	return NewEngine(cfg, nil, zap.NewNop())
}

func observe(e *Engine, value, exposure, capital float64) {
	e.Observe(Portfolio{ValueUSD: value, OpenExposureUSD: exposure, CapitalUSD: capital, Ts: time.Now()})
}

func TestObserve_DrawdownFromPeak(t *testing.T) {
	e := newRiskEngine(riskConfig())

	observe(e, 10000, 0, 10000)
	observe(e, 9500, 0, 10000)

	s := e.Snapshot()
	assert.InDelta(t, 5.0, s.CurrentDrawdown, 1e-9)
	assert.InDelta(t, 5.0, s.MaxDrawdown, 1e-9)

	// recovery shrinks the current drawdown but not the max
	observe(e, 9900, 0, 10000)
	s = e.Snapshot()
	assert.InDelta(t, 1.0, s.CurrentDrawdown, 1e-9)
	assert.InDelta(t, 5.0, s.MaxDrawdown, 1e-9)
}

func TestObserve_ExposureRatio(t *testing.T) {
	e := newRiskEngine(riskConfig())
	observe(e, 10000, 2500, 10000)
	assert.InDelta(t, 0.25, e.Snapshot().ExposureRatio, 1e-9)
}

func TestObserve_VolatilityNeedsThreeValues(t *testing.T) {
	e := newRiskEngine(riskConfig())
	observe(e, 10000, 0, 10000)
	observe(e, 10100, 0, 10000)
	assert.Zero(t, e.Snapshot().Volatility)

	observe(e, 9900, 0, 10000)
	assert.Greater(t, e.Snapshot().Volatility, 0.0)
}

func TestObserve_VaRScalesWithConfidence(t *testing.T) {
	values := []float64{10000, 10200, 9800, 10100, 9900}

	run := func(conf float64) float64 {
		cfg := riskConfig()
		cfg.Risk.VaRConfidence = conf
		e := newRiskEngine(cfg)
		for _, v := range values {
			observe(e, v, 0, 10000)
		}
		return e.Snapshot().ValueAtRisk
	}

	v90, v95, v99 := run(0.90), run(0.95), run(0.99)
	require.Greater(t, v90, 0.0)
	assert.Less(t, v90, v95)
	assert.Less(t, v95, v99)
	// z ratios are fixed: 1.28 / 1.65 / 2.33
	assert.InDelta(t, 1.65/1.28, v95/v90, 1e-9)
	assert.InDelta(t, 2.33/1.65, v99/v95, 1e-9)
}

func TestObserve_DrawdownBreachTripsBreaker(t *testing.T) {
	e := newRiskEngine(riskConfig())

	observe(e, 10000, 0, 10000)
	assert.NoError(t, e.Breaker().Allow())

	observe(e, 8900, 0, 10000) // 11% > 10% limit
	err := e.Breaker().Allow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drawdown")
}

func TestRecordTradeResult_LossStreakTripsAtThreshold(t *testing.T) {
	e := newRiskEngine(riskConfig())

	e.RecordTradeResult(-10)
	e.RecordTradeResult(-5)
	assert.NoError(t, e.Breaker().Allow(), "two losses stay under the limit of three")

	e.RecordTradeResult(-2)
	err := e.Breaker().Allow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutive losses")
	assert.Equal(t, 3, e.Snapshot().ConsecutiveLosses)
}

func TestRecordTradeResult_WinResetsStreak(t *testing.T) {
	e := newRiskEngine(riskConfig())

	e.RecordTradeResult(-10)
	e.RecordTradeResult(-5)
	e.RecordTradeResult(12)
	assert.Zero(t, e.Snapshot().ConsecutiveLosses)

	e.RecordTradeResult(-1)
	assert.Equal(t, 1, e.Snapshot().ConsecutiveLosses)
	assert.NoError(t, e.Breaker().Allow())
}

func TestScore_WeightedAndBounded(t *testing.T) {
	e := newRiskEngine(riskConfig())

	// loss streak at the limit contributes its full weight: 0.2 * 100
	e.RecordTradeResult(-1)
	e.RecordTradeResult(-1)
	e.RecordTradeResult(-1)
	s := e.Snapshot()
	assert.InDelta(t, 20.0, s.Score, 1e-9)

	// sub-scores clamp at 1, so the score can never leave 0..100
	assert.LessOrEqual(t, e.score(1e6, 1e6, 1e6, 1000), 100.0)
	assert.GreaterOrEqual(t, e.score(-5, -5, -5, 0), 0.0)
}

func TestStddevLogReturns(t *testing.T) {
	assert.Zero(t, stddevLogReturns(nil))
	assert.Zero(t, stddevLogReturns([]float64{100, 110}))

	// constant series has zero volatility
	assert.Zero(t, stddevLogReturns([]float64{100, 100, 100, 100}))

	got := stddevLogReturns([]float64{100, 110, 100})
	r := math.Log(110.0 / 100.0)
	// returns are +r and -r, sample stddev = |r| * sqrt(2)
	assert.InDelta(t, math.Abs(r)*math.Sqrt2, got, 1e-12)
}
