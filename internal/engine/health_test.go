package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealth_HealthyAtRest(t *testing.T) {
	cfg := coordConfig()
	a := &fakeVenue{id: "venue_a"}
	b := &fakeVenue{id: "venue_b"}
	c := newCoordinator(t, cfg, a, b)

	rep := c.Health(context.Background())
	assert.Equal(t, Healthy, rep.Level)
	assert.True(t, rep.GasSane)
	assert.False(t, rep.BreakerOpen)
	assert.Zero(t, rep.TradeErrorRate)
}

func TestHealth_QuotingVenuesCounted(t *testing.T) {
	cfg := coordConfig()
	a := &fakeVenue{id: "venue_a"}
	b := &fakeVenue{id: "venue_b"}
	c := newCoordinator(t, cfg, a, b)

	c.perf.RecordQuote("venue_a", 10*time.Millisecond, 0)
	rep := c.Health(context.Background())
	assert.Equal(t, 1, rep.VenuesQuoting)
	assert.Equal(t, 1, rep.VenuesTotal)
}

func TestHealth_BreakerOpenIsWarning(t *testing.T) {
	cfg := coordConfig()
	c := newCoordinator(t, cfg, &fakeVenue{id: "venue_a"}, &fakeVenue{id: "venue_b"})

	c.riskE.Breaker().Trip("test trip")
	rep := c.Health(context.Background())
	assert.Equal(t, Warning, rep.Level)
	assert.True(t, rep.BreakerOpen)
	assert.Equal(t, "test trip", rep.BreakerReason)
}

func TestHealth_GasInsanityIsWarning(t *testing.T) {
	cfg := coordConfig()
	cfg.Chain.GasLimitSwap = 350000
	cfg.Chain.MaxGasUSD = 1 // fixedGas 1e-5 * 350k = 3.5 USD per swap
	c := newCoordinator(t, cfg, &fakeVenue{id: "venue_a"}, &fakeVenue{id: "venue_b"})

	rep := c.Health(context.Background())
	assert.Equal(t, Warning, rep.Level)
	assert.False(t, rep.GasSane)
}

func TestHealth_ErrorRateIsWarning(t *testing.T) {
	cfg := coordConfig()
	a := &fakeVenue{id: "venue_a", execErr: errors.New("reverted")}
	b := &fakeVenue{id: "venue_b", execOut: 2020}
	c := newCoordinator(t, cfg, a, b)

	c.execute(context.Background(), testOpportunity("opp-1"))
	// keep quote recency out of the picture
	c.perf.RecordQuote("venue_a", time.Millisecond, 0)
	c.perf.RecordQuote("venue_b", time.Millisecond, 0)

	rep := c.Health(context.Background())
	assert.Equal(t, Warning, rep.Level)
	assert.Equal(t, 1.0, rep.TradeErrorRate)
}

func TestHealth_EmergencyIsCritical(t *testing.T) {
	cfg := coordConfig()
	c := newCoordinator(t, cfg, &fakeVenue{id: "venue_a"}, &fakeVenue{id: "venue_b"})

	c.TriggerEmergencyStop("operator halt")
	rep := c.Health(context.Background())
	assert.Equal(t, Critical, rep.Level)
	assert.True(t, rep.Emergency)
}

func TestHealth_CriticalAutoStop(t *testing.T) {
	cfg := coordConfig()
	cfg.Engine.AutoStopOnCritical = true
	c := newCoordinator(t, cfg, &fakeVenue{id: "venue_a"}, &fakeVenue{id: "venue_b"})

	// trades on the books but no venue has answered a quote recently
	c.mu.Lock()
	c.tradesBad = 1
	c.mu.Unlock()
	rep := c.Health(context.Background())

	assert.Equal(t, Critical, rep.Level)
	assert.True(t, c.GetMetrics().EmergencyStopped)
}
