package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/you/arb-engine/internal/metrics"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
)

func (s BreakerState) String() string {
	if s == BreakerOpen {
		return "open"
	}
	return "closed"
}

// CircuitBreaker gates all execution. Closed→Open is one-way until the
// recovery time elapses; with auto-restart disabled the only way back is an
// explicit Reset.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	trippedAt   time.Time
	reason      string
	recovery    time.Duration
	autoRestart bool
	now         func() time.Time // swapped in tests
}

func NewCircuitBreaker(recovery time.Duration, autoRestart bool) *CircuitBreaker {
	return &CircuitBreaker{recovery: recovery, autoRestart: autoRestart, now: time.Now}
}

// Trip opens the breaker with the triggering reason. Re-tripping while open
// keeps the original reason and timestamp.
func (b *CircuitBreaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		return
	}
	b.state = BreakerOpen
	b.trippedAt = b.now()
	b.reason = reason
	metrics.BreakerOpen.Set(1)
}

// Allow reports whether an execution may proceed. While open it refuses
// unconditionally; once recoveryTime has elapsed it re-closes automatically
// only when auto-restart is enabled.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerClosed {
		return nil
	}
	if b.now().Sub(b.trippedAt) >= b.recovery && b.autoRestart {
		b.state = BreakerClosed
		b.reason = ""
		metrics.BreakerOpen.Set(0)
		return nil
	}
	return fmt.Errorf("circuit breaker open: %s", b.reason)
}

// Reset is the manual recovery path. It refuses to close before the recovery
// time has elapsed.
func (b *CircuitBreaker) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerClosed {
		return nil
	}
	if b.now().Sub(b.trippedAt) < b.recovery {
		return fmt.Errorf("circuit breaker reset refused: %s remaining",
			(b.recovery - b.now().Sub(b.trippedAt)).Round(time.Second))
	}
	b.state = BreakerClosed
	b.reason = ""
	metrics.BreakerOpen.Set(0)
	return nil
}

// State returns the current state with trip metadata.
func (b *CircuitBreaker) State() (BreakerState, string, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.reason, b.trippedAt
}
