package feed

import (
	"fmt"
	"sync"
	"time"
)

// PriceBook is the shared token→USD price cache. The feed consumers are its
// only writers; everyone else reads.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]float64
	ts     map[string]time.Time
}

func NewPriceBook() *PriceBook {
	return &PriceBook{
		prices: make(map[string]float64, 64),
		ts:     make(map[string]time.Time, 64),
	}
}

func (b *PriceBook) Set(symbol string, price float64) {
	b.mu.Lock()
	b.prices[symbol] = price
	b.ts[symbol] = time.Now()
	b.mu.Unlock()
}

func (b *PriceBook) Price(symbol string) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p := b.prices[symbol]
	if p == 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (b *PriceBook) Has(symbol string) bool {
	b.mu.RLock()
	_, ok := b.prices[symbol]
	b.mu.RUnlock()
	return ok
}

// Age reports how stale the stored price is; zero when never set.
func (b *PriceBook) Age(symbol string) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.ts[symbol]
	if !ok {
		return 0
	}
	return time.Since(t)
}
