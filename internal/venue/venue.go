package venue

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/you/arb-engine/internal/types"
)

// Adapter is one trading venue's quote/execute capability. Implementations
// live outside this module (per-protocol contract encoding is the adapter's
// problem); everything here treats them as black boxes behind a timeout.
type Adapter interface {
	ID() types.VenueID
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn float64) (types.Quote, error)
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

type ExecRequest struct {
	Route        *types.Route
	AmountIn     float64
	MinAmountOut float64
	Recipient    common.Address
	Deadline     time.Time
}

type ExecResult struct {
	TxHash    string
	AmountOut float64
	GasUsed   uint64
}

// Registry is an explicit set of adapters built once at startup and passed
// into components. No package-level mutable state.
type Registry struct {
	adapters map[types.VenueID]Adapter
	order    []types.VenueID
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.VenueID]Adapter, 8)}
}

func (r *Registry) Register(a Adapter) {
	if _, ok := r.adapters[a.ID()]; !ok {
		r.order = append(r.order, a.ID())
	}
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id types.VenueID) Adapter { return r.adapters[id] }

// Enabled returns the adapters for ids, skipping unknown venues, in the
// order given.
func (r *Registry) Enabled(ids []types.VenueID) []Adapter {
	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		if a := r.adapters[id]; a != nil {
			out = append(out, a)
		}
	}
	return out
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}
