package billing

import (
	"math"
	"sync"
	"sync/atomic"
)

// picosPerUnit is the scale of the running-cost counter: one display
// currency unit equals 1e12 pico-units, small enough to absorb per-token
// sub-cent increments without drift.
const picosPerUnit = 1e12

// Budget holds the process-wide running cost and the mutable spending
// limit. The cost counter is a lock-free atomic in pico-units; the limit is
// rarely written and sits behind a mutex.
type Budget struct {
	cost atomic.Uint64

	mu    sync.Mutex
	limit float64
}

func NewBudget(limit float64) *Budget {
	return &Budget{limit: limit}
}

// Current returns the running total in display currency units.
func (b *Budget) Current() float64 {
	return float64(b.cost.Load()) / picosPerUnit
}

// AddPicos atomically adds pico-units to the running total.
func (b *Budget) AddPicos(n uint64) {
	b.cost.Add(n)
}

// AddCost converts a display-currency amount to pico-units and adds it.
// Negative or zero amounts are ignored; the counter never decreases except
// through Reset.
func (b *Budget) AddCost(amount float64) uint64 {
	if amount <= 0 {
		return 0
	}
	picos := uint64(math.Round(amount * picosPerUnit))
	b.cost.Add(picos)
	return picos
}

func (b *Budget) Limit() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

func (b *Budget) SetLimit(limit float64) {
	b.mu.Lock()
	b.limit = limit
	b.mu.Unlock()
}

// Reset zeroes the running total.
func (b *Budget) Reset() {
	b.cost.Store(0)
}

// Gate reports whether spending is still allowed, together with the values
// it compared. Used as the pre-request check and by the meter after every
// delta.
func (b *Budget) Gate() (allowed bool, current, limit float64) {
	current = b.Current()
	limit = b.Limit()
	return current < limit, current, limit
}
