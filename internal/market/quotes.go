// Package market serves synthetic quotes for the simulator. Prices random
// walk around fixed anchors; there is no external feed.
package market

import (
	"math/rand"
	"sync"
)

// Quote is a two-sided price.
type Quote struct {
	Pair   string  `json:"pair"`
	Price  float64 `json:"price"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Change float64 `json:"change"`
}

type anchor struct {
	price  float64
	spread float64
	step   float64
}

// Board holds the quoted pairs.
type Board struct {
	mu      sync.Mutex
	anchors map[string]anchor
	rng     *rand.Rand
}

// NewBoard creates a board with the default pair set.
func NewBoard(rng *rand.Rand) *Board {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Board{
		rng: rng,
		anchors: map[string]anchor{
			"EUR/USD":  {price: 1.0945, spread: 0.0002, step: 0.0001},
			"GBP/USD":  {price: 1.2638, spread: 0.0002, step: 0.0001},
			"USD/JPY":  {price: 149.48, spread: 0.02, step: 0.01},
			"Bitcoin":  {price: 45230, spread: 10, step: 50},
			"Ethereum": {price: 2450, spread: 4, step: 5},
		},
	}
}

// Quote returns a fresh two-sided price for the pair, or ok=false when the
// pair is not listed.
func (b *Board) Quote(pair string) (Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.anchors[pair]
	if !ok {
		return Quote{}, false
	}
	price := a.price + (b.rng.Float64()-0.5)*a.step
	return Quote{
		Pair:   pair,
		Price:  price,
		Bid:    price - a.spread/2,
		Ask:    price + a.spread/2,
		Change: (price - a.price) / a.price * 100,
	}, true
}

// Snapshot returns quotes for every listed pair.
func (b *Board) Snapshot() map[string]Quote {
	b.mu.Lock()
	pairs := make([]string, 0, len(b.anchors))
	for p := range b.anchors {
		pairs = append(pairs, p)
	}
	b.mu.Unlock()

	out := make(map[string]Quote, len(pairs))
	for _, p := range pairs {
		if q, ok := b.Quote(p); ok {
			out[p] = q
		}
	}
	return out
}
