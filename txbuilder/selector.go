// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"errors"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/bchsuite/bchwallet/pkg/bchunit"
)

var (
	// ErrInsufficientFunds is returned when no feasible subset of the
	// candidate coins covers the target value plus the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// CoinOrdering arranges eligible coins into the order they should be
// accumulated in. Implementations must be deterministic so selection is
// reproducible for a given spendable set.
type CoinOrdering interface {
	// ArrangeCoins returns a new slice with the coins in accumulation
	// order. The input slice is not modified.
	ArrangeCoins(coins []Coin) []Coin
}

// LargestFirstOrdering accumulates high-value coins first, minimizing the
// input count. Ties break on the outpoint so equal-valued coins still order
// deterministically.
type LargestFirstOrdering struct{}

// A compile-time assertion that LargestFirstOrdering satisfies CoinOrdering.
var _ CoinOrdering = (*LargestFirstOrdering)(nil)

// ArrangeCoins sorts by descending value.
func (LargestFirstOrdering) ArrangeCoins(coins []Coin) []Coin {
	arranged := make([]Coin, len(coins))
	copy(arranged, coins)

	sort.SliceStable(arranged, func(i, j int) bool {
		if arranged[i].Value != arranged[j].Value {
			return arranged[i].Value > arranged[j].Value
		}

		return outPointLess(
			&arranged[i].OutPoint, &arranged[j].OutPoint,
		)
	})

	return arranged
}

// OldestFirstOrdering accumulates the most confirmed coins first, which
// favors spending aged outputs. Unconfirmed coins sort last.
type OldestFirstOrdering struct{}

var _ CoinOrdering = (*OldestFirstOrdering)(nil)

// ArrangeCoins sorts by descending confirmation count.
func (OldestFirstOrdering) ArrangeCoins(coins []Coin) []Coin {
	arranged := make([]Coin, len(coins))
	copy(arranged, coins)

	sort.SliceStable(arranged, func(i, j int) bool {
		if arranged[i].Confirmations != arranged[j].Confirmations {
			return arranged[i].Confirmations >
				arranged[j].Confirmations
		}
		if arranged[i].Value != arranged[j].Value {
			return arranged[i].Value > arranged[j].Value
		}

		return outPointLess(
			&arranged[i].OutPoint, &arranged[j].OutPoint,
		)
	})

	return arranged
}

// outPointLess gives a total order over outpoints.
func outPointLess(a, b *wire.OutPoint) bool {
	for i := range a.Hash {
		if a.Hash[i] != b.Hash[i] {
			return a.Hash[i] < b.Hash[i]
		}
	}

	return a.Index < b.Index
}

// SelectParams bundles the inputs to a coin selection round.
type SelectParams struct {
	// Target is the total satoshi value the outputs require, or
	// MaxAmount for a sweep.
	Target btcutil.Amount

	// FeeRate prices the serialized transaction size.
	FeeRate bchunit.SatPerByte

	// Outputs are the requested outputs, used for fee estimation only.
	Outputs []OutputSpec

	// Exclude is the caller-supplied exclusion set. It is authoritative:
	// coins listed here are never selected, whatever their value. Frozen
	// and plugin-reserved coins arrive through it.
	Exclude map[wire.OutPoint]struct{}

	// TokenFilter restricts candidates to a single token category. When
	// unset, token-bearing coins are never selected so plain spends
	// cannot destroy token state.
	TokenFilter fn.Option[chainhash.Hash]

	// Scheme sizes the signature scripts for fee estimation.
	Scheme SigScheme

	// Ordering arranges the eligible coins. Nil defaults to largest
	// first.
	Ordering CoinOrdering
}

// eligible applies the exclusion set, maturity, and the token filter.
func eligible(c *Coin, p *SelectParams) bool {
	if _, excluded := p.Exclude[c.OutPoint]; excluded {
		return false
	}
	if !c.Mature() {
		return false
	}

	if p.TokenFilter.IsNone() {
		return c.Token.IsNone()
	}

	want := p.TokenFilter.UnwrapOr(chainhash.Hash{})
	match := false
	c.Token.WhenSome(func(t TokenPayload) {
		match = t.Category == want
	})

	return match
}

// Select picks coins from candidates covering Target plus the fee implied
// by the running input count. Coins are accumulated in the configured
// ordering until the selection is feasible; the fee is re-estimated on each
// added input since every input grows the serialized size. The returned
// change value is the surplus before any dust handling, which is the
// builder's concern.
//
// A MaxAmount target selects every eligible candidate and reports zero
// change. No coin is ever selected twice or split.
func Select(candidates []Coin, p SelectParams) ([]Coin, btcutil.Amount,
	error) {

	ordering := p.Ordering
	if ordering == nil {
		ordering = LargestFirstOrdering{}
	}

	pool := make([]Coin, 0, len(candidates))
	for i := range candidates {
		if eligible(&candidates[i], &p) {
			pool = append(pool, candidates[i])
		}
	}

	if p.Target == MaxAmount {
		if len(pool) == 0 {
			return nil, 0, ErrInsufficientFunds
		}

		// Sweep mode: the builder sizes the single output against
		// the full pool, so change is definitionally zero.
		return ordering.ArrangeCoins(pool), 0, nil
	}

	arranged := ordering.ArrangeCoins(pool)

	var (
		selected []Coin
		total    btcutil.Amount
	)
	for i := range arranged {
		selected = append(selected, arranged[i])
		total += arranged[i].Value

		size := EstimateSize(len(selected), p.Outputs, true, p.Scheme)
		fee := p.FeeRate.FeeForSize(size)

		if total >= p.Target+fee {
			log.Debugf("Selected %d of %d eligible coins "+
				"covering %v (target=%v, fee=%v)",
				len(selected), len(arranged), total,
				p.Target, fee)

			return selected, total - p.Target - fee, nil
		}
	}

	return nil, 0, ErrInsufficientFunds
}
