// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder selects coins and assembles unsigned transactions. The
// builder is pure: it never touches wallet state, so a caller can discard
// an UnsignedTx with no side effects.
package txbuilder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/bchsuite/bchwallet/pkg/bchunit"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
)

var (
	// ErrInvalidAmount is returned for a non-positive amount on a
	// non-sweep output, or when the request is internally inconsistent
	// such as two sweep outputs.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAddress is returned when an output address does not fit
	// its payload, such as a token payload on a non token-aware address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrTokenConservation is returned when the transaction would mint,
	// burn, or duplicate token state without a minting-capable input.
	ErrTokenConservation = errors.New("token conservation violated")
)

// BuildParams bundles the inputs to transaction assembly.
type BuildParams struct {
	// Inputs are the selected coins, already filtered and ordered by
	// the selector.
	Inputs []Coin

	// Outputs are the requested outputs. Exactly one may set Max.
	Outputs []OutputSpec

	// FeeRate prices the serialized size.
	FeeRate bchunit.SatPerByte

	// ChangeAddress receives any leftover above the dust threshold.
	ChangeAddress cashaddr.Address

	// Scheme sizes the signature scripts.
	Scheme SigScheme
}

// dustThreshold is the smallest change value worth creating an output for.
// Anything at or below it is folded into the fee instead.
func dustThreshold(amount btcutil.Amount) bool {
	// Standard mempool dust rule for a non-witness output: the output is
	// dust when spending it costs more than a third of its value, pricing
	// the output itself plus the 148-byte input that redeems it. txrules
	// no longer exports IsDustAmount, so the formula is inlined here.
	totalSize := changeOutputSize + 148
	return int64(amount)*1000/(3*int64(totalSize)) <
		int64(txrules.DefaultRelayFeePerKb)
}

// Build assembles an unsigned transaction from the selected coins. For a
// sweep request the single Max output absorbs sum(inputs) minus the fee.
// Otherwise the surplus over the requested outputs either funds a change
// output back to ChangeAddress or, when at or below dust, is left to the
// fee. The result always satisfies sum(inputs) == sum(outputs) + fee with
// fee >= 0.
func Build(p BuildParams) (*UnsignedTx, error) {
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrInsufficientFunds)
	}

	sweepIdx, err := validateOutputs(p.Outputs)
	if err != nil {
		return nil, err
	}

	var inputSum btcutil.Amount
	for i := range p.Inputs {
		inputSum += p.Inputs[i].Value
	}

	outputs := make([]OutputSpec, len(p.Outputs))
	copy(outputs, p.Outputs)

	tx := &UnsignedTx{
		Inputs:      p.Inputs,
		ChangeIndex: -1,
	}

	if sweepIdx >= 0 {
		size := EstimateSize(len(p.Inputs), outputs, false, p.Scheme)
		fee := p.FeeRate.FeeForSize(size)

		rest := inputSum - fee
		for i := range outputs {
			if i != sweepIdx {
				rest -= outputs[i].Amount
			}
		}
		if rest <= 0 {
			return nil, ErrInsufficientFunds
		}

		outputs[sweepIdx].Amount = rest
		outputs[sweepIdx].Max = false

		tx.Outputs = outputs
		tx.Fee = fee
	} else {
		var outputSum btcutil.Amount
		for i := range outputs {
			outputSum += outputs[i].Amount
		}

		size := EstimateSize(len(p.Inputs), outputs, true, p.Scheme)
		fee := p.FeeRate.FeeForSize(size)

		leftover := inputSum - outputSum - fee
		if leftover < 0 {
			return nil, ErrInsufficientFunds
		}

		if leftover > 0 && !dustThreshold(leftover) {
			outputs = append(outputs, OutputSpec{
				Address: p.ChangeAddress,
				Amount:  leftover,
			})
			tx.ChangeIndex = len(outputs) - 1
		} else {
			// Dust change is not worth an output. The leftover
			// stays with the miners.
			fee += leftover
		}

		tx.Outputs = outputs
		tx.Fee = fee
	}

	if err := checkTokenConservation(tx.Inputs, tx.Outputs); err != nil {
		return nil, err
	}

	log.Debugf("Built unsigned tx: %d inputs, %d outputs, fee=%v, "+
		"change_index=%d", len(tx.Inputs), len(tx.Outputs), tx.Fee,
		tx.ChangeIndex)
	log.Tracef("Unsigned tx: %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))

	return tx, nil
}

// validateOutputs checks amounts and address/payload compatibility, and
// returns the index of the sweep output or -1.
func validateOutputs(outputs []OutputSpec) (int, error) {
	if len(outputs) == 0 {
		return -1, fmt.Errorf("%w: no outputs", ErrInvalidAmount)
	}

	sweepIdx := -1
	for i := range outputs {
		out := &outputs[i]

		if out.Max {
			if sweepIdx >= 0 {
				return -1, fmt.Errorf("%w: multiple sweep "+
					"outputs", ErrInvalidAmount)
			}
			sweepIdx = i
		} else if out.Amount <= 0 {
			return -1, fmt.Errorf("%w: output %d pays %v",
				ErrInvalidAmount, i, out.Amount)
		}

		if out.Token.IsSome() && !out.Address.TokenAware {
			return -1, fmt.Errorf("%w: token payload on a "+
				"plain address", ErrInvalidAddress)
		}

		var tokenErr error
		out.Token.WhenSome(func(t TokenPayload) {
			tokenErr = t.Validate()
		})
		if tokenErr != nil {
			return -1, tokenErr
		}
	}

	return sweepIdx, nil
}

// categoryState tallies per-category token movement.
type categoryState struct {
	inAmount  uint64
	outAmount uint64
	minting   bool

	// NFT counting per side, with immutable input commitments tracked
	// so their preservation can be checked.
	inNFTs         int
	outNFTs        int
	immutableIn    [][]byte
	commitmentsOut [][]byte
}

// checkTokenConservation enforces per-category invariants. Without a
// minting-capable NFT input for a category, fungible amounts must balance
// exactly and every input NFT must reappear on exactly one output, with
// immutable commitments preserved byte for byte. A minting input lifts the
// category's constraints entirely.
func checkTokenConservation(inputs []Coin, outputs []OutputSpec) error {
	categories := make(map[chainhash.Hash]*categoryState)

	state := func(cat chainhash.Hash) *categoryState {
		s, ok := categories[cat]
		if !ok {
			s = &categoryState{}
			categories[cat] = s
		}

		return s
	}

	collect := func(token fn.Option[TokenPayload], input bool) {
		token.WhenSome(func(t TokenPayload) {
			s := state(t.Category)
			if input {
				s.inAmount += t.Amount
				if t.HasNFT {
					s.inNFTs++
					switch t.Capability {
					case CapabilityMinting:
						s.minting = true
					case CapabilityNone:
						s.immutableIn = append(
							s.immutableIn,
							t.Commitment,
						)
					}
				}
			} else {
				s.outAmount += t.Amount
				if t.HasNFT {
					s.outNFTs++
					s.commitmentsOut = append(
						s.commitmentsOut, t.Commitment,
					)
				}
			}
		})
	}

	for i := range inputs {
		collect(inputs[i].Token, true)
	}
	for i := range outputs {
		collect(outputs[i].Token, false)
	}

	for cat, s := range categories {
		if s.minting {
			continue
		}

		if s.inAmount != s.outAmount {
			return fmt.Errorf("%w: category %v fungible %d in "+
				"vs %d out", ErrTokenConservation, cat,
				s.inAmount, s.outAmount)
		}

		if s.inNFTs != s.outNFTs {
			return fmt.Errorf("%w: category %v carries %d NFT "+
				"inputs but %d NFT outputs",
				ErrTokenConservation, cat, s.inNFTs, s.outNFTs)
		}

		// Each immutable input commitment must survive on exactly
		// one output. Outputs are consumed greedily so duplicates
		// are accounted once each.
		remaining := make([][]byte, len(s.commitmentsOut))
		copy(remaining, s.commitmentsOut)

		for _, commitment := range s.immutableIn {
			found := -1
			for i, out := range remaining {
				if bytes.Equal(out, commitment) {
					found = i
					break
				}
			}
			if found < 0 {
				return fmt.Errorf("%w: category %v drops an "+
					"immutable commitment %x",
					ErrTokenConservation, cat, commitment)
			}

			remaining = append(
				remaining[:found], remaining[found+1:]...,
			)
		}
	}

	return nil
}
