package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/bchsuite/bchwallet/pkg/bchunit"
)

// assertValueEquation checks the fundamental accounting invariant.
func assertValueEquation(t *testing.T, tx *UnsignedTx) {
	t.Helper()

	require.GreaterOrEqual(t, tx.Fee, btcutil.Amount(0))
	require.Equal(t, tx.InputSum(), tx.OutputSum()+tx.Fee)
}

// TestBuildWithChange verifies a change output is created for a surplus
// above the dust threshold and the value equation holds exactly.
func TestBuildWithChange(t *testing.T) {
	t.Parallel()

	changeAddr := testAddr(t, 0xee, false)

	tx, err := Build(BuildParams{
		Inputs:        []Coin{testCoin(t, 1, 5000)},
		Outputs:       paymentOutputs(t, 4000),
		FeeRate:       bchunit.NewSatPerByte(1),
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.NoError(t, err)
	assertValueEquation(t, tx)

	require.Len(t, tx.Outputs, 2)
	require.Equal(t, 1, tx.ChangeIndex)
	require.True(t, changeAddr.Equal(tx.Outputs[1].Address))

	size := EstimateSize(1, paymentOutputs(t, 4000), true, SingleSig)
	require.Equal(t, btcutil.Amount(size), tx.Fee)
	require.Equal(t, btcutil.Amount(5000-4000-size), tx.Outputs[1].Amount)
}

// TestBuildFoldsDustChange verifies a dust-level surplus is left to the fee
// instead of creating an uneconomical output.
func TestBuildFoldsDustChange(t *testing.T) {
	t.Parallel()

	outputs := paymentOutputs(t, 4000)
	size := EstimateSize(1, outputs, true, SingleSig)

	// Fund the transaction so the surplus lands at 100 sats, well under
	// the dust threshold.
	inputValue := btcutil.Amount(4000 + size + 100)

	tx, err := Build(BuildParams{
		Inputs:        []Coin{testCoin(t, 1, inputValue)},
		Outputs:       outputs,
		FeeRate:       bchunit.NewSatPerByte(1),
		ChangeAddress: testAddr(t, 0xee, false),
		Scheme:        SingleSig,
	})
	require.NoError(t, err)
	assertValueEquation(t, tx)

	require.Len(t, tx.Outputs, 1)
	require.Equal(t, -1, tx.ChangeIndex)
	require.Equal(t, btcutil.Amount(size+100), tx.Fee)
}

// TestBuildSweep verifies max mode produces exactly one output absorbing
// sum(inputs) minus fee, with no change output.
func TestBuildSweep(t *testing.T) {
	t.Parallel()

	inputs := []Coin{
		testCoin(t, 1, 3000),
		testCoin(t, 2, 5000),
	}
	outputs := []OutputSpec{{
		Address: testAddr(t, 0xcc, false),
		Max:     true,
	}}

	tx, err := Build(BuildParams{
		Inputs:        inputs,
		Outputs:       outputs,
		FeeRate:       bchunit.NewSatPerByte(1),
		ChangeAddress: testAddr(t, 0xee, false),
		Scheme:        SingleSig,
	})
	require.NoError(t, err)
	assertValueEquation(t, tx)

	require.Len(t, tx.Outputs, 1)
	require.Equal(t, -1, tx.ChangeIndex)

	size := EstimateSize(2, outputs, false, SingleSig)
	require.Equal(t, btcutil.Amount(8000-size), tx.Outputs[0].Amount)
}

// TestBuildValidation covers the recoverable input validation errors.
func TestBuildValidation(t *testing.T) {
	t.Parallel()

	inputs := []Coin{testCoin(t, 1, 5000)}
	feeRate := bchunit.NewSatPerByte(1)
	changeAddr := testAddr(t, 0xee, false)

	// Non-positive amount on a non-sweep output.
	_, err := Build(BuildParams{
		Inputs:        inputs,
		Outputs:       paymentOutputs(t, 0),
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	// Two sweep outputs.
	_, err = Build(BuildParams{
		Inputs: inputs,
		Outputs: []OutputSpec{
			{Address: testAddr(t, 1, false), Max: true},
			{Address: testAddr(t, 2, false), Max: true},
		},
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	// Token payload on a plain (non token-aware) address.
	_, err = Build(BuildParams{
		Inputs: inputs,
		Outputs: []OutputSpec{{
			Address: testAddr(t, 1, false),
			Amount:  1000,
			Token: fn.Some(TokenPayload{
				Category: testCategory,
				Amount:   5,
			}),
		}},
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.ErrorIs(t, err, ErrInvalidAddress)

	// Inputs cannot cover the requested amount.
	_, err = Build(BuildParams{
		Inputs:        inputs,
		Outputs:       paymentOutputs(t, 9000),
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestBuildTokenConservation covers the per-category token rules.
func TestBuildTokenConservation(t *testing.T) {
	t.Parallel()

	feeRate := bchunit.NewSatPerByte(1)
	changeAddr := testAddr(t, 0xee, false)

	tokenInput := testCoin(t, 1, 10000)
	tokenInput.Token = fn.Some(TokenPayload{
		Category: testCategory,
		Amount:   100,
	})

	tokenOutput := func(amount uint64) OutputSpec {
		return OutputSpec{
			Address: testAddr(t, 0xcc, true),
			Amount:  1000,
			Token: fn.Some(TokenPayload{
				Category: testCategory,
				Amount:   amount,
			}),
		}
	}

	// Balanced fungible transfer succeeds.
	tx, err := Build(BuildParams{
		Inputs:        []Coin{tokenInput},
		Outputs:       []OutputSpec{tokenOutput(100)},
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.NoError(t, err)
	assertValueEquation(t, tx)

	// Burning part of the amount fails.
	_, err = Build(BuildParams{
		Inputs:        []Coin{tokenInput},
		Outputs:       []OutputSpec{tokenOutput(60)},
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.ErrorIs(t, err, ErrTokenConservation)

	// A minting-capable NFT input lifts the category constraints.
	mintInput := testCoin(t, 2, 10000)
	mintInput.Token = fn.Some(TokenPayload{
		Category:   testCategory,
		HasNFT:     true,
		Capability: CapabilityMinting,
	})

	_, err = Build(BuildParams{
		Inputs:        []Coin{tokenInput, mintInput},
		Outputs:       []OutputSpec{tokenOutput(500)},
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.NoError(t, err)
}

// TestBuildPreservesImmutableNFT verifies an immutable NFT commitment must
// reappear on an output while a mutable one may be rewritten.
func TestBuildPreservesImmutableNFT(t *testing.T) {
	t.Parallel()

	feeRate := bchunit.NewSatPerByte(1)
	changeAddr := testAddr(t, 0xee, false)

	nftOutput := func(capability Capability,
		commitment []byte) OutputSpec {

		return OutputSpec{
			Address: testAddr(t, 0xcc, true),
			Amount:  1000,
			Token: fn.Some(TokenPayload{
				Category:   testCategory,
				HasNFT:     true,
				Capability: capability,
				Commitment: commitment,
			}),
		}
	}

	immutable := testCoin(t, 1, 10000)
	immutable.Token = fn.Some(TokenPayload{
		Category:   testCategory,
		HasNFT:     true,
		Commitment: []byte{0xab},
	})

	// Forwarding the commitment unchanged works.
	_, err := Build(BuildParams{
		Inputs:        []Coin{immutable},
		Outputs:       []OutputSpec{nftOutput(CapabilityNone, []byte{0xab})},
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.NoError(t, err)

	// Rewriting an immutable commitment fails.
	_, err = Build(BuildParams{
		Inputs:        []Coin{immutable},
		Outputs:       []OutputSpec{nftOutput(CapabilityNone, []byte{0xff})},
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.ErrorIs(t, err, ErrTokenConservation)

	// Dropping the NFT entirely fails too.
	_, err = Build(BuildParams{
		Inputs:        []Coin{immutable},
		Outputs:       paymentOutputs(t, 1000),
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.ErrorIs(t, err, ErrTokenConservation)

	// A mutable NFT may change its commitment.
	mutable := testCoin(t, 2, 10000)
	mutable.Token = fn.Some(TokenPayload{
		Category:   testCategory,
		HasNFT:     true,
		Capability: CapabilityMutable,
		Commitment: []byte{0xab},
	})

	_, err = Build(BuildParams{
		Inputs: []Coin{mutable},
		Outputs: []OutputSpec{
			nftOutput(CapabilityMutable, []byte{0xff}),
		},
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        SingleSig,
	})
	require.NoError(t, err)
}

// TestUnsignedTxToMsgTx verifies the wire rendering carries the token
// prefix and the expected script forms.
func TestUnsignedTxToMsgTx(t *testing.T) {
	t.Parallel()

	tokenInput := testCoin(t, 1, 10000)
	tokenInput.Token = fn.Some(TokenPayload{
		Category: testCategory,
		Amount:   100,
	})

	tx, err := Build(BuildParams{
		Inputs: []Coin{tokenInput},
		Outputs: []OutputSpec{{
			Address: testAddr(t, 0xcc, true),
			Amount:  1000,
			Token: fn.Some(TokenPayload{
				Category: testCategory,
				Amount:   100,
			}),
		}},
		FeeRate:       bchunit.NewSatPerByte(1),
		ChangeAddress: testAddr(t, 0xee, false),
		Scheme:        SingleSig,
	})
	require.NoError(t, err)

	msg, err := tx.ToMsgTx()
	require.NoError(t, err)
	require.Len(t, msg.TxIn, 1)
	require.Len(t, msg.TxOut, len(tx.Outputs))

	// The token output script starts with the token prefix byte, and
	// unwrapping recovers the payload.
	payload, script, err := UnwrapScript(msg.TxOut[0].PkScript)
	require.NoError(t, err)
	require.NotNil(t, payload)
	require.Equal(t, uint64(100), payload.Amount)
	require.Len(t, script, 25)

	// Change output, when present, is a plain P2PKH script.
	if tx.ChangeIndex >= 0 {
		changeScript := msg.TxOut[tx.ChangeIndex].PkScript
		require.Len(t, changeScript, 25)
	}
}
