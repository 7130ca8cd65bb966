// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/bchsuite/bchwallet/pkg/cashaddr"
)

// MaxAmount is the sentinel target for sweep ("max") requests: the single
// output absorbs everything the selected coins carry minus the fee.
const MaxAmount = btcutil.Amount(math.MaxInt64)

// coinbaseMaturity is the number of confirmations before a coinbase output
// becomes spendable.
const coinbaseMaturity = 100

// Coin is a spendable unspent transaction output owned by the wallet.
type Coin struct {
	// OutPoint is the transaction hash and output index funding this
	// coin.
	OutPoint wire.OutPoint

	// Value is the satoshi value of the output.
	Value btcutil.Amount

	// Address is the wallet address the output pays to.
	Address cashaddr.Address

	// Height is the block height the funding transaction confirmed at,
	// zero while unconfirmed.
	Height int32

	// Confirmations is the coin's depth at the time the spendable set
	// was assembled.
	Confirmations uint32

	// FromCoinBase marks coinbase outputs, which are immature until
	// buried coinbaseMaturity deep.
	FromCoinBase bool

	// Token carries the optional token payload attached to the output.
	Token fn.Option[TokenPayload]
}

// Mature reports whether the coin has cleared coinbase maturity. Non
// coinbase coins are always mature.
func (c *Coin) Mature() bool {
	return !c.FromCoinBase || c.Confirmations >= coinbaseMaturity
}

// OutputSpec describes one requested transaction output.
type OutputSpec struct {
	// Address is the destination.
	Address cashaddr.Address

	// Amount is the satoshi value. Ignored when Max is set.
	Amount btcutil.Amount

	// Max marks this output as the sweep destination absorbing the
	// whole input value minus fee. At most one output may set it.
	Max bool

	// Token is the optional token payload to attach.
	Token fn.Option[TokenPayload]
}

// UnsignedTx is a fully determined transaction awaiting signatures. The
// value equation sum(inputs) == sum(outputs) + fee holds exactly.
type UnsignedTx struct {
	// Inputs are the consumed coins, in selection order. Each carries
	// the value and address needed later for sighash computation.
	Inputs []Coin

	// Outputs are the final outputs, including the change output when
	// one was added.
	Outputs []OutputSpec

	// ChangeIndex is the position of the change output in Outputs, or
	// -1 when the leftover was folded into the fee or the request was a
	// sweep.
	ChangeIndex int

	// Fee is the exact fee paid.
	Fee btcutil.Amount
}

// InputSum returns the total value consumed.
func (tx *UnsignedTx) InputSum() btcutil.Amount {
	var sum btcutil.Amount
	for i := range tx.Inputs {
		sum += tx.Inputs[i].Value
	}

	return sum
}

// OutputSum returns the total value paid out, change included.
func (tx *UnsignedTx) OutputSum() btcutil.Amount {
	var sum btcutil.Amount
	for i := range tx.Outputs {
		sum += tx.Outputs[i].Amount
	}

	return sum
}

// ToMsgTx renders the transaction in wire form with empty signature scripts.
func (tx *UnsignedTx) ToMsgTx() (*wire.MsgTx, error) {
	msg := wire.NewMsgTx(2)

	for i := range tx.Inputs {
		txIn := wire.NewTxIn(&tx.Inputs[i].OutPoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 1
		msg.AddTxIn(txIn)
	}

	for i := range tx.Outputs {
		out := &tx.Outputs[i]

		var token *TokenPayload
		out.Token.WhenSome(func(t TokenPayload) {
			token = &t
		})

		script, err := WrapScript(token, out.Address.Script())
		if err != nil {
			return nil, err
		}

		msg.AddTxOut(wire.NewTxOut(int64(out.Amount), script))
	}

	return msg, nil
}
