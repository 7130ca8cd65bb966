// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// SigScheme describes the signature scheme funding the inputs, which
// determines the serialized size of each signature script. A single-signer
// wallet is the 1-of-1 case.
type SigScheme struct {
	// RequiredSigs is m in an m-of-n policy.
	RequiredSigs int

	// Cosigners is n. 1 means plain P2PKH spending.
	Cosigners int
}

// SingleSig is the scheme for a standalone P2PKH wallet.
var SingleSig = SigScheme{RequiredSigs: 1, Cosigners: 1}

// Multisig reports whether the scheme spends through a P2SH multisig
// script.
func (s SigScheme) Multisig() bool {
	return s.Cosigners > 1
}

// Per-input size components. Signatures are budgeted at their worst-case
// DER length of 72 bytes plus the sighash byte.
const (
	// outPointSize is the serialized previous-outpoint reference plus
	// the sequence number.
	outPointSize = 32 + 4 + 4

	// signaturePushSize is a length prefix, a 72-byte DER signature and
	// the sighash type byte.
	signaturePushSize = 1 + 72 + 1

	// pubKeyPushSize is a length prefix and a compressed public key.
	pubKeyPushSize = 1 + 33
)

// redeemScriptSize returns the size of an m-of-n CHECKMULTISIG redeem
// script: OP_m, n key pushes, OP_n, OP_CHECKMULTISIG.
func redeemScriptSize(scheme SigScheme) int {
	return 1 + scheme.Cosigners*pubKeyPushSize + 1 + 1
}

// inputSize returns the worst-case serialized size of one input under the
// given scheme.
func inputSize(scheme SigScheme) int {
	if !scheme.Multisig() {
		// Outpoint, compact-size script length, P2PKH signature
		// script.
		return outPointSize +
			wire.VarIntSerializeSize(
				txsizes.RedeemP2PKHSigScriptSize) +
			txsizes.RedeemP2PKHSigScriptSize
	}

	redeemSize := redeemScriptSize(scheme)

	// OP_0 for the CHECKMULTISIG off-by-one, m signature pushes, and
	// the redeem script push (OP_PUSHDATA1 once it exceeds 75 bytes).
	scriptSigSize := 1 + scheme.RequiredSigs*signaturePushSize
	if redeemSize > 75 {
		scriptSigSize += 2 + redeemSize
	} else {
		scriptSigSize += 1 + redeemSize
	}

	return outPointSize + wire.VarIntSerializeSize(uint64(scriptSigSize)) +
		scriptSigSize
}

// tokenPrefixSize returns the serialized size of a token payload prefix,
// including the leading prefix byte.
func tokenPrefixSize(t *TokenPayload) int {
	size := 1 + 32 + 1
	if len(t.Commitment) > 0 {
		size += wire.VarIntSerializeSize(uint64(len(t.Commitment))) +
			len(t.Commitment)
	}
	if t.Amount > 0 {
		size += wire.VarIntSerializeSize(t.Amount)
	}

	return size
}

// outputSize returns the serialized size of one output, its optional token
// prefix included.
func outputSize(out *OutputSpec) int {
	scriptSize := len(out.Address.Script())
	out.Token.WhenSome(func(t TokenPayload) {
		scriptSize += tokenPrefixSize(&t)
	})

	return 8 + wire.VarIntSerializeSize(uint64(scriptSize)) + scriptSize
}

// changeOutputSize is the budget reserved for a plain P2PKH change output.
const changeOutputSize = 8 + 1 + 25

// EstimateSize returns the worst-case serialized size of a transaction
// spending numInputs coins under scheme into the given outputs, optionally
// reserving room for a change output. The estimate is deterministic in its
// arguments, which keeps fee computation reproducible.
func EstimateSize(numInputs int, outputs []OutputSpec, withChange bool,
	scheme SigScheme) int {

	numOutputs := len(outputs)
	if withChange {
		numOutputs++
	}

	size := 4 + // version
		wire.VarIntSerializeSize(uint64(numInputs)) +
		wire.VarIntSerializeSize(uint64(numOutputs)) +
		4 // lock time

	size += numInputs * inputSize(scheme)

	for i := range outputs {
		size += outputSize(&outputs[i])
	}
	if withChange {
		size += changeOutputSize
	}

	return size
}
