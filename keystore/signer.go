// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/bchsuite/bchwallet/keychain"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
	"github.com/bchsuite/bchwallet/txbuilder"
)

var (
	// ErrIncomplete is returned when an operation requires a fully
	// signed transaction.
	ErrIncomplete = errors.New("transaction is not fully signed")

	// ErrKeyMismatch is returned when the unlocked keystore cannot
	// produce a key matching an input's address or redeem script.
	ErrKeyMismatch = errors.New("keystore key does not match input")
)

// TxState is the signing lifecycle of a transaction.
type TxState uint8

const (
	// StateUnsigned means no signatures are present.
	StateUnsigned TxState = iota

	// StatePartiallySigned means some but not all required signatures
	// are present.
	StatePartiallySigned

	// StateComplete means every input carries the required number of
	// distinct valid signatures.
	StateComplete
)

// String implements fmt.Stringer.
func (s TxState) String() string {
	switch s {
	case StateUnsigned:
		return "unsigned"
	case StatePartiallySigned:
		return "partially signed"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// pubKeyBytes is a compressed public key used as a signature map key.
type pubKeyBytes [33]byte

// signedInput is one input's spend data plus its accumulated signatures.
type signedInput struct {
	// value is the satoshi value of the spent output, committed to by
	// the replay-protected sighash.
	value btcutil.Amount

	// address is the spent output's address.
	address cashaddr.Address

	// branch and index locate the key under each cosigner's account
	// node.
	branch uint32
	index  uint32

	// sigs maps a cosigner's derived public key to its DER signature
	// with the appended hash type byte.
	sigs map[pubKeyBytes][]byte
}

// SignedTransaction carries an unsigned wire transaction together with the
// signature shares collected so far. Its serialized form is self-contained,
// so a partially signed transaction can be handed to the next cosigner out
// of band and the state machine survives process restarts.
type SignedTransaction struct {
	// required is how many distinct signatures each input needs.
	required int

	tx     *wire.MsgTx
	inputs []signedInput
}

// NewSignedTransaction wraps an unsigned transaction for signing. paths
// holds one (branch, index) pair per input locating its key under the
// account node. required is 1 for single-signer wallets and m for m-of-n.
func NewSignedTransaction(unsigned *txbuilder.UnsignedTx,
	paths []keychain.DerivationPath, required int) (*SignedTransaction,
	error) {

	if len(paths) != len(unsigned.Inputs) {
		return nil, fmt.Errorf("%d paths for %d inputs", len(paths),
			len(unsigned.Inputs))
	}
	if required < 1 {
		return nil, fmt.Errorf("%w: %d signatures required",
			ErrInvalidPolicy, required)
	}

	msg, err := unsigned.ToMsgTx()
	if err != nil {
		return nil, err
	}

	inputs := make([]signedInput, len(unsigned.Inputs))
	for i := range unsigned.Inputs {
		if len(paths[i]) != 2 || paths[i].HasHardened() {
			return nil, fmt.Errorf("%w: input %d path %v",
				keychain.ErrInvalidDerivation, i, paths[i])
		}

		inputs[i] = signedInput{
			value:   unsigned.Inputs[i].Value,
			address: unsigned.Inputs[i].Address,
			branch:  paths[i][0],
			index:   paths[i][1],
			sigs:    make(map[pubKeyBytes][]byte),
		}
	}

	return &SignedTransaction{
		required: required,
		tx:       msg,
		inputs:   inputs,
	}, nil
}

// MsgTx returns the underlying unsigned wire transaction.
func (t *SignedTransaction) MsgTx() *wire.MsgTx {
	return t.tx
}

// Required returns the number of signatures each input needs.
func (t *SignedTransaction) Required() int {
	return t.required
}

// SignatureCount returns the smallest per-input signature count, which is
// the number of cosigners that have fully signed.
func (t *SignedTransaction) SignatureCount() int {
	if len(t.inputs) == 0 {
		return 0
	}

	count := len(t.inputs[0].sigs)
	for i := 1; i < len(t.inputs); i++ {
		if len(t.inputs[i].sigs) < count {
			count = len(t.inputs[i].sigs)
		}
	}

	return count
}

// IsComplete reports whether every input carries the required number of
// signatures.
func (t *SignedTransaction) IsComplete() bool {
	return t.SignatureCount() >= t.required
}

// State returns the signing lifecycle state.
func (t *SignedTransaction) State() TxState {
	count := t.SignatureCount()
	switch {
	case count >= t.required:
		return StateComplete
	case count > 0:
		return StatePartiallySigned
	default:
		// A cosigner may have signed some inputs before failing.
		for i := range t.inputs {
			if len(t.inputs[i].sigs) > 0 {
				return StatePartiallySigned
			}
		}

		return StateUnsigned
	}
}

// Sign decrypts ks with password and adds one signature share per input.
// config must be set for multisig wallets and nil otherwise. Signing is
// atomic with respect to the signature set: on any error the transaction is
// left exactly as it was. Re-signing by a cosigner whose signatures are
// already present is a no-op and never changes completion state.
func (t *SignedTransaction) Sign(ks *Keystore, config *MultisigConfig,
	password string) error {

	chain, err := ks.Unlock(password)
	if err != nil {
		return err
	}
	defer chain.Zero()

	accountPath, err := keychain.ParsePath(ks.AccountPath)
	if err != nil {
		return err
	}

	hashes := newSigHashes(t.tx)

	// Stage signatures so a failure on a later input leaves the
	// transaction untouched.
	staged := make([]map[pubKeyBytes][]byte, len(t.inputs))

	for i := range t.inputs {
		in := &t.inputs[i]

		priv, err := chain.DerivePriv(
			accountPath.Extend(in.branch, in.index),
		)
		if err != nil {
			return err
		}

		sig, pub, err := signInput(t.tx, i, in, config, priv, hashes)
		priv.Zero()
		if err != nil {
			return err
		}

		if _, done := in.sigs[pub]; done {
			continue
		}

		staged[i] = map[pubKeyBytes][]byte{pub: sig}
	}

	for i := range staged {
		for pub, sig := range staged[i] {
			t.inputs[i].sigs[pub] = sig
		}
	}

	log.Debugf("Signed transaction: state=%v (%d of %d signatures)",
		t.State(), t.SignatureCount(), t.required)

	return nil
}

// signInput produces one signature share for input i.
func signInput(tx *wire.MsgTx, i int, in *signedInput,
	config *MultisigConfig, priv *keychain.PrivateKeyMaterial,
	hashes *sigHashes) ([]byte, pubKeyBytes, error) {

	var pub pubKeyBytes
	copy(pub[:], priv.PubKey().SerializeCompressed())

	scriptCode, err := scriptCodeForInput(in, config)
	if err != nil {
		return nil, pub, err
	}

	// The derived key must actually control the input.
	if config == nil {
		if !bytes.Equal(
			btcutil.Hash160(pub[:]), in.address.Hash[:],
		) {
			return nil, pub, fmt.Errorf("%w: input %d",
				ErrKeyMismatch, i)
		}
	} else {
		keys, err := config.SortedPubKeys(in.branch, in.index)
		if err != nil {
			return nil, pub, err
		}
		if !containsKey(keys, pub) {
			return nil, pub, fmt.Errorf("%w: input %d",
				ErrKeyMismatch, i)
		}
	}

	digest := hashes.digest(tx, i, scriptCode, in.value)
	sig := ecdsa.Sign(priv.Key(), digest[:])

	return append(sig.Serialize(), sigHashAllForkID), pub, nil
}

// scriptCodeForInput returns the script committed to by the input's
// sighash: the redeem script for multisig, the locking script otherwise.
// For multisig the redeem script hash must match the input's P2SH address.
func scriptCodeForInput(in *signedInput, config *MultisigConfig) ([]byte,
	error) {

	if config == nil {
		return in.address.Script(), nil
	}

	redeem, err := config.RedeemScript(in.branch, in.index)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(btcutil.Hash160(redeem), in.address.Hash[:]) {
		return nil, fmt.Errorf("%w: redeem script does not hash to "+
			"the input address", ErrKeyMismatch)
	}

	return redeem, nil
}

// containsKey reports whether pub is among keys.
func containsKey(keys []*secp256k1.PublicKey, pub pubKeyBytes) bool {
	for _, key := range keys {
		if bytes.Equal(key.SerializeCompressed(), pub[:]) {
			return true
		}
	}

	return false
}

// VerifySignatures checks every collected signature against its digest.
// Used before finalizing a transaction assembled from cosigner shares that
// arrived out of band.
func (t *SignedTransaction) VerifySignatures(config *MultisigConfig) error {
	hashes := newSigHashes(t.tx)

	for i := range t.inputs {
		in := &t.inputs[i]

		scriptCode, err := scriptCodeForInput(in, config)
		if err != nil {
			return err
		}

		digest := hashes.digest(t.tx, i, scriptCode, in.value)

		for pub, rawSig := range in.sigs {
			if len(rawSig) < 2 ||
				rawSig[len(rawSig)-1] != sigHashAllForkID {

				return fmt.Errorf("input %d: unexpected "+
					"hash type", i)
			}

			sig, err := ecdsa.ParseDERSignature(
				rawSig[:len(rawSig)-1],
			)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}

			key, err := secp256k1.ParsePubKey(pub[:])
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}

			if !sig.Verify(digest[:], key) {
				return fmt.Errorf("input %d: signature "+
					"verification failed", i)
			}
		}
	}

	return nil
}

// Finalize assembles the signature scripts and returns the broadcastable
// transaction. config must match the one used for signing, nil for single
// signer wallets.
func (t *SignedTransaction) Finalize(config *MultisigConfig) (*wire.MsgTx,
	error) {

	if !t.IsComplete() {
		return nil, ErrIncomplete
	}

	final := t.tx.Copy()

	for i := range t.inputs {
		in := &t.inputs[i]

		script, err := buildSigScript(in, config, t.required)
		if err != nil {
			return nil, err
		}

		final.TxIn[i].SignatureScript = script
	}

	return final, nil
}

// buildSigScript renders one input's signature script.
func buildSigScript(in *signedInput, config *MultisigConfig,
	required int) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	if config == nil {
		for pub, sig := range in.sigs {
			builder.AddData(sig)
			builder.AddData(pub[:])
			break
		}

		return builder.Script()
	}

	redeem, err := config.RedeemScript(in.branch, in.index)
	if err != nil {
		return nil, err
	}

	keys, err := config.SortedPubKeys(in.branch, in.index)
	if err != nil {
		return nil, err
	}

	// CHECKMULTISIG consumes signatures in redeem-script key order, so
	// arrange the collected shares accordingly and take the first m.
	ordered := make([][]byte, 0, required)
	for _, key := range keys {
		var pub pubKeyBytes
		copy(pub[:], key.SerializeCompressed())

		if sig, ok := in.sigs[pub]; ok {
			ordered = append(ordered, sig)
		}
	}
	if len(ordered) < required {
		return nil, ErrIncomplete
	}

	// The extra stack element consumed by the CHECKMULTISIG off-by-one.
	builder.AddOp(txscript.OP_0)
	for _, sig := range ordered[:required] {
		builder.AddData(sig)
	}
	builder.AddData(redeem)

	return builder.Script()
}

// signerPubKeys returns the signing keys present on input i, sorted for
// deterministic serialization.
func (t *SignedTransaction) signerPubKeys(i int) []pubKeyBytes {
	keys := make([]pubKeyBytes, 0, len(t.inputs[i].sigs))
	for pub := range t.inputs[i].sigs {
		keys = append(keys, pub)
	}

	sort.Slice(keys, func(a, b int) bool {
		return bytes.Compare(keys[a][:], keys[b][:]) < 0
	})

	return keys
}
