// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/bchsuite/bchwallet/keychain"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
)

// Multisig policy bounds.
const (
	minCosigners = 2
	maxCosigners = 15
)

var (
	// ErrInvalidPolicy is returned when a multisig configuration falls
	// outside the 1 <= m <= n, 2 <= n <= 15 bounds or an entry fails to
	// parse.
	ErrInvalidPolicy = errors.New("invalid multisig policy")
)

// KeystoreEntry is one cosigner's public derivation material. The ordered
// entry list forms the multisig policy and is immutable once the wallet is
// finalized.
type KeystoreEntry struct {
	// XPub is the cosigner's account-level extended public key.
	XPub string `json:"xpub"`

	// Label is an optional human-readable cosigner name.
	Label string `json:"label,omitempty"`
}

// MultisigConfig is an m-of-n signing policy over an ordered cosigner list.
type MultisigConfig struct {
	// RequiredSignatures is m: how many distinct cosigner signatures
	// complete a transaction.
	RequiredSignatures int `json:"required_signatures"`

	// Entries are the n cosigners, in wizard order.
	Entries []KeystoreEntry `json:"entries"`
}

// Validate checks the policy bounds.
func (c *MultisigConfig) Validate() error {
	n := len(c.Entries)
	if n < minCosigners || n > maxCosigners {
		return fmt.Errorf("%w: %d cosigners", ErrInvalidPolicy, n)
	}

	if c.RequiredSignatures < 1 || c.RequiredSignatures > n {
		return fmt.Errorf("%w: %d of %d", ErrInvalidPolicy,
			c.RequiredSignatures, n)
	}

	seen := make(map[string]struct{}, n)
	for _, entry := range c.Entries {
		if entry.XPub == "" {
			return fmt.Errorf("%w: empty cosigner xpub",
				ErrInvalidPolicy)
		}
		if _, dup := seen[entry.XPub]; dup {
			return fmt.Errorf("%w: duplicate cosigner xpub",
				ErrInvalidPolicy)
		}
		seen[entry.XPub] = struct{}{}
	}

	return nil
}

// Cosigners returns n.
func (c *MultisigConfig) Cosigners() int {
	return len(c.Entries)
}

// SortedPubKeys derives every cosigner's public key at the branch/index
// child and returns them in lexicographic order of their compressed form.
// Sorting makes the redeem script independent of cosigner entry order, so
// all participants derive identical addresses.
func (c *MultisigConfig) SortedPubKeys(branch, index uint32) (
	[]*secp256k1.PublicKey, error) {

	if err := c.Validate(); err != nil {
		return nil, err
	}

	keys := make([]*secp256k1.PublicKey, 0, len(c.Entries))
	for _, entry := range c.Entries {
		chain, err := keychain.NewFromExtendedKey(entry.XPub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy,
				err)
		}

		material, err := chain.DerivePub(
			keychain.DerivationPath{branch, index},
		)
		if err != nil {
			return nil, err
		}

		keys = append(keys, material.Key)
	}

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(
			keys[i].SerializeCompressed(),
			keys[j].SerializeCompressed(),
		) < 0
	})

	return keys, nil
}

// RedeemScript builds the m-of-n CHECKMULTISIG redeem script for the
// branch/index child.
func (c *MultisigConfig) RedeemScript(branch, index uint32) ([]byte, error) {
	keys, err := c.SortedPubKeys(branch, index)
	if err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(c.RequiredSignatures))
	for _, key := range keys {
		builder.AddData(key.SerializeCompressed())
	}
	builder.AddInt64(int64(len(keys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}

// Address returns the P2SH address of the branch/index redeem script.
func (c *MultisigConfig) Address(branch, index uint32) (cashaddr.Address,
	error) {

	script, err := c.RedeemScript(branch, index)
	if err != nil {
		return cashaddr.Address{}, err
	}

	return cashaddr.NewAddress(
		btcutil.Hash160(script), cashaddr.KindP2SH, false,
	)
}

// DeriveAddress makes the policy usable as an address deriver for the
// registry.
func (c *MultisigConfig) DeriveAddress(branch, index uint32) (
	cashaddr.Address, error) {

	return c.Address(branch, index)
}
