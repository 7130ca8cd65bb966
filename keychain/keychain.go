// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keychain implements BIP32/BIP44 hierarchical deterministic key
// derivation for the wallet. It owns all secret key material: seeds and
// private keys never leave this package except inside signing operations,
// and are zeroed on disposal.
package keychain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
)

var (
	// ErrInvalidSeed is returned when seed material fails checksum or
	// word-list validation.
	ErrInvalidSeed = errors.New("invalid seed")

	// ErrPublicOnly is returned when an operation requires the private
	// branch of a watch-only key chain.
	ErrPublicOnly = errors.New("key chain is public only")
)

// BCH coin type registered for BIP44 derivation.
const coinTypeBCH = 145

// WalletKind selects the default derivation path for a wallet.
type WalletKind uint8

const (
	// KindStandard is a single-signer wallet.
	KindStandard WalletKind = iota

	// KindMultisig is one cosigner's branch of an m-of-n wallet.
	KindMultisig
)

// DefaultPath returns the account-level derivation path used when the caller
// does not supply an explicit override. Multisig cosigners each derive from
// a distinct hardened account index so their key trees do not overlap.
func DefaultPath(kind WalletKind, cosignerIndex uint32) DerivationPath {
	account := uint32(0)
	if kind == KindMultisig {
		account = cosignerIndex
	}

	return DerivationPath{
		Hardened(44), Hardened(coinTypeBCH), Hardened(account),
	}
}

// PrivateKeyMaterial wraps a derived private key. Callers must Zero it as
// soon as the signature has been produced.
type PrivateKeyMaterial struct {
	key *secp256k1.PrivateKey
}

// Key returns the raw private key.
func (m *PrivateKeyMaterial) Key() *secp256k1.PrivateKey {
	return m.key
}

// PubKey returns the corresponding public key.
func (m *PrivateKeyMaterial) PubKey() *secp256k1.PublicKey {
	return m.key.PubKey()
}

// Zero clears the key material in place.
func (m *PrivateKeyMaterial) Zero() {
	if m.key != nil {
		m.key.Zero()
		m.key = nil
	}
}

// PublicKeyMaterial is a derived public key together with its hash160 form.
type PublicKeyMaterial struct {
	// Key is the derived public key.
	Key *secp256k1.PublicKey

	// Hash160 is RIPEMD160(SHA256(compressed pubkey)), the commitment
	// P2PKH addresses use.
	Hash160 [20]byte
}

// KeyChain is a deterministic key tree rooted at a master extended key. The
// root may be private (full wallet) or public (watch-only cosigner entry).
type KeyChain struct {
	root *hdkeychain.ExtendedKey
}

// hdNetParams supplies the extended key version bytes. Bitcoin Cash shares
// the xprv/xpub serialization magic with Bitcoin.
var hdNetParams = &chaincfg.MainNetParams

// NewFromSeed builds a key chain from raw seed bytes.
func NewFromSeed(seed []byte) (*KeyChain, error) {
	if len(seed) < hdkeychain.MinSeedBytes ||
		len(seed) > hdkeychain.MaxSeedBytes {

		return nil, fmt.Errorf("%w: seed must be between %d and %d "+
			"bytes", ErrInvalidSeed, hdkeychain.MinSeedBytes,
			hdkeychain.MaxSeedBytes)
	}

	root, err := hdkeychain.NewMaster(seed, hdNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	return &KeyChain{root: root}, nil
}

// NewFromMnemonic validates a BIP39 mnemonic against the word list and
// checksum, stretches it with the optional passphrase, and builds a key
// chain from the resulting seed.
func NewFromMnemonic(mnemonic, passphrase string) (*KeyChain, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	return NewFromSeed(seed)
}

// NewFromExtendedKey builds a key chain from a serialized xprv or xpub. An
// xpub root yields a watch-only chain that can only derive public material.
func NewFromExtendedKey(encoded string) (*KeyChain, error) {
	root, err := hdkeychain.NewKeyFromString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	return &KeyChain{root: root}, nil
}

// GenerateMnemonic produces a fresh random BIP39 mnemonic with the given
// entropy size in bits (128..256 in steps of 32).
func GenerateMnemonic(entropyBits int) (string, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	return bip39.NewMnemonic(entropy)
}

// IsPrivate reports whether the chain can derive private keys.
func (k *KeyChain) IsPrivate() bool {
	return k.root.IsPrivate()
}

// Neuter returns a public-only copy of the chain, suitable for handing to a
// cosigner or a watch-only wallet.
func (k *KeyChain) Neuter() (*KeyChain, error) {
	pub, err := k.root.Neuter()
	if err != nil {
		return nil, err
	}

	return &KeyChain{root: pub}, nil
}

// AccountXPub derives the account node at the given path and returns its
// serialized xpub. This is the value cosigners exchange when assembling a
// multisig wallet.
func (k *KeyChain) AccountXPub(path DerivationPath) (string, error) {
	node, err := k.deriveNode(path)
	if err != nil {
		return "", err
	}

	pub, err := node.Neuter()
	if err != nil {
		return "", err
	}

	return pub.String(), nil
}

// deriveNode walks the path from the root. Hardened components require the
// private branch.
func (k *KeyChain) deriveNode(path DerivationPath) (*hdkeychain.ExtendedKey,
	error) {

	if path.HasHardened() && !k.root.IsPrivate() {
		return nil, fmt.Errorf("%w: hardened component on public "+
			"branch", ErrPublicOnly)
	}

	node := k.root
	for _, child := range path {
		next, err := node.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("%w: at %v: %v",
				ErrInvalidDerivation, path, err)
		}

		node = next
	}

	return node, nil
}

// DerivePriv derives the private key at path. The same seed and path always
// yield the same key. The caller owns the returned material and must Zero
// it.
func (k *KeyChain) DerivePriv(path DerivationPath) (*PrivateKeyMaterial,
	error) {

	if !k.root.IsPrivate() {
		return nil, ErrPublicOnly
	}

	node, err := k.deriveNode(path)
	if err != nil {
		return nil, err
	}

	priv, err := node.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDerivation, err)
	}

	return &PrivateKeyMaterial{key: priv}, nil
}

// DerivePub derives the public key at path.
func (k *KeyChain) DerivePub(path DerivationPath) (PublicKeyMaterial, error) {
	node, err := k.deriveNode(path)
	if err != nil {
		return PublicKeyMaterial{}, err
	}

	pub, err := node.ECPubKey()
	if err != nil {
		return PublicKeyMaterial{}, fmt.Errorf("%w: %v",
			ErrInvalidDerivation, err)
	}

	var material PublicKeyMaterial
	material.Key = pub
	copy(material.Hash160[:], btcutil.Hash160(pub.SerializeCompressed()))

	return material, nil
}

// MasterXPriv returns the serialized private root. It fails on watch-only
// chains. The caller is responsible for encrypting the result before it is
// written anywhere.
func (k *KeyChain) MasterXPriv() (string, error) {
	if !k.root.IsPrivate() {
		return "", ErrPublicOnly
	}

	return k.root.String(), nil
}

// Zero destroys the root key material. The chain is unusable afterwards.
func (k *KeyChain) Zero() {
	if k.root != nil {
		k.root.Zero()
		k.root = nil
	}
}
