// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keystore implements encrypted key storage and transaction
// signing, including m-of-n multisig with out-of-band partial-signature
// interchange.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/bchsuite/bchwallet/keychain"
)

var (
	// ErrInvalidPassword is returned when keystore decryption fails
	// authentication. It is recoverable: the caller may re-prompt.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrWatchOnly is returned when signing is attempted with a
	// keystore that holds no private material.
	ErrWatchOnly = errors.New("keystore is watch-only")
)

// Key derivation parameters for the password KDF.
const (
	kdfIterations = 100_000
	kdfKeyLen     = 32
	kdfSaltLen    = 16
)

// Keystore holds one signer's key material: the account xpub in the clear
// for address derivation, and the master xprv encrypted under a password.
// A watch-only keystore carries only the xpub.
type Keystore struct {
	// XPub is the serialized account-level extended public key.
	XPub string `json:"xpub"`

	// AccountPath is the derivation path of the account node under the
	// encrypted master key.
	AccountPath string `json:"account_path"`

	// Crypto is the encrypted master xprv, absent for watch-only.
	Crypto *cryptoEnvelope `json:"crypto,omitempty"`
}

// cryptoEnvelope is the password-encrypted secret payload. The master xprv
// string is sealed with AES-256-GCM under a PBKDF2-SHA512 stretched key.
type cryptoEnvelope struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Iterations int    `json:"iterations"`
}

// stretch derives the symmetric key from the password.
func (c *cryptoEnvelope) stretch(password string) []byte {
	return pbkdf2.Key(
		[]byte(password), c.Salt, c.Iterations, kdfKeyLen, sha512.New,
	)
}

// New creates a keystore from a private key chain, sealing the master xprv
// under password. The chain itself is not retained.
func New(chain *keychain.KeyChain, accountPath keychain.DerivationPath,
	password string) (*Keystore, error) {

	xpub, err := chain.AccountXPub(accountPath)
	if err != nil {
		return nil, err
	}

	xpriv, err := chain.MasterXPriv()
	if err != nil {
		return nil, err
	}

	envelope, err := seal([]byte(xpriv), password)
	if err != nil {
		return nil, err
	}

	return &Keystore{
		XPub:        xpub,
		AccountPath: accountPath.String(),
		Crypto:      envelope,
	}, nil
}

// NewWatchOnly creates a keystore that can derive addresses but never sign.
func NewWatchOnly(xpub string, accountPath keychain.DerivationPath) *Keystore {
	return &Keystore{
		XPub:        xpub,
		AccountPath: accountPath.String(),
	}
}

// WatchOnly reports whether the keystore holds no private material.
func (k *Keystore) WatchOnly() bool {
	return k.Crypto == nil
}

// Unlock decrypts the master key chain. The caller owns the returned chain
// and must Zero it once signing is done. A wrong password fails with
// ErrInvalidPassword; the ciphertext is authenticated so tampering is
// detected the same way.
func (k *Keystore) Unlock(password string) (*keychain.KeyChain, error) {
	if k.WatchOnly() {
		return nil, ErrWatchOnly
	}

	plaintext, err := open(k.Crypto, password)
	if err != nil {
		return nil, err
	}

	chain, err := keychain.NewFromExtendedKey(string(plaintext))
	for i := range plaintext {
		plaintext[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}

	return chain, nil
}

// CheckPassword verifies the password without retaining the key material.
func (k *Keystore) CheckPassword(password string) error {
	chain, err := k.Unlock(password)
	if err != nil {
		return err
	}
	chain.Zero()

	return nil
}

// Marshal renders the keystore as JSON for embedding in a wallet file.
func (k *Keystore) Marshal() ([]byte, error) {
	return json.Marshal(k)
}

// Unmarshal parses a keystore from its JSON form.
func Unmarshal(data []byte) (*Keystore, error) {
	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, err
	}

	return &ks, nil
}

// seal encrypts plaintext under password with a fresh salt and nonce.
func seal(plaintext []byte, password string) (*cryptoEnvelope, error) {
	envelope := &cryptoEnvelope{
		Salt:       make([]byte, kdfSaltLen),
		Iterations: kdfIterations,
	}
	if _, err := rand.Read(envelope.Salt); err != nil {
		return nil, err
	}

	aead, err := newAEAD(envelope.stretch(password))
	if err != nil {
		return nil, err
	}

	envelope.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(envelope.Nonce); err != nil {
		return nil, err
	}

	envelope.Ciphertext = aead.Seal(nil, envelope.Nonce, plaintext, nil)

	return envelope, nil
}

// open decrypts an envelope, mapping authentication failure to
// ErrInvalidPassword.
func open(envelope *cryptoEnvelope, password string) ([]byte, error) {
	aead, err := newAEAD(envelope.stretch(password))
	if err != nil {
		return nil, err
	}

	if len(envelope.Nonce) != aead.NonceSize() {
		return nil, ErrInvalidPassword
	}

	plaintext, err := aead.Open(
		nil, envelope.Nonce, envelope.Ciphertext, nil,
	)
	if err != nil {
		return nil, ErrInvalidPassword
	}

	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}
