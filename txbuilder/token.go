// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// tokenPrefixByte introduces a serialized token payload ahead of the locking
// script inside a transaction output.
const tokenPrefixByte = 0xef

// Token payload structure bits.
const (
	structHasAmount           = 0x10
	structHasNFT              = 0x20
	structHasCommitmentLength = 0x40
)

// maxCommitmentLength bounds the NFT commitment field.
const maxCommitmentLength = 40

var (
	// ErrInvalidTokenPayload is returned when a token payload fails
	// structural validation or cannot be parsed off the wire.
	ErrInvalidTokenPayload = errors.New("invalid token payload")
)

// Capability is the closed set of NFT capabilities. The capability governs
// what a holder may do with the token category when spending the NFT.
type Capability uint8

const (
	// CapabilityNone marks an immutable NFT: its commitment cannot be
	// changed by spending it.
	CapabilityNone Capability = 0x00

	// CapabilityMutable allows the spender to rewrite the NFT commitment.
	CapabilityMutable Capability = 0x01

	// CapabilityMinting licenses arbitrary new fungible issuance and new
	// NFT creation for the category when spent.
	CapabilityMinting Capability = 0x02
)

// String returns the capability name.
func (c Capability) String() string {
	switch c {
	case CapabilityNone:
		return "immutable"
	case CapabilityMutable:
		return "mutable"
	case CapabilityMinting:
		return "minting"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// TokenPayload is the category/commitment/capability metadata a token-aware
// output carries alongside its satoshi value.
type TokenPayload struct {
	// Category identifies the token category, in transaction byte order.
	Category chainhash.Hash

	// Amount is the fungible amount, zero when the payload carries only
	// an NFT.
	Amount uint64

	// HasNFT reports whether the payload includes a non-fungible token.
	HasNFT bool

	// Capability is the NFT capability. Meaningless unless HasNFT.
	Capability Capability

	// Commitment is the NFT commitment bytes. Only valid with HasNFT.
	Commitment []byte
}

// bitfield computes the structure byte for serialization.
func (t *TokenPayload) bitfield() byte {
	var b byte
	if t.Amount > 0 {
		b |= structHasAmount
	}
	if t.HasNFT {
		b |= structHasNFT
		b |= byte(t.Capability)
	}
	if len(t.Commitment) > 0 {
		b |= structHasCommitmentLength
	}

	return b
}

// Validate checks the structural invariants of the payload.
func (t *TokenPayload) Validate() error {
	if t.Amount == 0 && !t.HasNFT {
		return fmt.Errorf("%w: neither amount nor NFT",
			ErrInvalidTokenPayload)
	}

	if t.Amount > math.MaxInt64 {
		return fmt.Errorf("%w: amount out of range",
			ErrInvalidTokenPayload)
	}

	if !t.HasNFT && t.Capability != CapabilityNone {
		return fmt.Errorf("%w: capability without NFT",
			ErrInvalidTokenPayload)
	}

	if t.Capability > CapabilityMinting {
		return fmt.Errorf("%w: capability %d",
			ErrInvalidTokenPayload, t.Capability)
	}

	if !t.HasNFT && len(t.Commitment) > 0 {
		return fmt.Errorf("%w: commitment without NFT",
			ErrInvalidTokenPayload)
	}

	if len(t.Commitment) > maxCommitmentLength {
		return fmt.Errorf("%w: commitment exceeds %d bytes",
			ErrInvalidTokenPayload, maxCommitmentLength)
	}

	return nil
}

// Serialize writes the payload in its wire form: the 32-byte category, the
// structure byte, the optional commitment (compact-size prefixed), and the
// optional fungible amount (compact size).
func (t *TokenPayload) Serialize(w io.Writer) error {
	if err := t.Validate(); err != nil {
		return err
	}

	if _, err := w.Write(t.Category[:]); err != nil {
		return err
	}

	if _, err := w.Write([]byte{t.bitfield()}); err != nil {
		return err
	}

	if len(t.Commitment) > 0 {
		err := wire.WriteVarBytes(w, 0, t.Commitment)
		if err != nil {
			return err
		}
	}

	if t.Amount > 0 {
		err := wire.WriteVarInt(w, 0, t.Amount)
		if err != nil {
			return err
		}
	}

	return nil
}

// Deserialize reads a payload from its wire form.
func (t *TokenPayload) Deserialize(r io.Reader) error {
	if _, err := io.ReadFull(r, t.Category[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTokenPayload, err)
	}

	var structByte [1]byte
	if _, err := io.ReadFull(r, structByte[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTokenPayload, err)
	}
	b := structByte[0]

	if b&0x80 != 0 || b&0xf0 == 0 {
		return fmt.Errorf("%w: structure byte %#02x",
			ErrInvalidTokenPayload, b)
	}

	t.HasNFT = b&structHasNFT != 0
	t.Capability = Capability(b & 0x0f)

	t.Commitment = nil
	if b&structHasCommitmentLength != 0 {
		commitment, err := wire.ReadVarBytes(
			r, 0, maxCommitmentLength, "token commitment",
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTokenPayload,
				err)
		}
		if len(commitment) == 0 {
			return fmt.Errorf("%w: empty serialized commitment",
				ErrInvalidTokenPayload)
		}

		t.Commitment = commitment
	}

	t.Amount = 0
	if b&structHasAmount != 0 {
		amount, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTokenPayload,
				err)
		}
		if amount == 0 {
			return fmt.Errorf("%w: zero serialized amount",
				ErrInvalidTokenPayload)
		}

		t.Amount = amount
	}

	return t.Validate()
}

// WrapScript prepends the serialized token payload to a locking script. A
// nil payload returns the script unchanged.
func WrapScript(token *TokenPayload, script []byte) ([]byte, error) {
	if token == nil {
		return script, nil
	}

	var buf bytes.Buffer
	buf.WriteByte(tokenPrefixByte)
	if err := token.Serialize(&buf); err != nil {
		return nil, err
	}
	buf.Write(script)

	return buf.Bytes(), nil
}

// UnwrapScript splits a possibly token-wrapped output script into its token
// payload and the plain locking script. Outputs without the token prefix
// byte return a nil payload.
func UnwrapScript(wrapped []byte) (*TokenPayload, []byte, error) {
	if len(wrapped) == 0 || wrapped[0] != tokenPrefixByte {
		return nil, wrapped, nil
	}

	r := bytes.NewReader(wrapped[1:])

	var token TokenPayload
	if err := token.Deserialize(r); err != nil {
		return nil, nil, err
	}

	script := make([]byte, r.Len())
	if _, err := io.ReadFull(r, script); err != nil {
		return nil, nil, err
	}

	return &token, script, nil
}
