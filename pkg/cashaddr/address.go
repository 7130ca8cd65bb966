// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cashaddr

import (
	"bytes"
	"fmt"
)

// Kind is the script kind of a wallet address. Token awareness is carried
// separately since a token-aware address locks to the same script as its
// plain counterpart.
type Kind uint8

const (
	// KindP2PKH locks to a pay-to-pubkey-hash script.
	KindP2PKH Kind = iota

	// KindP2SH locks to a pay-to-script-hash script.
	KindP2SH
)

// Hash160Size is the size of the hash committed to by P2PKH and P2SH
// addresses.
const Hash160Size = 20

// Address is an owned value representation of a Bitcoin Cash address. The
// zero value is not a valid address.
type Address struct {
	// Hash is the hash160 the address commits to.
	Hash [Hash160Size]byte

	// Kind selects between P2PKH and P2SH locking scripts.
	Kind Kind

	// TokenAware reports whether the address was encoded with a
	// token-aware cashaddr type, signalling the receiver can handle
	// outputs that carry token payloads.
	TokenAware bool
}

// NewAddress returns an address for the given hash160.
func NewAddress(hash []byte, kind Kind, tokenAware bool) (Address, error) {
	if len(hash) != Hash160Size {
		return Address{}, fmt.Errorf("%w: %d bytes", ErrInvalidHashSize,
			len(hash))
	}

	addr := Address{Kind: kind, TokenAware: tokenAware}
	copy(addr.Hash[:], hash)

	return addr, nil
}

// ParseAddress decodes a cashaddr string into an Address. Only the 160-bit
// hash sizes used by P2PKH and P2SH are accepted here; longer hashes are
// valid cashaddr payloads but are not spendable wallet addresses.
func ParseAddress(addr, prefix string) (Address, error) {
	addrType, hash, err := Decode(addr, prefix)
	if err != nil {
		return Address{}, err
	}

	if len(hash) != Hash160Size {
		return Address{}, fmt.Errorf("%w: %d bytes", ErrInvalidHashSize,
			len(hash))
	}

	var (
		kind       Kind
		tokenAware bool
	)
	switch addrType {
	case PubKeyType:
		kind = KindP2PKH
	case TokenPubKeyType:
		kind, tokenAware = KindP2PKH, true
	case ScriptType:
		kind = KindP2SH
	case TokenScriptType:
		kind, tokenAware = KindP2SH, true
	default:
		return Address{}, fmt.Errorf("%w: unexpected type %d",
			ErrInvalidAddress, addrType)
	}

	return NewAddress(hash, kind, tokenAware)
}

// Encode returns the cashaddr string form of the address under the given
// network prefix.
func (a Address) Encode(prefix string) string {
	addrType := PubKeyType
	switch {
	case a.Kind == KindP2PKH && a.TokenAware:
		addrType = TokenPubKeyType
	case a.Kind == KindP2SH && !a.TokenAware:
		addrType = ScriptType
	case a.Kind == KindP2SH && a.TokenAware:
		addrType = TokenScriptType
	}

	// Encoding can only fail on a bad hash size, which the constructor
	// rules out.
	s, _ := Encode(prefix, addrType, a.Hash[:])

	return s
}

// Script returns the locking script for the address.
func (a Address) Script() []byte {
	if a.Kind == KindP2SH {
		// OP_HASH160 <hash> OP_EQUAL
		script := make([]byte, 0, 23)
		script = append(script, 0xa9, 0x14)
		script = append(script, a.Hash[:]...)

		return append(script, 0x87)
	}

	// OP_DUP OP_HASH160 <hash> OP_EQUALVERIFY OP_CHECKSIG
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, a.Hash[:]...)

	return append(script, 0x88, 0xac)
}

// ExtractAddress recovers an Address from a standard P2PKH or P2SH locking
// script. It returns false for any non-standard script.
func ExtractAddress(script []byte) (Address, bool) {
	switch {
	case len(script) == 25 && script[0] == 0x76 && script[1] == 0xa9 &&
		script[2] == 0x14 && script[23] == 0x88 && script[24] == 0xac:

		addr, _ := NewAddress(script[3:23], KindP2PKH, false)
		return addr, true

	case len(script) == 23 && script[0] == 0xa9 && script[1] == 0x14 &&
		script[22] == 0x87:

		addr, _ := NewAddress(script[2:22], KindP2SH, false)
		return addr, true
	}

	return Address{}, false
}

// Equal reports whether two addresses commit to the same hash and kind.
// Token awareness is an encoding property and does not affect identity.
func (a Address) Equal(other Address) bool {
	return a.Kind == other.Kind && bytes.Equal(a.Hash[:], other.Hash[:])
}

// String returns the mainnet cashaddr form.
func (a Address) String() string {
	return a.Encode(MainNetPrefix)
}
