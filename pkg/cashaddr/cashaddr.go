// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cashaddr implements the cashaddr address encoding used on the
// Bitcoin Cash network, including the token-aware address types introduced
// with CashTokens.
package cashaddr

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MainNetPrefix is the human readable prefix for mainnet addresses.
	MainNetPrefix = "bitcoincash"

	// TestNetPrefix is the human readable prefix for testnet addresses.
	TestNetPrefix = "bchtest"

	// RegTestPrefix is the human readable prefix for regtest addresses.
	RegTestPrefix = "bchreg"
)

// charset is the base32 alphabet shared with bech32.
const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// AddrType is the address type encoded in the cashaddr version byte.
type AddrType uint8

const (
	// PubKeyType is a plain pay-to-pubkey-hash address.
	PubKeyType AddrType = 0

	// ScriptType is a plain pay-to-script-hash address.
	ScriptType AddrType = 1

	// TokenPubKeyType is a pay-to-pubkey-hash address that signals the
	// receiver accepts outputs carrying token payloads.
	TokenPubKeyType AddrType = 2

	// TokenScriptType is a pay-to-script-hash address that signals the
	// receiver accepts outputs carrying token payloads.
	TokenScriptType AddrType = 3
)

var (
	// ErrInvalidAddress is returned when a string cannot be decoded as a
	// cashaddr address.
	ErrInvalidAddress = errors.New("invalid cashaddr address")

	// ErrChecksumMismatch is returned when the 40-bit checksum does not
	// verify.
	ErrChecksumMismatch = errors.New("cashaddr checksum mismatch")

	// ErrInvalidHashSize is returned when the hash length is not one of
	// the sizes the encoding supports.
	ErrInvalidHashSize = errors.New("invalid hash size")
)

// validHashSizes maps a hash length in bytes to the size bits of the version
// byte, per the cashaddr specification.
var validHashSizes = map[int]uint8{
	20: 0, 24: 1, 28: 2, 32: 3, 40: 4, 48: 5, 56: 6, 64: 7,
}

// polymod is the BCH checksum function over GF(2^5) defined by the cashaddr
// specification.
func polymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := c >> 35
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)

		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}

	return c ^ 1
}

// expandPrefix returns the low five bits of each prefix character followed by
// a zero separator, which is the form the checksum covers.
func expandPrefix(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}

	return append(out, 0)
}

// appendChecksum computes and appends the 40-bit checksum as eight 5-bit
// groups.
func appendChecksum(prefix string, payload []byte) []byte {
	enc := make([]byte, 0, len(payload)+8)
	enc = append(enc, payload...)

	poly := polymod(append(expandPrefix(prefix),
		append(payload, 0, 0, 0, 0, 0, 0, 0, 0)...))

	for i := 0; i < 8; i++ {
		enc = append(enc, byte((poly>>uint(5*(7-i)))&0x1f))
	}

	return enc
}

// convertBits regroups the input from frombits-sized groups to tobits-sized
// groups. When pad is true, any remainder is padded with zero bits; when
// false a non-zero or oversized remainder is an error.
func convertBits(data []byte, frombits, tobits uint, pad bool) ([]byte, error) {
	acc := uint32(0)
	bits := uint(0)
	maxv := uint32(1<<tobits) - 1

	out := make([]byte, 0, len(data)*int(frombits)/int(tobits)+1)
	for _, b := range data {
		if uint(b)>>frombits != 0 {
			return nil, fmt.Errorf("%w: value %d exceeds %d bits",
				ErrInvalidAddress, b, frombits)
		}

		acc = acc<<frombits | uint32(b)
		bits += frombits
		for bits >= tobits {
			bits -= tobits
			out = append(out, byte(acc>>bits&maxv))
		}
	}

	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(tobits-bits)&maxv))
		}

		return out, nil
	}

	if bits >= frombits || acc<<(tobits-bits)&maxv != 0 {
		return nil, fmt.Errorf("%w: invalid padding", ErrInvalidAddress)
	}

	return out, nil
}

// packAddrData builds the 5-bit payload from the version byte and hash.
func packAddrData(addrType AddrType, hash []byte) ([]byte, error) {
	sizeBits, ok := validHashSizes[len(hash)]
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidHashSize,
			len(hash))
	}

	version := byte(addrType)<<3 | sizeBits

	return convertBits(append([]byte{version}, hash...), 8, 5, true)
}

// Encode encodes the given address type and hash with the given network
// prefix, returning the full "prefix:payload" form.
func Encode(prefix string, addrType AddrType, hash []byte) (string, error) {
	if addrType > TokenScriptType {
		return "", fmt.Errorf("%w: address type %d", ErrInvalidAddress,
			addrType)
	}

	payload, err := packAddrData(addrType, hash)
	if err != nil {
		return "", err
	}

	payload = appendChecksum(prefix, payload)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, d := range payload {
		sb.WriteByte(charset[d])
	}

	return sb.String(), nil
}

// Decode decodes a cashaddr string. The prefix may be omitted, in which case
// expectedPrefix is assumed; mixed case input is rejected per the spec.
func Decode(addr, expectedPrefix string) (AddrType, []byte, error) {
	lower := strings.ToLower(addr)
	if addr != lower && addr != strings.ToUpper(addr) {
		return 0, nil, fmt.Errorf("%w: mixed case", ErrInvalidAddress)
	}
	addr = lower

	prefix := expectedPrefix
	payloadStr := addr
	if idx := strings.IndexByte(addr, ':'); idx >= 0 {
		prefix = addr[:idx]
		payloadStr = addr[idx+1:]
	}

	if expectedPrefix != "" && prefix != expectedPrefix {
		return 0, nil, fmt.Errorf("%w: prefix %q, want %q",
			ErrInvalidAddress, prefix, expectedPrefix)
	}

	if len(payloadStr) == 0 {
		return 0, nil, fmt.Errorf("%w: empty payload", ErrInvalidAddress)
	}

	data := make([]byte, 0, len(payloadStr))
	for i := 0; i < len(payloadStr); i++ {
		v := strings.IndexByte(charset, payloadStr[i])
		if v < 0 {
			return 0, nil, fmt.Errorf("%w: invalid character %q",
				ErrInvalidAddress, payloadStr[i])
		}

		data = append(data, byte(v))
	}

	if polymod(append(expandPrefix(prefix), data...)) != 0 {
		return 0, nil, ErrChecksumMismatch
	}

	// Strip the checksum and regroup back to bytes.
	converted, err := convertBits(data[:len(data)-8], 5, 8, false)
	if err != nil {
		return 0, nil, err
	}

	if len(converted) == 0 {
		return 0, nil, fmt.Errorf("%w: missing version byte",
			ErrInvalidAddress)
	}

	version := converted[0]
	hash := converted[1:]

	if version&0x80 != 0 {
		return 0, nil, fmt.Errorf("%w: reserved version bit set",
			ErrInvalidAddress)
	}

	addrType := AddrType(version >> 3)
	sizeBits, ok := validHashSizes[len(hash)]
	if !ok || sizeBits != version&0x07 {
		return 0, nil, fmt.Errorf("%w: hash size does not match "+
			"version byte", ErrInvalidAddress)
	}

	return addrType, hash, nil
}
