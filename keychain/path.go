// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// ErrInvalidDerivation is returned when a derivation path string is
// malformed or when a derivation cannot be performed, such as deriving a
// hardened child from a public-only branch.
var ErrInvalidDerivation = errors.New("invalid derivation")

// HardenedKeyStart is the index offset marking hardened derivation.
const HardenedKeyStart = hdkeychain.HardenedKeyStart

// DerivationPath is an ordered sequence of BIP32 child indices. Indices at
// or above HardenedKeyStart are hardened. A path is immutable once assigned
// to an address.
type DerivationPath []uint32

// ParsePath parses a path of the form "m/44'/145'/0'/0/5". Both the
// apostrophe and "h"/"H" suffixes mark hardened components. The leading "m"
// is optional.
func ParsePath(s string) (DerivationPath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidDerivation)
	}

	parts := strings.Split(s, "/")
	if parts[0] == "m" || parts[0] == "M" {
		parts = parts[1:]
	}

	path := make(DerivationPath, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: empty component in %q",
				ErrInvalidDerivation, s)
		}

		hardened := false
		switch part[len(part)-1] {
		case '\'', 'h', 'H':
			hardened = true
			part = part[:len(part)-1]
		}

		idx, err := strconv.ParseUint(part, 10, 32)
		if err != nil || idx >= HardenedKeyStart {
			return nil, fmt.Errorf("%w: component %q out of "+
				"range", ErrInvalidDerivation, part)
		}

		child := uint32(idx)
		if hardened {
			child += HardenedKeyStart
		}

		path = append(path, child)
	}

	return path, nil
}

// String returns the canonical "m/a'/b/c" form.
func (p DerivationPath) String() string {
	var sb strings.Builder
	sb.WriteByte('m')

	for _, child := range p {
		sb.WriteByte('/')
		if child >= HardenedKeyStart {
			sb.WriteString(strconv.FormatUint(
				uint64(child-HardenedKeyStart), 10))
			sb.WriteByte('\'')
		} else {
			sb.WriteString(strconv.FormatUint(uint64(child), 10))
		}
	}

	return sb.String()
}

// HasHardened reports whether any component of the path is hardened.
func (p DerivationPath) HasHardened() bool {
	for _, child := range p {
		if child >= HardenedKeyStart {
			return true
		}
	}

	return false
}

// Extend returns a new path with the given children appended. The receiver
// is not modified.
func (p DerivationPath) Extend(children ...uint32) DerivationPath {
	out := make(DerivationPath, 0, len(p)+len(children))
	out = append(out, p...)

	return append(out, children...)
}

// Hardened returns the hardened form of index i.
func Hardened(i uint32) uint32 {
	return i + HardenedKeyStart
}
