// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package base43 implements the base43 encoding used to pack raw
// transactions into alphanumeric QR codes. The alphabet is restricted to the
// characters allowed in QR alphanumeric mode, which lets a QR encoder emit a
// considerably denser code than one holding hex text.
package base43

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// alphabet is the 43-character QR alphanumeric subset.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ$*+-./:"

// ErrInvalidCharacter is returned when decoding input containing a character
// outside the base43 alphabet.
var ErrInvalidCharacter = errors.New("invalid base43 character")

var radix = big.NewInt(int64(len(alphabet)))

// Encode returns the base43 text form of data. Leading zero bytes are
// preserved as leading zero digits so the encoding round-trips exactly.
func Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	nPad := 0
	for nPad < len(data) && data[nPad] == 0 {
		nPad++
	}

	num := new(big.Int).SetBytes(data)
	mod := new(big.Int)

	var sb strings.Builder
	for num.Sign() > 0 {
		num.DivMod(num, radix, mod)
		sb.WriteByte(alphabet[mod.Int64()])
	}

	for i := 0; i < nPad; i++ {
		sb.WriteByte(alphabet[0])
	}

	// Digits were produced least significant first.
	out := []byte(sb.String())
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return string(out)
}

// Decode converts base43 text back into the original bytes.
func Decode(text string) ([]byte, error) {
	if len(text) == 0 {
		return nil, nil
	}

	num := new(big.Int)
	for i := 0; i < len(text); i++ {
		v := strings.IndexByte(alphabet, text[i])
		if v < 0 {
			return nil, fmt.Errorf("%w: %q at offset %d",
				ErrInvalidCharacter, text[i], i)
		}

		num.Mul(num, radix)
		num.Add(num, big.NewInt(int64(v)))
	}

	nPad := 0
	for nPad < len(text) && text[nPad] == alphabet[0] {
		nPad++
	}

	decoded := num.Bytes()

	out := make([]byte, nPad+len(decoded))
	copy(out[nPad:], decoded)

	return out, nil
}
