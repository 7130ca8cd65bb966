// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bchunit provides a set of types for dealing with bitcoin cash
// units.
package bchunit

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrFeeRateTooLow is returned when a fee rate is below the protocol
	// minimum relay rate.
	ErrFeeRateTooLow = errors.New("fee rate below protocol minimum")

	// ErrFeeRateTooHigh is returned when a fee rate exceeds the
	// configured maximum sane rate.
	ErrFeeRateTooHigh = errors.New("fee rate above configured maximum")
)

const (
	// MinSatPerByte is the protocol minimum relay fee rate. Callers may
	// not go below this.
	MinSatPerByte SatPerByte = 1

	// DefaultMaxSatPerByte is the default upper bound for user supplied
	// fee rates. A UI typically exposes the valid range as a linear
	// slider offset by MinSatPerByte.
	DefaultMaxSatPerByte SatPerByte = 10
)

// SatPerByte is a fee rate in integer satoshis per serialized byte.
type SatPerByte int64

// NewSatPerByte creates a fee rate from a raw integer.
func NewSatPerByte(rate int64) SatPerByte {
	return SatPerByte(rate)
}

// FeeForSize returns the fee implied by this rate for a transaction of the
// given serialized size.
func (s SatPerByte) FeeForSize(size int) btcutil.Amount {
	return btcutil.Amount(int64(s) * int64(size))
}

// Validate checks the rate against the protocol minimum and the supplied
// maximum. A zero maxRate falls back to DefaultMaxSatPerByte.
func (s SatPerByte) Validate(maxRate SatPerByte) error {
	if maxRate <= 0 {
		maxRate = DefaultMaxSatPerByte
	}

	if s < MinSatPerByte {
		return fmt.Errorf("%w: %v < %v", ErrFeeRateTooLow, s,
			MinSatPerByte)
	}

	if s > maxRate {
		return fmt.Errorf("%w: %v > %v", ErrFeeRateTooHigh, s, maxRate)
	}

	return nil
}

// String returns a human-readable string of the fee rate.
func (s SatPerByte) String() string {
	return fmt.Sprintf("%d sat/B", int64(s))
}
